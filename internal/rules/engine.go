package rules

import "context"

// Engine evaluates a rule expression against case-result data and
// returns the raw result. Implementations cache compiled programs and
// are safe for concurrent use.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
