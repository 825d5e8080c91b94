package report

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"qabridge/pkg/schema"
)

// Filter evaluates jq expressions against report documents, so callers
// can reshape or narrow JSON output before it is written.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type Filter struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewFilter creates a new jq filter.
func NewFilter() *Filter {
	return &Filter{cache: make(map[string]*gojq.Code)}
}

// Apply compiles (or retrieves from cache) a jq expression and evaluates
// it against the given document. The document is round-tripped through
// JSON encoding first, so struct values become plain maps with jq-native
// number types.
//
// jq expressions can produce multiple outputs. When there is exactly one
// output, it is returned directly. When there are multiple outputs, they
// are collected into a slice and returned as []any.
func (f *Filter) Apply(ctx context.Context, expression string, doc any) (any, error) {
	input, err := toJQValue(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "document is not JSON-encodable").WithCause(err)
	}
	if strings.TrimSpace(expression) == "" {
		return input, nil
	}

	code, err := f.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (f *Filter) getOrCompile(expression string) (*gojq.Code, error) {
	f.mu.RLock()
	if code, ok := f.cache[expression]; ok {
		f.mu.RUnlock()
		return code, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := f.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	f.cache[expression] = code
	return code, nil
}

// toJQValue round-trips a Go value through JSON so gojq sees only
// maps, slices, strings, float64s, bools, and nils.
func toJQValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
