package rules

import (
	"context"
	"strconv"

	"qabridge/pkg/schema"
)

// Rule is a named boolean expression evaluated against a case result.
// Language selects the engine ("expr" or "cel").
type Rule struct {
	Name       string `json:"name"`
	Language   string `json:"language"`
	Expression string `json:"expression"`
}

// Set holds an ordered list of rules and the engines that evaluate them.
type Set struct {
	rules   []Rule
	engines map[string]Engine
}

// NewSet builds a rule set over the given rules. Engines are created
// lazily per language; CEL environment construction can fail, so the
// error surfaces here rather than at evaluation time.
func NewSet(rs []Rule) (*Set, error) {
	engines := make(map[string]Engine)
	for _, r := range rs {
		lang := r.Language
		if lang == "" {
			lang = "expr"
		}
		if _, ok := engines[lang]; ok {
			continue
		}
		switch lang {
		case "expr":
			engines[lang] = NewExprEngine()
		case "cel":
			ce, err := NewCELEngine()
			if err != nil {
				return nil, err
			}
			engines[lang] = ce
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unknown rule language %q in rule %q", lang, r.Name)
		}
	}
	return &Set{rules: rs, engines: engines}, nil
}

// Rules returns the rules in evaluation order.
func (s *Set) Rules() []Rule {
	return s.rules
}

// Match evaluates the rules in order against data and returns the name
// of the first rule that evaluates to true, or "" if none match.
// A rule that evaluates to a non-boolean value is a validation error.
func (s *Set) Match(ctx context.Context, data map[string]any) (string, error) {
	for _, r := range s.rules {
		lang := r.Language
		if lang == "" {
			lang = "expr"
		}
		out, err := s.engines[lang].Evaluate(ctx, r.Expression, data)
		if err != nil {
			return "", err
		}
		matched, ok := out.(bool)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"rule %q returned %T, want bool", r.Name, out)
		}
		if matched {
			return r.Name, nil
		}
	}
	return "", nil
}

// DefaultSkipRules reproduces the built-in skip heuristics for case
// results whose failures are infrastructure noise rather than product
// regressions. Assertion failures are never skipped, even when the
// message also carries one of the skip markers.
func DefaultSkipRules() []Rule {
	guard := `not (error contains "AssertionError") and `
	markers := []struct {
		name   string
		substr string
	}{
		{"failed-prior-to-running", "Failed prior to running test"},
		{"portal-log-assertor", "PortalLogAssertorTest#testScanXMLLog"},
		{"skipped-test", "Skipped test"},
		{"build-failed-prior", "The build failed prior to running the test"},
		{"upstream-downstream-timeout", "test-portal-testsuite-upstream-downstream(master) timed out after"},
		{"test-setup-error", "TEST_SETUP_ERROR"},
		{"unable-to-run-on-ci", "Unable to run test on CI"},
	}

	rs := make([]Rule, 0, len(markers))
	for _, m := range markers {
		rs = append(rs, Rule{
			Name:       m.name,
			Language:   "expr",
			Expression: guard + `(error contains ` + strconv.Quote(m.substr) + `)`,
		})
	}
	return rs
}

// ShouldSkip reports whether the error message matches any of the
// default skip rules, along with the matching rule name.
func (s *Set) ShouldSkip(ctx context.Context, errorMessage string) (bool, string, error) {
	name, err := s.Match(ctx, map[string]any{"error": errorMessage})
	if err != nil {
		return false, "", err
	}
	return name != "", name, nil
}
