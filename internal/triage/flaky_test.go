package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"qabridge/pkg/schema"
)

func historyOf(statuses ...string) []schema.HistoryItem {
	items := make([]schema.HistoryItem, 0, len(statuses))
	for _, s := range statuses {
		err := ""
		if s != schema.StatusPassed {
			err = "java.lang.AssertionError: intermittent widget timeout"
		}
		items = append(items, schema.HistoryItem{Status: s, Error: err})
	}
	return items
}

func TestDetectFlakiness_Flaky(t *testing.T) {
	// Alternating pass/fail with a recurring error is the flaky signature.
	history := historyOf(
		schema.StatusFailed, schema.StatusPassed, schema.StatusFailed,
		schema.StatusPassed, schema.StatusPassed, schema.StatusFailed,
		schema.StatusPassed, schema.StatusPassed,
	)
	current := NormalizeError("java.lang.AssertionError: intermittent widget timeout")

	assert.True(t, DetectFlakiness(history, current))
}

func TestDetectFlakiness_InsufficientHistory(t *testing.T) {
	history := historyOf(schema.StatusFailed, schema.StatusPassed, schema.StatusFailed)
	current := NormalizeError("java.lang.AssertionError: intermittent widget timeout")

	assert.False(t, DetectFlakiness(history, current))
	assert.False(t, DetectFlakiness(nil, current))
}

func TestDetectFlakiness_ConsistentFailure(t *testing.T) {
	// Always failing is a regression, not flakiness.
	history := historyOf(
		schema.StatusFailed, schema.StatusFailed, schema.StatusFailed,
		schema.StatusFailed, schema.StatusFailed, schema.StatusFailed,
	)
	current := NormalizeError("java.lang.AssertionError: intermittent widget timeout")

	assert.False(t, DetectFlakiness(history, current))
}

func TestDetectFlakiness_DifferentErrors(t *testing.T) {
	// Switching statuses but unrelated errors must not count as flaky.
	history := historyOf(
		schema.StatusFailed, schema.StatusPassed, schema.StatusFailed,
		schema.StatusPassed, schema.StatusPassed, schema.StatusFailed,
		schema.StatusPassed, schema.StatusPassed,
	)
	current := NormalizeError("connection refused: database unavailable during setup phase")

	assert.False(t, DetectFlakiness(history, current))
}

func TestDetectFlakiness_CountsBlockedAndTestfixAsFailures(t *testing.T) {
	history := historyOf(
		schema.StatusBlocked, schema.StatusPassed, schema.StatusTestFix,
		schema.StatusPassed, schema.StatusPassed, schema.StatusFailed,
		schema.StatusPassed, schema.StatusPassed,
	)
	current := NormalizeError("java.lang.AssertionError: intermittent widget timeout")

	assert.True(t, DetectFlakiness(history, current))
}
