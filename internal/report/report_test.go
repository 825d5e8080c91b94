package report

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qabridge/internal/rank"
	"qabridge/pkg/schema"
)

func sampleReport() *FailedTestsReport {
	cfg := rank.Config{RoutineID: 42, Year: 2026, Months: []time.Month{time.July, time.August}}
	return NewFailedTestsReport(cfg, 3, []rank.CaseStats{
		{CaseID: 40, Name: "TestWidget#View", Component: "Object", Runs: 3, Fails: 3, FailRatio: 1.0, Issues: "LPD-1"},
		{CaseID: 41, Name: "TestGadget#Edit", Component: "Headless", Runs: 3, Fails: 1, FailRatio: 1.0 / 3.0},
	})
}

// --- Filter tests ---

func TestFilterApply_SingleOutput(t *testing.T) {
	f := NewFilter()
	out, err := f.Apply(context.Background(), ".cases | length", sampleReport())
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestFilterApply_MultipleOutputs(t *testing.T) {
	f := NewFilter()
	out, err := f.Apply(context.Background(), ".cases[].name", sampleReport())
	require.NoError(t, err)
	assert.Equal(t, []any{"TestWidget#View", "TestGadget#Edit"}, out)
}

func TestFilterApply_EmptyExpressionReturnsDocument(t *testing.T) {
	f := NewFilter()
	out, err := f.Apply(context.Background(), "", sampleReport())
	require.NoError(t, err)
	doc, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), doc["routineId"])
}

func TestFilterApply_ParseError(t *testing.T) {
	f := NewFilter()
	_, err := f.Apply(context.Background(), ".cases[", sampleReport())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestFilterApply_RuntimeError(t *testing.T) {
	f := NewFilter()
	_, err := f.Apply(context.Background(), ".routineId | keys", sampleReport())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}

func TestFilterApply_ReusesCompiledCode(t *testing.T) {
	f := NewFilter()
	ctx := context.Background()

	_, err := f.Apply(ctx, ".routineId", sampleReport())
	require.NoError(t, err)
	_, err = f.Apply(ctx, ".routineId", sampleReport())
	require.NoError(t, err)

	f.mu.RLock()
	defer f.mu.RUnlock()
	assert.Len(t, f.cache, 1)
}

// --- Validator tests ---

func TestValidateFailedTests_Valid(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	data, err := json.Marshal(sampleReport())
	require.NoError(t, err)
	require.NoError(t, v.ValidateFailedTests(data))
}

func TestValidateFailedTests_MissingFields(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.ValidateFailedTests([]byte(`{"generatedAt":"2026-08-25T00:00:00Z"}`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidateFailedTests_BadCaseEntry(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.ValidateFailedTests([]byte(`{
		"generatedAt": "2026-08-25T00:00:00Z",
		"routineId": 42,
		"cases": [{"caseId": "not-a-number", "name": "", "runs": 3, "fails": 1}]
	}`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidateFailedTests_NotJSON(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.ValidateFailedTests([]byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidateRules_Valid(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	require.NoError(t, v.ValidateRules([]byte(`[
		{"name": "skip-timeouts", "language": "expr", "expression": "error contains \"timed out\""},
		{"name": "skip-setup", "expression": "error contains \"TEST_SETUP_ERROR\""}
	]`)))
}

func TestValidateRules_BadLanguage(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.ValidateRules([]byte(`[{"name": "bad", "language": "lua", "expression": "true"}]`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

// --- WriteJSON tests ---

func TestWriteJSON_NoFilter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(context.Background(), &buf, sampleReport(), "", nil))

	var decoded FailedTestsReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, int64(42), decoded.RoutineID)
	assert.Len(t, decoded.Cases, 2)
}

func TestWriteJSON_WithFilter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(context.Background(), &buf, sampleReport(),
		"[.cases[] | select(.failRatio == 1)] | map(.caseId)", NewFilter()))

	var ids []int64
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ids))
	assert.Equal(t, []int64{40}, ids)
}

func TestWriteJSON_FilterError(t *testing.T) {
	var buf bytes.Buffer
	err := WriteJSON(context.Background(), &buf, sampleReport(), ".cases[", NewFilter())
	require.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestNewFailedTestsReport_EmptyCases(t *testing.T) {
	cfg := rank.Config{RoutineID: 1, Year: 2026, Months: []time.Month{time.January}}
	r := NewFailedTestsReport(cfg, 0, nil)
	assert.NotNil(t, r.Cases)
	assert.Equal(t, []int{1}, r.Months)
	assert.NotEmpty(t, r.GeneratedAt)
}
