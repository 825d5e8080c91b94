package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qabridge/internal/store"
	"qabridge/internal/triage"
	"qabridge/pkg/schema"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	a, err := newApp(loadConfig())
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func TestTriageRequiresRoutine(t *testing.T) {
	a := newTestApp(t)
	_, err := a.Triage(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestTriageRecordsRunBeforeEngineStarts(t *testing.T) {
	a := newTestApp(t)

	var runID string
	a.runEngine = func(ctx context.Context, routineID int64, id string) (*triage.Outcome, error) {
		runID = id
		// The run row must already exist while the engine executes.
		got, err := a.st.GetTriageRun(ctx, id)
		require.NoError(t, err)
		require.Equal(t, store.RunStatusRunning, got.Status)
		require.Equal(t, int64(42), got.RoutineID)
		return &triage.Outcome{RunID: id, BuildID: 100, TaskID: 501, UpdatesApplied: 2}, nil
	}

	out, err := a.Triage(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, runID, out.RunID)

	got, err := a.st.GetTriageRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, got.Status)
	assert.Equal(t, int64(100), got.BuildID)
	assert.Equal(t, int64(501), got.TaskID)
	require.NotNil(t, got.FinishedAt)
	assert.False(t, got.FinishedAt.Before(got.StartedAt))
}

func TestTriageRecordsFailedRun(t *testing.T) {
	a := newTestApp(t)
	a.runEngine = func(context.Context, int64, string) (*triage.Outcome, error) {
		return nil, schema.NewError(schema.ErrCodeAPI, "routine builds unavailable")
	}

	_, err := a.Triage(context.Background(), 42)
	require.Error(t, err)

	runs, err := a.st.ListTriageRuns(context.Background(), store.TriageRunFilter{RoutineID: 42})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "routine builds unavailable")
}

func TestRunCommandUnknown(t *testing.T) {
	a := newTestApp(t)
	err := a.RunCommand(context.Background(), "reticulate", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestLoadSkipRules(t *testing.T) {
	a := newTestApp(t)

	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"name": "skip-timeouts", "expression": "error contains \"timed out\""}
	]`), 0o600))

	require.NoError(t, a.loadSkipRules(path))
	require.NotNil(t, a.skip)

	skip, name, err := a.skip.ShouldSkip(context.Background(), "build timed out after 90 minutes")
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Equal(t, "skip-timeouts", name)
}

func TestLoadSkipRulesInvalid(t *testing.T) {
	a := newTestApp(t)

	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"name": "", "expression": ""}]`), 0o600))

	err := a.loadSkipRules(path)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Nil(t, a.skip)
}
