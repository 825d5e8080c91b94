package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qabridge/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRun(t *testing.T, s *LibSQLStore, routineID int64) *TriageRun {
	t.Helper()
	run := &TriageRun{
		ID:        uuid.New().String(),
		RoutineID: routineID,
	}
	require.NoError(t, s.CreateTriageRun(context.Background(), run))
	return run
}

// --- Migration tests ---

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A second pass must apply nothing.
	require.NoError(t, s.Migrate(ctx))

	var applied int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_version`).Scan(&applied))
	assert.Equal(t, 1, applied)
}

func TestParseMigrationPath(t *testing.T) {
	version, name, err := parseMigrationPath("migrations/001_initial_schema.sql")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.Equal(t, "initial_schema", name)

	_, _, err = parseMigrationPath("migrations/noversion.sql")
	require.Error(t, err)

	_, _, err = parseMigrationPath("migrations/abc_schema.sql")
	require.Error(t, err)
}

func TestSQLStatements(t *testing.T) {
	stmts := sqlStatements("-- leading comment\nCREATE TABLE a (id INTEGER);\n\n-- another\nCREATE TABLE b (id INTEGER);\n")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id INTEGER)", stmts[0])
	assert.Equal(t, "CREATE TABLE b (id INTEGER)", stmts[1])
}

// --- Triage run tests ---

func TestCreateAndGetTriageRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s, 42)

	got, err := s.GetTriageRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, int64(42), got.RoutineID)
	assert.Equal(t, RunStatusRunning, got.Status)
	assert.Nil(t, got.FinishedAt)
	assert.False(t, got.StartedAt.IsZero())
}

func TestGetTriageRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTriageRun(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestFinishTriageRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, 42)

	outcome := json.RawMessage(`{"buildId":100,"taskId":501,"updatesApplied":3}`)
	require.NoError(t, s.FinishTriageRun(ctx, run.ID, RunStatusCompleted, outcome, ""))

	got, err := s.GetTriageRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, got.Status)
	assert.Equal(t, int64(100), got.BuildID)
	assert.Equal(t, int64(501), got.TaskID)
	assert.JSONEq(t, string(outcome), string(got.Outcome))
	require.NotNil(t, got.FinishedAt)
}

func TestFinishTriageRun_Failed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, 42)

	require.NoError(t, s.FinishTriageRun(ctx, run.ID, RunStatusFailed, nil, "build not imported"))

	got, err := s.GetTriageRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, got.Status)
	assert.Equal(t, "build not imported", got.Error)
	assert.Empty(t, got.Outcome)
}

func TestFinishTriageRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.FinishTriageRun(context.Background(), "nonexistent", RunStatusCompleted, nil, "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestListTriageRuns_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedRun(t, s, 1)
	b := seedRun(t, s, 1)
	seedRun(t, s, 2)
	require.NoError(t, s.FinishTriageRun(ctx, b.ID, RunStatusCompleted, nil, ""))

	all, err := s.ListTriageRuns(ctx, TriageRunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byRoutine, err := s.ListTriageRuns(ctx, TriageRunFilter{RoutineID: 1})
	require.NoError(t, err)
	assert.Len(t, byRoutine, 2)

	running, err := s.ListTriageRuns(ctx, TriageRunFilter{RoutineID: 1, Status: RunStatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)

	limited, err := s.ListTriageRuns(ctx, TriageRunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- Case history cache tests ---

func TestCaseHistoryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	items := []schema.HistoryItem{
		{Status: "FAILED", Error: "timeout", ExecutionDate: "2026-08-20 10:00:00", BuildID: 100},
		{Status: "PASSED", ExecutionDate: "2026-08-19 10:00:00", BuildID: 99},
	}
	require.NoError(t, s.PutCaseHistory(ctx, 7, "all", items))

	got, ok, err := s.GetCaseHistory(ctx, 7, "all")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "FAILED", got[0].Status)
	assert.Equal(t, int64(100), got[0].BuildID)
}

func TestCaseHistory_Miss(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.GetCaseHistory(context.Background(), 999, "all")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCaseHistory_ScopesIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutCaseHistory(ctx, 7, "all", []schema.HistoryItem{{Status: "PASSED"}}))
	require.NoError(t, s.PutCaseHistory(ctx, 7, "not-passed", []schema.HistoryItem{{Status: "FAILED"}}))

	all, ok, err := s.GetCaseHistory(ctx, 7, "all")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "PASSED", all[0].Status)

	notPassed, ok, err := s.GetCaseHistory(ctx, 7, "not-passed")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "FAILED", notPassed[0].Status)
}

func TestCaseHistory_Overwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutCaseHistory(ctx, 7, "all", []schema.HistoryItem{{Status: "FAILED"}}))
	require.NoError(t, s.PutCaseHistory(ctx, 7, "all", []schema.HistoryItem{{Status: "PASSED"}, {Status: "FAILED"}}))

	got, ok, err := s.GetCaseHistory(ctx, 7, "all")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "PASSED", got[0].Status)
}

func TestPruneCaseHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutCaseHistory(ctx, 1, "all", []schema.HistoryItem{{Status: "PASSED"}}))
	require.NoError(t, s.PutCaseHistory(ctx, 2, "all", []schema.HistoryItem{{Status: "FAILED"}}))

	// Nothing is older than an hour yet.
	pruned, err := s.PruneCaseHistory(ctx, 3600)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pruned)

	// Backdate the rows past the TTL.
	_, err = s.DB().ExecContext(ctx,
		`UPDATE case_history_cache SET fetched_at = datetime('now', '-2 hours')`)
	require.NoError(t, err)

	pruned, err = s.PruneCaseHistory(ctx, 3600)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	_, ok, err := s.GetCaseHistory(ctx, 1, "all")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHistoryCacheAdapter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cache := NewHistoryCache(s)

	require.NoError(t, cache.Put(ctx, 5, "all", []schema.HistoryItem{{Status: "BLOCKED"}}))
	got, ok, err := cache.Get(ctx, 5, "all")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BLOCKED", got[0].Status)
}

// --- Scheduled job tests ---

func seedJob(t *testing.T, s *LibSQLStore, name string, enabled bool) *ScheduledJob {
	t.Helper()
	job := &ScheduledJob{
		ID:       uuid.New().String(),
		Name:     name,
		CronExpr: "0 6 * * *",
		Command:  "triage",
		Params:   json.RawMessage(`{"routineId":42}`),
		Enabled:  enabled,
	}
	require.NoError(t, s.CreateScheduledJob(context.Background(), job))
	return job
}

func TestCreateAndGetScheduledJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, "nightly-triage", true)

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly-triage", got.Name)
	assert.Equal(t, "0 6 * * *", got.CronExpr)
	assert.Equal(t, "triage", got.Command)
	assert.JSONEq(t, `{"routineId":42}`, string(got.Params))
	assert.True(t, got.Enabled)
	assert.Nil(t, got.LastRunAt)
}

func TestGetScheduledJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetScheduledJob(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestUpdateScheduledJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, "nightly-triage", true)

	cron := "30 7 * * 1-5"
	enabled := false
	lastRun := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{
		CronExpr:  &cron,
		Enabled:   &enabled,
		LastRunAt: &lastRun,
	}))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, cron, got.CronExpr)
	assert.False(t, got.Enabled)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, got.LastRunAt.Equal(lastRun))
}

func TestUpdateScheduledJob_Empty(t *testing.T) {
	s := newTestStore(t)
	job := seedJob(t, s, "nightly-triage", true)
	// No fields set is a no-op, not an error.
	require.NoError(t, s.UpdateScheduledJob(context.Background(), job.ID, ScheduledJobUpdate{}))
}

func TestListScheduledJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedJob(t, s, "b-disabled", false)
	seedJob(t, s, "a-enabled", true)

	all, err := s.ListScheduledJobs(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a-enabled", all[0].Name)

	enabled, err := s.ListScheduledJobs(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "a-enabled", enabled[0].Name)
}

func TestDeleteScheduledJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, "nightly-triage", true)

	require.NoError(t, s.DeleteScheduledJob(ctx, job.ID))
	_, err := s.GetScheduledJob(ctx, job.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	err = s.DeleteScheduledJob(ctx, job.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}
