package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"qabridge/pkg/schema"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies any embedded schema migrations newer than the
// recorded version. Migration files are named NNN_description.sql and
// each one runs inside its own transaction.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	paths, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(paths)

	for _, p := range paths {
		version, name, err := parseMigrationPath(p)
		if err != nil {
			return err
		}
		if version <= current {
			continue
		}
		script, err := migrationFS.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", p, err)
		}
		if err := s.applyMigration(ctx, version, name, string(script)); err != nil {
			return err
		}
	}
	return nil
}

// parseMigrationPath extracts the version and name from a file named
// migrations/NNN_description.sql.
func parseMigrationPath(p string) (int, string, error) {
	base := strings.TrimSuffix(strings.TrimPrefix(p, "migrations/"), ".sql")
	prefix, name, ok := strings.Cut(base, "_")
	if !ok {
		return 0, "", fmt.Errorf("malformed migration filename %q", p)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, "", fmt.Errorf("malformed migration version in %q: %w", p, err)
	}
	return version, name, nil
}

func (s *LibSQLStore) applyMigration(ctx context.Context, version int, name, script string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range sqlStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", version, name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name) VALUES (?, ?)`, version, name); err != nil {
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	return tx.Commit()
}

// sqlStatements strips comment lines and splits a script on semicolons.
func sqlStatements(script string) []string {
	var clean strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		clean.WriteString(line)
		clean.WriteByte('\n')
	}

	var stmts []string
	for _, chunk := range strings.Split(clean.String(), ";") {
		if stmt := strings.TrimSpace(chunk); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Triage runs ---

func (s *LibSQLStore) CreateTriageRun(ctx context.Context, run *TriageRun) error {
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO triage_runs (id, routine_id, build_id, task_id, status, outcome, error, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RoutineID, nullInt(run.BuildID), nullInt(run.TaskID),
		run.Status, nullRaw(run.Outcome), nullStr(run.Error), timeOrNow(run.StartedAt),
	)
	return err
}

func (s *LibSQLStore) FinishTriageRun(ctx context.Context, id, status string, outcome json.RawMessage, errMsg string) error {
	// Lift the build and task IDs out of the outcome so they are queryable.
	var ids struct {
		BuildID int64 `json:"buildId"`
		TaskID  int64 `json:"taskId"`
	}
	if len(outcome) > 0 {
		_ = json.Unmarshal(outcome, &ids)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE triage_runs
		 SET status = ?, outcome = ?, error = ?,
		     build_id = COALESCE(?, build_id),
		     task_id = COALESCE(?, task_id),
		     finished_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		status, nullRaw(outcome), nullStr(errMsg), nullInt(ids.BuildID), nullInt(ids.TaskID), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "triage run", id)
}

func (s *LibSQLStore) GetTriageRun(ctx context.Context, id string) (*TriageRun, error) {
	run := &TriageRun{}
	var buildID, taskID sql.NullInt64
	var outcome, errMsg sql.NullString
	var finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, routine_id, build_id, task_id, status, outcome, error, started_at, finished_at
		 FROM triage_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.RoutineID, &buildID, &taskID, &run.Status, &outcome, &errMsg, &run.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("triage run", id)
	}
	if err != nil {
		return nil, err
	}
	run.BuildID = buildID.Int64
	run.TaskID = taskID.Int64
	if outcome.Valid {
		run.Outcome = json.RawMessage(outcome.String)
	}
	run.Error = errMsg.String
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) ListTriageRuns(ctx context.Context, filter TriageRunFilter) ([]*TriageRun, error) {
	query := `SELECT id, routine_id, build_id, task_id, status, outcome, error, started_at, finished_at
	          FROM triage_runs`
	var conds []string
	var args []any
	if filter.RoutineID != 0 {
		conds = append(conds, "routine_id = ?")
		args = append(args, filter.RoutineID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*TriageRun
	for rows.Next() {
		run := &TriageRun{}
		var buildID, taskID sql.NullInt64
		var outcome, errMsg sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.RoutineID, &buildID, &taskID, &run.Status,
			&outcome, &errMsg, &run.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		run.BuildID = buildID.Int64
		run.TaskID = taskID.Int64
		if outcome.Valid {
			run.Outcome = json.RawMessage(outcome.String)
		}
		run.Error = errMsg.String
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Case history cache ---

func (s *LibSQLStore) GetCaseHistory(ctx context.Context, caseID int64, scope string) ([]schema.HistoryItem, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT items FROM case_history_cache WHERE case_id = ? AND scope = ?`,
		caseID, scope,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var items []schema.HistoryItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, false, fmt.Errorf("decode cached history for case %d: %w", caseID, err)
	}
	return items, true, nil
}

func (s *LibSQLStore) PutCaseHistory(ctx context.Context, caseID int64, scope string, items []schema.HistoryItem) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode history for case %d: %w", caseID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO case_history_cache (case_id, scope, items, fetched_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(case_id, scope) DO UPDATE SET items=excluded.items, fetched_at=CURRENT_TIMESTAMP`,
		caseID, scope, string(raw),
	)
	return err
}

func (s *LibSQLStore) PruneCaseHistory(ctx context.Context, maxAgeSeconds int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM case_history_cache
		 WHERE fetched_at < datetime('now', '-' || ? || ' seconds')`,
		maxAgeSeconds,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, name, cron_expr, command, params, enabled, last_run_at, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.CronExpr, job.Command, nullRaw(job.Params), boolInt(job.Enabled),
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), timeOrNow(job.CreatedAt), timeOrNow(job.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var params sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expr, command, params, enabled, last_run_at, next_run_at, created_at, updated_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.Name, &job.CronExpr, &job.Command, &params, &enabled,
		&lastRun, &nextRun, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled job", id)
	}
	if err != nil {
		return nil, err
	}
	if params.Valid {
		job.Params = json.RawMessage(params.String)
	}
	job.Enabled = enabled != 0
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	return job, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any
	if update.CronExpr != nil {
		sets = append(sets, "cron_expr = ?")
		args = append(args, *update.CronExpr)
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error) {
	query := `SELECT id, name, cron_expr, command, params, enabled, last_run_at, next_run_at, created_at, updated_at
	          FROM scheduled_jobs`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job := &ScheduledJob{}
		var params sql.NullString
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&job.ID, &job.Name, &job.CronExpr, &job.Command, &params, &enabled,
			&lastRun, &nextRun, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		if params.Valid {
			job.Params = json.RawMessage(params.String)
		}
		job.Enabled = enabled != 0
		if lastRun.Valid {
			job.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			job.NextRunAt = &nextRun.Time
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- helpers ---

func storeNotFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", kind, id)
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(kind, id)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
