package store

import (
	"encoding/json"
	"time"
)

// Triage run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// TriageRun is one recorded execution of the triage workflow.
type TriageRun struct {
	ID         string          `json:"id"`
	RoutineID  int64           `json:"routineId"`
	BuildID    int64           `json:"buildId,omitempty"`
	TaskID     int64           `json:"taskId,omitempty"`
	Status     string          `json:"status"`
	Outcome    json.RawMessage `json:"outcome,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

// TriageRunFilter narrows ListTriageRuns.
type TriageRunFilter struct {
	RoutineID int64
	Status    string
	Limit     int
}

// ScheduledJob is a recurring command with a cron schedule.
type ScheduledJob struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CronExpr  string          `json:"cronExpr"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	Enabled   bool            `json:"enabled"`
	LastRunAt *time.Time      `json:"lastRunAt,omitempty"`
	NextRunAt *time.Time      `json:"nextRunAt,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ScheduledJobUpdate carries the mutable fields of a scheduled job.
// Nil pointers leave the column untouched.
type ScheduledJobUpdate struct {
	CronExpr  *string
	Enabled   *bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}
