package store

import (
	"context"
	"encoding/json"

	"qabridge/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Triage runs
	CreateTriageRun(ctx context.Context, run *TriageRun) error
	FinishTriageRun(ctx context.Context, id, status string, outcome json.RawMessage, errMsg string) error
	GetTriageRun(ctx context.Context, id string) (*TriageRun, error)
	ListTriageRuns(ctx context.Context, filter TriageRunFilter) ([]*TriageRun, error)

	// Case history cache
	GetCaseHistory(ctx context.Context, caseID int64, scope string) ([]schema.HistoryItem, bool, error)
	PutCaseHistory(ctx context.Context, caseID int64, scope string, items []schema.HistoryItem) error
	PruneCaseHistory(ctx context.Context, maxAgeSeconds int64) (int64, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
