package triage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"qabridge/internal/jira"
	"qabridge/internal/logging"
	"qabridge/internal/rules"
	"qabridge/pkg/schema"
)

// TestrayService is the slice of the Testray API the triage flow uses.
type TestrayService interface {
	RoutineBuilds(ctx context.Context, routineID int64) ([]schema.Build, error)
	BuildInfo(ctx context.Context, buildID int64) (*schema.Build, error)
	BuildTasks(ctx context.Context, buildID int64) ([]schema.Task, error)
	CreateTask(ctx context.Context, build *schema.Build) (*schema.Task, error)
	CreateTestflow(ctx context.Context, taskID int64) error
	TaskStatus(ctx context.Context, taskID int64) (schema.KeyedStatus, error)
	CompleteTask(ctx context.Context, taskID int64) error
	TaskSubtasks(ctx context.Context, taskID int64) ([]schema.Subtask, error)
	SubtaskCaseResults(ctx context.Context, subtaskID int64) ([]schema.CaseResult, error)
	CompleteSubtask(ctx context.Context, subtaskID int64, issues string) error
	UpdateCaseResults(ctx context.Context, updates []schema.CaseResultUpdate) error
	BuildCaseResults(ctx context.Context, buildID int64) ([]schema.CaseResult, error)
	CaseResult(ctx context.Context, caseResultID int64) (*schema.CaseResult, error)
	CaseInfo(ctx context.Context, caseID int64) (*schema.Case, error)
	CaseTypeName(ctx context.Context, caseTypeID int64) (string, error)
	ComponentName(ctx context.Context, componentID int64) (string, error)
	CaseResultHistory(ctx context.Context, caseID, routineID int64, status string) ([]schema.HistoryItem, error)
	Autofill(ctx context.Context, fromBuildID, toBuildID int64) error
}

// JiraService is the slice of the Jira API the triage flow uses.
type JiraService interface {
	SearchIssues(ctx context.Context, jql string, fields []string) ([]schema.Issue, error)
	CreateIssue(ctx context.Context, in jira.CreateIssueInput) (*schema.Issue, error)
	IssueStatus(ctx context.Context, key string) (string, error)
	CloseIssue(ctx context.Context, key, comment string) error
}

// HistoryCache stores case result histories between and within runs so
// repeated lookups do not hammer the history endpoint.
type HistoryCache interface {
	Get(ctx context.Context, caseID int64, scope string) ([]schema.HistoryItem, bool, error)
	Put(ctx context.Context, caseID int64, scope string, items []schema.HistoryItem) error
}

// History cache scopes.
const (
	historyScopeAll       = "all"
	historyScopeNotPassed = "not-passed"
)

// Config drives a triage run for one routine.
type Config struct {
	RoutineID        int64
	TestrayProjectID int64

	// RunID pins the run identifier so callers can record the run
	// before starting it. Empty generates one.
	RunID string

	// Jira settings.
	ProjectKey   string // issue project, e.g. "LPD"
	ProjectName  string // full project name used in the epic JQL
	TeamName     string // team tag in the epic summary, e.g. "Headless"
	RoutineLabel string // label on routine investigation issues
	TestFixLabel string // label on flaky test-fix issues

	// TestrayWebURL is the base of the browsable UI, for links in issue
	// descriptions.
	TestrayWebURL string

	// ComponentMap translates Testray component names to Jira ones.
	// Unmapped names pass through unchanged.
	ComponentMap map[string]string

	// Now allows tests to pin the clock.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ProjectKey == "" {
		c.ProjectKey = "LPD"
	}
	if c.ProjectName == "" {
		c.ProjectName = "PUBLIC - Liferay Product Delivery"
	}
	if c.TeamName == "" {
		c.TeamName = "Headless"
	}
	if c.RoutineLabel == "" {
		c.RoutineLabel = "hl_routine_tasks"
	}
	if c.TestFixLabel == "" {
		c.TestFixLabel = "test_fix"
	}
	if c.TestrayWebURL == "" {
		c.TestrayWebURL = "https://testray.liferay.com/web/testray"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Engine runs the routine triage workflow: find the latest imported
// build, ensure an analysis task exists, walk its subtasks, map failure
// groups to Jira issues, and complete whatever is fully handled.
type Engine struct {
	cfg    Config
	tr     TestrayService
	jr     JiraService
	cache  HistoryCache
	skip   *rules.Set
	logger *slog.Logger
}

// NewEngine creates a triage engine. cache may be nil for a run-local
// in-memory cache; skip may be nil for the built-in skip rules.
func NewEngine(cfg Config, tr TestrayService, jr JiraService, cache HistoryCache, skip *rules.Set, logger *slog.Logger) (*Engine, error) {
	if tr == nil || jr == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "triage engine requires Testray and Jira services")
	}
	if cfg.RoutineID == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "triage engine requires a routine ID")
	}
	if cache == nil {
		cache = newMemoryHistoryCache()
	}
	if skip == nil {
		var err error
		skip, err = rules.NewSet(rules.DefaultSkipRules())
		if err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg.withDefaults(),
		tr:     tr,
		jr:     jr,
		cache:  cache,
		skip:   skip,
		logger: logger,
	}, nil
}

// Outcome summarizes a triage run.
type Outcome struct {
	RunID             string   `json:"runId"`
	BuildID           int64    `json:"buildId,omitempty"`
	TaskID            int64    `json:"taskId,omitempty"`
	EpicKey           string   `json:"epicKey,omitempty"`
	UpdatesApplied    int      `json:"updatesApplied"`
	SubtasksCompleted int      `json:"subtasksCompleted"`
	IssuesCreated     []string `json:"issuesCreated,omitempty"`
	IssuesClosed      []string `json:"issuesClosed,omitempty"`
	TaskCompleted     bool     `json:"taskCompleted"`
	Skipped           string   `json:"skipped,omitempty"`
}

// Run executes the full triage workflow once.
func (e *Engine) Run(ctx context.Context) (*Outcome, error) {
	out := &Outcome{RunID: e.cfg.RunID}
	if out.RunID == "" {
		out.RunID = uuid.NewString()
	}
	ctx = logging.WithRunID(ctx, out.RunID)

	builds, err := e.tr.RoutineBuilds(ctx, e.cfg.RoutineID)
	if err != nil {
		return nil, err
	}

	latest := LatestDoneBuild(builds)
	if latest == nil {
		out.Skipped = "latest build not imported yet"
		e.logger.InfoContext(ctx, "no DONE build to triage", "routine_id", e.cfg.RoutineID)
		return out, nil
	}
	out.BuildID = latest.ID
	ctx = logging.WithBuildID(ctx, latest.ID)

	if err := e.maybeAutofill(ctx, builds, latest); err != nil {
		// Autofill is best-effort; a failure must not block triage.
		e.logger.WarnContext(ctx, "autofill failed", "error", err)
	}

	taskID, err := e.PrepareTask(ctx, latest)
	if err != nil {
		return nil, err
	}
	if taskID == 0 {
		out.Skipped = "no actionable task for latest build"
		return out, nil
	}
	out.TaskID = taskID
	ctx = logging.WithTaskID(ctx, taskID)

	epicKey, err := e.FindTestingEpic(ctx)
	if err != nil {
		return nil, err
	}
	out.EpicKey = epicKey

	plan, err := e.processSubtasks(ctx, taskID, latest.ID, epicKey)
	if err != nil {
		return nil, err
	}
	out.IssuesCreated = plan.issuesCreated

	if err := e.finalize(ctx, taskID, latest.ID, plan, out); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "triage run finished",
		"updates", out.UpdatesApplied,
		"subtasks_completed", out.SubtasksCompleted,
		"issues_created", len(out.IssuesCreated),
		"task_completed", out.TaskCompleted)
	return out, nil
}

// LatestDoneBuild returns the newest build only when its import has
// finished; a build mid-import must not be triaged.
func LatestDoneBuild(builds []schema.Build) *schema.Build {
	if len(builds) == 0 {
		return nil
	}
	latest := builds[0]
	if latest.ImportStatus.Key != schema.StatusDone {
		return nil
	}
	return &latest
}

// PrepareTask ensures the build has an actionable analysis task.
// Returns 0 when there is nothing to do: the task is abandoned or
// already complete.
func (e *Engine) PrepareTask(ctx context.Context, build *schema.Build) (int64, error) {
	tasks, err := e.tr.BuildTasks(ctx, build.ID)
	if err != nil {
		return 0, err
	}

	if len(tasks) == 0 {
		e.logger.InfoContext(ctx, "creating task and testflow", "build", build.Name)
		task, err := e.tr.CreateTask(ctx, build)
		if err != nil {
			return 0, err
		}
		if err := e.tr.CreateTestflow(ctx, task.ID); err != nil {
			return 0, err
		}
		return task.ID, nil
	}

	task := tasks[0]
	if task.DueStatus.Key == schema.StatusAbandoned {
		e.logger.InfoContext(ctx, "task abandoned, skipping", "task_id", task.ID)
		return 0, nil
	}

	status, err := e.tr.TaskStatus(ctx, task.ID)
	if err != nil {
		return 0, err
	}
	if status.Key == schema.StatusComplete {
		e.logger.InfoContext(ctx, "task already complete", "task_id", task.ID)
		return 0, nil
	}
	return task.ID, nil
}

// FindTestingEpic locates the quarter's testing-activities epic.
// Exactly one open epic must match; otherwise "" is returned and
// created issues go without an epic link.
func (e *Engine) FindTestingEpic(ctx context.Context) (string, error) {
	q := QuarterOf(e.cfg.Now())
	jql := fmt.Sprintf(
		`text ~ '%d Milestone %d \\| Testing activities \\[%s\\]' and type = Epic and project='%s' and status != Closed`,
		q.Year, q.Number, e.cfg.TeamName, e.cfg.ProjectName)

	epics, err := e.jr.SearchIssues(ctx, jql, []string{"summary", "key"})
	if err != nil {
		return "", err
	}
	if len(epics) != 1 {
		e.logger.WarnContext(ctx, "expected exactly one testing epic", "found", len(epics))
		return "", nil
	}
	return epics[0].Key, nil
}

// maybeAutofill copies triage data from the most recent build with a
// completed task into the latest build.
func (e *Engine) maybeAutofill(ctx context.Context, builds []schema.Build, latest *schema.Build) error {
	for _, b := range builds {
		if b.ID == latest.ID {
			continue
		}
		tasks, err := e.tr.BuildTasks(ctx, b.ID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.DueStatus.Key == schema.StatusComplete {
				e.logger.InfoContext(ctx, "autofilling from last analysed build", "from_build", b.ID)
				return e.tr.Autofill(ctx, b.ID, latest.ID)
			}
		}
	}
	return nil
}

// subtaskPlan accumulates the actions decided while scanning subtasks.
type subtaskPlan struct {
	batchUpdates       []schema.CaseResultUpdate
	subtasksToComplete []int64
	subtaskIssues      map[int64][]string
	issuesCreated      []string
}

// failure is one unhandled failing case result within a subtask.
type failure struct {
	Error       string
	SubtaskID   int64
	CaseID      int64
	ComponentID int64
	ResultID    int64
}

// processSubtasks walks every subtask of the task, groups unhandled
// failures by normalized error, and maps each group to an existing or
// new Jira issue.
func (e *Engine) processSubtasks(ctx context.Context, taskID, buildID int64, epicKey string) (*subtaskPlan, error) {
	subtasks, err := e.tr.TaskSubtasks(ctx, taskID)
	if err != nil {
		return nil, err
	}

	plan := &subtaskPlan{subtaskIssues: make(map[int64][]string)}

	for _, subtask := range subtasks {
		results, err := e.tr.SubtaskCaseResults(ctx, subtask.ID)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			continue
		}

		// Result-level issues always bubble up to the subtask.
		for _, r := range results {
			if r.Issues != "" {
				plan.subtaskIssues[subtask.ID] = append(plan.subtaskIssues[subtask.ID], r.Issues)
			}
		}

		if subtask.DueStatus.Key == schema.StatusComplete {
			if err := e.backfillSubtaskIssues(ctx, subtask, results); err != nil {
				return nil, err
			}
			continue
		}

		failures, firstSkipped, err := e.scanUniqueFailures(ctx, subtask.ID, results)
		if err != nil {
			return nil, err
		}

		// Flaky failures go to the test-fix path before anything reaches
		// the investigation branch.
		failures, err = e.resolveFlakyFailures(ctx, subtask.ID, failures, buildID, epicKey, plan)
		if err != nil {
			return nil, err
		}

		resolvedAll := true
		for _, group := range groupFailuresByError(failures) {
			updates, issues, created, resolved, err := e.resolveFailureGroup(ctx, group, taskID, buildID, epicKey)
			if err != nil {
				return nil, err
			}
			plan.batchUpdates = append(plan.batchUpdates, updates...)
			if issues != "" {
				plan.subtaskIssues[subtask.ID] = append(plan.subtaskIssues[subtask.ID], issues)
			}
			if created != "" {
				plan.issuesCreated = append(plan.issuesCreated, created)
			}
			resolvedAll = resolvedAll && resolved
		}

		if firstSkipped || len(failures) == 0 || resolvedAll {
			plan.subtasksToComplete = append(plan.subtasksToComplete, subtask.ID)
		}
	}

	return plan, nil
}

// backfillSubtaskIssues writes aggregated result-level issues onto a
// completed subtask whose own issues field is still empty.
func (e *Engine) backfillSubtaskIssues(ctx context.Context, subtask schema.Subtask, results []schema.CaseResult) error {
	if subtask.Issues != "" {
		return nil
	}
	var chunks []string
	for _, r := range results {
		if r.Issues != "" {
			chunks = append(chunks, r.Issues)
		}
	}
	joined := JoinIssueKeys(chunks)
	if joined == "" {
		return nil
	}
	e.logger.InfoContext(ctx, "backfilling subtask issues", "subtask_id", subtask.ID, "issues", joined)
	return e.tr.CompleteSubtask(ctx, subtask.ID, joined)
}

// scanUniqueFailures collects the unhandled failures of a subtask.
// A skip-rule hit on the first result short-circuits the whole subtask.
func (e *Engine) scanUniqueFailures(ctx context.Context, subtaskID int64, results []schema.CaseResult) ([]failure, bool, error) {
	var failures []failure
	firstSkipped := false

	for i, r := range results {
		skip, ruleName, err := e.skip.ShouldSkip(ctx, r.Errors)
		if err != nil {
			return nil, false, err
		}

		if i == 0 && skip {
			e.logger.InfoContext(ctx, "subtask short-circuited by skip rule",
				"subtask_id", subtaskID, "rule", ruleName)
			if err := e.tr.CompleteSubtask(ctx, subtaskID, ""); err != nil {
				return nil, false, err
			}
			firstSkipped = true
			continue
		}

		if r.Issues != "" || skip {
			continue
		}

		failures = append(failures, failure{
			Error:       r.Errors,
			SubtaskID:   subtaskID,
			CaseID:      r.CaseID,
			ComponentID: r.ComponentID,
			ResultID:    r.ID,
		})
	}
	return failures, firstSkipped, nil
}

// resolveFlakyFailures pulls flaky failures out of the scan and resolves
// each one as a test fix, returning the remaining failures for the
// ordinary investigation path.
func (e *Engine) resolveFlakyFailures(ctx context.Context, subtaskID int64, failures []failure, buildID int64, epicKey string, plan *subtaskPlan) ([]failure, error) {
	var remaining []failure
	for _, f := range failures {
		result := &schema.CaseResult{
			ID:          f.ResultID,
			Errors:      f.Error,
			CaseID:      f.CaseID,
			ComponentID: f.ComponentID,
		}
		flaky, err := e.IsFlaky(ctx, result)
		if err != nil {
			return nil, err
		}
		if !flaky {
			remaining = append(remaining, f)
			continue
		}

		e.logger.InfoContext(ctx, "flaky result, routing to test fix",
			"subtask_id", subtaskID, "case_id", f.CaseID)
		update, issue, err := e.HandleFlakyResult(ctx, buildID, result, epicKey)
		if err != nil {
			return nil, err
		}
		plan.batchUpdates = append(plan.batchUpdates, *update)
		plan.subtaskIssues[subtaskID] = append(plan.subtaskIssues[subtaskID], update.Issues)
		if issue != nil {
			plan.issuesCreated = append(plan.issuesCreated, issue.Key)
		}
	}
	return remaining, nil
}

// groupFailuresByError buckets failures by their normalized error so
// each distinct failure mode maps to its own issue. Order follows first
// appearance.
func groupFailuresByError(failures []failure) [][]failure {
	index := make(map[string]int)
	var groups [][]failure
	for _, f := range failures {
		key := NormalizeError(f.Error)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], f)
	}
	return groups
}

// resolveFailureGroup reuses a similar open issue for the group, or
// creates a new investigation issue. Returns the case result updates,
// the issue keys bound to the group, the key of any issue created, and
// whether the group ended up handled.
func (e *Engine) resolveFailureGroup(ctx context.Context, group []failure, taskID, buildID int64, epicKey string) ([]schema.CaseResultUpdate, string, string, bool, error) {
	if len(group) == 0 {
		return nil, "", "", true, nil
	}

	first := group[0]
	reused, err := e.findSimilarOpenIssues(ctx, first.CaseID, first.Error)
	if err != nil {
		return nil, "", "", false, err
	}
	if reused != "" {
		updates := blockedUpdates(group, reused)
		return updates, reused, "", true, nil
	}

	e.logger.InfoContext(ctx, "no similar open issue, creating investigation",
		"subtask_id", first.SubtaskID)
	issue, err := e.createInvestigationIssue(ctx, group, taskID, buildID, epicKey)
	if err != nil {
		return nil, "", "", false, err
	}
	if issue == nil {
		return nil, "", "", false, nil
	}

	updates := blockedUpdates(group, issue.Key)
	return updates, issue.Key, issue.Key, true, nil
}

func blockedUpdates(group []failure, issues string) []schema.CaseResultUpdate {
	updates := make([]schema.CaseResultUpdate, 0, len(group))
	for _, f := range group {
		updates = append(updates, schema.CaseResultUpdate{
			ID:        f.ResultID,
			DueStatus: schema.DueStatusBlocked(),
			Issues:    issues,
		})
	}
	return updates
}

// finalize applies the staged updates, completes subtasks, and, when
// every subtask is done, closes stale routine issues and completes the
// task itself.
func (e *Engine) finalize(ctx context.Context, taskID, buildID int64, plan *subtaskPlan, out *Outcome) error {
	if len(plan.batchUpdates) > 0 {
		if err := e.tr.UpdateCaseResults(ctx, plan.batchUpdates); err != nil {
			return err
		}
		out.UpdatesApplied = len(plan.batchUpdates)
	}

	for _, subtaskID := range plan.subtasksToComplete {
		issues := JoinIssueKeys(plan.subtaskIssues[subtaskID])
		e.logger.InfoContext(ctx, "completing subtask", "subtask_id", subtaskID, "issues", issues)
		if err := e.tr.CompleteSubtask(ctx, subtaskID, issues); err != nil {
			return err
		}
		out.SubtasksCompleted++
	}

	subtasks, err := e.tr.TaskSubtasks(ctx, taskID)
	if err != nil {
		return err
	}
	for _, s := range subtasks {
		if s.DueStatus.Key != schema.StatusComplete {
			e.logger.InfoContext(ctx, "task not yet complete", "pending_subtask", s.ID)
			return nil
		}
	}

	seen := make(map[string]struct{})
	for _, s := range subtasks {
		for _, key := range SplitIssueKeys(s.Issues) {
			seen[key] = struct{}{}
		}
	}
	closed, err := e.closeStaleRoutineIssues(ctx, buildID, seen)
	if err != nil {
		return err
	}
	out.IssuesClosed = closed

	e.logger.InfoContext(ctx, "all subtasks complete, completing task")
	if err := e.tr.CompleteTask(ctx, taskID); err != nil {
		return err
	}
	out.TaskCompleted = true
	return nil
}
