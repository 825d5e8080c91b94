package testray

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"qabridge/pkg/schema"
)

// Status filters accepted by the case-result history endpoint.
const (
	StatusFailedBlockedTestfix = "FAILED,TESTFIX,BLOCKED"
	StatusFailedPassed         = "FAILED,PASSED"
)

// RoutineBuilds lists every build of a routine, newest first.
func (c *Client) RoutineBuilds(ctx context.Context, routineID int64) ([]schema.Build, error) {
	u := fmt.Sprintf("%s/routines/%d/routineToBuilds?fields=dueDate,name,id,importStatus,r_routineToBuilds_c_routineId,dateCreated&pageSize=-1",
		c.cfg.BaseURL, routineID)

	var p page[schema.Build]
	if err := c.getJSON(ctx, u, &p); err != nil {
		return nil, err
	}

	builds := p.Items
	sort.SliceStable(builds, func(i, j int) bool {
		return builds[i].DateCreated > builds[j].DateCreated
	})
	return builds, nil
}

// BuildInfo fetches build metadata, including its routine, git hash and
// import status.
func (c *Client) BuildInfo(ctx context.Context, buildID int64) (*schema.Build, error) {
	u := fmt.Sprintf("%s/builds/%d?fields=dueDate,gitHash,name,id,importStatus,r_routineToBuilds_c_routineId&nestedFields=buildToTasks",
		c.cfg.BaseURL, buildID)

	var b schema.Build
	if err := c.getJSON(ctx, u, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// BuildTasks lists the analysis tasks attached to a build.
func (c *Client) BuildTasks(ctx context.Context, buildID int64) ([]schema.Task, error) {
	u := fmt.Sprintf("%s/builds/%d/buildToTasks?fields=id,dueStatus", c.cfg.BaseURL, buildID)

	var p page[schema.Task]
	if err := c.getJSON(ctx, u, &p); err != nil {
		return nil, err
	}
	return p.Items, nil
}

// CreateTask opens an analysis task for a build in IN ANALYSIS state.
func (c *Client) CreateTask(ctx context.Context, build *schema.Build) (*schema.Task, error) {
	payload := map[string]any{
		"name":                     build.Name,
		"r_buildToTasks_c_buildId": build.ID,
		"dueStatus":                schema.DueStatusInAnalysis(),
	}

	var t schema.Task
	if err := c.postJSON(ctx, c.cfg.BaseURL+"/tasks/", payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CompleteTask marks a task COMPLETE.
func (c *Client) CompleteTask(ctx context.Context, taskID int64) error {
	u := fmt.Sprintf("%s/tasks/%d", c.cfg.BaseURL, taskID)
	payload := map[string]any{"dueStatus": schema.DueStatusComplete()}
	return c.patchJSON(ctx, u, payload, nil)
}

// ReanalyzeTask moves an abandoned task back to IN ANALYSIS.
func (c *Client) ReanalyzeTask(ctx context.Context, taskID int64) error {
	u := fmt.Sprintf("%s/tasks/%d", c.cfg.BaseURL, taskID)
	payload := map[string]any{"dueStatus": schema.DueStatusInAnalysis()}
	return c.patchJSON(ctx, u, payload, nil)
}

// TaskStatus fetches a task's due status.
func (c *Client) TaskStatus(ctx context.Context, taskID int64) (schema.KeyedStatus, error) {
	u := fmt.Sprintf("%s/tasks/%d?fields=dueStatus", c.cfg.BaseURL, taskID)

	var t schema.Task
	if err := c.getJSON(ctx, u, &t); err != nil {
		return schema.KeyedStatus{}, err
	}
	return t.DueStatus, nil
}

// TaskBuildID resolves the build a task belongs to.
func (c *Client) TaskBuildID(ctx context.Context, taskID int64) (int64, error) {
	u := fmt.Sprintf("%s/tasks/%d?fields=r_buildToTasks_c_buildId", c.cfg.BaseURL, taskID)

	var t schema.Task
	if err := c.getJSON(ctx, u, &t); err != nil {
		return 0, err
	}
	return t.BuildID, nil
}

// CreateTestflow asks the testray-rest API to group a task's case
// results into subtasks.
func (c *Client) CreateTestflow(ctx context.Context, taskID int64) error {
	u := fmt.Sprintf("%s/testray-testflow/%d", c.cfg.RESTBaseURL, taskID)
	return c.postJSON(ctx, u, nil, nil)
}

// TaskSubtasks lists every subtask of a task.
func (c *Client) TaskSubtasks(ctx context.Context, taskID int64) ([]schema.Subtask, error) {
	u := fmt.Sprintf("%s/tasks/%d/taskToSubtasks?pageSize=-1", c.cfg.BaseURL, taskID)

	var p page[schema.Subtask]
	if err := c.getJSON(ctx, u, &p); err != nil {
		return nil, err
	}
	return p.Items, nil
}

// SubtaskCaseResults lists the case results grouped under a subtask.
func (c *Client) SubtaskCaseResults(ctx context.Context, subtaskID int64) ([]schema.CaseResult, error) {
	u := fmt.Sprintf("%s/subtasks/%d/subtaskToCaseResults?fields=id,executionDate,errors,issues,r_caseToCaseResult_c_caseId",
		c.cfg.BaseURL, subtaskID)

	var p page[schema.CaseResult]
	if err := c.getJSON(ctx, u, &p); err != nil {
		return nil, err
	}
	return p.Items, nil
}

// CompleteSubtask marks a subtask COMPLETE, optionally recording the
// aggregated issue keys on it.
func (c *Client) CompleteSubtask(ctx context.Context, subtaskID int64, issues string) error {
	u := fmt.Sprintf("%s/subtasks/%d", c.cfg.BaseURL, subtaskID)
	payload := map[string]any{"dueStatus": schema.DueStatusComplete()}
	if issues != "" {
		payload["issues"] = issues
	}
	return c.putJSON(ctx, u, payload, nil)
}

// CaseResult fetches a single case result.
func (c *Client) CaseResult(ctx context.Context, caseResultID int64) (*schema.CaseResult, error) {
	u := fmt.Sprintf("%s/caseresults/%d", c.cfg.BaseURL, caseResultID)

	var cr schema.CaseResult
	if err := c.getJSON(ctx, u, &cr); err != nil {
		return nil, err
	}
	return &cr, nil
}

// UpdateCaseResults applies a batch of issue and due-status updates.
// Updates are applied one by one; the first failure aborts the batch and
// reports how far it got.
func (c *Client) UpdateCaseResults(ctx context.Context, updates []schema.CaseResultUpdate) error {
	for i, upd := range updates {
		u := fmt.Sprintf("%s/caseresults/%d", c.cfg.BaseURL, upd.ID)
		payload := map[string]any{
			"dueStatus": upd.DueStatus,
			"issues":    upd.Issues,
		}
		if err := c.putJSON(ctx, u, payload, nil); err != nil {
			return schema.NewErrorf(schema.ErrCodeAPI,
				"case result batch update failed at %d of %d", i+1, len(updates)).
				WithCause(err).
				WithDetails(map[string]any{"case_result_id": upd.ID, "applied": i})
		}
	}
	return nil
}

// BuildCaseResults fetches every case result of a build.
func (c *Client) BuildCaseResults(ctx context.Context, buildID int64) ([]schema.CaseResult, error) {
	return collectPages[schema.CaseResult](ctx, c, c.cfg.PageSize, func(pageNum int) string {
		return fmt.Sprintf("%s/builds/%d/buildToCaseResult?pageSize=%d&page=%d",
			c.cfg.BaseURL, buildID, c.cfg.PageSize, pageNum)
	})
}

// BuildCasesInfo fetches every case result of a build with nested case
// metadata included.
func (c *Client) BuildCasesInfo(ctx context.Context, buildID int64) ([]schema.CaseResult, error) {
	return collectPages[schema.CaseResult](ctx, c, c.cfg.PageSize, func(pageNum int) string {
		return fmt.Sprintf("%s/builds/%d/buildToCaseResult?fields=r_caseToCaseResult_c_case&nestedFields=r_caseToCaseResult_c_case&pageSize=%d&page=%d",
			c.cfg.BaseURL, buildID, c.cfg.PageSize, pageNum)
	})
}

// CaseInfo fetches test case metadata.
func (c *Client) CaseInfo(ctx context.Context, caseID int64) (*schema.Case, error) {
	u := fmt.Sprintf("%s/cases/%d", c.cfg.BaseURL, caseID)

	var cs schema.Case
	if err := c.getJSON(ctx, u, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// CaseTypeName resolves a case type ID to its name.
func (c *Client) CaseTypeName(ctx context.Context, caseTypeID int64) (string, error) {
	u := fmt.Sprintf("%s/casetypes/%d?fields=name", c.cfg.BaseURL, caseTypeID)

	var out struct {
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, u, &out); err != nil {
		return "", err
	}
	if out.Name == "" {
		return "Unknown", nil
	}
	return out.Name, nil
}

// ComponentName resolves a component ID to its name.
func (c *Client) ComponentName(ctx context.Context, componentID int64) (string, error) {
	u := fmt.Sprintf("%s/components/%d?fields=name", c.cfg.BaseURL, componentID)

	var out struct {
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, u, &out); err != nil {
		return "", err
	}
	if out.Name == "" {
		return "Unknown", nil
	}
	return out.Name, nil
}

// CaseResultHistory walks the paginated history of a case within a
// routine. status is an optional comma-separated filter such as
// StatusFailedPassed; empty means all statuses.
func (c *Client) CaseResultHistory(ctx context.Context, caseID, routineID int64, status string) ([]schema.HistoryItem, error) {
	return collectPages[schema.HistoryItem](ctx, c, c.cfg.PageSize, func(pageNum int) string {
		q := url.Values{}
		q.Set("testrayRoutineIds", fmt.Sprintf("%d", routineID))
		if status != "" {
			q.Set("status", status)
		}
		q.Set("page", fmt.Sprintf("%d", pageNum))
		q.Set("pageSize", fmt.Sprintf("%d", c.cfg.PageSize))
		return fmt.Sprintf("%s/testray-case-result-history/%d?%s", c.cfg.RESTBaseURL, caseID, q.Encode())
	})
}

// Autofill copies triage data from one build to another.
func (c *Client) Autofill(ctx context.Context, fromBuildID, toBuildID int64) error {
	u := fmt.Sprintf("%s/testray-build-autofill/%d/%d", c.cfg.RESTBaseURL, fromBuildID, toBuildID)
	return c.postJSON(ctx, u, nil, nil)
}
