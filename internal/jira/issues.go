package jira

import (
	"context"
	"fmt"
	"net/http"

	"qabridge/pkg/schema"
)

// Epic link custom field used by the hosted instance.
const epicLinkField = "customfield_10014"

// SearchIssues runs a JQL query and returns every matching issue,
// walking the paginated search endpoint. fields limits the issue fields
// returned; nil fetches the default set.
func (c *Client) SearchIssues(ctx context.Context, jql string, fields []string) ([]schema.Issue, error) {
	if jql == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty JQL query")
	}

	var all []schema.Issue
	for startAt := 0; ; {
		payload := map[string]any{
			"jql":        jql,
			"startAt":    startAt,
			"maxResults": c.cfg.PageSize,
		}
		if len(fields) > 0 {
			payload["fields"] = fields
		}

		var page struct {
			Issues []schema.Issue `json:"issues"`
			Total  int            `json:"total"`
		}
		if err := c.do(ctx, http.MethodPost, "/rest/api/2/search", payload, &page); err != nil {
			return nil, err
		}

		all = append(all, page.Issues...)
		startAt += len(page.Issues)
		if len(page.Issues) == 0 || startAt >= page.Total {
			return all, nil
		}
	}
}

// CreateIssueInput describes a new issue.
type CreateIssueInput struct {
	ProjectKey  string
	IssueType   string
	Summary     string
	Description string
	EpicKey     string
	Components  []string
	Labels      []string
}

// CreateIssue creates an issue and returns its key and ID.
func (c *Client) CreateIssue(ctx context.Context, in CreateIssueInput) (*schema.Issue, error) {
	if in.ProjectKey == "" || in.Summary == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "issue requires a project key and summary")
	}
	if in.IssueType == "" {
		in.IssueType = "Task"
	}

	fields := map[string]any{
		"project":     map[string]any{"key": in.ProjectKey},
		"issuetype":   map[string]any{"name": in.IssueType},
		"summary":     in.Summary,
		"description": in.Description,
	}
	if in.EpicKey != "" {
		fields[epicLinkField] = in.EpicKey
	}
	if len(in.Components) > 0 {
		comps := make([]map[string]any, 0, len(in.Components))
		for _, name := range in.Components {
			comps = append(comps, map[string]any{"name": name})
		}
		fields["components"] = comps
	}
	if len(in.Labels) > 0 {
		fields["labels"] = in.Labels
	}

	var issue schema.Issue
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/issue", map[string]any{"fields": fields}, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// IssueStatus fetches the status name of an issue.
func (c *Client) IssueStatus(ctx context.Context, key string) (string, error) {
	var issue schema.Issue
	path := fmt.Sprintf("/rest/api/2/issue/%s?fields=status", key)
	if err := c.do(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return "", err
	}
	if issue.Fields.Status == nil {
		return "", nil
	}
	return issue.Fields.Status.Name, nil
}

// UpdateDescription replaces the description of an issue.
func (c *Client) UpdateDescription(ctx context.Context, key, description string) error {
	path := fmt.Sprintf("/rest/api/2/issue/%s", key)
	payload := map[string]any{
		"fields": map[string]any{"description": description},
	}
	return c.do(ctx, http.MethodPut, path, payload, nil)
}

// AssignIssue sets the assignee of an issue by account ID. An empty
// accountID unassigns the issue.
func (c *Client) AssignIssue(ctx context.Context, key, accountID string) error {
	path := fmt.Sprintf("/rest/api/2/issue/%s/assignee", key)
	var payload map[string]any
	if accountID == "" {
		payload = map[string]any{"accountId": nil}
	} else {
		payload = map[string]any{"accountId": accountID}
	}
	return c.do(ctx, http.MethodPut, path, payload, nil)
}

// AddComment appends a comment to an issue.
func (c *Client) AddComment(ctx context.Context, key, body string) error {
	path := fmt.Sprintf("/rest/api/2/issue/%s/comment", key)
	return c.do(ctx, http.MethodPost, path, map[string]any{"body": body}, nil)
}

type transition struct {
	ID string `json:"id"`
	To struct {
		Name string `json:"name"`
	} `json:"to"`
}

// CloseIssue transitions an issue to Closed, optionally leaving a
// comment first. Issues with no Closed transition available report a
// CONFLICT error.
func (c *Client) CloseIssue(ctx context.Context, key, comment string) error {
	if comment != "" {
		if err := c.AddComment(ctx, key, comment); err != nil {
			return err
		}
	}

	var page struct {
		Transitions []transition `json:"transitions"`
	}
	path := fmt.Sprintf("/rest/api/2/issue/%s/transitions", key)
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return err
	}

	for _, tr := range page.Transitions {
		if tr.To.Name == schema.IssueStatusClosed {
			payload := map[string]any{"transition": map[string]any{"id": tr.ID}}
			return c.do(ctx, http.MethodPost, path, payload, nil)
		}
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"issue %s has no transition to %s", key, schema.IssueStatusClosed)
}
