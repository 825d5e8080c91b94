package schema

// Issue is a Jira issue as returned by the search and issue endpoints.
type Issue struct {
	ID     string      `json:"id"`
	Key    string      `json:"key"`
	Fields IssueFields `json:"fields"`
}

// IssueFields is the subset of Jira issue fields the toolkit reads.
type IssueFields struct {
	Summary     string       `json:"summary,omitempty"`
	Description string       `json:"description,omitempty"`
	Status      *IssueStatus `json:"status,omitempty"`
	Labels      []string     `json:"labels,omitempty"`
	Components  []NamedRef   `json:"components,omitempty"`
	Assignee    *UserRef     `json:"assignee,omitempty"`
}

// IssueStatus is the status field of a Jira issue.
type IssueStatus struct {
	Name string `json:"name"`
}

// NamedRef references a Jira entity by name (components, issue types).
type NamedRef struct {
	Name string `json:"name"`
}

// UserRef references a Jira user.
type UserRef struct {
	Name         string `json:"name,omitempty"`
	EmailAddress string `json:"emailAddress,omitempty"`
}

// Jira issue statuses the workflows branch on.
const (
	IssueStatusOpen   = "Open"
	IssueStatusClosed = "Closed"
)
