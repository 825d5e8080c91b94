package schema

// Due-status and import-status keys used by the Testray objects API.
const (
	StatusComplete   = "COMPLETE"
	StatusInAnalysis = "INANALYSIS"
	StatusAbandoned  = "ABANDONED"
	StatusBlocked    = "BLOCKED"
	StatusTestFix    = "TESTFIX"
	StatusFailed     = "FAILED"
	StatusPassed     = "PASSED"
	StatusDone       = "DONE"
)

// KeyedStatus is the {key, name} pair Testray uses for due and import statuses.
type KeyedStatus struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// DueStatus constructors for the transitions the triage flow performs.
func DueStatusComplete() KeyedStatus   { return KeyedStatus{Key: StatusComplete, Name: "Complete"} }
func DueStatusInAnalysis() KeyedStatus { return KeyedStatus{Key: StatusInAnalysis, Name: "In Analysis"} }
func DueStatusBlocked() KeyedStatus    { return KeyedStatus{Key: StatusBlocked, Name: "Blocked"} }
func DueStatusTestFix() KeyedStatus    { return KeyedStatus{Key: StatusTestFix, Name: "Test Fix"} }

// Build is a Testray build under a routine.
type Build struct {
	ID           int64       `json:"id"`
	Name         string      `json:"name"`
	DueDate      string      `json:"dueDate,omitempty"`
	DateCreated  string      `json:"dateCreated,omitempty"`
	GitHash      string      `json:"gitHash,omitempty"`
	ImportStatus KeyedStatus `json:"importStatus,omitempty"`
	RoutineID    int64       `json:"r_routineToBuilds_c_routineId,omitempty"`
}

// Task is an analysis task attached to a build.
type Task struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name,omitempty"`
	DueStatus KeyedStatus `json:"dueStatus,omitempty"`
	BuildID   int64       `json:"r_buildToTasks_c_buildId,omitempty"`
}

// Subtask is a testflow subtask grouping case results.
type Subtask struct {
	ID        int64       `json:"id"`
	DueStatus KeyedStatus `json:"dueStatus,omitempty"`
	Issues    string      `json:"issues,omitempty"`
	Score     float64     `json:"score,omitempty"`
}

// CaseResult is a single test execution within a build.
type CaseResult struct {
	ID            int64       `json:"id"`
	DueStatus     KeyedStatus `json:"dueStatus,omitempty"`
	Errors        string      `json:"errors,omitempty"`
	Issues        string      `json:"issues,omitempty"`
	ExecutionDate string      `json:"executionDate,omitempty"`
	Duration      int64       `json:"duration,omitempty"`
	CaseID        int64       `json:"r_caseToCaseResult_c_caseId,omitempty"`
	ComponentID   int64       `json:"r_componentToCaseResult_c_componentId,omitempty"`
	Case          *Case       `json:"r_caseToCaseResult_c_case,omitempty"`
	// Attachments is a JSON-encoded array the service stores as a string.
	Attachments string `json:"attachments,omitempty"`
}

// Case is test case metadata.
type Case struct {
	ID          int64  `json:"id"`
	Name        string `json:"name,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	Flaky       bool   `json:"flaky,omitempty"`
	CaseTypeID  int64  `json:"r_caseTypeToCases_c_caseTypeId,omitempty"`
	ComponentID int64  `json:"r_componentToCases_c_componentId,omitempty"`
}

// HistoryItem is one entry of a case's result history across builds.
type HistoryItem struct {
	Status        string `json:"status,omitempty"`
	Error         string `json:"error,omitempty"`
	ExecutionDate string `json:"executionDate,omitempty"`
	GitHash       string `json:"gitHash,omitempty"`
	Issues        string `json:"issues,omitempty"`
	BuildID       int64  `json:"testrayBuildId,omitempty"`
}

// Attachment is one entry of a case result's attachments array.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// CaseResultUpdate is a batched update assigning issues and a due status
// to a case result.
type CaseResultUpdate struct {
	ID        int64       `json:"id"`
	DueStatus KeyedStatus `json:"dueStatus"`
	Issues    string      `json:"issues"`
}
