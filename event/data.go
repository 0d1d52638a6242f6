package event

import (
	"encoding/json"
	"time"
)

// WorkflowStartedData is the payload for workflow.started events.
// StepNames carries the full ordered step list of the definition so progress
// (completedSteps / totalSteps) is projectable from history alone.
type WorkflowStartedData struct {
	WorkflowName string          `json:"workflow_name"`
	Version      string          `json:"version"`
	OrgID        string          `json:"org_id,omitempty"`
	StepNames    []string        `json:"step_names,omitempty"`
	Input        json.RawMessage `json:"input"`
}

// WorkflowCompletedData is the payload for workflow.completed events.
type WorkflowCompletedData struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// WorkflowFailedData is the payload for workflow.failed events.
// LastStep is the last step that completed before the failure; ErrorKind is
// the classified kind of the originating error (validation, authentication,
// transient, exhausted).
type WorkflowFailedData struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind,omitempty"`
	LastStep  string `json:"last_step,omitempty"`
}

// WorkflowCancelledData is the payload for workflow.cancelled events.
type WorkflowCancelledData struct {
	Reason string `json:"reason"`
}

// StepStartedData is the payload for step.started events.
type StepStartedData struct {
	Attempt    int    `json:"attempt,omitempty"`
	BranchName string `json:"branch_name,omitempty"` // Parent branch name (if executing a branch case)
	CaseValue  string `json:"case_value,omitempty"`  // Which case was chosen (if executing a branch case)
}

// StepCompletedData is the payload for step.completed events.
// StepIndex is the zero-based position of the step in the definition's
// ordered step list, the run's progress cursor.
type StepCompletedData struct {
	Duration   time.Duration `json:"duration_ns"`
	StepIndex  int           `json:"step_index"`
	BranchName string        `json:"branch_name,omitempty"`
	CaseValue  string        `json:"case_value,omitempty"`
}

// StepFailedData is the payload for step.failed events.
type StepFailedData struct {
	Error      string `json:"error"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Attempt    int    `json:"attempt"`
	WillRetry  bool   `json:"will_retry"`
	BranchName string `json:"branch_name,omitempty"`
	CaseValue  string `json:"case_value,omitempty"`
}

// BranchEvaluatedData is the payload for branch.evaluated events.
type BranchEvaluatedData struct {
	BranchName string `json:"branch_name"`
	Choice     string `json:"choice"`
}

// SignalWaitingData is the payload for signal.waiting events.
type SignalWaitingData struct {
	SignalName string    `json:"signal_name"`
	TimeoutAt  time.Time `json:"timeout_at,omitempty"`
}

// SignalReceivedData is the payload for signal.received events.
type SignalReceivedData struct {
	SignalName string          `json:"signal_name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// SignalTimeoutData is the payload for signal.timeout events.
type SignalTimeoutData struct {
	SignalName string `json:"signal_name"`
}

// ChildSpawnedData is the payload for child.spawned events.
type ChildSpawnedData struct {
	ChildRunID   string          `json:"child_run_id"`
	WorkflowName string          `json:"workflow_name"`
	Input        json.RawMessage `json:"input"`
}

// ChildCompletedData is the payload for child.completed events.
type ChildCompletedData struct {
	ChildRunID string          `json:"child_run_id"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// ChildFailedData is the payload for child.failed events.
type ChildFailedData struct {
	ChildRunID string `json:"child_run_id"`
	Error      string `json:"error"`
}

// MapStartedData is the payload for map.started events.
type MapStartedData struct {
	MapIndex  int64 `json:"map_index"`
	ItemCount int   `json:"item_count"`
}

// MapCompletedData is the payload for map.completed events.
type MapCompletedData struct {
	MapIndex int64           `json:"map_index"`
	Results  json.RawMessage `json:"results"`
}

// MapFailedData is the payload for map.failed events.
type MapFailedData struct {
	MapIndex    int64  `json:"map_index"`
	FailedIndex int    `json:"failed_index"`
	Error       string `json:"error"`
}

// ActionRegisteredData is the payload for action.registered events. The
// action name is a caller-defined compensation hint (e.g. "release_budget_hold");
// details carry whatever the compensating caller needs to act on it.
type ActionRegisteredData struct {
	StepName string          `json:"step_name"`
	Action   string          `json:"action"`
	Details  json.RawMessage `json:"details,omitempty"`
}
