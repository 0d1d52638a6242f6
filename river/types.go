package river

import (
	"encoding/json"
	"time"

	"github.com/aksrustagi/talos-sub002/event"
	"github.com/aksrustagi/talos-sub002/workflow"
)

// RunStatus is the lifecycle state of a workflow run as seen through the
// runner API.
type RunStatus string

const (
	// RunStatusPending means the run exists but has not recorded a
	// workflow.started event yet.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning means the run is executing or queued to execute.
	RunStatusRunning RunStatus = "running"

	// RunStatusWaiting means the run is parked on a signal.
	RunStatusWaiting RunStatus = "waiting"

	// RunStatusCompleted means every step finished and the final output
	// is recorded.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed means a step exhausted its retries or failed with a
	// non-retryable error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled means cancellation took effect before the run
	// finished. Completed steps keep their results.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further events will be appended.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

func (s RunStatus) String() string { return string(s) }

// statusFromStore maps a store-level status onto the runner vocabulary.
func statusFromStore(s event.RunStatus) RunStatus {
	switch s {
	case event.RunRunning:
		return RunStatusRunning
	case event.RunWaiting:
		return RunStatusWaiting
	case event.RunCompleted:
		return RunStatusCompleted
	case event.RunFailed:
		return RunStatusFailed
	case event.RunCancelled:
		return RunStatusCancelled
	default:
		return RunStatusPending
	}
}

// Run is the full view of a single workflow run, rebuilt from its event
// history.
type Run struct {
	// ID is the run identifier.
	ID string

	// WorkflowName names the definition that produced the run.
	WorkflowName string

	// Version is the definition version recorded at start.
	Version string

	// OrgID is the owning organization, from event metadata.
	OrgID string

	// Status is the current lifecycle state.
	Status RunStatus

	// Input is the workflow input recorded on workflow.started.
	Input json.RawMessage

	// Output is the final output. Nil unless completed.
	Output json.RawMessage

	// Error describes the failure or cancellation reason.
	Error string

	// ErrorKind is the classified kind of the failing error
	// (validation, authentication, transient, exhausted).
	ErrorKind string

	// LastStep is the last step that completed before a failure.
	LastStep string

	// StartedAt is the workflow.started timestamp.
	StartedAt time.Time

	// CompletedAt is set once the run reaches a terminal status.
	CompletedAt *time.Time
}

// RunSummary is the list-view row for a run, taken from the store's
// summary index rather than a history replay.
type RunSummary struct {
	ID           string
	WorkflowName string
	OrgID        string
	Status       RunStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// summaryFromInfo converts a store summary row.
func summaryFromInfo(ri event.RunInfo) RunSummary {
	return RunSummary{
		ID:           ri.RunID,
		WorkflowName: ri.WorkflowName,
		OrgID:        ri.OrgID,
		Status:       statusFromStore(ri.Status),
		CreatedAt:    ri.CreatedAt,
		UpdatedAt:    ri.UpdatedAt,
	}
}

// StartOptions refine StartWorkflow. The zero value starts immediately
// with a generated run ID and no metadata.
type StartOptions struct {
	// RunID fixes the run identifier. Empty generates a UUID.
	RunID string

	// OrgID is stamped into every event's metadata for the run, keyed
	// under event.MetaOrgID.
	OrgID string

	// EntityType and EntityID correlate the run with the domain entity it
	// operates on (requisition, invoice, contract, vendor, anomaly).
	EntityType string
	EntityID   string

	// Priority orders the run's jobs within the queue; lower runs first.
	Priority int

	// Metadata adds extra correlation keys to every event of the run.
	Metadata map[string]string

	// ScheduledAt defers the start: instead of recording workflow.started
	// now, a scheduled-start job fires at the given time. Zero starts
	// immediately.
	ScheduledAt time.Time
}

// metadata folds the option fields into one event metadata map.
func (o StartOptions) metadata() map[string]string {
	md := make(map[string]string, len(o.Metadata)+3)
	for k, v := range o.Metadata {
		md[k] = v
	}
	if o.OrgID != "" {
		md[event.MetaOrgID] = o.OrgID
	}
	if o.EntityType != "" {
		md[event.MetaEntityType] = o.EntityType
	}
	if o.EntityID != "" {
		md[event.MetaEntityID] = o.EntityID
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	// OrgID restricts to one organization.
	OrgID string

	// WorkflowName restricts to one workflow type.
	WorkflowName string

	// Status restricts to one lifecycle state.
	Status RunStatus

	// Limit caps the page size. Zero uses the store default.
	Limit int

	// Offset skips rows for pagination.
	Offset int
}

// WorkflowProgress is the atomic progress view of a run: CurrentStep
// never advances without CompletedSteps reflecting it, because both are
// projected from the same event snapshot.
type WorkflowProgress struct {
	RunID          string                     `json:"runId"`
	WorkflowName   string                     `json:"workflowType"`
	Status         RunStatus                  `json:"status"`
	CurrentStep    string                     `json:"currentStep,omitempty"`
	CompletedSteps int                        `json:"completedSteps"`
	TotalSteps     int                        `json:"totalSteps"`
	Results        map[string]json.RawMessage `json:"results,omitempty"`
	Error          string                     `json:"error,omitempty"`
}

// RunResult is what AwaitResult resolves to once a run reaches a
// terminal status. On failure or cancellation Results still carries the
// outputs of the steps that did complete, and Actions any compensation
// hints those steps registered.
type RunResult struct {
	RunID     string                     `json:"runId"`
	Status    RunStatus                  `json:"status"`
	Output    json.RawMessage            `json:"output,omitempty"`
	Results   map[string]json.RawMessage `json:"results,omitempty"`
	Actions   []workflow.ActionHint      `json:"actions,omitempty"`
	Error     string                     `json:"error,omitempty"`
	ErrorKind string                     `json:"errorKind,omitempty"`
	LastStep  string                     `json:"lastStep,omitempty"`
}
