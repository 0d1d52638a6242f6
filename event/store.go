package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Common errors returned by EventStore implementations.
var (
	// ErrSequenceConflict indicates the event sequence number doesn't match
	// the expected next sequence (lastSequence + 1).
	ErrSequenceConflict = errors.New("sequence conflict")

	// ErrDuplicateEvent indicates an event with the same ID already exists.
	ErrDuplicateEvent = errors.New("duplicate event ID")

	// ErrRunNotFound indicates the run has no recorded events.
	ErrRunNotFound = errors.New("run not found")
)

// SequenceConflictError provides details about a sequence conflict.
type SequenceConflictError struct {
	RunID    string
	Expected int64
	Actual   int64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("sequence conflict for run %s: expected %d, got %d", e.RunID, e.Expected, e.Actual)
}

func (e *SequenceConflictError) Unwrap() error {
	return ErrSequenceConflict
}

// EventStore is the persistence contract for run histories.
// Implementations must be safe for concurrent use.
type EventStore interface {
	// Append adds a single event to the store.
	// Returns ErrSequenceConflict if event.Sequence != lastSequence + 1.
	// Returns ErrDuplicateEvent if an event with the same ID already exists.
	Append(ctx context.Context, event Event) error

	// AppendBatch adds multiple events atomically.
	// All events must have consecutive sequence numbers starting from
	// lastSequence + 1. If any event fails validation, none are appended.
	AppendBatch(ctx context.Context, events []Event) error

	// Load retrieves all events for a run, ordered by sequence.
	// Returns an empty slice if the run doesn't exist or has no events.
	Load(ctx context.Context, runID string) ([]Event, error)

	// LoadSince retrieves events with sequence > afterSequence, ordered by
	// sequence. Returns an empty slice if no events match.
	LoadSince(ctx context.Context, runID string, afterSequence int64) ([]Event, error)

	// GetLastSequence returns the highest sequence number for a run.
	// Returns 0 if the run doesn't exist or has no events.
	GetLastSequence(ctx context.Context, runID string) (int64, error)
}

// RunStatus is the store-maintained lifecycle state of a run, derived
// from the lifecycle events appended so far.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// StatusAfter returns the run status implied by appending an event of
// type t to a run whose status was prev. Non-lifecycle events leave the
// status unchanged; terminal statuses are sticky.
func StatusAfter(prev RunStatus, t EventType) RunStatus {
	switch prev {
	case RunCompleted, RunFailed, RunCancelled:
		return prev
	}

	switch t {
	case EventWorkflowStarted:
		return RunRunning
	case EventSignalWaiting:
		return RunWaiting
	case EventSignalReceived, EventSignalTimeout:
		return RunRunning
	case EventWorkflowCompleted:
		return RunCompleted
	case EventWorkflowFailed:
		return RunFailed
	case EventWorkflowCancelled:
		return RunCancelled
	default:
		if prev == "" {
			return RunRunning
		}
		return prev
	}
}

// RunInfo is a store-maintained summary row for a run. Stores fold
// appended events into it so listings never replay histories.
type RunInfo struct {
	RunID        string    `json:"run_id"`
	WorkflowName string    `json:"workflow_name"`
	OrgID        string    `json:"org_id,omitempty"`
	ParentRunID  string    `json:"parent_run_id,omitempty"`
	Status       RunStatus `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastSequence int64     `json:"last_sequence"`
}

// Apply folds an appended event into the summary. The first event seeds
// identity fields from the event's metadata and workflow.started payload.
func (ri *RunInfo) Apply(e Event) {
	if ri.RunID == "" {
		ri.RunID = e.RunID
		ri.CreatedAt = e.Timestamp
	}
	if e.Type == EventWorkflowStarted {
		ri.WorkflowName = workflowNameFromStarted(e)
	}
	if ri.OrgID == "" {
		ri.OrgID = e.Metadata[MetaOrgID]
	}
	if ri.ParentRunID == "" {
		ri.ParentRunID = e.Metadata[MetaParentRunID]
	}
	ri.Status = StatusAfter(ri.Status, e.Type)
	ri.UpdatedAt = e.Timestamp
	ri.LastSequence = e.Sequence
}

// DefaultListLimit caps ListRuns pages when the filter gives no limit.
const DefaultListLimit = 50

// RunFilter narrows ListRuns. Zero-valued fields match everything.
type RunFilter struct {
	OrgID        string
	WorkflowName string
	Status       RunStatus
	Limit        int // page size; 0 means DefaultListLimit
	Offset       int
}

// Matches reports whether a run summary satisfies the filter's
// field constraints. Limit and Offset are applied by the store.
func (f RunFilter) Matches(ri RunInfo) bool {
	if f.OrgID != "" && ri.OrgID != f.OrgID {
		return false
	}
	if f.WorkflowName != "" && ri.WorkflowName != f.WorkflowName {
		return false
	}
	if f.Status != "" && ri.Status != f.Status {
		return false
	}
	return true
}

// RunLister lists run summaries, most recently updated first.
// Implemented by stores alongside EventStore.
type RunLister interface {
	// ListRuns returns summaries matching the filter, ordered by
	// UpdatedAt descending (RunID descending breaks ties).
	ListRuns(ctx context.Context, filter RunFilter) ([]RunInfo, error)

	// GetRun returns the summary for a single run.
	// Returns ErrRunNotFound if the run has no events.
	GetRun(ctx context.Context, runID string) (*RunInfo, error)
}

// CancelStore records out-of-band cancellation requests. Running
// replays poll the flag at wave boundaries; the replay itself appends
// the definitive workflow.cancelled event, so a request is only ever a
// hint that a stop is wanted.
type CancelStore interface {
	// RequestCancel marks a run for cancellation. Idempotent.
	RequestCancel(ctx context.Context, runID string) error

	// IsCancelRequested reports whether cancellation has been requested.
	IsCancelRequested(ctx context.Context, runID string) (bool, error)
}

// workflowNameFromStarted extracts the workflow name from a
// workflow.started payload.
func workflowNameFromStarted(e Event) string {
	var data WorkflowStartedData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return ""
	}
	return data.WorkflowName
}
