// Package event defines the append-only event model backing durable
// procurement workflow runs. Events are the source of truth: a run's state is
// always a projection of its ordered event history, and crash recovery works
// by replaying that history.
package event

import (
	"encoding/json"
	"time"
)

// EventType classifies events in the run execution lifecycle.
type EventType string

const (
	// Run lifecycle events
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowCancelled EventType = "workflow.cancelled"

	// Step lifecycle events
	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"

	// Branch events
	EventBranchEvaluated EventType = "branch.evaluated"

	// Signal events
	EventSignalWaiting  EventType = "signal.waiting"
	EventSignalReceived EventType = "signal.received"
	EventSignalTimeout  EventType = "signal.timeout"

	// Child workflow events
	EventChildSpawned   EventType = "child.spawned"
	EventChildCompleted EventType = "child.completed"
	EventChildFailed    EventType = "child.failed"

	// Map (fan-out) events
	EventMapStarted   EventType = "map.started"
	EventMapCompleted EventType = "map.completed"
	EventMapFailed    EventType = "map.failed"

	// Action hint events. Completed steps may register compensating-action
	// hints; the engine never executes them, it only surfaces them in the
	// run result so callers can compensate.
	EventActionRegistered EventType = "action.registered"
)

// Well-known metadata keys. Metadata rides on every event of a run so
// projections and store-level queries can filter without decoding payloads.
const (
	// MetaOrgID is the owning organization of the run.
	MetaOrgID = "org_id"

	// MetaParentRunID links a child run back to the run that spawned it.
	MetaParentRunID = "parent_run_id"

	// MetaEntityType and MetaEntityID correlate a run to a business entity
	// (requisition, invoice, contract, vendor, anomaly).
	MetaEntityType = "entity_type"
	MetaEntityID   = "entity_id"
)

// Event is a single record in a run's execution history.
type Event struct {
	// ID is the unique identifier for this event (UUID).
	ID string `json:"id"`

	// RunID identifies the workflow run this event belongs to.
	RunID string `json:"run_id"`

	// Sequence provides strict ordering within a run (1, 2, 3, ...).
	// Sequences are gapless and monotonically increasing.
	Sequence int64 `json:"sequence"`

	// Version is the schema version for forward compatibility.
	Version int `json:"version"`

	// Type classifies the event (e.g., "step.completed").
	Type EventType `json:"type"`

	// StepName identifies the step this event relates to.
	// Empty for run-level events.
	StepName string `json:"step_name,omitempty"`

	// Data contains the type-specific event payload.
	Data json.RawMessage `json:"data,omitempty"`

	// Output contains the step output (completion events only).
	Output json.RawMessage `json:"output,omitempty"`

	// Timestamp records when the event was created.
	Timestamp time.Time `json:"timestamp"`

	// Metadata holds correlation context (org, parent run, entity).
	Metadata map[string]string `json:"metadata,omitempty"`
}
