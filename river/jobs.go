package river

import (
	"encoding/json"

	"github.com/riverqueue/river"
)

// Job kinds registered with River. Renaming a kind strands queued jobs,
// so these are part of the deployment contract.
const (
	// JobKindRun advances a workflow run: load history, replay, execute
	// pending steps, append the new events.
	JobKindRun = "procurement.run"

	// JobKindSignalTimeout fires when a signal wait deadline passes.
	JobKindSignalTimeout = "procurement.signal_timeout"

	// JobKindScheduledStart starts a workflow at a scheduled time. Used
	// for delayed starts and for recurring scans.
	JobKindScheduledStart = "procurement.scheduled_start"
)

// RunJobArgs advances a single workflow run. One job is inserted when the
// run starts and another each time the run needs waking (signal received,
// timer fired, replay suspended).
type RunJobArgs struct {
	// RunID identifies the run to advance.
	RunID string `json:"run_id"`

	// WorkflowName names the registered definition for the run.
	WorkflowName string `json:"workflow_name"`

	// Version pins the definition version recorded at start. Empty means
	// the registry's latest.
	Version string `json:"version,omitempty"`
}

// Kind implements river.JobArgs.
func (RunJobArgs) Kind() string { return JobKindRun }

// InsertOpts implements river.JobArgsWithInsertOpts. Run jobs get a few
// attempts so a crashed worker or serialization conflict re-runs the
// replay; the event history makes re-execution safe.
func (RunJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 3}
}

// SignalTimeoutJobArgs checks whether a signal arrived before its
// deadline, appending signal.timeout and waking the run when it did not.
type SignalTimeoutJobArgs struct {
	// RunID is the run waiting on the signal.
	RunID string `json:"run_id"`

	// SignalName is the signal whose deadline passed.
	SignalName string `json:"signal_name"`
}

// Kind implements river.JobArgs.
func (SignalTimeoutJobArgs) Kind() string { return JobKindSignalTimeout }

// InsertOpts implements river.JobArgsWithInsertOpts.
func (SignalTimeoutJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 3}
}

// ScheduledStartJobArgs starts a new run when the job becomes available.
// Inserted with a future ScheduledAt for delayed starts, or by a periodic
// schedule for recurring scans (each tick starts a fresh run).
type ScheduledStartJobArgs struct {
	// WorkflowName names the definition to start.
	WorkflowName string `json:"workflow_name"`

	// Input is the workflow input, already encoded.
	Input json.RawMessage `json:"input,omitempty"`

	// OrgID is stamped into the run's event metadata.
	OrgID string `json:"org_id,omitempty"`

	// RunID fixes the run ID when non-empty. Periodic schedules leave it
	// empty so every tick gets a fresh run.
	RunID string `json:"run_id,omitempty"`

	// Priority is the queue priority for the run's jobs.
	Priority int `json:"priority,omitempty"`
}

// Kind implements river.JobArgs.
func (ScheduledStartJobArgs) Kind() string { return JobKindScheduledStart }

// InsertOpts implements river.JobArgsWithInsertOpts.
func (ScheduledStartJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 3}
}
