package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/aksrustagi/talos-sub002/event"
)

// ActionHint is a compensating-action hint registered by a step while it
// ran. The engine never executes hints; it records them in the run's
// event history and surfaces them in the run result, so a caller
// compensating a partially completed run knows which side effects to
// undo (e.g. "release_budget_hold" after a failed requisition).
type ActionHint struct {
	StepName string          `json:"step_name"`
	Action   string          `json:"action"`
	Details  json.RawMessage `json:"details,omitempty"`
}

// RegisterAction records a compensating-action hint for the current step.
// Details are JSON-encoded and carried on the action.registered event;
// nil details are allowed. Hints registered by an attempt that later
// fails are kept: the side effect they describe may already have
// happened.
func RegisterAction(ctx Context, action string, details any) error {
	recorder, ok := ctx.(actionRecorder)
	if !ok {
		return fmt.Errorf("workflow: context does not support action registration")
	}

	var detailsJSON json.RawMessage
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("workflow: marshal action %q details: %w", action, err)
		}
		detailsJSON = data
	}

	recorder.recordAction(action, detailsJSON)
	return nil
}

// actionRecorder is the internal interface for registering action hints.
type actionRecorder interface {
	recordAction(action string, details json.RawMessage)
}

// recordAction emits an action.registered event for the current step.
func (e *executionContext) recordAction(action string, details json.RawMessage) {
	e.replayer.RecordActionRegistered(e.stepName, action, details)
}

// RecordActionRegistered appends an action.registered event.
// Returns the emitted event.
// Thread-safe for use from concurrent goroutines.
func (r *Replayer) RecordActionRegistered(stepName, action string, details json.RawMessage) event.Event {
	data, _ := json.Marshal(event.ActionRegisteredData{
		StepName: stepName,
		Action:   action,
		Details:  details,
	})

	return r.emitEvent(event.Event{
		Type:     event.EventActionRegistered,
		StepName: stepName,
		Data:     data,
	})
}

// ActionsFromEvents collects the registered action hints from a run's
// events in registration order, deduplicated by (step, action) with the
// most recent details winning. Retried attempts re-register their hints;
// the duplicate collapses here rather than in every projection.
func ActionsFromEvents(events []event.Event) []ActionHint {
	var hints []ActionHint
	index := make(map[string]int)

	for _, e := range events {
		if e.Type != event.EventActionRegistered {
			continue
		}
		var data event.ActionRegisteredData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			continue
		}

		key := data.StepName + "\x00" + data.Action
		if i, ok := index[key]; ok {
			hints[i].Details = data.Details
			continue
		}
		index[key] = len(hints)
		hints = append(hints, ActionHint{
			StepName: data.StepName,
			Action:   data.Action,
			Details:  data.Details,
		})
	}

	return hints
}
