package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aksrustagi/talos-sub002/event"
)

// ErrReplayWaiting tells the replayer to park the run: a signal is
// outstanding and no further waves should execute this pass.
var ErrReplayWaiting = errors.New("replay waiting for signal")

// SignalWaitError is returned when a wait ends without a payload.
type SignalWaitError struct {
	SignalName string
	Reason     string // "timeout", "cancelled"
}

func (e *SignalWaitError) Error() string {
	if e.SignalName == "" {
		return fmt.Sprintf("signal %s", e.Reason)
	}
	return fmt.Sprintf("signal %q %s", e.SignalName, e.Reason)
}

// ErrSignalTimeout matches any timed-out signal wait via errors.Is.
var ErrSignalTimeout = &SignalWaitError{Reason: "timeout"}

// Is matches by reason alone when the target names no signal, so the
// sentinel above works against any signal's timeout.
func (e *SignalWaitError) Is(target error) bool {
	t, ok := target.(*SignalWaitError)
	if !ok {
		return false
	}
	if t.SignalName == "" {
		return e.Reason == t.Reason
	}
	return e.SignalName == t.SignalName && e.Reason == t.Reason
}

// signalAccessor is what the execution context must provide so a wait
// can read the signal's recorded state and register itself.
type signalAccessor interface {
	getHistory() *History
	recordSignalWaiting(signalName string, timeoutAt time.Time)
	addWaitingSignal(signalName string, timeoutAt time.Time)
}

// WaitForSignal parks the run until the named signal arrives or the
// timeout passes. The first execution records signal.waiting and
// returns ErrReplayWaiting; a replay that finds signal.received returns
// the payload, signal.timeout returns a SignalWaitError, and an
// unresolved wait parks again without re-recording.
func WaitForSignal(ctx Context, signalName string, timeout time.Duration) (json.RawMessage, error) {
	accessor, ok := ctx.(signalAccessor)
	if !ok {
		panic("workflow: context does not support signal operations")
	}

	if state := accessor.getHistory().GetSignalState(signalName); state != nil {
		switch {
		case state.Received:
			return state.Payload, nil
		case state.Timeout:
			return nil, &SignalWaitError{SignalName: signalName, Reason: "timeout"}
		case state.Waiting:
			// Already recorded; keep the original deadline.
			accessor.addWaitingSignal(signalName, state.TimeoutAt)
			return nil, ErrReplayWaiting
		}
	}

	timeoutAt := time.Now().Add(timeout)
	accessor.recordSignalWaiting(signalName, timeoutAt)
	accessor.addWaitingSignal(signalName, timeoutAt)
	return nil, ErrReplayWaiting
}

// WaitForSignalTyped is WaitForSignal with the payload decoded into T.
func WaitForSignalTyped[T any](ctx Context, signalName string, timeout time.Duration) (T, error) {
	var zero T

	payload, err := WaitForSignal(ctx, signalName, timeout)
	if err != nil {
		return zero, err
	}

	var result T
	if err := json.Unmarshal(payload, &result); err != nil {
		return zero, fmt.Errorf("unmarshal signal %q payload: %w", signalName, err)
	}
	return result, nil
}

func (e *executionContext) recordSignalWaiting(signalName string, timeoutAt time.Time) {
	data, _ := json.Marshal(event.SignalWaitingData{
		SignalName: signalName,
		TimeoutAt:  timeoutAt,
	})
	e.replayer.emitEvent(event.Event{
		Type: event.EventSignalWaiting,
		Data: data,
	})
}

func (e *executionContext) addWaitingSignal(signalName string, timeoutAt time.Time) {
	e.replayer.addWaitingSignal(signalName, timeoutAt)
}

// WaitingSignal is one outstanding wait, surfaced on ReplayOutput so
// the runner can schedule the timeout job.
type WaitingSignal struct {
	SignalName string
	TimeoutAt  time.Time
}
