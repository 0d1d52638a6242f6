package river

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/aksrustagi/talos-sub002/event"
	"github.com/aksrustagi/talos-sub002/workflow"
)

// runWorker advances a workflow run: load the history, replay it against
// the registered definition, execute whatever steps became ready, and
// append the resulting events. Everything happens inside one PostgreSQL
// transaction so a crash mid-job leaves the history untouched and the
// retried job replays from the last committed state.
type runWorker struct {
	river.WorkerDefaults[RunJobArgs]
	runner *runner
}

func (w *runWorker) Work(ctx context.Context, job *river.Job[RunJobArgs]) error {
	args := job.Args
	r := w.runner

	r.logger.Debug("advancing run",
		"runID", args.RunID,
		"workflow", args.WorkflowName,
		"attempt", job.Attempt,
	)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var events []event.Event
	if txStore, ok := r.store.(TxEventStore); ok {
		events, err = txStore.LoadTx(ctx, pgxTxAdapter{tx}, args.RunID)
	} else {
		events, err = r.store.Load(ctx, args.RunID)
	}
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	history := workflow.NewHistory(args.RunID, events)
	if history.IsCancelled() {
		r.logger.Info("run already cancelled", "runID", args.RunID)
		return nil
	}
	if history.IsCompleted() {
		r.logger.Debug("run already completed", "runID", args.RunID)
		return nil
	}

	def, err := r.registry.Resolve(args.WorkflowName, args.Version)
	if err != nil {
		return fmt.Errorf("resolve workflow: %w", err)
	}

	replayer := workflow.NewReplayer(workflow.ReplayerConfig{
		Workflow:        def,
		History:         history,
		RunID:           args.RunID,
		Input:           history.GetWorkflowInput(),
		Logger:          replayLogger{r.logger},
		Metadata:        inheritedMetadata(events),
		CancelRequested: w.cancelCheck(args.RunID),
	})

	output, err := replayer.Replay(ctx)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	newEvents := output.NewEvents
	switch output.Result {
	case workflow.ReplayFailed:
		// Record the terminal failure alongside the step events so the
		// history never shows a dangling failed step.
		failed := replayer.RecordWorkflowFailed(output.Error, output.LastCompletedStep)
		newEvents = append(newEvents, failed)
		r.logger.Info("run failed",
			"runID", args.RunID,
			"lastStep", output.LastCompletedStep,
			"error", output.Error,
		)

	case workflow.ReplayCancelled:
		r.logger.Info("run cancelled",
			"runID", args.RunID,
			"lastStep", output.LastCompletedStep,
		)

	case workflow.ReplayCompleted:
		r.logger.Info("run completed", "runID", args.RunID)
	}

	if len(newEvents) > 0 {
		if err := r.appendTx(ctx, tx, newEvents); err != nil {
			return fmt.Errorf("append events: %w", err)
		}
	}

	switch output.Result {
	case workflow.ReplayWaiting:
		for _, sig := range output.WaitingForSignals {
			if err := w.scheduleSignalTimeout(ctx, tx, args.RunID, sig); err != nil {
				return fmt.Errorf("schedule signal timeout: %w", err)
			}
		}
		r.logger.Debug("run waiting for signals",
			"runID", args.RunID,
			"signals", len(output.WaitingForSignals),
		)

	case workflow.ReplaySuspended:
		// Engine shutdown or job deadline interrupted the replay; a
		// fresh job continues from the committed history.
		_, err := r.client.InsertTx(ctx, tx, RunJobArgs{
			RunID:        args.RunID,
			WorkflowName: args.WorkflowName,
			Version:      args.Version,
		}, nil)
		if err != nil {
			return fmt.Errorf("insert continuation job: %w", err)
		}
		r.logger.Debug("run suspended, continuation queued", "runID", args.RunID)
	}

	return tx.Commit(ctx)
}

// cancelCheck builds the replayer's wave-boundary cancellation probe.
// Without a cancel-flag store, cancellation is only seen on the next
// replay via the appended workflow.cancelled event.
func (w *runWorker) cancelCheck(runID string) func(ctx context.Context) (bool, error) {
	if w.runner.cancels == nil {
		return nil
	}
	return func(ctx context.Context) (bool, error) {
		return w.runner.cancels.IsCancelRequested(ctx, runID)
	}
}

// scheduleSignalTimeout queues the deadline job for a waiting signal.
// Signals without a deadline wait indefinitely.
func (w *runWorker) scheduleSignalTimeout(ctx context.Context, tx pgx.Tx, runID string, sig workflow.WaitingSignal) error {
	if sig.TimeoutAt.IsZero() {
		return nil
	}
	_, err := w.runner.client.InsertTx(ctx, tx, SignalTimeoutJobArgs{
		RunID:      runID,
		SignalName: sig.SignalName,
	}, &river.InsertOpts{ScheduledAt: sig.TimeoutAt})
	return err
}

// signalTimeoutWorker records signal.timeout for signals that never
// arrived and wakes the run so the timed-out wait can surface.
type signalTimeoutWorker struct {
	river.WorkerDefaults[SignalTimeoutJobArgs]
	runner *runner
}

func (w *signalTimeoutWorker) Work(ctx context.Context, job *river.Job[SignalTimeoutJobArgs]) error {
	args := job.Args
	r := w.runner

	events, err := r.store.Load(ctx, args.RunID)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	history := workflow.NewHistory(args.RunID, events)

	// The run may have finished or been cancelled while the deadline job
	// sat in the queue.
	if history.IsCancelled() || history.IsCompleted() {
		return nil
	}

	state := history.GetSignalState(args.SignalName)
	if state == nil {
		r.logger.Warn("timeout for unknown signal",
			"runID", args.RunID,
			"signal", args.SignalName,
		)
		return nil
	}
	if state.Received || state.Timeout {
		return nil
	}

	timeoutData, err := json.Marshal(event.SignalTimeoutData{SignalName: args.SignalName})
	if err != nil {
		return fmt.Errorf("marshal timeout data: %w", err)
	}

	timeoutEvent := event.Event{
		ID:        uuid.New().String(),
		RunID:     args.RunID,
		Sequence:  history.LastSequence() + 1,
		Version:   1,
		Type:      event.EventSignalTimeout,
		Data:      timeoutData,
		Timestamp: time.Now(),
		Metadata:  inheritedMetadata(events),
	}

	workflowName, version := workflowIdentity(events)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.appendTx(ctx, tx, []event.Event{timeoutEvent}); err != nil {
		return fmt.Errorf("append timeout event: %w", err)
	}

	_, err = r.client.InsertTx(ctx, tx, RunJobArgs{
		RunID:        args.RunID,
		WorkflowName: workflowName,
		Version:      version,
	}, nil)
	if err != nil {
		return fmt.Errorf("insert wake job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("signal timed out", "runID", args.RunID, "signal", args.SignalName)
	return nil
}

// scheduledStartWorker turns a due scheduled-start job into a real run.
// Periodic schedules funnel through here too, one job per tick.
type scheduledStartWorker struct {
	river.WorkerDefaults[ScheduledStartJobArgs]
	runner *runner
}

func (w *scheduledStartWorker) Work(ctx context.Context, job *river.Job[ScheduledStartJobArgs]) error {
	args := job.Args
	r := w.runner

	// A retried start job must not double-start the run. With a fixed
	// run ID the duplicate workflow.started append would conflict anyway;
	// checking first keeps the retry quiet.
	if args.RunID != "" {
		last, err := r.store.GetLastSequence(ctx, args.RunID)
		if err != nil {
			return fmt.Errorf("check existing run: %w", err)
		}
		if last > 0 {
			r.logger.Debug("scheduled run already started", "runID", args.RunID)
			return nil
		}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	runID, err := r.StartWorkflowTx(ctx, tx, args.WorkflowName, args.Input, StartOptions{
		RunID:    args.RunID,
		OrgID:    args.OrgID,
		Priority: args.Priority,
	})
	if err != nil {
		return fmt.Errorf("start workflow: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("scheduled workflow started",
		"workflow", args.WorkflowName,
		"runID", runID,
	)
	return nil
}

// replayLogger adapts the runner logger to the replay engine's Logger,
// which has no Warn level.
type replayLogger struct {
	logger Logger
}

func (l replayLogger) Debug(msg string, keysAndValues ...any) { l.logger.Debug(msg, keysAndValues...) }
func (l replayLogger) Info(msg string, keysAndValues ...any)  { l.logger.Info(msg, keysAndValues...) }
func (l replayLogger) Error(msg string, keysAndValues ...any) { l.logger.Error(msg, keysAndValues...) }
