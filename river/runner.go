package river

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/aksrustagi/talos-sub002/event"
	"github.com/aksrustagi/talos-sub002/project"
	"github.com/aksrustagi/talos-sub002/workflow"
)

// Errors returned by the Runner.
var (
	// ErrRunnerNotStarted means an operation needs Start first.
	ErrRunnerNotStarted = errors.New("runner not started")

	// ErrRunnerAlreadyStarted means Start was called twice.
	ErrRunnerAlreadyStarted = errors.New("runner already started")

	// ErrRunNotFound means the run has no recorded events.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinished means the run already reached a terminal status, so
	// the requested operation no longer applies.
	ErrRunFinished = errors.New("run already finished")

	// ErrSignalNotWaiting means the run is not parked on that signal.
	ErrSignalNotWaiting = errors.New("workflow not waiting for signal")

	// ErrSignalTimedOut means the signal's wait deadline already passed.
	ErrSignalTimedOut = errors.New("signal already timed out")

	// ErrListingUnsupported means the configured store keeps no run
	// summary index.
	ErrListingUnsupported = errors.New("event store does not support run listings")

	// ErrRunFailed is wrapped by AwaitResult when the run failed.
	ErrRunFailed = errors.New("workflow run failed")

	// ErrRunCancelled is wrapped by AwaitResult when the run was
	// cancelled.
	ErrRunCancelled = errors.New("workflow run cancelled")
)

// Runner is the orchestrator facade: it starts workflow runs, advances
// them durably via River jobs, and answers progress and result queries
// from the event history.
type Runner interface {
	// Start brings up the River client and, when Workers > 0, begins
	// processing jobs and periodic schedules.
	Start(ctx context.Context) error

	// Stop drains in-flight jobs and shuts the client down.
	Stop(ctx context.Context) error

	// StartWorkflow records workflow.started and enqueues the first run
	// job, returning the run ID. With opts.ScheduledAt in the future the
	// start itself is deferred to a scheduled job.
	StartWorkflow(ctx context.Context, workflowName string, input json.RawMessage, opts StartOptions) (string, error)

	// StartWorkflowTx is StartWorkflow inside a caller-owned transaction,
	// so a run can start atomically with other writes.
	StartWorkflowTx(ctx context.Context, tx pgx.Tx, workflowName string, input json.RawMessage, opts StartOptions) (string, error)

	// SendSignal delivers a payload to a run parked on WaitForSignal and
	// wakes it. Redelivery of an already received signal is a no-op.
	SendSignal(ctx context.Context, runID, signalName string, payload json.RawMessage) error

	// CancelWorkflow requests cancellation. The run halts at its next
	// step-wave boundary; completed steps keep their recorded results.
	CancelWorkflow(ctx context.Context, runID, reason string) error

	// QueryProgress projects the run's progress from one event snapshot,
	// so current step and completed count are always consistent.
	QueryProgress(ctx context.Context, runID string) (*WorkflowProgress, error)

	// AwaitResult blocks until the run reaches a terminal status and
	// returns its result. On failure or cancellation the returned error
	// wraps ErrRunFailed or ErrRunCancelled and the RunResult still
	// carries partial step results and registered action hints. A run
	// that does not exist yet (deferred start) is waited for; bound the
	// wait with the context.
	AwaitResult(ctx context.Context, runID string) (*RunResult, error)

	// GetRun rebuilds the full run view from its history.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns pages run summaries from the store's summary index.
	ListRuns(ctx context.Context, filter RunFilter) ([]RunSummary, error)

	// GetHistory returns the run's raw event history in sequence order.
	GetHistory(ctx context.Context, runID string) ([]event.Event, error)
}

type runner struct {
	pool     *pgxpool.Pool
	store    event.EventStore
	lister   event.RunLister   // nil when the store keeps no summary index
	cancels  event.CancelStore // nil when the store has no cancel flags
	registry *Registry
	logger   Logger
	config   Config

	client  *river.Client[pgx.Tx]
	started bool
	mu      sync.RWMutex
}

// NewRunner builds a Runner from the config. The store's optional
// capabilities (TxEventStore, RunLister, CancelStore) are detected here.
func NewRunner(config Config) (*runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()

	r := &runner{
		pool:     cfg.Pool,
		store:    cfg.Store,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		config:   cfg,
	}
	if lister, ok := cfg.Store.(event.RunLister); ok {
		r.lister = lister
	}
	if cancels, ok := cfg.Store.(event.CancelStore); ok {
		r.cancels = cancels
	}
	return r, nil
}

func (r *runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRunnerAlreadyStarted
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &runWorker{runner: r})
	river.AddWorker(workers, &signalTimeoutWorker{runner: r})
	river.AddWorker(workers, &scheduledStartWorker{runner: r})

	riverCfg := &river.Config{
		Workers:      workers,
		JobTimeout:   r.config.JobTimeout,
		ErrorHandler: &jobErrorHandler{logger: r.logger},
	}
	if r.config.Workers > 0 {
		riverCfg.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: r.config.Workers},
		}
		riverCfg.PeriodicJobs = r.periodicJobs()
	}

	client, err := river.NewClient(riverpgxv5.New(r.pool), riverCfg)
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	r.client = client

	// Workers == 0 is insert-only: jobs are enqueued here and executed
	// by a separate worker process.
	if r.config.Workers > 0 {
		if err := r.client.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
	}

	r.started = true
	r.logger.Info("runner started",
		"workers", r.config.Workers,
		"workflows", r.registry.Names(),
		"schedules", len(r.config.Schedules),
	)
	return nil
}

// periodicJobs converts configured schedules into River periodic jobs.
// Each tick inserts a scheduled-start job, which creates a fresh run.
func (r *runner) periodicJobs() []*river.PeriodicJob {
	jobs := make([]*river.PeriodicJob, 0, len(r.config.Schedules))
	for _, s := range r.config.Schedules {
		sched := s
		jobs = append(jobs, river.NewPeriodicJob(
			river.PeriodicInterval(sched.Every),
			func() (river.JobArgs, *river.InsertOpts) {
				return ScheduledStartJobArgs{
					WorkflowName: sched.WorkflowName,
					Input:        sched.Input,
					OrgID:        sched.OrgID,
				}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: sched.RunOnStart},
		))
	}
	return jobs
}

func (r *runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, r.config.ShutdownTimeout)
	defer cancel()

	if r.config.Workers > 0 {
		if err := r.client.Stop(shutdownCtx); err != nil {
			r.logger.Warn("river client stop", "error", err)
		}
	}

	r.started = false
	r.logger.Info("runner stopped")
	return nil
}

func (r *runner) requireStarted() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.started {
		return ErrRunnerNotStarted
	}
	return nil
}

func (r *runner) StartWorkflow(ctx context.Context, workflowName string, input json.RawMessage, opts StartOptions) (string, error) {
	if err := r.requireStarted(); err != nil {
		return "", err
	}

	// A future ScheduledAt defers the whole start to a scheduled job, so
	// nothing of the run exists until then.
	if !opts.ScheduledAt.IsZero() && opts.ScheduledAt.After(time.Now()) {
		return r.scheduleStart(ctx, workflowName, input, opts)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	runID, err := r.StartWorkflowTx(ctx, tx, workflowName, input, opts)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return runID, nil
}

// scheduleStart enqueues a deferred start. The run ID is fixed now so
// the caller can await it.
func (r *runner) scheduleStart(ctx context.Context, workflowName string, input json.RawMessage, opts StartOptions) (string, error) {
	if _, err := r.registry.Get(workflowName); err != nil {
		return "", err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	_, err := r.client.Insert(ctx, ScheduledStartJobArgs{
		WorkflowName: workflowName,
		Input:        input,
		OrgID:        opts.OrgID,
		RunID:        runID,
		Priority:     opts.Priority,
	}, &river.InsertOpts{ScheduledAt: opts.ScheduledAt})
	if err != nil {
		return "", fmt.Errorf("insert scheduled start: %w", err)
	}

	r.logger.Info("workflow start scheduled",
		"runID", runID,
		"workflow", workflowName,
		"at", opts.ScheduledAt,
	)
	return runID, nil
}

func (r *runner) StartWorkflowTx(ctx context.Context, tx pgx.Tx, workflowName string, input json.RawMessage, opts StartOptions) (string, error) {
	if err := r.requireStarted(); err != nil {
		return "", err
	}

	def, err := r.registry.Get(workflowName)
	if err != nil {
		return "", err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	startedData, err := json.Marshal(event.WorkflowStartedData{
		WorkflowName: workflowName,
		Version:      def.Version(),
		OrgID:        opts.OrgID,
		StepNames:    def.Order(),
		Input:        input,
	})
	if err != nil {
		return "", fmt.Errorf("marshal started data: %w", err)
	}

	startEvent := event.Event{
		ID:        uuid.New().String(),
		RunID:     runID,
		Sequence:  1,
		Version:   1,
		Type:      event.EventWorkflowStarted,
		Data:      startedData,
		Timestamp: time.Now(),
		Metadata:  opts.metadata(),
	}

	if err := r.appendTx(ctx, tx, []event.Event{startEvent}); err != nil {
		return "", fmt.Errorf("append started event: %w", err)
	}

	var insertOpts *river.InsertOpts
	if opts.Priority > 0 {
		insertOpts = &river.InsertOpts{Priority: opts.Priority}
	}
	_, err = r.client.InsertTx(ctx, tx, RunJobArgs{
		RunID:        runID,
		WorkflowName: workflowName,
		Version:      def.Version(),
	}, insertOpts)
	if err != nil {
		return "", fmt.Errorf("insert run job: %w", err)
	}

	r.logger.Info("workflow started",
		"runID", runID,
		"workflow", workflowName,
		"org", opts.OrgID,
	)
	return runID, nil
}

// appendTx appends through the store's transactional path when it has
// one, falling back to a plain append.
func (r *runner) appendTx(ctx context.Context, tx pgx.Tx, events []event.Event) error {
	if txStore, ok := r.store.(TxEventStore); ok {
		return txStore.AppendBatchTx(ctx, pgxTxAdapter{tx}, events)
	}
	return r.store.AppendBatch(ctx, events)
}

func (r *runner) SendSignal(ctx context.Context, runID, signalName string, payload json.RawMessage) error {
	if err := r.requireStarted(); err != nil {
		return err
	}

	events, err := r.store.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return ErrRunNotFound
	}

	history := workflow.NewHistory(runID, events)
	state := history.GetSignalState(signalName)
	if state == nil || !state.Waiting {
		return fmt.Errorf("%w: %s", ErrSignalNotWaiting, signalName)
	}
	if state.Received {
		r.logger.Debug("signal already received", "runID", runID, "signal", signalName)
		return nil
	}
	if state.Timeout {
		return fmt.Errorf("%w: %s", ErrSignalTimedOut, signalName)
	}

	receivedData, err := json.Marshal(event.SignalReceivedData{
		SignalName: signalName,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("marshal signal data: %w", err)
	}

	receivedEvent := event.Event{
		ID:        uuid.New().String(),
		RunID:     runID,
		Sequence:  history.LastSequence() + 1,
		Version:   1,
		Type:      event.EventSignalReceived,
		Data:      receivedData,
		Timestamp: time.Now(),
		Metadata:  inheritedMetadata(events),
	}

	workflowName, version := workflowIdentity(events)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.appendTx(ctx, tx, []event.Event{receivedEvent}); err != nil {
		return fmt.Errorf("append signal event: %w", err)
	}

	_, err = r.client.InsertTx(ctx, tx, RunJobArgs{
		RunID:        runID,
		WorkflowName: workflowName,
		Version:      version,
	}, nil)
	if err != nil {
		return fmt.Errorf("insert wake job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("signal delivered", "runID", runID, "signal", signalName)
	return nil
}

func (r *runner) CancelWorkflow(ctx context.Context, runID, reason string) error {
	if err := r.requireStarted(); err != nil {
		return err
	}

	events, err := r.store.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return ErrRunNotFound
	}

	var status event.RunStatus
	for _, e := range events {
		status = event.StatusAfter(status, e.Type)
	}
	switch status {
	case event.RunCancelled:
		return nil // idempotent
	case event.RunCompleted, event.RunFailed:
		return ErrRunFinished
	}

	// Raise the cancel flag first: an in-flight replay polls it at wave
	// boundaries and will halt even if our direct append loses the race.
	if r.cancels != nil {
		if err := r.cancels.RequestCancel(ctx, runID); err != nil {
			r.logger.Warn("cancel flag write failed", "runID", runID, "error", err)
		}
	}

	if reason == "" {
		reason = "cancel requested"
	}
	cancelledData, err := json.Marshal(event.WorkflowCancelledData{Reason: reason})
	if err != nil {
		return fmt.Errorf("marshal cancel data: %w", err)
	}

	cancelledEvent := event.Event{
		ID:        uuid.New().String(),
		RunID:     runID,
		Sequence:  events[len(events)-1].Sequence + 1,
		Version:   1,
		Type:      event.EventWorkflowCancelled,
		Data:      cancelledData,
		Timestamp: time.Now(),
		Metadata:  inheritedMetadata(events),
	}

	if err := r.store.Append(ctx, cancelledEvent); err != nil {
		// A replay advanced the run concurrently. It has already seen or
		// will see the cancel flag, so the request stands.
		if errors.Is(err, event.ErrSequenceConflict) {
			r.logger.Debug("cancel append lost race to active replay", "runID", runID)
			return nil
		}
		return fmt.Errorf("append cancelled event: %w", err)
	}

	r.logger.Info("workflow cancelled", "runID", runID, "reason", reason)
	return nil
}

func (r *runner) QueryProgress(ctx context.Context, runID string) (*WorkflowProgress, error) {
	events, err := r.store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrRunNotFound
	}

	p := project.Progress(events)
	progress := &WorkflowProgress{
		RunID:          runID,
		WorkflowName:   p.WorkflowName,
		Status:         RunStatus(p.Status),
		CurrentStep:    p.CurrentStep,
		CompletedSteps: p.CompletedSteps,
		TotalSteps:     p.TotalSteps,
		Results:        project.StepOutputs(events),
	}
	if p.Error != nil {
		progress.Error = *p.Error
	}
	return progress, nil
}

func (r *runner) AwaitResult(ctx context.Context, runID string) (*RunResult, error) {
	ticker := time.NewTicker(r.config.AwaitPollInterval)
	defer ticker.Stop()

	for {
		terminal, err := r.runTerminal(ctx, runID)
		if err != nil {
			return nil, err
		}
		if terminal {
			return r.buildResult(ctx, runID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// runTerminal reports whether the run reached a terminal status, using
// the store's summary index when available. A missing run counts as not
// terminal: it may be a deferred start that has not fired yet.
func (r *runner) runTerminal(ctx context.Context, runID string) (bool, error) {
	if r.lister != nil {
		info, err := r.lister.GetRun(ctx, runID)
		if errors.Is(err, event.ErrRunNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("get run: %w", err)
		}
		return statusFromStore(info.Status).IsTerminal(), nil
	}

	events, err := r.store.Load(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("load events: %w", err)
	}
	var status event.RunStatus
	for _, e := range events {
		status = event.StatusAfter(status, e.Type)
	}
	return statusFromStore(status).IsTerminal(), nil
}

// buildResult assembles the terminal RunResult from the full history.
func (r *runner) buildResult(ctx context.Context, runID string) (*RunResult, error) {
	events, err := r.store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrRunNotFound
	}

	run := buildRun(runID, events)
	result := &RunResult{
		RunID:     runID,
		Status:    run.Status,
		Output:    run.Output,
		Results:   project.StepOutputs(events),
		Actions:   workflow.ActionsFromEvents(events),
		Error:     run.Error,
		ErrorKind: run.ErrorKind,
		LastStep:  run.LastStep,
	}

	switch run.Status {
	case RunStatusFailed:
		return result, fmt.Errorf("%w: %s", ErrRunFailed, run.Error)
	case RunStatusCancelled:
		return result, fmt.Errorf("%w: %s", ErrRunCancelled, run.Error)
	default:
		return result, nil
	}
}

func (r *runner) GetRun(ctx context.Context, runID string) (*Run, error) {
	events, err := r.store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrRunNotFound
	}
	return buildRun(runID, events), nil
}

func (r *runner) ListRuns(ctx context.Context, filter RunFilter) ([]RunSummary, error) {
	if r.lister == nil {
		return nil, ErrListingUnsupported
	}
	// Runs only materialize in the store once started, so a pending
	// filter can never match a stored row.
	if filter.Status == RunStatusPending {
		return []RunSummary{}, nil
	}

	infos, err := r.lister.ListRuns(ctx, event.RunFilter{
		OrgID:        filter.OrgID,
		WorkflowName: filter.WorkflowName,
		Status:       event.RunStatus(filter.Status),
		Limit:        filter.Limit,
		Offset:       filter.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	summaries := make([]RunSummary, len(infos))
	for i, ri := range infos {
		summaries[i] = summaryFromInfo(ri)
	}
	return summaries, nil
}

func (r *runner) GetHistory(ctx context.Context, runID string) ([]event.Event, error) {
	events, err := r.store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrRunNotFound
	}
	return events, nil
}

// buildRun folds a history into the full run view.
func buildRun(runID string, events []event.Event) *Run {
	run := &Run{
		ID:     runID,
		Status: RunStatusPending,
	}

	for _, e := range events {
		if run.OrgID == "" {
			run.OrgID = e.Metadata[event.MetaOrgID]
		}

		switch e.Type {
		case event.EventWorkflowStarted:
			var data event.WorkflowStartedData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				run.WorkflowName = data.WorkflowName
				run.Version = data.Version
				run.Input = data.Input
				if run.OrgID == "" {
					run.OrgID = data.OrgID
				}
			}
			run.StartedAt = e.Timestamp
			run.Status = RunStatusRunning

		case event.EventWorkflowCompleted:
			var data event.WorkflowCompletedData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				run.Output = data.Output
			}
			ts := e.Timestamp
			run.CompletedAt = &ts
			run.Status = RunStatusCompleted

		case event.EventWorkflowFailed:
			var data event.WorkflowFailedData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				run.Error = data.Error
				run.ErrorKind = data.ErrorKind
				run.LastStep = data.LastStep
			}
			ts := e.Timestamp
			run.CompletedAt = &ts
			run.Status = RunStatusFailed

		case event.EventWorkflowCancelled:
			var data event.WorkflowCancelledData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				run.Error = data.Reason
			}
			ts := e.Timestamp
			run.CompletedAt = &ts
			run.Status = RunStatusCancelled

		case event.EventSignalWaiting:
			if run.Status == RunStatusRunning {
				run.Status = RunStatusWaiting
			}

		case event.EventSignalReceived, event.EventSignalTimeout:
			if run.Status == RunStatusWaiting {
				run.Status = RunStatusRunning
			}
		}
	}

	return run
}

// workflowIdentity extracts the workflow name and version recorded on
// the run's workflow.started event.
func workflowIdentity(events []event.Event) (name, version string) {
	for _, e := range events {
		if e.Type != event.EventWorkflowStarted {
			continue
		}
		var data event.WorkflowStartedData
		if err := json.Unmarshal(e.Data, &data); err == nil {
			return data.WorkflowName, data.Version
		}
		return "", ""
	}
	return "", ""
}

// inheritedMetadata carries the run's correlation metadata (org, entity)
// onto events appended outside a replay, so summary rows stay complete.
func inheritedMetadata(events []event.Event) map[string]string {
	if len(events) == 0 || len(events[0].Metadata) == 0 {
		return nil
	}
	md := make(map[string]string, len(events[0].Metadata))
	for k, v := range events[0].Metadata {
		md[k] = v
	}
	return md
}

// pgxTxAdapter wraps pgx.Tx as the store Tx interface while keeping the
// concrete transaction reachable for pgstore.
type pgxTxAdapter struct {
	tx pgx.Tx
}

func (a pgxTxAdapter) Commit(ctx context.Context) error   { return a.tx.Commit(ctx) }
func (a pgxTxAdapter) Rollback(ctx context.Context) error { return a.tx.Rollback(ctx) }

// PgxTx satisfies pgstore.PgxTxProvider.
func (a pgxTxAdapter) PgxTx() pgx.Tx { return a.tx }

// jobErrorHandler logs job errors and panics; River's retry policy
// decides what happens next.
type jobErrorHandler struct {
	logger Logger
}

func (h *jobErrorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.logger.Error("job failed", "kind", job.Kind, "attempt", job.Attempt, "error", err)
	return nil
}

func (h *jobErrorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.logger.Error("job panicked", "kind", job.Kind, "panic", panicVal, "trace", trace)
	return nil
}
