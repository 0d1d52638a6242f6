package river

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aksrustagi/talos-sub002/event"
)

const (
	// DefaultWorkers selects the worker count when Config.Workers is
	// negative: one per CPU. Zero workers means insert-only mode.
	DefaultWorkers = -1

	// DefaultJobTimeout bounds a single run-advance job. A job may execute
	// several step waves, each with activity retries under their own
	// per-attempt timeouts, so this is deliberately generous.
	DefaultJobTimeout = 30 * time.Minute

	// DefaultShutdownTimeout bounds graceful drain on Stop.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultAwaitPollInterval is how often AwaitResult re-checks a run
	// that has not reached a terminal status yet.
	DefaultAwaitPollInterval = 500 * time.Millisecond
)

// Logger is the structured logging contract shared across the runner and
// the replay engine. internal/logging provides the slog implementation;
// a nil Logger in Config falls back to a no-op.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Schedule starts a workflow on a fixed interval. Each tick inserts a
// scheduled-start job which creates a fresh run, so a slow run never
// blocks the next tick.
type Schedule struct {
	// WorkflowName names the registered definition to start.
	WorkflowName string

	// Every is the tick interval. Must be positive.
	Every time.Duration

	// Input is the workflow input used for every tick.
	Input json.RawMessage

	// OrgID is stamped onto each scheduled run's events.
	OrgID string

	// RunOnStart fires the first tick immediately when the runner starts
	// instead of waiting a full interval.
	RunOnStart bool
}

// Config assembles a Runner.
type Config struct {
	// Pool is the PostgreSQL connection pool, shared by the job queue and
	// the event store. Required.
	Pool *pgxpool.Pool

	// Store persists run histories. Required. Stores that also implement
	// TxEventStore get transactional appends; stores that implement
	// event.RunLister back ListRuns; stores that implement
	// event.CancelStore give in-flight replays early cancellation.
	Store event.EventStore

	// Registry holds the workflow definitions workers can execute.
	// Required.
	Registry *Registry

	// Logger receives runner and replay logging. Nil discards.
	Logger Logger

	// Workers is the job concurrency. Negative means one per CPU; zero
	// means insert-only (StartWorkflow works, nothing executes locally).
	Workers int

	// JobTimeout bounds one job execution. Zero uses DefaultJobTimeout.
	JobTimeout time.Duration

	// ShutdownTimeout bounds graceful drain. Zero uses
	// DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// AwaitPollInterval is the AwaitResult re-check interval. Zero uses
	// DefaultAwaitPollInterval.
	AwaitPollInterval time.Duration

	// Schedules are recurring workflow starts registered as River
	// periodic jobs. Only active when Workers > 0.
	Schedules []Schedule
}

// Validate reports missing required fields.
func (c *Config) Validate() error {
	if c.Pool == nil {
		return errors.New("river: Pool is required")
	}
	if c.Store == nil {
		return errors.New("river: Store is required")
	}
	if c.Registry == nil {
		return errors.New("river: Registry is required")
	}
	for _, s := range c.Schedules {
		if s.WorkflowName == "" {
			return errors.New("river: schedule missing workflow name")
		}
		if s.Every <= 0 {
			return errors.New("river: schedule interval must be positive")
		}
	}
	return nil
}

// withDefaults fills zero values. Workers == 0 is preserved: it selects
// insert-only mode.
func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Workers < 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.AwaitPollInterval <= 0 {
		cfg.AwaitPollInterval = DefaultAwaitPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return cfg
}

// noopLogger discards everything.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// TxEventStore is implemented by stores that can append and load inside
// a caller-owned transaction, letting the runner commit events and job
// inserts atomically.
type TxEventStore interface {
	event.EventStore

	// AppendBatchTx appends events within tx.
	AppendBatchTx(ctx context.Context, tx Tx, events []event.Event) error

	// LoadTx loads a run's events within tx.
	LoadTx(ctx context.Context, tx Tx, runID string) ([]event.Event, error)
}

// Tx is the minimal transaction handle TxEventStore needs. The pgstore
// implementation additionally type-asserts for the underlying pgx.Tx.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
