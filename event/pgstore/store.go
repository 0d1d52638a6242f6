// Package pgstore provides a PostgreSQL-based event store implementation.
// Alongside the append-only event log it maintains a per-run summary table,
// folded inside the same transaction as each append, so run listings never
// require replaying histories.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aksrustagi/talos-sub002/event"
	"github.com/aksrustagi/talos-sub002/query"
)

// Store implements event.EventStore, event.RunLister, and event.CancelStore
// with PostgreSQL, plus the optional query interfaces dashboards use. It
// also implements the TxEventStore interface for transactional operations.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time interface checks.
var (
	_ event.EventStore    = (*Store)(nil)
	_ event.RunLister     = (*Store)(nil)
	_ event.CancelStore   = (*Store)(nil)
	_ query.RunCounter    = (*Store)(nil)
	_ query.EntityQuerier = (*Store)(nil)
	_ query.ChildQuerier  = (*Store)(nil)
	_ query.ParentQuerier = (*Store)(nil)
)

// New creates a new PostgreSQL event store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Append adds a single event to the store.
func (s *Store) Append(ctx context.Context, e event.Event) error {
	return s.AppendBatch(ctx, []event.Event{e})
}

// AppendBatch adds multiple events atomically.
func (s *Store) AppendBatch(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.appendBatchInTx(ctx, tx, events); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// AppendBatchTx adds events within the given transaction.
// This implements the TxEventStore interface.
// Accepts any type that provides access to a pgx.Tx, either by being a pgx.Tx
// directly, implementing the PgxTxProvider interface, or by being a wrapper type.
func (s *Store) AppendBatchTx(ctx context.Context, tx Tx, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	rawTx, err := extractPgxTx(tx)
	if err != nil {
		return err
	}

	return s.appendBatchInTx(ctx, rawTx, events)
}

// appendBatchInTx is the internal implementation for batch append.
func (s *Store) appendBatchInTx(ctx context.Context, tx pgx.Tx, events []event.Event) error {
	// Group events by run_id to validate sequences
	eventsByRun := make(map[string][]event.Event)
	for _, e := range events {
		eventsByRun[e.RunID] = append(eventsByRun[e.RunID], e)
	}

	// Validate sequences for each run
	for runID, runEvents := range eventsByRun {
		// Use advisory lock to prevent concurrent inserts for the same run
		// This avoids the PostgreSQL limitation of FOR UPDATE with aggregates
		_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, runID)
		if err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}

		// Get current last sequence (advisory lock protects concurrent access)
		var lastSeq int64
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(sequence), 0)
			FROM procurement_events
			WHERE run_id = $1
		`, runID).Scan(&lastSeq)
		if err != nil {
			return fmt.Errorf("get last sequence: %w", err)
		}

		// Validate consecutive sequences
		expectedSeq := lastSeq + 1
		for _, e := range runEvents {
			if e.Sequence != expectedSeq {
				return &event.SequenceConflictError{
					RunID:    runID,
					Expected: expectedSeq,
					Actual:   e.Sequence,
				}
			}
			expectedSeq++
		}
	}

	// Insert all events
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO procurement_events (id, run_id, sequence, version, type, step_name, data, output, metadata, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, e.ID, e.RunID, e.Sequence, e.Version, string(e.Type), e.StepName, e.Data, e.Output, e.Metadata, e.Timestamp)
	}

	results := tx.SendBatch(ctx, batch)

	for range events {
		_, err := results.Exec()
		if err != nil {
			results.Close()
			// Check for duplicate key error
			if isDuplicateKeyError(err) {
				return event.ErrDuplicateEvent
			}
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	// Fold the batch into each run's summary row. The advisory locks taken
	// above are held until the transaction ends, so the read-modify-write
	// here cannot race another writer on the same run.
	for runID, runEvents := range eventsByRun {
		info, err := scanRunInfo(tx.QueryRow(ctx, selectRunSQL+` WHERE run_id = $1`, runID))
		if errors.Is(err, event.ErrRunNotFound) {
			info = &event.RunInfo{}
		} else if err != nil {
			return fmt.Errorf("load run summary: %w", err)
		}
		for _, e := range runEvents {
			info.Apply(e)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO procurement_runs (run_id, workflow_name, org_id, parent_run_id, status, created_at, updated_at, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (run_id) DO UPDATE SET
				workflow_name = EXCLUDED.workflow_name,
				org_id = EXCLUDED.org_id,
				parent_run_id = EXCLUDED.parent_run_id,
				status = EXCLUDED.status,
				updated_at = EXCLUDED.updated_at,
				last_sequence = EXCLUDED.last_sequence
		`, info.RunID, info.WorkflowName, info.OrgID, info.ParentRunID, string(info.Status), info.CreatedAt, info.UpdatedAt, info.LastSequence)
		if err != nil {
			return fmt.Errorf("upsert run summary: %w", err)
		}
	}

	return nil
}

// Load retrieves all events for a workflow run, ordered by sequence.
func (s *Store) Load(ctx context.Context, runID string) ([]event.Event, error) {
	return s.loadEvents(ctx, s.pool, runID, 0)
}

// LoadTx loads events within the given transaction.
// This implements the TxEventStore interface.
// Accepts any type that provides access to a pgx.Tx.
func (s *Store) LoadTx(ctx context.Context, tx Tx, runID string) ([]event.Event, error) {
	rawTx, err := extractPgxTx(tx)
	if err != nil {
		return nil, err
	}
	return s.loadEvents(ctx, rawTx, runID, 0)
}

// LoadSince retrieves events with sequence > afterSequence, ordered by sequence.
func (s *Store) LoadSince(ctx context.Context, runID string, afterSequence int64) ([]event.Event, error) {
	return s.loadEvents(ctx, s.pool, runID, afterSequence)
}

// querier is an interface satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// loadEvents is the internal implementation for loading events.
func (s *Store) loadEvents(ctx context.Context, q querier, runID string, afterSequence int64) ([]event.Event, error) {
	rows, err := q.Query(ctx, `
		SELECT id, run_id, sequence, version, type, step_name, data, output, metadata, timestamp
		FROM procurement_events
		WHERE run_id = $1 AND sequence > $2
		ORDER BY sequence ASC
	`, runID, afterSequence)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var e event.Event
		var eventType string
		var stepName *string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Sequence, &e.Version, &eventType, &stepName, &e.Data, &e.Output, &e.Metadata, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = parseEventType(eventType)
		if stepName != nil {
			e.StepName = *stepName
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// GetLastSequence returns the highest sequence number for a run.
func (s *Store) GetLastSequence(ctx context.Context, runID string) (int64, error) {
	var lastSeq int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM procurement_events
		WHERE run_id = $1
	`, runID).Scan(&lastSeq)
	if err != nil {
		return 0, fmt.Errorf("get last sequence: %w", err)
	}
	return lastSeq, nil
}

const selectRunSQL = `
	SELECT run_id, workflow_name, org_id, parent_run_id, status, created_at, updated_at, last_sequence
	FROM procurement_runs`

// scanRunInfo scans a single summary row, mapping pgx.ErrNoRows to
// event.ErrRunNotFound.
func scanRunInfo(row pgx.Row) (*event.RunInfo, error) {
	var info event.RunInfo
	var status string
	err := row.Scan(&info.RunID, &info.WorkflowName, &info.OrgID, &info.ParentRunID, &status, &info.CreatedAt, &info.UpdatedAt, &info.LastSequence)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, event.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	info.Status = event.RunStatus(status)
	return &info, nil
}

// GetRun returns the summary for a single run.
func (s *Store) GetRun(ctx context.Context, runID string) (*event.RunInfo, error) {
	return scanRunInfo(s.pool.QueryRow(ctx, selectRunSQL+` WHERE run_id = $1`, runID))
}

// filterClause renders a RunFilter's field constraints as a WHERE clause.
// Returns an empty string when the filter matches everything.
func filterClause(filter event.RunFilter, args *[]any) string {
	var conds []string
	if filter.OrgID != "" {
		*args = append(*args, filter.OrgID)
		conds = append(conds, fmt.Sprintf("org_id = $%d", len(*args)))
	}
	if filter.WorkflowName != "" {
		*args = append(*args, filter.WorkflowName)
		conds = append(conds, fmt.Sprintf("workflow_name = $%d", len(*args)))
	}
	if filter.Status != "" {
		*args = append(*args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(*args)))
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// ListRuns returns run summaries matching the filter, most recently
// updated first.
func (s *Store) ListRuns(ctx context.Context, filter event.RunFilter) ([]event.RunInfo, error) {
	var args []any
	sql := selectRunSQL + filterClause(filter, &args)

	limit := filter.Limit
	if limit <= 0 {
		limit = event.DefaultListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	sql += fmt.Sprintf(" ORDER BY updated_at DESC, run_id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []event.RunInfo
	for rows.Next() {
		var info event.RunInfo
		var status string
		if err := rows.Scan(&info.RunID, &info.WorkflowName, &info.OrgID, &info.ParentRunID, &status, &info.CreatedAt, &info.UpdatedAt, &info.LastSequence); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		info.Status = event.RunStatus(status)
		runs = append(runs, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// CountRuns returns the number of runs matching the filter.
// Limit and Offset are ignored.
func (s *Store) CountRuns(ctx context.Context, filter event.RunFilter) (int64, error) {
	var args []any
	sql := `SELECT COUNT(*) FROM procurement_runs` + filterClause(filter, &args)

	var count int64
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return count, nil
}

// QueryByEntity returns run IDs correlated to a business entity, in the
// order the runs started. Correlation metadata is stamped on a run's
// first event, so only sequence 1 is consulted (the partial index on
// the events table covers exactly those rows).
func (s *Store) QueryByEntity(ctx context.Context, entityType, entityID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id
		FROM procurement_events
		WHERE sequence = 1
		  AND metadata->>'entity_type' = $1
		  AND metadata->>'entity_id' = $2
		ORDER BY timestamp ASC, run_id ASC
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query by entity: %w", err)
	}
	defer rows.Close()

	return scanRunIDs(rows)
}

// QueryChildren returns run IDs of child workflows spawned by parentRunID,
// oldest first.
func (s *Store) QueryChildren(ctx context.Context, parentRunID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id
		FROM procurement_runs
		WHERE parent_run_id = $1
		ORDER BY created_at ASC, run_id ASC
	`, parentRunID)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	return scanRunIDs(rows)
}

// QueryParent returns the run ID of the parent workflow, or empty string
// for root runs.
func (s *Store) QueryParent(ctx context.Context, childRunID string) (string, error) {
	var parentRunID string
	err := s.pool.QueryRow(ctx, `
		SELECT parent_run_id FROM procurement_runs WHERE run_id = $1
	`, childRunID).Scan(&parentRunID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", event.ErrRunNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query parent: %w", err)
	}
	return parentRunID, nil
}

func scanRunIDs(rows pgx.Rows) ([]string, error) {
	runIDs := []string{}
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		runIDs = append(runIDs, runID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run ids: %w", err)
	}
	return runIDs, nil
}

// RequestCancel records a cancellation request for a run. It is idempotent,
// and the run does not need to exist yet: a cancel racing the run's first
// append still lands.
func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO procurement_cancel_requests (run_id)
		VALUES ($1)
		ON CONFLICT (run_id) DO NOTHING
	`, runID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return nil
}

// IsCancelRequested reports whether a cancellation request exists for the run.
func (s *Store) IsCancelRequested(ctx context.Context, runID string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM procurement_cancel_requests WHERE run_id = $1)
	`, runID).Scan(&requested)
	if err != nil {
		return false, fmt.Errorf("check cancel request: %w", err)
	}
	return requested, nil
}

// Tx represents a database transaction for the TxEventStore interface.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PgxTxProvider is an interface for types that can provide a pgx.Tx.
// This allows different transaction wrapper types to be used with the store.
type PgxTxProvider interface {
	PgxTx() pgx.Tx
}

// pgxTx wraps a pgx.Tx to satisfy the Tx interface.
type pgxTx struct {
	pgx.Tx
}

// PgxTx returns the underlying pgx.Tx.
func (p pgxTx) PgxTx() pgx.Tx {
	return p.Tx
}

// WrapTx wraps a pgx.Tx to work with the TxEventStore interface.
func WrapTx(tx pgx.Tx) Tx {
	return pgxTx{tx}
}

// extractPgxTx extracts the underlying pgx.Tx from various wrapper types.
func extractPgxTx(tx Tx) (pgx.Tx, error) {
	// Try direct pgx.Tx first
	if pgxTx, ok := tx.(pgx.Tx); ok {
		return pgxTx, nil
	}

	// Try our wrapper
	if wrapper, ok := tx.(pgxTx); ok {
		return wrapper.Tx, nil
	}

	// Try PgxTxProvider interface
	if provider, ok := tx.(PgxTxProvider); ok {
		return provider.PgxTx(), nil
	}

	// Try to access tx field via reflection-like type assertions
	// This handles the river.pgxTxAdapter case
	type txFielder interface {
		Tx() pgx.Tx
	}
	if f, ok := tx.(txFielder); ok {
		return f.Tx(), nil
	}

	return nil, errors.New("pgstore: tx must be a pgx.Tx or implement PgxTxProvider")
}

// parseEventType converts a string to an event.EventType.
func parseEventType(s string) event.EventType {
	switch s {
	case "workflow.started":
		return event.EventWorkflowStarted
	case "workflow.completed":
		return event.EventWorkflowCompleted
	case "workflow.failed":
		return event.EventWorkflowFailed
	case "workflow.cancelled":
		return event.EventWorkflowCancelled
	case "step.started":
		return event.EventStepStarted
	case "step.completed":
		return event.EventStepCompleted
	case "step.failed":
		return event.EventStepFailed
	case "branch.evaluated":
		return event.EventBranchEvaluated
	case "signal.waiting":
		return event.EventSignalWaiting
	case "signal.received":
		return event.EventSignalReceived
	case "signal.timeout":
		return event.EventSignalTimeout
	case "child.spawned":
		return event.EventChildSpawned
	case "child.completed":
		return event.EventChildCompleted
	case "child.failed":
		return event.EventChildFailed
	case "map.started":
		return event.EventMapStarted
	case "map.completed":
		return event.EventMapCompleted
	case "map.failed":
		return event.EventMapFailed
	case "action.registered":
		return event.EventActionRegistered
	default:
		return event.EventType(s)
	}
}

// isDuplicateKeyError checks if the error is a PostgreSQL duplicate key violation.
func isDuplicateKeyError(err error) bool {
	// PostgreSQL error code 23505 is unique_violation
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
