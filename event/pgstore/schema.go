package pgstore

// Schema is the DDL for the tables the store needs: the append-only event
// log, the folded per-run summaries, and pending cancellation requests.
// The migrate command applies it on deploy; integration tests apply it to
// their throwaway database. Every statement is idempotent so reapplying is
// safe.
const Schema = `
CREATE TABLE IF NOT EXISTS procurement_events (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	type TEXT NOT NULL,
	step_name TEXT,
	data JSONB,
	output JSONB,
	metadata JSONB,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT procurement_events_run_sequence UNIQUE (run_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_procurement_events_run_id ON procurement_events (run_id, sequence);
CREATE INDEX IF NOT EXISTS idx_procurement_events_entity
	ON procurement_events ((metadata->>'entity_type'), (metadata->>'entity_id'))
	WHERE sequence = 1;

CREATE TABLE IF NOT EXISTS procurement_runs (
	run_id TEXT PRIMARY KEY,
	workflow_name TEXT NOT NULL DEFAULT '',
	org_id TEXT NOT NULL DEFAULT '',
	parent_run_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_sequence BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_procurement_runs_org ON procurement_runs (org_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_procurement_runs_workflow ON procurement_runs (workflow_name, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_procurement_runs_parent ON procurement_runs (parent_run_id) WHERE parent_run_id <> '';

CREATE TABLE IF NOT EXISTS procurement_cancel_requests (
	run_id TEXT PRIMARY KEY,
	requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
