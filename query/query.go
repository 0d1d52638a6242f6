// Package query defines optional interfaces for extending event store
// implementations with dashboard-specific query capabilities.
//
// Following Rob Pike's principle: "The bigger the interface, the weaker the
// abstraction." Each interface has a single method, allowing stores to
// implement only what they need.
//
// These interfaces are OPTIONAL. API and dashboard code should type-assert
// to check whether a store implements the desired capability:
//
//	if counter, ok := store.(query.RunCounter); ok {
//	    total, err := counter.CountRuns(ctx, filter)
//	    // use total for pagination
//	}
//
// Stores that don't implement these interfaces still work everywhere else;
// callers fall back to plain listings without totals or entity lookups.
package query

import (
	"context"

	"github.com/aksrustagi/talos-sub002/event"
)

// RunCounter enables efficient counting of runs matching a filter.
// Implement this to support pagination totals without loading all summaries.
type RunCounter interface {
	// CountRuns returns the total number of runs matching the filter.
	// The Limit and Offset fields are ignored for counting.
	CountRuns(ctx context.Context, filter event.RunFilter) (int64, error)
}

// EntityQuerier enables finding workflow runs by business entity.
// Entity correlation rides in event metadata under the keys
// event.MetaEntityType and event.MetaEntityID, stamped when a run starts.
//
// Example: find every run touching a specific requisition:
//
//	runIDs, err := querier.QueryByEntity(ctx, "requisition", "req-2041")
type EntityQuerier interface {
	// QueryByEntity returns run IDs for workflows correlated to an entity,
	// e.g. a requisition, invoice, vendor, or contract.
	// Returns an empty slice if no workflows match.
	QueryByEntity(ctx context.Context, entityType, entityID string) ([]string, error)
}

// ChildQuerier enables finding child workflows spawned by a parent run,
// such as the per-product anomaly investigations fanned out by a catalog
// sync.
type ChildQuerier interface {
	// QueryChildren returns run IDs of child workflows spawned by parentRunID.
	// Returns an empty slice if the parent has no children.
	QueryChildren(ctx context.Context, parentRunID string) ([]string, error)
}

// ParentQuerier enables finding the parent of a child workflow.
// This is the inverse of ChildQuerier.
type ParentQuerier interface {
	// QueryParent returns the run ID of the parent workflow.
	// Returns empty string if the run has no parent (is a root workflow).
	QueryParent(ctx context.Context, childRunID string) (string, error)
}
