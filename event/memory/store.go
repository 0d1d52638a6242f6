// Package memory provides an in-memory implementation of the event
// store contracts: event.EventStore, event.RunLister, and
// event.CancelStore, plus the optional query interfaces. It is
// suitable for tests and development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aksrustagi/talos-sub002/event"
	"github.com/aksrustagi/talos-sub002/query"
)

// Store is a thread-safe in-memory event store.
// The zero value is ready for use.
type Store struct {
	mu       sync.RWMutex
	events   map[string][]event.Event  // runID -> events (sorted by sequence)
	ids      map[string]struct{}       // set of all event IDs for duplicate detection
	runs     map[string]*event.RunInfo // runID -> summary, folded on append
	cancels  map[string]struct{}       // runIDs with a pending cancellation request
	entities map[string][]string       // entityType+entityID -> runIDs, in start order
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

// New creates a new in-memory event store.
func New() *Store {
	return &Store{
		events:   make(map[string][]event.Event),
		ids:      make(map[string]struct{}),
		runs:     make(map[string]*event.RunInfo),
		cancels:  make(map[string]struct{}),
		entities: make(map[string][]string),
	}
}

// init lazily initializes maps so the zero value works.
// Caller must hold s.mu.
func (s *Store) init() {
	if s.events == nil {
		s.events = make(map[string][]event.Event)
	}
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}
	if s.runs == nil {
		s.runs = make(map[string]*event.RunInfo)
	}
	if s.cancels == nil {
		s.cancels = make(map[string]struct{})
	}
	if s.entities == nil {
		s.entities = make(map[string][]string)
	}
}

// Append adds a single event to the store.
// Returns ErrSequenceConflict if event.Sequence != lastSequence + 1.
// Returns ErrDuplicateEvent if an event with the same ID already exists.
func (s *Store) Append(ctx context.Context, e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(e)
}

// appendLocked adds an event without acquiring the lock.
// Caller must hold s.mu.
func (s *Store) appendLocked(e event.Event) error {
	s.init()

	// Check for duplicate event ID
	if _, exists := s.ids[e.ID]; exists {
		return event.ErrDuplicateEvent
	}

	// Validate sequence
	runEvents := s.events[e.RunID]
	expectedSeq := int64(len(runEvents)) + 1
	if e.Sequence != expectedSeq {
		return &event.SequenceConflictError{
			RunID:    e.RunID,
			Expected: expectedSeq,
			Actual:   e.Sequence,
		}
	}

	// Append the event and fold it into the run summary
	s.events[e.RunID] = append(runEvents, e)
	s.ids[e.ID] = struct{}{}
	s.foldLocked(e)

	return nil
}

// foldLocked updates the run summary row for an appended event.
// The run's first event also registers any entity correlation carried
// in its metadata.
// Caller must hold s.mu.
func (s *Store) foldLocked(e event.Event) {
	info, ok := s.runs[e.RunID]
	if !ok {
		info = &event.RunInfo{}
		s.runs[e.RunID] = info

		entityType := e.Metadata[event.MetaEntityType]
		entityID := e.Metadata[event.MetaEntityID]
		if entityType != "" && entityID != "" {
			key := entityKey(entityType, entityID)
			s.entities[key] = append(s.entities[key], e.RunID)
		}
	}
	info.Apply(e)
}

func entityKey(entityType, entityID string) string {
	return entityType + "\x00" + entityID
}

// AppendBatch adds multiple events atomically.
// All events must have consecutive sequence numbers starting from
// lastSequence + 1. A batch may span multiple runs (a parent run plus
// adopted child streams); sequences validate per run. If any event
// fails validation, no events are appended.
func (s *Store) AppendBatch(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.init()

	// Validate all events before appending any.
	// Track new IDs to check for duplicates within the batch.
	newIDs := make(map[string]struct{}, len(events))

	// Group events by runID for sequence validation
	runSequences := make(map[string]int64)
	for runID, runEvents := range s.events {
		runSequences[runID] = int64(len(runEvents))
	}

	for _, e := range events {
		// Check for duplicate with existing events
		if _, exists := s.ids[e.ID]; exists {
			return event.ErrDuplicateEvent
		}

		// Check for duplicate within batch
		if _, exists := newIDs[e.ID]; exists {
			return event.ErrDuplicateEvent
		}
		newIDs[e.ID] = struct{}{}

		// Validate sequence
		expectedSeq := runSequences[e.RunID] + 1
		if e.Sequence != expectedSeq {
			return &event.SequenceConflictError{
				RunID:    e.RunID,
				Expected: expectedSeq,
				Actual:   e.Sequence,
			}
		}
		runSequences[e.RunID] = e.Sequence
	}

	// All validation passed, append events
	for _, e := range events {
		s.events[e.RunID] = append(s.events[e.RunID], e)
		s.ids[e.ID] = struct{}{}
		s.foldLocked(e)
	}

	return nil
}

// Load retrieves all events for a workflow run, ordered by sequence.
// Returns an empty slice if the run doesn't exist or has no events.
func (s *Store) Load(ctx context.Context, runID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runEvents := s.events[runID]
	if len(runEvents) == 0 {
		return []event.Event{}, nil
	}

	// Return a copy to prevent external modification
	result := make([]event.Event, len(runEvents))
	copy(result, runEvents)
	return result, nil
}

// LoadSince retrieves events with sequence > afterSequence, ordered by sequence.
// Returns an empty slice if no events match.
func (s *Store) LoadSince(ctx context.Context, runID string, afterSequence int64) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runEvents := s.events[runID]
	if len(runEvents) == 0 {
		return []event.Event{}, nil
	}

	// Since sequences are 1-indexed and gapless, afterSequence corresponds to index afterSequence-1
	// We want events with sequence > afterSequence, so start from index afterSequence
	startIdx := max(int(afterSequence), 0)
	if startIdx >= len(runEvents) {
		return []event.Event{}, nil
	}

	// Return a copy to prevent external modification
	result := make([]event.Event, len(runEvents)-startIdx)
	copy(result, runEvents[startIdx:])
	return result, nil
}

// GetLastSequence returns the highest sequence number for a run.
// Returns 0 if the run doesn't exist or has no events.
func (s *Store) GetLastSequence(ctx context.Context, runID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.events[runID])), nil
}

// ListRuns returns run summaries matching the filter, most recently
// updated first.
func (s *Store) ListRuns(ctx context.Context, filter event.RunFilter) ([]event.RunInfo, error) {
	s.mu.RLock()
	matched := make([]event.RunInfo, 0, len(s.runs))
	for _, info := range s.runs {
		if filter.Matches(*info) {
			matched = append(matched, *info)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].RunID > matched[j].RunID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = event.DefaultListLimit
	}
	offset := max(filter.Offset, 0)
	if offset >= len(matched) {
		return []event.RunInfo{}, nil
	}
	end := min(offset+limit, len(matched))
	return matched[offset:end], nil
}

// GetRun returns the summary for a single run.
func (s *Store) GetRun(ctx context.Context, runID string) (*event.RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.runs[runID]
	if !ok {
		return nil, event.ErrRunNotFound
	}
	out := *info
	return &out, nil
}

// RequestCancel marks a run for cancellation. Idempotent; requesting
// cancellation for an unknown run is allowed so a cancel racing the
// first append still lands.
func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.init()
	s.cancels[runID] = struct{}{}
	return nil
}

// IsCancelRequested reports whether cancellation has been requested.
func (s *Store) IsCancelRequested(ctx context.Context, runID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.cancels[runID]
	return ok, nil
}

// CountRuns returns the number of runs matching the filter.
// Limit and Offset are ignored.
func (s *Store) CountRuns(ctx context.Context, filter event.RunFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, info := range s.runs {
		if filter.Matches(*info) {
			count++
		}
	}
	return count, nil
}

// QueryByEntity returns run IDs correlated to a business entity, in the
// order the runs started.
func (s *Store) QueryByEntity(ctx context.Context, entityType, entityID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runIDs := s.entities[entityKey(entityType, entityID)]
	result := make([]string, len(runIDs))
	copy(result, runIDs)
	return result, nil
}

// QueryChildren returns run IDs of child workflows spawned by parentRunID,
// oldest first.
func (s *Store) QueryChildren(ctx context.Context, parentRunID string) ([]string, error) {
	s.mu.RLock()
	children := make([]event.RunInfo, 0, 4)
	for _, info := range s.runs {
		if info.ParentRunID == parentRunID {
			children = append(children, *info)
		}
	}
	s.mu.RUnlock()

	sort.Slice(children, func(i, j int) bool {
		if !children[i].CreatedAt.Equal(children[j].CreatedAt) {
			return children[i].CreatedAt.Before(children[j].CreatedAt)
		}
		return children[i].RunID < children[j].RunID
	})

	result := make([]string, len(children))
	for i, info := range children {
		result[i] = info.RunID
	}
	return result, nil
}

// QueryParent returns the run ID of the parent workflow, or empty string
// for root runs.
func (s *Store) QueryParent(ctx context.Context, childRunID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.runs[childRunID]
	if !ok {
		return "", event.ErrRunNotFound
	}
	return info.ParentRunID, nil
}
