package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestSequenceConflictError(t *testing.T) {
	tests := []struct {
		name string
		err  *SequenceConflictError
		want string
	}{
		{
			name: "basic error message",
			err: &SequenceConflictError{
				RunID:    "run-req-2041",
				Expected: 5,
				Actual:   3,
			},
			want: "sequence conflict for run run-req-2041: expected 5, got 3",
		},
		{
			name: "first event",
			err: &SequenceConflictError{
				RunID:    "run-inv-830",
				Expected: 1,
				Actual:   2,
			},
			want: "sequence conflict for run run-inv-830: expected 1, got 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if msg := tt.err.Error(); msg != tt.want {
				t.Errorf("Error message = %q, want %q", msg, tt.want)
			}
		})
	}
}

func TestSequenceConflictError_Unwrap(t *testing.T) {
	err := &SequenceConflictError{
		RunID:    "run-req-2041",
		Expected: 5,
		Actual:   3,
	}

	if !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("SequenceConflictError should unwrap to ErrSequenceConflict")
	}
	if errors.Is(err, ErrDuplicateEvent) {
		t.Errorf("SequenceConflictError should not match ErrDuplicateEvent")
	}
}

func TestSentinelErrors(t *testing.T) {
	if errors.Is(ErrSequenceConflict, ErrDuplicateEvent) {
		t.Errorf("ErrSequenceConflict should not match ErrDuplicateEvent")
	}

	if ErrSequenceConflict.Error() != "sequence conflict" {
		t.Errorf("ErrSequenceConflict message = %q, want %q", ErrSequenceConflict.Error(), "sequence conflict")
	}
	if ErrDuplicateEvent.Error() != "duplicate event ID" {
		t.Errorf("ErrDuplicateEvent message = %q, want %q", ErrDuplicateEvent.Error(), "duplicate event ID")
	}
	if ErrRunNotFound.Error() != "run not found" {
		t.Errorf("ErrRunNotFound message = %q, want %q", ErrRunNotFound.Error(), "run not found")
	}
}

func TestStatusAfter(t *testing.T) {
	tests := []struct {
		name string
		prev RunStatus
		et   EventType
		want RunStatus
	}{
		{"started begins running", "", EventWorkflowStarted, RunRunning},
		{"first event of unknown type runs", "", EventStepStarted, RunRunning},
		{"signal wait parks", RunRunning, EventSignalWaiting, RunWaiting},
		{"signal received resumes", RunWaiting, EventSignalReceived, RunRunning},
		{"signal timeout resumes", RunWaiting, EventSignalTimeout, RunRunning},
		{"completion is terminal", RunRunning, EventWorkflowCompleted, RunCompleted},
		{"failure is terminal", RunRunning, EventWorkflowFailed, RunFailed},
		{"cancellation is terminal", RunWaiting, EventWorkflowCancelled, RunCancelled},
		{"step events keep status", RunRunning, EventStepCompleted, RunRunning},
		{"terminal status is sticky", RunCompleted, EventStepCompleted, RunCompleted},
		{"failed stays failed", RunFailed, EventWorkflowCompleted, RunFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusAfter(tt.prev, tt.et); got != tt.want {
				t.Errorf("StatusAfter(%q, %q) = %q, want %q", tt.prev, tt.et, got, tt.want)
			}
		})
	}
}

func TestRunInfo_Apply(t *testing.T) {
	started := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	startedData, _ := json.Marshal(WorkflowStartedData{
		WorkflowName: "invoice_validation",
		Version:      "1",
		Input:        json.RawMessage(`{"invoiceId":"inv-830"}`),
	})

	var ri RunInfo
	ri.Apply(Event{
		ID:        "evt-1",
		RunID:     "run-inv-830",
		Sequence:  1,
		Type:      EventWorkflowStarted,
		Data:      startedData,
		Timestamp: started,
		Metadata: map[string]string{
			MetaOrgID:       "org-acme",
			MetaParentRunID: "run-parent",
		},
	})

	if ri.RunID != "run-inv-830" {
		t.Errorf("RunID = %q, want run-inv-830", ri.RunID)
	}
	if ri.WorkflowName != "invoice_validation" {
		t.Errorf("WorkflowName = %q, want invoice_validation", ri.WorkflowName)
	}
	if ri.OrgID != "org-acme" {
		t.Errorf("OrgID = %q, want org-acme", ri.OrgID)
	}
	if ri.ParentRunID != "run-parent" {
		t.Errorf("ParentRunID = %q, want run-parent", ri.ParentRunID)
	}
	if ri.Status != RunRunning {
		t.Errorf("Status = %q, want running", ri.Status)
	}
	if !ri.CreatedAt.Equal(started) || !ri.UpdatedAt.Equal(started) {
		t.Errorf("timestamps = %v/%v, want both %v", ri.CreatedAt, ri.UpdatedAt, started)
	}
	if ri.LastSequence != 1 {
		t.Errorf("LastSequence = %d, want 1", ri.LastSequence)
	}

	// Later events advance UpdatedAt and LastSequence but keep identity.
	later := started.Add(2 * time.Second)
	ri.Apply(Event{
		ID:        "evt-2",
		RunID:     "run-inv-830",
		Sequence:  2,
		Type:      EventWorkflowCompleted,
		Timestamp: later,
	})

	if ri.Status != RunCompleted {
		t.Errorf("Status = %q, want completed", ri.Status)
	}
	if !ri.CreatedAt.Equal(started) {
		t.Errorf("CreatedAt moved to %v", ri.CreatedAt)
	}
	if !ri.UpdatedAt.Equal(later) {
		t.Errorf("UpdatedAt = %v, want %v", ri.UpdatedAt, later)
	}
	if ri.LastSequence != 2 {
		t.Errorf("LastSequence = %d, want 2", ri.LastSequence)
	}
}

func TestRunFilter_Matches(t *testing.T) {
	info := RunInfo{
		RunID:        "run-req-2041",
		WorkflowName: "requisition_processing",
		OrgID:        "org-acme",
		Status:       RunWaiting,
	}

	tests := []struct {
		name   string
		filter RunFilter
		want   bool
	}{
		{"zero filter matches", RunFilter{}, true},
		{"org match", RunFilter{OrgID: "org-acme"}, true},
		{"org mismatch", RunFilter{OrgID: "org-other"}, false},
		{"workflow match", RunFilter{WorkflowName: "requisition_processing"}, true},
		{"workflow mismatch", RunFilter{WorkflowName: "catalog_sync"}, false},
		{"status match", RunFilter{Status: RunWaiting}, true},
		{"status mismatch", RunFilter{Status: RunFailed}, false},
		{"all fields must match", RunFilter{OrgID: "org-acme", WorkflowName: "requisition_processing", Status: RunRunning}, false},
		{"limit and offset ignored", RunFilter{Limit: 1, Offset: 99}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(info); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
