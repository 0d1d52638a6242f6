package river

import (
	"encoding/json"
	"testing"
)

func TestRunJobArgs(t *testing.T) {
	args := RunJobArgs{
		RunID:        "run-req-2041",
		WorkflowName: "requisition_processing",
		Version:      "2",
	}

	if got := args.Kind(); got != JobKindRun {
		t.Errorf("Kind() = %q, want %q", got, JobKindRun)
	}
	if got := args.InsertOpts().MaxAttempts; got != 3 {
		t.Errorf("InsertOpts().MaxAttempts = %d, want 3", got)
	}

	data, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded RunJobArgs
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded != args {
		t.Errorf("roundtrip = %+v, want %+v", decoded, args)
	}
}

func TestRunJobArgs_VersionOmittedWhenEmpty(t *testing.T) {
	data, err := json.Marshal(RunJobArgs{RunID: "run-1", WorkflowName: "price_watch_scan"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, ok := fields["version"]; ok {
		t.Errorf("empty version serialized: %s", data)
	}
	if _, ok := fields["run_id"]; !ok {
		t.Errorf("run_id missing: %s", data)
	}
	if _, ok := fields["workflow_name"]; !ok {
		t.Errorf("workflow_name missing: %s", data)
	}
}

func TestSignalTimeoutJobArgs(t *testing.T) {
	args := SignalTimeoutJobArgs{
		RunID:      "run-req-2041",
		SignalName: "approval:manager",
	}

	if got := args.Kind(); got != JobKindSignalTimeout {
		t.Errorf("Kind() = %q, want %q", got, JobKindSignalTimeout)
	}
	if got := args.InsertOpts().MaxAttempts; got != 3 {
		t.Errorf("InsertOpts().MaxAttempts = %d, want 3", got)
	}

	data, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded SignalTimeoutJobArgs
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded != args {
		t.Errorf("roundtrip = %+v, want %+v", decoded, args)
	}
}

func TestScheduledStartJobArgs(t *testing.T) {
	args := ScheduledStartJobArgs{
		WorkflowName: "catalog_sync",
		Input:        json.RawMessage(`{"vendorId":"vendor-77"}`),
		OrgID:        "org-acme",
		Priority:     2,
	}

	if got := args.Kind(); got != JobKindScheduledStart {
		t.Errorf("Kind() = %q, want %q", got, JobKindScheduledStart)
	}
	if got := args.InsertOpts().MaxAttempts; got != 3 {
		t.Errorf("InsertOpts().MaxAttempts = %d, want 3", got)
	}

	data, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded ScheduledStartJobArgs
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.WorkflowName != args.WorkflowName || decoded.OrgID != args.OrgID || decoded.Priority != args.Priority {
		t.Errorf("roundtrip = %+v, want %+v", decoded, args)
	}
	if string(decoded.Input) != string(args.Input) {
		t.Errorf("Input = %s, want %s", decoded.Input, args.Input)
	}
}

func TestScheduledStartJobArgs_RunIDOmittedForPeriodic(t *testing.T) {
	// Periodic schedules leave RunID empty so each tick gets a fresh run;
	// the field must not serialize as an empty string.
	data, err := json.Marshal(ScheduledStartJobArgs{WorkflowName: "price_watch_scan", OrgID: "org-acme"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, ok := fields["run_id"]; ok {
		t.Errorf("empty run_id serialized: %s", data)
	}
	if _, ok := fields["priority"]; ok {
		t.Errorf("zero priority serialized: %s", data)
	}
}

func TestJobKindsAreDistinct(t *testing.T) {
	kinds := map[string]bool{
		RunJobArgs{}.Kind():            true,
		SignalTimeoutJobArgs{}.Kind():  true,
		ScheduledStartJobArgs{}.Kind(): true,
	}
	if len(kinds) != 3 {
		t.Errorf("job kinds collide: %v", kinds)
	}
}
