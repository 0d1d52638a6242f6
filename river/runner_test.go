//go:build integration

package river_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aksrustagi/talos-sub002/event/pgstore"
	"github.com/aksrustagi/talos-sub002/river"
	"github.com/aksrustagi/talos-sub002/workflow"
)

// testLogger implements river.Logger for tests.
type testLogger struct {
	t *testing.T
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.t.Helper()
	l.t.Logf("DEBUG: %s %v", msg, keysAndValues)
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.t.Helper()
	l.t.Logf("INFO: %s %v", msg, keysAndValues)
}

func (l *testLogger) Warn(msg string, keysAndValues ...any) {
	l.t.Helper()
	l.t.Logf("WARN: %s %v", msg, keysAndValues)
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.t.Helper()
	l.t.Logf("ERROR: %s %v", msg, keysAndValues)
}

// setupTestDB creates a PostgreSQL container with River's queue tables and
// the event store schema applied.
func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("talos_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to create pool: %v", err)
	}

	if err := river.Migrate(ctx, pool); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("failed to run migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		container.Terminate(ctx)
	}

	return pool, cleanup
}

// Requisition workflow fixture: validate -> place order.
type RequisitionInput struct {
	RequisitionID string  `json:"requisitionId"`
	Amount        float64 `json:"amount"`
}

type ValidationOutput struct {
	Valid bool `json:"valid"`
}

type OrderOutput struct {
	OrderID string `json:"orderId"`
}

var validateRequisition = workflow.NewStep("validate-requisition", func(ctx workflow.Context) (ValidationOutput, error) {
	input := workflow.MustInput[RequisitionInput](ctx)
	return ValidationOutput{Valid: input.Amount > 0}, nil
})

var placeOrder = workflow.NewStep("place-order", func(ctx workflow.Context) (OrderOutput, error) {
	validation := validateRequisition.MustOutput(ctx)
	if !validation.Valid {
		return OrderOutput{}, errors.New("requisition failed validation")
	}
	input := workflow.MustInput[RequisitionInput](ctx)
	return OrderOutput{OrderID: "po-" + input.RequisitionID}, nil
})

var requisitionWorkflow = workflow.Define("requisition_processing",
	validateRequisition.After(),
	placeOrder.After(validateRequisition),
)

// Invoice matching fixture that fails on a variance.
type InvoiceInput struct {
	InvoiceID string  `json:"invoiceId"`
	Variance  float64 `json:"variance"`
}

type MatchOutput struct {
	Matched bool `json:"matched"`
}

var matchInvoice = workflow.NewStep("match-invoice", func(ctx workflow.Context) (MatchOutput, error) {
	input := workflow.MustInput[InvoiceInput](ctx)
	if input.Variance > 100 {
		return MatchOutput{}, errors.New("invoice variance exceeds tolerance")
	}
	return MatchOutput{Matched: true}, nil
})

var invoiceWorkflow = workflow.Define("invoice_validation",
	matchInvoice.After(),
)

// Approval fixture that parks on a signal.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver"`
}

var awaitApproval = workflow.NewStep("await-approval", func(ctx workflow.Context) (ApprovalDecision, error) {
	return workflow.WaitForSignalTyped[ApprovalDecision](ctx, "approval:manager", 5*time.Minute)
})

var approvalWorkflow = workflow.Define("approval_wait",
	awaitApproval.After(),
)

func newTestRunner(t *testing.T, pool *pgxpool.Pool, workers int, defs ...*workflow.WorkflowDef) river.Runner {
	t.Helper()

	registry := river.NewRegistry()
	for _, def := range defs {
		registry.Register(def)
	}

	r, err := river.NewRunner(river.Config{
		Pool:     pool,
		Store:    pgstore.New(pool),
		Registry: registry,
		Logger:   &testLogger{t: t},
		Workers:  workers,
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	return r
}

func TestRunner_Lifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := newTestRunner(t, pool, 2, requisitionWorkflow)
	ctx := context.Background()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestRunner_StartWorkflow(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := newTestRunner(t, pool, 0, requisitionWorkflow)
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop(ctx)

	t.Run("valid workflow", func(t *testing.T) {
		input, _ := json.Marshal(RequisitionInput{RequisitionID: "req-2041", Amount: 1200})
		runID, err := r.StartWorkflow(ctx, "requisition_processing", input, river.StartOptions{
			OrgID:      "org-acme",
			EntityType: "requisition",
			EntityID:   "req-2041",
		})
		if err != nil {
			t.Fatalf("StartWorkflow() error = %v", err)
		}
		if runID == "" {
			t.Fatal("StartWorkflow() returned empty runID")
		}

		run, err := r.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}
		if run.WorkflowName != "requisition_processing" {
			t.Errorf("Run.WorkflowName = %q, want %q", run.WorkflowName, "requisition_processing")
		}
		if run.OrgID != "org-acme" {
			t.Errorf("Run.OrgID = %q, want %q", run.OrgID, "org-acme")
		}
	})

	t.Run("unknown workflow", func(t *testing.T) {
		_, err := r.StartWorkflow(ctx, "unknown_workflow", nil, river.StartOptions{})
		if !errors.Is(err, river.ErrWorkflowNotFound) {
			t.Errorf("StartWorkflow() error = %v, want ErrWorkflowNotFound", err)
		}
	})

	t.Run("fixed run ID", func(t *testing.T) {
		input, _ := json.Marshal(RequisitionInput{RequisitionID: "req-7", Amount: 50})
		runID, err := r.StartWorkflow(ctx, "requisition_processing", input, river.StartOptions{
			RunID: "run-fixed-7",
		})
		if err != nil {
			t.Fatalf("StartWorkflow() error = %v", err)
		}
		if runID != "run-fixed-7" {
			t.Errorf("StartWorkflow() runID = %q, want %q", runID, "run-fixed-7")
		}
	})
}

func TestRunner_WorkflowCompletion(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := newTestRunner(t, pool, 2, requisitionWorkflow)
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop(ctx)

	input, _ := json.Marshal(RequisitionInput{RequisitionID: "req-2041", Amount: 1200})
	runID, err := r.StartWorkflow(ctx, "requisition_processing", input, river.StartOptions{OrgID: "org-acme"})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := r.AwaitResult(awaitCtx, runID)
	if err != nil {
		t.Fatalf("AwaitResult() error = %v", err)
	}
	if result.Status != river.RunStatusCompleted {
		t.Fatalf("result.Status = %q, want %q", result.Status, river.RunStatusCompleted)
	}

	var order OrderOutput
	if err := json.Unmarshal(result.Results["place-order"], &order); err != nil {
		t.Fatalf("unmarshal place-order result: %v", err)
	}
	if order.OrderID != "po-req-2041" {
		t.Errorf("OrderID = %q, want %q", order.OrderID, "po-req-2041")
	}

	progress, err := r.QueryProgress(ctx, runID)
	if err != nil {
		t.Fatalf("QueryProgress() error = %v", err)
	}
	if progress.CompletedSteps != progress.TotalSteps {
		t.Errorf("CompletedSteps = %d, want %d", progress.CompletedSteps, progress.TotalSteps)
	}
}

func TestRunner_WorkflowFailure(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := newTestRunner(t, pool, 2, invoiceWorkflow)
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop(ctx)

	input, _ := json.Marshal(InvoiceInput{InvoiceID: "inv-830", Variance: 250})
	runID, err := r.StartWorkflow(ctx, "invoice_validation", input, river.StartOptions{})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := r.AwaitResult(awaitCtx, runID)
	if !errors.Is(err, river.ErrRunFailed) {
		t.Fatalf("AwaitResult() error = %v, want ErrRunFailed", err)
	}
	if result == nil {
		t.Fatal("AwaitResult() result = nil, want partial result")
	}
	if result.Status != river.RunStatusFailed {
		t.Errorf("result.Status = %q, want %q", result.Status, river.RunStatusFailed)
	}
	if result.Error == "" {
		t.Error("result.Error is empty, want failure message")
	}
}

func TestRunner_SendSignal(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := newTestRunner(t, pool, 2, approvalWorkflow)
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop(ctx)

	runID, err := r.StartWorkflow(ctx, "approval_wait", nil, river.StartOptions{})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	// Wait until the run parks on the signal.
	deadline := time.Now().Add(15 * time.Second)
	for {
		run, err := r.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}
		if run.Status == river.RunStatusWaiting {
			break
		}
		if run.Status.IsTerminal() {
			t.Fatalf("run reached %q before the signal", run.Status)
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never parked on the signal, status %q", run.Status)
		}
		time.Sleep(100 * time.Millisecond)
	}

	payload, _ := json.Marshal(ApprovalDecision{Approved: true, Approver: "manager-17"})
	if err := r.SendSignal(ctx, runID, "approval:manager", payload); err != nil {
		t.Fatalf("SendSignal() error = %v", err)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := r.AwaitResult(awaitCtx, runID)
	if err != nil {
		t.Fatalf("AwaitResult() error = %v", err)
	}

	var decision ApprovalDecision
	if err := json.Unmarshal(result.Results["await-approval"], &decision); err != nil {
		t.Fatalf("unmarshal await-approval result: %v", err)
	}
	if !decision.Approved || decision.Approver != "manager-17" {
		t.Errorf("decision = %+v, want approved by manager-17", decision)
	}
}

func TestRunner_CancelWorkflow(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := newTestRunner(t, pool, 2, approvalWorkflow)
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop(ctx)

	runID, err := r.StartWorkflow(ctx, "approval_wait", nil, river.StartOptions{})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	if err := r.CancelWorkflow(ctx, runID, "requisition withdrawn"); err != nil {
		t.Fatalf("CancelWorkflow() error = %v", err)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := r.AwaitResult(awaitCtx, runID)
	if !errors.Is(err, river.ErrRunCancelled) {
		t.Fatalf("AwaitResult() error = %v, want ErrRunCancelled", err)
	}
	if result.Status != river.RunStatusCancelled {
		t.Errorf("result.Status = %q, want %q", result.Status, river.RunStatusCancelled)
	}

	// Cancelling a finished run reports ErrRunFinished.
	if err := r.CancelWorkflow(ctx, runID, "again"); !errors.Is(err, river.ErrRunFinished) {
		t.Errorf("second CancelWorkflow() error = %v, want ErrRunFinished", err)
	}
}

func TestRunner_ListRuns(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := newTestRunner(t, pool, 2, requisitionWorkflow, invoiceWorkflow)
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop(ctx)

	reqInput, _ := json.Marshal(RequisitionInput{RequisitionID: "req-1", Amount: 10})
	invInput, _ := json.Marshal(InvoiceInput{InvoiceID: "inv-1", Variance: 0})

	runA, err := r.StartWorkflow(ctx, "requisition_processing", reqInput, river.StartOptions{OrgID: "org-acme"})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	runB, err := r.StartWorkflow(ctx, "invoice_validation", invInput, river.StartOptions{OrgID: "org-acme"})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := r.AwaitResult(awaitCtx, runA); err != nil {
		t.Fatalf("AwaitResult(runA) error = %v", err)
	}
	if _, err := r.AwaitResult(awaitCtx, runB); err != nil {
		t.Fatalf("AwaitResult(runB) error = %v", err)
	}

	all, err := r.ListRuns(ctx, river.RunFilter{OrgID: "org-acme"})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListRuns() returned %d runs, want 2", len(all))
	}

	invoices, err := r.ListRuns(ctx, river.RunFilter{WorkflowName: "invoice_validation"})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(invoices) != 1 || invoices[0].ID != runB {
		t.Errorf("ListRuns(invoice_validation) = %+v, want just %s", invoices, runB)
	}
}

func TestRunner_GetHistory(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := newTestRunner(t, pool, 2, requisitionWorkflow)
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop(ctx)

	input, _ := json.Marshal(RequisitionInput{RequisitionID: "req-9", Amount: 75})
	runID, err := r.StartWorkflow(ctx, "requisition_processing", input, river.StartOptions{})
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := r.AwaitResult(awaitCtx, runID); err != nil {
		t.Fatalf("AwaitResult() error = %v", err)
	}

	history, err := r.GetHistory(ctx, runID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) < 3 {
		t.Fatalf("GetHistory() returned %d events, want at least 3", len(history))
	}

	for i := 1; i < len(history); i++ {
		if history[i].Sequence != history[i-1].Sequence+1 {
			t.Errorf("sequence gap: %d follows %d", history[i].Sequence, history[i-1].Sequence)
		}
	}
	if history[0].Type != "workflow.started" {
		t.Errorf("first event = %q, want workflow.started", history[0].Type)
	}
	if history[len(history)-1].Type != "workflow.completed" {
		t.Errorf("last event = %q, want workflow.completed", history[len(history)-1].Type)
	}
}

func TestRunner_NotStarted(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := newTestRunner(t, pool, 0, requisitionWorkflow)
	ctx := context.Background()

	_, err := r.StartWorkflow(ctx, "requisition_processing", nil, river.StartOptions{})
	if !errors.Is(err, river.ErrRunnerNotStarted) {
		t.Errorf("StartWorkflow() error = %v, want ErrRunnerNotStarted", err)
	}
}

func TestRunner_DoubleStart(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := newTestRunner(t, pool, 0, requisitionWorkflow)
	ctx := context.Background()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	defer r.Stop(ctx)

	if err := r.Start(ctx); !errors.Is(err, river.ErrRunnerAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrRunnerAlreadyStarted", err)
	}
}

func TestRunner_RunNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	r := newTestRunner(t, pool, 0)
	ctx := context.Background()

	if _, err := r.GetRun(ctx, "no-such-run"); !errors.Is(err, river.ErrRunNotFound) {
		t.Errorf("GetRun() error = %v, want ErrRunNotFound", err)
	}
	if _, err := r.GetHistory(ctx, "no-such-run"); !errors.Is(err, river.ErrRunNotFound) {
		t.Errorf("GetHistory() error = %v, want ErrRunNotFound", err)
	}
}
