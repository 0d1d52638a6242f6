package procurement

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aksrustagi/talos-sub002/anomaly"
	"github.com/aksrustagi/talos-sub002/pricing"
	"github.com/aksrustagi/talos-sub002/pricing/regime"
	"github.com/aksrustagi/talos-sub002/workflow"
)

// fakeAgents answers each agent by ID with a canned payload, or an
// error.
type fakeAgents struct {
	mu      sync.Mutex
	outputs map[string]any
	errs    map[string]error
	calls   []string
}

func (f *fakeAgents) Invoke(_ context.Context, agentID string, _ any) (AgentResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agentID)
	f.mu.Unlock()
	if err := f.errs[agentID]; err != nil {
		return AgentResult{}, err
	}
	out, ok := f.outputs[agentID]
	if !ok {
		return AgentResult{Success: false, Output: json.RawMessage(`{"error":"no such agent"}`)}, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return AgentResult{}, err
	}
	return AgentResult{Success: true, Output: raw, TokensUsed: 42}, nil
}

// fakeDocuments answers Update by operation name and records every call.
type fakeDocuments struct {
	mu        sync.Mutex
	responses map[string]any
	errs      map[string]error
	updates   []storeCall
	saved     int
}

type storeCall struct {
	Operation string
	Data      any
}

func (f *fakeDocuments) SaveResult(context.Context, string, string, any, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved++
	return nil
}

func (f *fakeDocuments) Update(_ context.Context, operation string, data any) (json.RawMessage, error) {
	f.mu.Lock()
	f.updates = append(f.updates, storeCall{Operation: operation, Data: data})
	f.mu.Unlock()
	if err := f.errs[operation]; err != nil {
		return nil, err
	}
	res, ok := f.responses[operation]
	if !ok {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(res)
}

func (f *fakeDocuments) operations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]string, len(f.updates))
	for i, c := range f.updates {
		ops[i] = c.Operation
	}
	return ops
}

// fakeNotifier collects notifications; a non-nil err simulates a down
// queue.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, n Notification) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakePrices serves catalog batches keyed by vendor and page, and
// histories keyed by vendor/product.
type fakePrices struct {
	batches   map[string]map[int]PriceBatch // vendor -> page -> batch
	histories map[string][]pricing.PriceRecord
	err       error
}

func (f *fakePrices) FetchPrices(_ context.Context, req PriceRequest) (PriceBatch, error) {
	if f.err != nil {
		return PriceBatch{}, f.err
	}
	page := req.Page
	if page == 0 {
		page = 1
	}
	return f.batches[req.VendorID][page], nil
}

func (f *fakePrices) FetchHistory(_ context.Context, vendorID, productID string) ([]pricing.PriceRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.histories[vendorID+"/"+productID], nil
}

// testServices wires real model subsystems with fake collaborators.
func testServices(t *testing.T) (*Services, *fakeAgents, *fakeDocuments, *fakeNotifier, *fakePrices) {
	t.Helper()

	predictor, err := regime.New(regime.DefaultParams())
	require.NoError(t, err)
	detector, err := anomaly.NewDetector(context.Background(), anomaly.DefaultParams())
	require.NoError(t, err)

	agents := &fakeAgents{outputs: map[string]any{}, errs: map[string]error{}}
	documents := &fakeDocuments{responses: map[string]any{}, errs: map[string]error{}}
	notifier := &fakeNotifier{}
	prices := &fakePrices{
		batches:   map[string]map[int]PriceBatch{},
		histories: map[string][]pricing.PriceRecord{},
	}

	svc := &Services{
		Agents:    agents,
		Documents: documents,
		Notifier:  notifier,
		Prices:    prices,
		Predictor: predictor,
		Detector:  detector,
	}
	return svc, agents, documents, notifier, prices
}

// runWorkflow replays a definition to completion against the given
// services and returns the replay output.
func runWorkflow(t *testing.T, def *workflow.WorkflowDef, svc *Services, input any) *workflow.ReplayOutput {
	t.Helper()

	replayer := workflow.NewReplayer(workflow.ReplayerConfig{
		Workflow: def,
		RunID:    "test-run-" + def.Name(),
		Input:    input,
	})
	out, err := replayer.Replay(WithServices(context.Background(), svc))
	require.NoError(t, err)
	return out
}

// stepOutput reads one step's recorded output from the replay's events.
func stepOutput[T any](t *testing.T, out *workflow.ReplayOutput, stepName string) T {
	t.Helper()

	history := workflow.NewHistory("", out.NewEvents)
	result, err := workflow.GetTypedOutput[T](history, stepName)
	require.NoError(t, err)
	return result
}

// finalOutput decodes the replay's final output into T.
func finalOutput[T any](t *testing.T, out *workflow.ReplayOutput) T {
	t.Helper()

	raw, err := json.Marshal(out.FinalOutput)
	require.NoError(t, err)
	var result T
	require.NoError(t, json.Unmarshal(raw, &result))
	return result
}
