package procurement

import (
	"context"
	"encoding/json"

	"github.com/aksrustagi/talos-sub002/activity"
	"github.com/aksrustagi/talos-sub002/anomaly"
	"github.com/aksrustagi/talos-sub002/pricing"
	"github.com/aksrustagi/talos-sub002/pricing/regime"
	"github.com/aksrustagi/talos-sub002/workflow"
)

// AgentResult is the outcome of one decision-agent invocation.
type AgentResult struct {
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output"`
	TokensUsed int             `json:"tokensUsed"`
}

// AgentInvoker calls a decision-making agent. Transport failures and
// non-2xx responses are transient.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentID string, input any) (AgentResult, error)
}

// DocumentStore is the persistence collaborator. Update runs a named
// operation against the store and returns its raw result; SaveResult
// archives an agent invocation for audit.
type DocumentStore interface {
	SaveResult(ctx context.Context, runID, agentID string, result any, orgID string) error
	Update(ctx context.Context, operation string, data any) (json.RawMessage, error)
}

// Notification is a best-effort message for a delivery queue.
type Notification struct {
	Channel  string         `json:"channel"`
	Subject  string         `json:"subject"`
	Body     string         `json:"body"`
	OrgID    string         `json:"orgId"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Notifier enqueues notifications. Failures never fail a workflow.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// PriceRequest selects which vendor prices to fetch. Page is 1-based;
// FullCatalog requests every product instead of recent changes.
type PriceRequest struct {
	OrgID       string `json:"orgId"`
	VendorID    string `json:"vendorId"`
	FullCatalog bool   `json:"fullCatalog"`
	Page        int    `json:"page"`
}

// ProductPrice is one vendor's current price for one product.
type ProductPrice struct {
	ProductID string  `json:"productId"`
	VendorID  string  `json:"vendorId"`
	UnitPrice float64 `json:"unitPrice"`
	Currency  string  `json:"currency"`
}

// PriceBatch is one page of vendor prices. NextPage is 0 on the last
// page.
type PriceBatch struct {
	ProductCount int            `json:"productCount"`
	Prices       []ProductPrice `json:"prices"`
	NextPage     int            `json:"nextPage"`
}

// PriceSource fetches vendor catalogs and per-product price history.
type PriceSource interface {
	FetchPrices(ctx context.Context, req PriceRequest) (PriceBatch, error)
	FetchHistory(ctx context.Context, vendorID, productID string) ([]pricing.PriceRecord, error)
}

// Services holds the collaborators every procurement workflow step pulls
// from its context. The two model subsystems ride along so steps can
// score and predict without their own wiring.
type Services struct {
	Agents    AgentInvoker
	Documents DocumentStore
	Notifier  Notifier
	Prices    PriceSource
	Predictor *regime.Predictor
	Detector  *anomaly.Detector
	Logger    workflow.Logger
}

type servicesKey struct{}

// WithServices attaches the collaborator set to a context. The runner
// does this once per worker; tests do it per replay.
func WithServices(ctx context.Context, svc *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, svc)
}

// GetServices retrieves the collaborator set, or nil.
func GetServices(ctx context.Context) *Services {
	svc, _ := ctx.Value(servicesKey{}).(*Services)
	return svc
}

// services fetches the collaborator set for a step, failing fast when
// the worker was wired without one. A missing Services is a deployment
// bug, not a condition retries can fix.
func services(ctx workflow.Context) (*Services, error) {
	svc := GetServices(ctx)
	if svc == nil {
		return nil, activity.Validationf("procurement: no services on context")
	}
	return svc, nil
}

func (s *Services) log() workflow.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// notify enqueues a notification, logging failures instead of
// propagating them.
func (s *Services) notify(ctx context.Context, n Notification) bool {
	if s.Notifier == nil {
		return false
	}
	if err := s.Notifier.Notify(ctx, n); err != nil {
		s.log().Error("notification failed", "channel", n.Channel, "subject", n.Subject, "error", err)
		return false
	}
	return true
}
