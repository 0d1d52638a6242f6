package procurement

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aksrustagi/talos-sub002/activity"
	"github.com/aksrustagi/talos-sub002/retry"
	"github.com/aksrustagi/talos-sub002/workflow"
)

// =============================================================================
// requisition_processing
//
// Take a free-form requisition through to a routed approval: parse it
// with a decision agent, find candidate vendors, quote each vendor in
// parallel with volume discounts applied, check the budget, persist the
// requisition, and route the approval chain the amount demands.
// =============================================================================

// RequisitionInput starts processing one requisition.
type RequisitionInput struct {
	OrgID         string  `json:"orgId"`
	RequisitionID string  `json:"requisitionId"`
	RequesterID   string  `json:"requesterId"`
	Description   string  `json:"description"`
	Urgency       string  `json:"urgency"`
	Budget        float64 `json:"budget"`
}

// RequisitionItem is one requested line after parsing.
type RequisitionItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"` // requester's estimate, not a quote
}

// ParsedRequisition is the requisition-parser agent's structured output.
type ParsedRequisition struct {
	Decision string            `json:"decision"` // parsed | rejected
	Category string            `json:"category"`
	Items    []RequisitionItem `json:"items"`
	Reason   string            `json:"reason,omitempty"`
}

// CandidateVendorsOutput lists the vendors worth quoting for the
// requisition's category.
type CandidateVendorsOutput struct {
	VendorIDs []string `json:"vendorIds"`
}

// VendorQuote is one vendor's discounted total for the full item list.
// Missing lists the items the vendor does not carry; vendors with
// missing items never win the comparison.
type VendorQuote struct {
	VendorID     string  `json:"vendorId"`
	Subtotal     float64 `json:"subtotal"`
	DiscountRate float64 `json:"discountRate"`
	Total        float64 `json:"total"`
	Missing      int     `json:"missing"`
}

// PriceComparisonOutput holds every quote plus the winner.
type PriceComparisonOutput struct {
	Quotes     []VendorQuote `json:"quotes"`
	BestVendor string        `json:"bestVendor"`
	BestTotal  float64       `json:"bestTotal"`
}

// BudgetCheckOutput records the budget verdict and that the requisition
// was persisted.
type BudgetCheckOutput struct {
	WithinBudget bool    `json:"withinBudget"`
	Total        float64 `json:"total"`
	Budget       float64 `json:"budget"`
	Overage      float64 `json:"overage,omitempty"`
}

// ApprovalRoute is the routed chain with its SLA.
type ApprovalRoute struct {
	Approvers    []string  `json:"approvers"`
	AutoApproved bool      `json:"autoApproved"`
	SLAHours     float64   `json:"slaHours"`
	DueAt        time.Time `json:"dueAt"`
}

// RequisitionOutcome is the workflow's final output.
type RequisitionOutcome struct {
	RequisitionID string   `json:"requisitionId"`
	Status        string   `json:"status"` // auto_approved | pending_approval
	BestVendor    string   `json:"bestVendor"`
	Total         float64  `json:"total"`
	WithinBudget  bool     `json:"withinBudget"`
	Approvers     []string `json:"approvers,omitempty"`
	Notified      int      `json:"notified"`
}

// ParseRequisition turns the free-form request into structured items via
// the requisition-parser agent. A rejected parse fails the run without
// retry: the text itself is the problem.
var ParseRequisition = workflow.NewStep("parse-requisition", func(ctx workflow.Context) (ParsedRequisition, error) {
	input := workflow.MustInput[RequisitionInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return ParsedRequisition{}, err
	}
	if svc.Agents == nil {
		return ParsedRequisition{}, activity.Validationf("agent invoker not configured")
	}

	parsed, err := invokeDecision[ParsedRequisition](ctx, svc, "requisition-parser", input.OrgID, map[string]any{
		"requisitionId": input.RequisitionID,
		"description":   input.Description,
		"budget":        input.Budget,
	}, "parsed", "rejected")
	if err != nil {
		return ParsedRequisition{}, err
	}
	if parsed.Decision == "rejected" {
		return ParsedRequisition{}, activity.Validationf("requisition %s rejected by parser: %s", input.RequisitionID, parsed.Reason)
	}
	if len(parsed.Items) == 0 {
		return ParsedRequisition{}, activity.Validationf("requisition %s parsed to zero items", input.RequisitionID)
	}
	return parsed, nil
})

// SelectVendors asks the document store for vendors approved in the
// requisition's category.
var SelectVendors = workflow.NewStep("select-vendors", func(ctx workflow.Context) (CandidateVendorsOutput, error) {
	input := workflow.MustInput[RequisitionInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return CandidateVendorsOutput{}, err
	}
	if svc.Documents == nil {
		return CandidateVendorsOutput{}, activity.Validationf("document store not configured")
	}
	parsed := ParseRequisition.MustOutput(ctx)

	out, err := activity.Execute(ctx, "select-vendors", activity.Options{Policy: retry.Default()},
		func(actx context.Context) (CandidateVendorsOutput, error) {
			raw, uerr := svc.Documents.Update(actx, "vendors:candidates", map[string]any{
				"orgId":    input.OrgID,
				"category": parsed.Category,
			})
			if uerr != nil {
				return CandidateVendorsOutput{}, uerr
			}
			var res CandidateVendorsOutput
			if jerr := json.Unmarshal(raw, &res); jerr != nil {
				return CandidateVendorsOutput{}, activity.Validationf("vendor candidates unreadable: %v", jerr)
			}
			return res, nil
		})
	if err != nil {
		return CandidateVendorsOutput{}, fmt.Errorf("select vendors: %w", err)
	}
	if len(out.VendorIDs) == 0 {
		return CandidateVendorsOutput{}, activity.Validationf("no candidate vendors for category %q", parsed.Category)
	}
	return out, nil
})

// ComparePrices quotes every candidate vendor in parallel and picks the
// cheapest complete quote. Volume discounts apply per line.
var ComparePrices = workflow.NewStep("compare-prices", func(ctx workflow.Context) (PriceComparisonOutput, error) {
	input := workflow.MustInput[RequisitionInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return PriceComparisonOutput{}, err
	}
	if svc.Prices == nil {
		return PriceComparisonOutput{}, activity.Validationf("price source not configured")
	}
	parsed := ParseRequisition.MustOutput(ctx)
	vendors := SelectVendors.MustOutput(ctx)

	quotes := make([]VendorQuote, len(vendors.VendorIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFanout)
	for i, vendorID := range vendors.VendorIDs {
		g.Go(func() error {
			batch, err := activity.Execute(gctx, "fetch-prices:"+vendorID, activity.Options{Policy: retry.Default()},
				func(actx context.Context) (PriceBatch, error) {
					return svc.Prices.FetchPrices(actx, PriceRequest{OrgID: input.OrgID, VendorID: vendorID})
				})
			if err != nil {
				return fmt.Errorf("quote vendor %s: %w", vendorID, err)
			}
			quotes[i] = quoteVendor(vendorID, parsed.Items, batch.Prices)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return PriceComparisonOutput{}, err
	}

	out := PriceComparisonOutput{Quotes: quotes}
	best := math.Inf(1)
	for _, q := range quotes {
		if q.Missing > 0 {
			continue
		}
		if q.Total < best {
			best = q.Total
			out.BestVendor = q.VendorID
			out.BestTotal = q.Total
		}
	}
	if out.BestVendor == "" {
		return PriceComparisonOutput{}, activity.Validationf("no vendor carries every requested item")
	}
	return out, nil
})

// CheckBudget compares the winning quote against the requisition budget
// and persists the priced requisition. Over-budget requisitions still
// route for approval; the overage rides along for the approvers.
var CheckBudget = workflow.NewStep("check-budget", func(ctx workflow.Context) (BudgetCheckOutput, error) {
	input := workflow.MustInput[RequisitionInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return BudgetCheckOutput{}, err
	}
	comparison := ComparePrices.MustOutput(ctx)

	out := BudgetCheckOutput{
		WithinBudget: input.Budget <= 0 || comparison.BestTotal <= input.Budget,
		Total:        comparison.BestTotal,
		Budget:       input.Budget,
	}
	if !out.WithinBudget {
		out.Overage = comparison.BestTotal - input.Budget
	}

	_, err = activity.Execute(ctx, "persist-requisition", activity.Options{Policy: retry.Default()},
		func(actx context.Context) (struct{}, error) {
			_, uerr := svc.Documents.Update(actx, "requisitions:update", map[string]any{
				"requisitionId": input.RequisitionID,
				"orgId":         input.OrgID,
				"vendorId":      comparison.BestVendor,
				"total":         comparison.BestTotal,
				"withinBudget":  out.WithinBudget,
				"runId":         ctx.RunID(),
			})
			return struct{}{}, uerr
		})
	if err != nil {
		return BudgetCheckOutput{}, fmt.Errorf("persist requisition: %w", err)
	}

	if !out.WithinBudget {
		// The committed persist is the side effect a caller may want to
		// unwind if the approval is declined.
		if aerr := workflow.RegisterAction(ctx, "budget_exceeded", map[string]any{
			"requisitionId": input.RequisitionID,
			"overage":       out.Overage,
		}); aerr != nil {
			svc.log().Error("register budget action", "error", aerr)
		}
	}
	return out, nil
})

// RouteApproval builds the approval chain for the quoted amount and
// records the approval request with its SLA deadline.
var RouteApproval = workflow.NewStep("route-approval", func(ctx workflow.Context) (ApprovalRoute, error) {
	input := workflow.MustInput[RequisitionInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return ApprovalRoute{}, err
	}
	comparison := ComparePrices.MustOutput(ctx)

	sla := ApprovalSLA(input.Urgency)
	route := ApprovalRoute{
		Approvers:    ApprovalChain(comparison.BestTotal),
		SLAHours:     sla.Hours(),
		DueAt:        time.Now().UTC().Add(sla),
		AutoApproved: false,
	}
	if len(route.Approvers) == 0 {
		route.AutoApproved = true
		return route, nil
	}

	_, err = activity.Execute(ctx, "record-approval-request", activity.Options{Policy: retry.Default()},
		func(actx context.Context) (struct{}, error) {
			_, uerr := svc.Documents.Update(actx, "approvals:create", map[string]any{
				"requisitionId": input.RequisitionID,
				"orgId":         input.OrgID,
				"amount":        comparison.BestTotal,
				"approvers":     route.Approvers,
				"urgency":       input.Urgency,
				"dueAt":         route.DueAt,
				"runId":         ctx.RunID(),
			})
			return struct{}{}, uerr
		})
	if err != nil {
		return ApprovalRoute{}, fmt.Errorf("record approval request: %w", err)
	}
	return route, nil
})

// NotifyApprovers tells each approver in the chain about the pending
// request. Delivery is best-effort.
var NotifyApprovers = workflow.NewStep("notify-approvers", func(ctx workflow.Context) (RequisitionOutcome, error) {
	input := workflow.MustInput[RequisitionInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return RequisitionOutcome{}, err
	}
	comparison := ComparePrices.MustOutput(ctx)
	budget := CheckBudget.MustOutput(ctx)
	route := RouteApproval.MustOutput(ctx)

	outcome := RequisitionOutcome{
		RequisitionID: input.RequisitionID,
		BestVendor:    comparison.BestVendor,
		Total:         comparison.BestTotal,
		WithinBudget:  budget.WithinBudget,
		Approvers:     route.Approvers,
	}
	if route.AutoApproved {
		outcome.Status = "auto_approved"
		return outcome, nil
	}
	outcome.Status = "pending_approval"

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFanout)
	for _, approver := range route.Approvers {
		g.Go(func() error {
			n := Notification{
				Channel: "approvals",
				Subject: fmt.Sprintf("Approval needed: requisition %s ($%.2f)", input.RequisitionID, comparison.BestTotal),
				Body: fmt.Sprintf("Requisition %s from %s totals $%.2f with vendor %s. Respond by %s.",
					input.RequisitionID, input.RequesterID, comparison.BestTotal, comparison.BestVendor,
					route.DueAt.Format(time.RFC3339)),
				OrgID: input.OrgID,
				Metadata: map[string]any{
					"requisitionId": input.RequisitionID,
					"approver":      approver,
					"dueAt":         route.DueAt.Format(time.RFC3339),
				},
			}
			if svc.notify(gctx, n) {
				mu.Lock()
				outcome.Notified++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return outcome, nil
})

// RequisitionProcessing takes a requisition from free text to a routed
// approval chain.
var RequisitionProcessing = workflow.Define(TypeRequisitionProcessing,
	ParseRequisition.After(),
	SelectVendors.After(ParseRequisition),
	ComparePrices.After(SelectVendors),
	CheckBudget.After(ComparePrices),
	RouteApproval.After(CheckBudget),
	NotifyApprovers.After(RouteApproval),
)

// quoteVendor totals the item list at one vendor's prices, applying the
// per-line volume discount.
func quoteVendor(vendorID string, items []RequisitionItem, prices []ProductPrice) VendorQuote {
	byProduct := make(map[string]float64, len(prices))
	for _, p := range prices {
		if p.UnitPrice > 0 {
			byProduct[p.ProductID] = p.UnitPrice
		}
	}

	quote := VendorQuote{VendorID: vendorID}
	for _, item := range items {
		unit, ok := byProduct[item.ProductID]
		if !ok {
			quote.Missing++
			continue
		}
		discount := VolumeDiscount(item.Quantity)
		if discount > quote.DiscountRate {
			quote.DiscountRate = discount
		}
		line := unit * float64(item.Quantity)
		quote.Subtotal += line
		quote.Total += line * (1 - discount)
	}
	return quote
}
