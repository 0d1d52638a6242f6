package procurement

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/aksrustagi/talos-sub002/activity"
	"github.com/aksrustagi/talos-sub002/anomaly"
	"github.com/aksrustagi/talos-sub002/retry"
	"github.com/aksrustagi/talos-sub002/workflow"
)

// =============================================================================
// invoice_validation
//
// Three-way match an incoming invoice: parse it with a decision agent,
// find its purchase order, match lines, validate prices against the
// contract through the anomaly detector, verify receipts, then approve
// or dispute.
// =============================================================================

// Validation statuses an invoice can land in.
const (
	InvoiceValidated = "validated"
	InvoiceDisputed  = "disputed"
)

// InvoiceInput starts validation of one received invoice.
type InvoiceInput struct {
	OrgID     string `json:"orgId"`
	InvoiceID string `json:"invoiceId"`
	VendorID  string `json:"vendorId"`
	RawText   string `json:"rawText"`
}

// InvoiceLine is one billed line after parsing.
type InvoiceLine struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

// ParsedInvoice is the invoice-parser agent's structured output.
type ParsedInvoice struct {
	Decision string        `json:"decision"` // parsed | unreadable
	PONumber string        `json:"poNumber"`
	Lines    []InvoiceLine `json:"lines"`
	Total    float64       `json:"total"`
	Reason   string        `json:"reason,omitempty"`
}

// POLine is one ordered line on the matched purchase order.
type POLine struct {
	ProductID     string  `json:"productId"`
	Quantity      int     `json:"quantity"`
	ContractPrice float64 `json:"contractPrice"`
	ReceivedQty   int     `json:"receivedQty"`
}

// PurchaseOrder is the store's view of the matched PO.
type PurchaseOrder struct {
	PONumber string   `json:"poNumber"`
	VendorID string   `json:"vendorId"`
	Lines    []POLine `json:"lines"`
}

// LineMatch pairs one invoice line with its PO line.
type LineMatch struct {
	ProductID     string  `json:"productId"`
	InvoicedQty   int     `json:"invoicedQty"`
	OrderedQty    int     `json:"orderedQty"`
	ReceivedQty   int     `json:"receivedQty"`
	UnitPrice     float64 `json:"unitPrice"`
	ContractPrice float64 `json:"contractPrice"`
	QtyMatches    bool    `json:"qtyMatches"`
}

// LineMatchOutput is the three-way match result. Unmatched lists
// invoiced products absent from the PO.
type LineMatchOutput struct {
	Matches   []LineMatch `json:"matches"`
	Unmatched []string    `json:"unmatched,omitempty"`
}

// PriceValidationOutput carries the anomaly records raised against the
// invoice's contract-price variances.
type PriceValidationOutput struct {
	Records          []anomaly.Record `json:"records,omitempty"`
	MaxVariance      float64          `json:"maxVariance"`
	ValidationStatus string           `json:"validationStatus"`
}

// ReceiptCheckOutput reports lines invoiced beyond what was received.
type ReceiptCheckOutput struct {
	ShortReceived []string `json:"shortReceived,omitempty"`
	AllReceived   bool     `json:"allReceived"`
}

// InvoiceOutcome is the workflow's final output.
type InvoiceOutcome struct {
	InvoiceID        string `json:"invoiceId"`
	PONumber         string `json:"poNumber"`
	ValidationStatus string `json:"validationStatus"`
	Approved         bool   `json:"approved"`
	AnomalyCount     int    `json:"anomalyCount"`
	Notified         bool   `json:"notified"`
}

// ParseInvoice extracts structured lines from the raw invoice via the
// invoice-parser agent.
var ParseInvoice = workflow.NewStep("parse-invoice", func(ctx workflow.Context) (ParsedInvoice, error) {
	input := workflow.MustInput[InvoiceInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return ParsedInvoice{}, err
	}
	if svc.Agents == nil {
		return ParsedInvoice{}, activity.Validationf("agent invoker not configured")
	}

	parsed, err := invokeDecision[ParsedInvoice](ctx, svc, "invoice-parser", input.OrgID, map[string]any{
		"invoiceId": input.InvoiceID,
		"vendorId":  input.VendorID,
		"rawText":   input.RawText,
	}, "parsed", "unreadable")
	if err != nil {
		return ParsedInvoice{}, err
	}
	if parsed.Decision == "unreadable" {
		return ParsedInvoice{}, activity.Validationf("invoice %s unreadable: %s", input.InvoiceID, parsed.Reason)
	}
	if parsed.PONumber == "" {
		return ParsedInvoice{}, activity.Validationf("invoice %s carries no PO number", input.InvoiceID)
	}
	if len(parsed.Lines) == 0 {
		return ParsedInvoice{}, activity.Validationf("invoice %s parsed to zero lines", input.InvoiceID)
	}
	return parsed, nil
})

// FindMatchingPO loads the purchase order the invoice bills against. A
// missing PO is a validation failure, not something retries can fix.
var FindMatchingPO = workflow.NewStep("find-matching-po", func(ctx workflow.Context) (PurchaseOrder, error) {
	input := workflow.MustInput[InvoiceInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if svc.Documents == nil {
		return PurchaseOrder{}, activity.Validationf("document store not configured")
	}
	parsed := ParseInvoice.MustOutput(ctx)

	po, err := activity.Execute(ctx, "find-matching-po", activity.Options{Policy: retry.Default()},
		func(actx context.Context) (PurchaseOrder, error) {
			raw, uerr := svc.Documents.Update(actx, "purchaseOrders:findByNumber", map[string]any{
				"orgId":    input.OrgID,
				"poNumber": parsed.PONumber,
			})
			if uerr != nil {
				return PurchaseOrder{}, uerr
			}
			var res PurchaseOrder
			if jerr := json.Unmarshal(raw, &res); jerr != nil {
				return PurchaseOrder{}, activity.Validationf("purchase order unreadable: %v", jerr)
			}
			return res, nil
		})
	if err != nil {
		return PurchaseOrder{}, fmt.Errorf("find matching po: %w", err)
	}
	if po.PONumber == "" {
		return PurchaseOrder{}, activity.Validationf("no purchase order %q for invoice %s", parsed.PONumber, input.InvoiceID)
	}
	return po, nil
})

// MatchInvoiceLines pairs each invoice line with its PO line by product.
var MatchInvoiceLines = workflow.NewStep("match-invoice-lines", func(ctx workflow.Context) (LineMatchOutput, error) {
	parsed := ParseInvoice.MustOutput(ctx)
	po := FindMatchingPO.MustOutput(ctx)

	ordered := make(map[string]POLine, len(po.Lines))
	for _, line := range po.Lines {
		ordered[line.ProductID] = line
	}

	var out LineMatchOutput
	for _, line := range parsed.Lines {
		poLine, ok := ordered[line.ProductID]
		if !ok {
			out.Unmatched = append(out.Unmatched, line.ProductID)
			continue
		}
		out.Matches = append(out.Matches, LineMatch{
			ProductID:     line.ProductID,
			InvoicedQty:   line.Quantity,
			OrderedQty:    poLine.Quantity,
			ReceivedQty:   poLine.ReceivedQty,
			UnitPrice:     line.UnitPrice,
			ContractPrice: poLine.ContractPrice,
			QtyMatches:    line.Quantity <= poLine.Quantity,
		})
	}
	if len(out.Matches) == 0 {
		return LineMatchOutput{}, activity.Validationf("no invoice line matches purchase order %s", po.PONumber)
	}
	return out, nil
})

// ValidateContractPrices scores each line's price variance with the
// anomaly detector. Any critical record disputes the invoice.
var ValidateContractPrices = workflow.NewStep("validate-contract-prices", func(ctx workflow.Context) (PriceValidationOutput, error) {
	input := workflow.MustInput[InvoiceInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return PriceValidationOutput{}, err
	}
	if svc.Detector == nil {
		return PriceValidationOutput{}, activity.Validationf("anomaly detector not configured")
	}
	matches := MatchInvoiceLines.MustOutput(ctx)

	out := PriceValidationOutput{ValidationStatus: InvoiceValidated}
	for _, m := range matches.Matches {
		variance := math.Abs(m.UnitPrice-m.ContractPrice) * float64(m.InvoicedQty)
		if variance > out.MaxVariance {
			out.MaxVariance = variance
		}
		records, derr := svc.Detector.Detect(ctx, "invoice", input.InvoiceID, anomaly.Features{
			Values: map[string]float64{
				"price_variance": variance,
				"unit_price":     m.UnitPrice,
				"contract_price": m.ContractPrice,
				"quantity":       float64(m.InvoicedQty),
			},
		})
		if derr != nil {
			return PriceValidationOutput{}, fmt.Errorf("score line %s: %w", m.ProductID, derr)
		}
		out.Records = append(out.Records, records...)
	}

	for _, r := range out.Records {
		if r.Severity == anomaly.SeverityCritical {
			out.ValidationStatus = InvoiceDisputed
			break
		}
	}
	if len(matches.Unmatched) > 0 {
		out.ValidationStatus = InvoiceDisputed
	}
	return out, nil
})

// VerifyReceipts checks each matched line against received quantities.
var VerifyReceipts = workflow.NewStep("verify-receipts", func(ctx workflow.Context) (ReceiptCheckOutput, error) {
	matches := MatchInvoiceLines.MustOutput(ctx)

	out := ReceiptCheckOutput{AllReceived: true}
	for _, m := range matches.Matches {
		if m.InvoicedQty > m.ReceivedQty {
			out.ShortReceived = append(out.ShortReceived, m.ProductID)
			out.AllReceived = false
		}
	}
	return out, nil
})

// FinalizeInvoice approves a clean invoice or records an exception for a
// disputed one, then notifies accounts payable. Disputed invoices
// register a dispute action hint so a caller can route the follow-up.
var FinalizeInvoice = workflow.NewStep("finalize-invoice", func(ctx workflow.Context) (InvoiceOutcome, error) {
	input := workflow.MustInput[InvoiceInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return InvoiceOutcome{}, err
	}
	parsed := ParseInvoice.MustOutput(ctx)
	prices := ValidateContractPrices.MustOutput(ctx)
	receipts := VerifyReceipts.MustOutput(ctx)

	status := prices.ValidationStatus
	if !receipts.AllReceived {
		status = InvoiceDisputed
	}

	outcome := InvoiceOutcome{
		InvoiceID:        input.InvoiceID,
		PONumber:         parsed.PONumber,
		ValidationStatus: status,
		Approved:         status == InvoiceValidated,
		AnomalyCount:     len(prices.Records),
	}

	operation := "invoices:approve"
	payload := map[string]any{
		"invoiceId":        input.InvoiceID,
		"orgId":            input.OrgID,
		"poNumber":         parsed.PONumber,
		"validationStatus": status,
		"runId":            ctx.RunID(),
	}
	if !outcome.Approved {
		operation = "invoices:createException"
		payload["anomalies"] = prices.Records
		payload["shortReceived"] = receipts.ShortReceived
	}
	_, err = activity.Execute(ctx, operation, activity.Options{Policy: retry.Default()},
		func(actx context.Context) (struct{}, error) {
			_, uerr := svc.Documents.Update(actx, operation, payload)
			return struct{}{}, uerr
		})
	if err != nil {
		return InvoiceOutcome{}, fmt.Errorf("%s: %w", operation, err)
	}

	if !outcome.Approved {
		if aerr := workflow.RegisterAction(ctx, "dispute_invoice", map[string]any{
			"invoiceId":   input.InvoiceID,
			"poNumber":    parsed.PONumber,
			"maxVariance": prices.MaxVariance,
		}); aerr != nil {
			svc.log().Error("register dispute action", "error", aerr)
		}
	}

	subject := fmt.Sprintf("Invoice %s validated", input.InvoiceID)
	if !outcome.Approved {
		subject = fmt.Sprintf("Invoice %s disputed", input.InvoiceID)
	}
	outcome.Notified = svc.notify(ctx, Notification{
		Channel: "invoices",
		Subject: subject,
		Body: fmt.Sprintf("Invoice %s against PO %s finished validation with status %s (%d anomaly records).",
			input.InvoiceID, parsed.PONumber, status, outcome.AnomalyCount),
		OrgID: input.OrgID,
		Metadata: map[string]any{
			"invoiceId":        input.InvoiceID,
			"validationStatus": status,
		},
	})
	return outcome, nil
})

// InvoiceValidation three-way matches an invoice and approves or
// disputes it.
var InvoiceValidation = workflow.Define(TypeInvoiceValidation,
	ParseInvoice.After(),
	FindMatchingPO.After(ParseInvoice),
	MatchInvoiceLines.After(FindMatchingPO),
	ValidateContractPrices.After(MatchInvoiceLines),
	VerifyReceipts.After(ValidateContractPrices),
	FinalizeInvoice.After(VerifyReceipts),
)
