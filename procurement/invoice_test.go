package procurement

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aksrustagi/talos-sub002/activity"
	"github.com/aksrustagi/talos-sub002/anomaly"
	"github.com/aksrustagi/talos-sub002/workflow"
)

func invoiceFixture(agents *fakeAgents, documents *fakeDocuments, unitPrice float64) {
	agents.outputs["invoice-parser"] = ParsedInvoice{
		Decision: "parsed",
		PONumber: "PO-100",
		Lines:    []InvoiceLine{{ProductID: "widget", Quantity: 1, UnitPrice: unitPrice}},
		Total:    unitPrice,
	}
	documents.responses["purchaseOrders:findByNumber"] = PurchaseOrder{
		PONumber: "PO-100",
		VendorID: "vendor-a",
		Lines:    []POLine{{ProductID: "widget", Quantity: 1, ContractPrice: 450, ReceivedQty: 1}},
	}
}

func TestInvoiceValidation_CleanInvoiceApproves(t *testing.T) {
	svc, agents, documents, notifier, _ := testServices(t)
	invoiceFixture(agents, documents, 450) // exactly at contract

	out := runWorkflow(t, InvoiceValidation, svc, InvoiceInput{
		OrgID:     "org-1",
		InvoiceID: "inv-1",
		VendorID:  "vendor-a",
	})
	require.Equal(t, workflow.ReplayCompleted, out.Result)

	outcome := finalOutput[InvoiceOutcome](t, out)
	assert.Equal(t, InvoiceValidated, outcome.ValidationStatus)
	assert.True(t, outcome.Approved)
	assert.Zero(t, outcome.AnomalyCount)
	assert.Contains(t, documents.operations(), "invoices:approve")
	assert.Equal(t, 1, notifier.count())
}

func TestInvoiceValidation_PriceVarianceDisputes(t *testing.T) {
	svc, agents, documents, _, _ := testServices(t)
	// $150 over the $450 contract price: above the $100 tolerance.
	invoiceFixture(agents, documents, 600)

	out := runWorkflow(t, InvoiceValidation, svc, InvoiceInput{
		OrgID:     "org-1",
		InvoiceID: "inv-2",
		VendorID:  "vendor-a",
	})
	require.Equal(t, workflow.ReplayCompleted, out.Result)

	outcome := finalOutput[InvoiceOutcome](t, out)
	assert.Equal(t, InvoiceDisputed, outcome.ValidationStatus)
	assert.False(t, outcome.Approved)
	assert.Contains(t, documents.operations(), "invoices:createException")

	// The critical contract-variance record must be among the evidence.
	validated := stepOutput[PriceValidationOutput](t, out, "validate-contract-prices")
	require.NotEmpty(t, validated.Records)
	var critical *anomaly.Record
	for i := range validated.Records {
		if validated.Records[i].Type == "contract_price_variance" {
			critical = &validated.Records[i]
		}
	}
	require.NotNil(t, critical)
	assert.Equal(t, anomaly.SeverityCritical, critical.Severity)
	assert.Equal(t, "opa_policy", critical.Method)
	assert.InDelta(t, 150, validated.MaxVariance, 1e-9)

	// Disputes register a compensation hint for the caller.
	hints := workflow.ActionsFromEvents(out.NewEvents)
	require.Len(t, hints, 1)
	assert.Equal(t, "dispute_invoice", hints[0].Action)
}

func TestInvoiceValidation_ShortReceiptDisputes(t *testing.T) {
	svc, agents, documents, _, _ := testServices(t)
	invoiceFixture(agents, documents, 450)
	documents.responses["purchaseOrders:findByNumber"] = PurchaseOrder{
		PONumber: "PO-100",
		VendorID: "vendor-a",
		Lines:    []POLine{{ProductID: "widget", Quantity: 2, ContractPrice: 450, ReceivedQty: 0}},
	}

	out := runWorkflow(t, InvoiceValidation, svc, InvoiceInput{
		OrgID:     "org-1",
		InvoiceID: "inv-3",
	})
	require.Equal(t, workflow.ReplayCompleted, out.Result)

	outcome := finalOutput[InvoiceOutcome](t, out)
	assert.Equal(t, InvoiceDisputed, outcome.ValidationStatus)
	assert.Contains(t, documents.operations(), "invoices:createException")
}

func TestInvoiceValidation_MissingPOFailsValidation(t *testing.T) {
	svc, agents, documents, _, _ := testServices(t)
	invoiceFixture(agents, documents, 450)
	documents.responses["purchaseOrders:findByNumber"] = PurchaseOrder{} // not found

	out := runWorkflow(t, InvoiceValidation, svc, InvoiceInput{
		OrgID:     "org-1",
		InvoiceID: "inv-4",
	})
	require.Equal(t, workflow.ReplayFailed, out.Result)

	var ae *activity.Error
	require.True(t, errors.As(out.Error, &ae))
	assert.Equal(t, activity.KindValidation, ae.Kind)
	assert.Equal(t, "parse-invoice", out.LastCompletedStep)
}

func TestInvoiceValidation_UnmatchedLineDisputes(t *testing.T) {
	svc, agents, documents, _, _ := testServices(t)
	invoiceFixture(agents, documents, 450)
	agents.outputs["invoice-parser"] = ParsedInvoice{
		Decision: "parsed",
		PONumber: "PO-100",
		Lines: []InvoiceLine{
			{ProductID: "widget", Quantity: 1, UnitPrice: 450},
			{ProductID: "never-ordered", Quantity: 3, UnitPrice: 20},
		},
	}

	out := runWorkflow(t, InvoiceValidation, svc, InvoiceInput{
		OrgID:     "org-1",
		InvoiceID: "inv-5",
	})
	require.Equal(t, workflow.ReplayCompleted, out.Result)

	outcome := finalOutput[InvoiceOutcome](t, out)
	assert.Equal(t, InvoiceDisputed, outcome.ValidationStatus)
}

func TestInvoiceValidation_NotifierDownStillCompletes(t *testing.T) {
	svc, agents, documents, notifier, _ := testServices(t)
	invoiceFixture(agents, documents, 450)
	notifier.err = errors.New("queue unavailable")

	out := runWorkflow(t, InvoiceValidation, svc, InvoiceInput{
		OrgID:     "org-1",
		InvoiceID: "inv-6",
	})
	require.Equal(t, workflow.ReplayCompleted, out.Result)

	outcome := finalOutput[InvoiceOutcome](t, out)
	assert.True(t, outcome.Approved)
	assert.False(t, outcome.Notified)
}
