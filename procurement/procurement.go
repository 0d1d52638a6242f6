// Package procurement defines the six durable procurement workflows and
// the domain policy they share.
//
// Each workflow is a linear chain of typed steps; where a step needs N
// collaborator calls it fans out internally with errgroup and joins
// before returning, so the event history stays a strict sequence.
// Collaborators (decision agents, the document store, the price source,
// the notification queue) are injected through a Services value on the
// context, which also carries the price-regime predictor and the anomaly
// detector.
package procurement

import "github.com/aksrustagi/talos-sub002/workflow"

// Workflow type names, as accepted by the trigger API and the runner.
const (
	TypePriceWatchScan        = "price_watch_scan"
	TypeRequisitionProcessing = "requisition_processing"
	TypeInvoiceValidation     = "invoice_validation"
	TypeContractRenewal       = "contract_renewal"
	TypeCatalogSync           = "catalog_sync"
	TypeAnomalyInvestigation  = "anomaly_investigation"
)

// maxFanout bounds concurrent collaborator calls during an in-step
// fan-out.
const maxFanout = 4

// Definitions returns every procurement workflow, ready for registry
// registration.
func Definitions() []*workflow.WorkflowDef {
	return []*workflow.WorkflowDef{
		PriceWatchScan,
		RequisitionProcessing,
		InvoiceValidation,
		ContractRenewal,
		CatalogSync,
		AnomalyInvestigation,
	}
}
