package procurement

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aksrustagi/talos-sub002/activity"
	"github.com/aksrustagi/talos-sub002/anomaly"
	"github.com/aksrustagi/talos-sub002/retry"
	"github.com/aksrustagi/talos-sub002/workflow"
)

// =============================================================================
// anomaly_investigation
//
// Work one open anomaly record: load it, pull fresh evidence for its
// entity, re-score with the detector, let the investigator agent make
// the call, and advance the record's status.
// =============================================================================

// InvestigationInput starts an investigation of one anomaly record.
type InvestigationInput struct {
	OrgID     string `json:"orgId"`
	AnomalyID string `json:"anomalyId"`
}

// StoredAnomaly is the store's view of the record under investigation.
type StoredAnomaly struct {
	AnomalyID string         `json:"anomalyId"`
	Record    anomaly.Record `json:"record"`
}

// EntityContextOutput is the fresh evidence pulled for the flagged
// entity, in the detector's feature shape. For vendor records the
// store also returns the current supply-chain edge snapshot so the
// rescore can run the graph pass.
type EntityContextOutput struct {
	Features anomaly.Features          `json:"features"`
	Edges    []anomaly.SupplyChainEdge `json:"edges,omitempty"`
}

// RescoreOutput is the detector's second opinion on fresh evidence.
type RescoreOutput struct {
	Records    []anomaly.Record `json:"records,omitempty"`
	StillFires bool             `json:"stillFires"`
	MaxScore   float64          `json:"maxScore"`
}

// InvestigationDecision is the anomaly-investigator agent's structured
// output.
type InvestigationDecision struct {
	Decision  string   `json:"decision"` // confirmed | false_positive
	Rationale string   `json:"rationale"`
	Actions   []string `json:"actions,omitempty"`
}

// InvestigationOutcome is the workflow's final output.
type InvestigationOutcome struct {
	AnomalyID   string         `json:"anomalyId"`
	FinalStatus anomaly.Status `json:"finalStatus"`
	StillFires  bool           `json:"stillFires"`
	Rationale   string         `json:"rationale"`
	Notified    bool           `json:"notified"`
}

// LoadAnomaly fetches the record and marks it investigating, so the
// dashboard shows it claimed while the run works.
var LoadAnomaly = workflow.NewStep("load-anomaly", func(ctx workflow.Context) (StoredAnomaly, error) {
	input := workflow.MustInput[InvestigationInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return StoredAnomaly{}, err
	}
	if svc.Documents == nil {
		return StoredAnomaly{}, activity.Validationf("document store not configured")
	}

	stored, err := activity.Execute(ctx, "load-anomaly", activity.Options{Policy: retry.Default()},
		func(actx context.Context) (StoredAnomaly, error) {
			raw, uerr := svc.Documents.Update(actx, "anomalies:get", map[string]any{
				"orgId":     input.OrgID,
				"anomalyId": input.AnomalyID,
			})
			if uerr != nil {
				return StoredAnomaly{}, uerr
			}
			var res StoredAnomaly
			if jerr := json.Unmarshal(raw, &res); jerr != nil {
				return StoredAnomaly{}, activity.Validationf("anomaly record unreadable: %v", jerr)
			}
			return res, nil
		})
	if err != nil {
		return StoredAnomaly{}, fmt.Errorf("load anomaly: %w", err)
	}
	if stored.AnomalyID == "" {
		return StoredAnomaly{}, activity.Validationf("no anomaly record %q", input.AnomalyID)
	}

	_, err = activity.Execute(ctx, "mark-investigating", activity.Options{Policy: retry.Default()},
		func(actx context.Context) (struct{}, error) {
			_, uerr := svc.Documents.Update(actx, "anomalies:updateStatus", map[string]any{
				"anomalyId": input.AnomalyID,
				"status":    anomaly.StatusInvestigating,
				"runId":     ctx.RunID(),
			})
			return struct{}{}, uerr
		})
	if err != nil {
		return StoredAnomaly{}, fmt.Errorf("mark investigating: %w", err)
	}
	stored.Record.Status = anomaly.StatusInvestigating
	return stored, nil
})

// GatherContext pulls fresh feature values for the flagged entity.
var GatherContext = workflow.NewStep("gather-context", func(ctx workflow.Context) (EntityContextOutput, error) {
	input := workflow.MustInput[InvestigationInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return EntityContextOutput{}, err
	}
	stored := LoadAnomaly.MustOutput(ctx)

	out, err := activity.Execute(ctx, "gather-context", activity.Options{Policy: retry.Default()},
		func(actx context.Context) (EntityContextOutput, error) {
			raw, uerr := svc.Documents.Update(actx, "anomalies:entityContext", map[string]any{
				"orgId":      input.OrgID,
				"entityType": stored.Record.EntityType,
				"entityId":   stored.Record.EntityID,
			})
			if uerr != nil {
				return EntityContextOutput{}, uerr
			}
			var res EntityContextOutput
			if jerr := json.Unmarshal(raw, &res); jerr != nil {
				return EntityContextOutput{}, activity.Validationf("entity context unreadable: %v", jerr)
			}
			return res, nil
		})
	if err != nil {
		return EntityContextOutput{}, fmt.Errorf("gather context: %w", err)
	}
	return out, nil
})

// RescoreAnomaly runs the detector over the fresh evidence. A flag that
// no longer fires is strong input for a false-positive call.
var RescoreAnomaly = workflow.NewStep("rescore-anomaly", func(ctx workflow.Context) (RescoreOutput, error) {
	svc, err := services(ctx)
	if err != nil {
		return RescoreOutput{}, err
	}
	if svc.Detector == nil {
		return RescoreOutput{}, activity.Validationf("anomaly detector not configured")
	}
	stored := LoadAnomaly.MustOutput(ctx)
	evidence := GatherContext.MustOutput(ctx)

	records, err := svc.Detector.Detect(ctx, stored.Record.EntityType, stored.Record.EntityID, evidence.Features)
	if err != nil {
		return RescoreOutput{}, fmt.Errorf("rescore: %w", err)
	}

	// Vendor records get a second opinion from the supply-chain graph:
	// concentration and propagation risk over the fresh edge snapshot.
	if stored.Record.EntityType == "vendor" && len(evidence.Edges) > 0 {
		svc.Detector.SetEdges(evidence.Edges)
		graphRecords, gerr := svc.Detector.DetectGraphAnomalies(ctx)
		if gerr != nil {
			return RescoreOutput{}, fmt.Errorf("rescore graph: %w", gerr)
		}
		for _, r := range graphRecords {
			if r.EntityID == stored.Record.EntityID {
				records = append(records, r)
			}
		}
	}

	out := RescoreOutput{Records: records}
	for _, r := range records {
		if r.Type == stored.Record.Type {
			out.StillFires = true
		}
		if r.Confidence > out.MaxScore {
			out.MaxScore = r.Confidence
		}
	}
	return out, nil
})

// Investigate asks the anomaly-investigator agent for the verdict.
var Investigate = workflow.NewStep("investigate", func(ctx workflow.Context) (InvestigationDecision, error) {
	input := workflow.MustInput[InvestigationInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return InvestigationDecision{}, err
	}
	if svc.Agents == nil {
		return InvestigationDecision{}, activity.Validationf("agent invoker not configured")
	}
	stored := LoadAnomaly.MustOutput(ctx)
	evidence := GatherContext.MustOutput(ctx)
	rescored := RescoreAnomaly.MustOutput(ctx)

	return invokeDecision[InvestigationDecision](ctx, svc, "anomaly-investigator", input.OrgID, map[string]any{
		"anomalyId":  input.AnomalyID,
		"record":     stored.Record,
		"features":   evidence.Features,
		"rescored":   rescored.Records,
		"stillFires": rescored.StillFires,
	}, "confirmed", "false_positive")
})

// CloseInvestigation advances the record to its final status, registers
// the agent's recommended follow-ups as action hints, and notifies.
var CloseInvestigation = workflow.NewStep("close-investigation", func(ctx workflow.Context) (InvestigationOutcome, error) {
	input := workflow.MustInput[InvestigationInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return InvestigationOutcome{}, err
	}
	stored := LoadAnomaly.MustOutput(ctx)
	rescored := RescoreAnomaly.MustOutput(ctx)
	decision := Investigate.MustOutput(ctx)

	final := anomaly.StatusConfirmed
	if decision.Decision == "false_positive" {
		final = anomaly.StatusFalsePositive
	}

	_, err = activity.Execute(ctx, "close-investigation", activity.Options{Policy: retry.Default()},
		func(actx context.Context) (struct{}, error) {
			_, uerr := svc.Documents.Update(actx, "anomalies:updateStatus", map[string]any{
				"anomalyId": input.AnomalyID,
				"status":    final,
				"rationale": decision.Rationale,
				"runId":     ctx.RunID(),
			})
			return struct{}{}, uerr
		})
	if err != nil {
		return InvestigationOutcome{}, fmt.Errorf("close investigation: %w", err)
	}

	for _, action := range decision.Actions {
		if aerr := workflow.RegisterAction(ctx, action, map[string]any{
			"anomalyId":  input.AnomalyID,
			"entityType": stored.Record.EntityType,
			"entityId":   stored.Record.EntityID,
		}); aerr != nil {
			svc.log().Error("register investigation action", "action", action, "error", aerr)
		}
	}

	outcome := InvestigationOutcome{
		AnomalyID:   input.AnomalyID,
		FinalStatus: final,
		StillFires:  rescored.StillFires,
		Rationale:   decision.Rationale,
	}
	outcome.Notified = svc.notify(ctx, Notification{
		Channel: "anomalies",
		Subject: fmt.Sprintf("Anomaly %s %s", input.AnomalyID, final),
		Body: fmt.Sprintf("Investigation of %s/%s finished: %s. %s",
			stored.Record.EntityType, stored.Record.EntityID, final, decision.Rationale),
		OrgID: input.OrgID,
		Metadata: map[string]any{
			"anomalyId": input.AnomalyID,
			"status":    string(final),
		},
	})
	return outcome, nil
})

// AnomalyInvestigation works one anomaly record to a confirmed or
// false-positive verdict.
var AnomalyInvestigation = workflow.Define(TypeAnomalyInvestigation,
	LoadAnomaly.After(),
	GatherContext.After(LoadAnomaly),
	RescoreAnomaly.After(GatherContext),
	Investigate.After(RescoreAnomaly),
	CloseInvestigation.After(Investigate),
)
