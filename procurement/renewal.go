package procurement

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/aksrustagi/talos-sub002/activity"
	"github.com/aksrustagi/talos-sub002/pricing"
	"github.com/aksrustagi/talos-sub002/pricing/regime"
	"github.com/aksrustagi/talos-sub002/retry"
	"github.com/aksrustagi/talos-sub002/workflow"
)

// =============================================================================
// contract_renewal
//
// Decide what to do with an expiring contract: pull the vendor's
// performance record, compare the contract price against the market and
// the regime forecast, collapse everything into a composite vendor
// score, and ask the renewal-advisor agent for the recommendation.
// =============================================================================

// ContractRenewalInput starts analysis of one expiring contract.
type ContractRenewalInput struct {
	OrgID        string  `json:"orgId"`
	ContractID   string  `json:"contractId"`
	VendorID     string  `json:"vendorId"`
	ProductID    string  `json:"productId"`
	AnnualVolume float64 `json:"annualVolume"`
	ExpiresAt    string  `json:"expiresAt"`
}

// PerformanceReport is the store's scorecard for the contract vendor,
// each dimension on a 0-100 scale.
type PerformanceReport struct {
	ContractPrice float64 `json:"contractPrice"`
	Quality       float64 `json:"quality"`
	Delivery      float64 `json:"delivery"`
	Service       float64 `json:"service"`
	Compliance    float64 `json:"compliance"`
	StrategicFit  float64 `json:"strategicFit"`
	SpendToDate   float64 `json:"spendToDate"`
}

// MarketAnalysisOutput pairs the regime forecast with the current
// market price for the contracted product.
type MarketAnalysisOutput struct {
	MarketPrice float64           `json:"marketPrice"`
	Prediction  regime.Prediction `json:"prediction"`
}

// VendorScoreOutput is the composite score with its inputs.
type VendorScoreOutput struct {
	Scores    VendorScores `json:"scores"`
	Composite float64      `json:"composite"`
}

// RenewalDecision is the renewal-advisor agent's structured output.
type RenewalDecision struct {
	Decision    string  `json:"decision"` // renew | renegotiate | terminate
	TargetPrice float64 `json:"targetPrice,omitempty"`
	Rationale   string  `json:"rationale"`
}

// RenewalOutcome is the workflow's final output.
type RenewalOutcome struct {
	ContractID      string  `json:"contractId"`
	VendorID        string  `json:"vendorId"`
	Recommendation  string  `json:"recommendation"`
	TargetPrice     float64 `json:"targetPrice,omitempty"`
	CompositeScore  float64 `json:"compositeScore"`
	ExpectedSavings float64 `json:"expectedSavings"`
	Notified        bool    `json:"notified"`
}

// AnalyzePerformance loads the vendor's scorecard for this contract.
var AnalyzePerformance = workflow.NewStep("analyze-performance", func(ctx workflow.Context) (PerformanceReport, error) {
	input := workflow.MustInput[ContractRenewalInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return PerformanceReport{}, err
	}
	if svc.Documents == nil {
		return PerformanceReport{}, activity.Validationf("document store not configured")
	}

	report, err := activity.Execute(ctx, "analyze-performance", activity.Options{Policy: retry.Default()},
		func(actx context.Context) (PerformanceReport, error) {
			raw, uerr := svc.Documents.Update(actx, "contracts:performance", map[string]any{
				"orgId":      input.OrgID,
				"contractId": input.ContractID,
			})
			if uerr != nil {
				return PerformanceReport{}, uerr
			}
			var res PerformanceReport
			if jerr := json.Unmarshal(raw, &res); jerr != nil {
				return PerformanceReport{}, activity.Validationf("performance report unreadable: %v", jerr)
			}
			return res, nil
		})
	if err != nil {
		return PerformanceReport{}, fmt.Errorf("analyze performance: %w", err)
	}
	if report.ContractPrice <= 0 {
		return PerformanceReport{}, activity.Validationf("contract %s has no recorded price", input.ContractID)
	}
	return report, nil
})

// AnalyzeMarket pulls the product's price history and runs the regime
// predictor, so the renewal decision sees where the market is heading.
var AnalyzeMarket = workflow.NewStep("analyze-market", func(ctx workflow.Context) (MarketAnalysisOutput, error) {
	input := workflow.MustInput[ContractRenewalInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return MarketAnalysisOutput{}, err
	}
	if svc.Prices == nil {
		return MarketAnalysisOutput{}, activity.Validationf("price source not configured")
	}
	if svc.Predictor == nil {
		return MarketAnalysisOutput{}, activity.Validationf("regime predictor not configured")
	}

	records, err := activity.Execute(ctx, "fetch-market-history", activity.Options{Policy: retry.Default()},
		func(actx context.Context) ([]pricing.PriceRecord, error) {
			return svc.Prices.FetchHistory(actx, input.VendorID, input.ProductID)
		})
	if err != nil {
		return MarketAnalysisOutput{}, fmt.Errorf("fetch market history: %w", err)
	}

	market := latestPrice(records)
	observations := pricing.BuildObservations(records)
	prediction := svc.Predictor.Predict(observations, market, input.AnnualVolume)
	if prediction.Degraded {
		svc.log().Info("market analysis degraded", "contract", input.ContractID, "product", input.ProductID)
	}
	return MarketAnalysisOutput{MarketPrice: market, Prediction: prediction}, nil
})

// ScoreVendor collapses performance and price position into the
// composite vendor score. The price dimension compares the contract
// price to the market: paying at market scores 50, each percent below
// market adds two points, each percent above subtracts two.
var ScoreVendor = workflow.NewStep("score-vendor", func(ctx workflow.Context) (VendorScoreOutput, error) {
	report := AnalyzePerformance.MustOutput(ctx)
	market := AnalyzeMarket.MustOutput(ctx)

	priceScore := 50.0
	if market.MarketPrice > 0 {
		belowMarketPct := (market.MarketPrice - report.ContractPrice) / market.MarketPrice * 100
		priceScore = math.Max(0, math.Min(100, 50+2*belowMarketPct))
	}

	scores := VendorScores{
		Price:        priceScore,
		Quality:      report.Quality,
		Delivery:     report.Delivery,
		Service:      report.Service,
		Compliance:   report.Compliance,
		StrategicFit: report.StrategicFit,
	}
	return VendorScoreOutput{Scores: scores, Composite: scores.Composite()}, nil
})

// GenerateRecommendation asks the renewal-advisor agent for the renewal
// call, grounded in the score and the market forecast.
var GenerateRecommendation = workflow.NewStep("generate-recommendation", func(ctx workflow.Context) (RenewalDecision, error) {
	input := workflow.MustInput[ContractRenewalInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return RenewalDecision{}, err
	}
	if svc.Agents == nil {
		return RenewalDecision{}, activity.Validationf("agent invoker not configured")
	}
	report := AnalyzePerformance.MustOutput(ctx)
	market := AnalyzeMarket.MustOutput(ctx)
	score := ScoreVendor.MustOutput(ctx)

	return invokeDecision[RenewalDecision](ctx, svc, "renewal-advisor", input.OrgID, map[string]any{
		"contractId":     input.ContractID,
		"vendorId":       input.VendorID,
		"expiresAt":      input.ExpiresAt,
		"contractPrice":  report.ContractPrice,
		"marketPrice":    market.MarketPrice,
		"priceState":     market.Prediction.State,
		"forecast30":     market.Prediction.Day30,
		"forecast90":     market.Prediction.Day90,
		"compositeScore": score.Composite,
		"scores":         score.Scores,
	}, "renew", "renegotiate", "terminate")
})

// PersistRenewal records the recommendation and notifies the sourcing
// team.
var PersistRenewal = workflow.NewStep("persist-renewal", func(ctx workflow.Context) (RenewalOutcome, error) {
	input := workflow.MustInput[ContractRenewalInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return RenewalOutcome{}, err
	}
	market := AnalyzeMarket.MustOutput(ctx)
	score := ScoreVendor.MustOutput(ctx)
	decision := GenerateRecommendation.MustOutput(ctx)

	outcome := RenewalOutcome{
		ContractID:      input.ContractID,
		VendorID:        input.VendorID,
		Recommendation:  decision.Decision,
		TargetPrice:     decision.TargetPrice,
		CompositeScore:  score.Composite,
		ExpectedSavings: market.Prediction.ExpectedSavings,
	}

	_, err = activity.Execute(ctx, "record-recommendation", activity.Options{Policy: retry.Default()},
		func(actx context.Context) (struct{}, error) {
			_, uerr := svc.Documents.Update(actx, "contracts:recordRecommendation", map[string]any{
				"contractId":     input.ContractID,
				"orgId":          input.OrgID,
				"recommendation": decision.Decision,
				"targetPrice":    decision.TargetPrice,
				"rationale":      decision.Rationale,
				"composite":      score.Composite,
				"runId":          ctx.RunID(),
			})
			return struct{}{}, uerr
		})
	if err != nil {
		return RenewalOutcome{}, fmt.Errorf("record recommendation: %w", err)
	}

	outcome.Notified = svc.notify(ctx, Notification{
		Channel: "contracts",
		Subject: fmt.Sprintf("Contract %s renewal: %s", input.ContractID, decision.Decision),
		Body: fmt.Sprintf("Vendor %s scored %.1f. Recommendation: %s. %s",
			input.VendorID, score.Composite, decision.Decision, decision.Rationale),
		OrgID: input.OrgID,
		Metadata: map[string]any{
			"contractId":     input.ContractID,
			"recommendation": decision.Decision,
		},
	})
	return outcome, nil
})

// ContractRenewal scores an expiring contract's vendor against the
// market and recommends renew, renegotiate, or terminate.
var ContractRenewal = workflow.Define(TypeContractRenewal,
	AnalyzePerformance.After(),
	AnalyzeMarket.After(AnalyzePerformance),
	ScoreVendor.After(AnalyzeMarket),
	GenerateRecommendation.After(ScoreVendor),
	PersistRenewal.After(GenerateRecommendation),
)
