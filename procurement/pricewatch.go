package procurement

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aksrustagi/talos-sub002/activity"
	"github.com/aksrustagi/talos-sub002/pricing"
	"github.com/aksrustagi/talos-sub002/pricing/regime"
	"github.com/aksrustagi/talos-sub002/retry"
	"github.com/aksrustagi/talos-sub002/workflow"
)

// =============================================================================
// price_watch_scan
//
// Periodic scan over the products an org watches: pull price history per
// vendor/product pair, run the regime predictor, grade the predicted
// movement into alert tiers, persist, and notify anything above LOW.
// =============================================================================

// PriceWatchInput starts a scan over an org's watched products.
type PriceWatchInput struct {
	OrgID   string       `json:"orgId"`
	Watches []PriceWatch `json:"watches"`
}

// PriceWatch names one vendor/product pair under observation.
// AnnualVolume is the org's yearly purchase volume in units, used to
// turn predicted price moves into dollar impact.
type PriceWatch struct {
	VendorID     string  `json:"vendorId"`
	ProductID    string  `json:"productId"`
	AnnualVolume float64 `json:"annualVolume"`
}

func (w PriceWatch) key() string { return w.VendorID + "/" + w.ProductID }

// HistoriesOutput carries the fetched price history per watch key
// (vendorId/productId).
type HistoriesOutput struct {
	Histories map[string][]pricing.PriceRecord `json:"histories"`
}

// WatchObservationsOutput carries the observation vectors and latest
// known price per watch key.
type WatchObservationsOutput struct {
	Observations  map[string][]pricing.Observation `json:"observations"`
	CurrentPrices map[string]float64               `json:"currentPrices"`
}

// WatchPredictionsOutput carries one regime prediction per watch key.
// Degraded lists keys whose history was too thin to predict from.
type WatchPredictionsOutput struct {
	Predictions map[string]regime.Prediction `json:"predictions"`
	Degraded    []string                     `json:"degraded,omitempty"`
}

// PriceAlert grades one watched product's predicted 30-day move.
type PriceAlert struct {
	VendorID           string            `json:"vendorId"`
	ProductID          string            `json:"productId"`
	Tier               string            `json:"tier"`
	PredictedChangePct float64           `json:"predictedChangePct"`
	Prediction         regime.Prediction `json:"prediction"`
}

// AlertsOutput lists the graded alerts in watch order.
type AlertsOutput struct {
	Alerts []PriceAlert `json:"alerts"`
}

// PersistPredictionsOutput reports how many predictions were stored.
type PersistPredictionsOutput struct {
	Saved int `json:"saved"`
}

// PriceWatchNotifyOutput reports how many alerts were delivered.
type PriceWatchNotifyOutput struct {
	Notified int `json:"notified"`
}

// FetchPriceHistories pulls price history for every watch in parallel.
// Each fetch is its own retried activity so one flaky product does not
// restart the others.
var FetchPriceHistories = workflow.NewStep("fetch-price-histories", func(ctx workflow.Context) (HistoriesOutput, error) {
	input := workflow.MustInput[PriceWatchInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return HistoriesOutput{}, err
	}
	if svc.Prices == nil {
		return HistoriesOutput{}, activity.Validationf("price source not configured")
	}
	if len(input.Watches) == 0 {
		return HistoriesOutput{}, activity.Validationf("price watch scan needs at least one watch")
	}

	histories := make(map[string][]pricing.PriceRecord, len(input.Watches))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFanout)
	for _, w := range input.Watches {
		g.Go(func() error {
			records, err := activity.Execute(gctx, "fetch-history:"+w.key(), activity.Options{Policy: retry.Default()},
				func(actx context.Context) ([]pricing.PriceRecord, error) {
					return svc.Prices.FetchHistory(actx, w.VendorID, w.ProductID)
				})
			if err != nil {
				return fmt.Errorf("fetch history for %s: %w", w.key(), err)
			}
			mu.Lock()
			histories[w.key()] = records
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return HistoriesOutput{}, err
	}
	return HistoriesOutput{Histories: histories}, nil
})

// BuildWatchObservations turns each history into the observation vectors
// the predictor consumes, and records the latest known price.
var BuildWatchObservations = workflow.NewStep("build-observations", func(ctx workflow.Context) (WatchObservationsOutput, error) {
	fetched := FetchPriceHistories.MustOutput(ctx)

	out := WatchObservationsOutput{
		Observations:  make(map[string][]pricing.Observation, len(fetched.Histories)),
		CurrentPrices: make(map[string]float64, len(fetched.Histories)),
	}
	for key, records := range fetched.Histories {
		out.Observations[key] = pricing.BuildObservations(records)
		out.CurrentPrices[key] = latestPrice(records)
	}
	return out, nil
})

// RunPredictions runs the regime predictor once per watch. Thin
// histories produce degraded predictions rather than failures.
var RunPredictions = workflow.NewStep("run-predictions", func(ctx workflow.Context) (WatchPredictionsOutput, error) {
	input := workflow.MustInput[PriceWatchInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return WatchPredictionsOutput{}, err
	}
	if svc.Predictor == nil {
		return WatchPredictionsOutput{}, activity.Validationf("regime predictor not configured")
	}
	obs := BuildWatchObservations.MustOutput(ctx)

	out := WatchPredictionsOutput{
		Predictions: make(map[string]regime.Prediction, len(input.Watches)),
	}
	for _, w := range input.Watches {
		key := w.key()
		pred := svc.Predictor.Predict(obs.Observations[key], obs.CurrentPrices[key], w.AnnualVolume)
		out.Predictions[key] = pred
		if pred.Degraded {
			out.Degraded = append(out.Degraded, key)
		}
	}
	if len(out.Degraded) > 0 {
		svc.log().Info("price watch predictions degraded", "org", input.OrgID, "count", len(out.Degraded))
	}
	return out, nil
})

// EvaluateAlerts grades each prediction's 30-day move into an alert
// tier. Degraded predictions grade LOW: no forecast, no alarm.
var EvaluateAlerts = workflow.NewStep("evaluate-alerts", func(ctx workflow.Context) (AlertsOutput, error) {
	input := workflow.MustInput[PriceWatchInput](ctx)
	obs := BuildWatchObservations.MustOutput(ctx)
	preds := RunPredictions.MustOutput(ctx)

	alerts := make([]PriceAlert, 0, len(input.Watches))
	for _, w := range input.Watches {
		key := w.key()
		pred := preds.Predictions[key]
		current := obs.CurrentPrices[key]

		change := 0.0
		if current > 0 && !pred.Degraded {
			change = (pred.Day30.Price - current) / current
		}
		alerts = append(alerts, PriceAlert{
			VendorID:           w.VendorID,
			ProductID:          w.ProductID,
			Tier:               AlertTier(change),
			PredictedChangePct: change,
			Prediction:         pred,
		})
	}
	return AlertsOutput{Alerts: alerts}, nil
})

// PersistPredictions writes the scan's predictions and tiers to the
// document store in one operation.
var PersistPredictions = workflow.NewStep("persist-predictions", func(ctx workflow.Context) (PersistPredictionsOutput, error) {
	input := workflow.MustInput[PriceWatchInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return PersistPredictionsOutput{}, err
	}
	if svc.Documents == nil {
		return PersistPredictionsOutput{}, activity.Validationf("document store not configured")
	}
	alerts := EvaluateAlerts.MustOutput(ctx)

	_, err = activity.Execute(ctx, "record-predictions", activity.Options{Policy: retry.Default()},
		func(actx context.Context) (struct{}, error) {
			_, uerr := svc.Documents.Update(actx, "pricing:recordPredictions", map[string]any{
				"orgId":  input.OrgID,
				"runId":  ctx.RunID(),
				"alerts": alerts.Alerts,
			})
			return struct{}{}, uerr
		})
	if err != nil {
		return PersistPredictionsOutput{}, fmt.Errorf("record predictions: %w", err)
	}
	return PersistPredictionsOutput{Saved: len(alerts.Alerts)}, nil
})

// NotifyPriceAlerts delivers every alert above LOW. Delivery is
// best-effort; a down queue never fails the scan.
var NotifyPriceAlerts = workflow.NewStep("notify-price-alerts", func(ctx workflow.Context) (PriceWatchNotifyOutput, error) {
	input := workflow.MustInput[PriceWatchInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return PriceWatchNotifyOutput{}, err
	}
	alerts := EvaluateAlerts.MustOutput(ctx)

	notified := 0
	for _, a := range alerts.Alerts {
		if a.Tier == AlertLow {
			continue
		}
		n := Notification{
			Channel: "price-alerts",
			Subject: fmt.Sprintf("[%s] %s: price expected to move %+.1f%% in 30 days", a.Tier, a.ProductID, a.PredictedChangePct*100),
			Body: fmt.Sprintf("Vendor %s, product %s: predicted 30-day price %.2f (%+.1f%%). Recommendation: %s.",
				a.VendorID, a.ProductID, a.Prediction.Day30.Price, a.PredictedChangePct*100, a.Prediction.Recommendation),
			OrgID: input.OrgID,
			Metadata: map[string]any{
				"vendorId":       a.VendorID,
				"productId":      a.ProductID,
				"tier":           a.Tier,
				"recommendation": string(a.Prediction.Recommendation),
			},
		}
		if svc.notify(ctx, n) {
			notified++
		}
	}
	return PriceWatchNotifyOutput{Notified: notified}, nil
})

// PriceWatchScan is the periodic price-regime scan.
//
// DAG structure:
//
//	FetchPriceHistories (fan-out per watch)
//	     │
//	     ▼
//	BuildWatchObservations
//	     │
//	     ▼
//	RunPredictions
//	     │
//	     ▼
//	EvaluateAlerts
//	     │
//	     ▼
//	PersistPredictions
//	     │
//	     ▼
//	NotifyPriceAlerts
var PriceWatchScan = workflow.Define(TypePriceWatchScan,
	FetchPriceHistories.After(),
	BuildWatchObservations.After(FetchPriceHistories),
	RunPredictions.After(BuildWatchObservations),
	EvaluateAlerts.After(RunPredictions),
	PersistPredictions.After(EvaluateAlerts),
	NotifyPriceAlerts.After(PersistPredictions),
)

// latestPrice returns the most recent usable price in a history, or 0
// when none exists.
func latestPrice(records []pricing.PriceRecord) float64 {
	price := 0.0
	var latest int64
	for _, r := range records {
		if r.Price <= 0 {
			continue
		}
		if ts := r.Timestamp.UnixNano(); price == 0 || ts >= latest {
			price = r.Price
			latest = ts
		}
	}
	return price
}
