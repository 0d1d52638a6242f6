package procurement

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/aksrustagi/talos-sub002/activity"
	"github.com/aksrustagi/talos-sub002/retry"
	"github.com/aksrustagi/talos-sub002/workflow"
)

// =============================================================================
// catalog_sync
//
// Refresh one vendor's catalog: page through the price source, normalize
// what came back, diff against stored prices, apply the updates, and
// notify about significant moves. fullSync pulls the entire catalog;
// otherwise only recently changed products come back from the source.
// =============================================================================

// significantChangePct is the price move that earns a notification.
const significantChangePct = 0.05

// CatalogSyncInput starts a sync for one vendor.
type CatalogSyncInput struct {
	OrgID    string `json:"orgId"`
	VendorID string `json:"vendorId"`
	FullSync bool   `json:"fullSync"`
}

// CatalogItem is one normalized catalog entry.
type CatalogItem struct {
	ProductID string  `json:"productId"`
	UnitPrice float64 `json:"unitPrice"`
	Currency  string  `json:"currency"`
}

// FetchCatalogOutput is every page of the vendor feed, concatenated.
type FetchCatalogOutput struct {
	Prices []ProductPrice `json:"prices"`
	Pages  int            `json:"pages"`
}

// NormalizeOutput is the cleaned catalog. Dropped counts entries
// discarded for bad prices or duplicate product IDs.
type NormalizeOutput struct {
	Items   []CatalogItem `json:"items"`
	Dropped int           `json:"dropped"`
}

// PriceChange is one product whose stored price moved.
type PriceChange struct {
	ProductID string  `json:"productId"`
	OldPrice  float64 `json:"oldPrice"`
	NewPrice  float64 `json:"newPrice"`
	ChangePct float64 `json:"changePct"`
}

// PriceChangesOutput is the diff against stored prices. NewProducts
// counts items the store had never seen.
type PriceChangesOutput struct {
	Changes     []PriceChange `json:"changes,omitempty"`
	NewProducts int           `json:"newProducts"`
	Significant int           `json:"significant"`
}

// CatalogSyncOutcome is the workflow's final output.
type CatalogSyncOutcome struct {
	VendorID          string `json:"vendorId"`
	FullSync          bool   `json:"fullSync"`
	ProductsProcessed int    `json:"productsProcessed"`
	PriceChanges      int    `json:"priceChanges"`
	NewProducts       int    `json:"newProducts"`
	Notified          int    `json:"notified"`
}

// FetchCatalog pages through the vendor feed until the source reports no
// next page. Each page fetch is its own retried activity.
var FetchCatalog = workflow.NewStep("fetch-catalog", func(ctx workflow.Context) (FetchCatalogOutput, error) {
	input := workflow.MustInput[CatalogSyncInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return FetchCatalogOutput{}, err
	}
	if svc.Prices == nil {
		return FetchCatalogOutput{}, activity.Validationf("price source not configured")
	}
	if input.VendorID == "" {
		return FetchCatalogOutput{}, activity.Validationf("catalog sync needs a vendor")
	}

	var out FetchCatalogOutput
	for page := 1; page > 0; {
		batch, err := activity.Execute(ctx, fmt.Sprintf("fetch-catalog-page:%d", page), activity.Options{Policy: retry.Default()},
			func(actx context.Context) (PriceBatch, error) {
				return svc.Prices.FetchPrices(actx, PriceRequest{
					OrgID:       input.OrgID,
					VendorID:    input.VendorID,
					FullCatalog: input.FullSync,
					Page:        page,
				})
			})
		if err != nil {
			return FetchCatalogOutput{}, fmt.Errorf("fetch catalog page %d: %w", page, err)
		}
		out.Prices = append(out.Prices, batch.Prices...)
		out.Pages++
		if batch.NextPage <= page {
			break
		}
		page = batch.NextPage
	}
	return out, nil
})

// NormalizeCatalog cleans the feed: positive prices only, uppercase
// currency defaulting to USD, one entry per product (last page wins),
// sorted by product for a deterministic diff.
var NormalizeCatalog = workflow.NewStep("normalize-catalog", func(ctx workflow.Context) (NormalizeOutput, error) {
	fetched := FetchCatalog.MustOutput(ctx)

	byProduct := make(map[string]CatalogItem, len(fetched.Prices))
	dropped := 0
	for _, p := range fetched.Prices {
		if p.ProductID == "" || p.UnitPrice <= 0 {
			dropped++
			continue
		}
		if _, seen := byProduct[p.ProductID]; seen {
			dropped++
		}
		currency := strings.ToUpper(strings.TrimSpace(p.Currency))
		if currency == "" {
			currency = "USD"
		}
		byProduct[p.ProductID] = CatalogItem{
			ProductID: p.ProductID,
			UnitPrice: p.UnitPrice,
			Currency:  currency,
		}
	}

	items := make([]CatalogItem, 0, len(byProduct))
	for _, item := range byProduct {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
	return NormalizeOutput{Items: items, Dropped: dropped}, nil
})

// DetectPriceChanges diffs the normalized catalog against the prices the
// store currently holds for the vendor.
var DetectPriceChanges = workflow.NewStep("detect-price-changes", func(ctx workflow.Context) (PriceChangesOutput, error) {
	input := workflow.MustInput[CatalogSyncInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return PriceChangesOutput{}, err
	}
	if svc.Documents == nil {
		return PriceChangesOutput{}, activity.Validationf("document store not configured")
	}
	normalized := NormalizeCatalog.MustOutput(ctx)

	current, err := activity.Execute(ctx, "load-current-prices", activity.Options{Policy: retry.Default()},
		func(actx context.Context) (map[string]float64, error) {
			raw, uerr := svc.Documents.Update(actx, "catalog:currentPrices", map[string]any{
				"orgId":    input.OrgID,
				"vendorId": input.VendorID,
			})
			if uerr != nil {
				return nil, uerr
			}
			var res map[string]float64
			if jerr := json.Unmarshal(raw, &res); jerr != nil {
				return nil, activity.Validationf("current prices unreadable: %v", jerr)
			}
			return res, nil
		})
	if err != nil {
		return PriceChangesOutput{}, fmt.Errorf("load current prices: %w", err)
	}

	var out PriceChangesOutput
	for _, item := range normalized.Items {
		old, known := current[item.ProductID]
		if !known {
			out.NewProducts++
			continue
		}
		if old <= 0 || old == item.UnitPrice {
			continue
		}
		pct := (item.UnitPrice - old) / old
		out.Changes = append(out.Changes, PriceChange{
			ProductID: item.ProductID,
			OldPrice:  old,
			NewPrice:  item.UnitPrice,
			ChangePct: pct,
		})
		if math.Abs(pct) >= significantChangePct {
			out.Significant++
		}
	}
	return out, nil
})

// ApplyCatalogUpdates writes the normalized catalog back to the store
// and reports how many products the sync processed.
var ApplyCatalogUpdates = workflow.NewStep("apply-updates", func(ctx workflow.Context) (CatalogSyncOutcome, error) {
	input := workflow.MustInput[CatalogSyncInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return CatalogSyncOutcome{}, err
	}
	normalized := NormalizeCatalog.MustOutput(ctx)
	changes := DetectPriceChanges.MustOutput(ctx)

	_, err = activity.Execute(ctx, "apply-catalog-updates", activity.Options{Policy: retry.Default()},
		func(actx context.Context) (struct{}, error) {
			_, uerr := svc.Documents.Update(actx, "catalog:applyUpdates", map[string]any{
				"orgId":    input.OrgID,
				"vendorId": input.VendorID,
				"fullSync": input.FullSync,
				"items":    normalized.Items,
				"runId":    ctx.RunID(),
			})
			return struct{}{}, uerr
		})
	if err != nil {
		return CatalogSyncOutcome{}, fmt.Errorf("apply catalog updates: %w", err)
	}

	return CatalogSyncOutcome{
		VendorID:          input.VendorID,
		FullSync:          input.FullSync,
		ProductsProcessed: len(normalized.Items),
		PriceChanges:      len(changes.Changes),
		NewProducts:       changes.NewProducts,
	}, nil
})

// NotifyPriceChanges delivers one notification per significant move.
var NotifyPriceChanges = workflow.NewStep("notify-price-changes", func(ctx workflow.Context) (CatalogSyncOutcome, error) {
	input := workflow.MustInput[CatalogSyncInput](ctx)
	svc, err := services(ctx)
	if err != nil {
		return CatalogSyncOutcome{}, err
	}
	changes := DetectPriceChanges.MustOutput(ctx)
	outcome := ApplyCatalogUpdates.MustOutput(ctx)

	for _, c := range changes.Changes {
		if math.Abs(c.ChangePct) < significantChangePct {
			continue
		}
		n := Notification{
			Channel: "catalog",
			Subject: fmt.Sprintf("%s: price moved %+.1f%%", c.ProductID, c.ChangePct*100),
			Body: fmt.Sprintf("Vendor %s changed %s from %.2f to %.2f (%+.1f%%).",
				input.VendorID, c.ProductID, c.OldPrice, c.NewPrice, c.ChangePct*100),
			OrgID: input.OrgID,
			Metadata: map[string]any{
				"vendorId":  input.VendorID,
				"productId": c.ProductID,
				"changePct": c.ChangePct,
			},
		}
		if svc.notify(ctx, n) {
			outcome.Notified++
		}
	}
	return outcome, nil
})

// CatalogSync refreshes one vendor catalog end to end.
var CatalogSync = workflow.Define(TypeCatalogSync,
	FetchCatalog.After(),
	NormalizeCatalog.After(FetchCatalog),
	DetectPriceChanges.After(NormalizeCatalog),
	ApplyCatalogUpdates.After(DetectPriceChanges),
	NotifyPriceChanges.After(ApplyCatalogUpdates),
)
