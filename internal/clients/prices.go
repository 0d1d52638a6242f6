package clients

import (
	"context"
	"time"

	"github.com/aksrustagi/talos-sub002/pricing"
	"github.com/aksrustagi/talos-sub002/procurement"
)

// PriceClient fetches vendor catalogs and price histories from the
// external price source. It implements procurement.PriceSource.
type PriceClient struct {
	http httpClient
}

// NewPriceClient builds a client for the price source at baseURL.
func NewPriceClient(baseURL, apiKey string, timeout time.Duration) *PriceClient {
	return &PriceClient{http: newHTTPClient(baseURL, apiKey, timeout)}
}

// FetchPrices pulls one page of a vendor's current prices.
func (c *PriceClient) FetchPrices(ctx context.Context, req procurement.PriceRequest) (procurement.PriceBatch, error) {
	var batch procurement.PriceBatch
	if err := c.http.postJSON(ctx, "/api/prices/fetch", req, &batch); err != nil {
		return procurement.PriceBatch{}, err
	}
	return batch, nil
}

// FetchHistory pulls the full price history for one vendor/product pair.
func (c *PriceClient) FetchHistory(ctx context.Context, vendorID, productID string) ([]pricing.PriceRecord, error) {
	var out struct {
		Prices []pricing.PriceRecord `json:"prices"`
	}
	err := c.http.postJSON(ctx, "/api/prices/history", map[string]string{
		"vendorId":  vendorID,
		"productId": productID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Prices, nil
}
