// Package pricefeed fetches and caches the collateral-asset spot price.
// The Oracle owns exactly one cached PricePoint per asset and hands out
// copies with a TTL / stale-fallback policy; the Source is the upstream
// quote API boundary.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ErrFetchFailed is returned by HTTPSource for any upstream failure.
// Network errors, non-2xx responses and malformed payloads are treated
// identically: the quote is unusable.
var ErrFetchFailed = errors.New("pricefeed: spot price fetch failed")

// Source is the upstream price feed boundary.
type Source interface {
	// FetchSpotPrice returns the current USD spot price for one unit of
	// the asset.
	FetchSpotPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}

// HTTPSource fetches spot prices from a Coinbase-style quote API:
//
//	GET {baseURL}/v2/prices/{asset}-USD/spot
//	→ {"data":{"base":"BTC","currency":"USD","amount":"50000.00"}}
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source against the given quote API base URL.
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type spotResponse struct {
	Data struct {
		Amount decimal.Decimal `json:"amount"`
	} `json:"data"`
}

// FetchSpotPrice implements Source.
func (s *HTTPSource) FetchSpotPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/v2/prices/%s-USD/spot", s.baseURL, asset)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decimal.Zero, fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	var body spotResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if body.Data.Amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s", ErrFetchFailed, body.Data.Amount)
	}

	return body.Data.Amount, nil
}
