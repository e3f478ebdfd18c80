package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/atmx/credit-engine/internal/metrics"
	"github.com/atmx/credit-engine/internal/model"
)

// DefaultTTL is how long a cached price point is served without hitting
// the upstream feed.
const DefaultTTL = 60 * time.Second

// ErrPriceUnavailable is returned when the upstream fetch fails and no
// previously cached point exists to fall back on.
var ErrPriceUnavailable = errors.New("pricefeed: price unavailable")

// Oracle caches the spot price for a single asset with a TTL and a
// stale-fallback policy. It is an explicit, constructed object with its
// own lifetime — never a singleton — so isolated instances can run side
// by side (mainnet vs testnet, per test).
//
// Concurrent callers during a refresh share one in-flight upstream fetch;
// there is no thundering herd. Calling GetPrice repeatedly has no side
// effects beyond the cache.
type Oracle struct {
	source Source
	asset  string
	ttl    time.Duration

	mu     sync.RWMutex
	cached *model.PricePoint

	group singleflight.Group
}

// NewOracle creates an oracle for one asset. A ttl of 0 selects DefaultTTL.
func NewOracle(source Source, asset string, ttl time.Duration) *Oracle {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Oracle{source: source, asset: asset, ttl: ttl}
}

// Asset returns the asset this oracle quotes.
func (o *Oracle) Asset() string { return o.asset }

// GetPrice returns the current price point. A cached point younger than
// the TTL is returned as-is (tagged Cached). Otherwise a live fetch is
// attempted; on failure the previous point is re-tagged Fallback and
// served rather than propagating the error, unless no point was ever
// cached, in which case ErrPriceUnavailable is returned.
func (o *Oracle) GetPrice(ctx context.Context) (model.PricePoint, error) {
	o.mu.RLock()
	cached := o.cached
	o.mu.RUnlock()

	if cached != nil && time.Since(cached.ObservedAt) < o.ttl {
		pt := *cached
		pt.Source = model.SourceCached
		metrics.PriceServes.WithLabelValues(string(model.SourceCached)).Inc()
		return pt, nil
	}

	pt, err := o.refresh(ctx)
	if err == nil {
		metrics.PriceServes.WithLabelValues(string(model.SourceLive)).Inc()
		return pt, nil
	}

	// Another caller may have refreshed successfully while we were
	// waiting; re-check before falling back.
	o.mu.RLock()
	cached = o.cached
	o.mu.RUnlock()

	if cached != nil {
		pt := *cached
		pt.Source = model.SourceFallback
		metrics.PriceServes.WithLabelValues(string(model.SourceFallback)).Inc()
		slog.Warn("price fetch failed, serving stale fallback",
			"asset", o.asset, "age", pt.Age().String(), "err", err)
		return pt, nil
	}

	return model.PricePoint{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
}

// refresh performs one upstream fetch, de-duplicated across concurrent
// callers by asset.
func (o *Oracle) refresh(ctx context.Context) (model.PricePoint, error) {
	v, err, _ := o.group.Do(o.asset, func() (interface{}, error) {
		price, err := o.source.FetchSpotPrice(ctx, o.asset)
		if err != nil {
			metrics.PriceFetches.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.PriceFetches.WithLabelValues("ok").Inc()

		pt := model.PricePoint{
			Asset:      o.asset,
			PriceUSD:   price,
			ObservedAt: time.Now().UTC(),
			Source:     model.SourceLive,
		}

		o.mu.Lock()
		o.cached = &pt
		o.mu.Unlock()

		priceF, _ := price.Float64()
		metrics.SpotPrice.WithLabelValues(o.asset).Set(priceF)
		return pt, nil
	})
	if err != nil {
		return model.PricePoint{}, err
	}
	return v.(model.PricePoint), nil
}

// Run refreshes the price on a fixed interval until ctx is cancelled,
// independent of caller activity. notify, if non-nil, is invoked with
// each fresh point (used to push updates to WebSocket clients). Fetch
// failures are logged and retried on the next tick.
func (o *Oracle) Run(ctx context.Context, interval time.Duration, notify func(model.PricePoint)) {
	if interval <= 0 {
		interval = o.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pt, err := o.refresh(ctx)
			if err != nil {
				slog.Warn("background price refresh failed", "asset", o.asset, "err", err)
				continue
			}
			if notify != nil {
				notify(pt)
			}
		}
	}
}
