package pricefeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/credit-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeSource is a scriptable Source for oracle tests.
type fakeSource struct {
	mu     sync.Mutex
	price  decimal.Decimal
	err    error
	calls  int32
	block  chan struct{} // if non-nil, FetchSpotPrice waits on it
}

func (f *fakeSource) FetchSpotPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.price, nil
}

func (f *fakeSource) set(price decimal.Decimal, err error) {
	f.mu.Lock()
	f.price, f.err = price, err
	f.mu.Unlock()
}

func TestGetPrice_FirstCallIsLive(t *testing.T) {
	src := &fakeSource{price: d(50000)}
	o := NewOracle(src, "BTC", time.Minute)

	pt, err := o.GetPrice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pt.Source != model.SourceLive {
		t.Errorf("expected live, got %s", pt.Source)
	}
	if !pt.PriceUSD.Equal(d(50000)) {
		t.Errorf("expected 50000, got %s", pt.PriceUSD)
	}
}

func TestGetPrice_SecondCallIsCached(t *testing.T) {
	src := &fakeSource{price: d(50000)}
	o := NewOracle(src, "BTC", time.Minute)

	if _, err := o.GetPrice(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pt, err := o.GetPrice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pt.Source != model.SourceCached {
		t.Errorf("expected cached, got %s", pt.Source)
	}
	if got := atomic.LoadInt32(&src.calls); got != 1 {
		t.Errorf("expected exactly 1 upstream fetch, got %d", got)
	}
}

func TestGetPrice_CachedValueIsACopy(t *testing.T) {
	src := &fakeSource{price: d(50000)}
	o := NewOracle(src, "BTC", time.Minute)

	a, _ := o.GetPrice(context.Background())
	a.PriceUSD = d(1) // mutate the caller's copy

	b, _ := o.GetPrice(context.Background())
	if !b.PriceUSD.Equal(d(50000)) {
		t.Error("mutating a returned point must not affect the cache")
	}
}

// Scenario: feed fails repeatedly with a point older than the TTL — the
// stale point is served tagged fallback, never an error.
func TestGetPrice_StaleFallbackOnFetchFailure(t *testing.T) {
	src := &fakeSource{price: d(50000)}
	o := NewOracle(src, "BTC", time.Minute)

	if _, err := o.GetPrice(context.Background()); err != nil {
		t.Fatalf("seed fetch failed: %v", err)
	}

	// Age the cached point past the TTL and break the feed.
	o.mu.Lock()
	o.cached.ObservedAt = time.Now().Add(-90 * time.Second)
	o.mu.Unlock()
	src.set(decimal.Zero, errors.New("connection refused"))

	for i := 0; i < 2; i++ {
		pt, err := o.GetPrice(context.Background())
		if err != nil {
			t.Fatalf("fallback should absorb fetch failure, got %v", err)
		}
		if pt.Source != model.SourceFallback {
			t.Errorf("expected fallback, got %s", pt.Source)
		}
		if !pt.PriceUSD.Equal(d(50000)) {
			t.Errorf("fallback should carry the stale price, got %s", pt.PriceUSD)
		}
	}
}

func TestGetPrice_NoCacheNoPrice(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	o := NewOracle(src, "BTC", time.Minute)

	_, err := o.GetPrice(context.Background())
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestGetPrice_SingleFlightDeduplicatesRefresh(t *testing.T) {
	src := &fakeSource{price: d(50000), block: make(chan struct{})}
	o := NewOracle(src, "BTC", time.Minute)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]model.PricePoint, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.GetPrice(context.Background())
		}(i)
	}

	// Let all callers pile onto the in-flight fetch, then release it.
	time.Sleep(50 * time.Millisecond)
	close(src.block)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if !results[i].PriceUSD.Equal(d(50000)) {
			t.Errorf("caller %d got price %s", i, results[i].PriceUSD)
		}
	}
	if got := atomic.LoadInt32(&src.calls); got != 1 {
		t.Errorf("expected 1 shared upstream fetch, got %d", got)
	}
}

func TestGetPrice_RefreshAfterTTL(t *testing.T) {
	src := &fakeSource{price: d(50000)}
	o := NewOracle(src, "BTC", time.Minute)

	o.GetPrice(context.Background())

	o.mu.Lock()
	o.cached.ObservedAt = time.Now().Add(-2 * time.Minute)
	o.mu.Unlock()
	src.set(d(51000), nil)

	pt, err := o.GetPrice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pt.Source != model.SourceLive {
		t.Errorf("expected live after TTL expiry, got %s", pt.Source)
	}
	if !pt.PriceUSD.Equal(d(51000)) {
		t.Errorf("expected refreshed price 51000, got %s", pt.PriceUSD)
	}
}

// --- HTTPSource tests ---

func TestHTTPSource_ParsesSpotResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/prices/BTC-USD/spot" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":{"base":"BTC","currency":"USD","amount":"50123.45"}}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL)
	price, err := src.FetchSpotPrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(d(50123.45)) {
		t.Errorf("expected 50123.45, got %s", price)
	}
}

func TestHTTPSource_Non2xxIsFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL)
	if _, err := src.FetchSpotPrice(context.Background(), "BTC"); !errors.Is(err, ErrFetchFailed) {
		t.Errorf("expected ErrFetchFailed, got %v", err)
	}
}

func TestHTTPSource_MalformedBodyIsFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"amount":`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL)
	if _, err := src.FetchSpotPrice(context.Background(), "BTC"); !errors.Is(err, ErrFetchFailed) {
		t.Errorf("expected ErrFetchFailed, got %v", err)
	}
}

func TestHTTPSource_NonPositivePriceIsFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"amount":"0"}}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL)
	if _, err := src.FetchSpotPrice(context.Background(), "BTC"); !errors.Is(err, ErrFetchFailed) {
		t.Errorf("expected ErrFetchFailed, got %v", err)
	}
}
