// Package position maintains per-address in-memory snapshots of the
// on-chain credit line, refreshed from the ledger client and composed
// with the price oracle into risk metrics on every read.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/credit-engine/internal/ledger"
	"github.com/atmx/credit-engine/internal/metrics"
	"github.com/atmx/credit-engine/internal/model"
	"github.com/atmx/credit-engine/internal/risk"
)

// ErrLedgerUnavailable is returned when the ledger read fails for any
// reason other than "no position". The previous snapshot, if any, is
// retained and returned alongside it, flagged stale.
var ErrLedgerUnavailable = errors.New("position: ledger unavailable")

// Oracle is the price dependency of the store.
type Oracle interface {
	GetPrice(ctx context.Context) (model.PricePoint, error)
}

// Store holds the last-committed position snapshot per address. Refresh
// is the only mutator and replaces a snapshot atomically; readers never
// observe a torn position and never block on an in-progress refresh —
// stale-but-consistent reads are preferred over blocking callers.
//
// Explicit, constructed state: multiple isolated stores can run side by
// side (mainnet vs testnet, per test).
type Store struct {
	ledger ledger.Client
	oracle Oracle

	mu        sync.RWMutex
	positions map[string]model.Position
}

// NewStore creates a store over the given ledger client and price oracle.
func NewStore(lc ledger.Client, oracle Oracle) *Store {
	return &Store{
		ledger:    lc,
		oracle:    oracle,
		positions: make(map[string]model.Position),
	}
}

// Get returns the cached snapshot for the address, refreshing from the
// ledger only when no snapshot exists yet.
func (s *Store) Get(ctx context.Context, address string) (model.Position, error) {
	s.mu.RLock()
	pos, ok := s.positions[address]
	s.mu.RUnlock()
	if ok {
		return pos, nil
	}
	return s.Refresh(ctx, address)
}

// Refresh forces a re-read from the ledger and atomically replaces the
// stored snapshot. A ledger "no position" answer stores status None — the
// expected state for new users, not an error. Any other ledger failure
// retains the previous snapshot flagged stale and returns it together
// with ErrLedgerUnavailable.
func (s *Store) Refresh(ctx context.Context, address string) (model.Position, error) {
	collateral, debt, err := s.ledger.GetPosition(ctx, address)

	switch {
	case err == nil:
		status := model.StatusActive
		if collateral.IsZero() && debt.IsZero() {
			status = model.StatusClosed
		}
		pos := model.Position{
			Address:    address,
			Collateral: collateral,
			Debt:       debt,
			UpdatedAt:  time.Now().UTC(),
			Status:     status,
		}
		s.put(address, pos)
		metrics.PositionRefreshes.WithLabelValues("ok").Inc()
		return pos, nil

	case errors.Is(err, ledger.ErrNoPosition):
		pos := model.Position{
			Address:   address,
			UpdatedAt: time.Now().UTC(),
			Status:    model.StatusNone,
		}
		s.put(address, pos)
		metrics.PositionRefreshes.WithLabelValues("none").Inc()
		return pos, nil

	default:
		metrics.PositionRefreshes.WithLabelValues("error").Inc()
		s.mu.Lock()
		prev, ok := s.positions[address]
		if ok {
			prev.Stale = true
			s.positions[address] = prev
		}
		s.mu.Unlock()

		wrapped := fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		if ok {
			slog.Warn("ledger refresh failed, retaining stale snapshot",
				"address", address, "err", err)
			return prev, wrapped
		}
		return model.Position{}, wrapped
	}
}

// Snapshot returns a consistent (position, price, metrics) triple for the
// address. Metrics are derived fresh from the two snapshots and never
// cached independently of them.
func (s *Store) Snapshot(ctx context.Context, address string) (model.Position, model.PricePoint, model.RiskMetrics, error) {
	pos, err := s.Get(ctx, address)
	if err != nil {
		return model.Position{}, model.PricePoint{}, model.RiskMetrics{}, err
	}

	price, err := s.oracle.GetPrice(ctx)
	if err != nil {
		return model.Position{}, model.PricePoint{}, model.RiskMetrics{}, err
	}

	return pos, price, risk.Compute(pos, price), nil
}

// Metrics derives the current risk metrics for the address.
func (s *Store) Metrics(ctx context.Context, address string) (model.RiskMetrics, error) {
	_, _, m, err := s.Snapshot(ctx, address)
	return m, err
}

func (s *Store) put(address string, pos model.Position) {
	s.mu.Lock()
	s.positions[address] = pos
	s.mu.Unlock()
}
