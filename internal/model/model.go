// Package model defines the core domain types shared across the credit engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource tags how a PricePoint was obtained.
type PriceSource string

const (
	// SourceLive means the point was fetched from the upstream feed by
	// this very call.
	SourceLive PriceSource = "live"

	// SourceCached means the point came from the oracle cache and is
	// younger than the cache TTL.
	SourceCached PriceSource = "cached"

	// SourceFallback means the point is older than the TTL but the
	// upstream feed could not be reached, so the stale point is served
	// as a last resort.
	SourceFallback PriceSource = "fallback"
)

// PricePoint is one observation of the collateral-asset spot price.
// Immutable once constructed; the oracle hands out copies, never shared
// references.
type PricePoint struct {
	Asset      string          `json:"asset"`
	PriceUSD   decimal.Decimal `json:"price_usd"`
	ObservedAt time.Time       `json:"observed_at"`
	Source     PriceSource     `json:"source"`
}

// Age returns how old the observation is.
func (p PricePoint) Age() time.Duration {
	return time.Since(p.ObservedAt)
}

// PositionStatus describes whether a position exists on the ledger.
type PositionStatus string

const (
	// StatusNone means no position exists on the ledger for this address.
	// Expected for new users; not an error.
	StatusNone PositionStatus = "none"

	// StatusActive means the position holds collateral and/or debt.
	StatusActive PositionStatus = "active"

	// StatusClosed means the ledger still tracks the position but both
	// collateral and debt have been fully withdrawn/repaid.
	StatusClosed PositionStatus = "closed"
)

// Position is the per-address snapshot of the on-chain credit line.
// Collateral is denominated in the collateral asset (e.g. BTC), debt in
// the USD-pegged stablecoin. Mutated only by re-sync from the ledger,
// never from a locally projected value.
type Position struct {
	Address    string          `json:"address"`
	Collateral decimal.Decimal `json:"collateral"`
	Debt       decimal.Decimal `json:"debt"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Status     PositionStatus  `json:"status"`

	// Stale is set when the last refresh failed and this snapshot is the
	// retained previous value rather than fresh ledger truth.
	Stale bool `json:"stale,omitempty"`
}

// RiskStatus partitions health factors into user-facing bands.
type RiskStatus string

const (
	RiskSafe    RiskStatus = "safe"    // healthFactor >= 2.0
	RiskCaution RiskStatus = "caution" // 1.1 <= healthFactor < 2.0
	RiskAtRisk  RiskStatus = "risk"    // healthFactor < 1.1
)

// RiskMetrics is derived fresh from (Position, PricePoint) on every read
// and never stored, so it can never diverge from its inputs.
type RiskMetrics struct {
	HealthFactor              decimal.Decimal `json:"health_factor"`
	CollateralizationRatioPct decimal.Decimal `json:"collateralization_ratio_pct"`
	LiquidationPriceUSD       decimal.Decimal `json:"liquidation_price_usd"`
	MaxBorrowableUSD          decimal.Decimal `json:"max_borrowable_usd"`
	Status                    RiskStatus      `json:"status"`
}

// OperationKind enumerates the ledger-mutating operations.
type OperationKind string

const (
	KindBorrow   OperationKind = "borrow"
	KindRepay    OperationKind = "repay"
	KindWithdraw OperationKind = "withdraw"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case KindBorrow, KindRepay, KindWithdraw:
		return true
	}
	return false
}

// OperationState is the orchestrator state machine:
//
//	Requested → Rejected | Validated → Submitted → Confirmed | Failed
//
// Rejected, Confirmed and Failed are terminal.
type OperationState string

const (
	StateRequested OperationState = "requested"
	StateRejected  OperationState = "rejected"
	StateValidated OperationState = "validated"
	StateSubmitted OperationState = "submitted"
	StateConfirmed OperationState = "confirmed"
	StateFailed    OperationState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s OperationState) Terminal() bool {
	switch s {
	case StateRejected, StateConfirmed, StateFailed:
		return true
	}
	return false
}

// Operation records one user-initiated borrow/repay/withdraw from request
// through terminal state. Position and Price are snapshots taken at
// validation time, so the caller always validates against the exact state
// it submits against. Immutable after a terminal state except for
// audit/log purposes.
type Operation struct {
	ID        string          `json:"id"`
	Address   string          `json:"address"`
	Kind      OperationKind   `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Position  Position        `json:"position"`
	Price     PricePoint      `json:"price"`
	Projected RiskMetrics     `json:"projected"`
	State     OperationState  `json:"state"`
	TxRef     string          `json:"tx_ref,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
