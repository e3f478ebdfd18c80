// Package gate implements the pre-flight validation for borrow, repay and
// withdraw operations. Validate is pure given its snapshot inputs: it
// never re-fetches price or position, so the caller is guaranteed to
// validate against the exact state it will submit against — there is no
// validate/submit race on a moving price.
package gate

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/credit-engine/internal/model"
	"github.com/atmx/credit-engine/internal/risk"
)

// Rejection reasons. These are the cheap, expected path: computed locally,
// never touching the ledger client, and recoverable by the caller
// adjusting input.
var (
	// ErrInvalidAmount is returned when the requested amount is zero or
	// negative.
	ErrInvalidAmount = errors.New("gate: amount must be positive")

	// ErrExceedsLimit is returned when a borrow would push total debt
	// beyond the LTV-derived ceiling.
	ErrExceedsLimit = errors.New("gate: borrow exceeds available credit")

	// ErrInsufficientCollateral is returned when a withdraw exceeds the
	// collateral actually held.
	ErrInsufficientCollateral = errors.New("gate: withdraw exceeds collateral balance")

	// ErrExceedsDebt is returned when a repay exceeds the outstanding debt.
	ErrExceedsDebt = errors.New("gate: repay exceeds outstanding debt")

	// ErrLiquidationRisk is returned when a borrow or withdraw would drop
	// the projected health factor below the 1.1 floor. Repay is exempt:
	// it only ever improves health.
	ErrLiquidationRisk = errors.New("gate: operation would risk liquidation")

	// ErrUnknownKind is returned for an unrecognized operation kind.
	ErrUnknownKind = errors.New("gate: unknown operation kind")
)

// Rejection carries enough structured detail to render a specific,
// actionable message: the offending amount, the relevant ceiling, and the
// current vs projected health. It unwraps to one of the sentinel reasons
// above.
type Rejection struct {
	Reason          error
	Kind            model.OperationKind
	Amount          decimal.Decimal
	Limit           decimal.Decimal // the ceiling the amount was checked against
	CurrentHealth   decimal.Decimal
	ProjectedHealth decimal.Decimal
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%v (kind=%s amount=%s limit=%s health=%s projected=%s)",
		r.Reason, r.Kind, r.Amount, r.Limit, r.CurrentHealth, r.ProjectedHealth)
}

func (r *Rejection) Unwrap() error { return r.Reason }

// ProjectedState is the pre-flight confirmation data returned on success:
// the post-operation position and its risk metrics, used by callers to
// show "you will end up at health X".
type ProjectedState struct {
	Position model.Position    `json:"position"`
	Metrics  model.RiskMetrics `json:"metrics"`
}

// Validate checks a proposed operation against the risk policy and
// computes the projected post-operation state. Checks run in order:
// amount sanity, per-kind balance ceilings, then the projected 1.1 health
// floor for borrow and withdraw. On rejection the returned error is a
// *Rejection.
func Validate(pos model.Position, price model.PricePoint, kind model.OperationKind, amount decimal.Decimal) (ProjectedState, error) {
	current := risk.Compute(pos, price)

	reject := func(reason error, limit, projectedHealth decimal.Decimal) (ProjectedState, error) {
		return ProjectedState{}, &Rejection{
			Reason:          reason,
			Kind:            kind,
			Amount:          amount,
			Limit:           limit,
			CurrentHealth:   current.HealthFactor,
			ProjectedHealth: projectedHealth,
		}
	}

	if amount.LessThanOrEqual(decimal.Zero) {
		return reject(ErrInvalidAmount, decimal.Zero, current.HealthFactor)
	}

	projected := pos
	switch kind {
	case model.KindBorrow:
		headroom := current.MaxBorrowableUSD.Sub(pos.Debt)
		if amount.GreaterThan(headroom) {
			return reject(ErrExceedsLimit, headroom, current.HealthFactor)
		}
		projected.Debt = pos.Debt.Add(amount)

	case model.KindWithdraw:
		if amount.GreaterThan(pos.Collateral) {
			return reject(ErrInsufficientCollateral, pos.Collateral, current.HealthFactor)
		}
		projected.Collateral = pos.Collateral.Sub(amount)

	case model.KindRepay:
		if amount.GreaterThan(pos.Debt) {
			return reject(ErrExceedsDebt, pos.Debt, current.HealthFactor)
		}
		projected.Debt = pos.Debt.Sub(amount)

	default:
		return reject(ErrUnknownKind, decimal.Zero, current.HealthFactor)
	}

	metrics := risk.Compute(projected, price)

	// Hard solvency floor for operations that worsen health. Repay is
	// always allowed up to the debt ceiling.
	if kind != model.KindRepay && metrics.HealthFactor.LessThan(risk.HealthFloor) {
		return reject(ErrLiquidationRisk, risk.HealthFloor, metrics.HealthFactor)
	}

	return ProjectedState{Position: projected, Metrics: metrics}, nil
}
