// Package risk implements the pure risk-metric derivation for the
// collateralized credit line: health factor, collateralization ratio,
// liquidation price, and maximum borrowable amount.
//
// All functions are stateless and operate only on their numeric inputs.
// All arithmetic uses shopspring/decimal — never float64 for money. The
// 1.1 / 2.0 threshold comparisons drive solvency decisions, and binary
// floating point silently erodes exactly those comparisons.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/credit-engine/internal/model"
)

var (
	// LTV is the loan-to-value policy constant: a position may borrow up
	// to half its collateral value.
	LTV = decimal.RequireFromString("0.5")

	// LiquidationThreshold scales debt when deriving the liquidation price.
	LiquidationThreshold = decimal.RequireFromString("1.1")

	// HealthFloor is the hard solvency floor: borrow/withdraw operations
	// projecting a health factor below it are rejected.
	HealthFloor = decimal.RequireFromString("1.1")

	// SafeThreshold is the lower bound of the Safe band.
	SafeThreshold = decimal.RequireFromString("2.0")

	// HealthInfinite is the sentinel health factor for debt-free
	// positions, treated as "effectively infinite" and always Safe.
	HealthInfinite = decimal.NewFromInt(999)

	hundred = decimal.NewFromInt(100)
)

// HealthFactor returns (collateral × price) / debt, or the HealthInfinite
// sentinel when debt is zero.
func HealthFactor(collateral, debt, priceUSD decimal.Decimal) decimal.Decimal {
	if debt.IsZero() {
		return HealthInfinite
	}
	return collateral.Mul(priceUSD).Div(debt)
}

// CollateralizationRatio returns the health factor expressed as a
// percentage. Debt-free positions report the sentinel scaled the same way.
func CollateralizationRatio(collateral, debt, priceUSD decimal.Decimal) decimal.Decimal {
	return HealthFactor(collateral, debt, priceUSD).Mul(hundred)
}

// LiquidationPrice returns the collateral-asset price at which the
// position becomes liquidatable: (debt × LiquidationThreshold) / collateral.
// Zero collateral yields the defined sentinel 0 rather than failing.
func LiquidationPrice(collateral, debt decimal.Decimal) decimal.Decimal {
	if collateral.IsZero() {
		return decimal.Zero
	}
	return debt.Mul(LiquidationThreshold).Div(collateral)
}

// MaxBorrowable returns the total debt ceiling for the given collateral at
// the given price: collateral × price × ltv.
func MaxBorrowable(collateral, priceUSD, ltv decimal.Decimal) decimal.Decimal {
	return collateral.Mul(priceUSD).Mul(ltv)
}

// StatusFor partitions a health factor into risk bands. The partition is
// exact at the boundaries: 1.1 maps to Caution and 2.0 maps to Safe.
func StatusFor(healthFactor decimal.Decimal) model.RiskStatus {
	switch {
	case healthFactor.GreaterThanOrEqual(SafeThreshold):
		return model.RiskSafe
	case healthFactor.GreaterThanOrEqual(HealthFloor):
		return model.RiskCaution
	default:
		return model.RiskAtRisk
	}
}

// Compute derives the full metric set from a position snapshot and a price
// point. Metrics are never cached independently of these two inputs.
func Compute(pos model.Position, price model.PricePoint) model.RiskMetrics {
	hf := HealthFactor(pos.Collateral, pos.Debt, price.PriceUSD)
	return model.RiskMetrics{
		HealthFactor:              hf,
		CollateralizationRatioPct: hf.Mul(hundred),
		LiquidationPriceUSD:       LiquidationPrice(pos.Collateral, pos.Debt),
		MaxBorrowableUSD:          MaxBorrowable(pos.Collateral, price.PriceUSD, LTV),
		Status:                    StatusFor(hf),
	}
}
