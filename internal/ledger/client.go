// Package ledger defines the boundary to the external on-chain ledger.
// The engine treats the ledger as an opaque capability: it never models
// contract semantics, only the calls below.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNoPosition is returned by GetPosition when no position exists on the
// ledger for the address. Expected for new users; callers must not treat
// it as a transport failure.
var ErrNoPosition = errors.New("ledger: no position for address")

// Client is the on-chain ledger capability consumed by the engine.
// Implementations wrap a node RPC, a wallet signer, or (for development
// and tests) the in-process SimClient.
type Client interface {
	// GetPosition returns the current collateral and debt balances for
	// the address, or ErrNoPosition.
	GetPosition(ctx context.Context, address string) (collateral, debt decimal.Decimal, err error)

	// SubmitBorrow draws amount of stablecoin debt against the address's
	// collateral and returns the transaction reference. An error before a
	// reference is returned means nothing was submitted (e.g. the user
	// declined to sign).
	SubmitBorrow(ctx context.Context, address string, amount decimal.Decimal) (txRef string, err error)

	// SubmitRepay pays down amount of outstanding debt.
	SubmitRepay(ctx context.Context, address string, amount decimal.Decimal) (txRef string, err error)

	// SubmitWithdraw releases amount of collateral back to the address.
	SubmitWithdraw(ctx context.Context, address string, amount decimal.Decimal) (txRef string, err error)

	// AwaitConfirmation blocks until the transaction confirms or reverts.
	// confirmed=false with nil err means a clean revert.
	AwaitConfirmation(ctx context.Context, txRef string) (confirmed bool, err error)
}
