package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SimClient is an in-memory simulated ledger. Used for development and
// testing in place of a real chain connection (no persistence). Balance
// deltas apply at confirmation time, not submission time, so the engine's
// reconcile-after-confirm path is exercised realistically.
type SimClient struct {
	mu       sync.Mutex
	accounts map[string]*simAccount
	pending  map[string]*simTx
	latency  time.Duration
	failNext bool
}

type simAccount struct {
	collateral decimal.Decimal
	debt       decimal.Decimal
}

type simTx struct {
	apply   func()
	readyAt time.Time
	revert  bool
}

// NewSimClient creates a simulated ledger whose transactions confirm
// after the given latency.
func NewSimClient(confirmLatency time.Duration) *SimClient {
	return &SimClient{
		accounts: make(map[string]*simAccount),
		pending:  make(map[string]*simTx),
		latency:  confirmLatency,
	}
}

// Fund seeds an address with collateral. Test/dev helper; a real ledger
// receives deposits out of band.
func (c *SimClient) Fund(address string, collateral decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acct := c.account(address)
	acct.collateral = acct.collateral.Add(collateral)
}

// FailNext marks the next submitted transaction to revert at confirmation.
func (c *SimClient) FailNext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = true
}

func (c *SimClient) account(address string) *simAccount {
	acct, ok := c.accounts[address]
	if !ok {
		acct = &simAccount{collateral: decimal.Zero, debt: decimal.Zero}
		c.accounts[address] = acct
	}
	return acct
}

func (c *SimClient) GetPosition(ctx context.Context, address string) (decimal.Decimal, decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acct, ok := c.accounts[address]
	if !ok {
		return decimal.Zero, decimal.Zero, ErrNoPosition
	}
	return acct.collateral, acct.debt, nil
}

func (c *SimClient) SubmitBorrow(ctx context.Context, address string, amount decimal.Decimal) (string, error) {
	return c.submit(address, func(acct *simAccount) {
		acct.debt = acct.debt.Add(amount)
	})
}

func (c *SimClient) SubmitRepay(ctx context.Context, address string, amount decimal.Decimal) (string, error) {
	return c.submit(address, func(acct *simAccount) {
		acct.debt = acct.debt.Sub(amount)
	})
}

func (c *SimClient) SubmitWithdraw(ctx context.Context, address string, amount decimal.Decimal) (string, error) {
	return c.submit(address, func(acct *simAccount) {
		acct.collateral = acct.collateral.Sub(amount)
	})
}

func (c *SimClient) submit(address string, mutate func(*simAccount)) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	txRef := "sim-" + uuid.NewString()
	acct := c.account(address)
	tx := &simTx{
		apply:   func() { mutate(acct) },
		readyAt: time.Now().Add(c.latency),
		revert:  c.failNext,
	}
	c.failNext = false
	c.pending[txRef] = tx
	return txRef, nil
}

func (c *SimClient) AwaitConfirmation(ctx context.Context, txRef string) (bool, error) {
	c.mu.Lock()
	tx, ok := c.pending[txRef]
	c.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("ledger: unknown tx %s", txRef)
	}

	if wait := time.Until(tx.readyAt); wait > 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, txRef)
	if tx.revert {
		return false, nil
	}
	tx.apply()
	return true, nil
}
