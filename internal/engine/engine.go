// Package engine orchestrates the operation lifecycle: validation against
// the risk policy, submission to the ledger, confirmation tracking and
// post-confirmation reconciliation of the position store. The engine is
// the only component that mutates operation state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/credit-engine/internal/audit"
	"github.com/atmx/credit-engine/internal/gate"
	"github.com/atmx/credit-engine/internal/ledger"
	"github.com/atmx/credit-engine/internal/metrics"
	"github.com/atmx/credit-engine/internal/model"
	"github.com/atmx/credit-engine/internal/position"
)

var (
	// ErrOperationInProgress is returned when the address already has an
	// operation between submission and its terminal state. One in-flight
	// operation per address keeps validation snapshots truthful.
	ErrOperationInProgress = errors.New("engine: operation already in progress for address")

	// ErrUserRejected is returned when the ledger submission fails before
	// anything was broadcast (e.g. the user declined to sign). Nothing
	// changed on the ledger.
	ErrUserRejected = errors.New("engine: submission rejected before broadcast")

	// ErrTransactionFailed is returned when a submitted transaction
	// reverted on the ledger.
	ErrTransactionFailed = errors.New("engine: transaction failed on ledger")

	// ErrConfirmationTimeout is returned by Wait when the operation did
	// not reach a terminal state within the caller's deadline. The engine
	// keeps tracking the transaction in the background; the operation is
	// not failed by the timeout.
	ErrConfirmationTimeout = errors.New("engine: confirmation wait timed out")

	// ErrUnknownOperation is returned for an operation ID the engine has
	// no record of.
	ErrUnknownOperation = errors.New("engine: unknown operation")

	// ErrNotCancellable is returned when cancellation is requested after
	// the operation was already handed to the ledger.
	ErrNotCancellable = errors.New("engine: operation already submitted, cannot cancel")

	// ErrCancelled is returned by Submit when a concurrent Cancel won the
	// race before the ledger call: the operation terminated Rejected and
	// the ledger was never touched.
	ErrCancelled = errors.New("engine: operation cancelled")
)

// Broadcaster pushes operation state transitions to connected clients.
type Broadcaster interface {
	BroadcastOperation(op model.Operation)
}

// Engine drives operations from request through terminal state.
type Engine struct {
	positions *position.Store
	ledger    ledger.Client
	audit     audit.Store
	hub       Broadcaster // optional

	mu       sync.Mutex
	inflight map[string]string // address -> in-flight operation ID
	ops      map[string]*trackedOp
}

// trackedOp is the live record of one operation. done closes when the
// operation reaches a terminal state, and only the goroutine that
// performed the terminal transition closes it.
type trackedOp struct {
	mu         sync.Mutex
	op         model.Operation
	submitting bool // ledger submission underway; blocks cancellation
	done       chan struct{}
}

func (t *trackedOp) snapshot() model.Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.op
}

// finish applies a terminal mutation exactly once. Returns false when
// another goroutine already moved the operation to a terminal state;
// the caller must then not touch done or the per-address guard.
func (t *trackedOp) finish(mutate func(*model.Operation)) (model.Operation, bool) {
	t.mu.Lock()
	if t.op.State.Terminal() {
		op := t.op
		t.mu.Unlock()
		return op, false
	}
	mutate(&t.op)
	t.op.UpdatedAt = time.Now().UTC()
	op := t.op
	t.mu.Unlock()
	return op, true
}

// New creates an engine over the given position store, ledger client and
// audit store. hub may be nil.
func New(positions *position.Store, lc ledger.Client, auditStore audit.Store, hub Broadcaster) *Engine {
	return &Engine{
		positions: positions,
		ledger:    lc,
		audit:     auditStore,
		hub:       hub,
		inflight:  make(map[string]string),
		ops:       make(map[string]*trackedOp),
	}
}

// RiskMetrics returns the current risk metrics for the address.
func (e *Engine) RiskMetrics(ctx context.Context, address string) (model.RiskMetrics, error) {
	return e.positions.Metrics(ctx, address)
}

// Snapshot returns the consistent (position, price, metrics) triple for
// the address.
func (e *Engine) Snapshot(ctx context.Context, address string) (model.Position, model.PricePoint, model.RiskMetrics, error) {
	return e.positions.Snapshot(ctx, address)
}

// Preview validates a proposed operation and returns the projected
// post-operation state without submitting anything. On rejection the
// error is a *gate.Rejection.
func (e *Engine) Preview(ctx context.Context, address string, kind model.OperationKind, amount decimal.Decimal) (gate.ProjectedState, error) {
	pos, price, _, err := e.positions.Snapshot(ctx, address)
	if err != nil {
		return gate.ProjectedState{}, err
	}
	return gate.Validate(pos, price, kind, amount)
}

// Submit validates and submits an operation to the ledger, returning once
// the transaction is broadcast. Confirmation is tracked in the background;
// use Wait or Operation to observe the terminal state.
//
// Rejections are recorded and returned as *gate.Rejection. A second Submit
// for an address with an operation still in flight returns
// ErrOperationInProgress without touching the ledger. A Cancel that wins
// the race before the ledger call makes Submit return ErrCancelled, also
// without touching the ledger.
func (e *Engine) Submit(ctx context.Context, address string, kind model.OperationKind, amount decimal.Decimal) (model.Operation, error) {
	// Per-address guard, taken before any ledger read so a duplicate
	// submit is rejected without I/O.
	e.mu.Lock()
	if id, busy := e.inflight[address]; busy {
		e.mu.Unlock()
		return model.Operation{}, fmt.Errorf("%w (operation %s)", ErrOperationInProgress, id)
	}
	op := model.Operation{
		ID:        uuid.NewString(),
		Address:   address,
		Kind:      kind,
		Amount:    amount,
		State:     model.StateRequested,
		CreatedAt: time.Now().UTC(),
	}
	tracked := &trackedOp{op: op, done: make(chan struct{})}
	e.inflight[address] = op.ID
	e.ops[op.ID] = tracked
	e.mu.Unlock()

	pos, price, _, err := e.positions.Snapshot(ctx, address)
	if err != nil {
		final, _ := e.finishOp(tracked, func(op *model.Operation) {
			op.State = model.StateFailed
			op.Error = err.Error()
		})
		return final, err
	}

	projected, err := gate.Validate(pos, price, kind, amount)
	if err != nil {
		final, _ := e.finishOp(tracked, func(op *model.Operation) {
			op.Position = pos
			op.Price = price
			op.State = model.StateRejected
			op.Error = err.Error()
		})
		metrics.ValidationRejections.WithLabelValues(rejectionLabel(err)).Inc()
		slog.Info("operation rejected",
			"operation", op.ID, "address", address, "kind", kind,
			"amount", amount, "reason", err)
		return final, err
	}

	if !e.transition(tracked, func(op *model.Operation) {
		op.Position = pos
		op.Price = price
		op.Projected = projected.Metrics
		op.State = model.StateValidated
	}) {
		return tracked.snapshot(), ErrCancelled
	}

	// Close the cancellation window before touching the ledger: once
	// submitting is set, Cancel refuses, and a cancel that already won
	// the race is observed here instead of reaching the ledger.
	tracked.mu.Lock()
	if tracked.op.State.Terminal() {
		tracked.mu.Unlock()
		return tracked.snapshot(), ErrCancelled
	}
	tracked.submitting = true
	tracked.mu.Unlock()

	txRef, err := e.submitToLedger(ctx, address, kind, amount)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrUserRejected, err)
		final, _ := e.finishOp(tracked, func(op *model.Operation) {
			op.State = model.StateFailed
			op.Error = wrapped.Error()
		})
		slog.Warn("ledger submission failed",
			"operation", op.ID, "address", address, "kind", kind, "err", err)
		return final, wrapped
	}

	e.transition(tracked, func(op *model.Operation) {
		op.State = model.StateSubmitted
		op.TxRef = txRef
	})
	metrics.Operations.WithLabelValues(string(kind), string(model.StateSubmitted)).Inc()
	slog.Info("operation submitted",
		"operation", op.ID, "address", address, "kind", kind,
		"amount", amount, "tx", txRef)

	go e.awaitConfirmation(tracked, address, txRef)

	return tracked.snapshot(), nil
}

func (e *Engine) submitToLedger(ctx context.Context, address string, kind model.OperationKind, amount decimal.Decimal) (string, error) {
	switch kind {
	case model.KindBorrow:
		return e.ledger.SubmitBorrow(ctx, address, amount)
	case model.KindRepay:
		return e.ledger.SubmitRepay(ctx, address, amount)
	case model.KindWithdraw:
		return e.ledger.SubmitWithdraw(ctx, address, amount)
	}
	return "", gate.ErrUnknownKind
}

// awaitConfirmation blocks on the ledger until the transaction settles,
// re-syncs the position store, then records the terminal state. Detached
// from the submitting request's context: a caller giving up on Wait must
// not abandon the transaction.
func (e *Engine) awaitConfirmation(tracked *trackedOp, address, txRef string) {
	op := tracked.snapshot()
	start := time.Now()

	confirmed, err := e.ledger.AwaitConfirmation(context.Background(), txRef)

	// The ledger is the source of truth for balances. Refresh before the
	// terminal state is visible so observers of Confirmed/Failed never
	// read the pre-operation snapshot.
	if _, rerr := e.positions.Refresh(context.Background(), address); rerr != nil {
		slog.Warn("position refresh after confirmation failed",
			"operation", op.ID, "address", address, "err", rerr)
	}

	var state model.OperationState
	var opErr string
	switch {
	case err != nil:
		state = model.StateFailed
		opErr = fmt.Errorf("%w: %v", ErrTransactionFailed, err).Error()
	case !confirmed:
		state = model.StateFailed
		opErr = ErrTransactionFailed.Error()
	default:
		state = model.StateConfirmed
	}

	final, ok := e.finishOp(tracked, func(op *model.Operation) {
		op.State = state
		op.Error = opErr
	})
	if !ok {
		return
	}

	metrics.Operations.WithLabelValues(string(op.Kind), string(state)).Inc()
	metrics.ConfirmationLatency.WithLabelValues(string(op.Kind)).Observe(time.Since(start).Seconds())
	if final.State == model.StateConfirmed {
		slog.Info("operation confirmed",
			"operation", op.ID, "address", address, "kind", op.Kind, "tx", txRef)
	} else {
		slog.Warn("operation failed",
			"operation", op.ID, "address", address, "kind", op.Kind,
			"tx", txRef, "err", final.Error)
	}
}

// Wait blocks until the operation reaches a terminal state or the timeout
// elapses. On timeout the current (non-terminal) operation is returned
// with ErrConfirmationTimeout; the engine keeps tracking the transaction
// and a later Wait or Operation call observes the eventual outcome.
func (e *Engine) Wait(ctx context.Context, id string, timeout time.Duration) (model.Operation, error) {
	e.mu.Lock()
	tracked, ok := e.ops[id]
	e.mu.Unlock()
	if !ok {
		// Terminal operations leave live tracking; serve the recorded
		// outcome.
		op, err := e.audit.Get(ctx, id)
		if errors.Is(err, audit.ErrNotFound) {
			return model.Operation{}, ErrUnknownOperation
		}
		return op, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tracked.done:
		return tracked.snapshot(), nil
	case <-timer.C:
		return tracked.snapshot(), ErrConfirmationTimeout
	case <-ctx.Done():
		return tracked.snapshot(), ctx.Err()
	}
}

// Cancel aborts an operation that has not yet been handed to the ledger.
// A cancel that wins the race against an in-flight Submit terminates the
// operation Rejected and that Submit returns ErrCancelled without a
// ledger call. Once the ledger submission has started, a transaction
// cannot be recalled and Cancel returns ErrNotCancellable.
func (e *Engine) Cancel(id string) (model.Operation, error) {
	e.mu.Lock()
	tracked, ok := e.ops[id]
	e.mu.Unlock()
	if !ok {
		op, err := e.audit.Get(context.Background(), id)
		if err != nil {
			return model.Operation{}, ErrUnknownOperation
		}
		return op, ErrNotCancellable
	}

	tracked.mu.Lock()
	if tracked.submitting || tracked.op.State.Terminal() ||
		tracked.op.State == model.StateSubmitted {
		tracked.mu.Unlock()
		return tracked.snapshot(), ErrNotCancellable
	}
	tracked.op.State = model.StateRejected
	tracked.op.Error = "cancelled by user"
	tracked.op.UpdatedAt = time.Now().UTC()
	op := tracked.op
	tracked.mu.Unlock()

	e.release(op.Address)
	e.record(op)
	e.evict(op.ID)
	close(tracked.done)
	slog.Info("operation cancelled", "operation", op.ID, "address", op.Address)
	return op, nil
}

// Operation returns the current record for the given ID, from live
// tracking if the engine still holds it, falling back to the audit trail.
func (e *Engine) Operation(ctx context.Context, id string) (model.Operation, error) {
	e.mu.Lock()
	tracked, ok := e.ops[id]
	e.mu.Unlock()
	if ok {
		return tracked.snapshot(), nil
	}

	op, err := e.audit.Get(ctx, id)
	if errors.Is(err, audit.ErrNotFound) {
		return model.Operation{}, ErrUnknownOperation
	}
	return op, err
}

// History returns the recorded operations for an address, newest first.
func (e *Engine) History(ctx context.Context, address string) ([]model.Operation, error) {
	return e.audit.ListByAddress(ctx, address)
}

// transition applies a non-terminal mutation to the tracked operation,
// stamps UpdatedAt, and records the new state. Returns false without
// mutating when the operation was concurrently moved to a terminal state
// (a cancel won the race).
func (e *Engine) transition(tracked *trackedOp, mutate func(*model.Operation)) bool {
	tracked.mu.Lock()
	if tracked.op.State.Terminal() {
		tracked.mu.Unlock()
		return false
	}
	mutate(&tracked.op)
	tracked.op.UpdatedAt = time.Now().UTC()
	op := tracked.op
	tracked.mu.Unlock()

	e.record(op)
	return true
}

// finishOp moves the operation to its terminal state exactly once:
// release the per-address guard, record the outcome, drop the live
// record, then wake waiters. Losing the terminal race means another
// goroutine (Cancel) already did all of this.
func (e *Engine) finishOp(tracked *trackedOp, mutate func(*model.Operation)) (model.Operation, bool) {
	op, ok := tracked.finish(mutate)
	if !ok {
		return op, false
	}
	e.release(op.Address)
	e.record(op)
	e.evict(op.ID)
	close(tracked.done)
	return op, true
}

func (e *Engine) record(op model.Operation) {
	if err := e.audit.Record(context.Background(), op); err != nil {
		slog.Error("audit record failed", "operation", op.ID, "err", err)
	}
	if e.hub != nil {
		e.hub.BroadcastOperation(op)
	}
}

func (e *Engine) release(address string) {
	e.mu.Lock()
	delete(e.inflight, address)
	e.mu.Unlock()
}

func (e *Engine) evict(id string) {
	e.mu.Lock()
	delete(e.ops, id)
	e.mu.Unlock()
}

func rejectionLabel(err error) string {
	switch {
	case errors.Is(err, gate.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, gate.ErrExceedsLimit):
		return "exceeds_limit"
	case errors.Is(err, gate.ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, gate.ErrExceedsDebt):
		return "exceeds_debt"
	case errors.Is(err, gate.ErrLiquidationRisk):
		return "liquidation_risk"
	case errors.Is(err, gate.ErrUnknownKind):
		return "unknown_kind"
	}
	return "other"
}
