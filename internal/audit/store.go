// Package audit persists the operation trail: every operation is recorded
// at each state transition and kept immutably once terminal. PostgreSQL is
// the durable implementation, Redis a read-through cache layer, and the
// in-memory store serves tests and development.
package audit

import (
	"context"
	"errors"

	"github.com/atmx/credit-engine/internal/model"
)

// ErrNotFound is returned when no operation with the given ID was recorded.
var ErrNotFound = errors.New("audit: operation not found")

// Store is the operation-trail persistence interface.
type Store interface {
	// Record upserts the operation keyed by ID. Called on every state
	// transition; the final call for an operation carries its terminal
	// state.
	Record(ctx context.Context, op model.Operation) error

	// Get retrieves one operation by ID.
	Get(ctx context.Context, id string) (model.Operation, error)

	// ListByAddress returns all recorded operations for an address,
	// newest first.
	ListByAddress(ctx context.Context, address string) ([]model.Operation, error)
}
