package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/credit-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu  sync.RWMutex
	ops map[string]model.Operation
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]model.Operation)}
}

func (s *MemoryStore) Record(_ context.Context, op model.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.ID] = op
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.ops[id]
	if !ok {
		return model.Operation{}, ErrNotFound
	}
	return op, nil
}

func (s *MemoryStore) ListByAddress(_ context.Context, address string) ([]model.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Operation
	for _, op := range s.ops {
		if op.Address == address {
			result = append(result, op)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}
