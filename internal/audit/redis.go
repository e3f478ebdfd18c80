package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/credit-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Records go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) Record(ctx context.Context, op model.Operation) error {
	if err := s.primary.Record(ctx, op); err != nil {
		return err
	}
	// Cache the fresh operation and invalidate the address listing.
	s.cacheOperation(ctx, op)
	s.rdb.Del(ctx, addressKey(op.Address))
	return nil
}

func (s *CachedStore) Get(ctx context.Context, id string) (model.Operation, error) {
	data, err := s.rdb.Get(ctx, operationKey(id)).Bytes()
	if err == nil {
		var op model.Operation
		if json.Unmarshal(data, &op) == nil {
			return op, nil
		}
	}

	op, err := s.primary.Get(ctx, id)
	if err != nil {
		return model.Operation{}, err
	}

	s.cacheOperation(ctx, op)
	return op, nil
}

func (s *CachedStore) ListByAddress(ctx context.Context, address string) ([]model.Operation, error) {
	data, err := s.rdb.Get(ctx, addressKey(address)).Bytes()
	if err == nil {
		var ops []model.Operation
		if json.Unmarshal(data, &ops) == nil {
			return ops, nil
		}
	}

	ops, err := s.primary.ListByAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(ops); err == nil {
		s.rdb.Set(ctx, addressKey(address), data, s.ttl)
	}
	return ops, nil
}

func (s *CachedStore) cacheOperation(ctx context.Context, op model.Operation) {
	if data, err := json.Marshal(op); err == nil {
		s.rdb.Set(ctx, operationKey(op.ID), data, s.ttl)
	}
}

func operationKey(id string) string    { return fmt.Sprintf("op:%s", id) }
func addressKey(address string) string { return fmt.Sprintf("ops:addr:%s", address) }
