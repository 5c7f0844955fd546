package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/redis/go-redis/v9"

	"github.com/fx-markets/refyield/pkg/types"
)

// CreateBinding writes a binding for a referred address. First writer
// wins: SETNX guarantees concurrent bind attempts for the same address
// produce exactly one binding.
func (s *Store) CreateBinding(ctx context.Context, b *types.ReferralBinding) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: marshal binding: %v", types.ErrUpstreamUnavailable, err)
	}
	ok, err := s.rdb.SetNX(ctx, keyBinding(b.Referred), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("%w: create binding: %v", types.ErrUpstreamUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: address %s already bound", types.ErrConflict, b.Referred)
	}
	return nil
}

// GetBinding returns the binding for a referred address, or ErrNotFound.
func (s *Store) GetBinding(ctx context.Context, referred string) (*types.ReferralBinding, error) {
	raw, err := s.rdb.Get(ctx, keyBinding(referred)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: no binding for %s", types.ErrNotFound, referred)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read binding: %v", types.ErrUpstreamUnavailable, err)
	}
	var out types.ReferralBinding
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: corrupt binding record: %v", types.ErrUpstreamUnavailable, err)
	}
	return &out, nil
}

// UpdateBinding applies mutate to an existing binding under WATCH, so a
// concurrent confirm cannot lose the race silently. mutate returns false
// to abort without writing.
func (s *Store) UpdateBinding(ctx context.Context, referred string, mutate func(*types.ReferralBinding) (bool, error)) (*types.ReferralBinding, error) {
	key := keyBinding(referred)
	var result *types.ReferralBinding

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: no binding for %s", types.ErrNotFound, referred)
		}
		if err != nil {
			return err
		}
		var b types.ReferralBinding
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("%w: corrupt binding record: %v", types.ErrUpstreamUnavailable, err)
		}
		write, err := mutate(&b)
		if err != nil {
			return err
		}
		result = &b
		if !write {
			return nil
		}
		out, err := json.Marshal(&b)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < txRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("%w: binding update contention", types.ErrUpstreamUnavailable)
}
