package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/fx-markets/refyield/pkg/types"
)

// GetCursor returns the last-processed event ID for a stream, "" when the
// stream was never synced.
func (s *Store) GetCursor(ctx context.Context, stream string) (string, error) {
	v, err := s.rdb.Get(ctx, keyCursor(stream)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: read cursor: %v", types.ErrUpstreamUnavailable, err)
	}
	return v, nil
}

// AdvanceCursor persists a new cursor for a stream. Monotonic: the write
// happens under WATCH and is dropped when the stored cursor is already at
// or past the candidate, so two racing sync runs can never move a stream
// backward.
func (s *Store) AdvanceCursor(ctx context.Context, stream, id string) error {
	key := keyCursor(stream)

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != "" && !cursorLess(current, id) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, id, 0)
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
			return fmt.Errorf("%w: advance cursor: %v", types.ErrUpstreamUnavailable, err)
		}
		return nil
	}
	return fmt.Errorf("%w: cursor contention for %s", types.ErrUpstreamUnavailable, stream)
}

// cursorLess orders event IDs: numerically when both sides are integers
// (subgraph event counters), lexicographically otherwise.
func cursorLess(a, b string) bool {
	an, aerr := strconv.ParseUint(a, 10, 64)
	bn, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil {
		return an < bn
	}
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
