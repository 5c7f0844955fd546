package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/types"
)

// GetNonce returns the address's current nonce counter. Fresh addresses
// start at 0.
func (s *Store) GetNonce(ctx context.Context, addr string) (string, error) {
	v, err := s.rdb.Get(ctx, keyNonceCounter(addr)).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: read nonce: %v", types.ErrUpstreamUnavailable, err)
	}
	if _, convErr := strconv.ParseUint(v, 10, 64); convErr != nil {
		return "", fmt.Errorf("%w: corrupt nonce counter %q", types.ErrUpstreamUnavailable, v)
	}
	return v, nil
}

// ConsumeNonce burns a nonce for an address. Exactly-once: the SETNX used
// marker makes concurrent consumers race to a single winner; every later
// attempt with the same nonce fails with ErrConflict. Callers verify the
// signature BEFORE consuming, or an invalid signature could burn a valid
// nonce.
func (s *Store) ConsumeNonce(ctx context.Context, addr, nonce string) error {
	if nonce == "" {
		return fmt.Errorf("%w: empty nonce", types.ErrInvalidInput)
	}
	ok, err := s.rdb.SetNX(ctx, keyNonceUsed(addr, nonce), "1", 0).Result()
	if err != nil {
		return fmt.Errorf("%w: consume nonce: %v", types.ErrUpstreamUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: nonce already used", types.ErrConflict)
	}
	// Advance the issuance counter so GetNonce hands out fresh values.
	if err := s.rdb.Incr(ctx, keyNonceCounter(addr)).Err(); err != nil {
		s.logger.Warn("nonce counter advance failed", zap.Error(err))
	}
	return nil
}
