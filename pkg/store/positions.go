package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/redis/go-redis/v9"

	"github.com/fx-markets/refyield/pkg/types"
)

// GetPosition returns the (user, token) position; ErrNotFound when the
// position was never observed.
func (s *Store) GetPosition(ctx context.Context, user, token string) (*types.YieldPosition, error) {
	raw, err := s.rdb.Get(ctx, keyPosition(user, token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: position %s/%s", types.ErrNotFound, user, token)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read position: %v", types.ErrUpstreamUnavailable, err)
	}
	var out types.YieldPosition
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: corrupt position record: %v", types.ErrUpstreamUnavailable, err)
	}
	return &out, nil
}

// PutPosition stores a position snapshot.
func (s *Store) PutPosition(ctx context.Context, p *types.YieldPosition) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: marshal position: %v", types.ErrUpstreamUnavailable, err)
	}
	if err := s.rdb.Set(ctx, keyPosition(p.User, p.Token), raw, 0).Err(); err != nil {
		return fmt.Errorf("%w: write position: %v", types.ErrUpstreamUnavailable, err)
	}
	return nil
}
