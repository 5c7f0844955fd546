package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/redis/go-redis/v9"

	"github.com/fx-markets/refyield/pkg/types"
)

// CreateCode stores a new referral code. Fails closed with ErrConflict on
// a code collision; codes are never overwritten.
func (s *Store) CreateCode(ctx context.Context, code *types.ReferralCode) error {
	raw, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("%w: marshal code: %v", types.ErrUpstreamUnavailable, err)
	}
	ok, err := s.rdb.SetNX(ctx, keyCode(code.Code), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("%w: create code: %v", types.ErrUpstreamUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: duplicate code %s", types.ErrConflict, code.Code)
	}
	if err := s.rdb.SAdd(ctx, keyCodesOf(code.Referrer), code.Code).Err(); err != nil {
		return fmt.Errorf("%w: index code: %v", types.ErrUpstreamUnavailable, err)
	}
	return nil
}

// GetCode looks a code up; ErrNotFound when absent.
func (s *Store) GetCode(ctx context.Context, code string) (*types.ReferralCode, error) {
	raw, err := s.rdb.Get(ctx, keyCode(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: code %s", types.ErrNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read code: %v", types.ErrUpstreamUnavailable, err)
	}
	var out types.ReferralCode
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: corrupt code record: %v", types.ErrUpstreamUnavailable, err)
	}
	return &out, nil
}

// ListCodes returns every code owned by a referrer.
func (s *Store) ListCodes(ctx context.Context, referrer string) ([]types.ReferralCode, error) {
	names, err := s.rdb.SMembers(ctx, keyCodesOf(referrer)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list codes: %v", types.ErrUpstreamUnavailable, err)
	}
	out := make([]types.ReferralCode, 0, len(names))
	for _, name := range names {
		c, err := s.GetCode(ctx, name)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}
