package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/redis/go-redis/v9"

	"github.com/fx-markets/refyield/pkg/types"
)

// GetSettings returns the process-wide referral settings, defaulting when
// none were ever written.
func (s *Store) GetSettings(ctx context.Context) (types.ReferralSettings, error) {
	raw, err := s.rdb.Get(ctx, keySettings).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.DefaultSettings(), nil
	}
	if err != nil {
		return types.ReferralSettings{}, fmt.Errorf("%w: read settings: %v", types.ErrUpstreamUnavailable, err)
	}
	var out types.ReferralSettings
	if err := json.Unmarshal(raw, &out); err != nil {
		return types.ReferralSettings{}, fmt.Errorf("%w: corrupt settings: %v", types.ErrUpstreamUnavailable, err)
	}
	return out, nil
}

// PutSettings overwrites the settings. Partial-update merging happens in
// the registry; changes apply prospectively only.
func (s *Store) PutSettings(ctx context.Context, settings types.ReferralSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("%w: marshal settings: %v", types.ErrUpstreamUnavailable, err)
	}
	if err := s.rdb.Set(ctx, keySettings, raw, 0).Err(); err != nil {
		return fmt.Errorf("%w: write settings: %v", types.ErrUpstreamUnavailable, err)
	}
	return nil
}
