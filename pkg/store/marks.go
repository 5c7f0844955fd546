package store

import (
	"context"
	"fmt"

	"github.com/fx-markets/refyield/pkg/types"
)

// ClaimMarksEvent marks a marks event ID as processed. Returns false when
// another run already claimed it, which keeps a replayed page from
// double-crediting points.
func (s *Store) ClaimMarksEvent(ctx context.Context, eventID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, keyMarksSeen(eventID), "1", 0).Result()
	if err != nil {
		return false, fmt.Errorf("%w: claim marks event: %v", types.ErrUpstreamUnavailable, err)
	}
	return ok, nil
}

// ReleaseMarksEvent drops a claim whose credit did not complete, so the
// next sync run can retry the event instead of skipping it.
func (s *Store) ReleaseMarksEvent(ctx context.Context, eventID string) error {
	if err := s.rdb.Del(ctx, keyMarksSeen(eventID)).Err(); err != nil {
		return fmt.Errorf("%w: release marks event: %v", types.ErrUpstreamUnavailable, err)
	}
	return nil
}
