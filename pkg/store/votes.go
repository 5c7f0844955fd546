package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/redis/go-redis/v9"

	"github.com/fx-markets/refyield/pkg/types"
)

// PutBallot replaces a voter's ballot in full.
func (s *Store) PutBallot(ctx context.Context, b *types.Ballot) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: marshal ballot: %v", types.ErrUpstreamUnavailable, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyBallot(b.Voter), raw, 0)
	pipe.SAdd(ctx, keyVoterSet, b.Voter)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: write ballot: %v", types.ErrUpstreamUnavailable, err)
	}
	return nil
}

// GetBallot returns a voter's current ballot, or ErrNotFound.
func (s *Store) GetBallot(ctx context.Context, voter string) (*types.Ballot, error) {
	raw, err := s.rdb.Get(ctx, keyBallot(voter)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: no ballot for %s", types.ErrNotFound, voter)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read ballot: %v", types.ErrUpstreamUnavailable, err)
	}
	var out types.Ballot
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: corrupt ballot record: %v", types.ErrUpstreamUnavailable, err)
	}
	return &out, nil
}

// ListVoters returns every address that has submitted a ballot.
func (s *Store) ListVoters(ctx context.Context) ([]string, error) {
	out, err := s.rdb.SMembers(ctx, keyVoterSet).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list voters: %v", types.ErrUpstreamUnavailable, err)
	}
	return out, nil
}
