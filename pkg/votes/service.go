package votes

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/markets"
	"github.com/fx-markets/refyield/pkg/signing"
	"github.com/fx-markets/refyield/pkg/types"
)

// Store is the ballot persistence subset the service needs.
type Store interface {
	PutBallot(ctx context.Context, b *types.Ballot) error
	GetBallot(ctx context.Context, voter string) (*types.Ballot, error)
	ListVoters(ctx context.Context) ([]string, error)
	ConsumeNonce(ctx context.Context, signer, nonce string) error
	GetNonce(ctx context.Context, signer string) (string, error)
}

// Service accepts signed ballots and tallies feed totals. Tallies are
// computed on read over current ballots, so a replacement ballot takes
// effect immediately with no incremental counter to drift.
type Service struct {
	store    Store
	verifier *signing.Verifier
	logger   *zap.Logger
}

func New(store Store, verifier *signing.Verifier, logger *zap.Logger) *Service {
	return &Service{store: store, verifier: verifier, logger: logger}
}

// SubmitRequest is one signed vote submission.
type SubmitRequest struct {
	Voter       string                 `json:"voter"`
	Allocations []types.VoteAllocation `json:"allocations"`
	Nonce       string                 `json:"nonce"`
	Signature   string                 `json:"signature"`
}

// Submit normalizes, verifies and stores a ballot. Normalization happens
// before verification so the signature covers exactly what gets stored.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*types.Ballot, error) {
	voter, err := markets.ChecksumAddress(req.Voter)
	if err != nil {
		return nil, err
	}

	allocations := signing.NormalizeAllocations(req.Allocations)
	msg := signing.VoteMessage(voter, req.Nonce, allocations)
	if err := s.verifier.Verify(signing.TypeVoteAllocation, msg, voter, req.Signature); err != nil {
		return nil, err
	}
	if err := s.store.ConsumeNonce(ctx, voter, req.Nonce); err != nil {
		return nil, err
	}

	ballot := &types.Ballot{
		Voter:       voter,
		Allocations: allocations,
		SubmittedAt: time.Now().UTC(),
	}
	if err := s.store.PutBallot(ctx, ballot); err != nil {
		return nil, err
	}
	s.logger.Info("ballot stored",
		zap.String("voter", voter),
		zap.Int("feeds", len(allocations)))
	return ballot, nil
}

// Ballot returns the voter's current ballot, nil when they never voted.
func (s *Service) Ballot(ctx context.Context, voter string) (*types.Ballot, error) {
	addr, err := markets.ChecksumAddress(voter)
	if err != nil {
		return nil, err
	}
	b, err := s.store.GetBallot(ctx, addr)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// FeedTally is one feed's aggregate standing.
type FeedTally struct {
	FeedID string `json:"feedId"`
	Points uint64 `json:"points"`
	Voters int    `json:"voters"`
}

// Tally sums current ballots per feed, sorted by points descending then
// feed ID for a stable order.
func (s *Service) Tally(ctx context.Context) ([]FeedTally, error) {
	voters, err := s.store.ListVoters(ctx)
	if err != nil {
		return nil, err
	}

	points := make(map[string]uint64)
	counts := make(map[string]int)
	for _, voter := range voters {
		ballot, err := s.store.GetBallot(ctx, voter)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, a := range ballot.Allocations {
			points[a.FeedID] += a.Points
			counts[a.FeedID]++
		}
	}

	out := make([]FeedTally, 0, len(points))
	for feed, p := range points {
		out = append(out, FeedTally{FeedID: feed, Points: p, Voters: counts[feed]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Points != out[j].Points {
			return out[i].Points > out[j].Points
		}
		return out[i].FeedID < out[j].FeedID
	})
	return out, nil
}
