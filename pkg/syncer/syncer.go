package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/history"
	"github.com/fx-markets/refyield/pkg/markets"
	"github.com/fx-markets/refyield/pkg/store"
	"github.com/fx-markets/refyield/pkg/subgraph"
	"github.com/fx-markets/refyield/pkg/types"
	"github.com/fx-markets/refyield/pkg/yield"
)

// Stream names double as cursor keys, so renaming one abandons its cursor.
const (
	StreamDeposits    = "yield:genesis:deposits"
	StreamWithdrawals = "yield:genesis:withdrawals"
	StreamMarks       = "marks:events"
)

const defaultPageSize = 200

// EventSource is the subgraph subset the syncer pages through.
type EventSource interface {
	Deposits(ctx context.Context, after string, limit int) ([]subgraph.TransferEvent, error)
	Withdrawals(ctx context.Context, after string, limit int) ([]subgraph.TransferEvent, error)
	Marks(ctx context.Context, after string, limit int) ([]subgraph.MarksEvent, error)
}

// State is the store subset holding cursors, bindings and totals.
type State interface {
	GetCursor(ctx context.Context, stream string) (string, error)
	AdvanceCursor(ctx context.Context, stream, id string) error
	ClaimMarksEvent(ctx context.Context, eventID string) (bool, error)
	ReleaseMarksEvent(ctx context.Context, eventID string) error
	GetBinding(ctx context.Context, referred string) (*types.ReferralBinding, error)
	GetSettings(ctx context.Context) (types.ReferralSettings, error)
	CreditReferrer(ctx context.Context, referrer string, delta store.TotalsDelta) (*types.ReferrerTotals, error)
}

// Positions is the yield engine surface the transfer streams feed.
type Positions interface {
	UpdatePosition(ctx context.Context, user, token string, delta *uint256.Int, dir yield.Direction, blockNumber *big.Int) (*yield.UpdateResult, error)
}

// Syncer drains the three upstream event streams into local state. Each
// stream keeps an independent cursor so a failure in one never stalls the
// others.
type Syncer struct {
	graph     EventSource
	state     State
	positions Positions
	markets   *markets.Config
	history   *history.Client
	pageSize  int
	logger    *zap.Logger
}

func New(graph EventSource, state State, positions Positions, mkts *markets.Config, hist *history.Client, logger *zap.Logger) *Syncer {
	return &Syncer{
		graph:     graph,
		state:     state,
		positions: positions,
		markets:   mkts,
		history:   hist,
		pageSize:  defaultPageSize,
		logger:    logger,
	}
}

// StreamResult is one stream's outcome for a single run.
type StreamResult struct {
	Stream    string `json:"stream"`
	Processed int    `json:"processed"`
	Cursor    string `json:"cursor"`
	Error     string `json:"error,omitempty"`
}

// RunAll syncs every stream concurrently and reports per-stream results.
func (s *Syncer) RunAll(ctx context.Context) []StreamResult {
	streams := []string{StreamDeposits, StreamWithdrawals, StreamMarks}
	results := make([]StreamResult, len(streams))

	pool := pond.NewPool(len(streams))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for i, stream := range streams {
		i, stream := i, stream
		group.Submit(func() {
			results[i] = s.RunStream(groupCtx, stream)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn("sync group encountered error", zap.Error(err))
	}
	return results
}

// RunStream pages one stream from its stored cursor to the current tip.
//
// The cursor is persisted once per page, only after every event in the
// page was handled. A mid-page failure persists nothing, so the next run
// replays from the old cursor and the per-event guards absorb the replay.
func (s *Syncer) RunStream(ctx context.Context, stream string) StreamResult {
	result := StreamResult{Stream: stream}

	cursor, err := s.state.GetCursor(ctx, stream)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Cursor = cursor

	for {
		lastID, n, err := s.syncPage(ctx, stream, cursor)
		if err != nil {
			result.Error = err.Error()
			s.logger.Warn("stream sync stopped",
				zap.String("stream", stream),
				zap.String("cursor", cursor),
				zap.Error(err))
			return result
		}
		if n == 0 {
			return result
		}
		if err := s.state.AdvanceCursor(ctx, stream, lastID); err != nil {
			result.Error = err.Error()
			return result
		}
		cursor = lastID
		result.Cursor = cursor
		result.Processed += n
		if n < s.pageSize {
			return result
		}
	}
}

func (s *Syncer) syncPage(ctx context.Context, stream, after string) (lastID string, n int, err error) {
	switch stream {
	case StreamDeposits, StreamWithdrawals:
		var events []subgraph.TransferEvent
		if stream == StreamDeposits {
			events, err = s.graph.Deposits(ctx, after, s.pageSize)
		} else {
			events, err = s.graph.Withdrawals(ctx, after, s.pageSize)
		}
		if err != nil {
			return "", 0, err
		}
		dir := yield.Deposit
		if stream == StreamWithdrawals {
			dir = yield.Withdrawal
		}
		for i := range events {
			if err := s.handleTransfer(ctx, &events[i], dir); err != nil {
				return "", 0, err
			}
			lastID = events[i].ID
			n++
		}
		return lastID, n, nil

	case StreamMarks:
		events, err := s.graph.Marks(ctx, after, s.pageSize)
		if err != nil {
			return "", 0, err
		}
		for i := range events {
			if err := s.handleMarks(ctx, &events[i]); err != nil {
				return "", 0, err
			}
			lastID = events[i].ID
			n++
		}
		return lastID, n, nil
	}
	return "", 0, fmt.Errorf("%w: unknown stream %q", types.ErrInvalidInput, stream)
}

// handleTransfer routes a genesis transfer into the position engine.
// Events from genesis pools outside the market config are skipped, not
// fatal: the subgraph may index markets this deployment does not serve.
func (s *Syncer) handleTransfer(ctx context.Context, ev *subgraph.TransferEvent, dir yield.Direction) error {
	market, ok := s.markets.ByGenesis(ev.Genesis)
	if !ok {
		s.logger.Debug("skipping transfer from unknown genesis",
			zap.String("genesis", ev.Genesis), zap.String("id", ev.ID))
		return nil
	}
	block := new(big.Int).SetUint64(ev.BlockNumber)
	_, err := s.positions.UpdatePosition(ctx, ev.User, market.Token, ev.AmountWrapped.U(), dir, block)
	return err
}

// handleMarks credits the referrer marks share once per event ID. The
// claim happens before the credit, which keeps a replayed page from ever
// double-paying; a transient failure after the claim releases it again,
// so the retry run re-pays rather than silently skipping the event. Only
// a crash between claim and credit still drops at most one credit, and
// under-credit is the acceptable side for a points system.
func (s *Syncer) handleMarks(ctx context.Context, ev *subgraph.MarksEvent) error {
	fresh, err := s.state.ClaimMarksEvent(ctx, ev.ID)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	user, err := markets.ChecksumAddress(ev.User)
	if err != nil {
		s.logger.Warn("marks event with malformed user", zap.String("id", ev.ID), zap.Error(err))
		return nil
	}
	s.history.InsertMark(ctx, ev.ID, user, fmt.Sprintf("%d", ev.Points), ev.Day, time.Unix(ev.Timestamp, 0).UTC())

	binding, err := s.state.GetBinding(ctx, user)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		s.releaseClaim(ctx, ev.ID)
		return err
	}
	if binding == nil || binding.Status != types.BindingConfirmed {
		return nil
	}

	settings, err := s.state.GetSettings(ctx)
	if err != nil {
		s.releaseClaim(ctx, ev.ID)
		return err
	}
	credit := yield.ShareOf(uint256.NewInt(ev.Points), settings.ReferrerMarksSharePercent)
	if credit.IsZero() {
		return nil
	}
	if _, err := s.state.CreditReferrer(ctx, binding.Referrer, store.TotalsDelta{MarksPoints: credit}); err != nil {
		s.releaseClaim(ctx, ev.ID)
		return err
	}
	s.logger.Info("marks credited",
		zap.String("user", user),
		zap.String("referrer", binding.Referrer),
		zap.Uint64("points", ev.Points),
		zap.String("credited", credit.Dec()))
	return nil
}

// releaseClaim undoes a marks claim after a failed credit. A failed
// release leaves the event claimed but unpaid, so it is loud.
func (s *Syncer) releaseClaim(ctx context.Context, eventID string) {
	if err := s.state.ReleaseMarksEvent(ctx, eventID); err != nil {
		s.logger.Error("marks claim release failed, event will not be retried",
			zap.String("id", eventID), zap.Error(err))
	}
}
