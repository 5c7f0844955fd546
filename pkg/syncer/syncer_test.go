package syncer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/markets"
	"github.com/fx-markets/refyield/pkg/store"
	"github.com/fx-markets/refyield/pkg/subgraph"
	"github.com/fx-markets/refyield/pkg/types"
	"github.com/fx-markets/refyield/pkg/yield"
)

const (
	testUser     = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	testReferrer = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

	fxGenesis      = "0x0000000000000000000000000000000000000102"
	unknownGenesis = "0x0000000000000000000000000000000000009999"
)

type fakeGraph struct {
	deposits    []subgraph.TransferEvent
	withdrawals []subgraph.TransferEvent
	marks       []subgraph.MarksEvent
	err         error
}

func pageAfter[E any](all []E, id func(E) string, after string, limit int) []E {
	out := make([]E, 0, limit)
	for _, ev := range all {
		if id(ev) > after {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out
}

func (f *fakeGraph) Deposits(ctx context.Context, after string, limit int) ([]subgraph.TransferEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return pageAfter(f.deposits, func(e subgraph.TransferEvent) string { return e.ID }, after, limit), nil
}

func (f *fakeGraph) Withdrawals(ctx context.Context, after string, limit int) ([]subgraph.TransferEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return pageAfter(f.withdrawals, func(e subgraph.TransferEvent) string { return e.ID }, after, limit), nil
}

func (f *fakeGraph) Marks(ctx context.Context, after string, limit int) ([]subgraph.MarksEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return pageAfter(f.marks, func(e subgraph.MarksEvent) string { return e.ID }, after, limit), nil
}

// fakeState locks because RunAll drives the streams concurrently.
type fakeState struct {
	mu         sync.Mutex
	cursors    map[string]string
	advances   map[string][]string
	claimed    map[string]bool
	bindings   map[string]*types.ReferralBinding
	credits    []store.TotalsDelta
	creditTo   []string
	creditFail int
}

func newFakeState() *fakeState {
	return &fakeState{
		cursors:  map[string]string{},
		advances: map[string][]string{},
		claimed:  map[string]bool{},
		bindings: map[string]*types.ReferralBinding{},
	}
}

func (f *fakeState) GetCursor(ctx context.Context, stream string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[stream], nil
}

func (f *fakeState) AdvanceCursor(ctx context.Context, stream, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[stream] = id
	f.advances[stream] = append(f.advances[stream], id)
	return nil
}

func (f *fakeState) ClaimMarksEvent(ctx context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed[eventID] {
		return false, nil
	}
	f.claimed[eventID] = true
	return true, nil
}

func (f *fakeState) ReleaseMarksEvent(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, eventID)
	return nil
}

func (f *fakeState) GetBinding(ctx context.Context, referred string) (*types.ReferralBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bindings[referred]
	if !ok {
		return nil, fmt.Errorf("%w: no binding", types.ErrNotFound)
	}
	return b, nil
}

func (f *fakeState) GetSettings(ctx context.Context) (types.ReferralSettings, error) {
	return types.DefaultSettings(), nil
}

func (f *fakeState) CreditReferrer(ctx context.Context, referrer string, delta store.TotalsDelta) (*types.ReferrerTotals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creditFail > 0 {
		f.creditFail--
		return nil, types.ErrUpstreamUnavailable
	}
	f.credits = append(f.credits, delta)
	f.creditTo = append(f.creditTo, referrer)
	return &types.ReferrerTotals{Referrer: referrer}, nil
}

type positionCall struct {
	user  string
	token string
	delta string
	dir   yield.Direction
	block uint64
}

type fakePositions struct {
	mu    sync.Mutex
	calls []positionCall
	err   error
}

func (f *fakePositions) UpdatePosition(ctx context.Context, user, token string, delta *uint256.Int, dir yield.Direction, blockNumber *big.Int) (*yield.UpdateResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, positionCall{
		user: user, token: token, delta: delta.Dec(), dir: dir, block: blockNumber.Uint64(),
	})
	return &yield.UpdateResult{}, nil
}

func transfer(id, genesis string, amount uint64, block uint64) subgraph.TransferEvent {
	return subgraph.TransferEvent{
		ID:            id,
		User:          testUser,
		Genesis:       genesis,
		AmountWrapped: types.Amt(uint256.NewInt(amount)),
		BlockNumber:   block,
		Timestamp:     1700000000,
	}
}

func newTestSyncer(t *testing.T, graph *fakeGraph, state *fakeState, positions *fakePositions) *Syncer {
	t.Helper()
	cfg, err := markets.Load()
	require.NoError(t, err)
	return New(graph, state, positions, cfg, nil, zap.NewNop())
}

func TestRunStreamFeedsPositions(t *testing.T) {
	graph := &fakeGraph{deposits: []subgraph.TransferEvent{
		transfer("0xaa-1", fxGenesis, 100, 10),
		transfer("0xaa-2", fxGenesis, 250, 11),
	}}
	state := newFakeState()
	positions := &fakePositions{}
	s := newTestSyncer(t, graph, state, positions)

	res := s.RunStream(context.Background(), StreamDeposits)
	assert.Empty(t, res.Error)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, "0xaa-2", res.Cursor)
	assert.Equal(t, "0xaa-2", state.cursors[StreamDeposits])

	require.Len(t, positions.calls, 2)
	assert.Equal(t, types.TokenFxSave, positions.calls[0].token)
	assert.Equal(t, yield.Deposit, positions.calls[0].dir)
	assert.Equal(t, "100", positions.calls[0].delta)
	assert.Equal(t, uint64(10), positions.calls[0].block)
}

func TestRunStreamResumesFromCursor(t *testing.T) {
	graph := &fakeGraph{deposits: []subgraph.TransferEvent{
		transfer("0xaa-1", fxGenesis, 100, 10),
		transfer("0xaa-2", fxGenesis, 250, 11),
		transfer("0xaa-3", fxGenesis, 300, 12),
	}}
	state := newFakeState()
	state.cursors[StreamDeposits] = "0xaa-2"
	positions := &fakePositions{}
	s := newTestSyncer(t, graph, state, positions)

	res := s.RunStream(context.Background(), StreamDeposits)
	assert.Equal(t, 1, res.Processed)
	require.Len(t, positions.calls, 1)
	assert.Equal(t, "300", positions.calls[0].delta)
}

func TestRunStreamPagesToTip(t *testing.T) {
	graph := &fakeGraph{}
	for i := 1; i <= 5; i++ {
		graph.withdrawals = append(graph.withdrawals, transfer(fmt.Sprintf("0xbb-%d", i), fxGenesis, 10, uint64(i)))
	}
	state := newFakeState()
	positions := &fakePositions{}
	s := newTestSyncer(t, graph, state, positions)
	s.pageSize = 2

	res := s.RunStream(context.Background(), StreamWithdrawals)
	assert.Empty(t, res.Error)
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, "0xbb-5", res.Cursor)
	// One advance per fully-handled page
	assert.Equal(t, []string{"0xbb-2", "0xbb-4", "0xbb-5"}, state.advances[StreamWithdrawals])
	assert.Equal(t, yield.Withdrawal, positions.calls[0].dir)
}

func TestRunStreamFailureKeepsCursor(t *testing.T) {
	graph := &fakeGraph{deposits: []subgraph.TransferEvent{
		transfer("0xaa-1", fxGenesis, 100, 10),
	}}
	state := newFakeState()
	positions := &fakePositions{err: types.ErrUpstreamUnavailable}
	s := newTestSyncer(t, graph, state, positions)

	res := s.RunStream(context.Background(), StreamDeposits)
	assert.NotEmpty(t, res.Error)
	assert.Zero(t, res.Processed)
	assert.Empty(t, state.advances[StreamDeposits])
}

func TestUnknownGenesisIsSkipped(t *testing.T) {
	graph := &fakeGraph{deposits: []subgraph.TransferEvent{
		transfer("0xaa-1", unknownGenesis, 100, 10),
		transfer("0xaa-2", fxGenesis, 200, 11),
	}}
	state := newFakeState()
	positions := &fakePositions{}
	s := newTestSyncer(t, graph, state, positions)

	res := s.RunStream(context.Background(), StreamDeposits)
	assert.Empty(t, res.Error)
	// Both events count toward the cursor; only the known one hits the engine
	assert.Equal(t, 2, res.Processed)
	require.Len(t, positions.calls, 1)
	assert.Equal(t, "200", positions.calls[0].delta)
}

func marksEvent(id string, points uint64) subgraph.MarksEvent {
	return subgraph.MarksEvent{
		ID:        id,
		User:      testUser,
		Points:    points,
		Day:       "2026-08-30",
		Timestamp: 1700000000,
	}
}

func TestMarksCreditConfirmedReferrer(t *testing.T) {
	graph := &fakeGraph{marks: []subgraph.MarksEvent{marksEvent("m-1", 1000)}}
	state := newFakeState()
	state.bindings[testUser] = &types.ReferralBinding{
		Referred: testUser, Referrer: testReferrer, Status: types.BindingConfirmed,
	}
	s := newTestSyncer(t, graph, state, &fakePositions{})

	res := s.RunStream(context.Background(), StreamMarks)
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, res.Processed)

	// Default 10% marks share of 1000 points
	require.Len(t, state.credits, 1)
	assert.Equal(t, testReferrer, state.creditTo[0])
	assert.Equal(t, "100", state.credits[0].MarksPoints.Dec())
}

func TestMarksReplayCreditsOnce(t *testing.T) {
	graph := &fakeGraph{marks: []subgraph.MarksEvent{marksEvent("m-1", 1000)}}
	state := newFakeState()
	state.bindings[testUser] = &types.ReferralBinding{
		Referred: testUser, Referrer: testReferrer, Status: types.BindingConfirmed,
	}
	s := newTestSyncer(t, graph, state, &fakePositions{})

	ctx := context.Background()
	s.RunStream(ctx, StreamMarks)

	// Re-run from an empty cursor, as a crash before AdvanceCursor would
	state.cursors[StreamMarks] = ""
	res := s.RunStream(ctx, StreamMarks)
	assert.Empty(t, res.Error)
	assert.Len(t, state.credits, 1)
}

func TestMarksTransientCreditFailureRetries(t *testing.T) {
	graph := &fakeGraph{marks: []subgraph.MarksEvent{marksEvent("m-1", 1000)}}
	state := newFakeState()
	state.bindings[testUser] = &types.ReferralBinding{
		Referred: testUser, Referrer: testReferrer, Status: types.BindingConfirmed,
	}
	state.creditFail = 1
	s := newTestSyncer(t, graph, state, &fakePositions{})

	ctx := context.Background()
	res := s.RunStream(ctx, StreamMarks)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, state.advances[StreamMarks])
	// The failed credit released the claim rather than burning the event
	assert.False(t, state.claimed["m-1"])

	res = s.RunStream(ctx, StreamMarks)
	assert.Empty(t, res.Error)
	require.Len(t, state.credits, 1)
	assert.Equal(t, "100", state.credits[0].MarksPoints.Dec())
}

func TestMarksWithoutBindingNotCredited(t *testing.T) {
	graph := &fakeGraph{marks: []subgraph.MarksEvent{marksEvent("m-1", 1000)}}
	state := newFakeState()
	s := newTestSyncer(t, graph, state, &fakePositions{})

	res := s.RunStream(context.Background(), StreamMarks)
	assert.Empty(t, res.Error)
	assert.Empty(t, state.credits)
}

func TestMarksMalformedUserSkipped(t *testing.T) {
	ev := marksEvent("m-1", 1000)
	ev.User = "not-an-address"
	graph := &fakeGraph{marks: []subgraph.MarksEvent{ev}}
	state := newFakeState()
	s := newTestSyncer(t, graph, state, &fakePositions{})

	res := s.RunStream(context.Background(), StreamMarks)
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, res.Processed)
	assert.Empty(t, state.credits)
}

func TestRunAllCoversEveryStream(t *testing.T) {
	graph := &fakeGraph{
		deposits:    []subgraph.TransferEvent{transfer("0xaa-1", fxGenesis, 100, 10)},
		withdrawals: []subgraph.TransferEvent{transfer("0xbb-1", fxGenesis, 50, 11)},
		marks:       []subgraph.MarksEvent{marksEvent("m-1", 10)},
	}
	state := newFakeState()
	positions := &fakePositions{}
	s := newTestSyncer(t, graph, state, positions)

	results := s.RunAll(context.Background())
	require.Len(t, results, 3)
	seen := map[string]int{}
	for _, r := range results {
		assert.Empty(t, r.Error)
		seen[r.Stream] = r.Processed
	}
	assert.Equal(t, map[string]int{
		StreamDeposits:    1,
		StreamWithdrawals: 1,
		StreamMarks:       1,
	}, seen)
}
