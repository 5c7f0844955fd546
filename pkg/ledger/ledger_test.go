package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/types"
)

const (
	bigReferrer   = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	smallReferrer = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	exactReferrer = "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB"
)

func e18(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), types.E18)
}

type fakeStore struct {
	totals   map[string]*types.ReferrerTotals
	rebates  map[string]*types.RebateStatus
	settings types.ReferralSettings
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		totals:   map[string]*types.ReferrerTotals{},
		rebates:  map[string]*types.RebateStatus{},
		settings: types.DefaultSettings(),
	}
}

func (f *fakeStore) ListReferrers(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(f.totals))
	for addr := range f.totals {
		out = append(out, addr)
	}
	return out, nil
}

func (f *fakeStore) GetReferrerTotals(ctx context.Context, referrer string) (*types.ReferrerTotals, error) {
	t, ok := f.totals[referrer]
	if !ok {
		return nil, fmt.Errorf("%w: no totals", types.ErrNotFound)
	}
	return t, nil
}

func (f *fakeStore) ListRebateUsers(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(f.rebates))
	for user := range f.rebates {
		out = append(out, user)
	}
	return out, nil
}

func (f *fakeStore) GetRebate(ctx context.Context, user string) (*types.RebateStatus, error) {
	r, ok := f.rebates[user]
	if !ok {
		return nil, fmt.Errorf("%w: no rebate", types.ErrNotFound)
	}
	return r, nil
}

func (f *fakeStore) GetSettings(ctx context.Context) (types.ReferralSettings, error) {
	return f.settings, nil
}

func totalsRow(referrer string, feeUsd, yieldUsd *uint256.Int) *types.ReferrerTotals {
	return &types.ReferrerTotals{
		Referrer:    referrer,
		FeeUsdE18:   types.Amt(feeUsd),
		FeeEthWei:   types.Amt(uint256.NewInt(0)),
		YieldUsdE18: types.Amt(yieldUsd),
		YieldEthWei: types.Amt(uint256.NewInt(0)),
		MarksPoints: types.Amt(uint256.NewInt(0)),
	}
}

func TestReferrersSortedAndThresholded(t *testing.T) {
	store := newFakeStore()
	store.totals[bigReferrer] = totalsRow(bigReferrer, e18(40), e18(5))
	store.totals[exactReferrer] = totalsRow(exactReferrer, e18(15), e18(5))
	store.totals[smallReferrer] = totalsRow(smallReferrer, e18(3), e18(2))
	l := New(store, zap.NewNop())

	batch, err := l.Referrers(context.Background())
	require.NoError(t, err)

	// The 5 USD referrer is below the 10 USD minimum and never appears
	require.Len(t, batch.Rows, 2)
	// Sorted by address for stable exports
	assert.Equal(t, bigReferrer, batch.Rows[0].Referrer)
	assert.Equal(t, exactReferrer, batch.Rows[1].Referrer)

	assert.Equal(t, e18(45).Dec(), batch.Rows[0].TotalUsdE18.Dec())
	assert.True(t, batch.Rows[0].Payable)
	assert.Equal(t, e18(20).Dec(), batch.Rows[1].TotalUsdE18.Dec())
	assert.Equal(t, 2, batch.PayableCount)
	assert.Equal(t, 1, batch.ExcludedCount)
	assert.Equal(t, float64(10), batch.MinPayoutUsd)
}

func TestSubThresholdRowsAreExcluded(t *testing.T) {
	store := newFakeStore()
	// 5 USD total against the default 10 USD minimum
	store.totals[smallReferrer] = totalsRow(smallReferrer, e18(3), e18(2))
	l := New(store, zap.NewNop())

	batch, err := l.Referrers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch.Rows)
	assert.Equal(t, 0, batch.PayableCount)
	assert.Equal(t, 1, batch.ExcludedCount)

	rows, err := l.Combined(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPayableThresholdIsInclusive(t *testing.T) {
	store := newFakeStore()
	// Exactly the 10 USD default minimum
	store.totals[exactReferrer] = totalsRow(exactReferrer, e18(4), e18(6))
	l := New(store, zap.NewNop())

	row, err := l.Referrer(context.Background(), exactReferrer)
	require.NoError(t, err)
	assert.True(t, row.Payable)

	batch, err := l.Referrers(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Rows, 1)

	// One wei under the minimum does not qualify
	under := new(uint256.Int).Sub(e18(6), uint256.NewInt(1))
	store.totals[exactReferrer] = totalsRow(exactReferrer, e18(4), under)
	row, err = l.Referrer(context.Background(), exactReferrer)
	require.NoError(t, err)
	assert.False(t, row.Payable)

	batch, err = l.Referrers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch.Rows)
}

func TestFractionalThreshold(t *testing.T) {
	store := newFakeStore()
	store.settings.MinPayoutUsd = 0.5
	store.totals[exactReferrer] = totalsRow(exactReferrer, uint256.NewInt(0), e18(1))
	l := New(store, zap.NewNop())

	row, err := l.Referrer(context.Background(), exactReferrer)
	require.NoError(t, err)
	assert.True(t, row.Payable)
}

func TestMarksDoNotCountTowardPayout(t *testing.T) {
	store := newFakeStore()
	totals := totalsRow(exactReferrer, uint256.NewInt(0), uint256.NewInt(0))
	totals.MarksPoints = types.Amt(uint256.NewInt(1_000_000))
	store.totals[exactReferrer] = totals
	l := New(store, zap.NewNop())

	row, err := l.Referrer(context.Background(), exactReferrer)
	require.NoError(t, err)
	assert.True(t, row.TotalUsdE18.U().IsZero())
	assert.False(t, row.Payable)

	batch, err := l.Referrers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch.Rows)
}

func TestWriteCSV(t *testing.T) {
	store := newFakeStore()
	store.totals[bigReferrer] = totalsRow(bigReferrer, e18(40), e18(5))
	l := New(store, zap.NewNop())

	batch, err := l.Referrers(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, l.WriteCSV(&buf, batch))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, bigReferrer, records[1][0])
	assert.Equal(t, "40000000000000000000", records[1][1])
	assert.Equal(t, "45000000000000000000", records[1][6])
	assert.Equal(t, "true", records[1][7])
}

func TestCombinedTagsBothSides(t *testing.T) {
	store := newFakeStore()
	store.totals[bigReferrer] = totalsRow(bigReferrer, e18(40), e18(5))
	store.rebates[smallReferrer] = &types.RebateStatus{
		User:        smallReferrer,
		UsedCount:   2,
		TotalUsdE18: types.Amt(e18(12)),
		TotalEthWei: types.Amt(uint256.NewInt(6_000_000_000_000_000)),
	}
	// Below the minimum, so absent from the combined batch
	store.rebates[exactReferrer] = &types.RebateStatus{
		User:        exactReferrer,
		UsedCount:   1,
		TotalUsdE18: types.Amt(e18(1)),
		TotalEthWei: types.Amt(uint256.NewInt(0)),
	}
	l := New(store, zap.NewNop())

	rows, err := l.Combined(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "referrer", rows[0].Type)
	assert.Equal(t, bigReferrer, rows[0].Address)
	assert.Equal(t, e18(45).Dec(), rows[0].TotalUsdE18.Dec())
	assert.True(t, rows[0].Payable)

	assert.Equal(t, "rebate", rows[1].Type)
	assert.Equal(t, smallReferrer, rows[1].Address)
	assert.Equal(t, e18(12).Dec(), rows[1].TotalUsdE18.Dec())
	assert.Equal(t, 2, rows[1].UsedCount)
	assert.True(t, rows[1].Payable)

	var buf bytes.Buffer
	require.NoError(t, l.WriteCombinedCSV(&buf, rows))
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, combinedCSVHeader, records[0])
	assert.Equal(t, "referrer", records[1][0])
	assert.Equal(t, "rebate", records[2][0])
	assert.Equal(t, "2", records[2][5])
}

func TestRebates(t *testing.T) {
	store := newFakeStore()
	store.rebates[smallReferrer] = &types.RebateStatus{
		User:        smallReferrer,
		UsedCount:   3,
		TotalUsdE18: types.Amt(e18(12)),
		TotalEthWei: types.Amt(uint256.NewInt(0)),
	}
	store.rebates[bigReferrer] = &types.RebateStatus{
		User:        bigReferrer,
		UsedCount:   1,
		TotalUsdE18: types.Amt(e18(2)),
		TotalEthWei: types.Amt(uint256.NewInt(0)),
	}
	l := New(store, zap.NewNop())

	out, err := l.Rebates(context.Background())
	require.NoError(t, err)
	// The 2 USD user is under the minimum and excluded
	require.Len(t, out, 1)
	assert.Equal(t, smallReferrer, out[0].User)
	assert.Equal(t, 3, out[0].UsedCount)
	assert.Equal(t, e18(12).Dec(), out[0].TotalUsdE18.Dec())
}
