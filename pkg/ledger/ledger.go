package ledger

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/types"
)

// Store is the totals surface the ledger aggregates over.
type Store interface {
	ListReferrers(ctx context.Context) ([]string, error)
	GetReferrerTotals(ctx context.Context, referrer string) (*types.ReferrerTotals, error)
	ListRebateUsers(ctx context.Context) ([]string, error)
	GetRebate(ctx context.Context, user string) (*types.RebateStatus, error)
	GetSettings(ctx context.Context) (types.ReferralSettings, error)
}

// Ledger builds payout-oriented views over accumulated totals. Totals stay
// in the store; the ledger only reads, never mutates.
type Ledger struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// ReferrerRow is one referrer's aggregated earnings plus the payable flag
// derived from the minimum payout threshold at read time.
type ReferrerRow struct {
	Referrer    string       `json:"referrer"`
	FeeUsdE18   types.Amount `json:"feeUsdE18"`
	FeeEthWei   types.Amount `json:"feeEthWei"`
	YieldUsdE18 types.Amount `json:"yieldUsdE18"`
	YieldEthWei types.Amount `json:"yieldEthWei"`
	MarksPoints types.Amount `json:"marksPoints"`
	TotalUsdE18 types.Amount `json:"totalUsdE18"`
	Payable     bool         `json:"payable"`
}

// Batch is a point-in-time payout export. Rows carry only referrers at or
// above the payout threshold; ExcludedCount says how many fell under it.
type Batch struct {
	GeneratedAt   time.Time     `json:"generatedAt"`
	MinPayoutUsd  float64       `json:"minPayoutUsd"`
	Rows          []ReferrerRow `json:"rows"`
	PayableCount  int           `json:"payableCount"`
	ExcludedCount int           `json:"excludedCount"`
}

// Referrers aggregates every payable referrer, sorted by address for
// stable output. The threshold is inclusive: earning exactly the minimum
// qualifies. Referrers below it are left out of the batch entirely, not
// just flagged.
func (l *Ledger) Referrers(ctx context.Context) (*Batch, error) {
	settings, err := l.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	threshold := usdToE18(settings.MinPayoutUsd)

	addrs, err := l.store.ListReferrers(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(addrs)

	batch := &Batch{
		GeneratedAt:  time.Now().UTC(),
		MinPayoutUsd: settings.MinPayoutUsd,
		Rows:         make([]ReferrerRow, 0, len(addrs)),
	}
	for _, addr := range addrs {
		totals, err := l.store.GetReferrerTotals(ctx, addr)
		if err != nil {
			return nil, err
		}
		row := rowFromTotals(totals, threshold)
		if !row.Payable {
			batch.ExcludedCount++
			continue
		}
		batch.PayableCount++
		batch.Rows = append(batch.Rows, row)
	}
	return batch, nil
}

// Referrer returns a single referrer's aggregated row.
func (l *Ledger) Referrer(ctx context.Context, addr string) (*ReferrerRow, error) {
	settings, err := l.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	totals, err := l.store.GetReferrerTotals(ctx, addr)
	if err != nil {
		return nil, err
	}
	row := rowFromTotals(totals, usdToE18(settings.MinPayoutUsd))
	return &row, nil
}

// Rebates aggregates the referred-user side of fee events. The same
// inclusive payout threshold applies: users under it are excluded.
func (l *Ledger) Rebates(ctx context.Context) ([]types.RebateStatus, error) {
	settings, err := l.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	threshold := usdToE18(settings.MinPayoutUsd)

	users, err := l.store.ListRebateUsers(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(users)

	out := make([]types.RebateStatus, 0, len(users))
	for _, user := range users {
		st, err := l.store.GetRebate(ctx, user)
		if err != nil {
			return nil, err
		}
		if st.TotalUsdE18.U().Cmp(threshold) < 0 {
			continue
		}
		out = append(out, *st)
	}
	return out, nil
}

// CombinedRow is one line of the merged export covering both sides of the
// ledger, tagged by type so a single payout file can carry referrers and
// rebate users together.
type CombinedRow struct {
	Type        string       `json:"type"` // "referrer" or "rebate"
	Address     string       `json:"address"`
	TotalUsdE18 types.Amount `json:"totalUsdE18"`
	TotalEthWei types.Amount `json:"totalEthWei"`
	MarksPoints types.Amount `json:"marksPoints"`
	UsedCount   int          `json:"usedCount"`
	Payable     bool         `json:"payable"`
}

// Combined merges referrer rows and rebate rows into one flat batch.
// Referrer rows come first, each side sorted by address. Both sides are
// already thresholded, so every row in the batch is payable.
func (l *Ledger) Combined(ctx context.Context) ([]CombinedRow, error) {
	batch, err := l.Referrers(ctx)
	if err != nil {
		return nil, err
	}
	rebates, err := l.Rebates(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]CombinedRow, 0, len(batch.Rows)+len(rebates))
	for i := range batch.Rows {
		row := &batch.Rows[i]
		totalEth := new(uint256.Int).Add(row.FeeEthWei.U(), row.YieldEthWei.U())
		out = append(out, CombinedRow{
			Type:        "referrer",
			Address:     row.Referrer,
			TotalUsdE18: row.TotalUsdE18,
			TotalEthWei: types.Amt(totalEth),
			MarksPoints: row.MarksPoints,
			Payable:     row.Payable,
		})
	}
	for i := range rebates {
		rb := &rebates[i]
		out = append(out, CombinedRow{
			Type:        "rebate",
			Address:     rb.User,
			TotalUsdE18: rb.TotalUsdE18,
			TotalEthWei: rb.TotalEthWei,
			UsedCount:   rb.UsedCount,
			Payable:     true,
		})
	}
	return out, nil
}

var csvHeader = []string{
	"referrer", "fee_usd_e18", "fee_eth_wei",
	"yield_usd_e18", "yield_eth_wei", "marks_points",
	"total_usd_e18", "payable",
}

// WriteCSV streams a batch as CSV; amounts are decimal strings so
// spreadsheet tooling never mangles them into floats.
func (l *Ledger) WriteCSV(w io.Writer, batch *Batch) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i := range batch.Rows {
		row := &batch.Rows[i]
		record := []string{
			row.Referrer,
			row.FeeUsdE18.Dec(),
			row.FeeEthWei.Dec(),
			row.YieldUsdE18.Dec(),
			row.YieldEthWei.Dec(),
			row.MarksPoints.Dec(),
			row.TotalUsdE18.Dec(),
			strconv.FormatBool(row.Payable),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

var combinedCSVHeader = []string{
	"type", "address", "total_usd_e18", "total_eth_wei",
	"marks_points", "used_count", "payable",
}

// WriteCombinedCSV streams the merged batch as CSV.
func (l *Ledger) WriteCombinedCSV(w io.Writer, rows []CombinedRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(combinedCSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i := range rows {
		row := &rows[i]
		record := []string{
			row.Type,
			row.Address,
			row.TotalUsdE18.Dec(),
			row.TotalEthWei.Dec(),
			row.MarksPoints.Dec(),
			strconv.Itoa(row.UsedCount),
			strconv.FormatBool(row.Payable),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func rowFromTotals(t *types.ReferrerTotals, threshold *uint256.Int) ReferrerRow {
	total := new(uint256.Int).Add(t.FeeUsdE18.U(), t.YieldUsdE18.U())
	return ReferrerRow{
		Referrer:    t.Referrer,
		FeeUsdE18:   t.FeeUsdE18,
		FeeEthWei:   t.FeeEthWei,
		YieldUsdE18: t.YieldUsdE18,
		YieldEthWei: t.YieldEthWei,
		MarksPoints: t.MarksPoints,
		TotalUsdE18: types.Amt(total),
		Payable:     total.Cmp(threshold) >= 0,
	}
}

// usdToE18 scales a configured USD amount to 1e18 fixed point exactly.
func usdToE18(usd float64) *uint256.Int {
	d := decimal.NewFromFloat(usd).Mul(decimal.New(1, 18)).Truncate(0)
	if d.Sign() <= 0 {
		return uint256.NewInt(0)
	}
	v, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return uint256.NewInt(0)
	}
	return v
}
