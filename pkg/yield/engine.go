package yield

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/markets"
	"github.com/fx-markets/refyield/pkg/store"
	"github.com/fx-markets/refyield/pkg/types"
)

// Direction is the sign of a balance change.
type Direction int

const (
	Deposit Direction = iota
	Withdrawal
)

// RateSource is the oracle subset the engine marks positions with.
type RateSource interface {
	FetchRate(ctx context.Context, token string, blockNumber *big.Int) (*types.RateQuote, error)
	FetchEthUsdPrice(ctx context.Context, blockNumber *big.Int) (*types.PriceQuote, error)
}

// Ledger is the store subset the engine reads and credits.
type Ledger interface {
	GetPosition(ctx context.Context, user, token string) (*types.YieldPosition, error)
	PutPosition(ctx context.Context, p *types.YieldPosition) error
	GetBinding(ctx context.Context, referred string) (*types.ReferralBinding, error)
	GetSettings(ctx context.Context) (types.ReferralSettings, error)
	CreditReferrer(ctx context.Context, referrer string, delta store.TotalsDelta) (*types.ReferrerTotals, error)
	Publish(ctx context.Context, channel string, message interface{})
}

// History receives append-only accrual rows; it is observability, so a nil
// history is valid and writes never fail the update.
type History interface {
	InsertAccrual(ctx context.Context, a *types.YieldAccrual, creditedReferrer string)
}

// Engine tracks yield-bearing positions with mark-to-market accrual and
// credits referrers a configured share of each accrual.
type Engine struct {
	rates   RateSource
	ledger  Ledger
	history History
	logger  *zap.Logger
}

func NewEngine(rates RateSource, ledger Ledger, history History, logger *zap.Logger) *Engine {
	return &Engine{rates: rates, ledger: ledger, history: history, logger: logger}
}

// UpdateResult is one position update: the stored snapshot plus the
// accrual, when one was emitted.
type UpdateResult struct {
	Position *types.YieldPosition `json:"position"`
	Accrual  *types.YieldAccrual  `json:"accrual,omitempty"`
	Credited *types.Amount        `json:"creditedUsdE18,omitempty"`
	Referrer string               `json:"referrer,omitempty"`
}

// UpdatePosition applies a balance change at the current (or pinned) rate.
//
// Ordering is the load-bearing invariant: the position is re-marked at the
// new rate BEFORE the balance delta is applied, so yield accrued since the
// last observation is captured first and principal moves never count as
// yield. The first observation of a position establishes a baseline only.
func (e *Engine) UpdatePosition(ctx context.Context, user, token string, delta *uint256.Int, dir Direction, blockNumber *big.Int) (*UpdateResult, error) {
	addr, err := markets.ChecksumAddress(user)
	if err != nil {
		return nil, err
	}
	if !types.ValidToken(token) {
		return nil, fmt.Errorf("%w: unknown token %q", types.ErrInvalidInput, token)
	}

	quote, err := e.rates.FetchRate(ctx, token, blockNumber)
	if err != nil {
		return nil, err
	}
	rate := quote.Rate.U()

	pos, err := e.ledger.GetPosition(ctx, addr, token)
	firstObservation := false
	if errors.Is(err, types.ErrNotFound) {
		pos = &types.YieldPosition{User: addr, Token: token}
		firstObservation = true
	} else if err != nil {
		return nil, err
	}
	if pos.LastRate.IsZero() {
		firstObservation = true
	}

	var accrual *types.YieldAccrual
	if !firstObservation {
		// Re-mark at the current rate with the old balance. Growth beyond
		// the stored base value is yield accrued since last observation.
		newBase := types.MulE18(pos.WrappedBalance.U(), rate)
		if newBase.Cmp(pos.LastBaseValue.U()) > 0 {
			deltaBase := new(uint256.Int).Sub(newBase, pos.LastBaseValue.U())
			accrual = &types.YieldAccrual{
				User:        addr,
				Token:       token,
				DeltaBase:   types.Amt(deltaBase),
				BlockNumber: quote.BlockNumber,
				Timestamp:   quote.Timestamp,
			}
		}
	}

	// Only now apply the principal change, flooring at zero, and re-mark
	// at the same rate so the new base value reflects the new balance.
	balance := new(uint256.Int).Set(pos.WrappedBalance.U())
	if delta != nil && !delta.IsZero() {
		switch dir {
		case Deposit:
			balance.Add(balance, delta)
		case Withdrawal:
			if balance.Cmp(delta) <= 0 {
				balance.Clear()
			} else {
				balance.Sub(balance, delta)
			}
		}
	}
	pos.WrappedBalance = types.Amt(balance)
	pos.LastRate = types.Amt(rate)
	pos.LastBaseValue = types.Amt(types.MulE18(balance, rate))
	pos.LastUpdatedBlock = quote.BlockNumber
	pos.LastUpdatedAt = time.Now().UTC()

	if err := e.ledger.PutPosition(ctx, pos); err != nil {
		return nil, err
	}

	result := &UpdateResult{Position: pos, Accrual: accrual}
	if accrual != nil {
		if err := e.creditAccrual(ctx, accrual, result); err != nil {
			return nil, err
		}
		e.announce(ctx, result)
	}
	return result, nil
}

// creditAccrual converts the accrued base value to USD and credits the
// configured referrer share when the user has a confirmed binding.
func (e *Engine) creditAccrual(ctx context.Context, accrual *types.YieldAccrual, result *UpdateResult) error {
	binding, err := e.ledger.GetBinding(ctx, accrual.User)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if binding == nil || binding.Status != types.BindingConfirmed {
		if e.history != nil {
			e.history.InsertAccrual(ctx, accrual, "")
		}
		return nil
	}

	usdE18, ethWei, err := e.convertBaseValue(ctx, accrual.Token, accrual.DeltaBase.U())
	if err != nil {
		return err
	}

	settings, err := e.ledger.GetSettings(ctx)
	if err != nil {
		return err
	}
	creditUsd := ShareOf(usdE18, settings.ReferrerYieldSharePercent)
	creditEth := ShareOf(ethWei, settings.ReferrerYieldSharePercent)

	if _, err := e.ledger.CreditReferrer(ctx, binding.Referrer, store.TotalsDelta{
		YieldUsdE18: creditUsd,
		YieldEthWei: creditEth,
	}); err != nil {
		return err
	}
	if e.history != nil {
		e.history.InsertAccrual(ctx, accrual, binding.Referrer)
	}

	credited := types.Amt(creditUsd)
	result.Credited = &credited
	result.Referrer = binding.Referrer
	e.logger.Info("yield accrual credited",
		zap.String("user", accrual.User),
		zap.String("referrer", binding.Referrer),
		zap.String("token", accrual.Token),
		zap.String("deltaBase", accrual.DeltaBase.Dec()),
		zap.String("creditedUsdE18", creditUsd.Dec()))
	return nil
}

// convertBaseValue maps an accrued base amount to (usdE18, ethWei).
// fxSAVE base is already USD-denominated; wstETH base is ETH.
func (e *Engine) convertBaseValue(ctx context.Context, token string, deltaBase *uint256.Int) (usdE18, ethWei *uint256.Int, err error) {
	price, err := e.rates.FetchEthUsdPrice(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	priceE18 := price.PriceE18()

	switch token {
	case types.TokenFxSave:
		usdE18 = new(uint256.Int).Set(deltaBase)
		ethWei = types.DivE18(usdE18, priceE18.U())
	case types.TokenWstETH:
		ethWei = new(uint256.Int).Set(deltaBase)
		usdE18 = types.MulE18(ethWei, priceE18.U())
	default:
		return nil, nil, fmt.Errorf("%w: token %q", types.ErrUnsupportedMarket, token)
	}
	return usdE18, ethWei, nil
}

// announce pushes the accrual onto the realtime channel, best-effort.
func (e *Engine) announce(ctx context.Context, result *UpdateResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	e.ledger.Publish(ctx, store.ChannelAccruals, payload)
}

// ShareOf returns pct percent of v, computed through basis points so the
// configured float never multiplies a balance directly.
func ShareOf(v *uint256.Int, pct float64) *uint256.Int {
	return applyBps(v, percentToBps(pct))
}

// percentToBps converts a configured percentage to basis points without
// float multiplication drift.
func percentToBps(pct float64) uint64 {
	bps := decimal.NewFromFloat(pct).Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	if bps < 0 {
		return 0
	}
	if bps > 10_000 {
		return 10_000
	}
	return uint64(bps)
}

func applyBps(v *uint256.Int, bps uint64) *uint256.Int {
	z := new(uint256.Int).Mul(v, uint256.NewInt(bps))
	return z.Div(z, uint256.NewInt(10_000))
}
