package fees

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/markets"
	"github.com/fx-markets/refyield/pkg/oracle"
	"github.com/fx-markets/refyield/pkg/retry"
	"github.com/fx-markets/refyield/pkg/store"
	"github.com/fx-markets/refyield/pkg/types"
)

// Operation selects one of the four minter simulations.
type Operation string

const (
	OpMintPegged      Operation = "mint_pegged"
	OpMintLeveraged   Operation = "mint_leveraged"
	OpRedeemPegged    Operation = "redeem_pegged"
	OpRedeemLeveraged Operation = "redeem_leveraged"
)

var simMethods = map[Operation]string{
	OpMintPegged:      "simulateMintPegged",
	OpMintLeveraged:   "simulateMintLeveraged",
	OpRedeemPegged:    "simulateRedeemPegged",
	OpRedeemLeveraged: "simulateRedeemLeveraged",
}

// Every simulation returns the same five-word layout.
const minterABI = `[
	{"name":"simulateMintPegged","type":"function","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"}],"outputs":[{"name":"amountOut","type":"uint256"},{"name":"fee","type":"uint256"},{"name":"incentiveRatio","type":"uint256"},{"name":"price","type":"uint256"},{"name":"rate","type":"uint256"}]},
	{"name":"simulateMintLeveraged","type":"function","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"}],"outputs":[{"name":"amountOut","type":"uint256"},{"name":"fee","type":"uint256"},{"name":"incentiveRatio","type":"uint256"},{"name":"price","type":"uint256"},{"name":"rate","type":"uint256"}]},
	{"name":"simulateRedeemPegged","type":"function","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"}],"outputs":[{"name":"amountOut","type":"uint256"},{"name":"fee","type":"uint256"},{"name":"incentiveRatio","type":"uint256"},{"name":"price","type":"uint256"},{"name":"rate","type":"uint256"}]},
	{"name":"simulateRedeemLeveraged","type":"function","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"}],"outputs":[{"name":"amountOut","type":"uint256"},{"name":"fee","type":"uint256"},{"name":"incentiveRatio","type":"uint256"},{"name":"price","type":"uint256"},{"name":"rate","type":"uint256"}]}
]`

// ParseOperation validates a wire operation string.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if _, ok := simMethods[op]; !ok {
		return "", fmt.Errorf("%w: unknown operation %q", types.ErrInvalidInput, s)
	}
	return op, nil
}

// DryRunResult is the normalized simulation output.
type DryRunResult struct {
	Operation      Operation    `json:"operation"`
	Market         string       `json:"market"`
	Token          string       `json:"token"`
	AmountIn       types.Amount `json:"amountIn"`
	AmountOut      types.Amount `json:"amountOut"`
	FeeWrapped     types.Amount `json:"feeWrapped"`
	IncentiveRatio types.Amount `json:"incentiveRatio"`
	Price          types.Amount `json:"price"`
	Rate           types.Amount `json:"rate"`
}

// RateSource is the oracle subset the engine converts fees with.
type RateSource interface {
	FetchRate(ctx context.Context, token string, blockNumber *big.Int) (*types.RateQuote, error)
	FetchEthUsdPrice(ctx context.Context, blockNumber *big.Int) (*types.PriceQuote, error)
}

// Ledger is the store subset the engine credits into.
type Ledger interface {
	GetBinding(ctx context.Context, referred string) (*types.ReferralBinding, error)
	CreditReferrer(ctx context.Context, referrer string, delta store.TotalsDelta) (*types.ReferrerTotals, error)
	CreditRebate(ctx context.Context, user string, usdE18, ethWei *uint256.Int) (*types.RebateStatus, error)
}

// Engine converts raw on-chain fees into attributed USD/ETH earnings.
type Engine struct {
	eth      oracle.EthCaller
	rates    RateSource
	markets  *markets.Config
	ledger   Ledger
	abi      abi.ABI
	retryCfg retry.Config
	logger   *zap.Logger
}

func NewEngine(eth oracle.EthCaller, rates RateSource, cfg *markets.Config, ledger Ledger, logger *zap.Logger) (*Engine, error) {
	parsed, err := abi.JSON(strings.NewReader(minterABI))
	if err != nil {
		return nil, fmt.Errorf("parse minter abi: %w", err)
	}
	return &Engine{
		eth:      eth,
		rates:    rates,
		markets:  cfg,
		ledger:   ledger,
		abi:      parsed,
		retryCfg: retry.DefaultConfig(),
		logger:   logger,
	}, nil
}

// CalculateFeeFromDryRun simulates a minter operation. Pure read: no state
// changes anywhere, safe to call speculatively before submitting a tx.
func (e *Engine) CalculateFeeFromDryRun(ctx context.Context, minter string, op Operation, amountIn *uint256.Int, blockNumber *big.Int) (*DryRunResult, error) {
	market, err := e.markets.ByMinter(minter)
	if err != nil {
		return nil, err
	}
	method := simMethods[op]

	data, err := e.abi.Pack(method, amountIn.ToBig())
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := common.HexToAddress(market.Minter)

	var raw []byte
	callErr := retry.WithBackoff(ctx, e.retryCfg, e.logger, "minter:"+method, func() error {
		out, err := e.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, blockNumber)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if callErr != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, callErr)
	}

	vals, err := e.abi.Unpack(method, raw)
	if err != nil || len(vals) != 5 {
		return nil, fmt.Errorf("%w: decode %s: %v", types.ErrUpstreamUnavailable, method, err)
	}
	words := make([]*uint256.Int, 5)
	for i, v := range vals {
		b, ok := v.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("%w: decode %s word %d", types.ErrUpstreamUnavailable, method, i)
		}
		u, overflow := uint256.FromBig(b)
		if overflow {
			return nil, fmt.Errorf("%w: %s word %d overflow", types.ErrUpstreamUnavailable, method, i)
		}
		words[i] = u
	}

	return &DryRunResult{
		Operation:      op,
		Market:         market.Name,
		Token:          market.Token,
		AmountIn:       types.Amt(amountIn),
		AmountOut:      types.Amt(words[0]),
		FeeWrapped:     types.Amt(words[1]),
		IncentiveRatio: types.Amt(words[2]),
		Price:          types.Amt(words[3]),
		Rate:           types.Amt(words[4]),
	}, nil
}

// RecordFeeRequest is the effectful counterpart's input; the caller is
// authenticated and the tx is already confirmed on-chain.
type RecordFeeRequest struct {
	User        string
	TxHash      string
	Minter      string
	Operation   Operation
	AmountIn    *uint256.Int
	BlockNumber *big.Int
}

// RecordFeeResult reports what the recorded fee credited.
type RecordFeeResult struct {
	DryRun    *DryRunResult         `json:"dryRun"`
	FeeUsdE18 types.Amount          `json:"feeUsdE18"`
	FeeEthWei types.Amount          `json:"feeEthWei"`
	Credited  bool                  `json:"credited"`
	Referrer  string                `json:"referrer,omitempty"`
	Totals    *types.ReferrerTotals `json:"totals,omitempty"`
}

// RecordReferralFee re-runs the dry-run for a confirmed transaction,
// converts the wrapped-collateral fee into USD and ETH, and credits the
// user's confirmed referrer. A user without a confirmed binding generates
// no credit, and that is not an error. Fee credits are the full converted
// value; share percentages apply only to marks and yield.
func (e *Engine) RecordReferralFee(ctx context.Context, req RecordFeeRequest) (*RecordFeeResult, error) {
	user, err := markets.ChecksumAddress(req.User)
	if err != nil {
		return nil, err
	}
	if !markets.IsTxHash(req.TxHash) {
		return nil, fmt.Errorf("%w: bad tx hash", types.ErrInvalidInput)
	}

	dryRun, err := e.CalculateFeeFromDryRun(ctx, req.Minter, req.Operation, req.AmountIn, req.BlockNumber)
	if err != nil {
		return nil, err
	}

	feeUsd, feeEth, err := e.ConvertWrappedValue(ctx, dryRun.Token, dryRun.FeeWrapped.U(), req.BlockNumber)
	if err != nil {
		return nil, err
	}

	result := &RecordFeeResult{
		DryRun:    dryRun,
		FeeUsdE18: types.Amt(feeUsd),
		FeeEthWei: types.Amt(feeEth),
	}

	binding, err := e.ledger.GetBinding(ctx, user)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	if binding == nil || binding.Status != types.BindingConfirmed {
		e.logger.Debug("fee recorded without confirmed binding", zap.String("user", user))
		return result, nil
	}

	totals, err := e.ledger.CreditReferrer(ctx, binding.Referrer, store.TotalsDelta{
		FeeUsdE18: feeUsd,
		FeeEthWei: feeEth,
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.ledger.CreditRebate(ctx, user, feeUsd, feeEth); err != nil {
		return nil, err
	}

	result.Credited = true
	result.Referrer = binding.Referrer
	result.Totals = totals
	e.logger.Info("referral fee credited",
		zap.String("user", user),
		zap.String("referrer", binding.Referrer),
		zap.String("tx", req.TxHash),
		zap.String("feeUsdE18", feeUsd.Dec()))
	return result, nil
}

// ConvertWrappedValue converts a wrapped-collateral amount into (usdE18,
// ethWei). fxSAVE carries a direct USD NAV; wstETH composes the stETH
// rate with the ETH/USD price.
func (e *Engine) ConvertWrappedValue(ctx context.Context, token string, amount *uint256.Int, blockNumber *big.Int) (usdE18, ethWei *uint256.Int, err error) {
	rate, err := e.rates.FetchRate(ctx, token, blockNumber)
	if err != nil {
		return nil, nil, err
	}
	price, err := e.rates.FetchEthUsdPrice(ctx, blockNumber)
	if err != nil {
		return nil, nil, err
	}
	priceE18 := price.PriceE18()

	switch token {
	case types.TokenFxSave:
		usdE18 = types.MulE18(amount, rate.Rate.U())
		ethWei = types.DivE18(usdE18, priceE18.U())
	case types.TokenWstETH:
		ethWei = types.MulE18(amount, rate.Rate.U())
		usdE18 = types.MulE18(ethWei, priceE18.U())
	default:
		return nil, nil, fmt.Errorf("%w: token %q", types.ErrUnsupportedMarket, token)
	}
	return usdE18, ethWei, nil
}
