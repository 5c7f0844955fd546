package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/markets"
	"github.com/fx-markets/refyield/pkg/retry"
	"github.com/fx-markets/refyield/pkg/types"
)

// rateABI covers every read the oracle client makes: the fxSAVE NAV
// oracle, the wstETH rate, and the Chainlink ETH/USD aggregator.
const rateABI = `[
	{"name":"nav","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"stEthPerToken","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

// EthCaller is the slice of the RPC client the oracle needs; *ethclient.Client
// satisfies it and tests substitute a fake.
type EthCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
}

// Client reads point-in-time rates and prices, optionally pinned to a
// historical block for deterministic replay. Transient upstream failures
// retry with backoff; a terminal failure is ErrRateUnavailable, never a
// silent zero.
type Client struct {
	eth      EthCaller
	markets  *markets.Config
	ethUsd   common.Address
	abi      abi.ABI
	cache    *quoteCache
	retryCfg retry.Config
	logger   *zap.Logger
}

// Caller exposes the underlying RPC caller so other components can share
// one connection.
func (c *Client) Caller() EthCaller {
	return c.eth
}

// Dial connects to the RPC endpoint in ETH_RPC_URL.
func Dial(ctx context.Context, cfg *markets.Config, ethUsdAggregator string, logger *zap.Logger) (*Client, error) {
	url := envRPCURL()
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial eth rpc %s: %w", url, err)
	}
	return New(ec, cfg, ethUsdAggregator, logger)
}

// New builds a client over an existing caller.
func New(eth EthCaller, cfg *markets.Config, ethUsdAggregator string, logger *zap.Logger) (*Client, error) {
	if !common.IsHexAddress(ethUsdAggregator) {
		return nil, fmt.Errorf("bad ETH/USD aggregator address %q", ethUsdAggregator)
	}
	parsed, err := abi.JSON(strings.NewReader(rateABI))
	if err != nil {
		return nil, fmt.Errorf("parse rate abi: %w", err)
	}
	return &Client{
		eth:      eth,
		markets:  cfg,
		ethUsd:   common.HexToAddress(ethUsdAggregator),
		abi:      parsed,
		cache:    newQuoteCache(),
		retryCfg: retry.DefaultConfig(),
		logger:   logger,
	}, nil
}

// FetchRate returns the wrapped->base conversion factor for a token,
// 1e18-scaled, at blockNumber (nil = head).
func (c *Client) FetchRate(ctx context.Context, token string, blockNumber *big.Int) (*types.RateQuote, error) {
	market, err := c.markets.ByToken(token)
	if err != nil {
		return nil, err
	}
	var method string
	switch token {
	case types.TokenFxSave:
		method = "nav"
	case types.TokenWstETH:
		method = "stEthPerToken"
	default:
		return nil, fmt.Errorf("%w: token %q", types.ErrUnsupportedMarket, token)
	}

	key := cacheKey(method, token, blockNumber)
	if q, ok := c.cache.getRate(key); ok {
		return q, nil
	}

	raw, header, err := c.callAt(ctx, method, common.HexToAddress(market.RateSource), blockNumber)
	if err != nil {
		return nil, err
	}
	vals, err := c.abi.Unpack(method, raw)
	if err != nil || len(vals) != 1 {
		return nil, fmt.Errorf("%w: decode %s: %v", types.ErrRateUnavailable, method, err)
	}
	rateBig, ok := vals[0].(*big.Int)
	if !ok || rateBig.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive %s rate", types.ErrRateUnavailable, token)
	}
	rate, overflow := uint256.FromBig(rateBig)
	if overflow {
		return nil, fmt.Errorf("%w: %s rate overflow", types.ErrRateUnavailable, token)
	}

	quote := &types.RateQuote{
		Token:       token,
		Rate:        types.Amt(rate),
		BlockNumber: header.Number.Uint64(),
		Timestamp:   time.Unix(int64(header.Time), 0).UTC(),
	}
	c.cache.putRate(key, quote)
	return quote, nil
}

// FetchEthUsdPrice returns the ETH/USD oracle round at blockNumber (nil =
// head). A round with answer <= 0 is invalid and must never feed accrual
// math.
func (c *Client) FetchEthUsdPrice(ctx context.Context, blockNumber *big.Int) (*types.PriceQuote, error) {
	key := cacheKey("latestRoundData", "ETHUSD", blockNumber)
	if q, ok := c.cache.getPrice(key); ok {
		return q, nil
	}

	raw, header, err := c.callAt(ctx, "latestRoundData", c.ethUsd, blockNumber)
	if err != nil {
		return nil, err
	}
	vals, err := c.abi.Unpack("latestRoundData", raw)
	if err != nil || len(vals) != 5 {
		return nil, fmt.Errorf("%w: decode round data: %v", types.ErrRateUnavailable, err)
	}
	answer, ok := vals[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive ETH/USD round", types.ErrRateUnavailable)
	}
	price, overflow := uint256.FromBig(answer)
	if overflow {
		return nil, fmt.Errorf("%w: ETH/USD price overflow", types.ErrRateUnavailable)
	}

	decimals, err := c.aggregatorDecimals(ctx)
	if err != nil {
		return nil, err
	}

	quote := &types.PriceQuote{
		Price:       types.Amt(price),
		Decimals:    decimals,
		BlockNumber: header.Number.Uint64(),
		Timestamp:   time.Unix(int64(header.Time), 0).UTC(),
	}
	c.cache.putPrice(key, quote)
	return quote, nil
}

// callAt resolves the header for the requested block (head when nil) and
// executes the view call at it, with bounded retry on transient failure.
func (c *Client) callAt(ctx context.Context, method string, to common.Address, blockNumber *big.Int) ([]byte, *ethtypes.Header, error) {
	data, err := c.abi.Pack(method)
	if err != nil {
		return nil, nil, fmt.Errorf("pack %s: %w", method, err)
	}

	var (
		raw    []byte
		header *ethtypes.Header
	)
	callErr := retry.WithBackoff(ctx, c.retryCfg, c.logger, "oracle:"+method, func() error {
		h, err := c.eth.HeaderByNumber(ctx, blockNumber)
		if err != nil {
			return err
		}
		out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, h.Number)
		if err != nil {
			return err
		}
		raw = out
		header = h
		return nil
	})
	if callErr != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrRateUnavailable, callErr)
	}
	return raw, header, nil
}

func (c *Client) aggregatorDecimals(ctx context.Context) (uint8, error) {
	if d, ok := c.cache.decimals(); ok {
		return d, nil
	}
	raw, _, err := c.callAt(ctx, "decimals", c.ethUsd, nil)
	if err != nil {
		return 0, err
	}
	vals, err := c.abi.Unpack("decimals", raw)
	if err != nil || len(vals) != 1 {
		return 0, fmt.Errorf("%w: decode decimals: %v", types.ErrRateUnavailable, err)
	}
	d, ok := vals[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: decode decimals", types.ErrRateUnavailable)
	}
	c.cache.setDecimals(d)
	return d, nil
}

func cacheKey(method, subject string, blockNumber *big.Int) string {
	if blockNumber == nil {
		return method + ":" + subject + ":head"
	}
	return method + ":" + subject + ":" + blockNumber.String()
}
