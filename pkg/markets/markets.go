package markets

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/fx-markets/refyield/pkg/types"
	"github.com/fx-markets/refyield/pkg/utils"
)

// Market is one minter and the wrapped-collateral token backing it.
type Market struct {
	Name       string `json:"name"`
	Token      string `json:"token"` // fxSAVE | wstETH
	Minter     string `json:"minter"`
	Genesis    string `json:"genesis"`    // genesis vault holding yield positions
	RateSource string `json:"rateSource"` // NAV oracle (fxSAVE) or wstETH contract
}

// Config holds the static market set with reverse indexes built once at
// startup, so resolving a minter or genesis address is a map hit instead
// of a scan on every call.
type Config struct {
	markets   []Market
	byMinter  map[common.Address]*Market
	byGenesis map[common.Address]*Market
	byToken   map[string]*Market
}

// defaultMarkets covers the two production markets; MARKETS_JSON overrides.
var defaultMarkets = []Market{
	{
		Name:       "fxUSD",
		Token:      types.TokenFxSave,
		Minter:     "0x0000000000000000000000000000000000000101",
		Genesis:    "0x0000000000000000000000000000000000000102",
		RateSource: "0x0000000000000000000000000000000000000103",
	},
	{
		Name:       "wstETH",
		Token:      types.TokenWstETH,
		Minter:     "0x0000000000000000000000000000000000000201",
		Genesis:    "0x0000000000000000000000000000000000000202",
		RateSource: "0x0000000000000000000000000000000000000203",
	},
}

// Load builds the market config from MARKETS_JSON, falling back to the
// built-in set.
func Load() (*Config, error) {
	raw := utils.Env("MARKETS_JSON", "")
	list := defaultMarkets
	if raw != "" {
		list = nil
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, fmt.Errorf("parse MARKETS_JSON: %w", err)
		}
	}
	return New(list)
}

// New validates the market list and precomputes the reverse indexes.
func New(list []Market) (*Config, error) {
	c := &Config{
		markets:   list,
		byMinter:  make(map[common.Address]*Market, len(list)),
		byGenesis: make(map[common.Address]*Market, len(list)),
		byToken:   make(map[string]*Market, len(list)),
	}
	for i := range list {
		m := &list[i]
		if !types.ValidToken(m.Token) {
			return nil, fmt.Errorf("market %s: unknown token %q", m.Name, m.Token)
		}
		for _, addr := range []string{m.Minter, m.Genesis, m.RateSource} {
			if !common.IsHexAddress(addr) {
				return nil, fmt.Errorf("market %s: bad address %q", m.Name, addr)
			}
		}
		c.byMinter[common.HexToAddress(m.Minter)] = m
		c.byGenesis[common.HexToAddress(m.Genesis)] = m
		c.byToken[m.Token] = m
	}
	return c, nil
}

// ByMinter resolves a minter address to its market. A miss is
// ErrUnsupportedMarket: the fee path must fail closed on unmapped minters.
func (c *Config) ByMinter(addr string) (*Market, error) {
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("%w: bad minter address %q", types.ErrInvalidInput, addr)
	}
	m, ok := c.byMinter[common.HexToAddress(addr)]
	if !ok {
		return nil, fmt.Errorf("%w: minter %s", types.ErrUnsupportedMarket, addr)
	}
	return m, nil
}

// ByGenesis resolves a genesis vault address to its market.
func (c *Config) ByGenesis(addr string) (*Market, bool) {
	if !common.IsHexAddress(addr) {
		return nil, false
	}
	m, ok := c.byGenesis[common.HexToAddress(addr)]
	return m, ok
}

// ByToken resolves a wrapped token symbol to its market.
func (c *Config) ByToken(token string) (*Market, error) {
	m, ok := c.byToken[token]
	if !ok {
		return nil, fmt.Errorf("%w: token %q", types.ErrUnsupportedMarket, token)
	}
	return m, nil
}

// All returns the configured markets.
func (c *Config) All() []Market {
	return c.markets
}

// ChecksumAddress normalizes a hex address to its EIP-55 form. It is the
// canonical key format for every address-keyed record.
func ChecksumAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: bad address %q", types.ErrInvalidInput, s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// ChecksumOrEmpty normalizes when valid and returns "" otherwise.
func ChecksumOrEmpty(s string) string {
	if !common.IsHexAddress(s) {
		return ""
	}
	return common.HexToAddress(s).Hex()
}

// IsTxHash reports whether s looks like a 32-byte transaction hash.
func IsTxHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == 32
}
