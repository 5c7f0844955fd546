package types

import (
	"time"

	"github.com/holiman/uint256"
)

// Wrapped collateral tokens with a rate that only grows over time.
const (
	TokenFxSave = "fxSAVE"
	TokenWstETH = "wstETH"
)

// ValidToken reports whether the token is a known wrapped collateral.
func ValidToken(token string) bool {
	return token == TokenFxSave || token == TokenWstETH
}

// YieldPosition is the per-(user, token) mark-to-market state. Invariant
// after every store: LastBaseValue == WrappedBalance * LastRate / 1e18.
type YieldPosition struct {
	User             string    `json:"user"`
	Token            string    `json:"token"`
	WrappedBalance   Amount    `json:"wrappedBalance"`
	LastRate         Amount    `json:"lastRate"`
	LastBaseValue    Amount    `json:"lastBaseValue"`
	LastUpdatedBlock uint64    `json:"lastUpdatedBlock"`
	LastUpdatedAt    time.Time `json:"lastUpdatedAt"`
}

// YieldAccrual is an immutable append-only event, emitted only when the
// re-marked base value exceeds the stored one (DeltaBase > 0 always).
type YieldAccrual struct {
	User        string    `json:"user"`
	Token       string    `json:"token"`
	DeltaBase   Amount    `json:"deltaBase"`
	BlockNumber uint64    `json:"blockNumber"`
	Timestamp   time.Time `json:"timestamp"`
}

// RateQuote is a point-in-time wrapped->base conversion factor (1e18).
type RateQuote struct {
	Token       string    `json:"token"`
	Rate        Amount    `json:"rate"`
	BlockNumber uint64    `json:"blockNumber"`
	Timestamp   time.Time `json:"timestamp"`
}

// PriceQuote is a point-in-time ETH/USD oracle round.
type PriceQuote struct {
	Price       Amount    `json:"price"`
	Decimals    uint8     `json:"decimals"`
	BlockNumber uint64    `json:"blockNumber"`
	Timestamp   time.Time `json:"timestamp"`
}

// PriceE18 returns the price rescaled to 18 decimals.
func (p *PriceQuote) PriceE18() Amount {
	ten := uint256.NewInt(10)
	scaled := new(uint256.Int).Set(&p.Price.Int)
	for d := int(p.Decimals); d < 18; d++ {
		scaled.Mul(scaled, ten)
	}
	for d := int(p.Decimals); d > 18; d-- {
		scaled.Div(scaled, ten)
	}
	return Amt(scaled)
}
