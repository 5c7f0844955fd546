package oracle

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fx-markets/refyield/pkg/types"
	"github.com/fx-markets/refyield/pkg/utils"
)

// quoteCache is an explicit bounded cache with TTL and max-entry eviction,
// constructed once per client and reached only by injection. Head reads
// expire on the TTL; historical-block reads are immutable but share the
// same bounded store, so the entry cap still applies.
type quoteCache struct {
	rates  *expirable.LRU[string, *types.RateQuote]
	prices *expirable.LRU[string, *types.PriceQuote]

	mu     sync.RWMutex
	dec    uint8
	decSet bool
}

func defaultTTL() time.Duration { return 30 * time.Second }

func envRPCURL() string { return utils.Env("ETH_RPC_URL", "http://localhost:8545") }

func newQuoteCache() *quoteCache {
	ttl := utils.EnvDuration("ORACLE_CACHE_TTL", defaultTTL())
	size := utils.EnvInt("ORACLE_CACHE_SIZE", 1024)
	return &quoteCache{
		rates:  expirable.NewLRU[string, *types.RateQuote](size, nil, ttl),
		prices: expirable.NewLRU[string, *types.PriceQuote](size, nil, ttl),
	}
}

func (q *quoteCache) getRate(key string) (*types.RateQuote, bool) {
	return q.rates.Get(key)
}

func (q *quoteCache) putRate(key string, v *types.RateQuote) {
	q.rates.Add(key, v)
}

func (q *quoteCache) getPrice(key string) (*types.PriceQuote, bool) {
	return q.prices.Get(key)
}

func (q *quoteCache) putPrice(key string, v *types.PriceQuote) {
	q.prices.Add(key, v)
}

func (q *quoteCache) decimals() (uint8, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.dec, q.decSet
}

func (q *quoteCache) setDecimals(d uint8) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dec = d
	q.decSet = true
}
