package chains

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultPriceAPI is the CoinGecko simple-price endpoint (free, no key).
const DefaultPriceAPI = "https://api.coingecko.com/api/v3/simple/price"

// PriceSource returns the USD price of one unit of a chain's settlement asset.
type PriceSource interface {
	USDPrice(ctx context.Context, chain Chain) (decimal.Decimal, error)
}

// StaticPrices serves the usd_price configured in the registry.
type StaticPrices struct{}

func (StaticPrices) USDPrice(_ context.Context, chain Chain) (decimal.Decimal, error) {
	if !chain.USDPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("no usd price configured for %s", chain.ID)
	}
	return chain.USDPrice, nil
}

type cachedPrice struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// PriceOracle fetches asset prices from a CoinGecko-compatible API with a
// per-asset cache. When the API fails it serves the last known price, then
// the registry price.
type PriceOracle struct {
	mu      sync.RWMutex
	cache   map[string]cachedPrice
	ttl     time.Duration
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewPriceOracle creates an oracle against baseURL (DefaultPriceAPI when empty).
func NewPriceOracle(baseURL string, cacheTTL time.Duration) *PriceOracle {
	if baseURL == "" {
		baseURL = DefaultPriceAPI
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &PriceOracle{
		cache:   make(map[string]cachedPrice),
		ttl:     cacheTTL,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		now:     time.Now,
	}
}

// USDPrice returns the cached or freshly fetched price for the chain's asset.
// Stablecoin chains without a price_id always use the registry price.
func (o *PriceOracle) USDPrice(ctx context.Context, chain Chain) (decimal.Decimal, error) {
	if chain.PriceID == "" {
		return StaticPrices{}.USDPrice(ctx, chain)
	}

	o.mu.RLock()
	cached, ok := o.cache[chain.PriceID]
	o.mu.RUnlock()
	if ok && o.now().Sub(cached.fetchedAt) < o.ttl {
		return cached.price, nil
	}

	price, err := o.fetch(ctx, chain.PriceID)
	if err != nil {
		if ok {
			return cached.price, nil
		}
		return StaticPrices{}.USDPrice(ctx, chain)
	}

	o.mu.Lock()
	o.cache[chain.PriceID] = cachedPrice{price: price, fetchedAt: o.now()}
	o.mu.Unlock()
	return price, nil
}

func (o *PriceOracle) fetch(ctx context.Context, id string) (decimal.Decimal, error) {
	q := url.Values{"ids": {id}, "vs_currencies": {"usd"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price API returned status %d", resp.StatusCode)
	}

	var result map[string]struct {
		USD json.Number `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price response: %w", err)
	}

	entry, ok := result[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("price API has no entry for %s", id)
	}
	price, err := decimal.NewFromString(entry.USD.String())
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid price returned for %s: %q", id, entry.USD)
	}
	return price, nil
}
