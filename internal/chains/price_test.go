package chains

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceOracle_FetchAndCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "ethereum", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		_, _ = w.Write([]byte(`{"ethereum":{"usd":3456.78}}`))
	}))
	defer srv.Close()

	o := NewPriceOracle(srv.URL, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }
	eth := evmChain(t, "ethereum")

	price, err := o.USDPrice(context.Background(), eth)
	require.NoError(t, err)
	assert.Equal(t, "3456.78", price.String())

	_, err = o.USDPrice(context.Background(), eth)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second lookup served from cache")

	now = now.Add(2 * time.Minute)
	_, err = o.USDPrice(context.Background(), eth)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "expired entry refetched")
}

func TestPriceOracle_FallsBack(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"solana":{"usd":"171.5"}}`))
	}))
	defer srv.Close()

	o := NewPriceOracle(srv.URL, time.Minute)
	now := time.Now()
	o.now = func() time.Time { return now }
	sol := evmChain(t, "solana")

	price, err := o.USDPrice(context.Background(), sol)
	require.NoError(t, err)
	assert.Equal(t, "171.5", price.String())

	fail.Store(true)
	now = now.Add(time.Hour)
	price, err = o.USDPrice(context.Background(), sol)
	require.NoError(t, err)
	assert.Equal(t, "171.5", price.String(), "stale cached price beats the static one")

	cold := NewPriceOracle(srv.URL, time.Minute)
	price, err = cold.USDPrice(context.Background(), sol)
	require.NoError(t, err)
	assert.True(t, price.Equal(sol.USDPrice), "no cache: registry price")
}

func TestPriceOracle_StablecoinSkipsAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("stablecoin chains must not call the price API")
	}))
	defer srv.Close()

	o := NewPriceOracle(srv.URL, time.Minute)
	price, err := o.USDPrice(context.Background(), evmChain(t, "base"))
	require.NoError(t, err)
	assert.Equal(t, "1", price.String())
}
