package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/luxescrow/internal/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	buyerAddr    = "0x1111111111111111111111111111111111111111"
	sellerAddr   = "0x2222222222222222222222222222222222222222"
	platformAddr = "0x9999999999999999999999999999999999999999"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory, simulated-chain config
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		LogFormat:            "text",
		PlatformWallets:      map[string]string{"polygon": platformAddr, "ethereum": platformAddr},
		ChainCallTimeout:     5 * time.Second,
		EscrowExpirationDays: config.DefaultEscrowExpirationDays,
		DisputeVotingWindow:  config.DefaultDisputeVotingWindow,
		TieBreakPolicy:       config.DefaultTieBreakPolicy,
		MaxEscrowFee:         decimal.NewFromInt(2500),
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithVersion("test"),
		WithDrainDelay(0),
	)
	require.NoError(t, err)
	return s
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s.Router(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Checks  []struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Len(t, resp.Checks, 4)
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(s.Router(), http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Run() has not been called
	w := doJSON(s.Router(), http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = doJSON(s.Router(), http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s.Router(), http.MethodGet, "/health/live", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "lb-1234")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, "lb-1234", rec.Header().Get("X-Request-ID"))
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/v1/info",
		"POST:/v1/escrows",
		"POST:/v1/escrows/:id/lock",
		"POST:/v1/escrows/:id/release",
		"POST:/v1/escrows/:id/dispute",
		"POST:/v1/disputes/:id/votes",
		"POST:/v1/arbitrators",
		"GET:/v1/fees/quote",
		"POST:/v1/subscriptions",
		"POST:/v1/brokers",
		"POST:/v1/commissions/split",
		"POST:/v1/commissions/execute",
		"GET:/v1/chains",
		"GET:/v1/bridges/quote",
		"GET:/v1/admin/reconciliation/report",
		"POST:/v1/admin/escrows/:id/lock/resolve",
		"GET:/v1/admin/events/stats",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(s.Router(), http.MethodGet, "/v1/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---------------------------------------------------------------------------
// Wiring tests
// ---------------------------------------------------------------------------

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s.Router(), http.MethodGet, "/v1/info", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Storage        string   `json:"storage"`
		Chains         []string `json:"chains"`
		TieBreakPolicy string   `json:"tieBreakPolicy"`
		MaxEscrowFee   string   `json:"maxEscrowFee"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "memory", resp.Storage)
	assert.Contains(t, resp.Chains, "polygon")
	assert.Equal(t, "first_vote", resp.TieBreakPolicy)
	assert.Equal(t, "2500.00", resp.MaxEscrowFee)
}

func TestEscrowThroughServer(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	w := doJSON(r, http.MethodPost, "/v1/escrows", map[string]any{
		"chain":     "polygon",
		"buyer":     buyerAddr,
		"seller":    sellerAddr,
		"amountUsd": "20000",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Escrow struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			FeeUSD string `json:"feeUsd"`
		} `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "pending", created.Escrow.Status)
	assert.NotEqual(t, "0", created.Escrow.FeeUSD)

	w = doJSON(r, http.MethodPost, "/v1/escrows/"+created.Escrow.ID+"/lock", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"locked"`)

	w = doJSON(r, http.MethodGet, "/v1/wallets/"+buyerAddr+"/escrows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Escrow.ID)
}

func TestSubscriptionDiscountThroughServer(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	w := doJSON(r, http.MethodGet, "/v1/fees/quote?amountUsd=20000&chain=polygon&wallet="+buyerAddr, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	base := w.Body.String()

	w = doJSON(r, http.MethodPost, "/v1/subscriptions", map[string]any{"wallet": buyerAddr, "tier": "pro"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(r, http.MethodGet, "/v1/fees/quote?amountUsd=20000&chain=polygon&wallet="+buyerAddr, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEqual(t, base, w.Body.String())
	assert.Contains(t, w.Body.String(), "subscription")
}

func TestInvalidPlatformWallet(t *testing.T) {
	cfg := testConfig()
	cfg.PlatformWallets = map[string]string{"polygon": "not-an-address"}
	_, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PLATFORM_WALLETS polygon")
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://user:***@db:5432/luxescrow", maskDSN("postgres://user:secret@db:5432/luxescrow"))
	assert.Equal(t, "***", maskDSN("::bad"))
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)
	assert.NoError(t, s.Shutdown())
	assert.False(t, s.ready.Load())
}
