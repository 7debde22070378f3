package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, _, _, _ := newTestService()
	h := NewHandler(svc)
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	return r, svc
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

type subResponse struct {
	Subscription Subscription `json:"subscription"`
}

func decodeSub(t *testing.T, w *httptest.ResponseRecorder) Subscription {
	t.Helper()
	var resp subResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Subscription
}

func TestHandler_Lifecycle(t *testing.T) {
	r, svc := setupTestRouter(t)
	base := "/v1/subscriptions/" + testWallet

	w := doJSON(r, http.MethodPost, "/v1/subscriptions", map[string]string{"wallet": testWallet, "tier": "pro", "billingCycle": "annual"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sub := decodeSub(t, w)
	assert.Equal(t, TierPro, sub.Tier)
	assert.Equal(t, CycleAnnual, sub.Cycle)

	w = doJSON(r, http.MethodPost, "/v1/subscriptions", map[string]string{"wallet": testWallet, "tier": "pro"})
	assert.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, svc.RecordUsage(context.Background(), testWallet, decimal.NewFromInt(40_000), decimal.NewFromInt(120)))
	w = doJSON(r, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Discount       decimal.Decimal `json:"discount"`
		UsageMonth     string          `json:"usageMonth"`
		MonthlyUsedUSD decimal.Decimal `json:"monthlyUsedUsd"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "0.3", got.Discount.String())
	assert.Equal(t, "2026-03", got.UsageMonth)
	assert.Equal(t, "40000", got.MonthlyUsedUSD.String())

	w = doJSON(r, http.MethodPost, base+"/tier", map[string]string{"tier": "enterprise"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, TierEnterprise, decodeSub(t, w).Tier)

	w = doJSON(r, http.MethodPost, base+"/suspend", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusSuspended, decodeSub(t, w).Status)

	w = doJSON(r, http.MethodPost, base+"/tier", map[string]string{"tier": "basic"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusActive, decodeSub(t, w).Status)

	w = doJSON(r, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusCancelled, decodeSub(t, w).Status)

	w = doJSON(r, http.MethodPost, base+"/resume", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_Errors(t *testing.T) {
	r, _ := setupTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown wallet", http.MethodGet, "/v1/subscriptions/0xnobody", nil, http.StatusNotFound},
		{"missing tier", http.MethodPost, "/v1/subscriptions", map[string]string{"wallet": testWallet}, http.StatusBadRequest},
		{"unknown tier", http.MethodPost, "/v1/subscriptions", map[string]string{"wallet": testWallet, "tier": "gold"}, http.StatusBadRequest},
		{"bad cycle", http.MethodPost, "/v1/subscriptions", map[string]string{"wallet": testWallet, "tier": "pro", "billingCycle": "weekly"}, http.StatusBadRequest},
		{"cancel unknown", http.MethodPost, "/v1/subscriptions/0xnobody/cancel", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestHandler_ListPlans(t *testing.T) {
	r, _ := setupTestRouter(t)
	w := doJSON(r, http.MethodGet, "/v1/subscriptions/plans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Plans []planView `json:"plans"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Plans, 3)
	assert.Equal(t, TierBasic, resp.Plans[0].Tier)
	assert.Equal(t, TierEnterprise, resp.Plans[2].Tier)
}
