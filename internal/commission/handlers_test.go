package commission

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	h := NewHandler(f.engine)
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	return r, f
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

func TestHandler_SplitAndExecute(t *testing.T) {
	r, f := setupTestRouter(t)
	b := f.goldBroker(t)

	w := doJSON(r, http.MethodPost, "/v1/commissions/split", map[string]string{
		"chain": "polygon", "saleUsd": "100000", "sellerWallet": sellerWallet, "referralCode": b.ReferralCode,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var calc struct {
		Split Split `json:"split"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &calc))
	assert.Equal(t, "5000.00", calc.Split.BrokerUSD.StringFixed(2))
	assert.Equal(t, "90000.00", calc.Split.SellerUSD.StringFixed(2))

	w = doJSON(r, http.MethodPost, "/v1/commissions/validate", map[string]any{"split": calc.Split})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	f.payer.failTo = brokerWallet
	w = doJSON(r, http.MethodPost, "/v1/commissions/execute", map[string]any{"saleId": "sale_h1", "split": calc.Split})
	require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
	var failed struct {
		FailedLeg  string   `json:"failedLeg"`
		Succeeded  []string `json:"succeeded"`
		ResultCode string   `json:"resultCode"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &failed))
	assert.Equal(t, "broker", failed.FailedLeg)
	assert.Equal(t, []string{"seller", "platform"}, failed.Succeeded)
	assert.Equal(t, "insufficient_funds", failed.ResultCode)

	f.payer.failTo = ""
	w = doJSON(r, http.MethodPost, "/v1/commissions/execute", map[string]any{"saleId": "sale_h1", "split": calc.Split})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, f.evm.Calls(), 3)

	w = doJSON(r, http.MethodGet, "/v1/brokers/"+b.ID+"/commissions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), "sale_h1")
}

func TestHandler_Errors(t *testing.T) {
	r, _ := setupTestRouter(t)

	badSplit := Split{
		Chain: "polygon", SellerWallet: "nope", PlatformWallet: platformWallet,
		TotalUSD: usd("100"), SellerUSD: usd("10"), BrokerUSD: usd("0"), PlatformUSD: usd("5"), CommissionRate: usd("0"),
	}
	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"zero sale", "/v1/commissions/split", map[string]string{"chain": "polygon", "saleUsd": "0", "sellerWallet": sellerWallet}, http.StatusBadRequest},
		{"unknown referral", "/v1/commissions/split", map[string]string{"chain": "polygon", "saleUsd": "10", "sellerWallet": sellerWallet, "referralCode": "DEADBEEF"}, http.StatusBadRequest},
		{"missing split", "/v1/commissions/validate", map[string]string{}, http.StatusBadRequest},
		{"inconsistent split", "/v1/commissions/validate", map[string]any{"split": badSplit}, http.StatusUnprocessableEntity},
		{"missing sale id", "/v1/commissions/execute", map[string]any{"split": badSplit}, http.StatusBadRequest},
		{"execute inconsistent", "/v1/commissions/execute", map[string]any{"saleId": "sale_x", "split": badSplit}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}
