package fees

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	cs := fakeChains{"ethereum": {ID: "ethereum", FeeMultiplier: d("1.2")}}
	q := NewQuoter(DefaultSchedule(), cs, fakeAccounts{sub: &Subscription{Tier: "pro", Discount: d("0.3"), Active: true}})
	r := gin.New()
	NewHandler(q).RegisterRoutes(r.Group("/v1"))
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHandler_Quote(t *testing.T) {
	r := setupTestRouter()

	w := get(r, "/v1/fees/quote?amountUsd=20000&chain=ethereum&wallet=0xbuyer")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Quote Quote `json:"quote"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "168.00", resp.Quote.Fee.StringFixed(2))
	assert.Equal(t, DiscountSubscription, resp.Quote.DiscountSource)
	assert.Equal(t, "72.00", resp.Quote.Savings.StringFixed(2))

	w = get(r, "/v1/fees/quote?amountUsd=lots&chain=ethereum")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "amountUsd")

	w = get(r, "/v1/fees/quote?amountUsd=100&chain=dogecoin")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Schedule(t *testing.T) {
	w := get(setupTestRouter(), "/v1/fees/schedule")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Brackets []struct {
			UpTo string `json:"upTo"`
			Rate string `json:"rate"`
		} `json:"brackets"`
		MaxFee string `json:"maxFee"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Brackets, 3)
	assert.Equal(t, "10000.00", resp.Brackets[0].UpTo)
	assert.Equal(t, "0.015", resp.Brackets[0].Rate)
	assert.Empty(t, resp.Brackets[2].UpTo)
	assert.Equal(t, "2500.00", resp.MaxFee)
}
