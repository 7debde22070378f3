package validation

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_CollectsEveryViolation(t *testing.T) {
	badAddr := func(string) error { return errors.New("must be a valid xrpl address") }

	errs := Validate(
		Required("buyerAddr", ""),
		Address("sellerAddr", "0xnope", badAddr),
		Positive("amountUsd", decimal.Zero),
		Between("rate", decimal.RequireFromString("0.6"), decimal.Zero, decimal.RequireFromString("0.5")),
		OneOf("tier", "gold", "community", "verified", "expert"),
		Check("expiry", false, "must cover the minimum hold period"),
	)

	require.Len(t, errs, 6)
	assert.Equal(t, []string{
		"buyerAddr: is required",
		"sellerAddr: must be a valid xrpl address",
		"amountUsd: must be greater than zero",
		"rate: must be between 0 and 0.5",
		"tier: must be one of community, verified, expert",
		"expiry: must cover the minimum hold period",
	}, errs.Strings())
	assert.True(t, strings.HasPrefix(errs.Error(), "buyerAddr: is required; "))
}

func TestValidate_Passes(t *testing.T) {
	ok := func(string) error { return nil }
	errs := Validate(
		Required("buyerAddr", "rBuyer"),
		Address("sellerAddr", "rSeller", ok),
		Address("arbitratorAddr", "", nil),
		Positive("amountUsd", decimal.NewFromInt(1)),
		MaxLength("reason", "late delivery", MaxStringLength),
		OneOf("tier", "expert", "community", "verified", "expert"),
		Check("expiry", true, "unused"),
	)
	assert.Empty(t, errs)
	assert.Equal(t, "validation failed", ValidationErrors(nil).Error())
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hel\x00lo  ", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader(`{"reason":"far too long for the limit"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
