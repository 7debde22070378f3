package fees

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/httperr"
	"github.com/shopspring/decimal"
)

// Handler serves fee quotes.
type Handler struct {
	quoter *Quoter
}

// NewHandler creates a fee handler.
func NewHandler(quoter *Quoter) *Handler {
	return &Handler{quoter: quoter}
}

// RegisterRoutes sets up fee routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/fees/quote", h.Quote)
	r.GET("/fees/schedule", h.Schedule)
}

// Quote handles GET /v1/fees/quote?amountUsd=&chain=&wallet=
func (h *Handler) Quote(c *gin.Context) {
	amount, err := decimal.NewFromString(c.Query("amountUsd"))
	if err != nil {
		httperr.Write(c, apperr.Validation("fees.Quote", errors.New("amountUsd must be a decimal"),
			"amountUsd: must be a decimal"))
		return
	}
	quote, err := h.quoter.CalculateEscrowFee(c.Request.Context(), amount, c.Query("chain"), c.Query("wallet"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": quote})
}

type bracketView struct {
	UpTo string `json:"upTo,omitempty"`
	Rate string `json:"rate"`
}

type volumeView struct {
	MinVolumeUSD string `json:"minVolumeUsd"`
	Discount     string `json:"discount"`
}

// Schedule handles GET /v1/fees/schedule
func (h *Handler) Schedule(c *gin.Context) {
	s := h.quoter.Schedule()
	brackets := make([]bracketView, len(s.Brackets))
	for i, b := range s.Brackets {
		brackets[i] = bracketView{Rate: b.Rate.String()}
		if !b.UpTo.IsZero() {
			brackets[i].UpTo = b.UpTo.StringFixed(2)
		}
	}
	ladder := make([]volumeView, len(s.VolumeLadder))
	for i, v := range s.VolumeLadder {
		ladder[i] = volumeView{MinVolumeUSD: v.MinVolumeUSD.StringFixed(2), Discount: v.Discount.String()}
	}
	c.JSON(http.StatusOK, gin.H{
		"brackets":     brackets,
		"volumeLadder": ladder,
		"maxFee":       s.MaxFee.StringFixed(2),
	})
}
