package subscription

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/luxescrow/internal/httperr"
	"github.com/shopspring/decimal"
)

// Handler provides HTTP endpoints for subscriptions.
type Handler struct {
	service *Service
}

// NewHandler creates a subscription handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/subscriptions/plans", h.ListPlans)
	r.GET("/subscriptions/:wallet", h.GetSubscription)
}

// RegisterProtectedRoutes sets up routes that change a subscription.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/subscriptions", h.Subscribe)
	r.POST("/subscriptions/:wallet/cancel", h.Cancel)
	r.POST("/subscriptions/:wallet/suspend", h.Suspend)
	r.POST("/subscriptions/:wallet/resume", h.Resume)
	r.POST("/subscriptions/:wallet/tier", h.ChangeTier)
}

type planView struct {
	Tier            Tier            `json:"tier"`
	Discount        decimal.Decimal `json:"discount"`
	MonthlyPriceUSD decimal.Decimal `json:"monthlyPriceUsd"`
	AnnualPriceUSD  decimal.Decimal `json:"annualPriceUsd"`
}

// ListPlans handles GET /v1/subscriptions/plans
func (h *Handler) ListPlans(c *gin.Context) {
	plans := make([]planView, 0, len(Plans))
	for _, p := range Plans {
		plans = append(plans, planView{Tier: p.Tier, Discount: p.Discount, MonthlyPriceUSD: p.MonthlyPriceUSD, AnnualPriceUSD: p.AnnualPriceUSD})
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].MonthlyPriceUSD.LessThan(plans[j].MonthlyPriceUSD) })
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// GetSubscription handles GET /v1/subscriptions/:wallet
func (h *Handler) GetSubscription(c *gin.Context) {
	sub, err := h.service.Get(c.Request.Context(), c.Param("wallet"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	_, volume, err := h.service.FeeTerms(c.Request.Context(), sub.Wallet)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subscription":   sub,
		"discount":       sub.Discount(),
		"usageMonth":     UsageMonth(h.service.now()),
		"monthlyUsedUsd": volume,
	})
}

type subscribeRequest struct {
	Wallet       string       `json:"wallet" binding:"required"`
	Tier         Tier         `json:"tier" binding:"required"`
	BillingCycle BillingCycle `json:"billingCycle"`
}

// Subscribe handles POST /v1/subscriptions
func (h *Handler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, err)
		return
	}
	sub, err := h.service.Subscribe(c.Request.Context(), req.Wallet, req.Tier, req.BillingCycle)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// Cancel handles POST /v1/subscriptions/:wallet/cancel
func (h *Handler) Cancel(c *gin.Context) {
	h.respond(c)(h.service.Cancel(c.Request.Context(), c.Param("wallet")))
}

// Suspend handles POST /v1/subscriptions/:wallet/suspend
func (h *Handler) Suspend(c *gin.Context) {
	h.respond(c)(h.service.Suspend(c.Request.Context(), c.Param("wallet")))
}

// Resume handles POST /v1/subscriptions/:wallet/resume
func (h *Handler) Resume(c *gin.Context) {
	h.respond(c)(h.service.Resume(c.Request.Context(), c.Param("wallet")))
}

type changeTierRequest struct {
	Tier Tier `json:"tier" binding:"required"`
}

// ChangeTier handles POST /v1/subscriptions/:wallet/tier
func (h *Handler) ChangeTier(c *gin.Context) {
	var req changeTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, err)
		return
	}
	h.respond(c)(h.service.ChangeTier(c.Request.Context(), c.Param("wallet"), req.Tier))
}

func (h *Handler) respond(c *gin.Context) func(*Subscription, error) {
	return func(sub *Subscription, err error) {
		if err != nil {
			httperr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"subscription": sub})
	}
}
