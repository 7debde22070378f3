package brokers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/luxescrow/internal/httperr"
)

// Handler provides HTTP endpoints for brokers and referral codes.
type Handler struct {
	service *Service
}

// NewHandler creates a broker handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only broker routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/brokers", h.ListBrokers)
	r.GET("/brokers/tiers", h.ListTiers)
	r.GET("/brokers/:id", h.GetBroker)
	r.GET("/referrals/:code", h.ResolveReferral)
}

// RegisterProtectedRoutes sets up broker routes that change state.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/brokers", h.RegisterBroker)
	r.POST("/brokers/:id/deactivate", h.Deactivate)
	r.POST("/referrals/:code/record", h.RecordReferral)
}

type registerRequest struct {
	Wallet string `json:"wallet" binding:"required"`
	Name   string `json:"name"`
}

// RegisterBroker handles POST /v1/brokers
func (h *Handler) RegisterBroker(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, err)
		return
	}
	b, err := h.service.Register(c.Request.Context(), req.Wallet, req.Name)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"broker": b, "tier": h.service.TierOf(b)})
}

// GetBroker handles GET /v1/brokers/:id
func (h *Handler) GetBroker(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"broker": b, "tier": h.service.TierOf(b)})
}

// ListBrokers handles GET /v1/brokers
func (h *Handler) ListBrokers(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	list, err := h.service.List(c.Request.Context(), limit)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"brokers": list, "count": len(list)})
}

// ListTiers handles GET /v1/brokers/tiers
func (h *Handler) ListTiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tiers": h.service.Tiers()})
}

// Deactivate handles POST /v1/brokers/:id/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	if err := h.service.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// ResolveReferral handles GET /v1/referrals/:code
func (h *Handler) ResolveReferral(c *gin.Context) {
	b, tier, err := h.service.ResolveReferral(c.Request.Context(), c.Param("code"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"brokerId": b.ID, "name": b.Name, "tier": tier})
}

// RecordReferral handles POST /v1/referrals/:code/record
func (h *Handler) RecordReferral(c *gin.Context) {
	if err := h.service.RecordReferral(c.Request.Context(), c.Param("code")); err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}
