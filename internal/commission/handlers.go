package commission

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/httperr"
)

// Handler provides HTTP endpoints for commission splits.
type Handler struct {
	engine *Engine
}

// NewHandler creates a commission handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up read-only commission routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/commissions/split", h.CalculateSplit)
	r.POST("/commissions/validate", h.ValidateSplit)
	r.GET("/brokers/:id/commissions", h.ListBrokerCommissions)
}

// RegisterProtectedRoutes sets up routes that move funds.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/commissions/execute", h.ExecuteSplit)
}

// CalculateSplit handles POST /v1/commissions/split
func (h *Handler) CalculateSplit(c *gin.Context) {
	var req CalculateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, err)
		return
	}
	split, err := h.engine.CalculateSplit(c.Request.Context(), req)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"split": split})
}

type splitRequest struct {
	SaleID string `json:"saleId"`
	Split  *Split `json:"split" binding:"required"`
}

// ValidateSplit handles POST /v1/commissions/validate
func (h *Handler) ValidateSplit(c *gin.Context) {
	var req splitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, err)
		return
	}
	if err := h.engine.ValidateSplit(req.Split); err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// ExecuteSplit handles POST /v1/commissions/execute. A partial failure
// responds with the legs that did confirm so the caller can retry the
// same saleId.
func (h *Handler) ExecuteSplit(c *gin.Context) {
	var req splitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, err)
		return
	}
	result, err := h.engine.ExecuteSplit(c.Request.Context(), req.SaleID, req.Split)
	var perr *PayoutError
	if errors.As(err, &perr) {
		status := http.StatusBadGateway
		if apperr.KindOf(err) != "" {
			status = apperr.HTTPStatus(err)
		}
		c.JSON(status, gin.H{
			"error":      "payout_failed",
			"message":    err.Error(),
			"failedLeg":  perr.Failed,
			"succeeded":  perr.Succeeded,
			"resultCode": apperr.CodeOf(err),
			"result":     result,
		})
		return
	}
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ListBrokerCommissions handles GET /v1/brokers/:id/commissions
func (h *Handler) ListBrokerCommissions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	records, err := h.engine.RecordsByBroker(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commissions": records, "count": len(records)})
}
