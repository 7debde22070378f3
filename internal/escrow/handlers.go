package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/httperr"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

var errMappings = []httperr.Mapping{
	{Err: ErrUnauthorized, Status: http.StatusForbidden, Code: "unauthorized"},
}

// RegisterRoutes sets up read-only escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/wallets/:address/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up escrow routes that move state.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/lock", h.LockFunds)
	r.POST("/escrows/:id/conditions/confirm", h.ConfirmCondition)
	r.POST("/escrows/:id/release", h.ReleaseFunds)
	r.POST("/escrows/:id/dispute", h.InitiateDispute)
	r.POST("/escrows/:id/cancel", h.Cancel)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, err)
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		httperr.Write(c, err, errMappings...)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/wallets/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	escrows, err := h.service.ListByParty(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// LockFunds handles POST /v1/escrows/:id/lock
func (h *Handler) LockFunds(c *gin.Context) {
	escrow, err := h.service.LockFunds(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Write(c, err, errMappings...)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

type confirmRequest struct {
	Type        ConditionType `json:"type" binding:"required"`
	ConfirmedBy string        `json:"confirmedBy" binding:"required"`
}

// ConfirmCondition handles POST /v1/escrows/:id/conditions/confirm
func (h *Handler) ConfirmCondition(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, err)
		return
	}

	escrow, err := h.service.ConfirmCondition(c.Request.Context(), c.Param("id"), req.Type, req.ConfirmedBy)
	if errors.Is(err, ErrAutoReleaseFailed) && escrow != nil {
		status := http.StatusBadGateway
		if apperr.KindOf(err) != "" {
			status = apperr.HTTPStatus(err)
		}
		c.JSON(status, gin.H{
			"error":      "release_failed",
			"message":    err.Error(),
			"resultCode": apperr.CodeOf(err),
			"escrow":     escrow,
		})
		return
	}
	if err != nil {
		httperr.Write(c, err, errMappings...)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

type actorRequest struct {
	By string `json:"by" binding:"required"`
}

// ReleaseFunds handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseFunds(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, err)
		return
	}

	escrow, err := h.service.ReleaseFunds(c.Request.Context(), c.Param("id"), req.By)
	if err != nil {
		httperr.Write(c, err, errMappings...)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// InitiateDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) InitiateDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, err)
		return
	}

	escrow, err := h.service.InitiateDispute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		httperr.Write(c, err, errMappings...)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow, "disputeId": escrow.DisputeID})
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/lock/resolve", h.ResolveLock)
}

// ResolveLock handles POST /v1/admin/escrows/:id/lock/resolve
func (h *Handler) ResolveLock(c *gin.Context) {
	var req ResolveLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, err)
		return
	}
	escrow, err := h.service.ResolveLock(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		httperr.Write(c, err, errMappings...)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Cancel handles POST /v1/escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, err)
		return
	}
	if req.By == SystemConfirmer {
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "Only a party can cancel"})
		return
	}

	escrow, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.By)
	if err != nil {
		httperr.Write(c, err, errMappings...)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}
