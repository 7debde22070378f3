package dispute

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/luxescrow/internal/httperr"
)

// Handler provides HTTP endpoints for arbitration.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new dispute handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up read-only dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListCases)
	r.GET("/disputes/:id", h.GetCase)
	r.GET("/arbitrators", h.ListArbitrators)
	r.GET("/arbitrators/:id", h.GetArbitrator)
}

// RegisterProtectedRoutes sets up dispute routes that change state.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/arbitrators", h.RegisterArbitrator)
	r.POST("/arbitrators/:id/deactivate", h.DeactivateArbitrator)
	r.POST("/disputes/:id/votes", h.SubmitVote)
	r.POST("/disputes/:id/evidence", h.SubmitEvidence)
	r.POST("/disputes/:id/settle", h.RetrySettlement)
}

// GetCase handles GET /v1/disputes/:id
func (h *Handler) GetCase(c *gin.Context) {
	dc, err := h.engine.GetCase(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dc})
}

// ListCases handles GET /v1/disputes?status=voting
func (h *Handler) ListCases(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	cases, err := h.engine.ListCases(c.Request.Context(), Status(c.Query("status")), limit)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": cases, "count": len(cases)})
}

// ListArbitrators handles GET /v1/arbitrators
func (h *Handler) ListArbitrators(c *gin.Context) {
	arbs, err := h.engine.ListArbitrators(c.Request.Context(), c.Query("all") != "true")
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbitrators": arbs, "count": len(arbs)})
}

// GetArbitrator handles GET /v1/arbitrators/:id
func (h *Handler) GetArbitrator(c *gin.Context) {
	a, err := h.engine.GetArbitrator(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbitrator": a})
}

// RegisterArbitrator handles POST /v1/arbitrators
func (h *Handler) RegisterArbitrator(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, err)
		return
	}
	a, err := h.engine.RegisterArbitrator(c.Request.Context(), req)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"arbitrator": a})
}

// DeactivateArbitrator handles POST /v1/arbitrators/:id/deactivate
func (h *Handler) DeactivateArbitrator(c *gin.Context) {
	a, err := h.engine.DeactivateArbitrator(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbitrator": a})
}

// SubmitVote handles POST /v1/disputes/:id/votes
func (h *Handler) SubmitVote(c *gin.Context) {
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, err)
		return
	}
	dc, err := h.engine.SubmitVote(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dc})
}

type evidenceRequest struct {
	Party     Party  `json:"party" binding:"required"`
	Submitter string `json:"submitter" binding:"required"`
	Content   string `json:"content" binding:"required"`
}

// SubmitEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, err)
		return
	}
	dc, err := h.engine.SubmitEvidence(c.Request.Context(), c.Param("id"), req.Party, req.Submitter, req.Content)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dc})
}

// RetrySettlement handles POST /v1/disputes/:id/settle
func (h *Handler) RetrySettlement(c *gin.Context) {
	dc, err := h.engine.RetrySettlement(c.Request.Context(), c.Param("id"))
	if err != nil {
		if dc != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "settlement_failed", "message": err.Error(), "dispute": dc})
			return
		}
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dc})
}
