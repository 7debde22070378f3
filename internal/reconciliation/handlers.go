package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/luxescrow/internal/httperr"
)

// Handler exposes reconciliation state to operators.
type Handler struct {
	recorder *Recorder
	runner   *Runner
}

// NewHandler creates a reconciliation handler.
func NewHandler(recorder *Recorder, runner *Runner) *Handler {
	return &Handler{recorder: recorder, runner: runner}
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation/report", h.Report)
	r.GET("/reconciliation/gaps", h.ListGaps)
	r.POST("/reconciliation/gaps/:id/resolve", h.ResolveGap)
}

// Report handles GET /v1/admin/reconciliation/report
func (h *Handler) Report(c *gin.Context) {
	rep, err := h.runner.RunAll(c.Request.Context())
	if err != nil && rep == nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

// ListGaps handles GET /v1/admin/reconciliation/gaps?all=true
func (h *Handler) ListGaps(c *gin.Context) {
	gaps, err := h.recorder.Gaps(c.Request.Context(), c.Query("all") != "true", 200)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gaps": gaps, "count": len(gaps)})
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

// ResolveGap handles POST /v1/admin/reconciliation/gaps/:id/resolve
func (h *Handler) ResolveGap(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, err)
		return
	}
	g, err := h.recorder.Resolve(c.Request.Context(), c.Param("id"), req.Resolution)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gap": g})
}
