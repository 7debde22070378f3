package chains

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/httperr"
	"github.com/shopspring/decimal"
)

// Handler exposes the chain registry, fee estimates and bridge quotes.
type Handler struct {
	adapter *Adapter
	bridge  *Bridge
}

// NewHandler creates a chain handler.
func NewHandler(adapter *Adapter, bridge *Bridge) *Handler {
	return &Handler{adapter: adapter, bridge: bridge}
}

// RegisterRoutes sets up read-only chain routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/chains", h.ListChains)
	r.GET("/chains/:id", h.GetChain)
	r.GET("/chains/:id/fees", h.EstimateFees)
	r.GET("/chains/:id/addresses/:address", h.ValidateAddress)
	r.GET("/chains/:id/tx/:hash", h.TransactionStatus)
	r.GET("/convert", h.Convert)
	r.GET("/bridges", h.ListRoutes)
	r.GET("/bridges/quote", h.BridgeQuote)
}

// ListChains handles GET /v1/chains
func (h *Handler) ListChains(c *gin.Context) {
	list := h.adapter.GetSupportedChains()
	c.JSON(http.StatusOK, gin.H{"chains": list, "count": len(list)})
}

// GetChain handles GET /v1/chains/:id
func (h *Handler) GetChain(c *gin.Context) {
	chain, err := h.adapter.GetChainConfig(c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chain": chain})
}

// EstimateFees handles GET /v1/chains/:id/fees?operation=lock
func (h *Handler) EstimateFees(c *gin.Context) {
	op := Operation(c.DefaultQuery("operation", string(OpLock)))
	switch op {
	case OpLock, OpRelease, OpRefund, OpPay:
	default:
		httperr.Write(c, apperr.Validation("chains.EstimateFees", errors.New("unknown operation"),
			"operation: must be one of lock, release, refund, pay"))
		return
	}
	est, err := h.adapter.EstimateFees(c.Request.Context(), c.Param("id"), op)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"estimate": est})
}

// ValidateAddress handles GET /v1/chains/:id/addresses/:address
func (h *Handler) ValidateAddress(c *gin.Context) {
	chainID := c.Param("id")
	if !h.adapter.IsChainSupported(chainID) {
		httperr.Write(c, apperr.Validation("chains.ValidateAddress", ErrUnsupportedChain, "chain: unsupported"))
		return
	}
	if err := h.adapter.ValidateAddress(chainID, c.Param("address")); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// TransactionStatus handles GET /v1/chains/:id/tx/:hash
func (h *Handler) TransactionStatus(c *gin.Context) {
	rec, err := h.adapter.GetTransactionStatus(c.Request.Context(), c.Param("id"), c.Param("hash"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": rec})
}

// Convert handles GET /v1/convert?units=&from=&to=
func (h *Handler) Convert(c *gin.Context) {
	out, err := h.adapter.ConvertAmount(c.Query("units"), c.Query("from"), c.Query("to"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"units": out, "from": c.Query("from"), "to": c.Query("to")})
}

// ListRoutes handles GET /v1/bridges?from=
func (h *Handler) ListRoutes(c *gin.Context) {
	routes := h.bridge.Routes(c.Query("from"))
	c.JSON(http.StatusOK, gin.H{"routes": routes, "count": len(routes)})
}

// BridgeQuote handles GET /v1/bridges/quote?from=&to=&amountUsd=
func (h *Handler) BridgeQuote(c *gin.Context) {
	amountUSD, err := decimal.NewFromString(c.Query("amountUsd"))
	if err != nil {
		httperr.Write(c, apperr.Validation("chains.BridgeQuote", ErrInvalidAmount, "amountUsd: must be a decimal"))
		return
	}
	q, err := h.bridge.Quote(c.Query("from"), c.Query("to"), amountUSD)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": q})
}
