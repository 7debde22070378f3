// Package httperr renders service errors as JSON responses.
package httperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/luxescrow/internal/apperr"
	"github.com/mbd888/luxescrow/internal/logging"
)

// Mapping overrides the response for errors matching Err.
type Mapping struct {
	Err    error
	Status int
	Code   string
}

// Write responds with err. Mappings are checked first; otherwise the
// apperr kind picks the status and error code. Unclassified errors are
// logged and hidden behind a generic message.
func Write(c *gin.Context, err error, mappings ...Mapping) {
	for _, m := range mappings {
		if errors.Is(err, m.Err) {
			c.JSON(m.Status, gin.H{"error": m.Code, "message": err.Error()})
			return
		}
	}

	kind := apperr.KindOf(err)
	if kind == "" {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
		return
	}

	body := gin.H{"error": string(kind), "message": err.Error()}
	if v := apperr.ViolationsOf(err); len(v) > 0 {
		body["details"] = v
	}
	if code := apperr.CodeOf(err); code != "" {
		body["resultCode"] = code
	}
	c.JSON(apperr.HTTPStatus(err), body)
}

// BadRequest responds 400 for a body that could not be bound.
func BadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body: " + err.Error(),
	})
}
