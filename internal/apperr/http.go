package apperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/logging"
)

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState, KindConflict:
		return http.StatusConflict
	case KindChainSubmission:
		if e.Retryable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Respond writes the JSON error body for err. Unclassified errors are
// logged and their text withheld.
func Respond(c *gin.Context, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal_error", "message": "internal error"})
		return
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "5")
	}
	c.JSON(status, gin.H{"error": string(KindOf(err)), "message": err.Error()})
}

// BadRequest responds 400 for a body or query that failed to bind.
func BadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": string(KindValidation), "message": "invalid request: " + err.Error()})
}
