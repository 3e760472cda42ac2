package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"bonsai-backend/internal/database"
	"bonsai-backend/internal/ota"
)

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ota.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ota.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ota.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ota.ErrNotFound), errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ota.ErrTransport):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the status for err. Messages of server-side
// failures are logged, not returned.
func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": ota.Message(err)})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": message})
}
