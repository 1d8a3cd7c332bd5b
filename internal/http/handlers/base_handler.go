// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"campusride/internal/apperr"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeAppError maps the error taxonomy onto HTTP. Unknown errors are logged
// by the request logger and reported as a plain 500.
func writeAppError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	var ae *apperr.Error
	if status == http.StatusInternalServerError || !errors.As(err, &ae) {
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	if status == http.StatusServiceUnavailable {
		_ = c.Error(err)
	}
	writeJSON(c, status, errorResponse{Error: ae.Message, Code: ae.Code})
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}
