package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"spreadmarket/internal/exchange"
)

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Reason  string         `json:"reason,omitempty"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

// Fail renders a rule rejection with its machine-readable reason. Anything
// outside the taxonomy is an infrastructure failure and maps to 500.
func Fail(c *gin.Context, err error) {
	if ee := exchange.AsError(err); ee != nil {
		status := statusForKind(ee.Kind)
		c.JSON(status, apiResponse{
			Code:    status,
			Message: ee.Message,
			Reason:  ee.Code,
		})
		return
	}
	Error(c, http.StatusInternalServerError, err.Error(), nil)
}

func statusForKind(k exchange.Kind) int {
	switch k {
	case exchange.KindValidation, exchange.KindTiming:
		return http.StatusBadRequest
	case exchange.KindRole:
		return http.StatusForbidden
	case exchange.KindConflict:
		return http.StatusConflict
	case exchange.KindNotFound:
		return http.StatusNotFound
	case exchange.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}
