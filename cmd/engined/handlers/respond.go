package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kkkqkx123/graph-agent-go/common/errs"
)

// statusOf maps error kinds to HTTP status codes.
func statusOf(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindBudgetExceeded:
		return http.StatusUnprocessableEntity
	case errs.KindCancelled:
		return http.StatusRequestTimeout
	case errs.KindHandler:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes a structured error response.
func fail(c echo.Context, err error) error {
	return c.JSON(statusOf(err), map[string]interface{}{
		"error": err.Error(),
		"kind":  string(errs.KindOf(err)),
	})
}
