package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vadiminshakov/cryptodca/internal/domain"
)

type apiResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, apiResponse{Code: "ok", Message: "ok", Data: data})
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, apiResponse{Code: http.StatusText(status), Message: message})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, apiResponse{Code: "bad_request", Message: err.Error()})
}

// fail renders an engine error with the status of its kind.
func fail(c *gin.Context, err error) {
	code := domain.CodeOf(err)
	if code == "" {
		code = "internal"
	}
	c.JSON(statusOf(err), apiResponse{Code: code, Message: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrPlanNotFound):
		return http.StatusNotFound
	}

	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindState:
		return http.StatusConflict
	case domain.KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case domain.KindSettlement:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
