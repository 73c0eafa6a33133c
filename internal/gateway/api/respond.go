package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperr "github.com/agentplane/agentplane/internal/common/errors"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// httpStatus maps an error kind onto an HTTP status code.
func httpStatus(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindState, apperr.KindCancelled:
		return http.StatusConflict
	case apperr.KindBusy:
		return http.StatusTooManyRequests
	case apperr.KindTimeout, apperr.KindDispatchTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindNoConsensus, apperr.KindPattern, apperr.KindDecomposition:
		return http.StatusUnprocessableEntity
	case apperr.KindAgent, apperr.KindBus:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the structured error body for any failure.
func respondError(c *gin.Context, err error) {
	e := apperr.From(err)
	c.JSON(httpStatus(e.Kind), v1.ErrorResponse{
		Error: v1.Error{
			Kind:      string(e.Kind),
			Message:   e.Message,
			Retryable: e.Retryable,
		},
	})
}

// respondBindError reports a malformed or invalid request body.
func respondBindError(c *gin.Context, err error) {
	respondError(c, apperr.Validation("body", err.Error()))
}
