package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"meshid/api/internal/middleware"
	"meshid/api/internal/service"
)

var statusByCode = map[string]int{
	"invalid_request":     http.StatusBadRequest,
	"invalid_identity":    http.StatusBadRequest,
	"not_found":           http.StatusNotFound,
	"conflict":            http.StatusConflict,
	"unauthorized":        http.StatusUnauthorized,
	"invalid_credentials": http.StatusUnauthorized,
	"pending_activation":  http.StatusForbidden,
	"user_inactive":       http.StatusForbidden,
	"token_expired":       http.StatusBadRequest,
	"token_invalid":       http.StatusBadRequest,
	"token_already_used":  http.StatusConflict,
	"agent_unavailable":   http.StatusServiceUnavailable,
	"mesh_not_found":      http.StatusBadGateway,
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"data": data})
}

func (h HandlerSet) fail(c *gin.Context, err error) {
	code := service.Code(err)
	status, known := statusByCode[code]
	if !known {
		h.log.Error().Err(err).
			Str("route", c.FullPath()).
			Str("request_id", middleware.GetRequestID(c)).
			Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": code, "message": "internal server error"})
		return
	}

	body := gin.H{"error": code, "message": err.Error()}
	if errors.Is(err, service.ErrPendingActivation) {
		body["requiresActivation"] = true
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
}

func sessionToken(c *gin.Context) string {
	return middleware.SessionToken(c)
}

func identity(c *gin.Context) middleware.Identity {
	id, _ := middleware.CurrentIdentity(c)
	return id
}
