package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireDevice rejects sessions that are not bound to a device. Mesh
// operations act on the calling device's certificate.
func RequireDevice() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := CurrentIdentity(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		if identity.DeviceID == "" {
			abort(c, http.StatusBadRequest, "invalid_request", "session is not bound to a device")
			return
		}

		c.Next()
	}
}
