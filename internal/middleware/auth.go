package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"meshid/api/internal/service"
)

const (
	identityKey     = "identity"
	sessionTokenKey = "session_token"
)

type Identity = service.Identity

// SessionVerifier resolves a bearer token to the caller.
type SessionVerifier interface {
	VerifySession(ctx context.Context, token string) (service.Identity, error)
}

func Auth(verifier SessionVerifier, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			abort(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		identity, err := verifier.VerifySession(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, service.ErrUnauthorized) {
				log.Error().Err(err).Str("request_id", GetRequestID(c)).Msg("session verification failed")
				abort(c, http.StatusInternalServerError, "internal_error", "could not verify session")
				return
			}
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid or expired session")
			return
		}

		c.Set(sessionTokenKey, token)
		c.Set(identityKey, identity)

		c.Next()
	}
}

// CurrentIdentity returns the caller set by Auth.
func CurrentIdentity(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	identity, ok := v.(Identity)
	return identity, ok
}

func SessionToken(c *gin.Context) string {
	return c.GetString(sessionTokenKey)
}
