package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/rs/zerolog"
)

// Allower is satisfied by *redis_rate.Limiter.
type Allower interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
}

// RateLimit throttles a route group per client IP. When the limiter backend
// is unreachable requests are let through and a warning is logged.
func RateLimit(limiter Allower, name string, perMinute int, log zerolog.Logger) gin.HandlerFunc {
	if limiter == nil || perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limit := redis_rate.PerMinute(perMinute)

	return func(c *gin.Context) {
		key := "ratelimit:" + name + ":" + c.ClientIP()
		res, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			log.Warn().Err(err).Str("limit", name).Msg("rate limiter unavailable")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(perMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if res.Allowed == 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			abort(c, http.StatusTooManyRequests, "rate_limited", "too many requests, try again later")
			return
		}

		c.Next()
	}
}
