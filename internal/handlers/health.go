package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthCheck probes one backing dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type healthResponse struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks"`
	Environment string            `json:"environment"`
}

func (h HandlerSet) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:      "ok",
		Checks:      make(map[string]string, len(h.checks)),
		Environment: h.cfg.Environment,
	}
	status := http.StatusOK

	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			h.log.Error().Err(err).Str("check", check.Name).Msg("health check failed")
			resp.Checks[check.Name] = "error"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[check.Name] = "ok"
	}

	c.JSON(status, resp)
}
