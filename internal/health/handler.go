// Package health exposes liveness and readiness probes for the gateway
// and voice coordinator processes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/discordant/realtime-core/internal/bus"
	"github.com/discordant/realtime-core/internal/logging"
)

// SFUChecker verifies that the voice SFU is reachable.
type SFUChecker interface {
	Check(ctx context.Context, baseURL string) string
}

// HTTPSFUChecker checks SFU reachability via a plain HTTP GET against the
// LiveKit server's health endpoint, rather than a protocol-specific RPC —
// LiveKit exposes readiness over its ordinary HTTP listener.
type HTTPSFUChecker struct {
	Client *http.Client
}

func (c *HTTPSFUChecker) Check(ctx context.Context, baseURL string) string {
	if baseURL == "" {
		return "disabled"
	}
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/", nil)
	if err != nil {
		return "unhealthy"
	}
	resp, err := client.Do(req)
	if err != nil {
		logging.Error(ctx, "sfu health check failed", zap.Error(err), zap.String("base_url", baseURL))
		return "unhealthy"
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return "unhealthy"
	}
	return "healthy"
}

// Handler serves the /health/live and /health/ready endpoints.
type Handler struct {
	busService *bus.Service
	sfuBaseURL string
	sfuEnabled bool
	sfuChecker SFUChecker
}

// NewHandler builds a Handler. sfuBaseURL empty disables the SFU check.
func NewHandler(busService *bus.Service, sfuBaseURL string) *Handler {
	return &Handler{
		busService: busService,
		sfuBaseURL: sfuBaseURL,
		sfuEnabled: sfuBaseURL != "",
		sfuChecker: &HTTPSFUChecker{},
	}
}

type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness reports the process is alive, with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness reports 200 only if every critical dependency is reachable.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkBus(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.sfuEnabled {
		sfuStatus := h.sfuChecker.Check(ctx, h.sfuBaseURL)
		checks["sfu"] = sfuStatus
		if sfuStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkBus(ctx context.Context) string {
	if h.busService == nil {
		return "healthy"
	}
	if err := h.busService.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
