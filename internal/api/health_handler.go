package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agri-advisory/internal/cache"
	"agri-advisory/internal/services"
)

const serviceName = "agri-advisory"

type dependencyCheck struct {
	name  string
	ping  func(ctx context.Context) error
	stats func() map[string]interface{}
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	checks    []dependencyCheck
	container *services.ServiceContainer
	logger    *zap.Logger
}

// NewHealthHandler creates a new health handler. redis may be nil when the
// cache is disabled.
func NewHealthHandler(
	container *services.ServiceContainer,
	redis *cache.RedisCache,
	logger *zap.Logger,
) *HealthHandler {
	h := &HealthHandler{container: container, logger: logger}
	if container.Store.Ping != nil {
		h.checks = append(h.checks, dependencyCheck{name: "database", ping: container.Store.Ping})
	}
	if redis != nil {
		h.checks = append(h.checks, dependencyCheck{name: "cache", ping: redis.Ping, stats: redis.GetCacheStats})
	}
	return h
}

// Health returns basic health status
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   serviceName,
		"version":   "1.0.0",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// Ready checks if the service is ready to handle requests
// GET /health/ready
func (h *HealthHandler) Ready(c *gin.Context) {
	start := time.Now()

	checks := make(map[string]interface{})
	allHealthy := true

	for _, check := range h.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		checkStart := time.Now()
		err := check.ping(ctx)
		cancel()

		if err != nil {
			checks[check.name] = map[string]interface{}{
				"status":   "unhealthy",
				"error":    err.Error(),
				"duration": time.Since(checkStart).Milliseconds(),
			}
			allHealthy = false
			h.logger.Warn("health check failed", zap.String("check", check.name), zap.Error(err))
			continue
		}
		result := map[string]interface{}{
			"status":   "healthy",
			"duration": time.Since(checkStart).Milliseconds(),
		}
		if check.stats != nil {
			result["pool"] = check.stats()
		}
		checks[check.name] = result
	}

	snapshot := h.container.Registry.Snapshot()
	checks["rules"] = map[string]interface{}{
		"status":    "healthy",
		"version":   snapshot.Version,
		"active":    len(snapshot.Rules),
		"loaded_at": snapshot.LoadedAt,
	}
	checks["delivery"] = map[string]interface{}{
		"status":      "healthy",
		"queue_depth": h.container.Dispatcher.QueueDepth(),
	}

	status := http.StatusOK
	overallStatus := "ready"
	if !allHealthy {
		status = http.StatusServiceUnavailable
		overallStatus = "not_ready"
	}

	c.JSON(status, gin.H{
		"status":         overallStatus,
		"service":        serviceName,
		"checks":         checks,
		"total_duration": time.Since(start).Milliseconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// Live checks if the service is alive
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"service":   serviceName,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
