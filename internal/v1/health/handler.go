// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/bus"
	"github.com/RoseWrightdev/callkit/internal/v1/logging"
)

// CheckFunc reports whether one dependency is usable.
type CheckFunc func(ctx context.Context) error

// Handler manages health check endpoints
type Handler struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHandler creates a handler that checks Redis. A nil service means the
// process runs without Redis and the check always passes.
func NewHandler(redisService *bus.Service) *Handler {
	h := &Handler{checks: make(map[string]CheckFunc)}
	h.AddCheck("redis", redisService.Ping)
	return h
}

// AddCheck registers or replaces a named readiness check.
func (h *Handler) AddCheck(name string, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = fn
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. It never checks dependencies.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready: 200 when every check passes, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	allHealthy := true
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			logging.Error(ctx, "Health check failed", zap.String("check", name), zap.Error(err))
			results[name] = "unhealthy"
			allHealthy = false
			continue
		}
		results[name] = "healthy"
	}

	status, code := "ready", http.StatusOK
	if !allHealthy {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	c.JSON(code, ReadinessResponse{
		Status:    status,
		Checks:    results,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Register mounts both probes under /health on r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/health/live", h.Liveness)
	r.GET("/health/ready", h.Readiness)
}
