// Package health exposes the Kubernetes-style liveness and readiness
// probes. Liveness is unconditional; readiness checks the call store
// and the SFU worker within a bounded budget.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huddlehq/huddle/backend/go/internal/v1/logging"
	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

// readinessBudget bounds all dependency checks for one probe.
const readinessBudget = 3 * time.Second

// WorkerChecker reports whether the SFU worker is still able to route
// media. Satisfied by a closure over the worker's Died channel.
type WorkerChecker func() bool

// Handler serves the health endpoints.
type Handler struct {
	store  types.CallStore
	worker WorkerChecker
}

// NewHandler builds a health handler. Either dependency may be nil;
// a missing dependency is reported healthy.
func NewHandler(store types.CallStore, worker WorkerChecker) *Handler {
	return &Handler{store: store, worker: worker}
}

// LivenessResponse is the body of GET /healthz.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the body of GET /readyz.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness answers 200 whenever the process is up. No dependency
// checks: a process wedged on Redis should be drained by readiness,
// not killed in a liveness loop.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness answers 200 only when every dependency is healthy, 503
// otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessBudget)
	defer cancel()

	checks := map[string]string{
		"call_store": h.checkStore(ctx),
		"sfu_worker": h.checkWorker(),
	}

	status := "ready"
	statusCode := http.StatusOK
	for _, result := range checks {
		if result != "healthy" {
			status = "unavailable"
			statusCode = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkStore(ctx context.Context) string {
	if h.store == nil {
		return "healthy"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "call store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkWorker() string {
	if h.worker == nil {
		return "healthy"
	}
	if !h.worker() {
		return "unhealthy"
	}
	return "healthy"
}
