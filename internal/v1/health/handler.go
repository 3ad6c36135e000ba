// Package health exposes liveness and readiness HTTP endpoints.
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// RelayChecker reports whether at least one relay session is connected.
// Implemented by the Announcer's relay pool; nil when the Announcer is
// disabled (no SYNC_URL configured).
type RelayChecker interface {
	AnyConnected() bool
}

// Handler serves /healthz and /readyz.
type Handler struct {
	relay RelayChecker
}

// NewHandler creates a health Handler. relay may be nil if the Announcer
// is disabled, in which case readiness never depends on relay state.
func NewHandler(relay RelayChecker) *Handler {
	return &Handler{relay: relay}
}

// LivenessResponse is the liveness probe response body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe response body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /healthz. Returns 200 if the process is alive, with
// no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /readyz. Returns 200 unless the Announcer is
// enabled and has no connected relay session.
func (h *Handler) Readiness(c *gin.Context) {
	checks := make(map[string]string)
	ready := true

	if h.relay != nil {
		if h.relay.AnyConnected() {
			checks["relay"] = "healthy"
		} else {
			checks["relay"] = "unhealthy"
			ready = false
		}
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
