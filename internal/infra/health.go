package infra

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ReadinessProbe reports whether one component is ready.
type ReadinessProbe func() bool

// HealthChecker manages liveness and readiness state.
// /healthz is liveness, /readyz is readiness.
type HealthChecker struct {
	started   atomic.Bool
	startTime time.Time

	mu     sync.RWMutex
	probes map[string]ReadinessProbe
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		probes:    make(map[string]ReadinessProbe),
	}
}

// SetStarted marks bootstrap as complete.
func (h *HealthChecker) SetStarted(started bool) {
	h.started.Store(started)
}

// AddProbe registers a named readiness probe. Readiness requires all probes to pass.
func (h *HealthChecker) AddProbe(name string, p ReadinessProbe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = p
}

// Check evaluates every probe and returns the failing ones.
func (h *HealthChecker) Check() (bool, []string) {
	var failing []string
	if !h.started.Load() {
		failing = append(failing, "bootstrap")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for name, p := range h.probes {
		if !p() {
			failing = append(failing, name)
		}
	}
	return len(failing) == 0, failing
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once every probe passes, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ok, failing := h.Check()
	if ok {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ready",
		})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "not_ready",
		"waiting": failing,
	})
}
