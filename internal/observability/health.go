package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc reports whether a dependency is reachable.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name  string
	check CheckFunc
}

// HealthChecker serves /healthz and /readyz. Readiness needs recovery to
// have finished and every registered dependency check to pass.
type HealthChecker struct {
	recovered    atomic.Bool
	startTime    time.Time
	checkTimeout time.Duration

	mu     sync.RWMutex
	checks []namedCheck
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime:    time.Now(),
		checkTimeout: 2 * time.Second,
	}
}

// Register adds a dependency check to readiness. Checks run in
// registration order on every readiness request.
func (h *HealthChecker) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// SetReady marks recovery as finished (or the service as draining).
func (h *HealthChecker) SetReady(ready bool) {
	h.recovered.Store(ready)
}

// Check runs every registered check and returns the failures by name.
func (h *HealthChecker) Check(ctx context.Context) map[string]error {
	h.mu.RLock()
	checks := h.checks
	h.mu.RUnlock()

	failed := make(map[string]error)
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, h.checkTimeout)
		if err := c.check(cctx); err != nil {
			failed[c.name] = err
		}
		cancel()
	}
	return failed
}

// IsReady reports recovery done and all checks passing.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.recovered.Load() && len(h.Check(ctx)) == 0
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 when ready and 503 otherwise, with the
// state of each dependency.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	recovered := h.recovered.Load()
	failed := h.Check(r.Context())

	h.mu.RLock()
	checks := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		checks[c.name] = "ok"
		if err, bad := failed[c.name]; bad {
			checks[c.name] = err.Error()
		}
	}
	h.mu.RUnlock()

	code, state := http.StatusOK, "ready"
	if !recovered || len(failed) > 0 {
		code, state = http.StatusServiceUnavailable, "not_ready"
	}
	writeHealth(w, code, map[string]any{
		"status":    state,
		"recovered": recovered,
		"checks":    checks,
	})
}

func writeHealth(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
