package ops

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck reports whether one dependency is usable. A nil error
// means healthy.
type HealthCheck func(ctx context.Context) error

// CheckResult is the outcome of a single check in the /healthz
// response.
type CheckResult struct {
	Status               string `json:"status"`
	Latency              string `json:"latency"`
	Error                string `json:"error,omitempty"`
	ConsecutiveSuccesses int    `json:"consecutive_successes,omitempty"`
	ConsecutiveFailures  int    `json:"consecutive_failures,omitempty"`
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version,omitempty"`
	Uptime    string                 `json:"uptime"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// checkState carries a check's streak counters across invocations.
type checkState struct {
	check                HealthCheck
	consecutiveSuccesses int
	consecutiveFailures  int
}

// AddHealthCheck registers a named check. Registering the same name
// again replaces the check and resets its streaks.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = &checkState{check: check}
}

// handleHealth runs every registered check and reports 200 when all
// pass, 503 otherwise. Checks run sequentially; concurrent /healthz
// requests serialize so the streak counters stay exact.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	resp := HealthResponse{
		Status:    statusHealthy,
		Service:   h.service,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    make(map[string]CheckResult, len(h.checks)),
	}

	for name, state := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
		start := time.Now()
		err := state.check(ctx)
		latency := time.Since(start)
		cancel()

		result := CheckResult{
			Status:  statusHealthy,
			Latency: latency.String(),
		}
		if err != nil {
			state.consecutiveSuccesses = 0
			state.consecutiveFailures++
			result.Status = statusUnhealthy
			result.Error = err.Error()
			resp.Status = statusUnhealthy
			h.log.Warn().
				Str("check", name).
				Err(err).
				Dur("latency", latency).
				Int("consecutive_failures", state.consecutiveFailures).
				Msg("health check failed")
		} else {
			state.consecutiveFailures = 0
			state.consecutiveSuccesses++
		}
		result.ConsecutiveSuccesses = state.consecutiveSuccesses
		result.ConsecutiveFailures = state.consecutiveFailures
		resp.Checks[name] = result
	}

	statusCode := http.StatusOK
	if resp.Status != statusHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, h.log, statusCode, resp)
}
