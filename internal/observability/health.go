package observability

import (
	"context"
	"log/slog"
	"time"
)

// healthCheckTimeout bounds one readiness pass across all checks.
const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness across the gateway's dependencies
// (storage, inference backend). Liveness is unconditional: a running
// process is alive even when its dependencies are down.
type HealthChecker struct {
	checks []namedCheck
	logger *slog.Logger
}

type namedCheck struct {
	name  string
	check func(ctx context.Context) error
}

// HealthStatus is the JSON body served by the health endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single dependency check.
type CheckResult struct {
	Status    string `json:"status"`            // "ok" or "fail"
	Message   string `json:"message,omitempty"` // error text on failure
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named dependency check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// CheckHealth reports liveness. Always "ok" while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered check and aggregates the result:
// "ok" only when all pass, "degraded" otherwise.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if len(h.checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(h.checks)),
	}
	for _, c := range h.checks {
		result := h.runCheck(checkCtx, c)
		if result.Status != "ok" {
			status.Status = "degraded"
		}
		status.Checks[c.name] = result
	}
	return status
}

func (h *HealthChecker) runCheck(ctx context.Context, c namedCheck) CheckResult {
	start := time.Now()
	err := c.check(ctx)
	latency := time.Since(start).Milliseconds()

	if err == nil {
		return CheckResult{Status: "ok", LatencyMS: latency}
	}
	if h.logger != nil {
		h.logger.Warn("readiness check failed",
			slog.String("check", c.name),
			slog.String("error", err.Error()),
		)
	}
	return CheckResult{Status: "fail", Message: err.Error(), LatencyMS: latency}
}
