package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build metadata, set by the binary at startup.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body, one entry per check.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck implements HealthChecker.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks configures HandleReady. The operations and
// implementations checks always run and fail when their func is nil; the
// checkers run only when set.
type ReadinessChecks struct {
	OperationsDeclared        func() bool
	ImplementationsRegistered func() bool

	InvocationStore  HealthChecker
	CapabilityPolicy HealthChecker

	// Timeout bounds each check. Defaults to two seconds.
	Timeout time.Duration
}

type namedCheck struct {
	name    string
	checker HealthChecker
}

func (c ReadinessChecks) list() []namedCheck {
	checks := []namedCheck{
		{"operations", loadedCheck(c.OperationsDeclared, "no operations declared")},
		{"implementations", loadedCheck(c.ImplementationsRegistered, "no implementations registered")},
	}
	if c.InvocationStore != nil {
		checks = append(checks, namedCheck{"invocation_store", c.InvocationStore})
	}
	if c.CapabilityPolicy != nil {
		checks = append(checks, namedCheck{"capability_policy", c.CapabilityPolicy})
	}
	return checks
}

func loadedCheck(loaded func() bool, msg string) HealthChecker {
	return HealthCheckFunc(func(context.Context) error {
		if loaded == nil || !loaded() {
			return errors.New(msg)
		}
		return nil
	})
}

// HandleHealth serves liveness with the build metadata.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady runs every check concurrently and answers 200 "ready" only
// when all pass, 503 "not_ready" otherwise.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	named := checks.list()
	timeout := checks.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]CheckResult, len(named))
		var mu sync.Mutex
		var g errgroup.Group
		for _, c := range named {
			g.Go(func() error {
				res := runCheck(r.Context(), c.checker, timeout)
				mu.Lock()
				results[c.name] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		status := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, status, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker, timeout time.Duration) CheckResult {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
