package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the JSON response for the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// TemplateSnapshot is the part of the template library readiness reports on.
type TemplateSnapshot interface {
	Loaded() bool
	Count() int
	Checksum() string
}

// ReadinessChecks holds what the readiness endpoint inspects. Templates is
// required; a nil store is skipped.
type ReadinessChecks struct {
	Templates        TemplateSnapshot
	Store            HealthChecker
	IdempotencyStore HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth returns an HTTP handler for the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady returns an HTTP handler for the readiness endpoint. The
// service is ready once a template library is loaded and every configured
// store answers its health check.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := checks.run(r.Context())

		resp := ReadinessResponse{Status: "ready", Checks: results}
		status := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, status, resp)
	}
}

func (c ReadinessChecks) run(ctx context.Context) map[string]CheckResult {
	results := map[string]CheckResult{"templates": templateCheck(c.Templates)}
	var mu sync.Mutex

	stores := map[string]HealthChecker{
		"store":             c.Store,
		"idempotency_store": c.IdempotencyStore,
	}
	var g errgroup.Group
	for name, checker := range stores {
		if checker == nil {
			continue
		}
		name, checker := name, checker
		g.Go(func() error {
			res := runCheck(ctx, checker)
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func templateCheck(t TemplateSnapshot) CheckResult {
	if t == nil || !t.Loaded() {
		return CheckResult{Status: "error", Error: "no templates loaded"}
	}
	return CheckResult{
		Status: "ok",
		Detail: fmt.Sprintf("%d templates, checksum %s", t.Count(), t.Checksum()),
	}
}

// runCheck executes a health check with a per-check timeout.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
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

func writeHealthJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
