// Package integration provides a reusable test harness for end-to-end
// integration testing of the tax intake server. It starts a full HTTP server
// with the file-based template library, in-memory stores, and a test JWT
// issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/taxintake/internal/casestore"
	"github.com/pitabwire/taxintake/internal/checklist"
	"github.com/pitabwire/taxintake/internal/config"
	"github.com/pitabwire/taxintake/internal/intake"
	"github.com/pitabwire/taxintake/internal/observability"
	"github.com/pitabwire/taxintake/internal/templates"
	"github.com/pitabwire/taxintake/internal/transport"
	"github.com/pitabwire/taxintake/model"
)

const keyEnv = "INTAKE_TEST_JWT_PUBLIC_KEY"

// TestHarness encapsulates a fully wired intake server for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry         *templates.Registry
	Reloader         *templates.Reloader
	Store            *casestore.MemoryStore
	IdempotencyStore *intake.MemoryIdempotencyStore
	Refresher        *checklist.Refresher
	Service          *intake.Service
	Metrics          *observability.Metrics
	Logs             *observer.ObservedLogs

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	templateDirs   []string
	handlerTimeout time.Duration
	maxBodyBytes   int64
}

// WithTemplates sets the template directories to load.
func WithTemplates(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.templateDirs = dirs
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithMaxBodyBytes sets the request body ceiling.
func WithMaxBodyBytes(n int64) HarnessOption {
	return func(c *harnessConfig) {
		c.maxBodyBytes = n
	}
}

// NewTestHarness creates and starts a full test instance. The server is
// automatically cleaned up when the test completes. It sets an environment
// variable, so tests using it must not run in parallel.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		maxBodyBytes:   64 << 10,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.templateDirs) == 0 {
		hc.templateDirs = []string{filepath.Join(testdataDir(), "templates")}
	}

	h := &TestHarness{t: t}

	// Step 1: Observability with an observed logger and a private registry.
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	h.Logs = logs
	promReg := prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(promReg)

	// Step 2: Build config.
	h.issuer = newTokenIssuer(t)
	t.Setenv(keyEnv, h.issuer.PublicKeyPEM(t))

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.MaxBodyBytes = hc.maxBodyBytes
	h.cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "X-Idempotency-Key"},
		MaxAge:         86400,
	}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		KeyEnv:     keyEnv,
		Algorithms: []string{"RS256"},
	}
	h.cfg.Templates.Directories = hc.templateDirs

	// Step 3: Load templates.
	h.Registry = templates.NewRegistry(nil)
	h.Reloader = templates.NewReloader(h.Registry, hc.templateDirs,
		templates.NewValidator(h.cfg.Templates.MaxConditionBytes), logger, h.Metrics)
	if err := h.Reloader.Reload(); err != nil {
		t.Fatalf("load templates: %v", err)
	}

	// Step 4: Build in-memory stores and services.
	h.Store = casestore.NewMemoryStore()
	h.IdempotencyStore = intake.NewMemoryIdempotencyStore()

	checklistOpts := []checklist.Option{checklist.WithLogger(logger), checklist.WithMetrics(h.Metrics)}
	generator := checklist.NewGenerator(h.Store, checklistOpts...)
	h.Refresher = checklist.NewRefresher(h.Store, h.Registry, h.Store, generator, checklistOpts...)
	cascader := checklist.NewCascader(h.Store, h.Store, h.Registry, h.Store, checklistOpts...)

	h.Service = intake.NewService(h.Store, h.Registry, cascader, h.Refresher,
		intake.WithLogger(logger),
		intake.WithMetrics(h.Metrics),
		intake.WithAuditLogger(intake.NewZapAuditLogger(logger)),
		intake.WithIdempotency(h.IdempotencyStore, time.Hour),
	)

	// Step 5: Build router with full middleware chain.
	key, err := transport.LoadVerificationKey(h.cfg.Identity)
	if err != nil {
		t.Fatalf("load verification key: %v", err)
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       logger,
		Metrics:      h.Metrics,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, key),
		Cases:        h.Service,
		Readiness: observability.ReadinessChecks{
			Templates:        h.Registry,
			Store:            h.Store,
			IdempotencyStore: h.IdempotencyStore,
		},
		MetricsHandler: observability.HandlerFor(promReg),
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// SeedCase stores a client profile and case and generates its initial
// checklist.
func (h *TestHarness) SeedCase(profile model.Profile, c model.Case) {
	h.t.Helper()
	ctx := context.Background()

	if err := h.Store.PutProfile(ctx, profile); err != nil {
		h.t.Fatalf("put profile: %v", err)
	}
	if err := h.Store.PutCase(ctx, c); err != nil {
		h.t.Fatalf("put case: %v", err)
	}
	if c.Status.Terminal() {
		return
	}
	if _, err := h.Refresher.Seed(ctx, c.ID); err != nil {
		h.t.Fatalf("seed checklist: %v", err)
	}
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPatch, path, body, token, nil)
}

// PATCHWithHeaders performs an authenticated PATCH request with additional
// headers.
func (h *TestHarness) PATCHWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPatch, path, body, token, headers)
}

// DoRaw performs a request with a pre-encoded body.
func (h *TestHarness) DoRaw(method, path, body, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, json.RawMessage(body), token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		var data []byte
		if raw, ok := body.(json.RawMessage); ok {
			data = raw
		} else {
			var err error
			data, err = json.Marshal(body)
			if err != nil {
				h.t.Fatalf("marshal request body: %v", err)
			}
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// ClientClaims returns TestClaims for the client owning clientID's cases.
func ClientClaims(clientID string) TestClaims {
	return TestClaims{
		SubjectID: clientID,
		OrgID:     "firm-1",
		Email:     clientID + "@clients.example.com",
	}
}

// PreparerClaims returns TestClaims for a tax preparer.
func PreparerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-preparer",
		OrgID:     "firm-1",
		Email:     "preparer@firm.example.com",
		Roles:     []string{intake.RolePreparer},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
