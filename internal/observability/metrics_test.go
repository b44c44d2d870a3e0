package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"intake_http_requests_total",
		"intake_http_request_duration_seconds",
		"intake_http_request_size_bytes",
		"intake_http_response_size_bytes",
		"intake_checklist_generations_total",
		"intake_checklist_items_inserted",
		"intake_templates_condition_rejected_total",
		"intake_checklist_refreshes_total",
		"intake_answer_updates_total",
		"intake_cascade_answers_deleted_total",
		"intake_cascade_items_deleted_total",
		"intake_idempotency_replays_total",
		"intake_template_reload_total",
		"intake_templates_loaded",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordGeneration("ok", 3)
	m.RecordTemplateSkipped("too_deep")
	m.RecordRefresh("ok")
	m.RecordAnswerUpdate("ok")
	m.RecordCascade(1, 2)
	m.RecordIdempotencyReplay()
	m.RecordTemplateReload("success")
	m.SetTemplatesLoaded(5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestMetrics_nilReceiver(t *testing.T) {
	var m *Metrics

	// None of these may panic.
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond, 0, 0)
	m.RecordGeneration("ok", 1)
	m.RecordTemplateSkipped("malformed")
	m.RecordRefresh("error")
	m.RecordCascade(1, 1)
	m.RecordAnswerUpdate("ok")
	m.RecordIdempotencyReplay()
	m.RecordTemplateReload("failure")
	m.SetTemplatesLoaded(1)
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/v1/cases/{caseId}/checklist", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/v1/cases/{caseId}/checklist", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("PATCH", "/v1/cases/{caseId}/answers", 422, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/cases/{caseId}/checklist", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("PATCH", "/v1/cases/{caseId}/answers", "422"))
	if val != 1 {
		t.Errorf("PATCH requests = %v, want 1", val)
	}
}

func TestRecordGeneration(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordGeneration("ok", 4)
	m.RecordGeneration("empty", 0)
	m.RecordGeneration("error", 0)

	for _, status := range []string{"ok", "empty", "error"} {
		if v := testutil.ToFloat64(m.ChecklistGenerationsTotal.WithLabelValues(status)); v != 1 {
			t.Errorf("generations{%s} = %v, want 1", status, v)
		}
	}
	if n := testutil.CollectAndCount(m.ChecklistItemsInserted); n != 1 {
		t.Errorf("inserted histogram series = %d, want 1", n)
	}
}

func TestRecordTemplateSkipped(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTemplateSkipped("too_deep")
	m.RecordTemplateSkipped("too_deep")
	m.RecordTemplateSkipped("too_large")

	if v := testutil.ToFloat64(m.TemplatesSkippedTotal.WithLabelValues("too_deep")); v != 2 {
		t.Errorf("too_deep = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.TemplatesSkippedTotal.WithLabelValues("too_large")); v != 1 {
		t.Errorf("too_large = %v, want 1", v)
	}
}

func TestRecordRefresh(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRefresh("ok")
	m.RecordRefresh("not_found")

	if v := testutil.ToFloat64(m.ChecklistRefreshesTotal.WithLabelValues("not_found")); v != 1 {
		t.Errorf("not_found = %v, want 1", v)
	}
}

func TestRecordCascade(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCascade(1, 2)
	m.RecordCascade(0, 3)

	if v := testutil.ToFloat64(m.CascadeAnswersDeleted); v != 1 {
		t.Errorf("answers deleted = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.CascadeItemsDeleted); v != 5 {
		t.Errorf("items deleted = %v, want 5", v)
	}
}

func TestRecordAnswerUpdate(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordAnswerUpdate("ok")
	m.RecordAnswerUpdate("invalid")
	m.RecordIdempotencyReplay()

	if v := testutil.ToFloat64(m.AnswerUpdatesTotal.WithLabelValues("invalid")); v != 1 {
		t.Errorf("invalid = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.IdempotencyReplaysTotal); v != 1 {
		t.Errorf("replays = %v, want 1", v)
	}
}

func TestSetTemplatesLoaded(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetTemplatesLoaded(42)
	m.RecordTemplateReload("success")

	if v := testutil.ToFloat64(m.TemplatesLoaded); v != 42 {
		t.Errorf("templates loaded = %v, want 42", v)
	}
	if v := testutil.ToFloat64(m.TemplateReloadTotal.WithLabelValues("success")); v != 1 {
		t.Errorf("reloads = %v, want 1", v)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/cases/{caseId}/checklist", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/cases/case-1/checklist", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Route pattern, not the concrete path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/cases/{caseId}/checklist", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
	if n := testutil.CollectAndCount(m.HTTPResponseSizeBytes); n == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Patch("/v1/cases/{caseId}/answers", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPatch, "/v1/cases/c-9/answers", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("PATCH", "/v1/cases/{caseId}/answers", "400"))
	if val != 1 {
		t.Errorf("400 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandlerFor_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.SetTemplatesLoaded(7)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "intake_templates_loaded 7") {
		t.Errorf("body missing templates gauge:\n%s", rec.Body.String())
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":  httpDurationBuckets,
		"body":  bodySizeBuckets,
		"items": itemCountBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
