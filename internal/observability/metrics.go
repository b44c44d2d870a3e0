package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
	itemCountBuckets    = []float64{0, 1, 2, 5, 10, 20, 50}
)

// Metrics holds all Prometheus metric instruments for the intake service.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Checklist metrics
	ChecklistGenerationsTotal *prometheus.CounterVec
	ChecklistItemsInserted    prometheus.Histogram
	TemplatesSkippedTotal     *prometheus.CounterVec
	ChecklistRefreshesTotal   *prometheus.CounterVec

	// Answer metrics
	AnswerUpdatesTotal      *prometheus.CounterVec
	CascadeAnswersDeleted   prometheus.Counter
	CascadeItemsDeleted     prometheus.Counter
	IdempotencyReplaysTotal prometheus.Counter

	// System metrics
	TemplateReloadTotal *prometheus.CounterVec
	TemplatesLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Checklist
		ChecklistGenerationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_checklist_generations_total",
			Help: "Total number of checklist generations.",
		}, []string{"status"}),
		ChecklistItemsInserted: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intake_checklist_items_inserted",
			Help:    "Checklist items inserted per generation.",
			Buckets: itemCountBuckets,
		}),
		TemplatesSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_templates_condition_rejected_total",
			Help: "Total template conditions rejected during generation.",
		}, []string{"reason"}),
		ChecklistRefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_checklist_refreshes_total",
			Help: "Total number of checklist refreshes.",
		}, []string{"status"}),

		// Answers
		AnswerUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_answer_updates_total",
			Help: "Total number of answer updates.",
		}, []string{"status"}),
		CascadeAnswersDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_cascade_answers_deleted_total",
			Help: "Total dependent answers removed by cascades.",
		}),
		CascadeItemsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_cascade_items_deleted_total",
			Help: "Total checklist items removed by cascades.",
		}),
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_idempotency_replays_total",
			Help: "Total answer updates served from the idempotency cache.",
		}),

		// System
		TemplateReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_template_reload_total",
			Help: "Total template library reloads.",
		}, []string{"status"}),
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intake_templates_loaded",
			Help: "Number of loaded document templates.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Checklist
		m.ChecklistGenerationsTotal,
		m.ChecklistItemsInserted,
		m.TemplatesSkippedTotal,
		m.ChecklistRefreshesTotal,
		// Answers
		m.AnswerUpdatesTotal,
		m.CascadeAnswersDeleted,
		m.CascadeItemsDeleted,
		m.IdempotencyReplaysTotal,
		// System
		m.TemplateReloadTotal,
		m.TemplatesLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordGeneration records a checklist generation and the rows it inserted.
// Status is one of ok, empty or error.
func (m *Metrics) RecordGeneration(status string, inserted int) {
	if m == nil {
		return
	}
	m.ChecklistGenerationsTotal.WithLabelValues(status).Inc()
	if status == "ok" {
		m.ChecklistItemsInserted.Observe(float64(inserted))
	}
}

// RecordTemplateSkipped records a template condition rejected at generation
// time, labelled by rejection reason.
func (m *Metrics) RecordTemplateSkipped(reason string) {
	if m == nil {
		return
	}
	m.TemplatesSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordRefresh records a checklist refresh.
func (m *Metrics) RecordRefresh(status string) {
	if m == nil {
		return
	}
	m.ChecklistRefreshesTotal.WithLabelValues(status).Inc()
}

// RecordCascade records the answers and items removed by one cascade.
func (m *Metrics) RecordCascade(answers, items int) {
	if m == nil {
		return
	}
	m.CascadeAnswersDeleted.Add(float64(answers))
	m.CascadeItemsDeleted.Add(float64(items))
}

// RecordAnswerUpdate records an answer update.
func (m *Metrics) RecordAnswerUpdate(status string) {
	if m == nil {
		return
	}
	m.AnswerUpdatesTotal.WithLabelValues(status).Inc()
}

// RecordIdempotencyReplay records an answer update answered from cache.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// RecordTemplateReload records a template library reload.
func (m *Metrics) RecordTemplateReload(status string) {
	if m == nil {
		return
	}
	m.TemplateReloadTotal.WithLabelValues(status).Inc()
}

// SetTemplatesLoaded sets the number of loaded templates.
func (m *Metrics) SetTemplatesLoaded(count int) {
	if m == nil {
		return
	}
	m.TemplatesLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
