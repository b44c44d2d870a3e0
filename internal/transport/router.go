package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/taxintake/internal/config"
	"github.com/pitabwire/taxintake/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Cases        CaseService
	Readiness    observability.ReadinessChecks

	// MetricsHandler serves the metrics path; nil selects the default
	// registry.
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = observability.Handler()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if mc := deps.Config.Observability.Metrics; mc.Enabled {
		path := mc.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, metricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.Metrics.MetricsMiddleware)
		r.Use(MaxBodyBytes(deps.Config.Server.MaxBodyBytes))
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/v1/cases/{caseId}", func(r chi.Router) {
			r.Get("/checklist", handleGetChecklist(deps.Cases))
			r.Post("/checklist/refresh", handleRefreshChecklist(deps.Cases))
			r.Patch("/answers", handleUpdateAnswers(deps.Cases))
		})
		r.Post("/v1/conditions/validate", handleValidateCondition(deps.Config.Templates.MaxConditionBytes))
	})

	return r
}
