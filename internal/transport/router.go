package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vnworks/vnflow/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Handler *ValuationHandler
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Checks  observability.ReadinessChecks

	// MetricsPath defaults to /metrics when empty.
	MetricsPath string
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass
// request logging and metrics recording.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(Recovery(deps.Logger))
	r.Use(RequestID)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Checks))
	metricsPath := deps.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Method(http.MethodGet, metricsPath, observability.Handler())

	r.Group(func(r chi.Router) {
		r.Use(RequestLogging(deps.Logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Post("/valuation", deps.Handler.HandleSubmit)
		r.Get("/valuation/{requestId}/status", deps.Handler.HandleStatus)
		r.Get("/valuation/{requestId}/results", deps.Handler.HandleResults)
	})

	return r
}
