package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/addonrt/internal/config"
	"github.com/pitabwire/addonrt/internal/dispatch"
	"github.com/pitabwire/addonrt/internal/invocation"
	"github.com/pitabwire/addonrt/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP surface.
type Dependencies struct {
	Config    *config.Config
	Registry  *dispatch.Registry
	Readiness observability.ReadinessChecks
	// Metrics is optional; without it requests are not measured.
	Metrics *observability.Metrics
	Logger  *zap.Logger
	// Invocations and AuthSecret enable the invocation API; it is not
	// mounted unless both are set.
	Invocations *invocation.Service
	AuthSecret  []byte
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness and metrics endpoints are not logged.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Correlate(logger))
	r.Use(Recovery(logger))
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if m := deps.Config.Observability.Metrics; m.Enabled {
		r.Method(http.MethodGet, m.Path, observability.Handler())
	}

	catalog := &operationCatalog{registry: deps.Registry}
	r.Group(func(r chi.Router) {
		r.Use(RequestLogging(logger))
		r.Get("/operations", catalog.list)
		r.Get("/operations/{interface}/{operation}", catalog.get)
		r.Get("/implementations/{implementation}/operations", catalog.implementation)
	})

	if deps.Invocations != nil && len(deps.AuthSecret) > 0 {
		api := &invocationAPI{service: deps.Invocations}
		r.Group(func(r chi.Router) {
			r.Use(RequestLogging(logger))
			r.Use(Authenticate(deps.Config.Server.Auth, deps.AuthSecret))
			r.Post("/invocations", api.call)
			r.Get("/invocations/{id}", api.get)
		})
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	return r
}
