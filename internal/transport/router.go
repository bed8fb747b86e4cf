package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/intraflow/internal/config"
	"github.com/pitabwire/intraflow/internal/idempotency"
	"github.com/pitabwire/intraflow/internal/observability"
	"github.com/pitabwire/intraflow/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Engine       *workflow.Engine
	Cache        *workflow.Cache
	Definitions  DefinitionCatalog
	Inbox        Inbox
	// Idempotency is nil when submit deduplication is disabled.
	Idempotency idempotency.Store
	Readiness   *observability.Readiness
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(Correlate)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	readiness := deps.Readiness
	if readiness == nil {
		readiness = observability.NewReadiness(0)
	}
	r.Get("/ready", observability.HandleReady(readiness))
	r.Handle("/metrics", observability.Handler())

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	var idem idempotency.Store
	if cfg.Idempotency.Enabled {
		idem = deps.Idempotency
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(auth)
		r.Use(Identify(cfg.Identity.ClaimPaths))
		r.Use(RequestLogging(logger))
		r.Use(MetricsRecording(deps.Metrics))

		// Long-lived stream: no handler timeout or body limit.
		r.Get("/api/requests/stream", handleStream(deps.Cache, logger))

		r.Group(func(r chi.Router) {
			r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
			r.Use(LimitBody(cfg.Server.MaxBodyBytes))

			r.Post("/api/requests", handleSubmit(deps.Engine, idem, cfg.Idempotency.TTL, deps.Metrics, logger))
			r.Get("/api/requests", handleListRequests(deps.Cache))
			r.Get("/api/requests/{id}", handleGetRequest(deps.Cache, deps.Engine))
			r.Get("/api/requests/{id}/next", handleNextStatus(deps.Cache, deps.Engine))
			r.Post("/api/requests/{id}/transition", handleTransition(deps.Engine))
			r.Post("/api/requests/{id}/assign", handleAssign(deps.Engine))
			r.Post("/api/requests/{id}/comments", handleAddComment(deps.Engine))
			r.Post("/api/requests/{id}/archive", handleArchive(deps.Engine, logger))
			r.Post("/api/requests/{id}/viewed", handleMarkViewed(deps.Engine))
			r.Post("/api/requests/{id}/actions", handleOpenActionRequest(deps.Engine))
			r.Post("/api/requests/{id}/actions/respond", handleRespond(deps.Engine))

			r.Get("/api/me/tasks", handleMyTasks(deps.Cache))
			r.Get("/api/notifications", handleNotifications(deps.Inbox))

			r.Get("/api/definitions", handleListDefinitions(deps.Definitions))
			r.Get("/api/definitions/{name}", handleGetDefinition(deps.Definitions))
		})
	})

	return r
}
