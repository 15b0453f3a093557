package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloudship/internal/artifact"
	"cloudship/internal/deployment"
	"cloudship/internal/hotreload"
	"cloudship/internal/observability"
	"cloudship/internal/pipeline"
	"cloudship/internal/ratelimit"
	"cloudship/internal/store"
	"cloudship/internal/webhook"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

const (
	// HTTP server timeouts. Reads and writes are long enough for artifact
	// uploads; everything else is bounded by RequestTimeout.
	HTTPReadHeaderTimeout = 10 * time.Second
	HTTPReadTimeout       = 5 * time.Minute
	HTTPWriteTimeout      = 5 * time.Minute
	HTTPIdleTimeout       = 60 * time.Second

	// Request timeout for middleware
	RequestTimeout = 60 * time.Second

	// Webhook-specific rate limit per minute
	WebhookRateLimit = 30
)

// Pipeline is the deployment lifecycle the API drives.
type Pipeline interface {
	Submit(ctx context.Context, spec deployment.Spec) (*deployment.Deployment, error)
	Redeploy(ctx context.Context, id string, opts pipeline.RedeployOptions) (*deployment.Deployment, error)
	Get(ctx context.Context, id string) (*deployment.Deployment, error)
	List(ctx context.Context, limit, offset int) ([]*deployment.Deployment, error)
	LinkRepository(ctx context.Context, id, fullName, branch string) (*deployment.Deployment, error)
}

// TransitionLog exposes the persisted state history of a deployment.
type TransitionLog interface {
	Transitions(ctx context.Context, id string) ([]store.Transition, error)
}

// Reloader pushes the active artifact to a deployed service.
type Reloader interface {
	Reload(ctx context.Context, deploymentID string) (hotreload.Result, error)
}

// Artifacts manages model versions per notebook.
type Artifacts interface {
	Upload(ctx context.Context, up artifact.Upload) (*artifact.Version, error)
	Activate(ctx context.Context, notebookID string, version int) (*artifact.Version, error)
	Active(ctx context.Context, notebookID string) (*artifact.Version, error)
	List(ctx context.Context, notebookID string) ([]*artifact.Version, error)
}

// Webhooks handles inbound GitHub deliveries.
type Webhooks interface {
	Handle(ctx context.Context, in webhook.Delivery) (webhook.Outcome, error)
}

// BranchResolver finds a repository's default branch.
type BranchResolver interface {
	DefaultBranch(ctx context.Context, fullName string) (string, error)
}

// HealthChecker reports whether the database is reachable.
type HealthChecker interface {
	Ping() error
}

// Dependencies are the services behind the HTTP API.
type Dependencies struct {
	Pipeline    Pipeline
	Transitions TransitionLog
	Reloads     Reloader
	Artifacts   Artifacts
	Webhooks    Webhooks
	Branches    BranchResolver
	Health      HealthChecker
	// Limiter admits API requests per client. Nil disables API limiting.
	Limiter *ratelimit.Limiter
}

// Settings carry request defaults and limits.
type Settings struct {
	DefaultRegion    string
	DefaultResources deployment.Resources
	// WebhookPerMinute is the per-IP token bucket for /webhooks/github.
	// Zero disables it.
	WebhookPerMinute int
}

// Server represents the HTTP server
type Server struct {
	Dependencies
	Settings Settings
	Logger   *slog.Logger
	Metrics  *observability.Metrics

	validate *validator.Validate
}

// NewServer creates a new server instance
func NewServer(deps Dependencies, settings Settings, logger *slog.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		Dependencies: deps,
		Settings:     settings,
		Logger:       logger,
		Metrics:      metrics,
		validate:     newValidator(),
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	if s.Limiter != nil {
		r.Use(NewRateLimitMiddleware(s.Limiter, s.Logger, s.Metrics))
	}

	r.Get("/health", s.HandleHealth)
	r.Handle("/metrics", s.Metrics.Handler())

	// Webhook route with stricter rate limit
	webhookRoute := r.With(middleware.Timeout(RequestTimeout))
	if s.Settings.WebhookPerMinute > 0 {
		webhookRoute = webhookRoute.With(NewWebhookRateLimitMiddleware(s.Settings.WebhookPerMinute, s.Logger, s.Metrics))
	}
	webhookRoute.Post("/webhooks/github", s.HandleWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(RequestTimeout))

			r.Post("/deployments", s.HandleCreateDeployment)
			r.Get("/deployments", s.HandleListDeployments)
			r.Get("/deployments/{id}", s.HandleGetDeployment)
			r.Get("/deployments/{id}/transitions", s.HandleTransitions)
			r.Post("/deployments/{id}/redeploy", s.HandleRedeploy)
			r.Post("/deployments/{id}/reload", s.HandleReload)
			r.Put("/deployments/{id}/repository", s.HandleLinkRepository)

			r.Get("/notebooks/{notebookID}/artifacts", s.HandleListArtifacts)
			r.Get("/notebooks/{notebookID}/artifacts/active", s.HandleActiveArtifact)
			r.Post("/notebooks/{notebookID}/artifacts/{version}/activate", s.HandleActivateArtifact)
		})

		// Uploads stream up to artifact.MaxSize and are bounded by the
		// server read timeout instead.
		r.Post("/notebooks/{notebookID}/artifacts", s.HandleUploadArtifact)
	})

	return r
}

// HTTPServer returns an http.Server for addr serving Router.
func (s *Server) HTTPServer(host string, port int) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           s.Router(),
		ReadHeaderTimeout: HTTPReadHeaderTimeout,
		ReadTimeout:       HTTPReadTimeout,
		WriteTimeout:      HTTPWriteTimeout,
		IdleTimeout:       HTTPIdleTimeout,
	}
}
