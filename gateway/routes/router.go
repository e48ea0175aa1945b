// Package routes exposes the relay HTTP API.
package routes

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nhbrelay/core/types"
	"nhbrelay/gateway/middleware"
)

// Dispatcher is the slice of the dispatch engine the routes depend on.
type Dispatcher interface {
	Submit(call types.Call) (types.Transaction, error)
	SubmitAndWait(ctx context.Context, call types.Call) (types.Transaction, error)
	QueueSnapshot() []types.Transaction
	Lookup(ctx context.Context, id string) (types.Transaction, error)
	Recent(ctx context.Context, limit int) ([]types.Transaction, error)
}

// Config wires the router.
type Config struct {
	Engine Dispatcher
	// Calls, when non-empty, restricts submissions to the listed module methods.
	Calls map[string][]string
	// Synchronous makes POST /transaction wait for a terminal state by default.
	Synchronous bool
	SyncTimeout time.Duration

	Admin         http.Handler
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Metrics       http.Handler
	Logger        *slog.Logger
}

// Rate limit keys understood by the router.
const (
	LimitSubmit = "submit"
	LimitRead   = "read"
)

// New builds the gateway handler.
func New(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := &transactionRoutes{
		engine:      cfg.Engine,
		allow:       newAllowlist(cfg.Calls),
		synchronous: cfg.Synchronous,
		syncTimeout: cfg.SyncTimeout,
		logger:      logger,
	}
	if api.syncTimeout <= 0 {
		api.syncTimeout = defaultSyncTimeout
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Handle("/metrics", metrics)

	r.Group(func(sr chi.Router) {
		sr.Use(cfg.RateLimiter.Middleware(LimitSubmit))
		sr.Use(cfg.Authenticator.Middleware(middleware.ScopeSubmit))
		sr.Post("/transaction", api.submit)
	})
	r.Group(func(sr chi.Router) {
		sr.Use(cfg.RateLimiter.Middleware(LimitRead))
		sr.Use(cfg.Authenticator.Middleware(middleware.ScopeRead))
		sr.Get("/queue", api.queue)
		sr.Get("/transaction/{id}", api.lookup)
		sr.Get("/transactions", api.recent)
	})
	if cfg.Admin != nil {
		r.Group(func(sr chi.Router) {
			sr.Use(cfg.Authenticator.Middleware(middleware.ScopeAdmin))
			sr.Mount("/admin", cfg.Admin)
		})
	}

	return otelhttp.NewHandler(r, "relay-gateway")
}
