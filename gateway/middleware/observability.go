package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"nhbrelay/observability"
)

// ObservabilityConfig toggles request logging.
type ObservabilityConfig struct {
	LogRequests bool
}

// Observability records per-route metrics and logs handled requests.
type Observability struct {
	cfg     ObservabilityConfig
	logger  *slog.Logger
	metrics *observability.GatewayMetrics
	now     func() time.Time
}

// NewObservability constructs the middleware on the shared gateway metrics.
func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observability{cfg: cfg, logger: logger, metrics: observability.Gateway(), now: time.Now}
}

// Middleware labels metrics with the matched chi route pattern.
func (o *Observability) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := o.now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		elapsed := o.now().Sub(start)
		o.metrics.Observe(route, recorder.status, elapsed)
		if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
			span.SetAttributes(attribute.String("http.route", route))
		}
		if o.cfg.LogRequests {
			o.logger.Info("request handled",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", recorder.status),
				slog.Duration("duration", elapsed))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
