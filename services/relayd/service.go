// Package relayd assembles the relay daemon: identities, ledger client,
// dispatch engine, archive and HTTP gateway.
package relayd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"nhbrelay/config"
	"nhbrelay/gateway/middleware"
	"nhbrelay/gateway/routes"
	"nhbrelay/ledger"
	"nhbrelay/ledger/simledger"
	"nhbrelay/observability/logging"
	"nhbrelay/relay/dispatch"
	"nhbrelay/relay/pool"
	"nhbrelay/storage"
)

const shutdownTimeout = 10 * time.Second

// Option customises service assembly.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPassphrase supplies the keystore passphrase resolver.
func WithPassphrase(fn PassphraseFunc) Option {
	return func(s *Service) { s.passphrase = fn }
}

// WithLedger overrides the ledger client derived from configuration.
func WithLedger(client ledger.Client) Option {
	return func(s *Service) { s.client = client }
}

// Service is an assembled relay ready to serve.
type Service struct {
	cfg        config.Config
	logger     *slog.Logger
	passphrase PassphraseFunc

	client  ledger.Client
	archive storage.Archive
	engine  *dispatch.Engine
	handler http.Handler
	closers []io.Closer
}

// New wires every component described by cfg. The returned service owns the
// ledger connection and archive; call Close when done.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Service, error) {
	s := &Service{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	identities, err := LoadIdentities(cfg.Accounts, s.passphrase, s.logger)
	if err != nil {
		return nil, err
	}
	if len(identities) == 0 {
		s.logger.Warn("no identities loaded; submissions will be refused")
	}

	if s.client == nil {
		s.client = s.dialLedger(ctx)
	}
	if closer, ok := s.client.(io.Closer); ok {
		s.closers = append(s.closers, closer)
	}

	archive, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if archive != nil {
		s.archive = archive
		s.closers = append(s.closers, archive)
	}

	engineOpts := []dispatch.Option{
		dispatch.WithLogger(s.logger),
		dispatch.WithRetryPolicy(dispatch.RetryPolicy{
			Ceiling: cfg.Dispatch.RetryCeiling,
			Base:    cfg.Dispatch.BackoffBase.Duration,
			Cap:     cfg.Dispatch.BackoffCap.Duration,
		}),
		dispatch.WithRoundInterval(cfg.Dispatch.RoundInterval.Duration),
		dispatch.WithRateLimit(cfg.Dispatch.RateLimit),
		dispatch.WithFailQuarantinedPending(cfg.Dispatch.FailQuarantinedPending),
	}
	if s.archive != nil {
		engineOpts = append(engineOpts, dispatch.WithArchive(s.archive))
	}
	s.engine = dispatch.New(s.client, pool.New(identities...), engineOpts...)
	if cfg.Dispatch.PauseOnStart {
		s.engine.Pause()
	}

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Gateway.Auth.Enabled,
		HMACSecret: cfg.Gateway.Auth.HMACSecret,
		Issuer:     cfg.Gateway.Auth.Issuer,
		Audience:   cfg.Gateway.Auth.Audience,
	}, s.logger)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		routes.LimitSubmit: {RatePerSecond: cfg.Gateway.RateLimit.RatePerSecond, Burst: cfg.Gateway.RateLimit.Burst},
		routes.LimitRead:   {RatePerSecond: cfg.Gateway.ReadLimit.RatePerSecond, Burst: cfg.Gateway.ReadLimit.Burst},
	}, s.logger)
	s.handler = routes.New(routes.Config{
		Engine:        s.engine,
		Calls:         cfg.Gateway.Calls,
		Synchronous:   cfg.Gateway.Synchronous,
		SyncTimeout:   cfg.Gateway.SyncTimeout.Duration,
		Admin:         NewAdminServer(s.engine),
		Authenticator: auth,
		RateLimiter:   limiter,
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{LogRequests: cfg.Gateway.LogRequests}, s.logger),
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.Gateway.CORSOrigins},
		Logger:        s.logger,
	})

	s.logger.Info("relay assembled",
		slog.Int("identities", len(identities)),
		slog.String("url", cfg.Ledger.URL),
		logging.MaskPath("keys_file", cfg.Accounts.KeysFile),
		slog.Int("keystores", len(cfg.Accounts.Keystores)),
		slog.String("storage", cfg.Storage.Driver),
		logging.MaskField("ledger_auth_token", cfg.Ledger.AuthToken))
	return s, nil
}

func (s *Service) dialLedger(ctx context.Context) ledger.Client {
	if s.cfg.Ledger.Memory() {
		s.logger.Info("using in-process simulated ledger")
		return simledger.New()
	}
	opts := []ledger.WSOption{
		ledger.WithLogger(s.logger),
		ledger.WithFinality(s.cfg.Ledger.Finality),
	}
	if timeout := s.cfg.Ledger.EndpointTimeout.Duration; timeout > 0 {
		opts = append(opts, ledger.WithDialTimeout(timeout))
	}
	if token := s.cfg.Ledger.AuthToken; token != "" {
		opts = append(opts, ledger.WithAuthToken(token))
	}
	client := ledger.NewWSClient(s.cfg.Ledger.URL, opts...)
	chainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if chain, err := client.Chain(chainCtx); err != nil {
		// The client redials lazily; startup continues without a node.
		s.logger.Warn("ledger not reachable at startup", slog.String("url", s.cfg.Ledger.URL), slog.Any("error", err))
	} else {
		s.logger.Info("connected to node", slog.String("chain", chain))
	}
	return client
}

// Engine exposes the dispatch engine.
func (s *Service) Engine() *dispatch.Engine { return s.engine }

// Handler exposes the HTTP API.
func (s *Service) Handler() http.Handler { return s.handler }

// Run listens on the configured address and serves until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve seeds nonces, then runs the dispatch loop and the HTTP server on ln
// until ctx ends. In-flight submissions are abandoned on shutdown.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	s.engine.Seed(ctx)

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.Gateway.ReadTimeout.Duration,
		WriteTimeout:      s.cfg.Gateway.SyncTimeout.Duration + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.engine.Run(gctx)
	})
	g.Go(func() error {
		s.logger.Info("relay gateway listening", slog.String("listen", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
			return fmt.Errorf("shutdown http: %w", err)
		}
		return nil
	})
	err := g.Wait()
	s.logger.Info("relay stopped", slog.Int("queued", s.engine.Queue().Len()))
	return err
}

// Close releases the ledger connection and the archive.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
