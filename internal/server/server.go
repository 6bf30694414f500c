// ABOUTME: Warden server wiring config, store, coordinator, HTTP API and gRPC health
// ABOUTME: Supervises every component with an errgroup and shuts down gracefully on cancel

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-warden/internal/api"
	"github.com/2389/coven-warden/internal/auth"
	"github.com/2389/coven-warden/internal/config"
	"github.com/2389/coven-warden/internal/coordinator"
	"github.com/2389/coven-warden/internal/metrics"
	"github.com/2389/coven-warden/internal/recovery"
	"github.com/2389/coven-warden/internal/store"
)

// ServiceName is the grpc.health.v1 service the warden reports on, in
// addition to the overall "" service.
const ServiceName = "coven.warden"

// Server runs one warden instance.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	coord   *coordinator.Coordinator
	metrics *metrics.Metrics

	httpServer *http.Server
	grpcServer *grpc.Server
	grpcHealth *grpchealth.Server

	statusInterval time.Duration
	ready          chan struct{}

	// set before ready is closed
	httpAddr string
	grpcAddr string
}

// Option configures a Server.
type Option func(*Server)

// WithStore uses st instead of opening the configured database.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithStatusInterval sets how often the gRPC serving status is refreshed
// from the coordinator's degraded flag.
func WithStatusInterval(d time.Duration) Option {
	return func(s *Server) { s.statusInterval = d }
}

// New builds a server from cfg. The store is opened here; Run closes it.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:            cfg,
		logger:         logger,
		statusInterval: time.Second,
		ready:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		st, err := OpenStore(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		s.store = st
	}

	if cfg.Metrics.Enabled {
		s.metrics = metrics.New()
	}

	s.coord = coordinator.New(coordinatorConfig(cfg), s.store,
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(s.metrics),
		coordinator.WithNotifier(newNotifier(cfg.Recovery, logger)),
	)

	apiOpts := []api.Option{api.WithLogger(logger)}
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = s.store.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		apiOpts = append(apiOpts, api.WithAuth(verifier))
		logger.Info("bearer auth enabled on /api")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	mux := http.NewServeMux()
	api.New(s.coord, apiOpts...).Register(mux)
	if s.metrics != nil {
		mux.Handle("GET "+cfg.Metrics.Path, s.metrics.Handler())
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		s.grpcServer = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    15 * time.Second,
				Timeout: 5 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             5 * time.Second,
				PermitWithoutStream: true,
			}),
		)
		s.grpcHealth = grpchealth.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.grpcHealth)
	}

	return s, nil
}

// coordinatorConfig maps the file configuration onto coordinator tuning.
func coordinatorConfig(cfg *config.Config) coordinator.Config {
	return coordinator.Config{
		HeartbeatInterval:   cfg.Agents.HeartbeatInterval,
		MissedThreshold:     cfg.Agents.MissedThreshold,
		EmergencyThreshold:  cfg.Agents.EmergencyThreshold,
		HeartbeatRetention:  cfg.Agents.HeartbeatRetention,
		MonitorInterval:     cfg.Coordinator.MonitorInterval,
		OptimizeInterval:    cfg.Coordinator.OptimizeInterval,
		HealthWindow:        cfg.Coordinator.HealthWindow,
		CriticalThreshold:   cfg.Health.CriticalThreshold,
		TargetResponseMS:    cfg.Health.TargetResponseMS,
		MaxRecoveryAttempts: cfg.Recovery.MaxAttempts,
		VerifyTimeout:       cfg.Recovery.VerifyTimeout,
		StoreTimeout:        cfg.Database.Timeout,
		StoreRetries:        cfg.Database.Retries,
		RetryInterval:       cfg.Database.RetryInterval,
	}
}

func newNotifier(cfg config.RecoveryConfig, logger *slog.Logger) recovery.Notifier {
	notifiers := recovery.MultiNotifier{recovery.NewLogNotifier(logger)}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, recovery.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookTimeout, logger))
	}
	return notifiers
}

// Coordinator exposes the running coordinator.
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coord
}

// Ready is closed once listeners are bound and static agents registered.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// HTTPAddr is the bound HTTP address. Valid after Ready.
func (s *Server) HTTPAddr() string {
	return s.httpAddr
}

// GRPCAddr is the bound gRPC address, empty when gRPC is disabled. Valid after Ready.
func (s *Server) GRPCAddr() string {
	return s.grpcAddr
}

// setupListeners binds the HTTP and optional gRPC listeners.
func (s *Server) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	httpLn, err = net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	s.httpAddr = httpLn.Addr().String()

	if s.grpcServer == nil {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", s.cfg.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	s.grpcAddr = grpcLn.Addr().String()
	return grpcLn, httpLn, nil
}

// Run starts the coordinator, registers static agents, then serves until
// ctx is cancelled or a component fails. It closes the store before returning.
func (s *Server) Run(ctx context.Context) error {
	grpcLn, httpLn, err := s.setupListeners()
	if err != nil {
		_ = s.store.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.coord.Run(gctx); err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}
		return nil
	})

	s.registerStatic(gctx)

	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", s.httpAddr)
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if grpcLn != nil {
		g.Go(func() error {
			s.logger.Info("gRPC server listening", "addr", s.grpcAddr)
			if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
		g.Go(func() error { return s.watchStatus(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("context canceled, initiating shutdown")
		return s.gracefulShutdown()
	})
	close(s.ready)

	runErr := g.Wait()
	if err := s.store.Close(); err != nil {
		s.logger.Error("closing store", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("store close: %w", err)
		}
	}
	return runErr
}

// registerStatic registers configured agents one at a time. Agents that
// already exist keep their persisted state.
func (s *Server) registerStatic(ctx context.Context) {
	for _, a := range s.cfg.Agents.Static {
		_, err := s.coord.RegisterAgent(ctx, coordinator.Descriptor{
			ID:           a.ID,
			Name:         a.Name,
			Capabilities: a.Capabilities,
			Metadata:     a.Metadata,
		})
		switch {
		case err == nil:
			s.logger.Info("registered static agent", "agent_id", a.ID)
		case errors.Is(err, store.ErrDuplicateAgentID):
			s.logger.Debug("static agent already registered", "agent_id", a.ID)
		case ctx.Err() != nil:
			return
		default:
			s.logger.Warn("static agent registration failed", "agent_id", a.ID, "error", err)
		}
	}
}

// watchStatus mirrors the coordinator's degraded flag into grpc.health.v1.
func (s *Server) watchStatus(ctx context.Context) error {
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if s.coord.Degraded() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if status != last {
			s.grpcHealth.SetServingStatus("", status)
			s.grpcHealth.SetServingStatus(ServiceName, status)
			s.logger.Info("grpc serving status", "status", status.String())
			last = status
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// gracefulShutdown stops the servers with a fresh context, since the run
// context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if s.grpcServer != nil {
		s.grpcHealth.Shutdown()
		s.shutdownGRPCServer(ctx)
	}
	return errors.Join(errs...)
}

// shutdownGRPCServer stops gracefully, or forcibly once ctx expires.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}
