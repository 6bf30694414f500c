// ABOUTME: HTTP API for dashboards, RAG collaborators, remote agents and operators
// ABOUTME: Read endpoints plus register/heartbeat/metric intents routed to the coordinator

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/coven-warden/internal/auth"
	"github.com/2389/coven-warden/internal/coordinator"
	"github.com/2389/coven-warden/internal/lifecycle"
	"github.com/2389/coven-warden/internal/recovery"
	"github.com/2389/coven-warden/internal/store"
)

// Coordinator is the subset of *coordinator.Coordinator the API serves.
type Coordinator interface {
	RegisterAgent(ctx context.Context, d coordinator.Descriptor) (*coordinator.Registration, error)
	ReceiveHeartbeat(ctx context.Context, agentID string, hb coordinator.Heartbeat) (coordinator.Ack, error)
	RecordMetric(ctx context.Context, agentID string, s coordinator.MetricSample) error

	ListAgents(ctx context.Context) ([]*store.AgentRecord, error)
	GetAgent(ctx context.Context, agentID string) (*store.AgentRecord, error)
	Heartbeats(ctx context.Context, agentID string, since, until time.Time) ([]*store.HeartbeatRecord, error)
	RecentEvents(ctx context.Context, filter store.EventFilter) ([]*store.SystemEvent, error)
	SubscribeEvents(ctx context.Context, agentID string) <-chan *store.SystemEvent
	RecentRecoveries(ctx context.Context, agentID string, limit int) ([]*store.RecoveryAction, error)
	HealthSummary(ctx context.Context) (coordinator.Summary, error)
	RecoveryStats() recovery.Stats
	Degraded() bool

	Recover(ctx context.Context, agentID string, issue recovery.Issue) (*store.RecoveryAction, error)
	SendCommand(ctx context.Context, agentID string, cmdType lifecycle.CommandType, reason string) (lifecycle.Command, error)
	PendingCommands(agentID string) []lifecycle.Command
}

// Server serves the warden HTTP API.
type Server struct {
	coord    Coordinator
	verifier auth.TokenVerifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithAuth requires a bearer token on every /api route.
func WithAuth(v auth.TokenVerifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock replaces time.Now for default query windows.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates an API server over coord.
func New(coord Coordinator, opts ...Option) *Server {
	s := &Server{
		coord:  coord,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// Register mounts every route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	protect := func(h http.HandlerFunc) http.Handler { return h }
	operator := protect
	if s.verifier != nil {
		authn := auth.HTTPAuthMiddleware(s.verifier)
		gate := auth.RequireOperatorHTTP()
		protect = func(h http.HandlerFunc) http.Handler { return authn(h) }
		operator = func(h http.HandlerFunc) http.Handler { return authn(gate(h)) }
	}

	// Agent intents. Agent tokens may only act for their own id.
	mux.Handle("POST /api/agents", protect(s.handleRegister))
	mux.Handle("POST /api/agents/{id}/heartbeat", protect(s.handleHeartbeat))
	mux.Handle("POST /api/agents/{id}/metrics", protect(s.handleMetric))

	// Reads.
	mux.Handle("GET /api/agents", operator(s.handleListAgents))
	mux.Handle("GET /api/agents/{id}", operator(s.handleGetAgent))
	mux.Handle("GET /api/agents/{id}/heartbeats", operator(s.handleHeartbeats))
	mux.Handle("GET /api/health", operator(s.handleSummary))
	mux.Handle("GET /api/events", operator(s.handleEvents))
	mux.Handle("GET /api/events/stream", operator(s.handleEventStream))
	mux.Handle("GET /api/recoveries", operator(s.handleRecoveries))
	mux.Handle("GET /api/recoveries/stats", operator(s.handleRecoveryStats))

	// Operator intents.
	mux.Handle("POST /api/agents/{id}/recover", operator(s.handleRecover))
	mux.Handle("POST /api/agents/{id}/commands", operator(s.handleSendCommand))
	mux.Handle("GET /api/agents/{id}/commands", operator(s.handlePendingCommands))
}

// Handler returns a mux with every route mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady fails while the coordinator is running without its store.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.coord.Degraded() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("DEGRADED"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}
