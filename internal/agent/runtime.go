// ABOUTME: Lifecycle runtime embedded in every worker agent
// ABOUTME: Registers, heartbeats before each cycle, maps work kinds to states and obeys coordinator commands

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/coven-warden/internal/coordinator"
	"github.com/2389/coven-warden/internal/lifecycle"
	"github.com/2389/coven-warden/internal/store"
)

// errShutdown ends Run after a coordinator shutdown command.
var errShutdown = errors.New("agent shut down by coordinator")

// Coordinator is the runtime's view of the warden. *coordinator.Coordinator
// satisfies it in-process and agentclient.Client over HTTP.
type Coordinator interface {
	RegisterAgent(ctx context.Context, d coordinator.Descriptor) (*coordinator.Registration, error)
	ReceiveHeartbeat(ctx context.Context, agentID string, hb coordinator.Heartbeat) (coordinator.Ack, error)
}

// Config controls one runtime.
type Config struct {
	Descriptor coordinator.Descriptor
	// CycleInterval overrides the heartbeat interval handed out at registration.
	CycleInterval time.Duration
	// MaxRetries bounds ERROR -> RECOVERING transitions between healthy cycles.
	MaxRetries       int
	QueueSize        int
	HeartbeatTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	return c
}

// Stats is a snapshot of runtime counters.
type Stats struct {
	State             lifecycle.State `json:"state"`
	Cycles            int64           `json:"cycles"`
	Errors            int64           `json:"errors"`
	RecoveryAttempts  int             `json:"recovery_attempts"`
	QueuedHeartbeats  int             `json:"queued_heartbeats"`
	DroppedHeartbeats int64           `json:"dropped_heartbeats"`
}

// Runtime drives one worker through the agent lifecycle.
type Runtime struct {
	cfg    Config
	worker Worker
	coord  Coordinator
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      lifecycle.State
	registered bool
	paused     bool
	attempts   int
	cycles     int64
	errors     int64
	metrics    map[string]float64
	commands   []lifecycle.Command
	queue      *heartbeatQueue
	interval   time.Duration
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithClock replaces time.Now for heartbeat timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// New creates a runtime for w reporting to coord.
func New(cfg Config, w Worker, coord Coordinator, opts ...Option) *Runtime {
	cfg = cfg.withDefaults()
	r := &Runtime{
		cfg:      cfg,
		worker:   w,
		coord:    coord,
		logger:   slog.Default(),
		now:      time.Now,
		state:    lifecycle.StateRegistering,
		metrics:  make(map[string]float64),
		queue:    newHeartbeatQueue(cfg.QueueSize),
		interval: cfg.CycleInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "agent", "agent_id", cfg.Descriptor.ID)
	return r
}

// State returns the runtime's current local state.
func (r *Runtime) State() lifecycle.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns a snapshot of the counters.
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		State:             r.state,
		Cycles:            r.cycles,
		Errors:            r.errors,
		RecoveryAttempts:  r.attempts,
		QueuedHeartbeats:  r.queue.len(),
		DroppedHeartbeats: r.queue.dropped,
	}
}

// Run registers, initializes and cycles until ctx is cancelled or the
// coordinator orders a shutdown. A final SHUTDOWN heartbeat is always attempted.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.start(ctx); err != nil {
		return err
	}
	defer r.shutdown()

	ticker := time.NewTicker(r.cycleInterval())
	defer ticker.Stop()

	for {
		if err := r.cycle(ctx); err != nil {
			if errors.Is(err, errShutdown) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runtime) cycleInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interval <= 0 {
		return time.Minute
	}
	return r.interval
}

// start registers with the coordinator and initializes the worker.
func (r *Runtime) start(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return err
	}
	r.initialize(ctx)
	return nil
}

// register retries transient failures with exponential backoff. An agent id
// the coordinator already knows is a restart of this agent, so it rejoins.
func (r *Runtime) register(ctx context.Context) error {
	var reg *coordinator.Registration
	op := func() error {
		var err error
		reg, err = r.coord.RegisterAgent(ctx, r.cfg.Descriptor)
		switch {
		case errors.Is(err, store.ErrDuplicateAgentID):
			reg = nil
			return nil
		case errors.Is(err, coordinator.ErrInvalidDescriptor):
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("registration failed, retrying", "error", err, "retry_in", wait)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx), notify)
	if err != nil {
		return fmt.Errorf("registering %s: %w", r.cfg.Descriptor.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = true
	r.state = lifecycle.StateInitializing
	if reg == nil {
		r.logger.Info("rejoining under existing registration")
		return nil
	}
	if r.interval <= 0 {
		r.interval = reg.HeartbeatInterval
	}
	r.logger.Info("registered", "heartbeat_interval", reg.HeartbeatInterval)
	return nil
}

// initialize runs Worker.Initialize and settles on ACTIVE or ERROR.
func (r *Runtime) initialize(ctx context.Context) bool {
	if err := r.worker.Initialize(ctx); err != nil {
		r.logger.Error("initialization failed", "error", err)
		r.setState(lifecycle.StateError)
		return false
	}
	r.setState(lifecycle.StateActive)
	return true
}

func (r *Runtime) setState(to lifecycle.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == to {
		return
	}
	if err := lifecycle.Validate(r.state, to); err != nil {
		// SILENT is never local, so every runtime move is in the table.
		r.logger.Error("refusing local transition", "error", err)
		return
	}
	r.logger.Info("state changed", "from", r.state, "to", to)
	r.state = to
}

// cycle is one iteration: commands, heartbeat, then work.
func (r *Runtime) cycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	needsRegistration := !r.registered
	r.mu.Unlock()
	if needsRegistration {
		if err := r.start(ctx); err != nil {
			return err
		}
	}

	if err := r.applyCommands(ctx); err != nil {
		return err
	}

	r.heartbeat(ctx)

	r.mu.Lock()
	state, paused := r.state, r.paused
	r.mu.Unlock()
	if paused || !state.Operational() {
		return nil
	}

	r.work(ctx)
	return nil
}

// heartbeat replays queued heartbeats, then sends the current one. Failures
// are queued and never block the cycle beyond the heartbeat timeout.
func (r *Runtime) heartbeat(ctx context.Context) {
	r.mu.Lock()
	r.queue.push(r.snapshotLocked())
	r.mu.Unlock()

	for {
		r.mu.Lock()
		hb, ok := r.queue.peek()
		r.mu.Unlock()
		if !ok {
			return
		}

		hctx, cancel := context.WithTimeout(ctx, r.cfg.HeartbeatTimeout)
		ack, err := r.coord.ReceiveHeartbeat(hctx, r.cfg.Descriptor.ID, hb)
		cancel()

		switch {
		case err == nil:
			r.mu.Lock()
			r.queue.pop()
			r.commands = append(r.commands, ack.Commands...)
			r.mu.Unlock()

		case errors.Is(err, store.ErrHeartbeatStale),
			errors.Is(err, coordinator.ErrInvalidHeartbeat),
			errors.Is(err, lifecycle.ErrInvalidStateTransition):
			r.logger.Error("heartbeat rejected", "state", hb.State, "error", err)
			r.mu.Lock()
			r.queue.pop()
			r.commands = append(r.commands, ack.Commands...)
			r.mu.Unlock()

		case errors.Is(err, store.ErrNotFound), errors.Is(err, coordinator.ErrAgentShutdown):
			// The coordinator lost or retired this agent; register again next cycle.
			r.logger.Warn("coordinator does not consider this agent live, re-registering", "error", err)
			r.mu.Lock()
			r.registered = false
			r.mu.Unlock()
			return

		default:
			r.mu.Lock()
			queued := r.queue.len()
			r.mu.Unlock()
			r.logger.Warn("heartbeat not delivered, queued for next cycle", "queued", queued, "error", err)
			return
		}
	}
}

// snapshotLocked builds a heartbeat from the current local state.
func (r *Runtime) snapshotLocked() coordinator.Heartbeat {
	m := make(map[string]float64, len(r.metrics))
	for k, v := range r.metrics {
		m[k] = v
	}
	return coordinator.Heartbeat{
		Timestamp:  r.now(),
		State:      r.state,
		Metrics:    m,
		ErrorCount: r.errors,
		CycleCount: r.cycles,
	}
}

// work runs one DoWork and applies its outcome.
func (r *Runtime) work(ctx context.Context) {
	started := time.Now()
	res := r.doWork(ctx)
	elapsed := time.Since(started)

	r.mu.Lock()
	r.cycles++
	for k, v := range res.Metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			// JSON cannot carry it and the coordinator would reject the heartbeat.
			r.logger.Warn("dropping non-finite metric", "metric", k, "value", v)
			delete(r.metrics, k)
			continue
		}
		r.metrics[k] = v
	}
	if v, reported := res.Metrics["response_time_ms"]; !reported || math.IsNaN(v) || math.IsInf(v, 0) {
		r.metrics["response_time_ms"] = float64(elapsed) / float64(time.Millisecond)
	}
	r.mu.Unlock()

	kind := res.Kind
	if kind == WorkTransient {
		r.countError()
		kind = r.worker.HandleError(ctx, res)
		r.logger.Warn("work cycle failed", "error", res.Err, "handled_as", kind)
	}

	switch kind {
	case WorkOK:
		r.setState(lifecycle.StateActive)
		r.mu.Lock()
		r.attempts = 0
		r.mu.Unlock()
	case WorkIdle:
		r.setState(lifecycle.StateStandby)
	case WorkWatching:
		r.setState(lifecycle.StateMonitoring)
	case WorkTransient:
	case WorkFatal:
		if res.Kind == WorkFatal {
			r.countError()
		}
		r.logger.Error("work cycle failed fatally", "error", res.Err)
		r.setState(lifecycle.StateError)
	}
}

func (r *Runtime) countError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors++
}

// doWork converts a panic into a fatal result.
func (r *Runtime) doWork(ctx context.Context) (res WorkResult) {
	defer func() {
		if p := recover(); p != nil {
			res = WorkResult{Kind: WorkFatal, Err: fmt.Errorf("%w: %v", ErrWorkPanic, p)}
		}
	}()
	return r.worker.DoWork(ctx)
}

// applyCommands executes commands received in earlier acknowledgements.
func (r *Runtime) applyCommands(ctx context.Context) error {
	r.mu.Lock()
	cmds := r.commands
	r.commands = nil
	r.mu.Unlock()

	for _, cmd := range cmds {
		logger := r.logger.With("command", cmd.Type, "command_id", cmd.ID)
		switch cmd.Type {
		case lifecycle.CommandRestart:
			r.restart(ctx, logger)

		case lifecycle.CommandClearCache:
			if cc, ok := r.worker.(CacheClearer); ok {
				if err := cc.ClearCache(ctx); err != nil {
					logger.Error("clear cache failed", "error", err)
					continue
				}
			}
			logger.Info("cache cleared")

		case lifecycle.CommandCheckpoint:
			if cp, ok := r.worker.(Checkpointer); ok {
				if err := cp.Checkpoint(ctx); err != nil {
					logger.Error("checkpoint failed", "error", err)
					continue
				}
			}
			logger.Info("checkpoint written")

		case lifecycle.CommandStandby:
			r.mu.Lock()
			r.paused = true
			r.mu.Unlock()
			if r.State().Operational() {
				r.setState(lifecycle.StateStandby)
			}
			logger.Info("paused by coordinator")

		case lifecycle.CommandResume:
			r.mu.Lock()
			r.paused = false
			r.mu.Unlock()
			if r.State() == lifecycle.StateStandby {
				r.setState(lifecycle.StateActive)
			}
			logger.Info("resumed by coordinator")

		case lifecycle.CommandShutdown:
			logger.Info("shutdown ordered", "reason", cmd.Reason)
			return errShutdown

		default:
			logger.Warn("ignoring unknown command")
		}
	}
	return nil
}

// restart re-initializes the worker. From ERROR it passes through RECOVERING
// and counts against MaxRetries.
func (r *Runtime) restart(ctx context.Context, logger *slog.Logger) {
	state := r.State()
	if state == lifecycle.StateError {
		r.mu.Lock()
		if r.attempts >= r.cfg.MaxRetries {
			r.mu.Unlock()
			logger.Error("retry budget spent, waiting for operator", "attempts", r.cfg.MaxRetries)
			return
		}
		r.attempts++
		attempt := r.attempts
		r.mu.Unlock()

		r.setState(lifecycle.StateRecovering)
		logger.Info("recovering", "attempt", attempt)
	}

	if r.initialize(ctx) {
		r.mu.Lock()
		r.paused = false
		r.mu.Unlock()
		logger.Info("restarted")
	}
}

// shutdown reports SHUTDOWN on the way out, even after ctx is cancelled.
func (r *Runtime) shutdown() {
	r.setState(lifecycle.StateShutdown)

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HeartbeatTimeout)
	defer cancel()
	r.mu.Lock()
	hb := r.snapshotLocked()
	r.mu.Unlock()
	if _, err := r.coord.ReceiveHeartbeat(ctx, r.cfg.Descriptor.ID, hb); err != nil {
		r.logger.Warn("final heartbeat not delivered", "error", err)
		return
	}
	r.logger.Info("shut down")
}
