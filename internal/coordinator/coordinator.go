// ABOUTME: Coordinator is the single authority over agent state and the audit log
// ABOUTME: Serializes registrations, applies reported states and supervises the background loops

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-warden/internal/dedupe"
	"github.com/2389/coven-warden/internal/events"
	"github.com/2389/coven-warden/internal/health"
	"github.com/2389/coven-warden/internal/lifecycle"
	"github.com/2389/coven-warden/internal/metrics"
	"github.com/2389/coven-warden/internal/recovery"
	"github.com/2389/coven-warden/internal/store"
)

var (
	// ErrStopped is returned when the coordinator is not running.
	ErrStopped = errors.New("coordinator stopped")
	// ErrInvalidDescriptor is returned for registrations missing required fields.
	ErrInvalidDescriptor = errors.New("invalid agent descriptor")
	// ErrInvalidHeartbeat is returned for heartbeats carrying unusable data.
	ErrInvalidHeartbeat = errors.New("invalid heartbeat")
	// ErrAgentShutdown is returned for heartbeats from an agent whose record
	// has reached SHUTDOWN. The agent must register again to rejoin.
	ErrAgentShutdown = errors.New("agent has shut down")
)

// conflictRetries bounds reload-and-retry loops after a compare-and-set miss.
const conflictRetries = 3

// Descriptor is what an agent presents when it registers.
type Descriptor struct {
	ID           string            `json:"agent_id"`
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (d Descriptor) validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidDescriptor)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	return nil
}

// Registration acknowledges a registered agent.
type Registration struct {
	Agent             *store.AgentRecord `json:"agent"`
	HeartbeatInterval time.Duration      `json:"heartbeat_interval"`
}

// Heartbeat is a liveness report as sent by an agent.
type Heartbeat struct {
	Timestamp  time.Time          `json:"timestamp"`
	State      lifecycle.State    `json:"state"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	ErrorCount int64              `json:"error_count"`
	CycleCount int64              `json:"cycle_count"`
}

// Ack answers an accepted heartbeat.
type Ack struct {
	AgentID string `json:"agent_id"`
	// State is the persisted state after the heartbeat was applied.
	State         lifecycle.State     `json:"state"`
	Commands      []lifecycle.Command `json:"commands,omitempty"`
	NextHeartbeat time.Duration       `json:"next_heartbeat"`
}

type registrationRequest struct {
	ctx   context.Context
	desc  Descriptor
	reply chan registrationResult
}

type registrationResult struct {
	reg *Registration
	err error
}

// Coordinator owns every agent state write. The recovery engine and the
// monitoring loops reach the store through it.
type Coordinator struct {
	cfg      Config
	store    store.Store
	calc     *health.Calculator
	engine   *recovery.Engine
	actuator *CommandActuator
	notifier recovery.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	// override replaces the command actuator for the recovery engine
	override recovery.Actuator

	registrations chan registrationRequest
	stopped       chan struct{}
	stopOnce      sync.Once
	running       atomic.Bool

	cache  *cache
	alerts *dedupe.Cache
	events *events.Broadcaster

	degraded    atomic.Bool
	resumedAt   atomic.Int64 // unix nanos of the last exit from degraded mode
	reconnectCh chan struct{}
	pendingMu   sync.Mutex
	pending     []*store.SystemEvent

	mu         sync.Mutex
	runCtx     context.Context
	recoveries sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithNotifier sets where exhausted incidents and store outages escalate.
func WithNotifier(n recovery.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithActuator replaces the heartbeat command mailbox as the recovery actuator.
func WithActuator(a recovery.Actuator) Option {
	return func(c *Coordinator) { c.override = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a coordinator over st. Call Run to start it.
func New(cfg Config, st store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:           cfg.withDefaults(),
		store:         st,
		logger:        slog.Default(),
		now:           time.Now,
		registrations: make(chan registrationRequest),
		stopped:       make(chan struct{}),
		cache:         newCache(),
		reconnectCh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "coordinator")
	c.events = events.NewBroadcaster(c.logger)
	if c.notifier == nil {
		c.notifier = recovery.NewLogNotifier(c.logger)
	}

	c.calc = health.NewCalculator(health.Config{TargetResponseMS: c.cfg.TargetResponseMS})
	c.alerts = dedupe.New(c.cfg.EmergencyThreshold+c.cfg.HeartbeatRetention, 10000, 0, dedupe.WithClock(c.now))
	c.actuator = NewCommandActuator(c.cfg.VerifyTimeout, c.pingStore, c.now)

	var act recovery.Actuator = c.actuator
	if c.override != nil {
		act = c.override
	}
	c.engine = recovery.NewEngine(recovery.Config{
		MaxAttempts:   c.cfg.MaxRecoveryAttempts,
		ActionTimeout: c.cfg.VerifyTimeout + c.cfg.StoreTimeout,
	}, act, c, c.notifier,
		recovery.WithObserver(c.metrics),
		recovery.WithClock(c.now),
		recovery.WithLogger(c.logger),
	)
	return c
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Actuator exposes the command mailbox, for operator commands.
func (c *Coordinator) Actuator() *CommandActuator {
	return c.actuator
}

// Run processes registrations and drives the monitor, optimize and store
// reconnect loops until ctx is cancelled. It waits for running recoveries.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("coordinator already running")
	}
	defer c.stopOnce.Do(func() { close(c.stopped) })

	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	c.logger.Info("coordinator started",
		"heartbeat_interval", c.cfg.HeartbeatInterval,
		"silent_threshold", c.cfg.SilentThreshold(),
		"emergency_threshold", c.cfg.EmergencyThreshold,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.consumeRegistrations(gctx) })
	g.Go(func() error { return c.every(gctx, c.cfg.MonitorInterval, "monitor", c.CheckLiveness) })
	g.Go(func() error { return c.every(gctx, c.cfg.OptimizeInterval, "optimize", c.Optimize) })
	g.Go(func() error { return c.reconnectLoop(gctx) })
	err := g.Wait()

	c.mu.Lock()
	c.runCtx = nil
	c.mu.Unlock()
	c.recoveries.Wait()
	c.events.Close()

	c.logger.Info("coordinator stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coordinator) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("background pass failed", "loop", name, "error", err)
			}
		}
	}
}

// RegisterAgent registers an agent. Registrations are processed one at a
// time in arrival order. Run must be active.
func (c *Coordinator) RegisterAgent(ctx context.Context, d Descriptor) (*Registration, error) {
	if err := d.validate(); err != nil {
		c.metrics.Registration("invalid")
		return nil, err
	}
	if c.degraded.Load() {
		c.metrics.Registration("refused")
		return nil, fmt.Errorf("%w: registrations are refused while degraded", store.ErrStoreUnavailable)
	}

	req := registrationRequest{ctx: ctx, desc: d, reply: make(chan registrationResult, 1)}
	select {
	case c.registrations <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopped:
		return nil, ErrStopped
	}

	select {
	case res := <-req.reply:
		return res.reg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) consumeRegistrations(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-c.registrations:
			reg, err := c.register(req.ctx, req.desc)
			req.reply <- registrationResult{reg: reg, err: err}
		}
	}
}

func (c *Coordinator) register(ctx context.Context, d Descriptor) (*Registration, error) {
	if c.degraded.Load() {
		c.metrics.Registration("refused")
		return nil, fmt.Errorf("%w: registrations are refused while degraded", store.ErrStoreUnavailable)
	}

	now := c.now()
	rec := &store.AgentRecord{
		ID:             d.ID,
		Name:           d.Name,
		Capabilities:   append([]string(nil), d.Capabilities...),
		Metadata:       d.Metadata,
		RegisteredAt:   now,
		State:          lifecycle.StateRegistering,
		StateChangedAt: now,
	}

	err := c.do(ctx, "register_agent", func(ctx context.Context) error {
		return c.store.RegisterAgent(ctx, rec)
	})
	switch {
	case errors.Is(err, store.ErrDuplicateAgentID):
		if existing, lerr := c.loadAgent(ctx, d.ID); lerr == nil && existing.State.Terminal() {
			return c.rejoin(ctx, existing)
		}
		c.metrics.Registration("duplicate")
		return nil, fmt.Errorf("registering agent %s: %w", d.ID, err)
	case err != nil:
		c.metrics.Registration("error")
		return nil, fmt.Errorf("registering agent %s: %w", d.ID, err)
	}
	c.cache.putAgent(rec)

	c.emit(ctx, store.EventAgentRegistered, store.SeverityInfo, d.ID, map[string]any{
		"name":         d.Name,
		"capabilities": rec.Capabilities,
	})

	// The acknowledgement itself moves the agent on to INITIALIZING.
	if err := c.applyTransition(ctx, rec, lifecycle.StateInitializing, "registration acknowledged"); err != nil {
		c.metrics.Registration("error")
		return nil, err
	}

	c.metrics.Registration("ok")
	c.logger.Info("agent registered", "agent_id", d.ID, "name", d.Name)
	return &Registration{Agent: rec.Clone(), HeartbeatInterval: c.cfg.HeartbeatInterval}, nil
}

// rejoin starts a new lifecycle for an agent whose previous run ended in
// SHUTDOWN. The record keeps its id, descriptor and history.
func (c *Coordinator) rejoin(ctx context.Context, agent *store.AgentRecord) (*Registration, error) {
	at := c.now()
	err := c.do(ctx, "update_state", func(ctx context.Context) error {
		return c.store.UpdateState(ctx, agent.ID, lifecycle.StateShutdown, lifecycle.StateRegistering, at)
	})
	if err != nil {
		c.metrics.Registration("error")
		return nil, fmt.Errorf("rejoining agent %s: %w", agent.ID, err)
	}
	agent.State = lifecycle.StateRegistering
	agent.StateChangedAt = at
	c.cache.putAgent(agent)
	c.alerts.Forget(silentKey(agent.ID))
	c.engine.Reset(agent.ID)

	c.emit(ctx, store.EventAgentRegistered, store.SeverityInfo, agent.ID, map[string]any{
		"name":         agent.Name,
		"capabilities": agent.Capabilities,
		"rejoined":     true,
	})
	if err := c.applyTransition(ctx, agent, lifecycle.StateInitializing, "registration acknowledged"); err != nil {
		c.metrics.Registration("error")
		return nil, err
	}

	c.metrics.Registration("rejoined")
	c.logger.Info("agent rejoined after shutdown", "agent_id", agent.ID)
	return &Registration{Agent: agent.Clone(), HeartbeatInterval: c.cfg.HeartbeatInterval}, nil
}

// ReceiveHeartbeat records a heartbeat, reconciles the reported state with
// the persisted one and returns any queued commands.
func (c *Coordinator) ReceiveHeartbeat(ctx context.Context, agentID string, hb Heartbeat) (Ack, error) {
	if c.degraded.Load() {
		c.metrics.Heartbeat("refused")
		return Ack{}, fmt.Errorf("%w: heartbeats are refused while degraded", store.ErrStoreUnavailable)
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = c.now()
	}
	if !hb.State.Valid() || hb.State == lifecycle.StateSilent {
		c.metrics.Heartbeat("invalid")
		return Ack{}, fmt.Errorf("%w: agent cannot report state %q", ErrInvalidHeartbeat, hb.State)
	}
	if hb.ErrorCount < 0 || hb.CycleCount < 0 {
		c.metrics.Heartbeat("invalid")
		return Ack{}, fmt.Errorf("%w: negative counters", ErrInvalidHeartbeat)
	}
	for name, v := range hb.Metrics {
		if !finite(v) {
			c.metrics.Heartbeat("invalid")
			return Ack{}, fmt.Errorf("%w: metric %s is not a finite number", ErrInvalidHeartbeat, name)
		}
	}

	rec := &store.HeartbeatRecord{
		AgentID:       agentID,
		Timestamp:     hb.Timestamp,
		ReportedState: hb.State,
		Metrics:       hb.Metrics,
		ErrorCount:    hb.ErrorCount,
		CycleCount:    hb.CycleCount,
	}
	err := c.do(ctx, "record_heartbeat", func(ctx context.Context) error {
		return c.store.RecordHeartbeat(ctx, rec)
	})
	switch {
	case errors.Is(err, store.ErrHeartbeatStale):
		c.metrics.Heartbeat("stale")
		return Ack{}, fmt.Errorf("heartbeat from %s: %w", agentID, err)
	case err != nil:
		c.metrics.Heartbeat("error")
		return Ack{}, fmt.Errorf("heartbeat from %s: %w", agentID, err)
	}
	c.metrics.Heartbeat("accepted")
	c.actuator.Observe(agentID, hb.State)

	agent, err := c.reconcile(ctx, agentID, hb.State)
	if errors.Is(err, lifecycle.ErrInvalidStateTransition) {
		// The heartbeat itself was stored; queued commands (an operator
		// restart, say) still go out so the agent can get unstuck.
		return Ack{
			AgentID:       agentID,
			Commands:      c.actuator.Drain(agentID),
			NextHeartbeat: c.cfg.HeartbeatInterval,
		}, err
	}
	if err != nil {
		return Ack{}, err
	}

	return Ack{
		AgentID:       agentID,
		State:         agent.State,
		Commands:      c.actuator.Drain(agentID),
		NextHeartbeat: c.cfg.HeartbeatInterval,
	}, nil
}

// reconcile applies a reported state to the persisted one, reloading and
// retrying when a concurrent writer wins the compare-and-set.
func (c *Coordinator) reconcile(ctx context.Context, agentID string, reported lifecycle.State) (*store.AgentRecord, error) {
	var agent *store.AgentRecord
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		agent, err = c.loadAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		err = c.applyReported(ctx, agent, reported)
		if !errors.Is(err, store.ErrStateConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	if agent.State == lifecycle.StateError && reported == lifecycle.StateError {
		c.startRecovery(agent.ID, recovery.IssueHighErrorRate)
	}
	if agent.State.Operational() {
		c.engine.Reset(agent.ID)
	}
	return agent, nil
}

func (c *Coordinator) applyReported(ctx context.Context, agent *store.AgentRecord, reported lifecycle.State) error {
	// A running incident owns the agent's state until it finishes.
	if c.engine.InFlight(agent.ID) {
		return nil
	}

	current := agent.State
	switch {
	case reported == current:
		return nil

	case current.Terminal():
		return fmt.Errorf("%w: %s must register again", ErrAgentShutdown, agent.ID)

	case current == lifecycle.StateSilent:
		if err := c.applyTransition(ctx, agent, reported, "heartbeat resumed"); err != nil {
			return err
		}
		c.alerts.Forget(silentKey(agent.ID))
		c.emit(ctx, store.EventAgentResumed, store.SeverityInfo, agent.ID, map[string]any{
			"state": string(reported),
		})
		return nil

	case current == lifecycle.StateError && reported.Operational():
		// The agent is working again; walk the legal path back, then on to
		// whatever operational state it reported.
		if err := c.applyTransition(ctx, agent, lifecycle.StateRecovering, "agent reported recovery"); err != nil {
			return err
		}
		if err := c.applyTransition(ctx, agent, lifecycle.StateActive, "agent reported recovery"); err != nil {
			return err
		}
		return c.applyTransition(ctx, agent, reported, "reported by agent")
	}

	return c.applyTransition(ctx, agent, reported, "reported by agent")
}

// TransitionState moves an agent to a new state, validating against the
// lifecycle table and retrying on compare-and-set conflicts.
func (c *Coordinator) TransitionState(ctx context.Context, agentID string, to lifecycle.State, reason string) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		var agent *store.AgentRecord
		agent, err = c.loadAgent(ctx, agentID)
		if err != nil {
			return err
		}
		err = c.applyTransition(ctx, agent, to, reason)
		if !errors.Is(err, store.ErrStateConflict) {
			return err
		}
	}
	return err
}

// applyTransition validates and persists agent.State -> to, updating agent
// in place on success. Invalid transitions are audited as CRITICAL.
func (c *Coordinator) applyTransition(ctx context.Context, agent *store.AgentRecord, to lifecycle.State, reason string) error {
	from := agent.State
	if from == to {
		return nil
	}
	if err := lifecycle.Validate(from, to); err != nil {
		c.logger.Error("rejected state transition", "agent_id", agent.ID, "from", from, "to", to, "reason", reason)
		c.emit(ctx, store.EventInvalidTransition, store.SeverityCritical, agent.ID, map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		})
		return err
	}

	at := c.now()
	err := c.do(ctx, "update_state", func(ctx context.Context) error {
		return c.store.UpdateState(ctx, agent.ID, from, to, at)
	})
	if err != nil {
		return fmt.Errorf("transitioning %s from %s to %s: %w", agent.ID, from, to, err)
	}

	agent.State = to
	agent.StateChangedAt = at
	c.cache.putAgent(agent)

	c.emit(ctx, store.EventStateChanged, store.SeverityInfo, agent.ID, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
	c.logger.Info("agent state changed", "agent_id", agent.ID, "from", from, "to", to, "reason", reason)
	return nil
}

func (c *Coordinator) loadAgent(ctx context.Context, agentID string) (*store.AgentRecord, error) {
	var agent *store.AgentRecord
	err := c.do(ctx, "get_agent", func(ctx context.Context) error {
		var err error
		agent, err = c.store.GetAgent(ctx, agentID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", agentID, err)
	}
	c.cache.putAgent(agent)
	return agent, nil
}

// MetricSample is a measurement submitted by an agent outside its heartbeat.
type MetricSample struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordMetric stores a performance metric for a registered agent.
func (c *Coordinator) RecordMetric(ctx context.Context, agentID string, s MetricSample) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: metric name is required", ErrInvalidHeartbeat)
	}
	if !finite(s.Value) {
		return fmt.Errorf("%w: metric %s is not a finite number", ErrInvalidHeartbeat, s.Name)
	}
	if c.degraded.Load() {
		return fmt.Errorf("%w: metrics are refused while degraded", store.ErrStoreUnavailable)
	}
	if _, ok := c.cache.agent(agentID); !ok {
		if _, err := c.loadAgent(ctx, agentID); err != nil {
			return err
		}
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = c.now()
	}

	return c.do(ctx, "record_metric", func(ctx context.Context) error {
		return c.store.RecordMetric(ctx, &store.PerformanceMetric{
			AgentID:   agentID,
			Name:      s.Name,
			Value:     s.Value,
			Unit:      s.Unit,
			Timestamp: s.Timestamp,
		})
	})
}

// SendCommand queues an operator command for delivery on the agent's next heartbeat.
func (c *Coordinator) SendCommand(ctx context.Context, agentID string, cmdType lifecycle.CommandType, reason string) (lifecycle.Command, error) {
	if !cmdType.Valid() {
		return lifecycle.Command{}, fmt.Errorf("%w: %q", lifecycle.ErrUnknownCommand, cmdType)
	}
	if _, ok := c.cache.agent(agentID); !ok {
		if _, err := c.loadAgent(ctx, agentID); err != nil {
			return lifecycle.Command{}, err
		}
	}
	cmd := c.actuator.Send(agentID, cmdType, reason)
	c.logger.Info("command queued", "agent_id", agentID, "command", cmdType, "reason", reason)
	return cmd, nil
}

// Recover runs a recovery incident for the agent and waits for its outcome.
func (c *Coordinator) Recover(ctx context.Context, agentID string, issue recovery.Issue) (*store.RecoveryAction, error) {
	if _, err := c.loadAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return c.engine.Handle(ctx, agentID, issue)
}

// startRecovery launches an incident in the background, tied to Run's context.
func (c *Coordinator) startRecovery(agentID string, issue recovery.Issue) {
	if c.engine.InFlight(agentID) || c.engine.Exhausted(agentID) {
		return
	}

	c.mu.Lock()
	ctx := c.runCtx
	if ctx == nil || ctx.Err() != nil {
		c.mu.Unlock()
		c.logger.Warn("recovery not started, coordinator is not running", "agent_id", agentID, "issue", issue)
		return
	}
	c.recoveries.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.recoveries.Done()
		_, err := c.engine.Handle(ctx, agentID, issue)
		if err != nil && !errors.Is(err, recovery.ErrRecoveryInProgress) {
			c.logger.Warn("recovery did not succeed", "agent_id", agentID, "issue", issue, "error", err)
		}
	}()
}

// EnterRecovery moves the agent to RECOVERING, passing through ERROR where
// the lifecycle requires it.
func (c *Coordinator) EnterRecovery(ctx context.Context, agentID string, issue recovery.Issue) error {
	reason := "recovery: " + string(issue)
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		var agent *store.AgentRecord
		agent, err = c.loadAgent(ctx, agentID)
		if err != nil {
			return err
		}
		switch agent.State {
		case lifecycle.StateRecovering:
			return nil
		case lifecycle.StateError, lifecycle.StateSilent:
			err = c.applyTransition(ctx, agent, lifecycle.StateRecovering, reason)
		default:
			err = c.applyTransition(ctx, agent, lifecycle.StateError, reason)
			if err == nil {
				err = c.applyTransition(ctx, agent, lifecycle.StateRecovering, reason)
			}
		}
		if !errors.Is(err, store.ErrStateConflict) {
			return err
		}
	}
	return err
}

// ExitRecovery moves the agent out of RECOVERING.
func (c *Coordinator) ExitRecovery(ctx context.Context, agentID string, recovered bool) error {
	to := lifecycle.StateError
	reason := "recovery exhausted"
	if recovered {
		to = lifecycle.StateActive
		reason = "recovery verified"
	}
	if err := c.TransitionState(ctx, agentID, to, reason); err != nil {
		return err
	}
	if recovered {
		c.alerts.Forget(silentKey(agentID))
	}
	return nil
}

// RecordRecoveryAction persists an incident record.
func (c *Coordinator) RecordRecoveryAction(ctx context.Context, r *store.RecoveryAction) error {
	return c.do(ctx, "record_recovery_action", func(ctx context.Context) error {
		return c.store.RecordRecoveryAction(ctx, r)
	})
}

// RecordEvent appends to the audit log. While degraded the event is queued
// and flushed once the store is reachable again.
func (c *Coordinator) RecordEvent(ctx context.Context, e *store.SystemEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now()
	}
	if e.Severity == "" {
		e.Severity = store.SeverityInfo
	}
	c.metrics.Event(e.Type, string(e.Severity))

	if c.queueIfDegraded(e) {
		c.events.Publish(e)
		return nil
	}
	err := c.do(ctx, "record_event", func(ctx context.Context) error {
		return c.store.RecordEvent(ctx, e)
	})
	if errors.Is(err, store.ErrStoreUnavailable) && c.queueIfDegraded(e) {
		err = nil
	}
	if err == nil {
		c.events.Publish(e)
	}
	return err
}

// SubscribeEvents follows audit events as they are recorded, for one agent
// or the whole fleet when agentID is empty. The channel closes when ctx ends
// or the coordinator stops.
func (c *Coordinator) SubscribeEvents(ctx context.Context, agentID string) <-chan *store.SystemEvent {
	ch, _ := c.events.Subscribe(ctx, agentID)
	return ch
}

func (c *Coordinator) emit(ctx context.Context, eventType string, sev store.Severity, agentID string, payload map[string]any) {
	err := c.RecordEvent(ctx, &store.SystemEvent{
		Type:     eventType,
		Severity: sev,
		AgentID:  agentID,
		Payload:  payload,
	})
	if err != nil {
		c.logger.Error("failed to record event", "type", eventType, "agent_id", agentID, "error", err)
	}
}

func silentKey(agentID string) string {
	return "silent:" + agentID
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
