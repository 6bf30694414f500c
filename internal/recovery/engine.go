// ABOUTME: Automated recovery engine running bounded remediation plans per incident
// ABOUTME: Records every incident, escalates exhaustion, and never retries past the budget

package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-warden/internal/store"
)

// ErrRecoveryExhausted is returned when every action in the plan failed.
var ErrRecoveryExhausted = errors.New("recovery exhausted")

// ErrRecoveryInProgress is returned when an incident is already running for the agent.
var ErrRecoveryInProgress = errors.New("recovery already in progress")

// Actuator performs and verifies one remediation action against an agent.
// A nil error means the action ran and the agent was verified healthy.
type Actuator interface {
	Execute(ctx context.Context, agentID string, action Action) error
}

// ActuatorFunc adapts a function to the Actuator interface.
type ActuatorFunc func(ctx context.Context, agentID string, action Action) error

// Execute calls f.
func (f ActuatorFunc) Execute(ctx context.Context, agentID string, action Action) error {
	return f(ctx, agentID, action)
}

// Coordinator is the engine's view of the state authority. All agent state
// and audit writes go through it.
type Coordinator interface {
	// EnterRecovery moves the agent to RECOVERING.
	EnterRecovery(ctx context.Context, agentID string, issue Issue) error
	// ExitRecovery moves the agent to ACTIVE when recovered, ERROR otherwise.
	ExitRecovery(ctx context.Context, agentID string, recovered bool) error
	RecordRecoveryAction(ctx context.Context, r *store.RecoveryAction) error
	RecordEvent(ctx context.Context, e *store.SystemEvent) error
}

// Observer receives recovery outcomes, e.g. for Prometheus counters.
type Observer interface {
	RecoveryFinished(issue string, success bool)
	ActionFinished(action string, success bool)
}

// Config bounds the engine.
type Config struct {
	// MaxAttempts caps the actions run per incident.
	MaxAttempts int
	// ActionTimeout bounds a single action including its verification.
	ActionTimeout time.Duration
}

// Stats are cumulative engine counters.
type Stats struct {
	Incidents  int64 `json:"incidents"`
	Succeeded  int64 `json:"succeeded"`
	Exhausted  int64 `json:"exhausted"`
	ActionsRun int64 `json:"actions_run"`
}

// SuccessRate is succeeded / (succeeded + exhausted), 0 with no finished incidents.
func (s Stats) SuccessRate() float64 {
	done := s.Succeeded + s.Exhausted
	if done == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(done)
}

// Engine maps issues to plans and runs them through an Actuator.
type Engine struct {
	cfg      Config
	actuator Actuator
	coord    Coordinator
	notifier Notifier
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	inFlight  map[string]Issue
	exhausted map[string]Issue

	incidents  atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	actionsRun atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver attaches an outcome observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock replaces time.Now for incident timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l.With("component", "recovery") }
}

// NewEngine creates a recovery engine. A nil notifier logs escalations.
func NewEngine(cfg Config, actuator Actuator, coord Coordinator, notifier Notifier, opts ...Option) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	e := &Engine{
		cfg:       cfg,
		actuator:  actuator,
		coord:     coord,
		logger:    slog.Default().With("component", "recovery"),
		now:       time.Now,
		inFlight:  make(map[string]Issue),
		exhausted: make(map[string]Issue),
	}
	for _, opt := range opts {
		opt(e)
	}
	if notifier == nil {
		notifier = NewLogNotifier(e.logger)
	}
	e.notifier = notifier
	return e
}

// InFlight reports whether an incident is running for the agent.
func (e *Engine) InFlight(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[agentID]
	return ok
}

// Exhausted reports whether the agent's last incident exhausted its plan
// and has not been cleared by Reset.
func (e *Engine) Exhausted(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.exhausted[agentID]
	return ok
}

// Reset clears the exhausted marker so new incidents can start for the agent.
func (e *Engine) Reset(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.exhausted, agentID)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Incidents:  e.incidents.Load(),
		Succeeded:  e.succeeded.Load(),
		Exhausted:  e.failed.Load(),
		ActionsRun: e.actionsRun.Load(),
	}
}

func (e *Engine) claim(agentID string, issue Issue) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if running, ok := e.inFlight[agentID]; ok {
		return fmt.Errorf("%w: agent %s (%s)", ErrRecoveryInProgress, agentID, running)
	}
	if prev, ok := e.exhausted[agentID]; ok {
		return fmt.Errorf("%w: agent %s awaiting operator after %s", ErrRecoveryExhausted, agentID, prev)
	}
	e.inFlight[agentID] = issue
	return nil
}

func (e *Engine) release(agentID string, issue Issue, exhausted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.inFlight, agentID)
	if exhausted {
		e.exhausted[agentID] = issue
	}
}

// Handle runs the plan for issue against the agent. It returns the recorded
// RecoveryAction, and ErrRecoveryExhausted (wrapped) when no action succeeded.
// Concurrent calls for the same agent get ErrRecoveryInProgress.
func (e *Engine) Handle(ctx context.Context, agentID string, issue Issue) (*store.RecoveryAction, error) {
	plan, err := Plan(issue, e.cfg.MaxAttempts)
	if err != nil {
		return nil, err
	}
	if err := e.claim(agentID, issue); err != nil {
		return nil, err
	}

	logger := e.logger.With("agent_id", agentID, "issue", issue)
	e.incidents.Add(1)

	if err := e.coord.EnterRecovery(ctx, agentID, issue); err != nil {
		e.release(agentID, issue, false)
		return nil, fmt.Errorf("entering recovery: %w", err)
	}

	record := &store.RecoveryAction{
		IssueType: string(issue),
		AgentID:   agentID,
		StartedAt: e.now(),
	}
	e.emit(ctx, store.EventRecoveryStarted, store.SeverityInfo, agentID, map[string]any{
		"issue_type": string(issue),
		"plan":       actionNames(plan),
	})
	logger.Info("recovery started", "plan", actionNames(plan))

	for i, action := range plan {
		if ctx.Err() != nil {
			break
		}

		outcome := e.run(ctx, agentID, action, i+1)
		record.ActionsTaken = append(record.ActionsTaken, outcome)
		if outcome.Success {
			record.Success = true
			break
		}
		logger.Warn("recovery action failed", "action", action, "attempt", i+1, "error", outcome.Error)
	}
	record.EndedAt = e.now()

	// Persisting the outcome must survive a cancelled incident context.
	finishCtx := context.WithoutCancel(ctx)

	if err := e.coord.RecordRecoveryAction(finishCtx, record); err != nil {
		logger.Error("failed to record recovery action", "error", err)
	}
	if err := e.coord.ExitRecovery(finishCtx, agentID, record.Success); err != nil {
		logger.Error("failed to exit recovery", "recovered", record.Success, "error", err)
	}
	if e.observer != nil {
		e.observer.RecoveryFinished(string(issue), record.Success)
	}

	if record.Success {
		e.succeeded.Add(1)
		e.release(agentID, issue, false)
		e.emit(finishCtx, store.EventRecoverySucceeded, store.SeverityInfo, agentID, map[string]any{
			"issue_type": string(issue),
			"attempts":   len(record.ActionsTaken),
		})
		logger.Info("recovery succeeded", "attempts", len(record.ActionsTaken))
		return record, nil
	}

	e.failed.Add(1)
	e.release(agentID, issue, true)

	reason := fmt.Sprintf("%d of %d actions failed", len(record.ActionsTaken), len(plan))
	if ctx.Err() != nil {
		reason = fmt.Sprintf("cancelled after %d actions: %v", len(record.ActionsTaken), ctx.Err())
	}
	e.emit(finishCtx, store.EventRecoveryExhausted, store.SeverityCritical, agentID, map[string]any{
		"issue_type": string(issue),
		"attempts":   len(record.ActionsTaken),
		"reason":     reason,
	})
	if err := e.notifier.Escalate(finishCtx, Escalation{
		AgentID:   agentID,
		Issue:     issue,
		Reason:    reason,
		Actions:   record.ActionsTaken,
		StartedAt: record.StartedAt,
		EndedAt:   record.EndedAt,
	}); err != nil {
		logger.Error("escalation failed", "error", err)
	}
	logger.Error("recovery exhausted", "attempts", len(record.ActionsTaken))

	return record, fmt.Errorf("%w: agent %s, issue %s: %s", ErrRecoveryExhausted, agentID, issue, reason)
}

// run executes one action with the per-action timeout.
func (e *Engine) run(ctx context.Context, agentID string, action Action, attempt int) store.ActionOutcome {
	actx := ctx
	if e.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.cfg.ActionTimeout)
		defer cancel()
	}

	outcome := store.ActionOutcome{
		Action:    string(action),
		Attempt:   attempt,
		StartedAt: e.now(),
	}
	err := e.actuator.Execute(actx, agentID, action)
	outcome.FinishedAt = e.now()
	outcome.Success = err == nil
	if err != nil {
		outcome.Error = err.Error()
	}

	e.actionsRun.Add(1)
	if e.observer != nil {
		e.observer.ActionFinished(string(action), outcome.Success)
	}
	return outcome
}

func (e *Engine) emit(ctx context.Context, eventType string, sev store.Severity, agentID string, payload map[string]any) {
	err := e.coord.RecordEvent(ctx, &store.SystemEvent{
		Type:      eventType,
		Severity:  sev,
		AgentID:   agentID,
		Payload:   payload,
		Timestamp: e.now(),
	})
	if err != nil {
		e.logger.Error("failed to record event", "type", eventType, "agent_id", agentID, "error", err)
	}
}

func actionNames(plan []Action) []string {
	names := make([]string, len(plan))
	for i, a := range plan {
		names[i] = string(a)
	}
	return names
}
