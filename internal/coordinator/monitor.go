// ABOUTME: Liveness monitoring and periodic health optimization passes
// ABOUTME: Marks silent agents, scores health, triggers recovery and prunes old heartbeats

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-warden/internal/health"
	"github.com/2389/coven-warden/internal/lifecycle"
	"github.com/2389/coven-warden/internal/recovery"
	"github.com/2389/coven-warden/internal/store"
)

func (c *Coordinator) listAgents(ctx context.Context) ([]*store.AgentRecord, error) {
	var agents []*store.AgentRecord
	err := c.do(ctx, "list_agents", func(ctx context.Context) error {
		var err error
		agents, err = c.store.ListAgents(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.cache.replaceAgents(agents)
	return agents, nil
}

// CheckLiveness runs one liveness pass. Watched agents whose last heartbeat
// is older than the silent threshold become SILENT with one WARNING per
// silence episode; silent agents past the emergency threshold get an
// UNRESPONSIVE recovery. Skipped while degraded, since heartbeats cannot land.
func (c *Coordinator) CheckLiveness(ctx context.Context) error {
	if c.degraded.Load() {
		c.logger.Debug("liveness pass skipped while degraded")
		return nil
	}
	started := time.Now()
	defer func() { c.metrics.ObserveMonitorPass(time.Since(started).Seconds()) }()

	agents, err := c.listAgents(ctx)
	if err != nil {
		return fmt.Errorf("liveness pass: %w", err)
	}

	now := c.now()
	counts := make(map[string]int, len(lifecycle.AllStates))
	for _, a := range agents {
		age := now.Sub(c.lastSeen(a))

		if a.State.Watched() && age > c.cfg.SilentThreshold() {
			c.markSilent(ctx, a, age)
		}
		if a.State == lifecycle.StateSilent && age > c.cfg.EmergencyThreshold {
			c.startRecovery(a.ID, recovery.IssueUnresponsive)
		}
		counts[string(a.State)]++
	}
	c.metrics.SetAgentStates(counts)
	return nil
}

// lastSeen is when the agent last proved it was alive. Heartbeats are
// refused while degraded, so the clock restarts when degraded mode ends; an
// agent that has just (re)registered counts from its registration.
func (c *Coordinator) lastSeen(a *store.AgentRecord) time.Time {
	seen := a.LastSeen()
	if a.State == lifecycle.StateInitializing && a.StateChangedAt.After(seen) {
		seen = a.StateChangedAt
	}
	if ns := c.resumedAt.Load(); ns != 0 {
		if resumed := time.Unix(0, ns); resumed.After(seen) {
			seen = resumed
		}
	}
	return seen
}

func (c *Coordinator) markSilent(ctx context.Context, a *store.AgentRecord, age time.Duration) {
	err := c.applyTransition(ctx, a, lifecycle.StateSilent, fmt.Sprintf("no heartbeat for %s", age.Round(time.Second)))
	if errors.Is(err, store.ErrStateConflict) {
		// A heartbeat landed between the listing and the update.
		c.logger.Debug("silence check lost race with heartbeat", "agent_id", a.ID)
		return
	}
	if err != nil {
		c.logger.Warn("failed to mark agent silent", "agent_id", a.ID, "error", err)
		return
	}

	if c.alerts.CheckAndMark(silentKey(a.ID)) {
		return
	}
	c.emit(ctx, store.EventAgentSilent, store.SeverityWarning, a.ID, map[string]any{
		"last_seen":         c.lastSeen(a),
		"age_seconds":       age.Seconds(),
		"threshold_seconds": c.cfg.SilentThreshold().Seconds(),
	})
	c.logger.Warn("agent silent", "agent_id", a.ID, "age", age)
}

// Optimize runs one health pass: every live agent is scored over the health
// window, low scores trigger recovery, and expired heartbeats are pruned.
func (c *Coordinator) Optimize(ctx context.Context) error {
	if c.degraded.Load() {
		c.logger.Debug("optimize pass skipped while degraded")
		return nil
	}

	agents, err := c.listAgents(ctx)
	if err != nil {
		return fmt.Errorf("optimize pass: %w", err)
	}

	now := c.now()
	for _, a := range agents {
		if a.State == lifecycle.StateRegistering || a.State.Terminal() {
			continue
		}
		if _, err := c.Assess(ctx, a, now); err != nil {
			c.logger.Warn("health assessment failed", "agent_id", a.ID, "error", err)
		}
	}

	var pruned int64
	err = c.do(ctx, "prune_heartbeats", func(ctx context.Context) error {
		var err error
		pruned, err = c.store.PruneHeartbeats(ctx, now.Add(-c.cfg.HeartbeatRetention))
		return err
	})
	if err != nil {
		return fmt.Errorf("pruning heartbeats: %w", err)
	}
	if pruned > 0 {
		c.logger.Info("pruned expired heartbeats", "count", pruned)
	}
	c.alerts.Sweep()
	return nil
}

// Assess scores an agent's trailing window ending at now, caches and records
// the result, and starts recovery when an operational agent scores critical.
func (c *Coordinator) Assess(ctx context.Context, a *store.AgentRecord, now time.Time) (health.Assessment, error) {
	start := now.Add(-c.cfg.HealthWindow)
	if a.RegisteredAt.After(start) {
		start = a.RegisteredAt
	}

	var hbs []*store.HeartbeatRecord
	var samples []*store.PerformanceMetric
	err := c.do(ctx, "list_heartbeats", func(ctx context.Context) error {
		var err error
		hbs, err = c.store.ListHeartbeats(ctx, a.ID, start, now)
		return err
	})
	if err != nil {
		return health.Assessment{}, err
	}
	err = c.do(ctx, "list_metrics", func(ctx context.Context) error {
		var err error
		samples, err = c.store.ListMetrics(ctx, a.ID, start, now)
		return err
	})
	if err != nil {
		return health.Assessment{}, err
	}

	hist := health.History{
		AgentID:          a.ID,
		WindowStart:      start,
		WindowEnd:        now,
		ExpectedInterval: c.cfg.HeartbeatInterval,
		Heartbeats:       make([]health.Heartbeat, 0, len(hbs)),
		Metrics:          make([]health.Metric, 0, len(samples)),
	}
	for _, hb := range hbs {
		hist.Heartbeats = append(hist.Heartbeats, health.Heartbeat{
			Timestamp:  hb.Timestamp,
			Metrics:    hb.Metrics,
			ErrorCount: hb.ErrorCount,
			CycleCount: hb.CycleCount,
		})
	}
	for _, m := range samples {
		hist.Metrics = append(hist.Metrics, health.Metric{Name: m.Name, Value: m.Value, Timestamp: m.Timestamp})
	}

	as := c.calc.Calculate(hist)
	c.cache.setAssessment(as)
	c.metrics.SetHealthScore(a.ID, as.Overall)

	err = c.do(ctx, "record_metric", func(ctx context.Context) error {
		return c.store.RecordMetric(ctx, &store.PerformanceMetric{
			AgentID:   a.ID,
			Name:      "health_score",
			Value:     as.Overall,
			Unit:      "score",
			Timestamp: now,
		})
	})
	if err != nil {
		c.logger.Warn("failed to record health score", "agent_id", a.ID, "error", err)
	}

	if as.Overall < c.cfg.CriticalThreshold && a.State.Operational() {
		weakest := as.SubScores.Weakest()
		issue := issueFor(weakest)
		c.emit(ctx, store.EventHealthCritical, store.SeverityCritical, a.ID, map[string]any{
			"score":   as.Overall,
			"status":  string(as.Status),
			"weakest": string(weakest),
			"issue":   string(issue),
		})
		c.logger.Warn("agent health critical", "agent_id", a.ID, "score", as.Overall, "weakest", weakest)
		c.startRecovery(a.ID, issue)
	}
	return as, nil
}

// issueFor maps the factor that cost the most points to a recovery issue.
func issueFor(f health.Factor) recovery.Issue {
	switch f {
	case health.FactorHeartbeat:
		return recovery.IssueUnresponsive
	case health.FactorErrorRate:
		return recovery.IssueHighErrorRate
	case health.FactorResource:
		return recovery.IssueResourceExhaustion
	default:
		return recovery.IssuePerformanceDegradation
	}
}
