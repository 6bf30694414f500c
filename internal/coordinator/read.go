// ABOUTME: Read-side queries over agents, heartbeats, events and health
// ABOUTME: Falls back to the last-known cache while the store is unreachable

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/2389/coven-warden/internal/health"
	"github.com/2389/coven-warden/internal/lifecycle"
	"github.com/2389/coven-warden/internal/recovery"
	"github.com/2389/coven-warden/internal/store"
)

// ListAgents returns every registered agent. While degraded it serves the
// last-known view.
func (c *Coordinator) ListAgents(ctx context.Context) ([]*store.AgentRecord, error) {
	if c.degraded.Load() {
		return c.cache.listAgents(), nil
	}
	agents, err := c.listAgents(ctx)
	if errors.Is(err, store.ErrStoreUnavailable) {
		return c.cache.listAgents(), nil
	}
	return agents, err
}

// GetAgent returns one agent, from the cache while degraded.
func (c *Coordinator) GetAgent(ctx context.Context, agentID string) (*store.AgentRecord, error) {
	if c.degraded.Load() {
		if a, ok := c.cache.agent(agentID); ok {
			return a, nil
		}
		return nil, fmt.Errorf("agent %s not cached: %w", agentID, store.ErrStoreUnavailable)
	}
	a, err := c.loadAgent(ctx, agentID)
	if errors.Is(err, store.ErrStoreUnavailable) {
		if cached, ok := c.cache.agent(agentID); ok {
			return cached, nil
		}
	}
	return a, err
}

// Heartbeats returns an agent's heartbeats in [since, until], oldest first.
func (c *Coordinator) Heartbeats(ctx context.Context, agentID string, since, until time.Time) ([]*store.HeartbeatRecord, error) {
	var hbs []*store.HeartbeatRecord
	err := c.do(ctx, "list_heartbeats", func(ctx context.Context) error {
		var err error
		hbs, err = c.store.ListHeartbeats(ctx, agentID, since, until)
		return err
	})
	return hbs, err
}

// RecentEvents returns audit events, newest first. While degraded only the
// queued events are visible.
func (c *Coordinator) RecentEvents(ctx context.Context, filter store.EventFilter) ([]*store.SystemEvent, error) {
	if c.degraded.Load() {
		return filterPending(c.pendingEvents(), filter), nil
	}
	var events []*store.SystemEvent
	err := c.do(ctx, "list_events", func(ctx context.Context) error {
		var err error
		events, err = c.store.ListEvents(ctx, filter)
		return err
	})
	return events, err
}

func filterPending(events []*store.SystemEvent, f store.EventFilter) []*store.SystemEvent {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []*store.SystemEvent
	for _, e := range events {
		if f.AgentID != "" && e.AgentID != f.AgentID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if e.Severity.Rank() < f.MinSeverity.Rank() {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

// RecentRecoveries returns recovery incidents, newest first. An empty agentID
// lists every agent.
func (c *Coordinator) RecentRecoveries(ctx context.Context, agentID string, limit int) ([]*store.RecoveryAction, error) {
	var out []*store.RecoveryAction
	err := c.do(ctx, "list_recovery_actions", func(ctx context.Context) error {
		var err error
		out, err = c.store.ListRecoveryActions(ctx, agentID, limit)
		return err
	})
	return out, err
}

// Assessment returns the latest cached assessment for an agent.
func (c *Coordinator) Assessment(agentID string) (health.Assessment, bool) {
	return c.cache.assessment(agentID)
}

// RecoveryStats returns the engine's cumulative counters.
func (c *Coordinator) RecoveryStats() recovery.Stats {
	return c.engine.Stats()
}

// AgentHealth is one row of a health summary.
type AgentHealth struct {
	AgentID         string          `json:"agent_id"`
	Name            string          `json:"name"`
	State           lifecycle.State `json:"state"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
	HeartbeatAge    float64         `json:"heartbeat_age_seconds"`
	Score           *float64        `json:"score,omitempty"`
	Status          health.Status   `json:"status,omitempty"`
	Recovering      bool            `json:"recovering"`
	NeedsOperator   bool            `json:"needs_operator"`
}

// Summary is the fleet-wide health report.
type Summary struct {
	GeneratedAt  time.Time               `json:"generated_at"`
	Degraded     bool                    `json:"degraded"`
	Total        int                     `json:"total_agents"`
	ByState      map[lifecycle.State]int `json:"by_state"`
	ByStatus     map[health.Status]int   `json:"by_status"`
	AverageScore float64                 `json:"average_score"`
	Recovery     recovery.Stats          `json:"recovery"`
	SuccessRate  float64                 `json:"recovery_success_rate"`
	Agents       []AgentHealth           `json:"agents"`
}

// HealthSummary builds a report from the agent listing and cached assessments.
func (c *Coordinator) HealthSummary(ctx context.Context) (Summary, error) {
	agents, err := c.ListAgents(ctx)
	if err != nil {
		return Summary{}, err
	}

	now := c.now()
	stats := c.engine.Stats()
	sum := Summary{
		GeneratedAt: now,
		Degraded:    c.degraded.Load(),
		Total:       len(agents),
		ByState:     make(map[lifecycle.State]int),
		ByStatus:    make(map[health.Status]int),
		Recovery:    stats,
		SuccessRate: stats.SuccessRate(),
		Agents:      make([]AgentHealth, 0, len(agents)),
	}

	var scored int
	var total float64
	for _, a := range agents {
		row := AgentHealth{
			AgentID:         a.ID,
			Name:            a.Name,
			State:           a.State,
			LastHeartbeatAt: a.LastHeartbeatAt,
			HeartbeatAge:    now.Sub(a.LastSeen()).Seconds(),
			Recovering:      c.engine.InFlight(a.ID),
			NeedsOperator:   c.engine.Exhausted(a.ID),
		}
		if as, ok := c.cache.assessment(a.ID); ok {
			score := as.Overall
			row.Score = &score
			row.Status = as.Status
			sum.ByStatus[as.Status]++
			total += score
			scored++
		}
		sum.ByState[a.State]++
		sum.Agents = append(sum.Agents, row)
	}
	if scored > 0 {
		sum.AverageScore = total / float64(scored)
	}
	sort.Slice(sum.Agents, func(i, j int) bool { return sum.Agents[i].AgentID < sum.Agents[j].AgentID })
	return sum, nil
}

// PendingCommands lists commands queued for the agent and not yet delivered.
func (c *Coordinator) PendingCommands(agentID string) []lifecycle.Command {
	return c.actuator.Peek(agentID)
}
