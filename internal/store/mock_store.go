// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory, per-agent locking, with connectivity failure injection

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-warden/internal/lifecycle"
)

// MockStore is an in-memory Store implementation for testing.
// Writes for one agent are serialized by a per-agent mutex; the map lock is
// only held for the duration of a lookup.
type MockStore struct {
	mu         sync.RWMutex
	agents     map[string]*AgentRecord
	heartbeats map[string][]*HeartbeatRecord
	metrics    map[string][]*PerformanceMetric
	events     []*SystemEvent
	recoveries []*RecoveryAction
	locks      keyedMutex

	unavailable atomic.Bool
	calls       atomic.Int64
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:     make(map[string]*AgentRecord),
		heartbeats: make(map[string][]*HeartbeatRecord),
		metrics:    make(map[string][]*PerformanceMetric),
	}
}

// SetUnavailable makes every subsequent call fail with ErrStoreUnavailable until reset.
func (m *MockStore) SetUnavailable(down bool) {
	m.unavailable.Store(down)
}

// Calls returns the number of store calls made so far.
func (m *MockStore) Calls() int64 {
	return m.calls.Load()
}

func (m *MockStore) check(ctx context.Context) error {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if m.unavailable.Load() {
		return fmt.Errorf("%w: injected failure", ErrStoreUnavailable)
	}
	return nil
}

// RegisterAgent stores a new agent record.
func (m *MockStore) RegisterAgent(ctx context.Context, agent *AgentRecord) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	unlock := m.locks.Lock(agent.ID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgentID, agent.ID)
	}
	a := agent.Clone()
	if a.StateChangedAt.IsZero() {
		a.StateChangedAt = a.RegisteredAt
	}
	m.agents[a.ID] = a
	return nil
}

// UpdateState performs a compare-and-set on the agent's state.
func (m *MockStore) UpdateState(ctx context.Context, agentID string, from, to lifecycle.State, at time.Time) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	unlock := m.locks.Lock(agentID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	if a.State != from {
		return fmt.Errorf("%w: expected %s, found %s", ErrStateConflict, from, a.State)
	}
	a.State = to
	a.StateChangedAt = at
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// ListAgents returns all agents ordered by registration time.
func (m *MockStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*AgentRecord, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a.Clone())
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].RegisteredAt.Equal(agents[j].RegisteredAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].RegisteredAt.Before(agents[j].RegisteredAt)
	})
	return agents, nil
}

// RecordHeartbeat appends a heartbeat and advances last_heartbeat_at.
func (m *MockStore) RecordHeartbeat(ctx context.Context, hb *HeartbeatRecord) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	if hb.ID == "" {
		hb.ID = uuid.New().String()
	}
	unlock := m.locks.Lock(hb.AgentID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[hb.AgentID]
	if !ok {
		return ErrNotFound
	}
	if a.LastHeartbeatAt != nil && hb.Timestamp.Before(*a.LastHeartbeatAt) {
		return fmt.Errorf("%w: agent %s at %s", ErrHeartbeatStale, hb.AgentID, hb.Timestamp.Format(time.RFC3339Nano))
	}

	ts := hb.Timestamp
	a.LastHeartbeatAt = &ts
	a.HeartbeatCounter++

	c := *hb
	if hb.Metrics != nil {
		c.Metrics = make(map[string]float64, len(hb.Metrics))
		for k, v := range hb.Metrics {
			c.Metrics[k] = v
		}
	}
	m.heartbeats[hb.AgentID] = append(m.heartbeats[hb.AgentID], &c)
	return nil
}

// ListHeartbeats returns heartbeats for an agent within [since, until], oldest first.
func (m *MockStore) ListHeartbeats(ctx context.Context, agentID string, since, until time.Time) ([]*HeartbeatRecord, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*HeartbeatRecord
	for _, hb := range m.heartbeats[agentID] {
		if inWindow(hb.Timestamp, since, until) {
			c := *hb
			result = append(result, &c)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// PruneHeartbeats deletes heartbeats older than before.
func (m *MockStore) PruneHeartbeats(ctx context.Context, before time.Time) (int64, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, hbs := range m.heartbeats {
		kept := hbs[:0]
		for _, hb := range hbs {
			if hb.Timestamp.Before(before) {
				removed++
				continue
			}
			kept = append(kept, hb)
		}
		m.heartbeats[id] = kept
	}
	return removed, nil
}

// RecordMetric appends a performance metric.
func (m *MockStore) RecordMetric(ctx context.Context, metric *PerformanceMetric) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	if metric.ID == "" {
		metric.ID = uuid.New().String()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *metric
	m.metrics[metric.AgentID] = append(m.metrics[metric.AgentID], &c)
	return nil
}

// ListMetrics returns metrics for an agent within [since, until], oldest first.
func (m *MockStore) ListMetrics(ctx context.Context, agentID string, since, until time.Time) ([]*PerformanceMetric, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PerformanceMetric
	for _, metric := range m.metrics[agentID] {
		if inWindow(metric.Timestamp, since, until) {
			c := *metric
			result = append(result, &c)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// RecordEvent appends a system event.
func (m *MockStore) RecordEvent(ctx context.Context, e *SystemEvent) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *e
	m.events = append(m.events, &c)
	return nil
}

// ListEvents returns events matching the filter, newest first.
func (m *MockStore) ListEvents(ctx context.Context, filter EventFilter) ([]*SystemEvent, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SystemEvent
	for _, e := range m.events {
		if matchesEvent(e, filter) {
			c := *e
			result = append(result, &c)
		}
	}
	sortEventsDesc(result)
	if limit := normalizeLimit(filter.Limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// RecordRecoveryAction persists a recovery incident.
func (m *MockStore) RecordRecoveryAction(ctx context.Context, r *RecoveryAction) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *r
	c.ActionsTaken = append([]ActionOutcome(nil), r.ActionsTaken...)
	m.recoveries = append(m.recoveries, &c)
	return nil
}

// ListRecoveryActions returns recovery incidents, newest first.
func (m *MockStore) ListRecoveryActions(ctx context.Context, agentID string, limit int) ([]*RecoveryAction, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = normalizeLimit(limit)
	var result []*RecoveryAction
	for i := len(m.recoveries) - 1; i >= 0 && len(result) < limit; i-- {
		r := m.recoveries[i]
		if agentID != "" && r.AgentID != agentID {
			continue
		}
		c := *r
		c.ActionsTaken = append([]ActionOutcome(nil), r.ActionsTaken...)
		result = append(result, &c)
	}
	return result, nil
}

// Ping reports the injected connectivity state.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.check(ctx)
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// matchesEvent applies an EventFilter to a single event.
func matchesEvent(e *SystemEvent, filter EventFilter) bool {
	if filter.AgentID != "" && e.AgentID != filter.AgentID {
		return false
	}
	if filter.Type != "" && e.Type != filter.Type {
		return false
	}
	if filter.MinSeverity != "" && e.Severity.Rank() < filter.MinSeverity.Rank() {
		return false
	}
	if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
		return false
	}
	return true
}

// sortEventsDesc orders events newest first, breaking ties by ID.
func sortEventsDesc(events []*SystemEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].ID > events[j].ID
		}
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}
