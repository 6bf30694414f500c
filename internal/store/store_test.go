// ABOUTME: Contract tests run against every Store implementation
// ABOUTME: SQLite uses a temp file, Redis uses miniredis, plus the in-memory mock

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-warden/internal/lifecycle"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// setupTestRedis creates a RedisStore backed by miniredis.
func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	store, err := NewRedisStore(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store, mr
}

// backends returns a fresh instance of each Store implementation.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store { return setupTestStore(t) },
		"redis": func(t *testing.T) Store {
			s, _ := setupTestRedis(t)
			return s
		},
		"mock": func(t *testing.T) Store { return NewMockStore() },
	}
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAgent(id string) *AgentRecord {
	return &AgentRecord{
		ID:           id,
		Name:         "agent " + id,
		Capabilities: []string{"chat", "search"},
		RegisteredAt: baseTime,
		State:        lifecycle.StateRegistering,
		Metadata:     map[string]string{"zone": "a"},
	}
}

func TestStore_RegisterAndGet(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			require.NoError(t, s.RegisterAgent(ctx, newAgent("a1")))

			got, err := s.GetAgent(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, "a1", got.ID)
			assert.Equal(t, "agent a1", got.Name)
			assert.Equal(t, []string{"chat", "search"}, got.Capabilities)
			assert.Equal(t, lifecycle.StateRegistering, got.State)
			assert.Equal(t, "a", got.Metadata["zone"])
			assert.True(t, got.RegisteredAt.Equal(baseTime))
			assert.True(t, got.StateChangedAt.Equal(baseTime))
			assert.Nil(t, got.LastHeartbeatAt)
			assert.Zero(t, got.HeartbeatCounter)
		})
	}
}

func TestStore_RegisterDuplicate(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			require.NoError(t, s.RegisterAgent(ctx, newAgent("a1")))
			err := s.RegisterAgent(ctx, newAgent("a1"))
			assert.ErrorIs(t, err, ErrDuplicateAgentID)

			agents, err := s.ListAgents(ctx)
			require.NoError(t, err)
			assert.Len(t, agents, 1)
		})
	}
}

func TestStore_GetAgentNotFound(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := open(t).GetAgent(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ConcurrentRegistration(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			const n = 20
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					a := newAgent(fmt.Sprintf("agent-%02d", i))
					a.RegisteredAt = baseTime.Add(time.Duration(i) * time.Millisecond)
					errs <- s.RegisterAgent(ctx, a)
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			agents, err := s.ListAgents(ctx)
			require.NoError(t, err)
			require.Len(t, agents, n)
			for i, a := range agents {
				assert.Equal(t, fmt.Sprintf("agent-%02d", i), a.ID)
			}
		})
	}
}

func TestStore_UpdateStateCompareAndSet(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			require.NoError(t, s.RegisterAgent(ctx, newAgent("a1")))

			at := baseTime.Add(time.Second)
			require.NoError(t, s.UpdateState(ctx, "a1", lifecycle.StateRegistering, lifecycle.StateInitializing, at))

			got, err := s.GetAgent(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, lifecycle.StateInitializing, got.State)
			assert.True(t, got.StateChangedAt.Equal(at))

			err = s.UpdateState(ctx, "a1", lifecycle.StateRegistering, lifecycle.StateActive, at)
			assert.ErrorIs(t, err, ErrStateConflict)

			err = s.UpdateState(ctx, "missing", lifecycle.StateRegistering, lifecycle.StateActive, at)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_HeartbeatMonotonic(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			require.NoError(t, s.RegisterAgent(ctx, newAgent("a1")))

			t1 := baseTime.Add(30 * time.Second)
			t2 := baseTime.Add(60 * time.Second)

			require.NoError(t, s.RecordHeartbeat(ctx, &HeartbeatRecord{
				AgentID: "a1", Timestamp: t2, ReportedState: lifecycle.StateActive,
				Metrics: map[string]float64{"cpu_percent": 40}, CycleCount: 10, ErrorCount: 1,
			}))

			err := s.RecordHeartbeat(ctx, &HeartbeatRecord{AgentID: "a1", Timestamp: t1, ReportedState: lifecycle.StateActive})
			assert.ErrorIs(t, err, ErrHeartbeatStale)

			// Equal timestamps are accepted.
			require.NoError(t, s.RecordHeartbeat(ctx, &HeartbeatRecord{AgentID: "a1", Timestamp: t2, ReportedState: lifecycle.StateActive}))

			got, err := s.GetAgent(ctx, "a1")
			require.NoError(t, err)
			require.NotNil(t, got.LastHeartbeatAt)
			assert.True(t, got.LastHeartbeatAt.Equal(t2))
			assert.Equal(t, int64(2), got.HeartbeatCounter)

			hbs, err := s.ListHeartbeats(ctx, "a1", baseTime, t2)
			require.NoError(t, err)
			require.Len(t, hbs, 2)
			assert.Equal(t, 40.0, hbs[0].Metrics["cpu_percent"])
			assert.Equal(t, int64(10), hbs[0].CycleCount)
			assert.Equal(t, int64(1), hbs[0].ErrorCount)
			assert.Equal(t, lifecycle.StateActive, hbs[0].ReportedState)
		})
	}
}

func TestStore_HeartbeatUnknownAgent(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := open(t).RecordHeartbeat(context.Background(), &HeartbeatRecord{AgentID: "ghost", Timestamp: baseTime})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_HeartbeatWindowAndPrune(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			require.NoError(t, s.RegisterAgent(ctx, newAgent("a1")))

			for i := 0; i < 5; i++ {
				require.NoError(t, s.RecordHeartbeat(ctx, &HeartbeatRecord{
					AgentID:   "a1",
					Timestamp: baseTime.Add(time.Duration(i) * time.Minute),
				}))
			}

			hbs, err := s.ListHeartbeats(ctx, "a1", baseTime.Add(time.Minute), baseTime.Add(3*time.Minute))
			require.NoError(t, err)
			require.Len(t, hbs, 3)
			assert.True(t, hbs[0].Timestamp.Equal(baseTime.Add(time.Minute)))
			assert.True(t, hbs[2].Timestamp.Equal(baseTime.Add(3*time.Minute)))

			removed, err := s.PruneHeartbeats(ctx, baseTime.Add(2*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, int64(2), removed)

			hbs, err = s.ListHeartbeats(ctx, "a1", baseTime, baseTime.Add(time.Hour))
			require.NoError(t, err)
			assert.Len(t, hbs, 3)
		})
	}
}

func TestStore_Metrics(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			require.NoError(t, s.RegisterAgent(ctx, newAgent("a1")))

			require.NoError(t, s.RecordMetric(ctx, &PerformanceMetric{AgentID: "a1", Name: "response_time_ms", Value: 120, Unit: "ms", Timestamp: baseTime.Add(2 * time.Second)}))
			require.NoError(t, s.RecordMetric(ctx, &PerformanceMetric{AgentID: "a1", Name: "cpu_percent", Value: 30, Unit: "%", Timestamp: baseTime.Add(time.Second)}))

			ms, err := s.ListMetrics(ctx, "a1", baseTime, baseTime.Add(time.Minute))
			require.NoError(t, err)
			require.Len(t, ms, 2)
			assert.Equal(t, "cpu_percent", ms[0].Name)
			assert.Equal(t, "response_time_ms", ms[1].Name)
			assert.Equal(t, "ms", ms[1].Unit)
			assert.NotEmpty(t, ms[0].ID)
		})
	}
}

func TestStore_EventsFilterAndOrder(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			events := []*SystemEvent{
				{Type: EventAgentRegistered, Severity: SeverityInfo, AgentID: "a1", Timestamp: baseTime},
				{Type: EventAgentSilent, Severity: SeverityWarning, AgentID: "a1", Timestamp: baseTime.Add(time.Second)},
				{Type: EventRecoveryExhausted, Severity: SeverityCritical, AgentID: "a2", Timestamp: baseTime.Add(2 * time.Second),
					Payload: map[string]any{"issue_type": "UNRESPONSIVE"}},
			}
			for _, e := range events {
				require.NoError(t, s.RecordEvent(ctx, e))
			}

			all, err := s.ListEvents(ctx, EventFilter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, EventRecoveryExhausted, all[0].Type)
			assert.Equal(t, EventAgentRegistered, all[2].Type)
			assert.Equal(t, "UNRESPONSIVE", all[0].Payload["issue_type"])

			warn, err := s.ListEvents(ctx, EventFilter{MinSeverity: SeverityWarning})
			require.NoError(t, err)
			assert.Len(t, warn, 2)

			a1, err := s.ListEvents(ctx, EventFilter{AgentID: "a1"})
			require.NoError(t, err)
			assert.Len(t, a1, 2)

			since := baseTime.Add(time.Second)
			recent, err := s.ListEvents(ctx, EventFilter{Since: &since, Limit: 1})
			require.NoError(t, err)
			require.Len(t, recent, 1)
			assert.Equal(t, EventRecoveryExhausted, recent[0].Type)

			typed, err := s.ListEvents(ctx, EventFilter{Type: EventAgentSilent})
			require.NoError(t, err)
			require.Len(t, typed, 1)
			assert.Equal(t, SeverityWarning, typed[0].Severity)
		})
	}
}

func TestStore_EventsLimitAcrossLongLog(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			// Pairs of events share a timestamp; every 50th belongs to a2.
			for i := 0; i < 600; i++ {
				agent := "a1"
				if i%50 == 0 {
					agent = "a2"
				}
				require.NoError(t, s.RecordEvent(ctx, &SystemEvent{
					ID:        fmt.Sprintf("e%03d", i),
					Type:      EventStateChanged,
					Severity:  SeverityInfo,
					AgentID:   agent,
					Timestamp: baseTime.Add(time.Duration(i/2) * time.Second),
				}))
			}

			newest, err := s.ListEvents(ctx, EventFilter{Limit: 5})
			require.NoError(t, err)
			assert.Equal(t, []string{"e599", "e598", "e597", "e596", "e595"}, eventIDs(newest))

			a2, err := s.ListEvents(ctx, EventFilter{AgentID: "a2", Limit: 3})
			require.NoError(t, err)
			assert.Equal(t, []string{"e550", "e500", "e450"}, eventIDs(a2))

			all, err := s.ListEvents(ctx, EventFilter{AgentID: "a2"})
			require.NoError(t, err)
			assert.Len(t, all, 12)
		})
	}
}

func eventIDs(events []*SystemEvent) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}

func TestStore_RecoveryActions(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			r1 := &RecoveryAction{
				IssueType: "UNRESPONSIVE",
				AgentID:   "a1",
				ActionsTaken: []ActionOutcome{
					{Action: "restart_agent", Attempt: 1, StartedAt: baseTime, FinishedAt: baseTime.Add(time.Second), Error: "no heartbeat"},
					{Action: "restart_agent", Attempt: 2, StartedAt: baseTime.Add(2 * time.Second), FinishedAt: baseTime.Add(3 * time.Second), Success: true},
				},
				Success:   true,
				StartedAt: baseTime,
				EndedAt:   baseTime.Add(3 * time.Second),
			}
			r2 := &RecoveryAction{IssueType: "HIGH_ERROR_RATE", AgentID: "a2", StartedAt: baseTime.Add(time.Minute), EndedAt: baseTime.Add(2 * time.Minute)}
			require.NoError(t, s.RecordRecoveryAction(ctx, r1))
			require.NoError(t, s.RecordRecoveryAction(ctx, r2))

			all, err := s.ListRecoveryActions(ctx, "", 0)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "a2", all[0].AgentID)

			mine, err := s.ListRecoveryActions(ctx, "a1", 10)
			require.NoError(t, err)
			require.Len(t, mine, 1)
			assert.True(t, mine[0].Success)
			require.Len(t, mine[0].ActionsTaken, 2)
			assert.Equal(t, "no heartbeat", mine[0].ActionsTaken[0].Error)
			assert.True(t, mine[0].ActionsTaken[1].Success)
		})
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	mr.Close()

	err := s.Ping(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = s.GetAgent(ctx, "a1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRedisStore_EmptyNamespace(t *testing.T) {
	_, err := NewRedisStore(&redis.Options{Addr: "localhost:0"}, "")
	assert.Error(t, err)
}

func TestSQLiteStore_ClosedIsUnavailable(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.Close())

	err := s.Ping(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestSQLiteStore_UnsupportedDriver(t *testing.T) {
	_, err := OpenSQLite("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.RegisterAgent(ctx, newAgent("a1")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "agent a1", got.Name)
}

func TestMockStore_SetUnavailable(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	require.NoError(t, s.RegisterAgent(ctx, newAgent("a1")))

	s.SetUnavailable(true)
	_, err := s.GetAgent(ctx, "a1")
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.ErrorIs(t, s.Ping(ctx), ErrStoreUnavailable)

	s.SetUnavailable(false)
	_, err = s.GetAgent(ctx, "a1")
	assert.NoError(t, err)
	assert.Positive(t, s.Calls())
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	require.NoError(t, s.RegisterAgent(ctx, newAgent("a1")))

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	got.Capabilities[0] = "mutated"
	got.Metadata["zone"] = "b"

	again, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "chat", again.Capabilities[0])
	assert.Equal(t, "a", again.Metadata["zone"])
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	var km keyedMutex
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("a1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Empty(t, km.entries)
}
