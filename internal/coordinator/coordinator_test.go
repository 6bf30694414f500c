// ABOUTME: Tests for registration, heartbeat reconciliation and state transitions
// ABOUTME: Runs a live coordinator over the in-memory store

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-warden/internal/lifecycle"
	"github.com/2389/coven-warden/internal/store"
)

func TestRegisterAgent(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()

	reg, err := f.coord.RegisterAgent(ctx, Descriptor{
		ID:           "a1",
		Name:         "indexer",
		Capabilities: []string{"index", "search"},
		Metadata:     map[string]string{"zone": "eu"},
	})
	require.NoError(t, err)

	assert.Equal(t, "a1", reg.Agent.ID)
	assert.Equal(t, lifecycle.StateInitializing, reg.Agent.State)
	assert.Equal(t, 60*time.Second, reg.HeartbeatInterval)
	assert.Equal(t, t0, reg.Agent.RegisteredAt)
	assert.Equal(t, lifecycle.StateInitializing, f.state(t, "a1"))

	registered := f.events(t, store.EventFilter{Type: store.EventAgentRegistered})
	require.Len(t, registered, 1)
	assert.Equal(t, "a1", registered[0].AgentID)
	assert.Equal(t, store.SeverityInfo, registered[0].Severity)
}

func TestRegisterAgent_Duplicate(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()

	_, err := f.coord.RegisterAgent(ctx, Descriptor{ID: "a1", Name: "first"})
	require.NoError(t, err)

	_, err = f.coord.RegisterAgent(ctx, Descriptor{ID: "a1", Name: "second"})
	require.ErrorIs(t, err, store.ErrDuplicateAgentID)

	a, err := f.coord.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "first", a.Name, "duplicate must not overwrite")
}

func TestRegisterAgent_InvalidDescriptor(t *testing.T) {
	f := startCoordinator(t, testConfig())

	_, err := f.coord.RegisterAgent(context.Background(), Descriptor{Name: "nameless"})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
	_, err = f.coord.RegisterAgent(context.Background(), Descriptor{ID: "a1", Name: "  "})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestRegisterAgent_Concurrent(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.coord.RegisterAgent(ctx, Descriptor{ID: fmt.Sprintf("agent-%02d", i), Name: "worker"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	agents, err := f.coord.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 20)

	var ok, dup atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.RegisterAgent(ctx, Descriptor{ID: "contested", Name: "worker"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, store.ErrDuplicateAgentID):
				dup.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(9), dup.Load())
}

func TestRegisterAgent_NotRunning(t *testing.T) {
	c := New(testConfig(), store.NewMockStore(), WithLogger(testLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	_, err := c.RegisterAgent(context.Background(), Descriptor{ID: "a1", Name: "late"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestReceiveHeartbeat_AppliesReportedState(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()
	f.registerActive(t, "a1")

	ack, err := f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{
		Timestamp: f.clock.Advance(time.Minute),
		State:     lifecycle.StateMonitoring,
		Metrics:   map[string]float64{"cpu_percent": 12},
	})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateMonitoring, ack.State)
	assert.Equal(t, 60*time.Second, ack.NextHeartbeat)
	assert.Empty(t, ack.Commands)

	a, err := f.coord.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, a.LastHeartbeatAt)
	assert.Equal(t, t0.Add(time.Minute), *a.LastHeartbeatAt)
	assert.Equal(t, int64(2), a.HeartbeatCounter)
}

func TestReceiveHeartbeat_Monotonic(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()
	f.registerActive(t, "a1")

	later := f.clock.Advance(2 * time.Minute)
	_, err := f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: later, State: lifecycle.StateActive})
	require.NoError(t, err)

	_, err = f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: later.Add(-time.Second), State: lifecycle.StateActive})
	require.ErrorIs(t, err, store.ErrHeartbeatStale)

	a, err := f.coord.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, later, *a.LastHeartbeatAt, "stale heartbeat must not move last_heartbeat_at back")
}

func TestReceiveHeartbeat_Rejections(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()
	f.registerActive(t, "a1")

	_, err := f.coord.ReceiveHeartbeat(ctx, "ghost", Heartbeat{State: lifecycle.StateActive})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{State: lifecycle.StateSilent})
	assert.ErrorIs(t, err, ErrInvalidHeartbeat, "SILENT is assigned by the coordinator only")

	_, err = f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{State: "DANCING"})
	assert.ErrorIs(t, err, ErrInvalidHeartbeat)

	_, err = f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{State: lifecycle.StateActive, ErrorCount: -1})
	assert.ErrorIs(t, err, ErrInvalidHeartbeat)
}

func TestReceiveHeartbeat_InvalidTransitionIsAudited(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()
	f.registerActive(t, "a1")

	_, err := f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Advance(time.Minute), State: lifecycle.StateRegistering})
	require.ErrorIs(t, err, lifecycle.ErrInvalidStateTransition)
	assert.Equal(t, lifecycle.StateActive, f.state(t, "a1"))

	critical := f.events(t, store.EventFilter{Type: store.EventInvalidTransition})
	require.Len(t, critical, 1)
	assert.Equal(t, store.SeverityCritical, critical[0].Severity)
	assert.Equal(t, "ACTIVE", critical[0].Payload["from"])
	assert.Equal(t, "REGISTERING", critical[0].Payload["to"])
}

func TestReceiveHeartbeat_NonFiniteMetrics(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()
	f.registerActive(t, "a1")

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{
			Timestamp: f.clock.Advance(time.Second),
			State:     lifecycle.StateActive,
			Metrics:   map[string]float64{"error_ratio": v},
		})
		assert.ErrorIs(t, err, ErrInvalidHeartbeat)

		assert.ErrorIs(t, f.coord.RecordMetric(ctx, "a1", MetricSample{Name: "error_ratio", Value: v}), ErrInvalidHeartbeat)
	}

	hbs, err := f.store.ListHeartbeats(ctx, "a1", t0, f.clock.Now())
	require.NoError(t, err)
	assert.Len(t, hbs, 1, "only the registration heartbeat was stored")
}

func TestReceiveHeartbeat_InvalidTransitionStillDeliversCommands(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()
	f.registerActive(t, "a1")

	_, err := f.coord.SendCommand(ctx, "a1", lifecycle.CommandCheckpoint, "operator")
	require.NoError(t, err)

	ack, err := f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Advance(time.Minute), State: lifecycle.StateRegistering})
	require.ErrorIs(t, err, lifecycle.ErrInvalidStateTransition)
	require.Len(t, ack.Commands, 1)
	assert.Equal(t, lifecycle.CommandCheckpoint, ack.Commands[0].Type)
	assert.Empty(t, f.coord.PendingCommands("a1"))
}

func TestRegisterAgent_RejoinAfterShutdown(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()
	f.registerActive(t, "a1")

	_, err := f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Advance(time.Second), State: lifecycle.StateShutdown})
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateShutdown, f.state(t, "a1"))

	// A leftover runtime keeps heartbeating: refused without flooding the audit log.
	for i := 0; i < 3; i++ {
		_, err = f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Advance(time.Second), State: lifecycle.StateActive})
		require.ErrorIs(t, err, ErrAgentShutdown)
	}
	assert.Empty(t, f.events(t, store.EventFilter{Type: store.EventInvalidTransition}))

	reg, err := f.coord.RegisterAgent(ctx, Descriptor{ID: "a1", Name: "agent a1"})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateInitializing, reg.Agent.State)

	ack, err := f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Advance(time.Second), State: lifecycle.StateActive})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateActive, ack.State)

	registered := f.events(t, store.EventFilter{Type: store.EventAgentRegistered})
	require.Len(t, registered, 2)
	assert.Equal(t, true, registered[0].Payload["rejoined"])

	// A live agent is still a duplicate.
	_, err = f.coord.RegisterAgent(ctx, Descriptor{ID: "a1", Name: "agent a1"})
	assert.ErrorIs(t, err, store.ErrDuplicateAgentID)
}

func TestReceiveHeartbeat_ErrorSelfHeals(t *testing.T) {
	// An agent that reports ERROR gets a recovery incident. The stub actuator
	// succeeds once the agent is seen ACTIVE again.
	cfg := testConfig()
	cfg.VerifyTimeout = 5 * time.Second
	f := startCoordinator(t, cfg)
	ctx := context.Background()
	f.registerActive(t, "a1")

	ack, err := f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Advance(time.Minute), State: lifecycle.StateError})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateError, ack.State)

	// HIGH_ERROR_RATE starts with clear_cache.
	require.Eventually(t, func() bool {
		cmds := f.coord.Actuator().Peek("a1")
		return len(cmds) == 1 && cmds[0].Type == lifecycle.CommandClearCache
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, lifecycle.StateRecovering, f.state(t, "a1"))

	ack, err = f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Advance(time.Second), State: lifecycle.StateError})
	require.NoError(t, err)
	require.Len(t, ack.Commands, 1)
	assert.Equal(t, lifecycle.StateRecovering, ack.State, "reported state is ignored while recovering")

	_, err = f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Advance(time.Second), State: lifecycle.StateActive})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.state(t, "a1") == lifecycle.StateActive
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		recs, err := f.coord.RecentRecoveries(ctx, "a1", 10)
		return err == nil && len(recs) == 1 && recs[0].Success
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTransitionState(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()
	f.registerActive(t, "a1")

	require.NoError(t, f.coord.TransitionState(ctx, "a1", lifecycle.StateStandby, "operator"))
	assert.Equal(t, lifecycle.StateStandby, f.state(t, "a1"))

	require.NoError(t, f.coord.TransitionState(ctx, "a1", lifecycle.StateShutdown, "operator"))
	err := f.coord.TransitionState(ctx, "a1", lifecycle.StateActive, "operator")
	require.ErrorIs(t, err, lifecycle.ErrInvalidStateTransition, "SHUTDOWN is terminal")

	err = f.coord.TransitionState(ctx, "ghost", lifecycle.StateActive, "operator")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordMetric(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()
	f.registerActive(t, "a1")

	require.NoError(t, f.coord.RecordMetric(ctx, "a1", MetricSample{Name: "response_time_ms", Value: 120, Unit: "ms"}))
	metrics, err := f.store.ListMetrics(ctx, "a1", t0.Add(-time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, t0, metrics[0].Timestamp)

	assert.ErrorIs(t, f.coord.RecordMetric(ctx, "a1", MetricSample{Value: 1}), ErrInvalidHeartbeat)
	assert.ErrorIs(t, f.coord.RecordMetric(ctx, "ghost", MetricSample{Name: "x", Value: 1}), store.ErrNotFound)
}

func TestSendCommand(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()
	f.registerActive(t, "a1")

	cmd, err := f.coord.SendCommand(ctx, "a1", lifecycle.CommandStandby, "maintenance")
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.ID)

	ack, err := f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Advance(time.Minute), State: lifecycle.StateActive})
	require.NoError(t, err)
	require.Len(t, ack.Commands, 1)
	assert.Equal(t, cmd, ack.Commands[0])

	ack, err = f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Advance(time.Minute), State: lifecycle.StateStandby})
	require.NoError(t, err)
	assert.Empty(t, ack.Commands, "commands are delivered once")

	_, err = f.coord.SendCommand(ctx, "a1", "dance", "")
	assert.Error(t, err)
}

func TestSubscribeEvents(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine := f.coord.SubscribeEvents(ctx, "a2")
	all := f.coord.SubscribeEvents(ctx, "")

	for _, id := range []string{"a1", "a2"} {
		_, err := f.coord.RegisterAgent(ctx, Descriptor{ID: id, Name: id})
		require.NoError(t, err)
	}

	next := func(ch <-chan *store.SystemEvent) *store.SystemEvent {
		select {
		case e := <-ch:
			return e
		case <-time.After(time.Second):
			t.Fatal("no event")
			return nil
		}
	}
	e := next(all)
	assert.Equal(t, "a1", e.AgentID)
	assert.NotEmpty(t, e.ID, "published after the store assigned an id")
	assert.Equal(t, "a2", next(all).AgentID)

	e = next(mine)
	assert.Equal(t, store.EventAgentRegistered, e.Type)
	assert.Equal(t, "a2", e.AgentID)
}
