// ABOUTME: Tests for liveness detection, health optimization and end-to-end recovery
// ABOUTME: Drives passes directly against a fake clock

package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-warden/internal/health"
	"github.com/2389/coven-warden/internal/lifecycle"
	"github.com/2389/coven-warden/internal/recovery"
	"github.com/2389/coven-warden/internal/store"
)

func TestCheckLiveness_MarksSilentOncePerEpisode(t *testing.T) {
	// 60s interval, 3 missed: silent after 180s of quiet.
	f := startCoordinator(t, testConfig())
	ctx := context.Background()
	f.registerActive(t, "a1")

	f.clock.Set(t0.Add(170 * time.Second))
	require.NoError(t, f.coord.CheckLiveness(ctx))
	assert.Equal(t, lifecycle.StateActive, f.state(t, "a1"))

	f.clock.Set(t0.Add(200 * time.Second))
	require.NoError(t, f.coord.CheckLiveness(ctx))
	assert.Equal(t, lifecycle.StateSilent, f.state(t, "a1"))

	warnings := f.events(t, store.EventFilter{Type: store.EventAgentSilent})
	require.Len(t, warnings, 1)
	assert.Equal(t, store.SeverityWarning, warnings[0].Severity)
	assert.Equal(t, "a1", warnings[0].AgentID)

	f.clock.Set(t0.Add(230 * time.Second))
	require.NoError(t, f.coord.CheckLiveness(ctx))
	assert.Len(t, f.events(t, store.EventFilter{Type: store.EventAgentSilent}), 1, "one warning per silence episode")

	// The agent comes back.
	ack, err := f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Advance(time.Second), State: lifecycle.StateActive})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateActive, ack.State)
	assert.Len(t, f.events(t, store.EventFilter{Type: store.EventAgentResumed}), 1)

	// A second episode warns again.
	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.coord.CheckLiveness(ctx))
	assert.Len(t, f.events(t, store.EventFilter{Type: store.EventAgentSilent}), 2)
}

func TestCheckLiveness_HeartbeatsAtZeroThirtySixty(t *testing.T) {
	// An agent heartbeating every 30s: silent after 3 missed beats (90s),
	// recovery once the silence passes 180s.
	cfg := testConfig()
	cfg.HeartbeatInterval = 30 * time.Second
	require.Equal(t, 180*time.Second, cfg.withDefaults().EmergencyThreshold)

	f := startCoordinator(t, cfg)
	ctx := context.Background()
	f.registerActive(t, "a1")
	for _, sec := range []int{30, 60} {
		f.clock.Set(t0.Add(time.Duration(sec) * time.Second))
		_, err := f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Now(), State: lifecycle.StateActive})
		require.NoError(t, err)
	}

	f.clock.Set(t0.Add(150 * time.Second))
	require.NoError(t, f.coord.CheckLiveness(ctx))
	assert.Equal(t, lifecycle.StateActive, f.state(t, "a1"), "exactly at the threshold is not silent")

	f.clock.Set(t0.Add(200 * time.Second))
	require.NoError(t, f.coord.CheckLiveness(ctx))
	assert.Equal(t, lifecycle.StateSilent, f.state(t, "a1"))

	warnings := f.events(t, store.EventFilter{Type: store.EventAgentSilent, MinSeverity: store.SeverityWarning})
	require.Len(t, warnings, 1)
	assert.Equal(t, "a1", warnings[0].AgentID)
	assert.InDelta(t, 140.0, warnings[0].Payload["age_seconds"], 1e-9)

	// 140s of silence is short of the emergency threshold.
	assert.Empty(t, f.coord.Actuator().Peek("a1"))
	assert.Empty(t, f.events(t, store.EventFilter{Type: store.EventRecoveryStarted}))
}

func TestCheckLiveness_OutageDoesNotCountAsSilence(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()
	f.registerActive(t, "a1")

	f.store.SetUnavailable(true)
	_, err := f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Advance(time.Minute), State: lifecycle.StateActive})
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
	require.True(t, f.coord.Degraded())

	// Longer than the 360s emergency threshold.
	f.clock.Advance(7 * time.Minute)
	f.store.SetUnavailable(false)
	require.Eventually(t, func() bool { return !f.coord.Degraded() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.coord.CheckLiveness(ctx))
	assert.Equal(t, lifecycle.StateActive, f.state(t, "a1"))
	assert.Empty(t, f.events(t, store.EventFilter{Type: store.EventAgentSilent}))
	assert.Empty(t, f.coord.Actuator().Peek("a1"))

	// Agents that stay quiet after the outage still go silent.
	f.clock.Advance(181 * time.Second)
	require.NoError(t, f.coord.CheckLiveness(ctx))
	assert.Equal(t, lifecycle.StateSilent, f.state(t, "a1"))
}

func TestCheckLiveness_IgnoresUnwatchedStates(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()
	f.registerActive(t, "a1")
	require.NoError(t, f.coord.TransitionState(ctx, "a1", lifecycle.StateShutdown, "done"))

	f.clock.Advance(time.Hour)
	require.NoError(t, f.coord.CheckLiveness(ctx))
	assert.Equal(t, lifecycle.StateShutdown, f.state(t, "a1"))
	assert.Empty(t, f.events(t, store.EventFilter{Type: store.EventAgentSilent}))
}

func TestUnresponsiveRecovery_SecondRestartVerified(t *testing.T) {
	cfg := testConfig()
	cfg.VerifyTimeout = 500 * time.Millisecond
	f := startCoordinator(t, cfg)
	ctx := context.Background()
	f.registerActive(t, "a2")
	actuator := f.coord.Actuator()

	// Past the 360s emergency threshold: silent, then recovery starts.
	f.clock.Set(t0.Add(400 * time.Second))
	require.NoError(t, f.coord.CheckLiveness(ctx))

	var first string
	require.Eventually(t, func() bool {
		cmds := actuator.Peek("a2")
		if len(cmds) == 1 {
			first = cmds[0].ID
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, lifecycle.StateRecovering, f.state(t, "a2"))

	// The first restart is never picked up and times out; the second is.
	var second string
	require.Eventually(t, func() bool {
		cmds := actuator.Peek("a2")
		if len(cmds) == 1 && cmds[0].ID != first {
			second = cmds[0].ID
			return true
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)

	ack, err := f.coord.ReceiveHeartbeat(ctx, "a2", Heartbeat{Timestamp: f.clock.Advance(time.Second), State: lifecycle.StateActive})
	require.NoError(t, err)
	require.Len(t, ack.Commands, 1)
	assert.Equal(t, second, ack.Commands[0].ID)
	assert.Equal(t, lifecycle.CommandRestart, ack.Commands[0].Type)

	_, err = f.coord.ReceiveHeartbeat(ctx, "a2", Heartbeat{Timestamp: f.clock.Advance(time.Second), State: lifecycle.StateActive})
	require.NoError(t, err)

	var rec *store.RecoveryAction
	require.Eventually(t, func() bool {
		recs, err := f.coord.RecentRecoveries(ctx, "a2", 10)
		if err != nil || len(recs) != 1 {
			return false
		}
		rec = recs[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, string(recovery.IssueUnresponsive), rec.IssueType)
	assert.True(t, rec.Success)
	require.Len(t, rec.ActionsTaken, 2)
	assert.False(t, rec.ActionsTaken[0].Success)
	assert.Contains(t, rec.ActionsTaken[0].Error, "never delivered")
	assert.True(t, rec.ActionsTaken[1].Success)

	require.Eventually(t, func() bool {
		return f.state(t, "a2") == lifecycle.StateActive
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.notifier.issues())
}

func TestRecover_ExhaustedEscalates(t *testing.T) {
	cfg := testConfig()
	cfg.VerifyTimeout = 20 * time.Millisecond
	f := startCoordinator(t, cfg)
	ctx := context.Background()
	f.registerActive(t, "a1")

	rec, err := f.coord.Recover(ctx, "a1", recovery.IssueUnresponsive)
	require.ErrorIs(t, err, recovery.ErrRecoveryExhausted)
	assert.Len(t, rec.ActionsTaken, 3, "never more than three attempts")
	assert.Equal(t, lifecycle.StateError, f.state(t, "a1"))
	assert.Empty(t, f.coord.Actuator().Peek("a1"), "timed out commands are withdrawn")

	exhausted := f.events(t, store.EventFilter{Type: store.EventRecoveryExhausted})
	require.Len(t, exhausted, 1)
	assert.Equal(t, store.SeverityCritical, exhausted[0].Severity)
	assert.Equal(t, []recovery.Issue{recovery.IssueUnresponsive}, f.notifier.issues())

	// Further incidents wait for the agent to come back on its own.
	_, err = f.coord.Recover(ctx, "a1", recovery.IssueUnresponsive)
	require.ErrorIs(t, err, recovery.ErrRecoveryExhausted)

	ack, err := f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Advance(time.Minute), State: lifecycle.StateActive})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateActive, ack.State, "ERROR walks through RECOVERING back to ACTIVE")
	assert.False(t, f.coord.engine.Exhausted("a1"))
}

func TestRecover_ExhaustedAgentReportingStandbyRejoins(t *testing.T) {
	cfg := testConfig()
	cfg.VerifyTimeout = 20 * time.Millisecond
	f := startCoordinator(t, cfg)
	ctx := context.Background()
	f.registerActive(t, "a1")

	_, err := f.coord.Recover(ctx, "a1", recovery.IssueUnresponsive)
	require.ErrorIs(t, err, recovery.ErrRecoveryExhausted)
	require.Equal(t, lifecycle.StateError, f.state(t, "a1"))

	_, err = f.coord.SendCommand(ctx, "a1", lifecycle.CommandRestart, "operator")
	require.NoError(t, err)

	// The agent never noticed and is idling.
	ack, err := f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Advance(time.Minute), State: lifecycle.StateStandby})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateStandby, ack.State)
	require.Len(t, ack.Commands, 1)
	assert.Equal(t, lifecycle.CommandRestart, ack.Commands[0].Type)

	assert.Equal(t, lifecycle.StateStandby, f.state(t, "a1"))
	assert.Empty(t, f.events(t, store.EventFilter{Type: store.EventInvalidTransition}))
	assert.False(t, f.coord.engine.Exhausted("a1"))

	ack, err = f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Advance(time.Minute), State: lifecycle.StateMonitoring})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateMonitoring, ack.State)
}

func TestOptimize_CriticalScoreTriggersRecovery(t *testing.T) {
	var ran []recovery.Action
	actuator := recovery.ActuatorFunc(func(_ context.Context, _ string, a recovery.Action) error {
		ran = append(ran, a)
		return nil
	})
	f := startCoordinator(t, testConfig(), WithActuator(actuator))
	ctx := context.Background()
	f.registerActive(t, "a1")

	// Slow, error-prone and CPU-starved, but on time.
	for i := 1; i <= 10; i++ {
		_, err := f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{
			Timestamp:  t0.Add(time.Duration(i) * time.Minute),
			State:      lifecycle.StateActive,
			Metrics:    map[string]float64{health.MetricResponseTime: 5000, health.MetricCPU: 95},
			ErrorCount: int64(5 * i),
			CycleCount: int64(10 * i),
		})
		require.NoError(t, err)
	}
	f.clock.Set(t0.Add(10 * time.Minute))

	require.NoError(t, f.coord.Optimize(ctx))

	as, ok := f.coord.Assessment("a1")
	require.True(t, ok)
	assert.Less(t, as.Overall, 60.0)
	assert.Equal(t, health.FactorPerformance, as.SubScores.Weakest())

	critical := f.events(t, store.EventFilter{Type: store.EventHealthCritical})
	require.Len(t, critical, 1)
	assert.Equal(t, string(recovery.IssuePerformanceDegradation), critical[0].Payload["issue"])

	require.Eventually(t, func() bool {
		recs, err := f.coord.RecentRecoveries(ctx, "a1", 10)
		return err == nil && len(recs) == 1 && recs[0].Success
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []recovery.Action{recovery.ActionClearCache}, ran)

	scores, err := f.store.ListMetrics(ctx, "a1", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	var recorded bool
	for _, m := range scores {
		if m.Name == "health_score" {
			recorded = true
			assert.InDelta(t, as.Overall, m.Value, 1e-9)
		}
	}
	assert.True(t, recorded)
}

func TestOptimize_PrunesOldHeartbeats(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()
	f.registerActive(t, "a1")

	f.clock.Set(t0.Add(25 * time.Hour))
	_, err := f.coord.ReceiveHeartbeat(ctx, "a1", Heartbeat{Timestamp: f.clock.Now(), State: lifecycle.StateActive})
	require.NoError(t, err)

	require.NoError(t, f.coord.Optimize(ctx))
	hbs, err := f.coord.Heartbeats(ctx, "a1", t0.Add(-time.Hour), f.clock.Now())
	require.NoError(t, err)
	require.Len(t, hbs, 1, "the 25h-old heartbeat is past retention")
	assert.Equal(t, t0.Add(25*time.Hour), hbs[0].Timestamp)
}

func TestHealthSummary(t *testing.T) {
	f := startCoordinator(t, testConfig())
	ctx := context.Background()
	f.registerActive(t, "a1")
	f.registerActive(t, "a2")
	require.NoError(t, f.coord.TransitionState(ctx, "a2", lifecycle.StateStandby, "idle"))

	f.clock.Advance(time.Minute)
	require.NoError(t, f.coord.Optimize(ctx))

	sum, err := f.coord.HealthSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.ByState[lifecycle.StateActive])
	assert.Equal(t, 1, sum.ByState[lifecycle.StateStandby])
	require.Len(t, sum.Agents, 2)
	assert.Equal(t, "a1", sum.Agents[0].AgentID)
	require.NotNil(t, sum.Agents[0].Score)
	assert.InDelta(t, 60.0, sum.Agents[0].HeartbeatAge, 1e-9)
	assert.False(t, sum.Degraded)
}

func TestIssueFor(t *testing.T) {
	assert.Equal(t, recovery.IssueUnresponsive, issueFor(health.FactorHeartbeat))
	assert.Equal(t, recovery.IssueHighErrorRate, issueFor(health.FactorErrorRate))
	assert.Equal(t, recovery.IssueResourceExhaustion, issueFor(health.FactorResource))
	assert.Equal(t, recovery.IssuePerformanceDegradation, issueFor(health.FactorPerformance))
	assert.Equal(t, recovery.IssuePerformanceDegradation, issueFor(health.FactorBusinessImpact))
}
