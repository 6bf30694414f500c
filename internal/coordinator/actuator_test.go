package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-warden/internal/lifecycle"
	"github.com/2389/coven-warden/internal/recovery"
)

func TestCommandActuator_VerifiedAfterDeliveryAndHeartbeat(t *testing.T) {
	a := NewCommandActuator(time.Second, nil, nil)

	done := make(chan error, 1)
	go func() { done <- a.Execute(context.Background(), "a1", recovery.ActionRestart) }()

	require.Eventually(t, func() bool { return len(a.Peek("a1")) == 1 }, time.Second, time.Millisecond)

	// An operational heartbeat before delivery verifies nothing.
	a.Observe("a1", lifecycle.StateActive)
	cmds := a.Drain("a1")
	require.Len(t, cmds, 1)
	assert.Equal(t, lifecycle.CommandRestart, cmds[0].Type)
	assert.Equal(t, string(recovery.ActionRestart), cmds[0].Reason)

	a.Observe("a1", lifecycle.StateError)
	select {
	case <-done:
		t.Fatal("ERROR heartbeat must not verify")
	case <-time.After(20 * time.Millisecond):
	}

	a.Observe("a1", lifecycle.StateMonitoring)
	require.NoError(t, <-done)
}

func TestCommandActuator_TimesOut(t *testing.T) {
	a := NewCommandActuator(20*time.Millisecond, nil, nil)

	err := a.Execute(context.Background(), "a1", recovery.ActionClearCache)
	require.ErrorIs(t, err, ErrNotVerified)
	assert.Contains(t, err.Error(), "never delivered")
	assert.Empty(t, a.Peek("a1"))

	b := NewCommandActuator(300*time.Millisecond, nil, nil)
	done := make(chan error, 1)
	go func() { done <- b.Execute(context.Background(), "a1", recovery.ActionCheckpoint) }()
	require.Eventually(t, func() bool { return len(b.Drain("a1")) == 1 }, time.Second, time.Millisecond)

	err = <-done
	require.ErrorIs(t, err, ErrNotVerified)
	assert.Contains(t, err.Error(), "delivered but")
}

func TestCommandActuator_ReconnectStore(t *testing.T) {
	calls := 0
	a := NewCommandActuator(time.Second, func(context.Context) error {
		calls++
		return errors.New("still down")
	}, nil)

	err := a.Execute(context.Background(), "a1", recovery.ActionReconnectStore)
	assert.EqualError(t, err, "still down")
	assert.Equal(t, 1, calls)
	assert.Empty(t, a.Peek("a1"), "reconnects are not agent commands")

	unset := NewCommandActuator(time.Second, nil, nil)
	assert.Error(t, unset.Execute(context.Background(), "a1", recovery.ActionReconnectStore))
}

func TestCommandActuator_SendIsFireAndForget(t *testing.T) {
	now := func() time.Time { return t0 }
	a := NewCommandActuator(time.Second, nil, now)

	cmd := a.Send("a1", lifecycle.CommandShutdown, "decommissioned")
	assert.Equal(t, t0, cmd.IssuedAt)
	assert.Equal(t, []lifecycle.Command{cmd}, a.Drain("a1"))
	assert.Nil(t, a.Drain("a1"))

	// Nothing waits on a sent command, so observing is harmless.
	a.Observe("a1", lifecycle.StateActive)
}

func TestCommandActuator_UnknownAction(t *testing.T) {
	a := NewCommandActuator(time.Second, nil, nil)
	assert.Error(t, a.Execute(context.Background(), "a1", recovery.Action("reboot_datacenter")))
}
