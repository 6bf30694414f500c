// ABOUTME: Command mailbox actuator delivering remediation commands in heartbeat acks
// ABOUTME: An action is verified by the first operational heartbeat after delivery

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-warden/internal/lifecycle"
	"github.com/2389/coven-warden/internal/recovery"
)

// ErrNotVerified is returned when an agent does not confirm a command in time.
var ErrNotVerified = errors.New("action not verified")

type pendingCommand struct {
	cmd      lifecycle.Command
	verified chan struct{} // nil for commands nobody waits on
}

// CommandActuator implements recovery.Actuator on top of per-agent mailboxes.
// Commands ride back to the agent on its next heartbeat acknowledgement.
type CommandActuator struct {
	verifyTimeout time.Duration
	reconnect     func(ctx context.Context) error
	now           func() time.Time

	mu        sync.Mutex
	mailbox   map[string][]*pendingCommand // queued, not yet delivered
	delivered map[string][]*pendingCommand // delivered, awaiting an operational heartbeat
}

// NewCommandActuator creates an actuator. reconnect handles reconnect_store actions.
func NewCommandActuator(verifyTimeout time.Duration, reconnect func(ctx context.Context) error, now func() time.Time) *CommandActuator {
	if now == nil {
		now = time.Now
	}
	return &CommandActuator{
		verifyTimeout: verifyTimeout,
		reconnect:     reconnect,
		now:           now,
		mailbox:       make(map[string][]*pendingCommand),
		delivered:     make(map[string][]*pendingCommand),
	}
}

func commandFor(action recovery.Action) (lifecycle.CommandType, error) {
	switch action {
	case recovery.ActionRestart:
		return lifecycle.CommandRestart, nil
	case recovery.ActionClearCache:
		return lifecycle.CommandClearCache, nil
	case recovery.ActionCheckpoint:
		return lifecycle.CommandCheckpoint, nil
	}
	return "", fmt.Errorf("no agent command for action %q", action)
}

// Execute queues the command for the action and waits until the agent
// confirms it with an operational heartbeat, or the verify timeout expires.
func (a *CommandActuator) Execute(ctx context.Context, agentID string, action recovery.Action) error {
	if action == recovery.ActionReconnectStore {
		if a.reconnect == nil {
			return errors.New("store reconnect not configured")
		}
		return a.reconnect(ctx)
	}

	cmdType, err := commandFor(action)
	if err != nil {
		return err
	}

	p := &pendingCommand{
		cmd:      a.newCommand(cmdType, string(action)),
		verified: make(chan struct{}),
	}
	a.mu.Lock()
	a.mailbox[agentID] = append(a.mailbox[agentID], p)
	a.mu.Unlock()

	vctx := ctx
	if a.verifyTimeout > 0 {
		var cancel context.CancelFunc
		vctx, cancel = context.WithTimeout(ctx, a.verifyTimeout)
		defer cancel()
	}

	select {
	case <-p.verified:
		return nil
	case <-vctx.Done():
		delivered := a.withdraw(agentID, p)
		if delivered {
			return fmt.Errorf("%w: %s delivered but no operational heartbeat followed", ErrNotVerified, action)
		}
		return fmt.Errorf("%w: %s never delivered", ErrNotVerified, action)
	}
}

// Send queues an operator command without waiting for verification.
func (a *CommandActuator) Send(agentID string, cmdType lifecycle.CommandType, reason string) lifecycle.Command {
	cmd := a.newCommand(cmdType, reason)
	a.mu.Lock()
	a.mailbox[agentID] = append(a.mailbox[agentID], &pendingCommand{cmd: cmd})
	a.mu.Unlock()
	return cmd
}

func (a *CommandActuator) newCommand(t lifecycle.CommandType, reason string) lifecycle.Command {
	return lifecycle.Command{
		ID:       uuid.New().String(),
		Type:     t,
		Reason:   reason,
		IssuedAt: a.now(),
	}
}

// Drain hands every queued command to the caller (the heartbeat ack).
func (a *CommandActuator) Drain(agentID string) []lifecycle.Command {
	a.mu.Lock()
	defer a.mu.Unlock()

	queued := a.mailbox[agentID]
	if len(queued) == 0 {
		return nil
	}
	delete(a.mailbox, agentID)

	cmds := make([]lifecycle.Command, 0, len(queued))
	for _, p := range queued {
		cmds = append(cmds, p.cmd)
		if p.verified != nil {
			a.delivered[agentID] = append(a.delivered[agentID], p)
		}
	}
	return cmds
}

// Observe feeds a heartbeat's reported state to the actuator. An operational
// state verifies every command delivered before this heartbeat.
func (a *CommandActuator) Observe(agentID string, state lifecycle.State) {
	if !state.Operational() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.delivered[agentID] {
		close(p.verified)
	}
	delete(a.delivered, agentID)
}

// Peek returns the undelivered commands for an agent without draining them.
func (a *CommandActuator) Peek(agentID string) []lifecycle.Command {
	a.mu.Lock()
	defer a.mu.Unlock()

	queued := a.mailbox[agentID]
	cmds := make([]lifecycle.Command, 0, len(queued))
	for _, p := range queued {
		cmds = append(cmds, p.cmd)
	}
	return cmds
}

// withdraw removes p wherever it sits and reports whether it had been delivered.
func (a *CommandActuator) withdraw(agentID string, p *pendingCommand) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if remaining, removed := without(a.mailbox[agentID], p); removed {
		setOrDelete(a.mailbox, agentID, remaining)
		return false
	}
	remaining, _ := without(a.delivered[agentID], p)
	setOrDelete(a.delivered, agentID, remaining)
	return true
}

func without(list []*pendingCommand, p *pendingCommand) ([]*pendingCommand, bool) {
	for i, q := range list {
		if q == p {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

func setOrDelete(m map[string][]*pendingCommand, key string, list []*pendingCommand) {
	if len(list) == 0 {
		delete(m, key)
		return
	}
	m[key] = list
}
