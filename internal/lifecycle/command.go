// ABOUTME: Commands the coordinator delivers to agents in heartbeat acknowledgements
// ABOUTME: Shared by the coordinator mailbox and the agent runtime

package lifecycle

import (
	"errors"
	"time"
)

// ErrUnknownCommand is returned for command types no runtime understands.
var ErrUnknownCommand = errors.New("unknown command type")

// CommandType names an instruction for an agent runtime.
type CommandType string

const (
	CommandRestart    CommandType = "restart"
	CommandClearCache CommandType = "clear_cache"
	CommandCheckpoint CommandType = "checkpoint"
	CommandStandby    CommandType = "standby"
	CommandResume     CommandType = "resume"
	CommandShutdown   CommandType = "shutdown"
)

// Command is one queued instruction.
type Command struct {
	ID       string      `json:"id"`
	Type     CommandType `json:"type"`
	Reason   string      `json:"reason,omitempty"`
	IssuedAt time.Time   `json:"issued_at"`
}

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	switch t {
	case CommandRestart, CommandClearCache, CommandCheckpoint, CommandStandby, CommandResume, CommandShutdown:
		return true
	}
	return false
}
