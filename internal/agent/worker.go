// ABOUTME: Worker capability interface driven by the lifecycle runtime
// ABOUTME: Work outcomes are explicit kinds that the runtime maps onto state transitions

package agent

import (
	"context"
	"errors"
)

// ErrWorkPanic wraps a panic recovered from DoWork.
var ErrWorkPanic = errors.New("work cycle panicked")

// WorkKind classifies the outcome of one work cycle.
type WorkKind int

const (
	// WorkOK means useful work was done; the agent is ACTIVE.
	WorkOK WorkKind = iota
	// WorkIdle means there was nothing to do; the agent is on STANDBY.
	WorkIdle
	// WorkWatching means the agent is only observing; it is MONITORING.
	WorkWatching
	// WorkTransient is a counted failure the agent keeps running through,
	// unless HandleError escalates it.
	WorkTransient
	// WorkFatal sends the agent to ERROR until the coordinator restarts it.
	WorkFatal
)

func (k WorkKind) String() string {
	switch k {
	case WorkOK:
		return "ok"
	case WorkIdle:
		return "idle"
	case WorkWatching:
		return "watching"
	case WorkTransient:
		return "transient"
	case WorkFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// WorkResult is what a work cycle returns instead of panicking.
type WorkResult struct {
	Kind WorkKind
	// Metrics are merged into the snapshot carried by the next heartbeat.
	Metrics map[string]float64
	Err     error
}

// Worker is the domain logic an agent runs. The runtime owns the lifecycle.
type Worker interface {
	// Initialize prepares the worker. It runs after registration and on restart.
	Initialize(ctx context.Context) error
	// DoWork runs one cycle.
	DoWork(ctx context.Context) WorkResult
	// HandleError sees every transient failure and returns the kind to apply:
	// WorkTransient to keep going or WorkFatal to stop.
	HandleError(ctx context.Context, res WorkResult) WorkKind
}

// CacheClearer is implemented by workers that hold a cache worth dropping.
type CacheClearer interface {
	ClearCache(ctx context.Context) error
}

// Checkpointer is implemented by workers that can persist progress on demand.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}
