// Package agent is the lifecycle runtime embedded in worker agents.
//
// # Overview
//
// A Runtime wraps a Worker (the domain logic) and drives it through the
// lifecycle table in package lifecycle:
//
//	REGISTERING -> INITIALIZING -> ACTIVE <-> {MONITORING, STANDBY}
//	ACTIVE -> ERROR -> RECOVERING -> ACTIVE
//	any -> SHUTDOWN
//
// The runtime talks to the coordinator through the small Coordinator
// interface. In-process agents pass *coordinator.Coordinator directly;
// remote agents pass an agentclient.Client.
//
// # Cycle
//
// Every cycle does three things in order:
//
//  1. Apply commands received in earlier heartbeat acknowledgements
//  2. Send a heartbeat carrying state, latest metrics and counters
//  3. Run one DoWork when the agent is operational and not paused
//
// The heartbeat goes out before the work so a crash mid-cycle still leaves a
// fresh "about to work" heartbeat on record.
//
// # Work Outcomes
//
// DoWork returns a WorkResult instead of panicking:
//
//	WorkOK        -> ACTIVE
//	WorkIdle      -> STANDBY
//	WorkWatching  -> MONITORING
//	WorkTransient -> counted, then HandleError decides
//	WorkFatal     -> ERROR
//
// A panic inside DoWork is recovered and treated as WorkFatal.
//
// # Recovery
//
// An agent in ERROR does not heal itself. It waits for a restart command
// from the coordinator, moves to RECOVERING and re-runs Initialize. At most
// MaxRetries restarts are honoured between healthy cycles; after that the
// agent stays in ERROR and the coordinator's escalation takes over.
//
// # Heartbeat Queue
//
// Undelivered heartbeats wait in a bounded FIFO (16 by default) and are
// replayed oldest first at the next cycle. When the queue is full the oldest
// heartbeat is dropped.
package agent
