// Package lifecycle defines the agent state machine.
//
// # States
//
//	REGISTERING -> INITIALIZING -> ACTIVE <-> {MONITORING, STANDBY}
//	ACTIVE | MONITORING | STANDBY -> ERROR -> RECOVERING -> ACTIVE
//	RECOVERING -> ERROR (verification failed)
//	any -> SHUTDOWN (terminal)
//
// SILENT is never reported by an agent. The coordinator assigns it when an
// agent's heartbeats stop, and the agent leaves it as soon as a fresh
// heartbeat arrives or the recovery engine takes over.
//
// The same table is enforced by the agent runtime (local transitions) and by
// the coordinator (persisted transitions).
package lifecycle
