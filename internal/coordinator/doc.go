// Package coordinator is the single writer of agent state. It serializes
// registrations, reconciles heartbeats with the lifecycle table, marks silent
// agents, scores health on a schedule and hands incidents to the recovery
// engine. When the store is unreachable it degrades: reads come from memory,
// writes are refused and audit events queue until the store answers.
package coordinator
