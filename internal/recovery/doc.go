// Package recovery runs bounded, auditable remediation for unhealthy agents.
//
// Each Issue maps to an ordered plan of Actions truncated to MaxAttempts. The
// Engine runs the plan one action at a time through an Actuator; the first
// verified success ends the incident. Every incident is written as a
// store.RecoveryAction. When all actions fail the engine records a CRITICAL
// recovery_exhausted event, hands an Escalation to the Notifier and returns
// ErrRecoveryExhausted. It never starts attempt MaxAttempts+1.
//
// At most one incident runs per agent. An exhausted agent stays blocked until
// Reset, which the coordinator calls once the agent reports ACTIVE again.
package recovery
