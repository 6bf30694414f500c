// ABOUTME: Store interface and data types for coven-warden persistence
// ABOUTME: Defines agent, heartbeat, metric, event and recovery records plus the Store contract

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-warden/internal/lifecycle"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgentID is returned when registering an agent_id that already exists
var ErrDuplicateAgentID = errors.New("duplicate agent id")

// ErrStoreUnavailable is returned when the backing store cannot be reached
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrHeartbeatStale is returned when a heartbeat is older than the last accepted one
var ErrHeartbeatStale = errors.New("heartbeat stale")

// ErrStateConflict is returned when a compare-and-set state update finds a different state
var ErrStateConflict = errors.New("state conflict")

// Severity classifies system events
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities so filters can ask for "at least WARNING".
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Event types written by the coordinator and recovery engine
const (
	EventAgentRegistered   = "agent_registered"
	EventStateChanged      = "state_changed"
	EventAgentSilent       = "agent_silent"
	EventAgentResumed      = "agent_resumed"
	EventInvalidTransition = "invalid_state_transition"
	EventHealthCritical    = "health_critical"
	EventRecoveryStarted   = "recovery_started"
	EventRecoverySucceeded = "recovery_succeeded"
	EventRecoveryExhausted = "recovery_exhausted"
	EventStoreUnavailable  = "store_unavailable"
	EventStoreRecovered    = "store_recovered"
)

// AgentRecord is the authoritative record of a registered agent
type AgentRecord struct {
	ID               string            `json:"agent_id"`
	Name             string            `json:"name"`
	Capabilities     []string          `json:"capabilities,omitempty"`
	RegisteredAt     time.Time         `json:"registered_at"`
	State            lifecycle.State   `json:"state"`
	LastHeartbeatAt  *time.Time        `json:"last_heartbeat_at,omitempty"` // nil until the first heartbeat is accepted
	Metadata         map[string]string `json:"metadata,omitempty"`
	StateChangedAt   time.Time         `json:"state_changed_at"`
	HeartbeatCounter int64             `json:"heartbeat_counter"`
}

// Clone returns a deep copy of the record.
func (a *AgentRecord) Clone() *AgentRecord {
	if a == nil {
		return nil
	}
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	if a.LastHeartbeatAt != nil {
		t := *a.LastHeartbeatAt
		c.LastHeartbeatAt = &t
	}
	return &c
}

// LastSeen returns the last heartbeat time, falling back to the registration time.
func (a *AgentRecord) LastSeen() time.Time {
	if a.LastHeartbeatAt != nil {
		return *a.LastHeartbeatAt
	}
	return a.RegisteredAt
}

// HeartbeatRecord is a single liveness report from an agent
type HeartbeatRecord struct {
	ID            string             `json:"id"`
	AgentID       string             `json:"agent_id"`
	Timestamp     time.Time          `json:"timestamp"`
	ReportedState lifecycle.State    `json:"reported_state"`
	Metrics       map[string]float64 `json:"metrics,omitempty"` // latest metrics snapshot
	ErrorCount    int64              `json:"error_count"`       // cumulative work-cycle errors
	CycleCount    int64              `json:"cycle_count"`       // cumulative work cycles
}

// PerformanceMetric is a single named measurement
type PerformanceMetric struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemEvent is an entry in the append-only audit log
type SystemEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"event_type"`
	Severity  Severity       `json:"severity"`
	AgentID   string         `json:"agent_id,omitempty"` // empty for system-wide events
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ActionOutcome records one executed remediation step
type ActionOutcome struct {
	Action     string    `json:"action"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// RecoveryAction records one recovery incident
type RecoveryAction struct {
	ID           string          `json:"id"`
	IssueType    string          `json:"issue_type"`
	AgentID      string          `json:"agent_id"`
	ActionsTaken []ActionOutcome `json:"actions_taken"`
	Success      bool            `json:"success"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      time.Time       `json:"ended_at"`
}

// EventFilter narrows ListEvents results
type EventFilter struct {
	AgentID     string     // optional
	MinSeverity Severity   // optional, INFO when empty
	Type        string     // optional
	Since       *time.Time // optional
	Limit       int        // default 100, max 1000
}

// Store defines the persistence contract used by the coordinator.
// Writes are atomic per call and serialized per agent_id by the backend.
// Connectivity failures are reported wrapped in ErrStoreUnavailable.
type Store interface {
	// Agents
	RegisterAgent(ctx context.Context, agent *AgentRecord) error
	UpdateState(ctx context.Context, agentID string, from, to lifecycle.State, at time.Time) error
	GetAgent(ctx context.Context, agentID string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]*AgentRecord, error)

	// Heartbeats
	RecordHeartbeat(ctx context.Context, hb *HeartbeatRecord) error
	ListHeartbeats(ctx context.Context, agentID string, since, until time.Time) ([]*HeartbeatRecord, error)
	PruneHeartbeats(ctx context.Context, before time.Time) (int64, error)

	// Metrics
	RecordMetric(ctx context.Context, m *PerformanceMetric) error
	ListMetrics(ctx context.Context, agentID string, since, until time.Time) ([]*PerformanceMetric, error)

	// Audit log
	RecordEvent(ctx context.Context, e *SystemEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*SystemEvent, error)

	// Recovery
	RecordRecoveryAction(ctx context.Context, r *RecoveryAction) error
	ListRecoveryActions(ctx context.Context, agentID string, limit int) ([]*RecoveryAction, error)

	// Ping checks connectivity
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// normalizeLimit applies the default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
