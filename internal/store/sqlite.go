// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Provides agent/heartbeat/event persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-warden/internal/lifecycle"
)

const (
	// DriverModernc is the pure-Go driver registered by modernc.org/sqlite.
	DriverModernc = "sqlite"
	// DriverCGO is the cgo driver registered by mattn/go-sqlite3.
	DriverCGO = "sqlite3"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure-Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLite(DriverModernc, path)
}

// OpenSQLite creates a new SQLite store with the given driver ("sqlite" or "sqlite3").
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func OpenSQLite(driverName, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", driverName)

	if driverName == "" {
		driverName = DriverModernc
	}
	if driverName != DriverModernc && driverName != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driverName)
	}

	memory := path == ":memory:"
	if !memory {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, sqliteDSN(driverName, path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to :memory: is a separate database
	if memory {
		db.SetMaxOpenConns(1)
	}

	if !memory {
		// Enable WAL mode so readers don't block the writer
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// sqliteDSN adds per-connection pragmas in the syntax each driver understands.
func sqliteDSN(driverName, path string) string {
	if path == ":memory:" {
		return path
	}
	if driverName == DriverCGO {
		return "file:" + path + "?_busy_timeout=5000&_foreign_keys=on"
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id          TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			capabilities_json TEXT NOT NULL,
			registered_at     INTEGER NOT NULL,
			state             TEXT NOT NULL,
			state_changed_at  INTEGER NOT NULL,
			last_heartbeat_at INTEGER,
			heartbeat_count   INTEGER NOT NULL DEFAULT 0,
			metadata_json     TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(state);

		CREATE TABLE IF NOT EXISTS heartbeats (
			heartbeat_id   TEXT PRIMARY KEY,
			agent_id       TEXT NOT NULL,
			ts             INTEGER NOT NULL,
			reported_state TEXT NOT NULL,
			metrics_json   TEXT,
			error_count    INTEGER NOT NULL DEFAULT 0,
			cycle_count    INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (agent_id) REFERENCES agents(agent_id)
		);

		CREATE INDEX IF NOT EXISTS idx_heartbeats_agent_ts ON heartbeats(agent_id, ts);
		CREATE INDEX IF NOT EXISTS idx_heartbeats_ts ON heartbeats(ts);

		CREATE TABLE IF NOT EXISTS metrics (
			metric_id TEXT PRIMARY KEY,
			agent_id  TEXT NOT NULL,
			name      TEXT NOT NULL,
			value     REAL NOT NULL,
			unit      TEXT,
			ts        INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_metrics_agent_ts ON metrics(agent_id, ts);

		CREATE TABLE IF NOT EXISTS system_events (
			event_id     TEXT PRIMARY KEY,
			event_type   TEXT NOT NULL,
			severity     TEXT NOT NULL,
			agent_id     TEXT,
			payload_json TEXT,
			ts           INTEGER NOT NULL,

			CHECK (severity IN ('INFO', 'WARNING', 'CRITICAL'))
		);

		CREATE INDEX IF NOT EXISTS idx_events_ts ON system_events(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_events_agent ON system_events(agent_id, ts);

		CREATE TABLE IF NOT EXISTS recovery_actions (
			recovery_id  TEXT PRIMARY KEY,
			issue_type   TEXT NOT NULL,
			agent_id     TEXT NOT NULL,
			actions_json TEXT NOT NULL,
			success      INTEGER NOT NULL,
			started_at   INTEGER NOT NULL,
			ended_at     INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_recovery_agent ON recovery_actions(agent_id, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// classify maps driver-level connectivity failures onto ErrStoreUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	msg := err.Error()
	for _, marker := range []string{
		"database is locked",
		"database is closed",
		"SQLITE_BUSY",
		"unable to open database",
		"disk I/O error",
	} {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return err
}

// nanos stores timestamps as unix nanoseconds so ordering survives sub-second heartbeats.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// RegisterAgent inserts a new agent record; ErrDuplicateAgentID if it already exists.
func (s *SQLiteStore) RegisterAgent(ctx context.Context, agent *AgentRecord) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}
	var meta *string
	if agent.Metadata != nil {
		data, err := json.Marshal(agent.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling metadata: %w", err)
		}
		str := string(data)
		meta = &str
	}

	stateChanged := agent.StateChangedAt
	if stateChanged.IsZero() {
		stateChanged = agent.RegisteredAt
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, name, capabilities_json, registered_at, state, state_changed_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO NOTHING
	`,
		agent.ID,
		agent.Name,
		string(caps),
		nanos(agent.RegisteredAt),
		string(agent.State),
		nanos(stateChanged),
		meta,
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", classify(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking insert: %w", classify(err))
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateAgentID, agent.ID)
	}

	s.logger.Debug("registered agent", "agent_id", agent.ID, "name", agent.Name)
	return nil
}

// UpdateState performs a compare-and-set on the agent's state.
func (s *SQLiteStore) UpdateState(ctx context.Context, agentID string, from, to lifecycle.State, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET state = ?, state_changed_at = ? WHERE agent_id = ? AND state = ?`,
		string(to), nanos(at), agentID, string(from),
	)
	if err != nil {
		return fmt.Errorf("updating agent state: %w", classify(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", classify(err))
	}
	if n == 1 {
		return nil
	}

	current, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: expected %s, found %s", ErrStateConflict, from, current.State)
}

const agentColumns = `agent_id, name, capabilities_json, registered_at, state, state_changed_at,
	last_heartbeat_at, heartbeat_count, metadata_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentRecord, error) {
	var (
		a            AgentRecord
		caps         string
		registered   int64
		state        string
		stateChanged int64
		lastHB       sql.NullInt64
		meta         sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Name, &caps, &registered, &state, &stateChanged, &lastHB, &a.HeartbeatCounter, &meta); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("parsing capabilities: %w", err)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("parsing metadata: %w", err)
		}
	}
	a.RegisteredAt = fromNanos(registered)
	a.StateChangedAt = fromNanos(stateChanged)
	a.State = lifecycle.State(state)
	if lastHB.Valid {
		t := fromNanos(lastHB.Int64)
		a.LastHeartbeatAt = &t
	}
	return &a, nil
}

// GetAgent retrieves an agent by ID
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", classify(err))
	}
	return a, nil
}

// ListAgents returns all agents ordered by registration time
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY registered_at ASC, agent_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", classify(err))
	}
	defer rows.Close()

	var agents []*AgentRecord
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", classify(err))
	}
	return agents, nil
}

// RecordHeartbeat appends a heartbeat and advances last_heartbeat_at in one transaction.
// Returns ErrHeartbeatStale if the heartbeat is older than the last accepted one.
func (s *SQLiteStore) RecordHeartbeat(ctx context.Context, hb *HeartbeatRecord) error {
	if hb.ID == "" {
		hb.ID = uuid.New().String()
	}

	metrics, err := json.Marshal(hb.Metrics)
	if err != nil {
		return fmt.Errorf("marshaling metrics: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", classify(err))
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	ts := nanos(hb.Timestamp)
	res, err := tx.ExecContext(ctx, `
		UPDATE agents
		SET last_heartbeat_at = ?, heartbeat_count = heartbeat_count + 1
		WHERE agent_id = ? AND (last_heartbeat_at IS NULL OR last_heartbeat_at <= ?)
	`, ts, hb.AgentID, ts)
	if err != nil {
		return fmt.Errorf("advancing heartbeat: %w", classify(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking heartbeat update: %w", classify(err))
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE agent_id = ?`, hb.AgentID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking agent: %w", classify(err))
		}
		return fmt.Errorf("%w: agent %s at %s", ErrHeartbeatStale, hb.AgentID, hb.Timestamp.Format(time.RFC3339Nano))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO heartbeats (heartbeat_id, agent_id, ts, reported_state, metrics_json, error_count, cycle_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, hb.ID, hb.AgentID, ts, string(hb.ReportedState), string(metrics), hb.ErrorCount, hb.CycleCount)
	if err != nil {
		return fmt.Errorf("inserting heartbeat: %w", classify(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing heartbeat: %w", classify(err))
	}
	return nil
}

// ListHeartbeats returns heartbeats for an agent within [since, until], oldest first
func (s *SQLiteStore) ListHeartbeats(ctx context.Context, agentID string, since, until time.Time) ([]*HeartbeatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT heartbeat_id, agent_id, ts, reported_state, metrics_json, error_count, cycle_count
		FROM heartbeats
		WHERE agent_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC, heartbeat_id ASC
	`, agentID, nanos(since), nanos(until))
	if err != nil {
		return nil, fmt.Errorf("querying heartbeats: %w", classify(err))
	}
	defer rows.Close()

	var result []*HeartbeatRecord
	for rows.Next() {
		var (
			hb      HeartbeatRecord
			ts      int64
			state   string
			metrics sql.NullString
		)
		if err := rows.Scan(&hb.ID, &hb.AgentID, &ts, &state, &metrics, &hb.ErrorCount, &hb.CycleCount); err != nil {
			return nil, fmt.Errorf("scanning heartbeat: %w", err)
		}
		hb.Timestamp = fromNanos(ts)
		hb.ReportedState = lifecycle.State(state)
		if metrics.Valid && metrics.String != "" && metrics.String != "null" {
			if err := json.Unmarshal([]byte(metrics.String), &hb.Metrics); err != nil {
				return nil, fmt.Errorf("parsing heartbeat metrics: %w", err)
			}
		}
		result = append(result, &hb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating heartbeats: %w", classify(err))
	}
	return result, nil
}

// PruneHeartbeats deletes heartbeats older than before and returns the number removed
func (s *SQLiteStore) PruneHeartbeats(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM heartbeats WHERE ts < ?`, nanos(before))
	if err != nil {
		return 0, fmt.Errorf("pruning heartbeats: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking prune: %w", classify(err))
	}
	return n, nil
}

// RecordMetric appends a performance metric
func (s *SQLiteStore) RecordMetric(ctx context.Context, m *PerformanceMetric) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics (metric_id, agent_id, name, value, unit, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.AgentID, m.Name, m.Value, m.Unit, nanos(m.Timestamp))
	if err != nil {
		return fmt.Errorf("inserting metric: %w", classify(err))
	}
	return nil
}

// ListMetrics returns metrics for an agent within [since, until], oldest first
func (s *SQLiteStore) ListMetrics(ctx context.Context, agentID string, since, until time.Time) ([]*PerformanceMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metric_id, agent_id, name, value, unit, ts
		FROM metrics
		WHERE agent_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC, metric_id ASC
	`, agentID, nanos(since), nanos(until))
	if err != nil {
		return nil, fmt.Errorf("querying metrics: %w", classify(err))
	}
	defer rows.Close()

	var result []*PerformanceMetric
	for rows.Next() {
		var (
			m    PerformanceMetric
			unit sql.NullString
			ts   int64
		)
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Name, &m.Value, &unit, &ts); err != nil {
			return nil, fmt.Errorf("scanning metric: %w", err)
		}
		m.Unit = unit.String
		m.Timestamp = fromNanos(ts)
		result = append(result, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating metrics: %w", classify(err))
	}
	return result, nil
}

// RecordEvent appends a system event. Generates ID and Timestamp if not set.
func (s *SQLiteStore) RecordEvent(ctx context.Context, e *SystemEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var payload *string
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshaling event payload: %w", err)
		}
		str := string(data)
		payload = &str
	}

	var agentID *string
	if e.AgentID != "" {
		agentID = &e.AgentID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_events (event_id, event_type, severity, agent_id, payload_json, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Type, string(e.Severity), agentID, payload, nanos(e.Timestamp))
	if err != nil {
		return fmt.Errorf("inserting event: %w", classify(err))
	}

	s.logger.Debug("recorded event", "event_id", e.ID, "type", e.Type, "severity", e.Severity)
	return nil
}

// severitiesAtLeast lists the severities whose rank is at least floor.
func severitiesAtLeast(floor Severity) []string {
	var out []string
	for _, s := range []Severity{SeverityInfo, SeverityWarning, SeverityCritical} {
		if s.Rank() >= floor.Rank() {
			out = append(out, string(s))
		}
	}
	return out
}

// ListEvents returns events matching the filter, newest first
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*SystemEvent, error) {
	var (
		conditions []string
		args       []any
	)

	if filter.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Type != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, filter.Type)
	}
	if filter.MinSeverity != "" && filter.MinSeverity != SeverityInfo {
		allowed := severitiesAtLeast(filter.MinSeverity)
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(allowed)), ",")
		conditions = append(conditions, "severity IN ("+placeholders+")")
		for _, a := range allowed {
			args = append(args, a)
		}
	}
	if filter.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, nanos(*filter.Since))
	}

	query := `SELECT event_id, event_type, severity, agent_id, payload_json, ts FROM system_events`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY ts DESC, event_id DESC LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", classify(err))
	}
	defer rows.Close()

	var result []*SystemEvent
	for rows.Next() {
		var (
			e        SystemEvent
			severity string
			agentID  sql.NullString
			payload  sql.NullString
			ts       int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &severity, &agentID, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Severity = Severity(severity)
		e.AgentID = agentID.String
		e.Timestamp = fromNanos(ts)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("parsing event payload: %w", err)
			}
		}
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", classify(err))
	}
	return result, nil
}

// RecordRecoveryAction persists a recovery incident
func (s *SQLiteStore) RecordRecoveryAction(ctx context.Context, r *RecoveryAction) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	actions, err := json.Marshal(r.ActionsTaken)
	if err != nil {
		return fmt.Errorf("marshaling actions: %w", err)
	}
	success := 0
	if r.Success {
		success = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recovery_actions (recovery_id, issue_type, agent_id, actions_json, success, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.IssueType, r.AgentID, string(actions), success, nanos(r.StartedAt), nanos(r.EndedAt))
	if err != nil {
		return fmt.Errorf("inserting recovery action: %w", classify(err))
	}
	return nil
}

// ListRecoveryActions returns recovery incidents, newest first. An empty agentID lists all agents.
func (s *SQLiteStore) ListRecoveryActions(ctx context.Context, agentID string, limit int) ([]*RecoveryAction, error) {
	query := `SELECT recovery_id, issue_type, agent_id, actions_json, success, started_at, ended_at FROM recovery_actions`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY started_at DESC, recovery_id DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recovery actions: %w", classify(err))
	}
	defer rows.Close()

	var result []*RecoveryAction
	for rows.Next() {
		var (
			r              RecoveryAction
			actions        string
			success        int
			started, ended int64
		)
		if err := rows.Scan(&r.ID, &r.IssueType, &r.AgentID, &actions, &success, &started, &ended); err != nil {
			return nil, fmt.Errorf("scanning recovery action: %w", err)
		}
		if err := json.Unmarshal([]byte(actions), &r.ActionsTaken); err != nil {
			return nil, fmt.Errorf("parsing actions: %w", err)
		}
		r.Success = success == 1
		r.StartedAt = fromNanos(started)
		r.EndedAt = fromNanos(ended)
		result = append(result, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recovery actions: %w", classify(err))
	}
	return result, nil
}

// Ping checks database connectivity
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
