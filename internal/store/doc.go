// Package store provides persistent storage for coven-warden.
//
// # Architecture
//
// Store is the single persistence contract used by the coordinator. Three
// implementations exist:
//
//   - SQLiteStore: embedded SQL database (modernc.org/sqlite, or
//     mattn/go-sqlite3 when built with cgo and configured as "sqlite3")
//   - RedisStore: shared deployment backed by Redis, using Lua scripts for
//     the compare-and-set writes
//   - MockStore: in-memory, with failure injection for tests
//
// # Data Models
//
//   - AgentRecord: registered agent, current state, last heartbeat
//   - HeartbeatRecord: one liveness report with its metrics snapshot
//   - PerformanceMetric: one named measurement
//   - SystemEvent: append-only audit log entry with a severity
//   - RecoveryAction: one recovery incident and the steps it ran
//
// # Consistency
//
// Each write is atomic. Writes for the same agent are serialized by the
// backend, so RecordHeartbeat can enforce that last_heartbeat_at never moves
// backwards and UpdateState can act as a compare-and-set.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateAgentID: agent_id already registered
//   - ErrHeartbeatStale: heartbeat older than the last accepted one
//   - ErrStateConflict: UpdateState found a different current state
//   - ErrStoreUnavailable: connectivity failure (wrapped)
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests, NewSQLiteStore with a t.TempDir() path
// for SQL integration tests, and miniredis for RedisStore.
package store
