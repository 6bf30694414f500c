// ABOUTME: Contract tests for database schema to detect breaking schema changes.
// ABOUTME: Validates that expected tables, columns and indexes exist in SQLite database.

package contract

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-warden/internal/store"
)

// expectedSchema is the persisted shape other tools (backups, dashboards)
// read directly. Removing or renaming a column breaks them.
var expectedSchema = map[string][]string{
	"agents": {
		"agent_id", "name", "capabilities_json", "registered_at",
		"state", "state_changed_at", "last_heartbeat_at",
		"heartbeat_count", "metadata_json",
	},
	"heartbeats": {
		"heartbeat_id", "agent_id", "ts", "reported_state",
		"metrics_json", "error_count", "cycle_count",
	},
	"metrics": {
		"metric_id", "agent_id", "name", "value", "unit", "ts",
	},
	"system_events": {
		"event_id", "event_type", "severity", "agent_id",
		"payload_json", "ts",
	},
	"recovery_actions": {
		"recovery_id", "issue_type", "agent_id", "actions_json",
		"success", "started_at", "ended_at",
	},
}

// setupTestDB opens a second connection onto a database created by the store.
func setupTestDB(t *testing.T, driver string) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "contract_test.db")

	sqliteStore, err := store.OpenSQLite(driver, dbPath)
	require.NoError(t, err, "failed to create SQLite store")

	db, err := sql.Open(driver, dbPath)
	require.NoError(t, err, "failed to open database")

	t.Cleanup(func() {
		db.Close()
		sqliteStore.Close()
	})
	return db
}

// getTableColumns queries SQLite to get column names for a table.
func getTableColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, fmt.Errorf("querying table info: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scanning column info: %w", err)
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating columns: %w", err)
	}
	return columns, nil
}

func names(t *testing.T, db *sql.DB, kind string) map[string]bool {
	t.Helper()
	rows, err := db.QueryContext(context.Background(),
		"SELECT name FROM sqlite_master WHERE type = ? AND name NOT LIKE 'sqlite_%'", kind)
	require.NoError(t, err)
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		out[name] = true
	}
	require.NoError(t, rows.Err())
	return out
}

// TestSchemaSurface runs against both drivers since either may create the file.
func TestSchemaSurface(t *testing.T) {
	for _, driver := range []string{store.DriverModernc, store.DriverCGO} {
		t.Run(driver, func(t *testing.T) {
			db := setupTestDB(t, driver)
			ctx := context.Background()

			for table, expectedCols := range expectedSchema {
				t.Run(table, func(t *testing.T) {
					actualCols, err := getTableColumns(ctx, db, table)
					if !assert.NoError(t, err, "failed to get columns for table %s", table) {
						return
					}
					if !assert.NotEmpty(t, actualCols, "table %s should exist and have columns", table) {
						return
					}

					for _, col := range expectedCols {
						assert.True(t, actualCols[col], "column %s.%s should exist", table, col)
					}
					for col := range actualCols {
						if !slices.Contains(expectedCols, col) {
							t.Logf("INFO: extra column %s.%s not in contract (consider adding)", table, col)
						}
					}
				})
			}
		})
	}
}

func TestTablesExist(t *testing.T) {
	tables := names(t, setupTestDB(t, store.DriverModernc), "table")
	for table := range expectedSchema {
		assert.True(t, tables[table], "table %s should exist", table)
	}
}

// TestSchemaHasIndexes covers the indexes the monitoring and read paths scan by.
func TestSchemaHasIndexes(t *testing.T) {
	indexes := names(t, setupTestDB(t, store.DriverModernc), "index")
	for _, idx := range []string{
		"idx_agents_state",
		"idx_heartbeats_agent_ts",
		"idx_heartbeats_ts",
		"idx_metrics_agent_ts",
		"idx_events_ts",
		"idx_events_agent",
		"idx_recovery_agent",
	} {
		assert.True(t, indexes[idx], "index %s should exist", idx)
	}
}
