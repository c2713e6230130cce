// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// One connection so the in-memory database is shared by all statements.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(newTestDB(t), "user-1", "device-1", nil)
	require.NoError(t, err)
	return client
}

func TestInitializeDatabase(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, initializeDatabase(db))

	expectedTables := []string{"clients", "machines", "inspections", "_sync_outbox", "_sync_cursor"}
	for _, table := range expectedTables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	// In-memory databases report "memory" instead of "wal".
	var journalMode string
	err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	require.NoError(t, err)
	require.Contains(t, []string{"wal", "memory"}, journalMode)

	var foreignKeys int
	err = db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys)
	require.NoError(t, err)
	require.Equal(t, 1, foreignKeys)
}

func TestEnsureDeviceID(t *testing.T) {
	db := newTestDB(t)

	deviceID1, err := EnsureDeviceID(db, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, deviceID1)

	// Second call returns the same device ID.
	deviceID2, err := EnsureDeviceID(db, "user-1")
	require.NoError(t, err)
	require.Equal(t, deviceID1, deviceID2)

	// A different user gets a different device ID.
	deviceID3, err := EnsureDeviceID(db, "user-2")
	require.NoError(t, err)
	require.NotEqual(t, deviceID1, deviceID3)
}

func TestCursorStartsAtZeroAndResets(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	rev, err := client.Cursor(ctx)
	require.NoError(t, err)
	require.Zero(t, rev)

	_, err = client.DB.Exec(
		`UPDATE _sync_cursor SET last_pulled_revision = 42 WHERE user_id = ?`, client.UserID)
	require.NoError(t, err)

	rev, err = client.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(42), rev)

	require.NoError(t, client.ResetCursor(ctx))
	rev, err = client.Cursor(ctx)
	require.NoError(t, err)
	require.Zero(t, rev)
}

func TestInitializeDatabase_RecoversInFlightEvents(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, initializeDatabase(db))

	_, err := db.Exec(`
		INSERT INTO _sync_outbox (event_id, entity, entity_id, op, payload, client_ts, status)
		VALUES ('ev-1', 'clients', 'row-1', 'DELETE', NULL, 1, 'SENT')
	`)
	require.NoError(t, err)

	// A restart after a crash mid-push must put SENT events back in play.
	require.NoError(t, initializeDatabase(db))

	var status string
	err = db.QueryRow(`SELECT status FROM _sync_outbox WHERE event_id = 'ev-1'`).Scan(&status)
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)
}
