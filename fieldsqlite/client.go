// Package fieldsqlite provides the SQLite-based offline-first client for the
// fieldsync push/pull protocol: a per-device local store with an outbox of
// not-yet-confirmed mutations and a pull cursor, plus the sync engine that
// reconciles them with the server change log.
//
// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/laurent387/vgp-manager-firebasesql1-sub000/fieldsync"
)

// RetryCap is the number of times a failed outbox event is retried before it
// is parked and escalated through the dead-letter handler.
const RetryCap = 5

// Outbox event statuses
const (
	StatusPending = "PENDING"
	StatusSent    = "SENT"
	StatusAck     = "ACK"
	StatusError   = "ERROR"
)

// Client owns the local SQLite store: entity tables, the outbox, and the
// pull cursor. All mutations go through the outbox methods so every local
// change carries a durable, uniquely identified intent.
type Client struct {
	DB       *sql.DB
	UserID   string
	DeviceID string
	logger   *slog.Logger
}

// NewClient initializes the local database (entity tables, outbox, cursor)
// and returns a client bound to one user/device pair.
func NewClient(db *sql.DB, userID, deviceID string, logger *slog.Logger) (*Client, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID must be provided")
	}
	if deviceID == "" {
		return nil, fmt.Errorf("deviceID must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	client := &Client{
		DB:       db,
		UserID:   userID,
		DeviceID: deviceID,
		logger:   logger,
	}

	if err := client.ensureCursorRow(context.Background()); err != nil {
		return nil, err
	}

	return client, nil
}

// EnsureDeviceID loads the persisted device ID for the user, generating and
// storing a fresh one on first run.
func EnsureDeviceID(db *sql.DB, userID string) (string, error) {
	if err := initializeDatabase(db); err != nil {
		return "", fmt.Errorf("failed to initialize database: %w", err)
	}

	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _sync_cursor WHERE user_id = ?`, userID).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _sync_cursor (user_id, device_id, last_pulled_revision)
			VALUES (?, ?, 0)
		`, userID, deviceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert cursor row: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query cursor row: %w", err)
	}
	return deviceID, nil
}

// initializeDatabase creates the entity tables and sync metadata tables.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Entity tables carry the sync-visible columns the UI reads:
		// last_modified, is_synced, synced_at.
		`CREATE TABLE IF NOT EXISTS clients (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			address       TEXT NOT NULL DEFAULT '',
			phone         TEXT NOT NULL DEFAULT '',
			email         TEXT NOT NULL DEFAULT '',
			last_modified INTEGER NOT NULL DEFAULT 0,
			is_synced     INTEGER NOT NULL DEFAULT 0,
			synced_at     INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS machines (
			id              TEXT PRIMARY KEY,
			client_id       TEXT NOT NULL,
			model           TEXT NOT NULL,
			serial_no       TEXT NOT NULL,
			commissioned_at INTEGER NOT NULL DEFAULT 0,
			last_modified   INTEGER NOT NULL DEFAULT 0,
			is_synced       INTEGER NOT NULL DEFAULT 0,
			synced_at       INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS inspections (
			id            TEXT PRIMARY KEY,
			machine_id    TEXT NOT NULL,
			inspected_at  INTEGER NOT NULL,
			result        TEXT NOT NULL,
			notes         TEXT NOT NULL DEFAULT '',
			inspector     TEXT NOT NULL DEFAULT '',
			last_modified INTEGER NOT NULL DEFAULT 0,
			is_synced     INTEGER NOT NULL DEFAULT 0,
			synced_at     INTEGER
		)`,

		// Outbox of not-yet-confirmed mutation intents.
		`CREATE TABLE IF NOT EXISTS _sync_outbox (
			event_id   TEXT PRIMARY KEY,
			entity     TEXT NOT NULL,
			entity_id  TEXT NOT NULL,
			op         TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			payload    TEXT,
			client_ts  INTEGER NOT NULL,
			status     TEXT NOT NULL DEFAULT 'PENDING' CHECK (status IN ('PENDING','SENT','ACK','ERROR')),
			retries    INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS outbox_status_idx ON _sync_outbox(status, client_ts)`,
		`CREATE INDEX IF NOT EXISTS outbox_entity_idx ON _sync_outbox(entity, entity_id)`,

		// Per-device pull cursor, advanced only after a page applied cleanly.
		`CREATE TABLE IF NOT EXISTS _sync_cursor (
			user_id              TEXT PRIMARY KEY,
			device_id            TEXT NOT NULL,
			last_pulled_revision INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	// Recover events stranded in SENT by a crash mid-push: without this they
	// would be invisible to future sync attempts.
	if _, err := db.Exec(`UPDATE _sync_outbox SET status = 'PENDING' WHERE status = 'SENT'`); err != nil {
		return fmt.Errorf("failed to recover in-flight outbox events: %w", err)
	}

	return nil
}

func (c *Client) ensureCursorRow(ctx context.Context) error {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO _sync_cursor (user_id, device_id, last_pulled_revision)
		VALUES (?, ?, 0)
		ON CONFLICT(user_id) DO NOTHING
	`, c.UserID, c.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to ensure cursor row: %w", err)
	}
	return nil
}

// Cursor returns the last pulled revision for this device.
func (c *Client) Cursor(ctx context.Context) (int64, error) {
	var rev int64
	err := c.DB.QueryRowContext(ctx,
		`SELECT last_pulled_revision FROM _sync_cursor WHERE user_id = ?`, c.UserID,
	).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}
	return rev, nil
}

// ResetCursor rewinds the cursor to zero so the next pull rehydrates
// everything from the start of the change log.
func (c *Client) ResetCursor(ctx context.Context) error {
	_, err := c.DB.ExecContext(ctx,
		`UPDATE _sync_cursor SET last_pulled_revision = 0 WHERE user_id = ?`, c.UserID)
	if err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}

// EntityRow is one row of an entity table together with its sync columns,
// as exposed to the UI layer.
type EntityRow struct {
	ID           string
	Fields       map[string]any
	LastModified int64
	IsSynced     bool
	SyncedAt     *int64
}

// GetEntityRow reads one entity row including its sync-visible columns.
func (c *Client) GetEntityRow(ctx context.Context, entity fieldsync.EntityKind, entityID string) (*EntityRow, error) {
	if !fieldsync.KnownEntity(string(entity)) {
		return nil, fmt.Errorf("%w: %s", fieldsync.ErrUnknownEntity, entity)
	}

	rows, err := c.DB.QueryContext(ctx,
		fmt.Sprintf(`SELECT * FROM %q WHERE id = ?`, string(entity)), entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", entity, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entity, err)
		}
		return nil, sql.ErrNoRows
	}

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}

	row := &EntityRow{Fields: make(map[string]any)}
	for i, col := range columns {
		val := values[i]
		if b, ok := val.([]byte); ok {
			val = string(b)
		}
		switch col {
		case "id":
			row.ID, _ = val.(string)
			row.Fields[col] = val
		case "last_modified":
			if n, ok := val.(int64); ok {
				row.LastModified = n
			}
		case "is_synced":
			if n, ok := val.(int64); ok {
				row.IsSynced = n != 0
			}
		case "synced_at":
			if n, ok := val.(int64); ok {
				row.SyncedAt = &n
			}
		default:
			row.Fields[col] = val
		}
	}
	return row, nil
}

// writeRecordInTx upserts a typed record into its entity table. Columns come
// from the record's own schema, never from reflective key translation.
func (c *Client) writeRecordInTx(ctx context.Context, tx *sql.Tx, rec fieldsync.Record, synced bool, now time.Time) error {
	cols := rec.Columns()

	names := make([]string, 0, len(cols)+3)
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)

	colStr := ""
	phStr := ""
	values := make([]any, 0, len(cols)+3)
	for _, name := range names {
		if colStr != "" {
			colStr += ", "
			phStr += ", "
		}
		colStr += name
		phStr += "?"
		values = append(values, cols[name])
	}

	colStr += ", last_modified, is_synced, synced_at"
	phStr += ", ?, ?, ?"
	values = append(values, now.Unix())
	if synced {
		values = append(values, 1, now.Unix())
	} else {
		values = append(values, 0, nil)
	}

	query := fmt.Sprintf("INSERT OR REPLACE INTO %q (%s) VALUES (%s)", string(rec.Kind()), colStr, phStr)
	if _, err := tx.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("failed to upsert %s row: %w", rec.Kind(), err)
	}
	return nil
}

// deleteRecordInTx removes an entity row.
func (c *Client) deleteRecordInTx(ctx context.Context, tx *sql.Tx, entity fieldsync.EntityKind, entityID string) error {
	query := fmt.Sprintf("DELETE FROM %q WHERE id = ?", string(entity))
	if _, err := tx.ExecContext(ctx, query, entityID); err != nil {
		return fmt.Errorf("failed to delete %s row: %w", entity, err)
	}
	return nil
}
