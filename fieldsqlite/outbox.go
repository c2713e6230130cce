// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/laurent387/vgp-manager-firebasesql1-sub000/fieldsync"
)

// OutboxEvent is one durable mutation intent queued for push.
type OutboxEvent struct {
	EventID   string
	Entity    string
	EntityID  string
	Op        string
	Payload   json.RawMessage
	ClientTS  int64
	Status    string
	Retries   int
	LastError string
}

// CreateWithOutbox writes a new entity row and enqueues the matching CREATE
// event in a single transaction, so the local state and the intent to sync it
// can never diverge. A zero record ID is filled in with a fresh UUID.
// Returns the entity ID.
func (c *Client) CreateWithOutbox(ctx context.Context, rec fieldsync.Record) (string, error) {
	ensureRecordID(rec)
	return c.enqueueWrite(ctx, rec, fieldsync.OpCreate)
}

// UpdateWithOutbox writes the updated entity row and enqueues an UPDATE event
// carrying the full post-update snapshot, in a single transaction.
func (c *Client) UpdateWithOutbox(ctx context.Context, rec fieldsync.Record) (string, error) {
	return c.enqueueWrite(ctx, rec, fieldsync.OpUpdate)
}

func (c *Client) enqueueWrite(ctx context.Context, rec fieldsync.Record, op string) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", fmt.Errorf("invalid %s record: %w", rec.Kind(), err)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", rec.Kind(), err)
	}
	entityID := fmt.Sprint(rec.Columns()["id"])
	now := time.Now()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := c.writeRecordInTx(ctx, tx, rec, false, now); err != nil {
		return "", err
	}
	if err := insertOutboxEventInTx(ctx, tx, OutboxEvent{
		EventID:  uuid.New().String(),
		Entity:   string(rec.Kind()),
		EntityID: entityID,
		Op:       op,
		Payload:  payload,
		ClientTS: now.UnixMilli(),
	}); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entityID, nil
}

// DeleteWithOutbox removes the entity row and enqueues a DELETE event with an
// empty payload, in a single transaction.
func (c *Client) DeleteWithOutbox(ctx context.Context, entity fieldsync.EntityKind, entityID string) error {
	if !fieldsync.KnownEntity(string(entity)) {
		return fmt.Errorf("%w: %s", fieldsync.ErrUnknownEntity, entity)
	}
	now := time.Now()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := c.deleteRecordInTx(ctx, tx, entity, entityID); err != nil {
		return err
	}
	if err := insertOutboxEventInTx(ctx, tx, OutboxEvent{
		EventID:  uuid.New().String(),
		Entity:   string(entity),
		EntityID: entityID,
		Op:       fieldsync.OpDelete,
		ClientTS: now.UnixMilli(),
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertOutboxEventInTx(ctx context.Context, tx *sql.Tx, ev OutboxEvent) error {
	var payload any
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_outbox (event_id, entity, entity_id, op, payload, client_ts, status, retries)
		VALUES (?, ?, ?, ?, ?, ?, 'PENDING', 0)
	`, ev.EventID, ev.Entity, ev.EntityID, ev.Op, payload, ev.ClientTS)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// PendingEvents returns the whole push backlog: PENDING and ERROR events with
// retries below the cap, in enqueue order. The rowid tiebreak matters: a
// CREATE and its immediate UPDATE usually share a client_ts, and pushing them
// out of order would let the stale payload win on the server.
func (c *Client) PendingEvents(ctx context.Context) ([]OutboxEvent, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT event_id, entity, entity_id, op, payload, client_ts, status, retries, COALESCE(last_error, '')
		FROM _sync_outbox
		WHERE status IN ('PENDING', 'ERROR') AND retries < ?
		ORDER BY client_ts, rowid
	`, RetryCap)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		var payload sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.Entity, &ev.EntityID, &ev.Op,
			&payload, &ev.ClientTS, &ev.Status, &ev.Retries, &ev.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	return events, nil
}

// MarkSent transitions the given events to SENT for the duration of a push
// attempt. SENT events are invisible to PendingEvents.
func (c *Client) MarkSent(ctx context.Context, eventIDs []string) error {
	return c.updateStatus(ctx, eventIDs, StatusSent)
}

// RevertSent moves SENT events back to PENDING after a failed push attempt,
// so the next cycle retries them.
func (c *Client) RevertSent(ctx context.Context) error {
	_, err := c.DB.ExecContext(ctx,
		`UPDATE _sync_outbox SET status = 'PENDING' WHERE status = 'SENT'`)
	if err != nil {
		return fmt.Errorf("failed to revert in-flight events: %w", err)
	}
	return nil
}

func (c *Client) updateStatus(ctx context.Context, eventIDs []string, status string) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range eventIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE _sync_outbox SET status = ? WHERE event_id = ?`, status, id); err != nil {
			return fmt.Errorf("failed to update outbox event %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MarkAcked records server confirmation for one event. When no other
// unconfirmed event remains for the same entity row, the row is flagged
// synced for the UI.
func (c *Client) MarkAcked(ctx context.Context, eventID string) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var entity, entityID, op string
	err = tx.QueryRowContext(ctx,
		`SELECT entity, entity_id, op FROM _sync_outbox WHERE event_id = ?`, eventID,
	).Scan(&entity, &entityID, &op)
	if err != nil {
		return fmt.Errorf("failed to load outbox event %s: %w", eventID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE _sync_outbox SET status = 'ACK', last_error = NULL WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("failed to ack outbox event %s: %w", eventID, err)
	}

	if op != fieldsync.OpDelete {
		var remaining int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM _sync_outbox
			WHERE entity = ? AND entity_id = ? AND status != 'ACK'
		`, entity, entityID).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("failed to count unconfirmed events: %w", err)
		}
		if remaining == 0 {
			query := fmt.Sprintf(`UPDATE %q SET is_synced = 1, synced_at = ? WHERE id = ?`, entity)
			if _, err := tx.ExecContext(ctx, query, time.Now().Unix(), entityID); err != nil {
				return fmt.Errorf("failed to flag %s row synced: %w", entity, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MarkError records a per-event rejection, increments the retry counter, and
// reports whether the event just hit the retry cap. An event at the cap stays
// in the outbox but is no longer offered to push.
func (c *Client) MarkError(ctx context.Context, eventID, message string) (OutboxEvent, bool, error) {
	_, err := c.DB.ExecContext(ctx, `
		UPDATE _sync_outbox
		SET status = 'ERROR', retries = retries + 1, last_error = ?
		WHERE event_id = ?
	`, message, eventID)
	if err != nil {
		return OutboxEvent{}, false, fmt.Errorf("failed to record event error: %w", err)
	}

	ev, err := c.getOutboxEvent(ctx, eventID)
	if err != nil {
		return OutboxEvent{}, false, err
	}
	return ev, ev.Retries >= RetryCap, nil
}

func (c *Client) getOutboxEvent(ctx context.Context, eventID string) (OutboxEvent, error) {
	var ev OutboxEvent
	var payload sql.NullString
	err := c.DB.QueryRowContext(ctx, `
		SELECT event_id, entity, entity_id, op, payload, client_ts, status, retries, COALESCE(last_error, '')
		FROM _sync_outbox WHERE event_id = ?
	`, eventID).Scan(&ev.EventID, &ev.Entity, &ev.EntityID, &ev.Op,
		&payload, &ev.ClientTS, &ev.Status, &ev.Retries, &ev.LastError)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("failed to load outbox event %s: %w", eventID, err)
	}
	if payload.Valid {
		ev.Payload = json.RawMessage(payload.String)
	}
	return ev, nil
}

// DeadLetters returns events parked at the retry cap, for operator review.
func (c *Client) DeadLetters(ctx context.Context) ([]OutboxEvent, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT event_id, entity, entity_id, op, payload, client_ts, status, retries, COALESCE(last_error, '')
		FROM _sync_outbox
		WHERE status = 'ERROR' AND retries >= ?
		ORDER BY client_ts, rowid
	`, RetryCap)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		var payload sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.Entity, &ev.EntityID, &ev.Op,
			&payload, &ev.ClientTS, &ev.Status, &ev.Retries, &ev.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	return events, nil
}

// RequeueDeadLetter resets a parked event for another round of retries.
func (c *Client) RequeueDeadLetter(ctx context.Context, eventID string) error {
	res, err := c.DB.ExecContext(ctx, `
		UPDATE _sync_outbox
		SET status = 'PENDING', retries = 0, last_error = NULL
		WHERE event_id = ? AND status = 'ERROR'
	`, eventID)
	if err != nil {
		return fmt.Errorf("failed to requeue event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check requeue result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("event %s is not in ERROR state", eventID)
	}
	return nil
}

// ClearAcknowledged purges ACK events from the outbox.
func (c *Client) ClearAcknowledged(ctx context.Context) (int64, error) {
	res, err := c.DB.ExecContext(ctx, `DELETE FROM _sync_outbox WHERE status = 'ACK'`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear acknowledged events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared events: %w", err)
	}
	return n, nil
}

// ensureRecordID fills a missing record ID with a fresh UUID.
func ensureRecordID(rec fieldsync.Record) {
	switch r := rec.(type) {
	case *fieldsync.ClientRecord:
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
	case *fieldsync.MachineRecord:
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
	case *fieldsync.InspectionRecord:
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
	}
}
