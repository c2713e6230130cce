// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/laurent387/vgp-manager-firebasesql1-sub000/fieldsync"
)

// ApplyChanges applies one pulled page to the local store in revision order
// and advances the pull cursor, all in a single transaction. Returns the
// number of changes actually written.
//
// A change is skipped when an unconfirmed outbox event still references the
// same entity row: the local intent has not reached the server yet, and
// overwriting it here would lose the newer local edit. Once that intent is
// pushed, a later page delivers both versions in revision order.
func (c *Client) ApplyChanges(ctx context.Context, changes []fieldsync.ChangeEntry) (int, error) {
	if len(changes) == 0 {
		return 0, nil
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now()
	applied := 0
	maxRevision := int64(0)

	for _, change := range changes {
		if change.Revision > maxRevision {
			maxRevision = change.Revision
		}

		locked, err := hasUnconfirmedEventInTx(ctx, tx, change.Entity, change.EntityID)
		if err != nil {
			return 0, err
		}
		if locked {
			c.logger.Debug("skipping remote change for locally edited row",
				"entity", change.Entity, "entity_id", change.EntityID, "revision", change.Revision)
			continue
		}

		switch change.Operation {
		case fieldsync.OpCreate, fieldsync.OpUpdate:
			rec, err := fieldsync.DecodePayload(fieldsync.EntityKind(change.Entity), change.Payload)
			if err != nil {
				return 0, fmt.Errorf("revision %d: %w", change.Revision, err)
			}
			if err := c.writeRecordInTx(ctx, tx, rec, true, now); err != nil {
				return 0, fmt.Errorf("revision %d: %w", change.Revision, err)
			}
		case fieldsync.OpDelete:
			if err := c.deleteRecordInTx(ctx, tx, fieldsync.EntityKind(change.Entity), change.EntityID); err != nil {
				return 0, fmt.Errorf("revision %d: %w", change.Revision, err)
			}
		default:
			return 0, fmt.Errorf("revision %d: unknown operation %q", change.Revision, change.Operation)
		}
		applied++
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE _sync_cursor SET last_pulled_revision = ?
		WHERE user_id = ? AND last_pulled_revision < ?
	`, maxRevision, c.UserID, maxRevision)
	if err != nil {
		return 0, fmt.Errorf("failed to advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return applied, nil
}

func hasUnconfirmedEventInTx(ctx context.Context, tx *sql.Tx, entity, entityID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_outbox
		WHERE entity = ? AND entity_id = ? AND status IN ('PENDING', 'SENT', 'ERROR')
	`, entity, entityID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check outbox for %s/%s: %w", entity, entityID, err)
	}
	return n > 0, nil
}
