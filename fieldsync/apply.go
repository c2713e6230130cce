// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// existingRevision looks up the revision previously assigned to event_id.
func (s *SyncService) existingRevision(ctx context.Context, tx pgx.Tx, eventID string) (int64, error) {
	var revision int64
	err := tx.QueryRow(ctx,
		`SELECT revision FROM sync.change_log WHERE event_id = $1::uuid`,
		eventID,
	).Scan(&revision)
	if err != nil {
		return 0, err
	}
	return revision, nil
}

// applyEvent applies one validated event under a SAVEPOINT. A constraint or
// database error rolls back only this event and becomes a per-event ERROR;
// the returned error is reserved for savepoint bookkeeping failures that
// poison the whole transaction.
func (s *SyncService) applyEvent(ctx context.Context, tx pgx.Tx, userID, deviceID string, ev *PushEvent) (EventResult, error) {
	s.logger.Debug("Applying event",
		"entity", ev.Entity, "entity_id", ev.EntityID, "op", ev.Operation,
		"event_id", ev.EventID, "payload_size", len(ev.PayloadJSON))

	spName := fmt.Sprintf("sp_%s", sanitizeSavepointName(ev.EventID))
	if _, err := tx.Exec(ctx, fmt.Sprintf("SAVEPOINT %s", pgx.Identifier{spName}.Sanitize())); err != nil {
		return EventResult{}, fmt.Errorf("failed to create savepoint: %w", err)
	}

	var revision int64
	var err error
	if ev.Operation == OpDelete {
		err = tx.QueryRow(ctx, stmtApplyDelete,
			ev.EventID, userID, deviceID, ev.Entity, ev.EntityID, ev.ClientTimestamp,
		).Scan(&revision)
	} else {
		err = tx.QueryRow(ctx, stmtApplyUpsert,
			ev.EventID, userID, deviceID, ev.Entity, ev.EntityID, ev.Operation,
			ev.PayloadJSON, ev.ClientTimestamp,
		).Scan(&revision)
	}

	if err != nil {
		_, _ = tx.Exec(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", pgx.Identifier{spName}.Sanitize()))

		// After rolling back, the event may still have been logged by a
		// concurrent push of the same event_id; report that as DUPLICATE.
		if existing, lookupErr := s.existingRevision(ctx, tx, ev.EventID); lookupErr == nil {
			_, _ = tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", pgx.Identifier{spName}.Sanitize()))
			return resultDuplicate(ev.EventID, existing), nil
		}

		_, _ = tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", pgx.Identifier{spName}.Sanitize()))

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			s.logger.Warn("Event apply failed",
				"event_id", ev.EventID, "entity", ev.Entity, "entity_id", ev.EntityID,
				"sqlstate", pgErr.SQLState(), "error", err)
			return resultError(ev.EventID, ReasonInternalError, fmt.Errorf("apply failed: %s", pgErr.Message)), nil
		}
		return EventResult{}, fmt.Errorf("failed to apply event: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", pgx.Identifier{spName}.Sanitize())); err != nil {
		return EventResult{}, fmt.Errorf("failed to release savepoint: %w", err)
	}

	if revision == 0 {
		// Idempotency gate hit: event_id already in the log. Return the
		// originally assigned revision so the client can treat it as ACK.
		existing, err := s.existingRevision(ctx, tx, ev.EventID)
		if err != nil {
			return EventResult{}, fmt.Errorf("failed to look up duplicate revision: %w", err)
		}
		return resultDuplicate(ev.EventID, existing), nil
	}

	return resultAck(ev.EventID, revision), nil
}

// sanitizeSavepointName strips characters that are not valid in an identifier.
// Event ids are UUIDs, so this only replaces dashes.
func sanitizeSavepointName(eventID string) string {
	out := make([]byte, 0, len(eventID))
	for i := 0; i < len(eventID); i++ {
		c := eventID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
