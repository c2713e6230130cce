// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Statement names for hot-path push operations
const (
	stmtApplyUpsert = "fs_apply_upsert"
	stmtApplyDelete = "fs_apply_delete"
)

// preparePushStatements prepares the per-event apply statements on the current
// transaction connection. pgx caches prepared statements per connection.
func (s *SyncService) preparePushStatements(ctx context.Context, tx pgx.Tx) error {
	// fs_apply_upsert: single-statement apply for CREATE/UPDATE. The gate CTE
	// is the idempotency check: an existing event_id inserts nothing, returns
	// revision 0, and the state upsert is skipped.
	//
	// $1 event_id, $2 user_id, $3 device_id, $4 entity, $5 entity_id,
	// $6 op, $7 payload, $8 client_ts
	if _, err := tx.Prepare(ctx, stmtApplyUpsert, `
WITH gate AS (
  INSERT INTO sync.change_log
      (event_id, user_id, device_id, entity, entity_id, op, payload, client_ts)
  VALUES ($1::uuid, $2, $3, $4, $5::uuid, $6, $7::json, $8)
  ON CONFLICT (event_id) DO NOTHING
  RETURNING revision
),
state_upsert AS (
  INSERT INTO sync.entity_state (user_id, entity, entity_id, payload)
  SELECT $2, $4, $5::uuid, $7::json
  FROM gate
  ON CONFLICT (user_id, entity, entity_id) DO UPDATE
  SET payload = EXCLUDED.payload,
      updated_at = now()
)
SELECT COALESCE((SELECT revision FROM gate), 0) AS revision
`); err != nil {
		return err
	}

	// fs_apply_delete: same gate, then removes the authoritative row.
	// Deleting an absent row is still ACKed; the log entry records the intent.
	//
	// $1 event_id, $2 user_id, $3 device_id, $4 entity, $5 entity_id, $6 client_ts
	if _, err := tx.Prepare(ctx, stmtApplyDelete, `
WITH gate AS (
  INSERT INTO sync.change_log
      (event_id, user_id, device_id, entity, entity_id, op, payload, client_ts)
  VALUES ($1::uuid, $2, $3, $4, $5::uuid, 'DELETE', NULL, $6)
  ON CONFLICT (event_id) DO NOTHING
  RETURNING revision
),
state_delete AS (
  DELETE FROM sync.entity_state
  WHERE user_id = $2
    AND entity = $4
    AND entity_id = $5::uuid
    AND EXISTS (SELECT 1 FROM gate)
)
SELECT COALESCE((SELECT revision FROM gate), 0) AS revision
`); err != nil {
		return err
	}

	return nil
}
