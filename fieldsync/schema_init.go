// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the sync schema within an existing transaction.
// All statements are idempotent so startup is safe against concurrent replicas.
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// 1) Append-only change log; revision is the sole global order.
		// event_id uniqueness is the idempotency gate for the whole protocol.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.change_log (
			revision   BIGSERIAL PRIMARY KEY,
			event_id   UUID      NOT NULL UNIQUE,
			user_id    TEXT      NOT NULL,
			device_id  TEXT      NOT NULL,
			entity     TEXT      NOT NULL,
			entity_id  UUID      NOT NULL,
			op         TEXT      NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			payload    JSON,
			client_ts  BIGINT    NOT NULL DEFAULT 0,
			server_ts  TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT change_log_payload_by_op_chk
			CHECK ((op = 'DELETE' AND payload IS NULL) OR (op IN ('CREATE','UPDATE') AND payload IS NOT NULL))
		)`,

		// 2) Authoritative after-image per entity record.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.entity_state (
			user_id    TEXT   NOT NULL,
			entity     TEXT   NOT NULL,
			entity_id  UUID   NOT NULL,
			payload    JSON   NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, entity, entity_id)
		)`,

		// Indexes for pull pagination and per-record history lookups.
		`CREATE INDEX IF NOT EXISTS cl_user_rev_idx ON sync.change_log(user_id, revision)`,
		`CREATE INDEX IF NOT EXISTS cl_user_entity_rev_idx ON sync.change_log(user_id, entity, entity_id, revision)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}
