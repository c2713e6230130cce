// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"time"
)

// Database entity models for the Postgres sync schema.

// ChangeLogEntry is a row in sync.change_log. The log is append-only;
// revision is assigned exactly once by the log's own sequence and is the
// sole global order across devices.
type ChangeLogEntry struct {
	Revision        int64           `db:"revision"`
	Entity          string          `db:"entity"`
	EntityID        string          `db:"entity_id"`
	Operation       string          `db:"op"`
	Payload         json.RawMessage `db:"payload"`
	UserID          string          `db:"user_id"`
	DeviceID        string          `db:"device_id"`
	EventID         string          `db:"event_id"`
	ClientTimestamp int64           `db:"client_ts"`
	ServerTimestamp time.Time       `db:"server_ts"`
}

// EntityStateRow is a row in sync.entity_state, the authoritative after-image
// of one entity record.
type EntityStateRow struct {
	UserID   string          `db:"user_id"`
	Entity   string          `db:"entity"`
	EntityID string          `db:"entity_id"`
	Payload  json.RawMessage `db:"payload"`
}
