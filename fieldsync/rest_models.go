// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the push/pull HTTP API.

// PushRequest is a batch of outbox events from one device.
// The device in the body must match the JWT did claim.
type PushRequest struct {
	DeviceID string      `json:"device_id"`
	UserID   string      `json:"user_id,omitempty"`
	Events   []PushEvent `json:"events"`
}

// PushEvent is a single mutation intent. EventID is the idempotency key for
// the whole protocol: replaying it never produces a second log entry.
type PushEvent struct {
	EventID         string `json:"event_id"`
	Entity          string `json:"entity"`
	EntityID        string `json:"entity_id"`
	Operation       string `json:"operation"` // CREATE, UPDATE, DELETE
	PayloadJSON     string `json:"payload_json,omitempty"`
	ClientTimestamp int64  `json:"client_timestamp"` // informational only, never used for ordering
}

// PushResponse carries one result per input event, in input order.
type PushResponse struct {
	Results []EventResult `json:"results"`
}

// EventResult is the per-event push outcome.
type EventResult struct {
	EventID  string `json:"event_id"`
	Status   string `json:"status"` // ACK, DUPLICATE, ERROR
	Error    string `json:"error,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Revision int64  `json:"revision,omitempty"` // assigned (ACK) or previously assigned (DUPLICATE)
}

// PullResponse is one page of the change log.
type PullResponse struct {
	Changes        []ChangeEntry `json:"changes"`
	LatestRevision int64         `json:"latest_revision"`
	HasMore        bool          `json:"has_more"`
}

// ChangeEntry is one committed change-log entry as seen by pullers.
type ChangeEntry struct {
	Revision        int64           `json:"revision"`
	Entity          string          `json:"entity"`
	EntityID        string          `json:"entity_id"`
	Operation       string          `json:"operation"`
	Payload         json.RawMessage `json:"payload,omitempty"` // null for DELETE
	ServerTimestamp time.Time       `json:"server_timestamp"`
	EventID         string          `json:"event_id"`
}

// LatestRevisionResponse answers the caught-up liveness check.
type LatestRevisionResponse struct {
	LatestRevision int64 `json:"latest_revision"`
}

// ErrorResponse is the standard HTTP-level error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
