// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsync

// Operation constants for sync mutations
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Per-event push result statuses
const (
	StAck       = "ACK"
	StDuplicate = "DUPLICATE"
	StError     = "ERROR"
)

// Error reason constants carried in per-event ERROR results
const (
	ReasonUnknownEntity = "unknown_entity"
	ReasonBadPayload    = "bad_payload"
	ReasonBadOperation  = "bad_operation"
	ReasonInternalError = "internal_error"
)

// Pull pagination bounds
const (
	PullLimitDefault = 100
	PullLimitMax     = 500
)
