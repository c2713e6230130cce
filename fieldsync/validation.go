// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// validateEvent normalizes and validates a single push event. It returns a
// machine-readable reason together with the error so the caller can build a
// per-event ERROR result; the batch is never rejected wholesale.
func (s *SyncService) validateEvent(ev *PushEvent) (reason string, err error) {
	ev.Entity = strings.ToLower(strings.TrimSpace(ev.Entity))
	ev.Operation = strings.ToUpper(strings.TrimSpace(ev.Operation))

	if _, err := uuid.Parse(ev.EventID); err != nil {
		return ReasonBadPayload, fmt.Errorf("invalid event_id %q: %w", ev.EventID, err)
	}

	if !KnownEntity(ev.Entity) {
		return ReasonUnknownEntity, fmt.Errorf("%w: %s", ErrUnknownEntity, ev.Entity)
	}

	switch ev.Operation {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return ReasonBadOperation, fmt.Errorf("invalid operation: %s", ev.Operation)
	}

	if _, err := uuid.Parse(ev.EntityID); err != nil {
		return ReasonBadPayload, fmt.Errorf("invalid entity_id %q: %w", ev.EntityID, err)
	}

	if ev.Operation == OpDelete {
		if ev.PayloadJSON != "" {
			return ReasonBadPayload, fmt.Errorf("DELETE must not include payload")
		}
		return "", nil
	}

	if ev.PayloadJSON == "" {
		return ReasonBadPayload, fmt.Errorf("payload required for %s operation", ev.Operation)
	}
	if s.config.MaxPayloadBytes > 0 && len(ev.PayloadJSON) > s.config.MaxPayloadBytes {
		return ReasonBadPayload, fmt.Errorf("payload too large: %d > %d", len(ev.PayloadJSON), s.config.MaxPayloadBytes)
	}

	// Decode against the entity's own field set; this is where unknown fields
	// and missing required columns for the specific entity are caught.
	rec, err := DecodePayload(EntityKind(ev.Entity), json.RawMessage(ev.PayloadJSON))
	if err != nil {
		return ReasonBadPayload, err
	}

	// The payload snapshot must describe the event's own record.
	if id, ok := rec.Columns()["id"].(string); ok && !strings.EqualFold(id, ev.EntityID) {
		return ReasonBadPayload, fmt.Errorf("payload id %s does not match entity_id %s", id, ev.EntityID)
	}

	return "", nil
}
