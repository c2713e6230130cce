// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsync

// resultAck builds an ACK result carrying the freshly assigned revision.
func resultAck(eventID string, revision int64) EventResult {
	return EventResult{
		EventID:  eventID,
		Status:   StAck,
		Revision: revision,
	}
}

// resultDuplicate builds a DUPLICATE result carrying the revision assigned
// when the event was first applied.
func resultDuplicate(eventID string, revision int64) EventResult {
	return EventResult{
		EventID:  eventID,
		Status:   StDuplicate,
		Revision: revision,
	}
}

// resultError builds a per-event ERROR result with a machine-readable reason.
func resultError(eventID, reason string, err error) EventResult {
	res := EventResult{
		EventID: eventID,
		Status:  StError,
		Reason:  reason,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
