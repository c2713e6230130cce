// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ProcessPull returns one page of change-log entries with revision > since,
// strictly ascending, truncated to limit. It is a pure read: identical calls
// with no intervening writes return identical results.
func (s *SyncService) ProcessPull(ctx context.Context, userID string, since int64, limit int) (*PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	if limit < 1 || limit > PullLimitMax {
		limit = PullLimitDefault
	}

	rows, err := s.pool.Query(ctx, `
		SELECT revision, entity, entity_id::text, op, payload, server_ts, event_id::text
		FROM sync.change_log
		WHERE user_id = @user_id
		  AND revision > @since
		ORDER BY revision
		LIMIT @page_limit`,
		pgx.NamedArgs{"user_id": userID, "since": since, "page_limit": limit},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pull page: %w", err)
	}
	defer rows.Close()

	changes := make([]ChangeEntry, 0, limit)
	for rows.Next() {
		var ch ChangeEntry
		var payload []byte
		if err := rows.Scan(&ch.Revision, &ch.Entity, &ch.EntityID, &ch.Operation,
			&payload, &ch.ServerTimestamp, &ch.EventID); err != nil {
			return nil, fmt.Errorf("failed to scan change entry: %w", err)
		}
		if payload != nil {
			ch.Payload = json.RawMessage(payload)
		}
		changes = append(changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pull page: %w", err)
	}

	latest, err := s.LatestRevision(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &PullResponse{
		Changes:        changes,
		LatestRevision: latest,
		HasMore:        len(changes) == limit,
	}, nil
}

// LatestRevision returns the highest committed revision for the user, used by
// clients as a caught-up check independent of pagination.
func (s *SyncService) LatestRevision(ctx context.Context, userID string) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	var latest int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(revision), 0) FROM sync.change_log WHERE user_id = @user_id`,
		pgx.NamedArgs{"user_id": userID},
	).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest revision: %w", err)
	}
	return latest, nil
}
