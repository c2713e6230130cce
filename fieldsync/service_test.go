// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*SyncService, *pgxpool.Pool) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	svc, err := NewSyncService(pool, &ServiceConfig{AppName: "fieldsync-test"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	return svc, pool
}

func testUserID() string {
	return "test-user-" + uuid.New().String()
}

func clientPushEvent(t *testing.T, name string) PushEvent {
	t.Helper()
	id := uuid.New()
	return PushEvent{
		EventID:     uuid.New().String(),
		Entity:      "clients",
		EntityID:    id.String(),
		Operation:   OpCreate,
		PayloadJSON: fmt.Sprintf(`{"id":%q,"name":%q}`, id, name),
	}
}

func TestProcessPush_AckAndReplay(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()
	userID := testUserID()

	req := &PushRequest{
		DeviceID: "device-1",
		Events: []PushEvent{
			clientPushEvent(t, "Acme Lifting"),
			clientPushEvent(t, "Nordic Cranes"),
		},
	}

	resp, err := svc.ProcessPush(ctx, userID, "device-1", req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	revisions := make([]int64, 0, 2)
	for i, res := range resp.Results {
		require.Equal(t, req.Events[i].EventID, res.EventID)
		require.Equal(t, StAck, res.Status)
		require.Positive(t, res.Revision)
		revisions = append(revisions, res.Revision)
	}
	require.Less(t, revisions[0], revisions[1], "revisions must be assigned in order")

	// Replaying the exact same batch must not append again.
	replay, err := svc.ProcessPush(ctx, userID, "device-1", req)
	require.NoError(t, err)
	require.Len(t, replay.Results, 2)
	for i, res := range replay.Results {
		require.Equal(t, StDuplicate, res.Status)
		require.Equal(t, revisions[i], res.Revision, "duplicate must report the original revision")
	}

	var logged int
	err = pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync.change_log WHERE user_id = $1`, userID).Scan(&logged)
	require.NoError(t, err)
	require.Equal(t, 2, logged, "replay must not grow the change log")

	var materialized int
	err = pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync.entity_state WHERE user_id = $1 AND entity = 'clients'`, userID).Scan(&materialized)
	require.NoError(t, err)
	require.Equal(t, 2, materialized)
}

func TestProcessPush_MixedBatchPerEventResults(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()
	userID := testUserID()

	good := clientPushEvent(t, "Acme Lifting")
	bad := clientPushEvent(t, "ignored")
	bad.Entity = "invoices"
	alsoGood := clientPushEvent(t, "Nordic Cranes")

	resp, err := svc.ProcessPush(ctx, userID, "device-1", &PushRequest{
		DeviceID: "device-1",
		Events:   []PushEvent{good, bad, alsoGood},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)

	require.Equal(t, StAck, resp.Results[0].Status)
	require.Equal(t, StError, resp.Results[1].Status)
	require.Equal(t, ReasonUnknownEntity, resp.Results[1].Reason)
	require.Equal(t, StAck, resp.Results[2].Status, "a failing sibling must not poison later events")

	var logged int
	err = pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync.change_log WHERE user_id = $1`, userID).Scan(&logged)
	require.NoError(t, err)
	require.Equal(t, 2, logged, "rejected events must leave no trace in the log")
}

func TestProcessPush_DeleteMaterialization(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()
	userID := testUserID()

	create := clientPushEvent(t, "Acme Lifting")
	resp, err := svc.ProcessPush(ctx, userID, "device-1", &PushRequest{
		DeviceID: "device-1",
		Events:   []PushEvent{create},
	})
	require.NoError(t, err)
	require.Equal(t, StAck, resp.Results[0].Status)

	del := PushEvent{
		EventID:   uuid.New().String(),
		Entity:    "clients",
		EntityID:  create.EntityID,
		Operation: OpDelete,
	}
	resp, err = svc.ProcessPush(ctx, userID, "device-1", &PushRequest{
		DeviceID: "device-1",
		Events:   []PushEvent{del},
	})
	require.NoError(t, err)
	require.Equal(t, StAck, resp.Results[0].Status)

	var remaining int
	err = pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM sync.entity_state
		WHERE user_id = $1 AND entity = 'clients' AND entity_id = $2
	`, userID, create.EntityID).Scan(&remaining)
	require.NoError(t, err)
	require.Zero(t, remaining, "delete must remove the materialized row")

	var logged int
	err = pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync.change_log WHERE user_id = $1`, userID).Scan(&logged)
	require.NoError(t, err)
	require.Equal(t, 2, logged, "delete stays in the log for pullers")
}

func TestProcessPull_PaginationAndPurity(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := testUserID()

	events := make([]PushEvent, 0, 5)
	for i := 0; i < 5; i++ {
		events = append(events, clientPushEvent(t, fmt.Sprintf("Client %d", i)))
	}
	_, err := svc.ProcessPush(ctx, userID, "device-1", &PushRequest{DeviceID: "device-1", Events: events})
	require.NoError(t, err)

	// Page through with limit 2.
	var seen []ChangeEntry
	since := int64(0)
	for {
		page, err := svc.ProcessPull(ctx, userID, since, 2)
		require.NoError(t, err)
		require.LessOrEqual(t, len(page.Changes), 2)

		for _, change := range page.Changes {
			require.Greater(t, change.Revision, since, "pages must move strictly forward")
			since = change.Revision
			seen = append(seen, change)
		}
		if !page.HasMore {
			break
		}
	}
	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		require.Greater(t, seen[i].Revision, seen[i-1].Revision, "pull order must be ascending revision")
	}

	// Pull is read-only: repeating the same window returns the same page.
	first, err := svc.ProcessPull(ctx, userID, 0, 3)
	require.NoError(t, err)
	second, err := svc.ProcessPull(ctx, userID, 0, 3)
	require.NoError(t, err)
	require.Equal(t, first.Changes, second.Changes)

	latest, err := svc.LatestRevision(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, seen[len(seen)-1].Revision, latest)

	// Caught-up pull is empty.
	empty, err := svc.ProcessPull(ctx, userID, latest, 10)
	require.NoError(t, err)
	require.Empty(t, empty.Changes)
	require.False(t, empty.HasMore)
}

func TestProcessPull_UserIsolation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	userA := testUserID()
	userB := testUserID()

	_, err := svc.ProcessPush(ctx, userA, "device-a", &PushRequest{
		DeviceID: "device-a",
		Events:   []PushEvent{clientPushEvent(t, "Acme Lifting")},
	})
	require.NoError(t, err)

	page, err := svc.ProcessPull(ctx, userB, 0, 10)
	require.NoError(t, err)
	require.Empty(t, page.Changes, "one user's changes must not leak to another")
}
