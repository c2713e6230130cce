// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncService is the server-side sync gateway: it owns the change log and the
// authoritative entity state, and exposes the push/pull operations.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	AppName         string
	MaxPushBatch    int // Maximum events in a single push (0 = unlimited)
	MaxPayloadBytes int // Maximum JSON payload size per event in bytes (0 = unlimited)
}

// NewSyncService creates a sync service over an existing pool and initializes
// the sync schema. The caller keeps ownership of the pool lifecycle.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "fieldsync"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := service.initializeSchemaInTx(ctx, tx); err != nil {
			logger.Error("Failed to initialize sync schema", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}

	return service, nil
}

// Close shuts the service down. Safe to call multiple times; does not close
// the pool.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.logger.Debug("Shutting down sync service")
	s.closed = true
	return nil
}

// Pool returns the underlying connection pool for advanced callers.
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}

// ProcessPush applies a batch of events idempotently and appends accepted ones
// to the change log. The batch runs in one transaction with a SAVEPOINT per
// event, so a failing event rolls back only itself: an ACK reported to the
// client is durable regardless of sibling outcomes once the batch commits.
func (s *SyncService) ProcessPush(ctx context.Context, userID, deviceID string, req *PushRequest) (*PushResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	if len(req.Events) == 0 {
		return &PushResponse{Results: []EventResult{}}, nil
	}

	if s.config.MaxPushBatch > 0 && len(req.Events) > s.config.MaxPushBatch {
		return nil, fmt.Errorf("push batch too large: events=%d limit=%d", len(req.Events), s.config.MaxPushBatch)
	}

	results := make([]EventResult, len(req.Events))

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		if err := s.preparePushStatements(ctx, tx); err != nil {
			return fmt.Errorf("failed to prepare statements: %w", err)
		}

		for i := range req.Events {
			ev := &req.Events[i]

			if reason, err := s.validateEvent(ev); err != nil {
				s.logger.Warn("Push validation failed",
					"user_id", userID,
					"device_id", deviceID,
					"event_id", ev.EventID,
					"entity", ev.Entity,
					"op", ev.Operation,
					"reason", reason,
					"error", err,
				)
				results[i] = resultError(ev.EventID, reason, err)
				continue
			}

			res, err := s.applyEvent(ctx, tx, userID, deviceID, ev)
			if err != nil {
				return fmt.Errorf("failed to apply event %s: %w", ev.EventID, err)
			}
			results[i] = res
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to process push transaction: %w", err)
	}

	return &PushResponse{Results: results}, nil
}
