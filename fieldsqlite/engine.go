// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/laurent387/vgp-manager-firebasesql1-sub000/fieldsync"
)

// Transport moves sync traffic between the client and the gateway.
type Transport interface {
	Push(ctx context.Context, req *fieldsync.PushRequest) (*fieldsync.PushResponse, error)
	Pull(ctx context.Context, since int64, limit int) (*fieldsync.PullResponse, error)
	LatestRevision(ctx context.Context) (int64, error)
}

// Status is the externally observable sync state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusFailed  Status = "error"
)

// StatusEvent is delivered to subscribed listeners on every transition.
type StatusEvent struct {
	Status  Status
	Message string
	At      time.Time
}

// DeadLetterHandler is notified when an outbox event exhausts its retries.
// Implementations must not block; they run on the sync cycle goroutine.
type DeadLetterHandler interface {
	OnRetriesExhausted(ctx context.Context, ev OutboxEvent)
}

// DeadLetterFunc adapts a function to the DeadLetterHandler interface.
type DeadLetterFunc func(ctx context.Context, ev OutboxEvent)

func (f DeadLetterFunc) OnRetriesExhausted(ctx context.Context, ev OutboxEvent) { f(ctx, ev) }

// EngineConfig tunes the sync engine.
type EngineConfig struct {
	// PullLimit is the page size requested from the gateway.
	PullLimit int
	// SyncInterval is the periodic trigger cadence. Zero disables the
	// background ticker; cycles then run only on explicit SyncNow calls.
	SyncInterval time.Duration
	// StatusRevertDelay is how long success/error is shown before the status
	// reverts to idle.
	StatusRevertDelay time.Duration
}

// DefaultEngineConfig returns the tuning used by the field app.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		PullLimit:         fieldsync.PullLimitDefault,
		SyncInterval:      30 * time.Second,
		StatusRevertDelay: 3 * time.Second,
	}
}

// Engine drives sync cycles: push the outbox backlog, then pull and apply
// remote changes until caught up. At most one cycle runs at a time; triggers
// arriving mid-cycle coalesce into exactly one follow-up cycle.
type Engine struct {
	client    *Client
	transport Transport
	config    *EngineConfig
	logger    *slog.Logger

	deadLetter DeadLetterHandler

	mu           sync.Mutex
	running      bool
	rerunWanted  bool
	status       Status
	listeners    map[int]func(StatusEvent)
	nextListener int
	revertTimer  *time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// NewEngine creates a sync engine for the given client and transport.
// A nil config uses DefaultEngineConfig.
func NewEngine(client *Client, transport Transport, config *EngineConfig, logger *slog.Logger) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if config.PullLimit <= 0 {
		config.PullLimit = fieldsync.PullLimitDefault
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:    client,
		transport: transport,
		config:    config,
		logger:    logger,
		status:    StatusIdle,
		listeners: make(map[int]func(StatusEvent)),
		stopCh:    make(chan struct{}),
	}
}

// SetDeadLetterHandler installs the escalation hook for events that exhaust
// their retries. Must be called before Start.
func (e *Engine) SetDeadLetterHandler(h DeadLetterHandler) { e.deadLetter = h }

// Start launches the periodic sync trigger. Calling Start with a zero
// SyncInterval is a no-op; SyncNow still works either way.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.config.SyncInterval <= 0 {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.config.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				if err := e.SyncNow(ctx); err != nil {
					e.logger.Warn("periodic sync failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the periodic trigger and waits for any in-flight cycle started
// by it to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()

	e.mu.Lock()
	if e.revertTimer != nil {
		e.revertTimer.Stop()
		e.revertTimer = nil
	}
	e.mu.Unlock()
}

// Status returns the current sync status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Subscribe registers a status listener and returns a token for Unsubscribe.
// Listeners run synchronously on the transitioning goroutine.
func (e *Engine) Subscribe(fn func(StatusEvent)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextListener++
	id := e.nextListener
	e.listeners[id] = fn
	return id
}

// Unsubscribe removes a previously registered listener.
func (e *Engine) Unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, id)
}

func (e *Engine) setStatus(status Status, message string) {
	e.mu.Lock()
	e.status = status
	if e.revertTimer != nil {
		e.revertTimer.Stop()
		e.revertTimer = nil
	}
	if status == StatusSuccess || status == StatusFailed {
		delay := e.config.StatusRevertDelay
		if delay > 0 {
			e.revertTimer = time.AfterFunc(delay, func() {
				e.mu.Lock()
				// A newer transition owns the status now.
				if e.status != status {
					e.mu.Unlock()
					return
				}
				e.status = StatusIdle
				fns := listenerSnapshot(e.listeners)
				e.mu.Unlock()
				ev := StatusEvent{Status: StatusIdle, At: time.Now()}
				for _, fn := range fns {
					fn(ev)
				}
			})
		}
	}
	fns := listenerSnapshot(e.listeners)
	e.mu.Unlock()

	ev := StatusEvent{Status: status, Message: message, At: time.Now()}
	for _, fn := range fns {
		fn(ev)
	}
}

func listenerSnapshot(m map[int]func(StatusEvent)) []func(StatusEvent) {
	fns := make([]func(StatusEvent), 0, len(m))
	for _, fn := range m {
		fns = append(fns, fn)
	}
	return fns
}

// SyncNow runs a sync cycle. If a cycle is already running the call returns
// immediately and exactly one follow-up cycle runs after the current one,
// no matter how many triggers arrived in the meantime.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.rerunWanted = true
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.rerunWanted = false
	e.mu.Unlock()

	var firstErr error
	for {
		err := e.runCycle(ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}

		e.mu.Lock()
		if !e.rerunWanted {
			e.running = false
			e.mu.Unlock()
			break
		}
		e.rerunWanted = false
		e.mu.Unlock()
	}
	return firstErr
}

// Hydrate rewinds the pull cursor and replays the whole change log, for a
// fresh install or a device restoring from backup. Local re-application is
// idempotent, so overlapping with previously applied changes is harmless.
func (e *Engine) Hydrate(ctx context.Context) error {
	if err := e.client.ResetCursor(ctx); err != nil {
		return err
	}
	return e.SyncNow(ctx)
}

// runCycle performs one push-then-pull pass.
func (e *Engine) runCycle(ctx context.Context) error {
	e.setStatus(StatusSyncing, "")

	if err := e.pushBacklog(ctx); err != nil {
		e.logger.Warn("push phase failed", "error", err)
		e.setStatus(StatusFailed, err.Error())
		return err
	}

	if err := e.pullChanges(ctx); err != nil {
		e.logger.Warn("pull phase failed", "error", err)
		e.setStatus(StatusFailed, err.Error())
		return err
	}

	if _, err := e.client.ClearAcknowledged(ctx); err != nil {
		e.setStatus(StatusFailed, err.Error())
		return err
	}

	e.setStatus(StatusSuccess, "")
	return nil
}

// pushBacklog sends the whole outbox backlog in one batch and applies the
// per-event results. Transport failures leave the backlog untouched for the
// next cycle.
func (e *Engine) pushBacklog(ctx context.Context) error {
	events, err := e.client.PendingEvents(ctx)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	req := &fieldsync.PushRequest{
		DeviceID: e.client.DeviceID,
		UserID:   e.client.UserID,
		Events:   make([]fieldsync.PushEvent, 0, len(events)),
	}
	eventIDs := make([]string, 0, len(events))
	for _, ev := range events {
		req.Events = append(req.Events, fieldsync.PushEvent{
			EventID:         ev.EventID,
			Entity:          ev.Entity,
			EntityID:        ev.EntityID,
			Operation:       ev.Op,
			PayloadJSON:     string(ev.Payload),
			ClientTimestamp: ev.ClientTS,
		})
		eventIDs = append(eventIDs, ev.EventID)
	}

	if err := e.client.MarkSent(ctx, eventIDs); err != nil {
		return err
	}

	resp, err := e.transport.Push(ctx, req)
	if err != nil {
		if revertErr := e.client.RevertSent(ctx); revertErr != nil {
			return errors.Join(err, revertErr)
		}
		return fmt.Errorf("push failed: %w", err)
	}

	acked, rejected, err := e.applyPushResults(ctx, resp)
	if err != nil {
		// Events still SENT would otherwise be stranded until restart.
		if revertErr := e.client.RevertSent(ctx); revertErr != nil {
			return errors.Join(err, revertErr)
		}
		return err
	}

	// Any event missing from the response stays SENT; put it back in play.
	if len(resp.Results) != len(events) {
		if err := e.client.RevertSent(ctx); err != nil {
			return err
		}
	}

	e.logger.Info("push completed", "sent", len(events), "acked", acked, "rejected", rejected)
	return nil
}

func (e *Engine) applyPushResults(ctx context.Context, resp *fieldsync.PushResponse) (acked, rejected int, err error) {
	for _, res := range resp.Results {
		switch res.Status {
		case fieldsync.StAck, fieldsync.StDuplicate:
			if err := e.client.MarkAcked(ctx, res.EventID); err != nil {
				return acked, rejected, err
			}
			acked++
		case fieldsync.StError:
			msg := res.Error
			if msg == "" {
				msg = res.Reason
			}
			ev, exhausted, err := e.client.MarkError(ctx, res.EventID, msg)
			if err != nil {
				return acked, rejected, err
			}
			rejected++
			if exhausted {
				e.logger.Error("outbox event exhausted retries",
					"event_id", ev.EventID, "entity", ev.Entity, "op", ev.Op, "error", ev.LastError)
				if e.deadLetter != nil {
					e.deadLetter.OnRetriesExhausted(ctx, ev)
				}
			}
		default:
			return acked, rejected, fmt.Errorf("push returned unknown status %q for event %s", res.Status, res.EventID)
		}
	}
	return acked, rejected, nil
}

// pullChanges pages through the server change log from the local cursor and
// applies each page. The cursor advances in the same transaction as the page
// apply, so a crash never skips or double-counts a page.
func (e *Engine) pullChanges(ctx context.Context) error {
	for {
		since, err := e.client.Cursor(ctx)
		if err != nil {
			return err
		}

		page, err := e.transport.Pull(ctx, since, e.config.PullLimit)
		if err != nil {
			return fmt.Errorf("pull failed: %w", err)
		}
		if len(page.Changes) == 0 {
			return nil
		}

		applied, err := e.client.ApplyChanges(ctx, page.Changes)
		if err != nil {
			return err
		}
		e.logger.Info("pull page applied",
			"since", since, "changes", len(page.Changes), "applied", applied, "has_more", page.HasMore)

		if !page.HasMore {
			return nil
		}
	}
}
