// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PushLimiter bounds how often a single device may call push. It is explicit
// instance state with a defined lifecycle, owned by whoever constructs the
// HTTP handlers; there is no process-wide limiter.
type PushLimiter interface {
	// Allow reports whether the device may perform another push right now.
	Allow(ctx context.Context, deviceID string) (bool, error)
}

// RedisPushLimiter implements PushLimiter with a fixed window counter in
// Redis, shared across gateway replicas.
type RedisPushLimiter struct {
	client *redis.Client
	max    int64
	window time.Duration
}

// NewRedisPushLimiter allows up to max pushes per device per window.
func NewRedisPushLimiter(client *redis.Client, max int64, window time.Duration) *RedisPushLimiter {
	return &RedisPushLimiter{client: client, max: max, window: window}
}

func (l *RedisPushLimiter) Allow(ctx context.Context, deviceID string) (bool, error) {
	key := "fieldsync:push_rate:" + deviceID

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	return count <= l.max, nil
}

// MemoryPushLimiter implements PushLimiter with an in-process fixed window
// map. Start launches a janitor that drops expired windows; Stop halts it.
type MemoryPushLimiter struct {
	max    int64
	window time.Duration

	mu      sync.Mutex
	windows map[string]*rateWindow
	done    chan struct{}
	once    sync.Once
}

type rateWindow struct {
	start time.Time
	count int64
}

// NewMemoryPushLimiter allows up to max pushes per device per window.
func NewMemoryPushLimiter(max int64, window time.Duration) *MemoryPushLimiter {
	return &MemoryPushLimiter{
		max:     max,
		window:  window,
		windows: make(map[string]*rateWindow),
		done:    make(chan struct{}),
	}
}

func (l *MemoryPushLimiter) Allow(_ context.Context, deviceID string) (bool, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[deviceID]
	if w == nil || now.Sub(w.start) >= l.window {
		w = &rateWindow{start: now}
		l.windows[deviceID] = w
	}
	w.count++
	return w.count <= l.max, nil
}

// Start launches the expired-window janitor.
func (l *MemoryPushLimiter) Start() {
	go func() {
		ticker := time.NewTicker(l.window)
		defer ticker.Stop()
		for {
			select {
			case <-l.done:
				return
			case now := <-ticker.C:
				l.mu.Lock()
				for device, w := range l.windows {
					if now.Sub(w.start) >= l.window {
						delete(l.windows, device)
					}
				}
				l.mu.Unlock()
			}
		}
	}()
}

// Stop halts the janitor. Safe to call multiple times.
func (l *MemoryPushLimiter) Stop() {
	l.once.Do(func() { close(l.done) })
}
