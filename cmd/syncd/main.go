// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

// syncd is the sync gateway for the field inspection app: it accepts pushed
// outbox batches, appends them to the change log, and serves paginated pulls.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/laurent387/vgp-manager-firebasesql1-sub000/fieldsync"
	"github.com/laurent387/vgp-manager-firebasesql1-sub000/internal/config"
	"github.com/laurent387/vgp-manager-firebasesql1-sub000/internal/database"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	service, err := fieldsync.NewSyncService(pool, &fieldsync.ServiceConfig{
		AppName:         "syncd",
		MaxPushBatch:    cfg.MaxPushBatch,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	}, logger)
	if err != nil {
		logger.Error("failed to create sync service", "error", err)
		os.Exit(1)
	}
	defer service.Close()

	var limiter fieldsync.PushLimiter
	if cfg.PushRatePerMin > 0 {
		if cfg.RedisURL != "" {
			redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
			if err != nil {
				logger.Error("failed to create redis client", "error", err)
				os.Exit(1)
			}
			defer redisClient.Close()
			limiter = fieldsync.NewRedisPushLimiter(redisClient, int64(cfg.PushRatePerMin), time.Minute)
		} else {
			memLimiter := fieldsync.NewMemoryPushLimiter(int64(cfg.PushRatePerMin), time.Minute)
			memLimiter.Start()
			defer memLimiter.Stop()
			limiter = memLimiter
		}
	}

	jwtAuth := fieldsync.NewJWTAuth(cfg.JWTSecret)
	handlers := fieldsync.NewHTTPSyncHandlers(service, jwtAuth, limiter, logger)

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Group(func(r chi.Router) {
		r.Use(jwtAuth.Middleware)
		r.Post("/sync/push", handlers.HandlePush)
		r.Get("/sync/pull", handlers.HandlePull)
		r.Get("/sync/revision", handlers.HandleLatestRevision)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting sync gateway", "port", cfg.ServerPort)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
