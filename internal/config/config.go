// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds the syncd server configuration, loaded from the environment.
type Config struct {
	ServerPort  string
	DatabaseURL string
	// RedisURL is optional. When empty, push rate limiting falls back to the
	// in-process limiter.
	RedisURL  string
	JWTSecret string
	JWTExpiry time.Duration

	MaxPushBatch    int
	MaxPayloadBytes int
	// PushRatePerMin limits push requests per device per minute. Zero
	// disables rate limiting.
	PushRatePerMin int
}

// LoadConfig reads configuration from the environment and validates the
// required fields.
func LoadConfig() (*Config, error) {
	expiry, err := time.ParseDuration(getEnv("JWT_EXPIRY", "24h"))
	if err != nil {
		return nil, errors.New("invalid JWT_EXPIRY format")
	}

	maxBatch, err := getEnvInt("MAX_PUSH_BATCH", 500)
	if err != nil {
		return nil, err
	}
	maxPayload, err := getEnvInt("MAX_PAYLOAD_BYTES", 262144)
	if err != nil {
		return nil, err
	}
	pushRate, err := getEnvInt("PUSH_RATE_PER_MIN", 120)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		JWTExpiry:       expiry,
		MaxPushBatch:    maxBatch,
		MaxPayloadBytes: maxPayload,
		PushRatePerMin:  pushRate,
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}
