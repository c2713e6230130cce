// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// ClientAuthenticator extracts both user and device identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides HTTP handlers for the push/pull sync API
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	limiter       PushLimiter // optional, nil disables rate limiting
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, limiter PushLimiter, logger *slog.Logger) *HTTPSyncHandlers {
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		limiter:       limiter,
		logger:        logger,
	}
}

// HandlePush processes batch push requests
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	deviceID, err := h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(r.Context(), deviceID)
		if err != nil {
			h.logger.Error("Rate limiter failed", "error", err, "device_id", deviceID)
			h.writeError(w, http.StatusInternalServerError, "rate_limit_failed", "Failed to check rate limit")
			return
		}
		if !allowed {
			h.writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many push requests")
			return
		}
	}

	var pushReq PushRequest
	if err := json.NewDecoder(r.Body).Decode(&pushReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}

	// The body's device_id must agree with the authenticated device.
	if pushReq.DeviceID != "" && pushReq.DeviceID != deviceID {
		h.writeError(w, http.StatusForbidden, "device_mismatch", "device_id does not match token")
		return
	}

	response, err := h.service.ProcessPush(r.Context(), userID, deviceID, &pushReq)
	if err != nil {
		h.logger.Error("Failed to process push", "error", err, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "push_failed", "Failed to process push")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode push response", "error", err, "device_id", deviceID)
	}
}

// HandlePull processes pull requests
func (h *HTTPSyncHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	since := int64(0)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be an integer >= 0")
			return
		}
		since = parsed
	}

	limit := PullLimitDefault
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
		if parsed < 1 || parsed > PullLimitMax {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	response, err := h.service.ProcessPull(r.Context(), userID, since, limit)
	if err != nil {
		h.logger.Error("Failed to process pull", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to process pull")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode pull response", "error", err, "user_id", userID)
	}
}

// HandleLatestRevision answers the caught-up liveness check
func (h *HTTPSyncHandlers) HandleLatestRevision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	latest, err := h.service.LatestRevision(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to get latest revision", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "latest_failed", "Failed to get latest revision")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(LatestRevisionResponse{LatestRevision: latest}); err != nil {
		h.logger.Error("Failed to encode latest revision response", "error", err, "user_id", userID)
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	_ = json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
