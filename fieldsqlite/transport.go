// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/laurent387/vgp-manager-firebasesql1-sub000/fieldsync"
)

// HTTPTransport talks to the sync gateway over its REST API with a bearer
// token per request.
type HTTPTransport struct {
	baseURL string
	token   func(ctx context.Context) (string, error)
	client  *http.Client
}

// NewHTTPTransport creates a transport for the gateway at baseURL. The token
// callback supplies a fresh JWT for each request so expiry and rotation stay
// the caller's concern.
func NewHTTPTransport(baseURL string, token func(ctx context.Context) (string, error)) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (t *HTTPTransport) Push(ctx context.Context, req *fieldsync.PushRequest) (*fieldsync.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode push request: %w", err)
	}
	var resp fieldsync.PushResponse
	if err := t.do(ctx, http.MethodPost, "/sync/push", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) Pull(ctx context.Context, since int64, limit int) (*fieldsync.PullResponse, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp fieldsync.PullResponse
	if err := t.do(ctx, http.MethodGet, "/sync/pull", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) LatestRevision(ctx context.Context) (int64, error) {
	var resp fieldsync.LatestRevisionResponse
	if err := t.do(ctx, http.MethodGet, "/sync/revision", nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.LatestRevision, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	endpoint := t.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := t.token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr fieldsync.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}
