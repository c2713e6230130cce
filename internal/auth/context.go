// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated caller of a sync request
// through the request context.
package auth

import "context"

// Identity is the authenticated user/device pair behind a sync request.
type Identity struct {
	UserID   string
	DeviceID string
}

type identityKey struct{}

// WithIdentity returns a context carrying the authenticated identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom extracts the authenticated identity, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
