// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTAuth_GenerateToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	userID := "test-user-123"
	deviceID := "test-device-456"
	duration := time.Hour

	token, err := jwtAuth.GenerateToken(userID, deviceID, duration)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	if token == "" {
		t.Error("Generated token should not be empty")
	}

	claims, err := jwtAuth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate generated token: %v", err)
	}

	if claims.DeviceID != deviceID {
		t.Errorf("Expected device_id %s, got %s", deviceID, claims.DeviceID)
	}

	if claims.Subject != userID {
		t.Errorf("Expected user_id %s, got %s", userID, claims.Subject)
	}

	if claims.Issuer != "fieldsync" {
		t.Errorf("Expected issuer 'fieldsync', got %s", claims.Issuer)
	}

	if claims.ExpiresAt == nil {
		t.Error("Token should have expiration time")
	}

	expectedExpiry := time.Now().Add(duration)
	timeDiff := claims.ExpiresAt.Time.Sub(expectedExpiry).Abs()
	if timeDiff > time.Second {
		t.Errorf("Token expiry time differs by more than 1 second: expected ~%v, got %v", expectedExpiry, claims.ExpiresAt.Time)
	}
}

func TestJWTAuth_ValidateToken_InvalidSecret(t *testing.T) {
	jwtAuth1 := NewJWTAuth("secret-1")
	jwtAuth2 := NewJWTAuth("secret-2")

	token, err := jwtAuth1.GenerateToken("test-user", "test-device", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	_, err = jwtAuth2.ValidateToken(token)
	if err == nil {
		t.Error("Expected validation to fail with different secret")
	}
}

func TestJWTAuth_ValidateToken_ExpiredToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("test-user", "test-device", time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	_, err = jwtAuth.ValidateToken(token)
	if err == nil {
		t.Error("Expected validation to fail for expired token")
	}
}

func TestJWTAuth_ValidateToken_MalformedToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	testCases := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"invalid format", "not.a.jwt"},
		{"random string", "random-string"},
		{"partial token", "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := jwtAuth.ValidateToken(tc.token)
			if err == nil {
				t.Errorf("Expected validation to fail for %s", tc.name)
			}
		})
	}
}

func TestJWTAuth_ValidateToken_MissingDeviceID(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	claims := &JWTClaims{
		DeviceID: "",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   "test-user",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(jwtAuth.secret)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	_, err = jwtAuth.ValidateToken(tokenString)
	if err == nil {
		t.Error("Expected validation to fail for missing device_id")
	}
}

func TestJWTAuth_MiddlewarePopulatesIdentity(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("inspector-9", "tablet-03", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	var called bool
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true

		// Inside the middleware the identity comes from the request context,
		// so the handler must not need to reparse the Authorization header.
		r.Header.Del("Authorization")

		userID, err := jwtAuth.GetUserID(r)
		if err != nil {
			t.Fatalf("GetUserID failed: %v", err)
		}
		if userID != "inspector-9" {
			t.Errorf("Expected user ID inspector-9, got %s", userID)
		}

		deviceID, err := jwtAuth.GetDeviceID(r)
		if err != nil {
			t.Fatalf("GetDeviceID failed: %v", err)
		}
		if deviceID != "tablet-03" {
			t.Errorf("Expected device ID tablet-03, got %s", deviceID)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/sync/revision", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("Middleware did not invoke the next handler")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestJWTAuth_MiddlewareRejectsMissingToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("Handler should not be invoked without a token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/sync/revision", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestJWTAuth_TokenRoundTrip(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret-roundtrip")

	testCases := []struct {
		userID   string
		deviceID string
		duration time.Duration
	}{
		{"user-1", "device-1", time.Hour},
		{"inspector@site", "tablet-07", 30 * time.Minute},
		{"123", "456", time.Minute},
	}

	for _, tc := range testCases {
		t.Run(tc.userID+"-"+tc.deviceID, func(t *testing.T) {
			token, err := jwtAuth.GenerateToken(tc.userID, tc.deviceID, tc.duration)
			if err != nil {
				t.Fatalf("Failed to generate token: %v", err)
			}

			claims, err := jwtAuth.ValidateToken(token)
			if err != nil {
				t.Fatalf("Failed to validate token: %v", err)
			}

			if claims.Subject != tc.userID {
				t.Errorf("user ID mismatch: expected %s, got %s", tc.userID, claims.Subject)
			}
			if claims.DeviceID != tc.deviceID {
				t.Errorf("device ID mismatch: expected %s, got %s", tc.deviceID, claims.DeviceID)
			}
		})
	}
}
