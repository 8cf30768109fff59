package domain

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestLogCursorRoundTrip(t *testing.T) {
	in := LogCursor{
		StartedAt: time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC),
		ID:        "log-123",
	}

	out, err := DecodeLogCursor(EncodeLogCursor(in))
	if err != nil {
		t.Fatalf("DecodeLogCursor error: %v", err)
	}
	if out.ID != in.ID || !out.StartedAt.Equal(in.StartedAt) {
		t.Errorf("cursor = %+v, want %+v", out, in)
	}
}

func TestDecodeLogCursorRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "not base64url", input: "!!not-base64!!"},
		{name: "base64 of garbage", input: "bm90IGpzb24"},
		{name: "empty string", input: ""},
		{name: "missing id", input: EncodeLogCursor(LogCursor{StartedAt: time.Now()})},
		{name: "missing timestamp", input: EncodeLogCursor(LogCursor{ID: "log-1"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeLogCursor(tt.input); err == nil {
				t.Errorf("DecodeLogCursor(%q) accepted", tt.input)
			}
		})
	}
}

func TestMCPSessionExpired(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	fresh := &MCPSession{LastAccessedAt: now.Add(-30 * time.Minute)}
	if fresh.Expired(now) {
		t.Error("session within the idle TTL reported expired")
	}

	stale := &MCPSession{LastAccessedAt: now.Add(-SessionIdleTTL - time.Second)}
	if !stale.Expired(now) {
		t.Error("idle session not expired")
	}
}

func TestFindAuthConfig(t *testing.T) {
	srv := &MCPServer{AuthConfigs: []AuthConfig{
		{Type: AuthAPIKey, Location: LocationHeader, Name: "X-Api-Key"},
		{Type: AuthOAuth2, Scope: "read"},
	}}

	cfg, ok := srv.FindAuthConfig(AuthOAuth2)
	if !ok || cfg.Scope != "read" {
		t.Errorf("FindAuthConfig(oauth2) = %+v, %v", cfg, ok)
	}
	if _, ok := srv.FindAuthConfig(AuthNone); ok {
		t.Error("undeclared auth type found")
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name     string
		code     ErrorCode
		expected int
	}{
		{name: "expired token", code: CodeTokenExpired, expected: http.StatusUnauthorized},
		{name: "permission denied", code: CodeNotPermitted, expected: http.StatusForbidden},
		{name: "validation", code: CodeValidationError, expected: http.StatusBadRequest},
		{name: "upstream down", code: CodeUpstreamUnavailable, expected: http.StatusBadGateway},
		{name: "upstream timeout", code: CodeUpstreamTimeout, expected: http.StatusGatewayTimeout},
		{name: "unknown code defaults to 500", code: ErrorCode("something_else"), expected: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewError(tt.code, "boom")
			if got := e.Status(); got != tt.expected {
				t.Errorf("Status() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestAsError(t *testing.T) {
	domErr := NewError(CodeValidationError, "wrapped")
	wrapped := errors.Join(errors.New("outer"), domErr)

	got, ok := AsError(wrapped)
	if !ok || got.Code != CodeValidationError {
		t.Errorf("AsError = %+v, %v", got, ok)
	}
	if _, ok := AsError(errors.New("plain")); ok {
		t.Error("plain error recognized as domain error")
	}
}
