package http

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mcpgate/internal/auth"
	"mcpgate/internal/config"
	"mcpgate/internal/telemetry"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	return NewServer(config.Default(), logger, metrics, nil, nil, nil, nil, nil, nil, nil)
}

func TestRouteShapes(t *testing.T) {
	s := testServer(t)

	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodPost, "/auth/register/email", "POST /auth/register/email"},
		{http.MethodPost, "/auth/login/email", "POST /auth/login/email"},
		{http.MethodGet, "/auth/verify-email", "GET /auth/verify-email"},
		{http.MethodPost, "/auth/token", "POST /auth/token"},
		{http.MethodGet, "/auth/google/authorize", "GET /auth/google/authorize"},
		{http.MethodPost, "/auth/google/authorize", "POST /auth/google/authorize"},
		{http.MethodGet, "/auth/google/callback", "GET /auth/google/callback"},
		{http.MethodGet, "/logs/tool-calls", "GET /logs/tool-calls"},
		{http.MethodGet, "/organizations/org-1/subscription-status", "GET /organizations/{id}/subscription-status"},
		{http.MethodPost, "/organizations/org-1/change-subscription", "POST /organizations/{id}/change-subscription"},
		{http.MethodPost, "/organizations/org-1/cancel-subscription", "POST /organizations/{id}/cancel-subscription"},
		{http.MethodPost, "/subscription/stripe/webhook", "POST /subscription/stripe/webhook"},
		{http.MethodPost, "/mcp-servers/srv-1/oauth2-discovery", "POST /mcp-servers/{id}/oauth2-discovery"},
		{http.MethodPost, "/mcp-servers/srv-1/oauth2-register", "POST /mcp-servers/{id}/oauth2-register"},
		{http.MethodPost, "/mcp/bk_abc", "POST /mcp/{bundle_key}"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			_, pattern := s.mux.Handler(req)
			if pattern != tt.want {
				t.Errorf("pattern = %q, want %q", pattern, tt.want)
			}
		})
	}
}

func TestRefreshCookieScopedToAuth(t *testing.T) {
	s := testServer(t)
	rec := httptest.NewRecorder()
	s.setRefreshCookie(rec, &auth.TokenPair{RefreshToken: "rt_abc", RefreshTTL: time.Hour})

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}
	c := cookies[0]
	if c.Name != refreshCookieName || c.Value != "rt_abc" {
		t.Errorf("cookie = %s=%s, want %s=rt_abc", c.Name, c.Value, refreshCookieName)
	}
	if c.Path != "/auth" {
		t.Errorf("cookie path = %q, want /auth", c.Path)
	}
	if !c.HttpOnly {
		t.Error("cookie not HttpOnly")
	}
}
