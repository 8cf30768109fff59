package oauth2client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"mcpgate/internal/domain"
)

func writeMetadata(w http.ResponseWriter, meta ServerMetadata) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meta)
}

func TestWellKnownCandidates(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		expected []string
		wantErr  bool
	}{
		{
			name: "root issuer",
			base: "https://auth.example.com",
			expected: []string{
				"https://auth.example.com/.well-known/oauth-authorization-server",
				"https://auth.example.com/.well-known/openid-configuration",
			},
		},
		{
			name: "issuer with path",
			base: "https://auth.example.com/tenant/",
			expected: []string{
				"https://auth.example.com/.well-known/oauth-authorization-server/tenant",
				"https://auth.example.com/.well-known/oauth-authorization-server",
				"https://auth.example.com/.well-known/openid-configuration/tenant",
				"https://auth.example.com/tenant/.well-known/openid-configuration",
			},
		},
		{
			name:    "relative url",
			base:    "not a url",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := wellKnownCandidates(tt.base)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("wellKnownCandidates(%q) = %v, want error", tt.base, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("wellKnownCandidates(%q) error: %v", tt.base, err)
			}
			if len(got) != len(tt.expected) {
				t.Fatalf("candidates = %v, want %v", got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("candidate[%d] = %q, want %q", i, got[i], tt.expected[i])
				}
			}
		})
	}
}

func TestDiscoverFallsThroughCandidates(t *testing.T) {
	var mu sync.Mutex
	var paths []string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()

		switch r.URL.Path {
		case "/tenant":
			// unauthenticated MCP probe, nothing advertised
			w.WriteHeader(http.StatusOK)
		case "/.well-known/openid-configuration/tenant":
			writeMetadata(w, ServerMetadata{
				Issuer:                "issuer",
				AuthorizationEndpoint: "https://auth.example.com/authorize",
				TokenEndpoint:         "https://auth.example.com/token",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := New(5 * time.Second)
	meta, err := c.Discover(context.Background(), ts.URL+"/tenant")
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}
	if meta.TokenEndpoint != "https://auth.example.com/token" {
		t.Errorf("TokenEndpoint = %q", meta.TokenEndpoint)
	}

	expected := []string{
		"/tenant",
		"/.well-known/oauth-protected-resource/tenant",
		"/.well-known/oauth-authorization-server/tenant",
		"/.well-known/oauth-authorization-server",
		"/.well-known/openid-configuration/tenant",
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != len(expected) {
		t.Fatalf("probe order = %v, want %v", paths, expected)
	}
	for i := range paths {
		if paths[i] != expected[i] {
			t.Errorf("probe[%d] = %q, want %q", i, paths[i], expected[i])
		}
	}
}

func TestDiscoverFallsBackToProtectedResource(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mcp":
			// 401 without a resource_metadata pointer
			w.WriteHeader(http.StatusUnauthorized)
		case "/.well-known/oauth-protected-resource/mcp":
			json.NewEncoder(w).Encode(protectedResourceMetadata{
				AuthorizationServers: []string{serverURL(r) + "/idp"},
			})
		case "/.well-known/oauth-authorization-server/idp":
			writeMetadata(w, ServerMetadata{
				AuthorizationEndpoint: "https://idp.example.com/authorize",
				TokenEndpoint:         "https://idp.example.com/token",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := New(5 * time.Second)
	meta, err := c.Discover(context.Background(), ts.URL+"/mcp")
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}
	if meta.TokenEndpoint != "https://idp.example.com/token" {
		t.Errorf("TokenEndpoint = %q, want the fallback-advertised server's", meta.TokenEndpoint)
	}
}

func TestProtectedResourceURL(t *testing.T) {
	got, err := protectedResourceURL("https://mcp.example.com/api/mcp/")
	if err != nil {
		t.Fatalf("protectedResourceURL error: %v", err)
	}
	if got != "https://mcp.example.com/.well-known/oauth-protected-resource/api/mcp" {
		t.Errorf("protectedResourceURL = %q", got)
	}
	if _, err := protectedResourceURL("not a url"); err == nil {
		t.Error("invalid url accepted")
	}
}

func TestDiscoverAbortsOnServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/.well-known/") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := New(5 * time.Second)
	_, err := c.Discover(context.Background(), ts.URL)
	domErr, ok := domain.AsError(err)
	if !ok || domErr.Code != domain.CodeOAuth2DiscoveryFailed {
		t.Errorf("err = %v, want %s", err, domain.CodeOAuth2DiscoveryFailed)
	}
}

func TestDiscoverSkipsIncompleteMetadata(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/oauth-authorization-server":
			// missing the token endpoint, not usable
			writeMetadata(w, ServerMetadata{AuthorizationEndpoint: "https://a/authorize"})
		case "/.well-known/openid-configuration":
			writeMetadata(w, ServerMetadata{
				AuthorizationEndpoint: "https://a/authorize",
				TokenEndpoint:         "https://a/token",
			})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer ts.Close()

	c := New(5 * time.Second)
	meta, err := c.Discover(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}
	if meta.TokenEndpoint != "https://a/token" {
		t.Errorf("TokenEndpoint = %q, want the openid-configuration document", meta.TokenEndpoint)
	}
}

func TestDiscoverFollowsResourceMetadata(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mcp":
			w.Header().Set("WWW-Authenticate",
				`Bearer resource_metadata="`+serverURL(r)+`/prm"`)
			w.WriteHeader(http.StatusUnauthorized)
		case "/prm":
			json.NewEncoder(w).Encode(protectedResourceMetadata{
				AuthorizationServers: []string{serverURL(r) + "/idp"},
			})
		case "/.well-known/oauth-authorization-server/idp":
			writeMetadata(w, ServerMetadata{
				AuthorizationEndpoint: "https://idp.example.com/authorize",
				TokenEndpoint:         "https://idp.example.com/token",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := New(5 * time.Second)
	meta, err := c.Discover(context.Background(), ts.URL+"/mcp")
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}
	if meta.AuthorizationEndpoint != "https://idp.example.com/authorize" {
		t.Errorf("AuthorizationEndpoint = %q, want the advertised server's", meta.AuthorizationEndpoint)
	}
}

// serverURL rebuilds the test server origin from an incoming request
func serverURL(r *http.Request) string {
	return "http://" + r.Host
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		response string
		wantErr  bool
	}{
		{
			name:     "201 created",
			status:   http.StatusCreated,
			response: `{"client_id":"abc","client_secret":"xyz"}`,
		},
		{
			name:     "200 ok",
			status:   http.StatusOK,
			response: `{"client_id":"abc"}`,
		},
		{
			name:     "400 rejected",
			status:   http.StatusBadRequest,
			response: `{"error":"invalid_redirect_uri"}`,
			wantErr:  true,
		},
		{
			name:     "success without client_id",
			status:   http.StatusCreated,
			response: `{}`,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotReq RegistrationRequest
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if ct := r.Header.Get("Content-Type"); ct != "application/json" {
					t.Errorf("Content-Type = %q", ct)
				}
				json.NewDecoder(r.Body).Decode(&gotReq)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.response))
			}))
			defer ts.Close()

			c := New(5 * time.Second)
			out, err := c.Register(context.Background(), ts.URL, RegistrationRequest{
				ClientName:   "mcpgate",
				RedirectURIs: []string{"https://gate.example.com/callback"},
				GrantTypes:   []string{"authorization_code", "refresh_token"},
			})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Register = %+v, want error", out)
				}
				domErr, ok := domain.AsError(err)
				if !ok || domErr.Code != domain.CodeOAuth2RegistrationFailed {
					t.Errorf("err = %v, want %s", err, domain.CodeOAuth2RegistrationFailed)
				}
				return
			}
			if err != nil {
				t.Fatalf("Register error: %v", err)
			}
			if out.ClientID != "abc" {
				t.Errorf("ClientID = %q, want abc", out.ClientID)
			}
			if gotReq.ClientName != "mcpgate" {
				t.Errorf("posted client_name = %q", gotReq.ClientName)
			}
		})
	}
}

func TestExchangeCodeAuthMethods(t *testing.T) {
	tests := []struct {
		name       string
		authMethod string
		check      func(t *testing.T, r *http.Request, form url.Values)
	}{
		{
			name:       "client_secret_basic",
			authMethod: "client_secret_basic",
			check: func(t *testing.T, r *http.Request, form url.Values) {
				user, pass, ok := r.BasicAuth()
				if !ok || user != "cid" || pass != "secret" {
					t.Errorf("basic auth = %q/%q ok=%v", user, pass, ok)
				}
				if form.Get("client_id") != "" {
					t.Error("client_id leaked into the form body")
				}
			},
		},
		{
			name:       "client_secret_post",
			authMethod: "client_secret_post",
			check: func(t *testing.T, r *http.Request, form url.Values) {
				if _, _, ok := r.BasicAuth(); ok {
					t.Error("unexpected Authorization header")
				}
				if form.Get("client_id") != "cid" || form.Get("client_secret") != "secret" {
					t.Errorf("form credentials = %q/%q", form.Get("client_id"), form.Get("client_secret"))
				}
			},
		},
		{
			name:       "none",
			authMethod: "none",
			check: func(t *testing.T, r *http.Request, form url.Values) {
				if form.Get("client_id") != "cid" {
					t.Errorf("client_id = %q", form.Get("client_id"))
				}
				if form.Get("client_secret") != "" {
					t.Error("public client posted a secret")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := r.ParseForm(); err != nil {
					t.Errorf("ParseForm error: %v", err)
					return
				}
				if r.PostForm.Get("grant_type") != "authorization_code" {
					t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
				}
				if r.PostForm.Get("code") != "the-code" || r.PostForm.Get("code_verifier") != "the-verifier" {
					t.Errorf("code/verifier = %q/%q", r.PostForm.Get("code"), r.PostForm.Get("code_verifier"))
				}
				tt.check(t, r, r.PostForm)
				json.NewEncoder(w).Encode(TokenResponse{AccessToken: "at", TokenType: "Bearer"})
			}))
			defer ts.Close()

			c := New(5 * time.Second)
			out, err := c.ExchangeCode(context.Background(), ts.URL, "cid", "secret",
				tt.authMethod, "the-code", "https://gate.example.com/callback", "the-verifier")
			if err != nil {
				t.Fatalf("ExchangeCode error: %v", err)
			}
			if out.AccessToken != "at" {
				t.Errorf("AccessToken = %q", out.AccessToken)
			}
		})
	}
}

func TestExchangeCodeErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		response string
	}{
		{name: "token endpoint rejects", status: http.StatusBadRequest, response: `{"error":"invalid_grant"}`},
		{name: "missing access_token", status: http.StatusOK, response: `{"token_type":"Bearer"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.response))
			}))
			defer ts.Close()

			c := New(5 * time.Second)
			_, err := c.ExchangeCode(context.Background(), ts.URL, "cid", "", "none",
				"code", "https://gate.example.com/callback", "v")
			domErr, ok := domain.AsError(err)
			if !ok || domErr.Code != domain.CodeOAuth2TokenExchangeFailed {
				t.Errorf("err = %v, want %s", err, domain.CodeOAuth2TokenExchangeFailed)
			}
		})
	}
}

func TestRefreshTokenGrant(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("refresh_token") != "rt" {
			t.Errorf("refresh_token = %q", r.PostForm.Get("refresh_token"))
		}
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "new-at", RefreshToken: "new-rt"})
	}))
	defer ts.Close()

	c := New(5 * time.Second)
	out, err := c.RefreshToken(context.Background(), ts.URL, "cid", "", "none", "rt")
	if err != nil {
		t.Fatalf("RefreshToken error: %v", err)
	}
	if out.AccessToken != "new-at" || out.RefreshToken != "new-rt" {
		t.Errorf("response = %+v", out)
	}
}

func TestPKCE(t *testing.T) {
	v, err := NewCodeVerifier()
	if err != nil {
		t.Fatalf("NewCodeVerifier error: %v", err)
	}
	if len(v) != 43 {
		t.Errorf("verifier length = %d, want 43", len(v))
	}

	// RFC 7636 appendix B test vector
	got := ChallengeS256("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	if got != "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM" {
		t.Errorf("ChallengeS256 = %q", got)
	}
}

func TestAuthorizeURL(t *testing.T) {
	got, err := AuthorizeURL("https://idp.example.com/authorize?audience=api",
		"cid", "https://gate.example.com/callback", "read write", "st", "ch")
	if err != nil {
		t.Fatalf("AuthorizeURL error: %v", err)
	}

	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	q := u.Query()
	checks := map[string]string{
		"audience":              "api",
		"response_type":         "code",
		"client_id":             "cid",
		"redirect_uri":          "https://gate.example.com/callback",
		"state":                 "st",
		"code_challenge":        "ch",
		"code_challenge_method": "S256",
		"scope":                 "read write",
	}
	for k, want := range checks {
		if q.Get(k) != want {
			t.Errorf("query[%s] = %q, want %q", k, q.Get(k), want)
		}
	}

	noScope, err := AuthorizeURL("https://idp.example.com/authorize", "cid", "r", "", "st", "ch")
	if err != nil {
		t.Fatalf("AuthorizeURL error: %v", err)
	}
	if strings.Contains(noScope, "scope=") {
		t.Errorf("empty scope still serialized: %s", noScope)
	}
}

func TestTokenResponseCredentials(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	withExpiry := TokenResponse{AccessToken: "at", TokenType: "Bearer", RefreshToken: "rt", ExpiresIn: 3600}
	creds := withExpiry.Credentials(now)
	if creds.Type != domain.AuthOAuth2 || creds.AccessToken != "at" || creds.RefreshToken != "rt" {
		t.Errorf("credentials = %+v", creds)
	}
	if creds.ExpiresAt == nil || !creds.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want %v", creds.ExpiresAt, now.Add(time.Hour))
	}

	noExpiry := TokenResponse{AccessToken: "at"}
	if noExpiry.Credentials(now).ExpiresAt != nil {
		t.Error("ExpiresAt set without expires_in")
	}
}
