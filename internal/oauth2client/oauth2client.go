// Package oauth2client implements the OAuth2 pieces the control plane needs
// against arbitrary MCP server authorization servers: metadata discovery,
// dynamic client registration, PKCE and the token grant calls.
package oauth2client

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"mcpgate/internal/domain"
)

// Client performs OAuth2 protocol calls with one shared HTTP client
type Client struct {
	httpClient *http.Client
}

// New creates an OAuth2 client
func New(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// =============================================================================
// Discovery
// =============================================================================

// ServerMetadata is the authorization-server metadata subset the control
// plane consumes (RFC 8414 / OpenID discovery).
type ServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// protectedResourceMetadata is the RFC 9728 document advertised via
// WWW-Authenticate on the MCP endpoint.
type protectedResourceMetadata struct {
	AuthorizationServers []string `json:"authorization_servers"`
}

var resourceMetadataRe = regexp.MustCompile(`resource_metadata="([^"]+)"`)

// Discover resolves authorization-server metadata for an MCP server URL.
//
// It first probes the MCP endpoint unauthenticated: a 401 carrying a
// WWW-Authenticate resource_metadata pointer redirects discovery to the
// advertised authorization server. Endpoints that advertise nothing get a
// second chance via the well-known protected-resource document. Otherwise
// the MCP URL itself is treated as the issuer. Well-known candidates are
// then tried in order; a 5xx aborts discovery, any other non-200 advances
// to the next candidate.
func (c *Client) Discover(ctx context.Context, mcpServerURL string) (*ServerMetadata, error) {
	authBase := mcpServerURL

	advertised, err := c.probeResourceMetadata(ctx, mcpServerURL)
	if err != nil || advertised == "" {
		if fallbackURL, ferr := protectedResourceURL(mcpServerURL); ferr == nil {
			if adv, ferr := c.fetchProtectedResource(ctx, fallbackURL); ferr == nil {
				advertised = adv
			}
		}
	}
	if advertised != "" {
		authBase = advertised
	}

	candidates, err := wellKnownCandidates(authBase)
	if err != nil {
		return nil, domain.NewError(domain.CodeOAuth2DiscoveryFailed, "invalid authorization server url")
	}

	for _, candidate := range candidates {
		meta, status, err := c.fetchMetadata(ctx, candidate)
		if err != nil {
			return nil, domain.NewError(domain.CodeOAuth2DiscoveryFailed,
				"fetching %s: %v", candidate, err)
		}
		switch {
		case status == http.StatusOK:
			if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
				continue
			}
			return meta, nil
		case status >= 500:
			return nil, domain.NewError(domain.CodeOAuth2DiscoveryFailed,
				"authorization server error %d at %s", status, candidate)
		}
		// 4xx: try the next candidate
	}

	return nil, domain.NewError(domain.CodeOAuth2DiscoveryFailed,
		"no authorization server metadata found for %s", mcpServerURL)
}

// probeResourceMetadata issues an unauthenticated request to the MCP
// endpoint and extracts the resource_metadata pointer, if advertised.
func (c *Client) probeResourceMetadata(ctx context.Context, mcpServerURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mcpServerURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusUnauthorized {
		return "", nil
	}
	m := resourceMetadataRe.FindStringSubmatch(resp.Header.Get("WWW-Authenticate"))
	if m == nil {
		return "", nil
	}
	return c.fetchProtectedResource(ctx, m[1])
}

// fetchProtectedResource downloads an RFC 9728 document and returns its
// first authorization server, or "" when none is listed.
func (c *Client) fetchProtectedResource(ctx context.Context, metadataURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("resource metadata returned %d", resp.StatusCode)
	}

	var prm protectedResourceMetadata
	if err := json.NewDecoder(resp.Body).Decode(&prm); err != nil {
		return "", err
	}
	if len(prm.AuthorizationServers) == 0 {
		return "", nil
	}
	return prm.AuthorizationServers[0], nil
}

// protectedResourceURL derives the path-aware well-known location of the
// RFC 9728 document for an MCP endpoint that does not advertise one.
func protectedResourceURL(mcpServerURL string) (string, error) {
	u, err := url.Parse(mcpServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid url %q", mcpServerURL)
	}
	path := strings.TrimSuffix(u.Path, "/")
	return u.Scheme + "://" + u.Host + "/.well-known/oauth-protected-resource" + path, nil
}

// wellKnownCandidates builds the discovery URL probe order for a base URL
// with path p: path-aware oauth-authorization-server, root
// oauth-authorization-server, path-aware openid-configuration, and
// openid-configuration appended under the path.
func wellKnownCandidates(base string) ([]string, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", base)
	}

	origin := u.Scheme + "://" + u.Host
	path := strings.TrimSuffix(u.Path, "/")

	var out []string
	if path != "" {
		out = append(out, origin+"/.well-known/oauth-authorization-server"+path)
	}
	out = append(out, origin+"/.well-known/oauth-authorization-server")
	if path != "" {
		out = append(out, origin+"/.well-known/openid-configuration"+path)
	}
	out = append(out, origin+path+"/.well-known/openid-configuration")
	return out, nil
}

func (c *Client) fetchMetadata(ctx context.Context, metadataURL string) (*ServerMetadata, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}

	meta := &ServerMetadata{}
	if err := json.NewDecoder(resp.Body).Decode(meta); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("parsing metadata: %w", err)
	}
	return meta, resp.StatusCode, nil
}

// =============================================================================
// Dynamic Client Registration
// =============================================================================

// RegistrationRequest is the RFC 7591 registration payload
type RegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegistrationResponse is the issued client
type RegistrationResponse struct {
	ClientID                string `json:"client_id"`
	ClientSecret            string `json:"client_secret,omitempty"`
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`
}

// Register performs dynamic client registration. Only 200 and 201 count as
// success.
func (c *Client) Register(ctx context.Context, registrationURL string, reg RegistrationRequest) (*RegistrationResponse, error) {
	body, err := json.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("marshaling registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("building registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.CodeOAuth2RegistrationFailed, "registration request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, domain.NewError(domain.CodeOAuth2RegistrationFailed,
			"registration returned %d: %s", resp.StatusCode, string(detail))
	}

	out := &RegistrationResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, domain.NewError(domain.CodeOAuth2RegistrationFailed, "parsing registration response: %v", err)
	}
	if out.ClientID == "" {
		return nil, domain.NewError(domain.CodeOAuth2RegistrationFailed, "registration returned no client_id")
	}
	return out, nil
}

// =============================================================================
// PKCE
// =============================================================================

// NewCodeVerifier returns a 43-character PKCE verifier
func NewCodeVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ChallengeS256 derives the S256 code challenge from a verifier
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// =============================================================================
// Authorization & Token Grants
// =============================================================================

// AuthorizeURL builds the authorization redirect with PKCE
func AuthorizeURL(authorizeEndpoint, clientID, redirectURI, scope, state, codeChallenge string) (string, error) {
	u, err := url.Parse(authorizeEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing authorize endpoint: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", "S256")
	if scope != "" {
		q.Set("scope", scope)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// TokenResponse is the token endpoint's reply
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Credentials converts a token response into stored credentials
func (t *TokenResponse) Credentials(now time.Time) domain.AuthCredentials {
	creds := domain.AuthCredentials{
		Type:         domain.AuthOAuth2,
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Scope:        t.Scope,
	}
	if t.ExpiresIn > 0 {
		expires := now.Add(time.Duration(t.ExpiresIn) * time.Second)
		creds.ExpiresAt = &expires
	}
	return creds
}

// ExchangeCode redeems an authorization code with PKCE
func (c *Client) ExchangeCode(ctx context.Context, tokenURL, clientID, clientSecret, authMethod, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("code_verifier", codeVerifier)

	return c.tokenGrant(ctx, tokenURL, clientID, clientSecret, authMethod, form,
		domain.CodeOAuth2TokenExchangeFailed)
}

// RefreshToken redeems a refresh token
func (c *Client) RefreshToken(ctx context.Context, tokenURL, clientID, clientSecret, authMethod, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	return c.tokenGrant(ctx, tokenURL, clientID, clientSecret, authMethod, form,
		domain.CodeOAuth2TokenExchangeFailed)
}

// tokenGrant posts a form to the token endpoint with the configured client
// authentication method: client_secret_basic, client_secret_post or none.
func (c *Client) tokenGrant(ctx context.Context, tokenURL, clientID, clientSecret, authMethod string, form url.Values, failCode domain.ErrorCode) (*TokenResponse, error) {
	switch authMethod {
	case "client_secret_basic":
		// credentials go in the Authorization header below
	case "client_secret_post":
		form.Set("client_id", clientID)
		if clientSecret != "" {
			form.Set("client_secret", clientSecret)
		}
	default: // "none" and public clients
		form.Set("client_id", clientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if authMethod == "client_secret_basic" {
		req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(clientSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewError(failCode, "token request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, domain.NewError(failCode, "token endpoint returned %d: %s",
			resp.StatusCode, string(detail))
	}

	out := &TokenResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, domain.NewError(failCode, "parsing token response: %v", err)
	}
	if out.AccessToken == "" {
		return nil, domain.NewError(failCode, "token endpoint returned no access_token")
	}
	return out, nil
}
