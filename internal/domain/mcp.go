package domain

import (
	"encoding/json"
	"time"
)

// =============================================================================
// MCP Server Types
// =============================================================================

// MCPTransportType defines the wire transport for an upstream MCP server
type MCPTransportType string

const (
	TransportStreamableHTTP MCPTransportType = "streamable_http"
	TransportSSE            MCPTransportType = "sse"
)

// AuthType defines how a configuration authenticates to its server
type AuthType string

const (
	AuthNone   AuthType = "no_auth"
	AuthAPIKey AuthType = "api_key"
	AuthOAuth2 AuthType = "oauth2"
)

// HTTPLocation is where a credential is injected on the upstream request
type HTTPLocation string

const (
	LocationHeader HTTPLocation = "header"
	LocationQuery  HTTPLocation = "query"
	LocationCookie HTTPLocation = "cookie"
)

// AuthConfig is one auth scheme variant a server supports, discriminated
// on Type. Variant-specific fields are left zero for other variants.
type AuthConfig struct {
	Type AuthType `json:"type"`

	// api_key / oauth2 injection point
	Location HTTPLocation `json:"location,omitempty"`
	Name     string       `json:"name,omitempty"`
	Prefix   string       `json:"prefix,omitempty"`

	// oauth2
	ClientID                string `json:"client_id,omitempty"`
	ClientSecret            string `json:"client_secret,omitempty"`
	Scope                   string `json:"scope,omitempty"`
	AuthorizeURL            string `json:"authorize_url,omitempty"`
	AccessTokenURL          string `json:"access_token_url,omitempty"`
	RefreshTokenURL         string `json:"refresh_token_url,omitempty"`
	RegistrationURL         string `json:"registration_url,omitempty"`
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`
}

// AuthCredentials is the materialized secret for one connected account,
// discriminated on Type like AuthConfig.
type AuthCredentials struct {
	Type AuthType `json:"type"`

	// api_key
	SecretKey string `json:"secret_key,omitempty"`

	// oauth2
	AccessToken  string     `json:"access_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scope        string     `json:"scope,omitempty"`
}

// MCPServer is a registered upstream tool provider. A nil OrganizationID
// means the server is public (platform-seeded).
type MCPServer struct {
	ID             string           `json:"id"`
	CanonicalName  string           `json:"canonical_name"` // upper snake-case, platform-unique
	URL            string           `json:"url"`
	TransportType  MCPTransportType `json:"transport_type"`
	Description    string           `json:"description,omitempty"`
	Logo           string           `json:"logo,omitempty"`
	Categories     []string         `json:"categories,omitempty"`
	AuthConfigs    []AuthConfig     `json:"auth_configs"`
	OrganizationID *string          `json:"organization_id,omitempty"`
	LastSyncedAt   *time.Time       `json:"last_synced_at,omitempty"`
	Embedding      []float32        `json:"-"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// IsPublic reports whether the server is platform-owned
func (s *MCPServer) IsPublic() bool {
	return s.OrganizationID == nil
}

// FindAuthConfig returns the auth variant of the given type, if declared
func (s *MCPServer) FindAuthConfig(t AuthType) (*AuthConfig, bool) {
	for i := range s.AuthConfigs {
		if s.AuthConfigs[i].Type == t {
			return &s.AuthConfigs[i], true
		}
	}
	return nil, false
}

// MCPServerEmbeddingFields is the content the server embedding is computed over
type MCPServerEmbeddingFields struct {
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Description string   `json:"description"`
	Categories  []string `json:"categories"`
}

// =============================================================================
// MCP Tool Types
// =============================================================================

// ToolMetadata carries the canonical (upstream) identity of a synced tool
// and the content hashes used to decide re-embedding on sync.
type ToolMetadata struct {
	CanonicalToolName            string `json:"canonical_tool_name"`
	CanonicalToolDescriptionHash string `json:"canonical_tool_description_hash"`
	CanonicalToolInputSchemaHash string `json:"canonical_tool_input_schema_hash"`
}

// MCPTool is a synced tool. Name is the platform-unique
// {SERVER}__{SANITIZED_CANONICAL} form.
type MCPTool struct {
	ID           string          `json:"id"`
	MCPServerID  string          `json:"mcp_server_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema"`
	ToolMetadata ToolMetadata    `json:"tool_metadata"`
	Embedding    []float32       `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// =============================================================================
// Configuration, Connected Account, Bundle, Session
// =============================================================================

// ConnectedAccountOwnership scopes who a connected account serves
type ConnectedAccountOwnership string

const (
	OwnershipIndividual  ConnectedAccountOwnership = "individual"
	OwnershipShared      ConnectedAccountOwnership = "shared"
	OwnershipOperational ConnectedAccountOwnership = "operational"
)

// MCPServerConfiguration is an org's wiring of one MCP server: auth scheme,
// tool whitelist, team allow-list and account ownership mode.
// At most one operational configuration exists per server.
type MCPServerConfiguration struct {
	ID                        string                    `json:"id"`
	OrganizationID            string                    `json:"organization_id"`
	MCPServerID               string                    `json:"mcp_server_id"`
	Name                      string                    `json:"name"`
	Description               string                    `json:"description,omitempty"`
	AuthType                  AuthType                  `json:"auth_type"`
	ConnectedAccountOwnership ConnectedAccountOwnership `json:"connected_account_ownership"`
	AllToolsEnabled           bool                      `json:"all_tools_enabled"`
	EnabledTools              []string                  `json:"enabled_tools"` // tool ids; empty iff AllToolsEnabled
	AllowedTeams              []string                  `json:"allowed_teams"` // team ids
	CreatedAt                 time.Time                 `json:"created_at"`
	UpdatedAt                 time.Time                 `json:"updated_at"`
}

// ConnectedAccount binds credentials to a configuration. UserID is set only
// for individual ownership. One shared and one operational account exist per
// configuration at most (partial-unique indexes).
type ConnectedAccount struct {
	ID                       string                    `json:"id"`
	UserID                   *string                   `json:"user_id,omitempty"`
	MCPServerConfigurationID string                    `json:"mcp_server_configuration_id"`
	Ownership                ConnectedAccountOwnership `json:"ownership"`
	AuthCredentials          AuthCredentials           `json:"-"` // decrypted form, never serialized
	CreatedAt                time.Time                 `json:"created_at"`
	UpdatedAt                time.Time                 `json:"updated_at"`
}

// BundleKeyLength is the length of generated bundle keys
const BundleKeyLength = 36

// MCPServerBundle groups configurations under one opaque bundle key.
// The key is a display-visible capability, stored in cleartext.
type MCPServerBundle struct {
	ID                        string    `json:"id"`
	OrganizationID            string    `json:"organization_id"`
	UserID                    string    `json:"user_id"` // bundle owner
	Name                      string    `json:"name"`
	Description               string    `json:"description,omitempty"`
	BundleKey                 string    `json:"bundle_key"`
	MCPServerConfigurationIDs []string  `json:"mcp_server_configuration_ids"` // ordered, de-duplicated
	CreatedAt                 time.Time `json:"created_at"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// SessionIdleTTL is how long a gateway session survives without traffic
const SessionIdleTTL = time.Hour

// MCPSession correlates one agent's gateway session with upstream sessions.
// ExternalMCPSessions maps MCP server id to the upstream session id.
type MCPSession struct {
	ID                  string            `json:"id"`
	BundleID            string            `json:"bundle_id"`
	ExternalMCPSessions map[string]string `json:"external_mcp_sessions"`
	Deleted             bool              `json:"deleted"`
	LastAccessedAt      time.Time         `json:"last_accessed_at"`
	CreatedAt           time.Time         `json:"created_at"`
}

// Expired reports whether the session passed its idle TTL at the given time
func (s *MCPSession) Expired(now time.Time) bool {
	return now.Sub(s.LastAccessedAt) > SessionIdleTTL
}
