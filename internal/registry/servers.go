package registry

import (
	"context"
	"errors"
	"fmt"

	"mcpgate/internal/catalog"
	"mcpgate/internal/domain"
	"mcpgate/internal/oauth2client"
	"mcpgate/internal/rbac"
	"mcpgate/internal/reaper"
	"mcpgate/internal/storage/postgres"
	"mcpgate/internal/token"
)

const (
	canonicalSuffixLength = 8
	canonicalNameRetries  = 10
)

// CreateServerInput is the custom-server registration payload
type CreateServerInput struct {
	Name          string                  `json:"name"`
	URL           string                  `json:"url"`
	TransportType domain.MCPTransportType `json:"transport_type"`
	Description   string                  `json:"description"`
	Logo          string                  `json:"logo"`
	Categories    []string                `json:"categories"`
	AuthConfigs   []domain.AuthConfig     `json:"auth_configs"`
}

// CreateServer registers a custom MCP server for the principal's
// organization. The canonical name is the sanitized display name plus a
// random suffix, retried on collision.
func (s *Service) CreateServer(ctx context.Context, p rbac.Principal, in CreateServerInput) (*domain.MCPServer, error) {
	if err := s.acl.Check(p, domain.ActionMCPServerCreate, nil); err != nil {
		return nil, err
	}
	if err := validateServerInput(&in); err != nil {
		return nil, err
	}

	ent, err := s.entitlements.Resolve(ctx, p.OrganizationID)
	if err != nil {
		return nil, err
	}
	if ent.MaxCustomMCPServers != nil {
		count, err := s.store.Servers.CountCustomServers(ctx, p.OrganizationID)
		if err != nil {
			return nil, err
		}
		if count >= *ent.MaxCustomMCPServers {
			return nil, domain.NewError(domain.CodeRequestedSubscriptionInvalid,
				"custom MCP server limit of %d reached", *ent.MaxCustomMCPServers)
		}
	}

	base, err := catalog.SanitizeToolName(in.Name)
	if err != nil {
		return nil, domain.NewError(domain.CodeValidationError, "server name is empty after sanitization")
	}

	embedding, err := s.embedder.Embed(ctx, catalog.ServerEmbeddingText(domain.MCPServerEmbeddingFields{
		Name:        in.Name,
		URL:         in.URL,
		Description: in.Description,
		Categories:  in.Categories,
	}))
	if err != nil {
		return nil, fmt.Errorf("embedding server: %w", err)
	}

	orgID := p.OrganizationID
	srv := &domain.MCPServer{
		URL:            in.URL,
		TransportType:  in.TransportType,
		Description:    in.Description,
		Logo:           in.Logo,
		Categories:     in.Categories,
		AuthConfigs:    in.AuthConfigs,
		OrganizationID: &orgID,
		Embedding:      embedding,
	}

	for attempt := 0; attempt < canonicalNameRetries; attempt++ {
		suffix, err := token.GenerateAlphanumeric(canonicalSuffixLength, token.AlphanumericPool)
		if err != nil {
			return nil, err
		}
		srv.CanonicalName = base + "_" + suffix

		err = s.store.Servers.CreateServer(ctx, srv)
		if err == nil {
			s.logger.Info("mcp server created",
				"mcp_server", srv.CanonicalName, "organization_id", orgID)
			return srv, nil
		}
		if !postgres.IsUniqueViolation(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("exhausted canonical name attempts for %q", in.Name)
}

func validateServerInput(in *CreateServerInput) error {
	if in.Name == "" || in.URL == "" {
		return domain.NewError(domain.CodeValidationError, "name and url are required")
	}
	switch in.TransportType {
	case domain.TransportStreamableHTTP, domain.TransportSSE:
	case "":
		in.TransportType = domain.TransportStreamableHTTP
	default:
		return domain.NewError(domain.CodeValidationError, "unknown transport type %q", in.TransportType)
	}
	for _, ac := range in.AuthConfigs {
		switch ac.Type {
		case domain.AuthNone, domain.AuthAPIKey, domain.AuthOAuth2:
		default:
			return domain.NewError(domain.CodeValidationError, "unknown auth type %q", ac.Type)
		}
	}
	return nil
}

// GetServer returns one server the principal may read
func (s *Service) GetServer(ctx context.Context, p rbac.Principal, serverID string) (*domain.MCPServer, error) {
	srv, err := s.store.Servers.GetServer(ctx, serverID)
	if err != nil {
		return nil, notFoundAs(err, domain.CodeMCPServerNotFound, "mcp server %s not found", serverID)
	}
	if err := s.acl.Check(p, domain.ActionMCPServerRead, serverResource(srv)); err != nil {
		return nil, err
	}
	return srv, nil
}

// ListServers returns public servers plus the organization's custom servers
func (s *Service) ListServers(ctx context.Context, p rbac.Principal) ([]domain.MCPServer, error) {
	if err := s.acl.Check(p, domain.ActionMCPServerList, nil); err != nil {
		return nil, err
	}
	return s.store.Servers.ListServers(ctx, p.OrganizationID)
}

// UpdateServerInput carries mutable server fields; nil leaves a field alone
type UpdateServerInput struct {
	URL         *string             `json:"url,omitempty"`
	Description *string             `json:"description,omitempty"`
	Logo        *string             `json:"logo,omitempty"`
	Categories  []string            `json:"categories,omitempty"`
	AuthConfigs []domain.AuthConfig `json:"auth_configs,omitempty"`
}

// UpdateServer modifies a custom server, re-embedding when the embedded
// fields changed.
func (s *Service) UpdateServer(ctx context.Context, p rbac.Principal, serverID string, in UpdateServerInput) (*domain.MCPServer, error) {
	srv, err := s.store.Servers.GetServer(ctx, serverID)
	if err != nil {
		return nil, notFoundAs(err, domain.CodeMCPServerNotFound, "mcp server %s not found", serverID)
	}
	if err := s.acl.Check(p, domain.ActionMCPServerUpdate, serverResource(srv)); err != nil {
		return nil, err
	}

	reEmbed := false
	if in.URL != nil && *in.URL != srv.URL {
		srv.URL = *in.URL
		reEmbed = true
	}
	if in.Description != nil && *in.Description != srv.Description {
		srv.Description = *in.Description
		reEmbed = true
	}
	if in.Logo != nil {
		srv.Logo = *in.Logo
	}
	if in.Categories != nil {
		srv.Categories = in.Categories
		reEmbed = true
	}
	if in.AuthConfigs != nil {
		srv.AuthConfigs = in.AuthConfigs
	}

	if reEmbed {
		embedding, err := s.embedder.Embed(ctx, catalog.ServerEmbeddingText(domain.MCPServerEmbeddingFields{
			Name:        srv.CanonicalName,
			URL:         srv.URL,
			Description: srv.Description,
			Categories:  srv.Categories,
		}))
		if err != nil {
			return nil, fmt.Errorf("embedding server: %w", err)
		}
		srv.Embedding = embedding
	} else {
		srv.Embedding = nil // keep stored embedding
	}

	if err := s.store.Servers.UpdateServer(ctx, srv); err != nil {
		return nil, err
	}
	return srv, nil
}

// DeleteServer removes a custom server and reconciles every dependent:
// configurations on the server disappear, bundles referencing them shrink
// or vanish, and their sessions are invalidated.
func (s *Service) DeleteServer(ctx context.Context, p rbac.Principal, serverID string) error {
	srv, err := s.store.Servers.GetServer(ctx, serverID)
	if err != nil {
		return notFoundAs(err, domain.CodeMCPServerNotFound, "mcp server %s not found", serverID)
	}
	if err := s.acl.Check(p, domain.ActionMCPServerDelete, serverResource(srv)); err != nil {
		return err
	}

	return s.store.WithTx(ctx, func(tx *postgres.Store) error {
		configurations, err := tx.Configs.ListConfigurationsByServer(ctx, srv.ID)
		if err != nil {
			return err
		}
		for _, cfg := range configurations {
			referencing, err := tx.Configs.ListBundlesReferencing(ctx, cfg.ID)
			if err != nil {
				return err
			}
			if err := reaper.Apply(ctx, tx, reaper.OnConfigurationDeleted(cfg.ID, referencing)); err != nil {
				return err
			}
		}
		// configurations, accounts and tools cascade at the database level
		return tx.Servers.DeleteServer(ctx, srv.ID)
	})
}

// ListServerTools lists the synced catalog of one server
func (s *Service) ListServerTools(ctx context.Context, p rbac.Principal, serverID string) ([]domain.MCPTool, error) {
	srv, err := s.store.Servers.GetServer(ctx, serverID)
	if err != nil {
		return nil, notFoundAs(err, domain.CodeMCPServerNotFound, "mcp server %s not found", serverID)
	}
	if err := s.acl.Check(p, domain.ActionMCPServerRead, serverResource(srv)); err != nil {
		return nil, err
	}
	return s.store.Servers.ListToolsByServer(ctx, srv.ID)
}

// RefreshTools triggers a catalog sync against the upstream server. When the
// server has an operational account, its credentials authenticate the sync.
func (s *Service) RefreshTools(ctx context.Context, p rbac.Principal, serverID string) (*catalog.SyncResult, error) {
	srv, err := s.store.Servers.GetServer(ctx, serverID)
	if err != nil {
		return nil, notFoundAs(err, domain.CodeMCPServerNotFound, "mcp server %s not found", serverID)
	}
	if err := s.acl.Check(p, domain.ActionMCPServerRefreshTools, serverResource(srv)); err != nil {
		return nil, err
	}

	headers, err := s.syncHeaders(ctx, srv)
	if err != nil {
		return nil, err
	}
	return s.syncer.Sync(ctx, srv, headers)
}

// syncHeaders materializes auth headers for a sync session from the
// server's operational account, if one exists.
func (s *Service) syncHeaders(ctx context.Context, srv *domain.MCPServer) (map[string]string, error) {
	cfg, err := s.store.Configs.GetOperationalConfiguration(ctx, srv.ID)
	if err != nil {
		return nil, ignoreNotFound(err)
	}
	account, err := s.store.Configs.GetSingletonAccount(ctx, cfg.ID)
	if err != nil {
		return nil, ignoreNotFound(err)
	}

	headers := make(map[string]string)
	creds := account.AuthCredentials
	switch creds.Type {
	case domain.AuthOAuth2:
		tokenType := creds.TokenType
		if tokenType == "" {
			tokenType = "Bearer"
		}
		headers["Authorization"] = tokenType + " " + creds.AccessToken
	case domain.AuthAPIKey:
		authCfg, _ := srv.FindAuthConfig(domain.AuthAPIKey)
		value := creds.SecretKey
		name := "Authorization"
		if authCfg != nil {
			if authCfg.Prefix != "" {
				value = authCfg.Prefix + value
			}
			if authCfg.Name != "" {
				name = authCfg.Name
			}
			if authCfg.Location != domain.LocationHeader && authCfg.Location != "" {
				// query and cookie injection cannot ride header-only sync sessions
				s.logger.Warn("skipping non-header credential for catalog sync",
					"mcp_server", srv.CanonicalName, "location", authCfg.Location)
				return nil, nil
			}
		}
		headers[name] = value
	}
	return headers, nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, postgres.ErrNotFound) {
		return nil
	}
	return err
}

// =============================================================================
// OAuth2 Discovery & Registration
// =============================================================================

// DiscoverOAuth2 probes the server for authorization-server metadata and
// merges what was found into the server's oauth2 auth config. Partial
// discovery (missing registration endpoint) still succeeds.
func (s *Service) DiscoverOAuth2(ctx context.Context, p rbac.Principal, serverID string) (*oauth2client.ServerMetadata, error) {
	srv, err := s.store.Servers.GetServer(ctx, serverID)
	if err != nil {
		return nil, notFoundAs(err, domain.CodeMCPServerNotFound, "mcp server %s not found", serverID)
	}
	if err := s.acl.Check(p, domain.ActionMCPServerOAuth2Discovery, serverResource(srv)); err != nil {
		return nil, err
	}

	meta, err := s.oauth.Discover(ctx, srv.URL)
	if err != nil {
		return nil, err
	}

	authCfg, ok := srv.FindAuthConfig(domain.AuthOAuth2)
	if !ok {
		srv.AuthConfigs = append(srv.AuthConfigs, domain.AuthConfig{Type: domain.AuthOAuth2})
		authCfg = &srv.AuthConfigs[len(srv.AuthConfigs)-1]
	}
	authCfg.AuthorizeURL = meta.AuthorizationEndpoint
	authCfg.AccessTokenURL = meta.TokenEndpoint
	if authCfg.RefreshTokenURL == "" {
		authCfg.RefreshTokenURL = meta.TokenEndpoint
	}
	if meta.RegistrationEndpoint != "" {
		authCfg.RegistrationURL = meta.RegistrationEndpoint
	}

	srv.Embedding = nil
	if err := s.store.Servers.UpdateServer(ctx, srv); err != nil {
		return nil, err
	}
	return meta, nil
}

// RegisterOAuth2Client performs dynamic client registration against the
// server's discovered registration endpoint and stores the issued client.
// Defaults: this gateway's callback as redirect URI, public client with
// PKCE, authorization_code plus refresh_token grants.
func (s *Service) RegisterOAuth2Client(ctx context.Context, p rbac.Principal, serverID string) (*domain.MCPServer, error) {
	srv, err := s.store.Servers.GetServer(ctx, serverID)
	if err != nil {
		return nil, notFoundAs(err, domain.CodeMCPServerNotFound, "mcp server %s not found", serverID)
	}
	if err := s.acl.Check(p, domain.ActionMCPServerOAuth2DCR, serverResource(srv)); err != nil {
		return nil, err
	}

	authCfg, ok := srv.FindAuthConfig(domain.AuthOAuth2)
	if !ok || authCfg.RegistrationURL == "" {
		return nil, domain.NewError(domain.CodeOAuth2RegistrationFailed,
			"server %s has no registration endpoint; run discovery first", srv.CanonicalName)
	}

	authMethod := authCfg.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}

	reg, err := s.oauth.Register(ctx, authCfg.RegistrationURL, oauth2client.RegistrationRequest{
		ClientName:              "mcpgate",
		RedirectURIs:            []string{s.callbackURL()},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: authMethod,
		Scope:                   authCfg.Scope,
	})
	if err != nil {
		return nil, err
	}

	authCfg.ClientID = reg.ClientID
	authCfg.ClientSecret = reg.ClientSecret
	if reg.TokenEndpointAuthMethod != "" {
		authCfg.TokenEndpointAuthMethod = reg.TokenEndpointAuthMethod
	} else {
		authCfg.TokenEndpointAuthMethod = authMethod
	}

	srv.Embedding = nil
	if err := s.store.Servers.UpdateServer(ctx, srv); err != nil {
		return nil, err
	}
	return srv, nil
}

func (s *Service) callbackURL() string {
	return s.baseURL + "/connected-accounts/oauth2/callback"
}
