package registry

import (
	"context"
	"time"

	"mcpgate/internal/domain"
	"mcpgate/internal/oauth2client"
	"mcpgate/internal/rbac"
)

// oauth2StateTTL bounds how long an authorization redirect may stay pending
const oauth2StateTTL = 10 * time.Minute

// oauth2State is the signed payload round-tripped through the provider
type oauth2State struct {
	ConfigurationID string                           `json:"configuration_id"`
	UserID          string                           `json:"user_id"`
	Ownership       domain.ConnectedAccountOwnership `json:"ownership"`
	CodeVerifier    string                           `json:"code_verifier"`
	RedirectURL     string                           `json:"redirect_url,omitempty"`
}

// CreateAPIKeyAccountInput creates an api_key connected account
type CreateAPIKeyAccountInput struct {
	MCPServerConfigurationID string `json:"mcp_server_configuration_id"`
	APIKey                   string `json:"api_key"`
}

// CreateAPIKeyAccount stores an API key as a connected account on the
// configuration. Ownership follows the configuration; shared and operational
// accounts are singletons and get replaced on re-connect.
func (s *Service) CreateAPIKeyAccount(ctx context.Context, p rbac.Principal, in CreateAPIKeyAccountInput) (*domain.ConnectedAccount, error) {
	cfg, err := s.authorizeAccountCreate(ctx, p, in.MCPServerConfigurationID)
	if err != nil {
		return nil, err
	}
	if cfg.AuthType != domain.AuthAPIKey {
		return nil, domain.NewError(domain.CodeInvalidAuthType,
			"configuration %s uses auth type %s, not api_key", cfg.ID, cfg.AuthType)
	}
	if in.APIKey == "" {
		return nil, domain.NewError(domain.CodeValidationError, "api_key is required")
	}

	account := newAccount(p.UserID, cfg)
	account.AuthCredentials = domain.AuthCredentials{
		Type:      domain.AuthAPIKey,
		SecretKey: in.APIKey,
	}
	if err := s.store.Configs.UpsertConnectedAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// StartOAuth2FlowInput begins an oauth2 account connection
type StartOAuth2FlowInput struct {
	MCPServerConfigurationID string `json:"mcp_server_configuration_id"`
	RedirectURL              string `json:"redirect_url,omitempty"` // post-callback browser destination
}

// StartOAuth2Flow authorizes the connect, mints a PKCE verifier and a signed
// state token, and returns the provider authorization URL for the browser.
func (s *Service) StartOAuth2Flow(ctx context.Context, p rbac.Principal, in StartOAuth2FlowInput) (string, error) {
	cfg, err := s.authorizeAccountCreate(ctx, p, in.MCPServerConfigurationID)
	if err != nil {
		return "", err
	}
	if cfg.AuthType != domain.AuthOAuth2 {
		return "", domain.NewError(domain.CodeInvalidAuthType,
			"configuration %s uses auth type %s, not oauth2", cfg.ID, cfg.AuthType)
	}
	authCfg, err := s.oauth2AuthConfig(ctx, cfg)
	if err != nil {
		return "", err
	}

	verifier, err := oauth2client.NewCodeVerifier()
	if err != nil {
		return "", err
	}
	state, err := s.tokens.SignState(oauth2State{
		ConfigurationID: cfg.ID,
		UserID:          p.UserID,
		Ownership:       cfg.ConnectedAccountOwnership,
		CodeVerifier:    verifier,
		RedirectURL:     in.RedirectURL,
	}, oauth2StateTTL)
	if err != nil {
		return "", err
	}

	return oauth2client.AuthorizeURL(
		authCfg.AuthorizeURL,
		authCfg.ClientID,
		s.callbackURL(),
		authCfg.Scope,
		state,
		oauth2client.ChallengeS256(verifier),
	)
}

// CompleteOAuth2Flow handles the provider callback: it validates the state,
// exchanges the code and persists the resulting connected account. Returns
// the browser redirect URL requested at flow start, if any.
func (s *Service) CompleteOAuth2Flow(ctx context.Context, code, stateToken string) (string, error) {
	var state oauth2State
	if err := s.tokens.ParseState(stateToken, &state); err != nil {
		return "", err
	}
	if code == "" {
		return "", domain.NewError(domain.CodeOAuth2TokenExchangeFailed, "authorization code missing")
	}

	cfg, err := s.store.Configs.GetConfiguration(ctx, state.ConfigurationID)
	if err != nil {
		return "", notFoundAs(err, domain.CodeConfigurationNotFound,
			"configuration %s not found", state.ConfigurationID)
	}
	authCfg, err := s.oauth2AuthConfig(ctx, cfg)
	if err != nil {
		return "", err
	}

	tok, err := s.oauth.ExchangeCode(ctx,
		authCfg.AccessTokenURL,
		authCfg.ClientID,
		authCfg.ClientSecret,
		authCfg.TokenEndpointAuthMethod,
		code,
		s.callbackURL(),
		state.CodeVerifier,
	)
	if err != nil {
		return "", err
	}

	account := newAccount(state.UserID, cfg)
	account.AuthCredentials = tok.Credentials(time.Now())
	if err := s.store.Configs.UpsertConnectedAccount(ctx, account); err != nil {
		return "", err
	}

	s.logger.Info("connected account linked",
		"configuration_id", cfg.ID,
		"ownership", account.Ownership)
	return state.RedirectURL, nil
}

// ListConnectedAccounts lists accounts visible to the principal, optionally
// filtered by configuration. Members only see their own.
func (s *Service) ListConnectedAccounts(ctx context.Context, p rbac.Principal, configurationID string) ([]domain.ConnectedAccount, error) {
	if err := s.acl.Check(p, domain.ActionConnectedAccountList, nil); err != nil {
		return nil, err
	}
	userFilter := ""
	if p.Role == domain.RoleMember {
		userFilter = p.UserID
	}
	return s.store.Configs.ListConnectedAccounts(ctx, p.OrganizationID, configurationID, userFilter)
}

// DeleteConnectedAccount removes one account. Members may only delete their
// own individual accounts; admins may delete any in the organization.
func (s *Service) DeleteConnectedAccount(ctx context.Context, p rbac.Principal, id string) error {
	account, err := s.store.Configs.GetConnectedAccount(ctx, id)
	if err != nil {
		return notFoundAs(err, domain.CodeConnectedAccountNotFound, "connected account %s not found", id)
	}
	cfg, err := s.store.Configs.GetConfiguration(ctx, account.MCPServerConfigurationID)
	if err != nil {
		return notFoundAs(err, domain.CodeConfigurationNotFound,
			"configuration %s not found", account.MCPServerConfigurationID)
	}
	if cfg.OrganizationID != p.OrganizationID {
		return domain.NewError(domain.CodeConnectedAccountNotFound, "connected account %s not found", id)
	}
	if err := s.acl.Check(p, domain.ActionConnectedAccountDelete, accountResource(cfg, account)); err != nil {
		return err
	}
	return s.store.Configs.DeleteConnectedAccount(ctx, id)
}

// authorizeAccountCreate loads the configuration and checks the principal may
// attach an account of the configuration's ownership mode to it.
func (s *Service) authorizeAccountCreate(ctx context.Context, p rbac.Principal, configurationID string) (*domain.MCPServerConfiguration, error) {
	cfg, err := s.store.Configs.GetConfiguration(ctx, configurationID)
	if err != nil {
		return nil, notFoundAs(err, domain.CodeConfigurationNotFound,
			"configuration %s not found", configurationID)
	}
	if cfg.OrganizationID != p.OrganizationID {
		return nil, domain.NewError(domain.CodeConfigurationNotFound,
			"configuration %s not found", configurationID)
	}
	res := &rbac.Resource{
		Type:                      domain.ResourceConnectedAccount,
		OrganizationID:            &cfg.OrganizationID,
		Ownership:                 cfg.ConnectedAccountOwnership,
		ConnectedAccountOwnership: cfg.ConnectedAccountOwnership,
		AllowedTeams:              cfg.AllowedTeams,
	}
	if err := s.acl.Check(p, domain.ActionConfigurationCreateAccountOn, res); err != nil {
		return nil, err
	}
	return cfg, nil
}

// oauth2AuthConfig resolves the configuration's server oauth2 variant and
// requires discovery and client registration to have happened.
func (s *Service) oauth2AuthConfig(ctx context.Context, cfg *domain.MCPServerConfiguration) (*domain.AuthConfig, error) {
	srv, err := s.store.Servers.GetServer(ctx, cfg.MCPServerID)
	if err != nil {
		return nil, notFoundAs(err, domain.CodeMCPServerNotFound, "mcp server %s not found", cfg.MCPServerID)
	}
	authCfg, ok := srv.FindAuthConfig(domain.AuthOAuth2)
	if !ok || authCfg.AuthorizeURL == "" || authCfg.AccessTokenURL == "" {
		return nil, domain.NewError(domain.CodeOAuth2DiscoveryFailed,
			"server %s has no usable oauth2 endpoints, run discovery first", srv.CanonicalName)
	}
	if authCfg.ClientID == "" {
		return nil, domain.NewError(domain.CodeOAuth2RegistrationFailed,
			"server %s has no oauth2 client, register one first", srv.CanonicalName)
	}
	return authCfg, nil
}

// newAccount builds an unsaved account with ownership inherited from the
// configuration. Only individual accounts carry a user id.
func newAccount(userID string, cfg *domain.MCPServerConfiguration) *domain.ConnectedAccount {
	account := &domain.ConnectedAccount{
		MCPServerConfigurationID: cfg.ID,
		Ownership:                cfg.ConnectedAccountOwnership,
	}
	if cfg.ConnectedAccountOwnership == domain.OwnershipIndividual {
		account.UserID = &userID
	}
	return account
}
