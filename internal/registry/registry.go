// Package registry implements control-plane resource management: MCP
// servers, configurations, connected accounts and bundles.
package registry

import (
	"context"
	"errors"
	"log/slog"

	"mcpgate/internal/catalog"
	"mcpgate/internal/domain"
	"mcpgate/internal/embeddings"
	"mcpgate/internal/oauth2client"
	"mcpgate/internal/rbac"
	"mcpgate/internal/storage/postgres"
	"mcpgate/internal/token"
)

// Entitlements resolves an organization's effective caps
type Entitlements interface {
	Resolve(ctx context.Context, orgID string) (*domain.Entitlement, error)
}

// Service is the registry facade. Every operation authorizes the principal
// against the loaded ACL before touching state.
type Service struct {
	store        *postgres.Store
	acl          *rbac.Resolver
	embedder     embeddings.Embedder
	syncer       *catalog.Syncer
	oauth        *oauth2client.Client
	tokens       *token.Manager
	entitlements Entitlements
	logger       *slog.Logger
	baseURL      string
}

func NewService(
	store *postgres.Store,
	acl *rbac.Resolver,
	embedder embeddings.Embedder,
	syncer *catalog.Syncer,
	oauth *oauth2client.Client,
	tokens *token.Manager,
	entitlements Entitlements,
	logger *slog.Logger,
	baseURL string,
) *Service {
	return &Service{
		store:        store,
		acl:          acl,
		embedder:     embedder,
		syncer:       syncer,
		oauth:        oauth,
		tokens:       tokens,
		entitlements: entitlements,
		logger:       logger,
		baseURL:      baseURL,
	}
}

// Principal builds the RBAC principal for an identity. The token's acting
// organization and role are checked against the live membership, so a
// removed or demoted member loses access before their token expires.
func (s *Service) Principal(ctx context.Context, identity *domain.Identity) (rbac.Principal, error) {
	if identity.ActAs == nil {
		return rbac.Principal{}, domain.NewError(domain.CodeNotPermitted, "no acting organization")
	}
	m, err := s.store.Orgs.GetMembership(ctx, identity.ActAs.OrganizationID, identity.UserID)
	if err != nil {
		return rbac.Principal{}, notFoundAs(err, domain.CodeNotPermitted,
			"not a member of organization %s", identity.ActAs.OrganizationID)
	}
	if err := verifyActAs(identity.ActAs.Role, m.Role); err != nil {
		return rbac.Principal{}, err
	}
	teams, err := s.store.Orgs.ListUserTeamIDs(ctx, identity.ActAs.OrganizationID, identity.UserID)
	if err != nil {
		return rbac.Principal{}, err
	}
	return rbac.Principal{
		UserID:         identity.UserID,
		OrganizationID: identity.ActAs.OrganizationID,
		Role:           identity.ActAs.Role,
		TeamIDs:        teams,
	}, nil
}

// verifyActAs checks a token's acting role against the membership it claims.
// Acting as admin requires a held admin membership; an admin may still act
// with the narrower member role.
func verifyActAs(claimed, held domain.OrganizationRole) error {
	if claimed == domain.RoleAdmin && held != domain.RoleAdmin {
		return domain.NewError(domain.CodeNotPermitted, "admin access requires an admin membership")
	}
	return nil
}

// notFoundAs translates the store's miss sentinel into a typed domain error
func notFoundAs(err error, code domain.ErrorCode, format string, args ...any) error {
	if errors.Is(err, postgres.ErrNotFound) {
		return domain.NewError(code, format, args...)
	}
	return err
}

func serverResource(srv *domain.MCPServer) *rbac.Resource {
	return &rbac.Resource{
		Type:           domain.ResourceMCPServer,
		OrganizationID: srv.OrganizationID,
		IsPublic:       srv.IsPublic(),
	}
}

func configurationResource(cfg *domain.MCPServerConfiguration) *rbac.Resource {
	return &rbac.Resource{
		Type:                      domain.ResourceConfiguration,
		OrganizationID:            &cfg.OrganizationID,
		ConnectedAccountOwnership: cfg.ConnectedAccountOwnership,
		AllowedTeams:              cfg.AllowedTeams,
	}
}

func bundleResource(b *domain.MCPServerBundle) *rbac.Resource {
	return &rbac.Resource{
		Type:           domain.ResourceBundle,
		OrganizationID: &b.OrganizationID,
		OwnerUserID:    b.UserID,
	}
}

func accountResource(cfg *domain.MCPServerConfiguration, a *domain.ConnectedAccount) *rbac.Resource {
	res := &rbac.Resource{
		Type:           domain.ResourceConnectedAccount,
		OrganizationID: &cfg.OrganizationID,
		Ownership:      a.Ownership,
		AllowedTeams:   cfg.AllowedTeams,
	}
	if a.UserID != nil {
		res.OwnerUserID = *a.UserID
	}
	return res
}
