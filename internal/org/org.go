// Package org manages organizations: membership, roles, teams and
// invitations. Access narrowing cascades into dependent gateway resources.
package org

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"mcpgate/internal/domain"
	"mcpgate/internal/email"
	"mcpgate/internal/rbac"
	"mcpgate/internal/storage/postgres"
	"mcpgate/internal/token"
)

// Entitlements resolves an organization's effective caps
type Entitlements interface {
	Resolve(ctx context.Context, orgID string) (*domain.Entitlement, error)
}

// Service implements organization administration
type Service struct {
	store        *postgres.Store
	acl          *rbac.Resolver
	tokens       *token.Manager
	mailer       email.Sender
	entitlements Entitlements
	logger       *slog.Logger
	frontendURL  string
	inviteTTL    time.Duration
}

func NewService(store *postgres.Store, acl *rbac.Resolver, tokens *token.Manager, mailer email.Sender, entitlements Entitlements, logger *slog.Logger, frontendURL string, inviteTTL time.Duration) *Service {
	return &Service{
		store:        store,
		acl:          acl,
		tokens:       tokens,
		mailer:       mailer,
		entitlements: entitlements,
		logger:       logger,
		frontendURL:  frontendURL,
		inviteTTL:    inviteTTL,
	}
}

// =============================================================================
// Organizations
// =============================================================================

// CreateOrganization creates an organization with the caller as its admin.
// Any authenticated user may create organizations.
func (s *Service) CreateOrganization(ctx context.Context, identity *domain.Identity, name string) (*domain.Organization, error) {
	if name == "" {
		return nil, domain.NewError(domain.CodeValidationError, "name is required")
	}

	org := &domain.Organization{Name: name}
	err := s.store.WithTx(ctx, func(tx *postgres.Store) error {
		if err := tx.Orgs.CreateOrganization(ctx, org); err != nil {
			return err
		}
		return tx.Orgs.AddMember(ctx, &domain.OrgMembership{
			OrganizationID: org.ID,
			UserID:         identity.UserID,
			Role:           domain.RoleAdmin,
		})
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

// GetOrganization returns the acting organization
func (s *Service) GetOrganization(ctx context.Context, p rbac.Principal) (*domain.Organization, error) {
	if err := s.acl.Check(p, domain.ActionOrganizationRead, s.orgResource(p.OrganizationID)); err != nil {
		return nil, err
	}
	return s.store.Orgs.GetOrganization(ctx, p.OrganizationID)
}

// UpdateOrganization renames the acting organization
func (s *Service) UpdateOrganization(ctx context.Context, p rbac.Principal, name string) (*domain.Organization, error) {
	if err := s.acl.Check(p, domain.ActionOrganizationUpdate, s.orgResource(p.OrganizationID)); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, domain.NewError(domain.CodeValidationError, "name is required")
	}
	if err := s.store.Orgs.UpdateOrganizationName(ctx, p.OrganizationID, name); err != nil {
		return nil, err
	}
	return s.store.Orgs.GetOrganization(ctx, p.OrganizationID)
}

// =============================================================================
// Members
// =============================================================================

// Member is a membership joined with its user record
type Member struct {
	UserID string                  `json:"user_id"`
	Name   string                  `json:"name"`
	Email  string                  `json:"email"`
	Role   domain.OrganizationRole `json:"role"`
}

// ListMembers lists the organization's members
func (s *Service) ListMembers(ctx context.Context, p rbac.Principal) ([]Member, error) {
	if err := s.acl.Check(p, domain.ActionOrganizationRead, s.orgResource(p.OrganizationID)); err != nil {
		return nil, err
	}
	memberships, err := s.store.Orgs.ListMemberships(ctx, p.OrganizationID)
	if err != nil {
		return nil, err
	}

	out := make([]Member, 0, len(memberships))
	for _, m := range memberships {
		user, err := s.store.Users.GetUserByID(ctx, m.UserID)
		if err != nil {
			continue
		}
		out = append(out, Member{UserID: user.ID, Name: user.Name, Email: user.Email, Role: m.Role})
	}
	return out, nil
}

// UpdateMemberRole changes a member's role, refusing to demote the last admin
func (s *Service) UpdateMemberRole(ctx context.Context, p rbac.Principal, userID string, role domain.OrganizationRole) error {
	if err := s.acl.Check(p, domain.ActionOrganizationUpdate, s.orgResource(p.OrganizationID)); err != nil {
		return err
	}
	if role != domain.RoleAdmin && role != domain.RoleMember {
		return domain.NewError(domain.CodeValidationError, "unknown role %q", role)
	}

	current, err := s.store.Orgs.GetMembership(ctx, p.OrganizationID, userID)
	if err != nil {
		return notFoundAs(err, domain.CodeNotPermitted, "user is not a member")
	}
	if current.Role == domain.RoleAdmin && role == domain.RoleMember {
		if err := s.requireAnotherAdmin(ctx, p.OrganizationID); err != nil {
			return err
		}
	}
	return s.store.Orgs.UpdateMemberRole(ctx, p.OrganizationID, userID, role)
}

// RemoveMember expels a member and removes their footprint: team
// memberships, individual connected accounts, owned bundles and sessions.
// Members may remove themselves; admins may remove anyone but the last admin.
func (s *Service) RemoveMember(ctx context.Context, p rbac.Principal, userID string) error {
	if userID != p.UserID {
		if err := s.acl.Check(p, domain.ActionOrganizationRemoveMember, s.orgResource(p.OrganizationID)); err != nil {
			return err
		}
	}

	target, err := s.store.Orgs.GetMembership(ctx, p.OrganizationID, userID)
	if err != nil {
		return notFoundAs(err, domain.CodeNotPermitted, "user is not a member")
	}
	if target.Role == domain.RoleAdmin {
		if err := s.requireAnotherAdmin(ctx, p.OrganizationID); err != nil {
			return err
		}
	}

	return s.store.WithTx(ctx, func(tx *postgres.Store) error {
		if err := removeMemberFootprint(ctx, tx, p.OrganizationID, userID); err != nil {
			return err
		}
		return tx.Orgs.RemoveMember(ctx, p.OrganizationID, userID)
	})
}

// requireAnotherAdmin enforces the at-least-one-admin invariant
func (s *Service) requireAnotherAdmin(ctx context.Context, orgID string) error {
	admins, err := s.store.Orgs.CountAdmins(ctx, orgID)
	if err != nil {
		return err
	}
	if admins <= 1 {
		return domain.NewError(domain.CodeLastAdmin,
			"organization must keep at least one admin")
	}
	return nil
}

// removeMemberFootprint clears one user's dependent resources in an org
func removeMemberFootprint(ctx context.Context, tx *postgres.Store, orgID, userID string) error {
	bundles, err := tx.Configs.ListBundlesOwnedBy(ctx, orgID, userID)
	if err != nil {
		return err
	}
	for _, b := range bundles {
		if err := tx.Sessions.DeleteSessionsForBundle(ctx, b.ID); err != nil {
			return err
		}
	}
	if err := tx.Configs.DeleteBundlesOwnedBy(ctx, orgID, userID); err != nil {
		return err
	}
	if err := tx.Configs.DeleteAccountsForUserInOrg(ctx, orgID, userID); err != nil {
		return err
	}
	return tx.Orgs.RemoveUserFromOrgTeams(ctx, orgID, userID)
}

func (s *Service) orgResource(orgID string) *rbac.Resource {
	return &rbac.Resource{
		Type:           domain.ResourceOrganization,
		OrganizationID: &orgID,
	}
}

func notFoundAs(err error, code domain.ErrorCode, format string, args ...any) error {
	if errors.Is(err, postgres.ErrNotFound) {
		return domain.NewError(code, format, args...)
	}
	return err
}
