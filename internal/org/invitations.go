package org

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"mcpgate/internal/domain"
	"mcpgate/internal/email"
	"mcpgate/internal/rbac"
)

// InviteInput invites an email address into the organization
type InviteInput struct {
	Email string                  `json:"email"`
	Role  domain.OrganizationRole `json:"role"`
}

// Invite creates a pending invitation and emails the accept link. The seat
// entitlement is enforced at invite time so acceptance cannot overshoot.
func (s *Service) Invite(ctx context.Context, p rbac.Principal, in InviteInput) (*domain.OrganizationInvitation, error) {
	if err := s.acl.Check(p, domain.ActionOrganizationInvite, s.orgResource(p.OrganizationID)); err != nil {
		return nil, err
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, domain.NewError(domain.CodeValidationError, "invalid email address")
	}
	role := in.Role
	if role == "" {
		role = domain.RoleMember
	}
	if role != domain.RoleAdmin && role != domain.RoleMember {
		return nil, domain.NewError(domain.CodeValidationError, "unknown role %q", role)
	}

	if err := s.checkSeatAvailable(ctx, p.OrganizationID); err != nil {
		return nil, err
	}

	raw, hash, err := s.tokens.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	inv := &domain.OrganizationInvitation{
		OrganizationID: p.OrganizationID,
		Email:          strings.ToLower(in.Email),
		Role:           role,
		TokenHash:      hash,
		Status:         domain.InvitationPending,
		InvitedBy:      p.UserID,
		ExpiresAt:      time.Now().Add(s.inviteTTL),
	}
	if err := s.store.Orgs.CreateInvitation(ctx, inv); err != nil {
		return nil, err
	}

	org, err := s.store.Orgs.GetOrganization(ctx, p.OrganizationID)
	if err != nil {
		return nil, err
	}
	acceptURL := s.frontendURL + "/invitations/accept?token=" + raw
	if err := s.mailer.Send(ctx, email.InvitationEmail(inv.Email, org.Name, acceptURL)); err != nil {
		return nil, err
	}
	s.logger.Info("invitation sent", "organization_id", org.ID, "role", role)
	return inv, nil
}

// ListInvitations lists the organization's invitations, newest first
func (s *Service) ListInvitations(ctx context.Context, p rbac.Principal) ([]domain.OrganizationInvitation, error) {
	if err := s.acl.Check(p, domain.ActionOrganizationInvite, s.orgResource(p.OrganizationID)); err != nil {
		return nil, err
	}
	return s.store.Orgs.ListInvitations(ctx, p.OrganizationID)
}

// RevokeInvitation withdraws a pending invitation
func (s *Service) RevokeInvitation(ctx context.Context, p rbac.Principal, invitationID string) error {
	if err := s.acl.Check(p, domain.ActionOrganizationInvite, s.orgResource(p.OrganizationID)); err != nil {
		return err
	}
	inv, err := s.store.Orgs.GetInvitationByID(ctx, invitationID)
	if err != nil {
		return notFoundAs(err, domain.CodeValidationError, "invitation not found")
	}
	if inv.OrganizationID != p.OrganizationID || inv.Status != domain.InvitationPending {
		return domain.NewError(domain.CodeValidationError, "invitation not found")
	}
	return s.store.Orgs.RevokeInvitation(ctx, inv.ID)
}

// AcceptInvitation redeems an invitation token for the calling user. The
// invitation must address the caller's email and a seat must still be free.
func (s *Service) AcceptInvitation(ctx context.Context, identity *domain.Identity, rawToken string) (*domain.Organization, error) {
	inv, err := s.store.Orgs.GetPendingInvitationByHash(ctx, s.tokens.Hash(rawToken))
	if err != nil {
		return nil, notFoundAs(err, domain.CodeTokenInvalid, "invalid or expired invitation")
	}
	if !strings.EqualFold(inv.Email, identity.Email) {
		return nil, domain.NewError(domain.CodeNotPermitted,
			"this invitation was issued to a different email address")
	}
	if err := s.checkSeatAvailable(ctx, inv.OrganizationID); err != nil {
		return nil, err
	}

	if err := s.store.Orgs.AddMember(ctx, &domain.OrgMembership{
		OrganizationID: inv.OrganizationID,
		UserID:         identity.UserID,
		Role:           inv.Role,
	}); err != nil {
		return nil, err
	}
	if err := s.store.Orgs.MarkInvitationAccepted(ctx, inv.ID); err != nil {
		return nil, err
	}
	return s.store.Orgs.GetOrganization(ctx, inv.OrganizationID)
}

// checkSeatAvailable compares the member count against the seat entitlement
func (s *Service) checkSeatAvailable(ctx context.Context, orgID string) error {
	ent, err := s.entitlements.Resolve(ctx, orgID)
	if err != nil {
		return err
	}
	members, err := s.store.Orgs.CountMembers(ctx, orgID)
	if err != nil {
		return err
	}
	if members >= ent.SeatCount {
		return domain.NewError(domain.CodeRequestedSubscriptionInvalid,
			"all %d seats on plan %s are in use", ent.SeatCount, ent.PlanCode)
	}
	return nil
}
