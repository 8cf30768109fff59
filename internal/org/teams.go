package org

import (
	"context"

	"mcpgate/internal/domain"
	"mcpgate/internal/rbac"
	"mcpgate/internal/reaper"
	"mcpgate/internal/storage/postgres"
)

// CreateTeamInput is the team creation payload
type CreateTeamInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateTeam creates a team; names are unique within the organization
func (s *Service) CreateTeam(ctx context.Context, p rbac.Principal, in CreateTeamInput) (*domain.Team, error) {
	if err := s.acl.Check(p, domain.ActionTeamCreate, s.teamResource(p.OrganizationID)); err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, domain.NewError(domain.CodeValidationError, "name is required")
	}

	team := &domain.Team{
		OrganizationID: p.OrganizationID,
		Name:           in.Name,
		Description:    in.Description,
	}
	if err := s.store.Orgs.CreateTeam(ctx, team); err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, domain.NewError(domain.CodeValidationError,
				"a team named %q already exists", in.Name)
		}
		return nil, err
	}
	return team, nil
}

// ListTeams lists the organization's teams
func (s *Service) ListTeams(ctx context.Context, p rbac.Principal) ([]domain.Team, error) {
	if err := s.acl.Check(p, domain.ActionTeamList, s.teamResource(p.OrganizationID)); err != nil {
		return nil, err
	}
	return s.store.Orgs.ListTeams(ctx, p.OrganizationID)
}

// UpdateTeamInput carries mutable team fields
type UpdateTeamInput struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// UpdateTeam renames or re-describes a team
func (s *Service) UpdateTeam(ctx context.Context, p rbac.Principal, teamID string, in UpdateTeamInput) (*domain.Team, error) {
	if err := s.acl.Check(p, domain.ActionTeamUpdate, s.teamResource(p.OrganizationID)); err != nil {
		return nil, err
	}
	team, err := s.getOrgTeam(ctx, p.OrganizationID, teamID)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		team.Name = *in.Name
	}
	if in.Description != nil {
		team.Description = *in.Description
	}
	if team.Name == "" {
		return nil, domain.NewError(domain.CodeValidationError, "name is required")
	}
	if err := s.store.Orgs.UpdateTeam(ctx, team); err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, domain.NewError(domain.CodeValidationError,
				"a team named %q already exists", team.Name)
		}
		return nil, err
	}
	return team, nil
}

// DeleteTeam removes a team. Members whose configuration access hinged on
// this team lose their individual accounts and get their bundles pruned.
func (s *Service) DeleteTeam(ctx context.Context, p rbac.Principal, teamID string) error {
	if err := s.acl.Check(p, domain.ActionTeamDelete, s.teamResource(p.OrganizationID)); err != nil {
		return err
	}
	team, err := s.getOrgTeam(ctx, p.OrganizationID, teamID)
	if err != nil {
		return err
	}
	members, err := s.store.Orgs.ListTeamMembers(ctx, team.ID)
	if err != nil {
		return err
	}

	return s.store.WithTx(ctx, func(tx *postgres.Store) error {
		if err := tx.Orgs.DeleteTeam(ctx, team.ID); err != nil {
			return err
		}
		for _, m := range members {
			if err := s.reconcileRevokedTeams(ctx, tx, p.OrganizationID, m.UserID); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddTeamMember adds an organization member to a team
func (s *Service) AddTeamMember(ctx context.Context, p rbac.Principal, teamID, userID string) error {
	if err := s.acl.Check(p, domain.ActionTeamAddMember, s.teamResource(p.OrganizationID)); err != nil {
		return err
	}
	if _, err := s.getOrgTeam(ctx, p.OrganizationID, teamID); err != nil {
		return err
	}
	if _, err := s.store.Orgs.GetMembership(ctx, p.OrganizationID, userID); err != nil {
		return notFoundAs(err, domain.CodeValidationError,
			"user is not a member of the organization")
	}
	return s.store.Orgs.AddTeamMember(ctx, teamID, userID)
}

// RemoveTeamMember removes a user from a team and reconciles the access
// they lose with it.
func (s *Service) RemoveTeamMember(ctx context.Context, p rbac.Principal, teamID, userID string) error {
	if err := s.acl.Check(p, domain.ActionTeamRemoveMember, s.teamResource(p.OrganizationID)); err != nil {
		return err
	}
	if _, err := s.getOrgTeam(ctx, p.OrganizationID, teamID); err != nil {
		return err
	}

	return s.store.WithTx(ctx, func(tx *postgres.Store) error {
		if err := tx.Orgs.RemoveTeamMember(ctx, teamID, userID); err != nil {
			return err
		}
		return s.reconcileRevokedTeams(ctx, tx, p.OrganizationID, userID)
	})
}

// ListTeamMembers lists a team's memberships
func (s *Service) ListTeamMembers(ctx context.Context, p rbac.Principal, teamID string) ([]domain.TeamMembership, error) {
	if err := s.acl.Check(p, domain.ActionTeamList, s.teamResource(p.OrganizationID)); err != nil {
		return nil, err
	}
	if _, err := s.getOrgTeam(ctx, p.OrganizationID, teamID); err != nil {
		return nil, err
	}
	return s.store.Orgs.ListTeamMembers(ctx, teamID)
}

// reconcileRevokedTeams prunes what one user can no longer reach after their
// team set shrank. Admins keep access regardless of teams.
func (s *Service) reconcileRevokedTeams(ctx context.Context, tx *postgres.Store, orgID, userID string) error {
	membership, err := tx.Orgs.GetMembership(ctx, orgID, userID)
	if err != nil || membership.Role == domain.RoleAdmin {
		return err
	}

	remainingTeams, err := tx.Orgs.ListUserTeamIDs(ctx, orgID, userID)
	if err != nil {
		return err
	}
	configurations, err := tx.Configs.ListConfigurations(ctx, orgID, "")
	if err != nil {
		return err
	}
	userBundles, err := tx.Configs.ListBundlesOwnedBy(ctx, orgID, userID)
	if err != nil {
		return err
	}

	plan := reaper.OnTeamMembershipRevoked(userID, remainingTeams, configurations, userBundles)
	return reaper.Apply(ctx, tx, plan)
}

func (s *Service) getOrgTeam(ctx context.Context, orgID, teamID string) (*domain.Team, error) {
	team, err := s.store.Orgs.GetTeam(ctx, teamID)
	if err != nil {
		return nil, notFoundAs(err, domain.CodeTeamNotFound, "team %s not found", teamID)
	}
	if team.OrganizationID != orgID {
		return nil, domain.NewError(domain.CodeTeamNotFound, "team %s not found", teamID)
	}
	return team, nil
}

func (s *Service) teamResource(orgID string) *rbac.Resource {
	return &rbac.Resource{
		Type:           domain.ResourceTeam,
		OrganizationID: &orgID,
	}
}
