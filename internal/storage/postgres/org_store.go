package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mcpgate/internal/domain"
)

// OrgStore persists organizations, memberships, teams and invitations
type OrgStore struct {
	q querier
}

// ============================================================================
// Organizations
// ============================================================================

func (s *OrgStore) CreateOrganization(ctx context.Context, o *domain.Organization) error {
	o.ID = uuid.New().String()
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO organizations (id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4)`,
		o.ID, o.Name, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting organization: %w", err)
	}
	return nil
}

func (s *OrgStore) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	o := &domain.Organization{}
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, deleted_at, created_at, updated_at
		FROM organizations WHERE id = $1`, id).Scan(
		&o.ID, &o.Name, &o.DeletedAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying organization: %w", err)
	}
	return o, nil
}

func (s *OrgStore) UpdateOrganizationName(ctx context.Context, id, name string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE organizations SET name = $2, updated_at = NOW() WHERE id = $1`, id, name)
	if err != nil {
		return fmt.Errorf("updating organization: %w", err)
	}
	return nil
}

// DeleteOrganization hard-deletes the tenant; cascades remove every
// dependent row.
func (s *OrgStore) DeleteOrganization(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting organization: %w", err)
	}
	return nil
}

// ListOrganizationIDs returns the ids of all live organizations
func (s *OrgStore) ListOrganizationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id FROM organizations WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("querying organization ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning organization id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ============================================================================
// Memberships
// ============================================================================

// AddMember upserts a membership; re-inviting an existing member updates
// the role.
func (s *OrgStore) AddMember(ctx context.Context, m *domain.OrgMembership) error {
	m.CreatedAt = time.Now()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO org_memberships (organization_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organization_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		m.OrganizationID, m.UserID, m.Role, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting membership: %w", err)
	}
	return nil
}

func (s *OrgStore) GetMembership(ctx context.Context, orgID, userID string) (*domain.OrgMembership, error) {
	m := &domain.OrgMembership{}
	err := s.q.QueryRowContext(ctx, `
		SELECT organization_id, user_id, role, created_at
		FROM org_memberships WHERE organization_id = $1 AND user_id = $2`,
		orgID, userID).Scan(&m.OrganizationID, &m.UserID, &m.Role, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying membership: %w", err)
	}
	return m, nil
}

func (s *OrgStore) ListMemberships(ctx context.Context, orgID string) ([]domain.OrgMembership, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT organization_id, user_id, role, created_at
		FROM org_memberships WHERE organization_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("querying memberships: %w", err)
	}
	defer rows.Close()

	var out []domain.OrgMembership
	for rows.Next() {
		var m domain.OrgMembership
		if err := rows.Scan(&m.OrganizationID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListUserMemberships returns every organization the user belongs to
func (s *OrgStore) ListUserMemberships(ctx context.Context, userID string) ([]domain.OrgMembership, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT organization_id, user_id, role, created_at
		FROM org_memberships WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying user memberships: %w", err)
	}
	defer rows.Close()

	var out []domain.OrgMembership
	for rows.Next() {
		var m domain.OrgMembership
		if err := rows.Scan(&m.OrganizationID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *OrgStore) UpdateMemberRole(ctx context.Context, orgID, userID string, role domain.OrganizationRole) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE org_memberships SET role = $3 WHERE organization_id = $1 AND user_id = $2`,
		orgID, userID, role)
	if err != nil {
		return fmt.Errorf("updating member role: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *OrgStore) RemoveMember(ctx context.Context, orgID, userID string) error {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM org_memberships WHERE organization_id = $1 AND user_id = $2`,
		orgID, userID)
	if err != nil {
		return fmt.Errorf("removing member: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountAdmins backs the last-admin guard on demotion and removal
func (s *OrgStore) CountAdmins(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM org_memberships WHERE organization_id = $1 AND role = $2`,
		orgID, domain.RoleAdmin).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting admins: %w", err)
	}
	return n, nil
}

// CountMembers backs seat-entitlement checks on invitation
func (s *OrgStore) CountMembers(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM org_memberships WHERE organization_id = $1`, orgID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting members: %w", err)
	}
	return n, nil
}

// ============================================================================
// Teams
// ============================================================================

func (s *OrgStore) CreateTeam(ctx context.Context, t *domain.Team) error {
	t.ID = uuid.New().String()
	t.CreatedAt = time.Now()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO teams (id, organization_id, name, description, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.OrganizationID, t.Name, t.Description, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting team: %w", err)
	}
	return nil
}

func (s *OrgStore) GetTeam(ctx context.Context, id string) (*domain.Team, error) {
	t := &domain.Team{}
	err := s.q.QueryRowContext(ctx, `
		SELECT id, organization_id, name, description, created_at
		FROM teams WHERE id = $1`, id).Scan(
		&t.ID, &t.OrganizationID, &t.Name, &t.Description, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying team: %w", err)
	}
	return t, nil
}

func (s *OrgStore) ListTeams(ctx context.Context, orgID string) ([]domain.Team, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, organization_id, name, description, created_at
		FROM teams WHERE organization_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("querying teams: %w", err)
	}
	defer rows.Close()

	var out []domain.Team
	for rows.Next() {
		var t domain.Team
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning team: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *OrgStore) UpdateTeam(ctx context.Context, t *domain.Team) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE teams SET name = $2, description = $3 WHERE id = $1`,
		t.ID, t.Name, t.Description)
	if err != nil {
		return fmt.Errorf("updating team: %w", err)
	}
	return nil
}

func (s *OrgStore) DeleteTeam(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM teams WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting team: %w", err)
	}
	return nil
}

func (s *OrgStore) AddTeamMember(ctx context.Context, teamID, userID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO team_memberships (team_id, user_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (team_id, user_id) DO NOTHING`,
		teamID, userID)
	if err != nil {
		return fmt.Errorf("adding team member: %w", err)
	}
	return nil
}

func (s *OrgStore) RemoveTeamMember(ctx context.Context, teamID, userID string) error {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM team_memberships WHERE team_id = $1 AND user_id = $2`,
		teamID, userID)
	if err != nil {
		return fmt.Errorf("removing team member: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *OrgStore) ListTeamMembers(ctx context.Context, teamID string) ([]domain.TeamMembership, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT team_id, user_id, created_at
		FROM team_memberships WHERE team_id = $1 ORDER BY created_at`, teamID)
	if err != nil {
		return nil, fmt.Errorf("querying team members: %w", err)
	}
	defer rows.Close()

	var out []domain.TeamMembership
	for rows.Next() {
		var m domain.TeamMembership
		if err := rows.Scan(&m.TeamID, &m.UserID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning team membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListUserTeamIDs returns the ids of teams within one organization the user
// belongs to. This set drives allowed_teams evaluation on every request.
func (s *OrgStore) ListUserTeamIDs(ctx context.Context, orgID, userID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT tm.team_id
		FROM team_memberships tm
		JOIN teams t ON t.id = tm.team_id
		WHERE t.organization_id = $1 AND tm.user_id = $2`, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying user team ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning team id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RemoveUserFromOrgTeams drops the user from every team in the organization,
// part of the member-removal cleanup.
func (s *OrgStore) RemoveUserFromOrgTeams(ctx context.Context, orgID, userID string) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM team_memberships tm
		USING teams t
		WHERE tm.team_id = t.id AND t.organization_id = $1 AND tm.user_id = $2`,
		orgID, userID)
	if err != nil {
		return fmt.Errorf("removing user from org teams: %w", err)
	}
	return nil
}

// ============================================================================
// Invitations
// ============================================================================

func (s *OrgStore) CreateInvitation(ctx context.Context, inv *domain.OrganizationInvitation) error {
	inv.ID = uuid.New().String()
	inv.CreatedAt = time.Now()
	if inv.Status == "" {
		inv.Status = domain.InvitationPending
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO organization_invitations
			(id, organization_id, email, role, token_hash, status, invited_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inv.ID, inv.OrganizationID, inv.Email, inv.Role, inv.TokenHash, inv.Status,
		inv.InvitedBy, inv.ExpiresAt, inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting invitation: %w", err)
	}
	return nil
}

func (s *OrgStore) GetInvitationByID(ctx context.Context, id string) (*domain.OrganizationInvitation, error) {
	return s.getInvitation(ctx, `WHERE id = $1`, id)
}

// GetPendingInvitationByHash looks up an acceptable invitation
func (s *OrgStore) GetPendingInvitationByHash(ctx context.Context, hash string) (*domain.OrganizationInvitation, error) {
	return s.getInvitation(ctx,
		`WHERE token_hash = $1 AND status = 'pending' AND expires_at > NOW()`, hash)
}

func (s *OrgStore) getInvitation(ctx context.Context, where string, args ...any) (*domain.OrganizationInvitation, error) {
	inv := &domain.OrganizationInvitation{}
	err := s.q.QueryRowContext(ctx, `
		SELECT id, organization_id, email, role, token_hash, status, invited_by, expires_at, used_at, created_at
		FROM organization_invitations `+where, args...).Scan(
		&inv.ID, &inv.OrganizationID, &inv.Email, &inv.Role, &inv.TokenHash, &inv.Status,
		&inv.InvitedBy, &inv.ExpiresAt, &inv.UsedAt, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying invitation: %w", err)
	}
	return inv, nil
}

func (s *OrgStore) ListInvitations(ctx context.Context, orgID string) ([]domain.OrganizationInvitation, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, organization_id, email, role, token_hash, status, invited_by, expires_at, used_at, created_at
		FROM organization_invitations WHERE organization_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("querying invitations: %w", err)
	}
	defer rows.Close()

	var out []domain.OrganizationInvitation
	for rows.Next() {
		var inv domain.OrganizationInvitation
		if err := rows.Scan(
			&inv.ID, &inv.OrganizationID, &inv.Email, &inv.Role, &inv.TokenHash, &inv.Status,
			&inv.InvitedBy, &inv.ExpiresAt, &inv.UsedAt, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning invitation: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// MarkInvitationAccepted consumes a pending invitation exactly once
func (s *OrgStore) MarkInvitationAccepted(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE organization_invitations SET status = 'accepted', used_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("accepting invitation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeInvitation cancels a pending invitation
func (s *OrgStore) RevokeInvitation(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE organization_invitations SET status = 'revoked'
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("revoking invitation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
