// Package domain defines core domain types for the MCP gateway control plane.
package domain

import (
	"time"
)

// =============================================================================
// Identity Types
// =============================================================================

// UserIdentityProvider identifies how a user authenticates
type UserIdentityProvider string

const (
	IdentityProviderEmail  UserIdentityProvider = "email"
	IdentityProviderGoogle UserIdentityProvider = "google"
)

// OrganizationRole is the role a user holds within an organization
type OrganizationRole string

const (
	RoleAdmin  OrganizationRole = "admin"
	RoleMember OrganizationRole = "member"
)

// User represents a platform user
type User struct {
	ID               string               `json:"id"`
	Name             string               `json:"name"`
	Email            string               `json:"email"`
	IdentityProvider UserIdentityProvider `json:"identity_provider"`
	PasswordHash     string               `json:"-"` // bcrypt, email provider only
	EmailVerified    bool                 `json:"email_verified"`
	DeletedAt        *time.Time           `json:"deleted_at,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// Organization is a tenant; all control-plane resources hang off one
type Organization struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// OrgMembership links a user to an organization with a role.
// An organization keeps at least one admin at all times.
type OrgMembership struct {
	OrganizationID string           `json:"organization_id"`
	UserID         string           `json:"user_id"`
	Role           OrganizationRole `json:"role"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Team groups users within one organization
type Team struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"` // unique within the org
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TeamMembership links a user to a team. The user must already be a
// member of the team's organization.
type TeamMembership struct {
	TeamID    string    `json:"team_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// Token-Bearing Records
// =============================================================================

// VerificationType distinguishes stored one-time tokens
type VerificationType string

const (
	VerificationEmail VerificationType = "email_verification"
)

// UserVerification stores the HMAC digest of a one-time verification token.
// Raw tokens are never persisted.
type UserVerification struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	Type          VerificationType `json:"type"`
	TokenHash     string           `json:"-"`
	EmailMetadata string           `json:"email_metadata,omitempty"` // email the token was sent to
	ExpiresAt     time.Time        `json:"expires_at"`
	UsedAt        *time.Time       `json:"used_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// UserRefreshToken stores the HMAC digest of a refresh token
type UserRefreshToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// InvitationStatus is the lifecycle state of an organization invitation
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRevoked  InvitationStatus = "revoked"
)

// OrganizationInvitation invites an email address into an organization
type OrganizationInvitation struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	Email          string           `json:"email"`
	Role           OrganizationRole `json:"role"`
	TokenHash      string           `json:"-"`
	Status         InvitationStatus `json:"status"`
	InvitedBy      string           `json:"invited_by"`
	ExpiresAt      time.Time        `json:"expires_at"`
	UsedAt         *time.Time       `json:"used_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// =============================================================================
// Request Identity
// =============================================================================

// ActAs is the organization/role the bearer is currently operating under
type ActAs struct {
	OrganizationID string           `json:"organization_id"`
	Role           OrganizationRole `json:"role"`
}

// Identity is the resolved caller of a control-plane request
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	ActAs  *ActAs `json:"act_as,omitempty"`
}

// OrgID returns the acting organization id, or empty in lax mode
func (i *Identity) OrgID() string {
	if i.ActAs == nil {
		return ""
	}
	return i.ActAs.OrganizationID
}

// IsAdmin reports whether the caller acts as an organization admin
func (i *Identity) IsAdmin() bool {
	return i.ActAs != nil && i.ActAs.Role == RoleAdmin
}
