// Package auth implements user authentication: registration with email
// verification, password and Google login, refresh-token rotation and
// organization selection.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mcpgate/internal/config"
	"mcpgate/internal/domain"
	"mcpgate/internal/email"
	"mcpgate/internal/storage/postgres"
	"mcpgate/internal/token"
)

const (
	bcryptCost        = 12
	minPasswordLength = 8
)

// Service drives the authentication flows
type Service struct {
	store       *postgres.Store
	tokens      *token.Manager
	mailer      email.Sender
	logger      *slog.Logger
	refreshTTL  time.Duration
	verifyTTL   time.Duration
	baseURL     string
	frontendURL string
	google      *googleClient
}

func NewService(store *postgres.Store, tokens *token.Manager, mailer email.Sender, logger *slog.Logger, cfg *config.AuthConfig, baseURL, frontendURL string) *Service {
	return &Service{
		store:       store,
		tokens:      tokens,
		mailer:      mailer,
		logger:      logger,
		refreshTTL:  cfg.RefreshTokenTTL,
		verifyTTL:   cfg.VerificationTTL,
		baseURL:     baseURL,
		frontendURL: frontendURL,
		google:      newGoogleClient(cfg, baseURL),
	}
}

// TokenPair is the result of a successful authentication. RefreshToken is
// the raw token destined for the session cookie; only its digest is stored.
type TokenPair struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"-"`
	RefreshTTL   time.Duration `json:"-"`
}

// =============================================================================
// Registration & Email Verification
// =============================================================================

// RegisterInput is the signup payload
type RegisterInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates an unverified user, emails a verification link and opens
// a session for the fresh account. A duplicate unverified email re-sends the
// link instead of failing, so an interrupted signup can be completed; that
// path returns no token pair since the account is not the caller's to hold.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*TokenPair, error) {
	if err := validateRegistration(in); err != nil {
		return nil, err
	}

	existing, err := s.store.Users.GetUserByEmail(ctx, in.Email)
	if err == nil {
		switch {
		case existing.DeletedAt != nil:
			return nil, domain.NewError(domain.CodeAccountDeletionInProgress,
				"this account is being deleted, try again later")
		case existing.EmailVerified:
			return nil, domain.NewError(domain.CodeEmailAlreadyExists,
				"an account with this email already exists")
		default:
			return nil, s.sendVerification(ctx, existing)
		}
	}
	if !errors.Is(err, postgres.ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcryptCost)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		Name:             in.Name,
		Email:            in.Email,
		IdentityProvider: domain.IdentityProviderEmail,
		PasswordHash:     string(hash),
	}
	if err := s.store.Users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	if err := s.sendVerification(ctx, user); err != nil {
		return nil, err
	}
	return s.issueTokens(ctx, user, nil)
}

// sendVerification issues a fresh single-use token, invalidating earlier ones
func (s *Service) sendVerification(ctx context.Context, user *domain.User) error {
	if err := s.store.Users.DeleteVerificationsForUser(ctx, user.ID, domain.VerificationEmail); err != nil {
		return err
	}

	raw, hash, err := s.tokens.SignVerificationToken(user.ID, user.Email)
	if err != nil {
		return err
	}
	v := &domain.UserVerification{
		UserID:        user.ID,
		Type:          domain.VerificationEmail,
		TokenHash:     hash,
		EmailMetadata: user.Email,
		ExpiresAt:     time.Now().Add(s.verifyTTL),
	}
	if err := s.store.Users.CreateVerification(ctx, v); err != nil {
		return err
	}

	verifyURL := s.baseURL + "/auth/verify-email?token=" + raw
	if err := s.mailer.Send(ctx, email.VerificationEmail(user.Email, verifyURL)); err != nil {
		return err
	}
	s.logger.Info("verification email sent", "user_id", user.ID)
	return nil
}

// ResendVerification re-sends the verification link for an unverified email.
// Unknown and already-verified addresses succeed silently.
func (s *Service) ResendVerification(ctx context.Context, emailAddr string) error {
	user, err := s.store.Users.GetUserByEmail(ctx, emailAddr)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if user.EmailVerified || user.DeletedAt != nil {
		return nil
	}
	return s.sendVerification(ctx, user)
}

// VerifyEmail consumes a verification token from the emailed link and
// returns the browser redirect. Failures redirect with an error tag rather
// than erroring, since the caller is a browser.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string) string {
	failed := s.frontendURL + "/auth/verify-error?error="

	claims, err := s.tokens.ParseVerificationToken(rawToken)
	if err != nil {
		if errors.Is(err, token.ErrVerificationExpired) {
			return failed + "token_expired"
		}
		return failed + "token_invalid"
	}

	v, err := s.store.Users.GetVerificationByHash(ctx, s.tokens.Hash(rawToken), domain.VerificationEmail)
	if err != nil {
		return failed + "token_invalid"
	}
	// marking used is the race winner; a concurrent verify loses here
	if err := s.store.Users.MarkVerificationUsed(ctx, v.ID); err != nil {
		return failed + "token_invalid"
	}
	if err := s.store.Users.SetEmailVerified(ctx, claims.UserID, true); err != nil {
		s.logger.Error("setting email verified", "user_id", claims.UserID, "error", err)
		return failed + "internal"
	}

	s.logger.Info("email verified", "user_id", claims.UserID)
	return s.frontendURL + "/auth/verify-success"
}

// =============================================================================
// Login & Refresh
// =============================================================================

// Login checks password credentials and issues a token pair
func (s *Service) Login(ctx context.Context, emailAddr, password string) (*TokenPair, error) {
	user, err := s.store.Users.GetUserByEmail(ctx, emailAddr)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, invalidCredentials()
	}
	if err != nil {
		return nil, err
	}
	if user.DeletedAt != nil {
		return nil, domain.NewError(domain.CodeAccountDeletionInProgress,
			"this account is being deleted")
	}
	if user.IdentityProvider != domain.IdentityProviderEmail {
		return nil, invalidCredentials()
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, invalidCredentials()
	}
	if !user.EmailVerified {
		return nil, domain.NewError(domain.CodeEmailNotVerified, "email address not verified")
	}
	return s.issueTokens(ctx, user, nil)
}

// Refresh rotates the refresh token and issues a new access token. The
// acting organization, when provided, is revalidated against the membership.
func (s *Service) Refresh(ctx context.Context, rawRefreshToken string, actAs *domain.ActAs) (*TokenPair, error) {
	hash := s.tokens.Hash(rawRefreshToken)
	stored, err := s.store.Users.GetRefreshTokenByHash(ctx, hash)
	if err != nil {
		return nil, domain.NewError(domain.CodeTokenInvalid, "invalid refresh token")
	}
	user, err := s.store.Users.GetUserByID(ctx, stored.UserID)
	if err != nil || user.DeletedAt != nil {
		return nil, domain.NewError(domain.CodeTokenInvalid, "invalid refresh token")
	}

	// rotation: the presented token is single-use
	if err := s.store.Users.DeleteRefreshToken(ctx, hash); err != nil {
		return nil, err
	}

	if actAs != nil {
		m, err := s.store.Orgs.GetMembership(ctx, actAs.OrganizationID, user.ID)
		if err != nil {
			actAs = nil
		} else {
			actAs = &domain.ActAs{OrganizationID: m.OrganizationID, Role: m.Role}
		}
	}
	return s.issueTokens(ctx, user, actAs)
}

// Logout revokes the presented refresh token
func (s *Service) Logout(ctx context.Context, rawRefreshToken string) error {
	if rawRefreshToken == "" {
		return nil
	}
	return s.store.Users.DeleteRefreshToken(ctx, s.tokens.Hash(rawRefreshToken))
}

// ActAs re-issues the access token bound to one of the user's organizations
func (s *Service) ActAs(ctx context.Context, identity *domain.Identity, orgID string) (string, error) {
	m, err := s.store.Orgs.GetMembership(ctx, orgID, identity.UserID)
	if err != nil {
		return "", domain.NewError(domain.CodeNotPermitted,
			"not a member of organization %s", orgID)
	}
	user, err := s.store.Users.GetUserByID(ctx, identity.UserID)
	if err != nil {
		return "", err
	}
	return s.tokens.SignAccessToken(user, &domain.ActAs{
		OrganizationID: m.OrganizationID,
		Role:           m.Role,
	})
}

func (s *Service) issueTokens(ctx context.Context, user *domain.User, actAs *domain.ActAs) (*TokenPair, error) {
	access, err := s.tokens.SignAccessToken(user, actAs)
	if err != nil {
		return nil, err
	}
	rawRefresh, refreshHash, err := s.tokens.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := s.store.Users.CreateRefreshToken(ctx, &domain.UserRefreshToken{
		UserID:    user.ID,
		TokenHash: refreshHash,
		ExpiresAt: time.Now().Add(s.refreshTTL),
	}); err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: rawRefresh,
		RefreshTTL:   s.refreshTTL,
	}, nil
}

// =============================================================================
// Profile & Account Deletion
// =============================================================================

// Profile is the caller's user record plus their organization memberships
type Profile struct {
	User          *domain.User          `json:"user"`
	Organizations []ProfileOrganization `json:"organizations"`
}

type ProfileOrganization struct {
	ID   string                  `json:"id"`
	Name string                  `json:"name"`
	Role domain.OrganizationRole `json:"role"`
}

// GetProfile returns the user and the organizations they belong to
func (s *Service) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	user, err := s.store.Users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	memberships, err := s.store.Orgs.ListUserMemberships(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := &Profile{User: user}
	for _, m := range memberships {
		org, err := s.store.Orgs.GetOrganization(ctx, m.OrganizationID)
		if err != nil {
			continue
		}
		p.Organizations = append(p.Organizations, ProfileOrganization{
			ID:   org.ID,
			Name: org.Name,
			Role: m.Role,
		})
	}
	return p, nil
}

// DeleteAccount soft-deletes the user and tears down their footprint. The
// last admin of an organization with other members cannot leave it behind.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	memberships, err := s.store.Orgs.ListUserMemberships(ctx, userID)
	if err != nil {
		return err
	}
	for _, m := range memberships {
		if m.Role != domain.RoleAdmin {
			continue
		}
		admins, err := s.store.Orgs.CountAdmins(ctx, m.OrganizationID)
		if err != nil {
			return err
		}
		members, err := s.store.Orgs.CountMembers(ctx, m.OrganizationID)
		if err != nil {
			return err
		}
		if admins == 1 && members > 1 {
			return domain.NewError(domain.CodeLastAdmin,
				"promote another admin in organization %s before deleting your account", m.OrganizationID)
		}
	}

	return s.store.WithTx(ctx, func(tx *postgres.Store) error {
		for _, m := range memberships {
			if err := removeMemberFootprint(ctx, tx, m.OrganizationID, userID); err != nil {
				return err
			}
			members, err := tx.Orgs.CountMembers(ctx, m.OrganizationID)
			if err != nil {
				return err
			}
			if members == 1 {
				// sole member, the organization goes with them
				if err := tx.Orgs.DeleteOrganization(ctx, m.OrganizationID); err != nil {
					return err
				}
				continue
			}
			if err := tx.Orgs.RemoveMember(ctx, m.OrganizationID, userID); err != nil {
				return err
			}
		}
		if err := tx.Users.DeleteRefreshTokensForUser(ctx, userID); err != nil {
			return err
		}
		return tx.Users.MarkUserDeleted(ctx, userID)
	})
}

// removeMemberFootprint clears a user's resources inside one organization:
// team memberships, individual connected accounts, owned bundles and the
// sessions those bundles carried.
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

func validateRegistration(in RegisterInput) error {
	if in.Name == "" {
		return domain.NewError(domain.CodeValidationError, "name is required")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return domain.NewError(domain.CodeValidationError, "invalid email address")
	}
	if len(in.Password) < minPasswordLength {
		return domain.NewError(domain.CodeValidationError,
			"password must be at least %d characters", minPasswordLength)
	}
	return nil
}

func invalidCredentials() error {
	return domain.NewError(domain.CodeTokenInvalid, "invalid email or password")
}
