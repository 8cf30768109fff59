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

// UserStore persists users, verification records and refresh tokens
type UserStore struct {
	q querier
}

// ============================================================================
// Users
// ============================================================================

// CreateUser inserts a new user, assigning its id
func (s *UserStore) CreateUser(ctx context.Context, u *domain.User) error {
	u.ID = uuid.New().String()
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now

	var passwordHash *string
	if u.PasswordHash != "" {
		passwordHash = &u.PasswordHash
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (id, name, email, identity_provider, password_hash, email_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Name, u.Email, u.IdentityProvider, passwordHash, u.EmailVerified, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (s *UserStore) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return s.getUser(ctx, `WHERE id = $1`, id)
}

func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.getUser(ctx, `WHERE email = $1`, email)
}

func (s *UserStore) getUser(ctx context.Context, where string, args ...any) (*domain.User, error) {
	u := &domain.User{}
	var passwordHash sql.NullString
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, email, identity_provider, password_hash, email_verified, deleted_at, created_at, updated_at
		FROM users `+where, args...).Scan(
		&u.ID, &u.Name, &u.Email, &u.IdentityProvider, &passwordHash, &u.EmailVerified,
		&u.DeletedAt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u.PasswordHash = passwordHash.String
	return u, nil
}

// UpdateUser persists mutable profile fields
func (s *UserStore) UpdateUser(ctx context.Context, u *domain.User) error {
	u.UpdatedAt = time.Now()
	_, err := s.q.ExecContext(ctx, `
		UPDATE users SET name = $2, email = $3, email_verified = $4, password_hash = $5, updated_at = $6
		WHERE id = $1`,
		u.ID, u.Name, u.Email, u.EmailVerified, nullString(u.PasswordHash), u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	return nil
}

// SetEmailVerified flips the verification flag
func (s *UserStore) SetEmailVerified(ctx context.Context, userID string, verified bool) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE users SET email_verified = $2, updated_at = NOW() WHERE id = $1`,
		userID, verified)
	if err != nil {
		return fmt.Errorf("setting email_verified: %w", err)
	}
	return nil
}

// MarkUserDeleted soft-deletes the user; hard removal happens out of band
func (s *UserStore) MarkUserDeleted(ctx context.Context, userID string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE users SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		userID)
	if err != nil {
		return fmt.Errorf("marking user deleted: %w", err)
	}
	return nil
}

// DeleteUser removes the row; cascades take memberships, tokens and
// individual connected accounts with it.
func (s *UserStore) DeleteUser(ctx context.Context, userID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	return nil
}

// ============================================================================
// Verifications
// ============================================================================

// CreateVerification stores a one-time token digest
func (s *UserStore) CreateVerification(ctx context.Context, v *domain.UserVerification) error {
	v.ID = uuid.New().String()
	v.CreatedAt = time.Now()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO user_verifications (id, user_id, type, token_hash, email_metadata, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.UserID, v.Type, v.TokenHash, v.EmailMetadata, v.ExpiresAt, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting verification: %w", err)
	}
	return nil
}

// GetVerificationByHash looks up an unused, unexpired verification record
func (s *UserStore) GetVerificationByHash(ctx context.Context, hash string, typ domain.VerificationType) (*domain.UserVerification, error) {
	v := &domain.UserVerification{}
	err := s.q.QueryRowContext(ctx, `
		SELECT id, user_id, type, token_hash, email_metadata, expires_at, used_at, created_at
		FROM user_verifications
		WHERE token_hash = $1 AND type = $2 AND used_at IS NULL AND expires_at > NOW()`,
		hash, typ).Scan(
		&v.ID, &v.UserID, &v.Type, &v.TokenHash, &v.EmailMetadata, &v.ExpiresAt, &v.UsedAt, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying verification: %w", err)
	}
	return v, nil
}

// MarkVerificationUsed consumes the token. Returns ErrNotFound when it was
// already used, which makes consumption race-safe.
func (s *UserStore) MarkVerificationUsed(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE user_verifications SET used_at = NOW() WHERE id = $1 AND used_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("marking verification used: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteVerificationsForUser drops pending tokens of one type, used when a
// newer token supersedes them.
func (s *UserStore) DeleteVerificationsForUser(ctx context.Context, userID string, typ domain.VerificationType) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM user_verifications WHERE user_id = $1 AND type = $2 AND used_at IS NULL`,
		userID, typ)
	if err != nil {
		return fmt.Errorf("deleting verifications: %w", err)
	}
	return nil
}

// ============================================================================
// Refresh Tokens
// ============================================================================

// CreateRefreshToken stores a refresh token digest
func (s *UserStore) CreateRefreshToken(ctx context.Context, t *domain.UserRefreshToken) error {
	t.ID = uuid.New().String()
	t.CreatedAt = time.Now()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO user_refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

// GetRefreshTokenByHash looks up an unexpired refresh token record
func (s *UserStore) GetRefreshTokenByHash(ctx context.Context, hash string) (*domain.UserRefreshToken, error) {
	t := &domain.UserRefreshToken{}
	err := s.q.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, created_at
		FROM user_refresh_tokens
		WHERE token_hash = $1 AND expires_at > NOW()`, hash).Scan(
		&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying refresh token: %w", err)
	}
	return t, nil
}

// DeleteRefreshToken revokes a single token by digest
func (s *UserStore) DeleteRefreshToken(ctx context.Context, hash string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM user_refresh_tokens WHERE token_hash = $1`, hash)
	if err != nil {
		return fmt.Errorf("deleting refresh token: %w", err)
	}
	return nil
}

// DeleteRefreshTokensForUser revokes every session of one user
func (s *UserStore) DeleteRefreshTokensForUser(ctx context.Context, userID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM user_refresh_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("deleting refresh tokens: %w", err)
	}
	return nil
}

// DeleteExpiredRefreshTokens reaps stale rows; called periodically
func (s *UserStore) DeleteExpiredRefreshTokens(ctx context.Context) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM user_refresh_tokens WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("deleting expired refresh tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeDeletedUsers hard-deletes users soft-deleted longer than grace ago
func (s *UserStore) PurgeDeletedUsers(ctx context.Context, grace time.Duration) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM users WHERE deleted_at IS NOT NULL AND deleted_at <= $1`,
		time.Now().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("purging deleted users: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
