package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mcpgate/internal/domain"
)

// SessionStore persists gateway sessions and their upstream session map
type SessionStore struct {
	q querier
}

func (s *SessionStore) CreateSession(ctx context.Context, sess *domain.MCPSession) error {
	sess.ID = uuid.New().String()
	now := time.Now()
	sess.CreatedAt = now
	sess.LastAccessedAt = now
	if sess.ExternalMCPSessions == nil {
		sess.ExternalMCPSessions = make(map[string]string)
	}

	external, err := json.Marshal(sess.ExternalMCPSessions)
	if err != nil {
		return fmt.Errorf("marshaling external sessions: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO mcp_sessions (id, bundle_id, external_mcp_sessions, deleted, last_accessed_at, created_at)
		VALUES ($1, $2, $3, FALSE, $4, $5)`,
		sess.ID, sess.BundleID, external, sess.LastAccessedAt, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession returns a live session. Deleted sessions behave as absent.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*domain.MCPSession, error) {
	sess := &domain.MCPSession{}
	var external []byte
	err := s.q.QueryRowContext(ctx, `
		SELECT id, bundle_id, external_mcp_sessions, deleted, last_accessed_at, created_at
		FROM mcp_sessions WHERE id = $1 AND deleted = FALSE`, id).Scan(
		&sess.ID, &sess.BundleID, &external, &sess.Deleted, &sess.LastAccessedAt, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	if err := json.Unmarshal(external, &sess.ExternalMCPSessions); err != nil {
		return nil, fmt.Errorf("unmarshaling external sessions: %w", err)
	}
	return sess, nil
}

// UpdateExternalSessions persists a changed upstream session map and
// refreshes the idle clock.
func (s *SessionStore) UpdateExternalSessions(ctx context.Context, id string, external map[string]string) error {
	raw, err := json.Marshal(external)
	if err != nil {
		return fmt.Errorf("marshaling external sessions: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		UPDATE mcp_sessions SET external_mcp_sessions = $2, last_accessed_at = NOW()
		WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("updating external sessions: %w", err)
	}
	return nil
}

// TouchSession refreshes the idle clock
func (s *SessionStore) TouchSession(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE mcp_sessions SET last_accessed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// MarkSessionDeleted tombstones the session; subsequent lookups miss
func (s *SessionStore) MarkSessionDeleted(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE mcp_sessions SET deleted = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking session deleted: %w", err)
	}
	return nil
}

// DeleteSessionsForBundle tombstones every session of a bundle, used when
// the bundle is deleted or its key rotated.
func (s *SessionStore) DeleteSessionsForBundle(ctx context.Context, bundleID string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE mcp_sessions SET deleted = TRUE WHERE bundle_id = $1`, bundleID)
	if err != nil {
		return fmt.Errorf("deleting bundle sessions: %w", err)
	}
	return nil
}

// PurgeStaleSessions removes sessions idle past the TTL plus tombstones,
// called periodically.
func (s *SessionStore) PurgeStaleSessions(ctx context.Context, idleTTL time.Duration) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM mcp_sessions
		WHERE deleted = TRUE OR last_accessed_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(idleTTL.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("purging sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
