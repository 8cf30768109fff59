package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"mcpgate/internal/domain"
)

// ServerStore persists MCP servers and their synced tool catalogs
type ServerStore struct {
	q querier
}

// ============================================================================
// MCP Servers
// ============================================================================

// CreateServer inserts a server. Canonical-name collisions surface as a
// unique violation the registry retries with a fresh suffix.
func (s *ServerStore) CreateServer(ctx context.Context, srv *domain.MCPServer) error {
	srv.ID = uuid.New().String()
	now := time.Now()
	srv.CreatedAt = now
	srv.UpdatedAt = now

	authConfigs, err := json.Marshal(srv.AuthConfigs)
	if err != nil {
		return fmt.Errorf("marshaling auth configs: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO mcp_servers
			(id, canonical_name, url, transport_type, description, logo, categories,
			 auth_configs, organization_id, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		srv.ID, srv.CanonicalName, srv.URL, srv.TransportType, srv.Description, srv.Logo,
		pq.Array(srv.Categories), authConfigs, srv.OrganizationID,
		vectorOrNil(srv.Embedding), srv.CreatedAt, srv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting mcp server: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique-constraint violation,
// used to drive canonical-name retry loops.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

const serverColumns = `id, canonical_name, url, transport_type, description, logo,
	categories, auth_configs, organization_id, last_synced_at, created_at, updated_at`

func (s *ServerStore) GetServer(ctx context.Context, id string) (*domain.MCPServer, error) {
	return s.getServer(ctx, `WHERE id = $1`, id)
}

func (s *ServerStore) GetServerByName(ctx context.Context, canonicalName string) (*domain.MCPServer, error) {
	return s.getServer(ctx, `WHERE canonical_name = $1`, canonicalName)
}

func (s *ServerStore) getServer(ctx context.Context, where string, args ...any) (*domain.MCPServer, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM mcp_servers `+where, args...)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying mcp server: %w", err)
	}
	return srv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*domain.MCPServer, error) {
	srv := &domain.MCPServer{}
	var authConfigs []byte
	err := row.Scan(
		&srv.ID, &srv.CanonicalName, &srv.URL, &srv.TransportType, &srv.Description, &srv.Logo,
		pq.Array(&srv.Categories), &authConfigs, &srv.OrganizationID, &srv.LastSyncedAt,
		&srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(authConfigs, &srv.AuthConfigs); err != nil {
		return nil, fmt.Errorf("unmarshaling auth configs: %w", err)
	}
	return srv, nil
}

// ListServers returns public servers plus the organization's custom servers
func (s *ServerStore) ListServers(ctx context.Context, orgID string) ([]domain.MCPServer, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+serverColumns+` FROM mcp_servers
		WHERE organization_id IS NULL OR organization_id = $1
		ORDER BY canonical_name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("querying mcp servers: %w", err)
	}
	defer rows.Close()

	var out []domain.MCPServer
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mcp server: %w", err)
		}
		out = append(out, *srv)
	}
	return out, rows.Err()
}

// CountCustomServers backs the per-plan custom-server cap
func (s *ServerStore) CountCustomServers(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mcp_servers WHERE organization_id = $1`, orgID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting custom servers: %w", err)
	}
	return n, nil
}

// UpdateServer persists mutable server fields and the refreshed embedding
func (s *ServerStore) UpdateServer(ctx context.Context, srv *domain.MCPServer) error {
	srv.UpdatedAt = time.Now()
	authConfigs, err := json.Marshal(srv.AuthConfigs)
	if err != nil {
		return fmt.Errorf("marshaling auth configs: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		UPDATE mcp_servers
		SET url = $2, transport_type = $3, description = $4, logo = $5, categories = $6,
		    auth_configs = $7, embedding = COALESCE($8, embedding), updated_at = $9
		WHERE id = $1`,
		srv.ID, srv.URL, srv.TransportType, srv.Description, srv.Logo, pq.Array(srv.Categories),
		authConfigs, vectorOrNil(srv.Embedding), srv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating mcp server: %w", err)
	}
	return nil
}

// SetLastSyncedAt records a completed catalog sync
func (s *ServerStore) SetLastSyncedAt(ctx context.Context, serverID string, t time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE mcp_servers SET last_synced_at = $2, updated_at = NOW() WHERE id = $1`,
		serverID, t)
	if err != nil {
		return fmt.Errorf("setting last_synced_at: %w", err)
	}
	return nil
}

// DeleteServer removes the server; tools cascade
func (s *ServerStore) DeleteServer(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting mcp server: %w", err)
	}
	return nil
}

// ============================================================================
// MCP Tools
// ============================================================================

const toolColumns = `id, mcp_server_id, name, description, input_schema, tool_metadata, created_at, updated_at`

func (s *ServerStore) CreateTool(ctx context.Context, t *domain.MCPTool) error {
	t.ID = uuid.New().String()
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	metadata, err := json.Marshal(t.ToolMetadata)
	if err != nil {
		return fmt.Errorf("marshaling tool metadata: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO mcp_tools
			(id, mcp_server_id, name, description, input_schema, tool_metadata, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.MCPServerID, t.Name, t.Description, []byte(t.InputSchema), metadata,
		vectorOrNil(t.Embedding), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting mcp tool: %w", err)
	}
	return nil
}

// UpdateTool persists refreshed tool content. A nil embedding keeps the
// stored one, so unchanged tools skip re-embedding.
func (s *ServerStore) UpdateTool(ctx context.Context, t *domain.MCPTool) error {
	t.UpdatedAt = time.Now()
	metadata, err := json.Marshal(t.ToolMetadata)
	if err != nil {
		return fmt.Errorf("marshaling tool metadata: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		UPDATE mcp_tools
		SET description = $2, input_schema = $3, tool_metadata = $4,
		    embedding = COALESCE($5, embedding), updated_at = $6
		WHERE id = $1`,
		t.ID, t.Description, []byte(t.InputSchema), metadata, vectorOrNil(t.Embedding), t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating mcp tool: %w", err)
	}
	return nil
}

// DeleteTools removes tools by id
func (s *ServerStore) DeleteTools(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q.ExecContext(ctx, `DELETE FROM mcp_tools WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("deleting mcp tools: %w", err)
	}
	return nil
}

func (s *ServerStore) GetToolByName(ctx context.Context, name string) (*domain.MCPTool, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM mcp_tools WHERE name = $1`, name)
	t, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying mcp tool: %w", err)
	}
	return t, nil
}

func (s *ServerStore) ListToolsByServer(ctx context.Context, serverID string) ([]domain.MCPTool, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+toolColumns+` FROM mcp_tools WHERE mcp_server_id = $1 ORDER BY name`, serverID)
	if err != nil {
		return nil, fmt.Errorf("querying mcp tools: %w", err)
	}
	defer rows.Close()
	return collectTools(rows)
}

func (s *ServerStore) ListToolsByIDs(ctx context.Context, ids []string) ([]domain.MCPTool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+toolColumns+` FROM mcp_tools WHERE id = ANY($1) ORDER BY name`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("querying mcp tools: %w", err)
	}
	defer rows.Close()
	return collectTools(rows)
}

func scanTool(row rowScanner) (*domain.MCPTool, error) {
	t := &domain.MCPTool{}
	var schema, metadata []byte
	err := row.Scan(&t.ID, &t.MCPServerID, &t.Name, &t.Description, &schema, &metadata,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.InputSchema = json.RawMessage(schema)
	if err := json.Unmarshal(metadata, &t.ToolMetadata); err != nil {
		return nil, fmt.Errorf("unmarshaling tool metadata: %w", err)
	}
	return t, nil
}

func collectTools(rows *sql.Rows) ([]domain.MCPTool, error) {
	var out []domain.MCPTool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mcp tool: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ============================================================================
// Tool Search
// ============================================================================

// ToolSearchResult is one ranked search hit
type ToolSearchResult struct {
	Tool       domain.MCPTool
	Similarity float64
}

// SearchTools ranks the accessible tool set. The accessible set is the union
// of every tool on fully-enabled servers and the explicitly enabled tool ids.
// With an embedding, results rank by cosine similarity; without one they
// come back in name order.
func (s *ServerStore) SearchTools(ctx context.Context, embedding []float32, allToolServerIDs, enabledToolIDs []string, limit, offset int) ([]ToolSearchResult, error) {
	if len(allToolServerIDs) == 0 && len(enabledToolIDs) == 0 {
		return nil, nil
	}

	var rows *sql.Rows
	var err error
	if len(embedding) > 0 {
		rows, err = s.q.QueryContext(ctx, `
			SELECT `+toolColumns+`, 1 - (embedding <=> $1::vector) AS similarity
			FROM mcp_tools
			WHERE embedding IS NOT NULL
			  AND (mcp_server_id = ANY($2) OR id = ANY($3))
			ORDER BY similarity DESC
			LIMIT $4 OFFSET $5`,
			pgvector.NewVector(embedding), pq.Array(allToolServerIDs), pq.Array(enabledToolIDs),
			limit, offset)
	} else {
		rows, err = s.q.QueryContext(ctx, `
			SELECT `+toolColumns+`, 0::float8 AS similarity
			FROM mcp_tools
			WHERE mcp_server_id = ANY($1) OR id = ANY($2)
			ORDER BY name
			LIMIT $3 OFFSET $4`,
			pq.Array(allToolServerIDs), pq.Array(enabledToolIDs), limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("searching tools: %w", err)
	}
	defer rows.Close()

	var out []ToolSearchResult
	for rows.Next() {
		var r ToolSearchResult
		var schema, metadata []byte
		if err := rows.Scan(
			&r.Tool.ID, &r.Tool.MCPServerID, &r.Tool.Name, &r.Tool.Description, &schema, &metadata,
			&r.Tool.CreatedAt, &r.Tool.UpdatedAt, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		r.Tool.InputSchema = json.RawMessage(schema)
		if err := json.Unmarshal(metadata, &r.Tool.ToolMetadata); err != nil {
			return nil, fmt.Errorf("unmarshaling tool metadata: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListToolNames returns the platform names of the accessible tool set,
// used for nearest-name suggestions.
func (s *ServerStore) ListToolNames(ctx context.Context, allToolServerIDs, enabledToolIDs []string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT name FROM mcp_tools
		WHERE mcp_server_id = ANY($1) OR id = ANY($2)
		ORDER BY name`,
		pq.Array(allToolServerIDs), pq.Array(enabledToolIDs))
	if err != nil {
		return nil, fmt.Errorf("querying tool names: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning tool name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// vectorOrNil converts an embedding for storage, mapping empty to NULL
func vectorOrNil(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	return pgvector.NewVector(embedding)
}
