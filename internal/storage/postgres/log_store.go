package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mcpgate/internal/domain"
)

// LogStore persists the append-only tool-call audit log
type LogStore struct {
	q querier
}

// InsertToolCallLog appends one audit row
func (s *LogStore) InsertToolCallLog(ctx context.Context, l *domain.MCPToolCallLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO mcp_tool_call_logs
			(id, request_id, session_id, organization_id, user_id,
			 mcp_server_bundle_id, mcp_server_bundle_name, mcp_server_id, mcp_server_name,
			 mcp_tool_id, mcp_tool_name, mcp_server_configuration_id, mcp_server_configuration_name,
			 arguments, jsonrpc_payload, result, status, via_execute_tool,
			 started_at, ended_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		l.ID, l.RequestID, l.SessionID, l.OrganizationID, l.UserID,
		l.BundleID, l.BundleName, l.MCPServerID, l.MCPServerName,
		nullString(l.MCPToolID), l.MCPToolName,
		nullString(l.MCPServerConfigurationID), nullString(l.MCPServerConfigurationName),
		l.Arguments, nullBytes(l.JSONRPCPayload), nullBytes(l.Result),
		l.Status, l.ViaExecuteTool, l.StartedAt, l.EndedAt, l.DurationMS)
	if err != nil {
		return fmt.Errorf("inserting tool call log: %w", err)
	}
	return nil
}

// LogFilter narrows a log page; zero values mean no filter
type LogFilter struct {
	UserID      string
	MCPServerID string
	BundleID    string
	Status      domain.ToolCallStatus
	ToolName    string // case-insensitive substring match
	StartTime   time.Time
	EndTime     time.Time
}

// ListToolCallLogs returns one page of an organization's log, newest first.
// Pagination is keyset on (started_at, id) with strict comparison: one extra
// row is fetched to decide whether a next cursor exists.
func (s *LogStore) ListToolCallLogs(ctx context.Context, orgID string, filter LogFilter, cursor *domain.LogCursor, limit int) ([]domain.MCPToolCallLog, *domain.LogCursor, error) {
	query := `
		SELECT id, request_id, session_id, organization_id, user_id,
		       mcp_server_bundle_id, mcp_server_bundle_name, mcp_server_id, mcp_server_name,
		       mcp_tool_id, mcp_tool_name, mcp_server_configuration_id, mcp_server_configuration_name,
		       arguments, jsonrpc_payload, result, status, via_execute_tool,
		       started_at, ended_at, duration_ms
		FROM mcp_tool_call_logs
		WHERE organization_id = $1`
	args := []any{orgID}

	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	if filter.MCPServerID != "" {
		args = append(args, filter.MCPServerID)
		query += fmt.Sprintf(` AND mcp_server_id = $%d`, len(args))
	}
	if filter.BundleID != "" {
		args = append(args, filter.BundleID)
		query += fmt.Sprintf(` AND mcp_server_bundle_id = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.ToolName != "" {
		args = append(args, "%"+filter.ToolName+"%")
		query += fmt.Sprintf(` AND mcp_tool_name ILIKE $%d`, len(args))
	}
	if !filter.StartTime.IsZero() {
		args = append(args, filter.StartTime)
		query += fmt.Sprintf(` AND started_at >= $%d`, len(args))
	}
	if !filter.EndTime.IsZero() {
		args = append(args, filter.EndTime)
		query += fmt.Sprintf(` AND started_at <= $%d`, len(args))
	}
	if cursor != nil {
		args = append(args, cursor.StartedAt, cursor.ID)
		query += fmt.Sprintf(` AND (started_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}

	args = append(args, limit+1)
	query += fmt.Sprintf(` ORDER BY started_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("querying tool call logs: %w", err)
	}
	defer rows.Close()

	var out []domain.MCPToolCallLog
	for rows.Next() {
		var l domain.MCPToolCallLog
		var toolID, configID, configName *string
		var payload, result []byte
		if err := rows.Scan(
			&l.ID, &l.RequestID, &l.SessionID, &l.OrganizationID, &l.UserID,
			&l.BundleID, &l.BundleName, &l.MCPServerID, &l.MCPServerName,
			&toolID, &l.MCPToolName, &configID, &configName,
			&l.Arguments, &payload, &result, &l.Status, &l.ViaExecuteTool,
			&l.StartedAt, &l.EndedAt, &l.DurationMS); err != nil {
			return nil, nil, fmt.Errorf("scanning tool call log: %w", err)
		}
		l.MCPToolID = deref(toolID)
		l.MCPServerConfigurationID = deref(configID)
		l.MCPServerConfigurationName = deref(configName)
		l.JSONRPCPayload = payload
		l.Result = result
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.LogCursor
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = &domain.LogCursor{StartedAt: last.StartedAt, ID: last.ID}
	}
	return out, next, nil
}

// PurgeLogsBefore enforces retention for one organization
func (s *LogStore) PurgeLogsBefore(ctx context.Context, orgID string, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM mcp_tool_call_logs WHERE organization_id = $1 AND started_at < $2`,
		orgID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging tool call logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
