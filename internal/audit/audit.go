// Package audit records and serves the append-only tool-call log.
package audit

import (
	"context"
	"log/slog"
	"time"

	"mcpgate/internal/domain"
	"mcpgate/internal/rbac"
	"mcpgate/internal/storage/postgres"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Service writes tool-call logs off the request path and lists them for the
// control plane.
type Service struct {
	store  *postgres.Store
	acl    *rbac.Resolver
	logger *slog.Logger
}

func NewService(store *postgres.Store, acl *rbac.Resolver, logger *slog.Logger) *Service {
	return &Service{store: store, acl: acl, logger: logger}
}

// Record persists one tool-call log asynchronously. Logging never fails the
// call it describes; a write error is logged and dropped.
func (s *Service) Record(ctx context.Context, l *domain.MCPToolCallLog) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := s.store.Logs.InsertToolCallLog(ctx, l); err != nil {
			s.logger.Error("writing tool call log",
				"request_id", l.RequestID,
				"tool", l.MCPToolName,
				"error", err)
		}
	}()
}

// ListInput filters and paginates the organization's tool-call log
type ListInput struct {
	UserID      string
	MCPServerID string
	BundleID    string
	Status      string
	ToolName    string // case-insensitive substring of the tool name
	StartTime   time.Time
	EndTime     time.Time
	Cursor      string
	Limit       int
}

// ListResult is one page of logs plus the cursor for the next
type ListResult struct {
	Logs       []domain.MCPToolCallLog `json:"logs"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

// List returns a page of the acting organization's tool-call log, newest
// first. Members only see their own calls regardless of the user filter.
func (s *Service) List(ctx context.Context, p rbac.Principal, in ListInput) (*ListResult, error) {
	if err := s.acl.Check(p, domain.ActionLogsRead, nil); err != nil {
		return nil, err
	}

	filter, err := buildFilter(p, in)
	if err != nil {
		return nil, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var cursor *domain.LogCursor
	if in.Cursor != "" {
		c, err := domain.DecodeLogCursor(in.Cursor)
		if err != nil {
			return nil, domain.NewError(domain.CodeValidationError, "invalid cursor: %v", err)
		}
		cursor = &c
	}

	logs, next, err := s.store.Logs.ListToolCallLogs(ctx, p.OrganizationID, filter, cursor, limit)
	if err != nil {
		return nil, err
	}

	result := &ListResult{Logs: logs}
	if next != nil {
		result.NextCursor = domain.EncodeLogCursor(*next)
	}
	return result, nil
}

// buildFilter validates list parameters into a store filter. Members are
// pinned to their own calls regardless of the user filter.
func buildFilter(p rbac.Principal, in ListInput) (postgres.LogFilter, error) {
	var status domain.ToolCallStatus
	switch in.Status {
	case "":
	case string(domain.ToolCallSuccess), string(domain.ToolCallError):
		status = domain.ToolCallStatus(in.Status)
	default:
		return postgres.LogFilter{}, domain.NewError(domain.CodeValidationError,
			"status must be %s or %s", domain.ToolCallSuccess, domain.ToolCallError)
	}
	if !in.StartTime.IsZero() && !in.EndTime.IsZero() && in.EndTime.Before(in.StartTime) {
		return postgres.LogFilter{}, domain.NewError(domain.CodeValidationError,
			"end_time precedes start_time")
	}

	filter := postgres.LogFilter{
		UserID:      in.UserID,
		MCPServerID: in.MCPServerID,
		BundleID:    in.BundleID,
		Status:      status,
		ToolName:    in.ToolName,
		StartTime:   in.StartTime,
		EndTime:     in.EndTime,
	}
	if p.Role == domain.RoleMember {
		filter.UserID = p.UserID
	}
	return filter, nil
}
