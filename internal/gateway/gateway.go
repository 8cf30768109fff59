// Package gateway serves the agent-facing MCP endpoint. Each bundle key
// exposes two meta tools, SEARCH_TOOLS and EXECUTE_TOOL, behind a standard
// MCP surface; tool calls are proxied to upstream servers with the bundle
// owner's credentials.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mcpgate/internal/audit"
	"mcpgate/internal/credentials"
	"mcpgate/internal/domain"
	"mcpgate/internal/embeddings"
	"mcpgate/internal/rbac"
	"mcpgate/internal/storage/postgres"
	"mcpgate/internal/telemetry"
)

const serverName = "mcpgate"

const serverInstructions = "This gateway exposes two tools. Call SEARCH_TOOLS " +
	"to discover the tools available through this bundle, then call " +
	"EXECUTE_TOOL with a discovered tool name and its arguments to run it."

// Service handles gateway JSON-RPC traffic for bundle keys
type Service struct {
	store    *postgres.Store
	embedder embeddings.Embedder
	creds    *credentials.Service
	audit    *audit.Service
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	http     *http.Client
	timeout  time.Duration
	version  string
}

func NewService(
	store *postgres.Store,
	embedder embeddings.Embedder,
	creds *credentials.Service,
	auditSvc *audit.Service,
	logger *slog.Logger,
	metrics *telemetry.Metrics,
	upstreamTimeout time.Duration,
	version string,
) *Service {
	return &Service{
		store:    store,
		embedder: embedder,
		creds:    creds,
		audit:    auditSvc,
		logger:   logger,
		metrics:  metrics,
		http:     &http.Client{Timeout: upstreamTimeout},
		timeout:  upstreamTimeout,
		version:  version,
	}
}

// Reply is the HTTP-level outcome of one gateway message
type Reply struct {
	Status    int
	SessionID string // echoed as Mcp-Session-Id when set
	Body      *rpcResponse
}

/// bundleContext is everything resolved for one request: the bundle, its
// owner's role and teams, and the configurations the owner can still reach.
type bundleContext struct {
	bundle         *domain.MCPServerBundle
	role           domain.OrganizationRole
	teams          []string
	configurations []configEntry
}

type configEntry struct {
	cfg    *domain.MCPServerConfiguration
	server *domain.MCPServer
}

// Handle processes one JSON-RPC message addressed to a bundle key
func (s *Service) Handle(ctx context.Context, bundleKey, sessionID string, body []byte) *Reply {
	var msg rpcMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		s.metrics.GatewayRequests.WithLabelValues("invalid", "error").Inc()
		return &Reply{Status: http.StatusOK, Body: errorResponse(nil, codeParseError, "invalid JSON")}
	}

	bc, err := s.resolveBundle(ctx, bundleKey)
	if err != nil {
		s.metrics.GatewayRequests.WithLabelValues(msg.Method, "error").Inc()
		if msg.isNotification() {
			return &Reply{Status: http.StatusNotFound}
		}
		return &Reply{Status: http.StatusOK, Body: errorResponse(msg.ID, codeNotFound, "bundle not found")}
	}

	if msg.isNotification() {
		s.metrics.GatewayRequests.WithLabelValues(msg.Method, "accepted").Inc()
		return &Reply{Status: http.StatusAccepted}
	}

	reply := s.dispatch(ctx, bc, sessionID, &msg)
	outcome := "success"
	if reply.Body != nil && reply.Body.Error != nil {
		outcome = "error"
	}
	s.metrics.GatewayRequests.WithLabelValues(msg.Method, outcome).Inc()
	return reply
}

func (s *Service) dispatch(ctx context.Context, bc *bundleContext, sessionID string, msg *rpcMessage) *Reply {
	switch msg.Method {
	case "initialize":
		return s.handleInitialize(ctx, bc, msg)
	case "ping":
		return &Reply{Status: http.StatusOK, Body: resultResponse(msg.ID, struct{}{})}
	case "tools/list":
		return s.handleToolsList(msg)
	case "tools/call":
		return s.handleToolsCall(ctx, bc, sessionID, msg)
	default:
		return &Reply{
			Status: http.StatusOK,
			Body:   errorResponse(msg.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", msg.Method)),
		}
	}
}

// handleInitialize opens a gateway session and advertises the meta-tool
// surface. The session id travels back in the Mcp-Session-Id header.
func (s *Service) handleInitialize(ctx context.Context, bc *bundleContext, msg *rpcMessage) *Reply {
	sess := &domain.MCPSession{
		BundleID:            bc.bundle.ID,
		ExternalMCPSessions: map[string]string{},
	}
	if err := s.store.Sessions.CreateSession(ctx, sess); err != nil {
		s.logger.Error("creating gateway session", "bundle_id", bc.bundle.ID, "error", err)
		return &Reply{Status: http.StatusOK, Body: errorResponse(msg.ID, codeInternalError, "session creation failed")}
	}
	s.metrics.GatewaySessions.Inc()

	result := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    serverName,
			"version": s.version,
		},
		"instructions": serverInstructions,
	}
	return &Reply{Status: http.StatusOK, SessionID: sess.ID, Body: resultResponse(msg.ID, result)}
}

// handleToolsList advertises the meta-tool surface. Listing needs no
// session; only tools/call is gated on Mcp-Session-Id.
func (s *Service) handleToolsList(msg *rpcMessage) *Reply {
	result := map[string]any{"tools": metaTools()}
	return &Reply{Status: http.StatusOK, Body: resultResponse(msg.ID, result)}
}

func (s *Service) handleToolsCall(ctx context.Context, bc *bundleContext, sessionID string, msg *rpcMessage) *Reply {
	sess, reply := s.requireSession(ctx, bc, sessionID, msg)
	if reply != nil {
		return reply
	}

	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return &Reply{Status: http.StatusOK, Body: errorResponse(msg.ID, codeInvalidParams, "invalid tools/call params")}
	}

	switch params.Name {
	case searchToolsName:
		result, err := s.searchTools(ctx, bc, params.Arguments)
		return s.toolReply(msg, result, err)
	case executeToolName:
		result, err := s.executeTool(ctx, bc, sess, msg, params.Arguments)
		return s.toolReply(msg, result, err)
	default:
		return &Reply{
			Status: http.StatusOK,
			Body: errorResponse(msg.ID, codeInvalidParams,
				fmt.Sprintf("unknown tool %q, this gateway exposes %s and %s", params.Name, searchToolsName, executeToolName)),
		}
	}
}

// toolReply maps a tool outcome to MCP semantics: domain errors become error
// content in a successful JSON-RPC response, per tool-call convention.
func (s *Service) toolReply(msg *rpcMessage, result any, err error) *Reply {
	if err != nil {
		if domErr, ok := domain.AsError(err); ok {
			return &Reply{Status: http.StatusOK, Body: resultResponse(msg.ID, errorContent(domErr.Error()))}
		}
		s.logger.Error("gateway tool call failed", "method", msg.Method, "error", err)
		return &Reply{Status: http.StatusOK, Body: errorResponse(msg.ID, codeInternalError, "internal error")}
	}
	return &Reply{Status: http.StatusOK, Body: resultResponse(msg.ID, result)}
}

// requireSession loads and touches the caller's session. A missing, deleted,
// idle-expired or wrong-bundle session yields a -32004 error reply.
func (s *Service) requireSession(ctx context.Context, bc *bundleContext, sessionID string, msg *rpcMessage) (*domain.MCPSession, *Reply) {
	if sessionID == "" {
		return nil, &Reply{Status: http.StatusOK, Body: errorResponse(msg.ID, codeNotFound, "missing Mcp-Session-Id")}
	}
	sess, err := s.store.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, &Reply{Status: http.StatusOK, Body: errorResponse(msg.ID, codeNotFound, "session not found")}
	}
	ok, expired := usableSession(sess, bc.bundle.ID, time.Now())
	if !ok {
		if expired {
			_ = s.store.Sessions.MarkSessionDeleted(ctx, sess.ID)
			return nil, &Reply{Status: http.StatusOK, Body: errorResponse(msg.ID, codeNotFound, "session expired")}
		}
		return nil, &Reply{Status: http.StatusOK, Body: errorResponse(msg.ID, codeNotFound, "session not found")}
	}
	if err := s.store.Sessions.TouchSession(ctx, sess.ID); err != nil {
		s.logger.Warn("touching session", "session_id", sess.ID, "error", err)
	}
	return sess, nil
}

// usableSession decides whether a stored session serves this bundle. A
// session opened against another bundle looks missing to the caller, never
// expired, so nothing about it leaks across bundle keys.
func usableSession(sess *domain.MCPSession, bundleID string, now time.Time) (ok, expired bool) {
	if sess.BundleID != bundleID {
		return false, false
	}
	if sess.Expired(now) {
		return false, true
	}
	return true, false
}

// resolveBundle loads the bundle by key and the configurations its owner can
// still reach. Configurations behind teams the owner lost drop out silently.
func (s *Service) resolveBundle(ctx context.Context, bundleKey string) (*bundleContext, error) {
	bundle, err := s.store.Configs.GetBundleByKey(ctx, bundleKey)
	if err != nil {
		return nil, err
	}

	membership, err := s.store.Orgs.GetMembership(ctx, bundle.OrganizationID, bundle.UserID)
	if err != nil {
		return nil, err
	}
	teams, err := s.store.Orgs.ListUserTeamIDs(ctx, bundle.OrganizationID, bundle.UserID)
	if err != nil {
		return nil, err
	}

	bc := &bundleContext{bundle: bundle, role: membership.Role, teams: teams}
	for _, cfgID := range bundle.MCPServerConfigurationIDs {
		cfg, err := s.store.Configs.GetConfiguration(ctx, cfgID)
		if err != nil {
			continue // configuration deleted since the bundle was built
		}
		if bc.role != domain.RoleAdmin && !rbac.ConfigurationAccessible(bc.teams, cfg.AllowedTeams) {
			continue
		}
		server, err := s.store.Servers.GetServer(ctx, cfg.MCPServerID)
		if err != nil {
			continue
		}
		bc.configurations = append(bc.configurations, configEntry{cfg: cfg, server: server})
	}
	return bc, nil
}

// errorContent wraps a message as MCP error tool content
func errorContent(message string) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": message}},
		"isError": true,
	}
}

// textContent wraps a payload as MCP text tool content
func textContent(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}
}
