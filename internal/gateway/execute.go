package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"mcpgate/internal/domain"
)

type executeToolArgs struct {
	ToolName      string          `json:"tool_name"`
	ToolArguments json.RawMessage `json:"tool_arguments"`
}

// executeTool proxies one tool call to the upstream server owning the tool.
// The bundle owner's credentials authenticate the call; an upstream 401/403
// triggers a single token refresh and retry.
func (s *Service) executeTool(ctx context.Context, bc *bundleContext, sess *domain.MCPSession, msg *rpcMessage, rawArgs json.RawMessage) (any, error) {
	var args executeToolArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, domain.NewError(domain.CodeValidationError, "invalid EXECUTE_TOOL arguments: %v", err)
		}
	}
	if args.ToolName == "" {
		return nil, domain.NewError(domain.CodeValidationError, "tool_name is required")
	}

	entry, tool, err := s.resolveTool(ctx, bc, args.ToolName)
	if err != nil {
		return nil, err
	}

	account, creds, err := s.creds.Resolve(ctx, entry.server, entry.cfg, bc.bundle.UserID)
	if err != nil {
		return nil, err
	}
	authCfg, _ := entry.server.FindAuthConfig(entry.cfg.AuthType)

	payload := toolCallPayload(tool.ToolMetadata.CanonicalToolName, argumentsOrEmpty(args.ToolArguments))
	rawPayload, _ := json.Marshal(payload)

	started := time.Now()
	result, callErr := s.callUpstream(ctx, sess, entry, authCfg, creds, account, payload)
	ended := time.Now()

	status := domain.ToolCallSuccess
	if callErr != nil {
		status = domain.ToolCallError
		s.metrics.UpstreamErrors.WithLabelValues(entry.server.CanonicalName, "tool_call").Inc()
	}
	s.metrics.ToolCalls.WithLabelValues(entry.server.CanonicalName, string(status)).Inc()
	s.metrics.UpstreamLatency.WithLabelValues(entry.server.CanonicalName, "tools/call").Observe(ended.Sub(started).Seconds())

	s.audit.Record(ctx, &domain.MCPToolCallLog{
		RequestID:                  uuid.New().String(),
		SessionID:                  sess.ID,
		OrganizationID:             bc.bundle.OrganizationID,
		UserID:                     bc.bundle.UserID,
		BundleID:                   bc.bundle.ID,
		BundleName:                 bc.bundle.Name,
		MCPServerID:                entry.server.ID,
		MCPServerName:              entry.server.CanonicalName,
		MCPToolID:                  tool.ID,
		MCPToolName:                tool.Name,
		MCPServerConfigurationID:   entry.cfg.ID,
		MCPServerConfigurationName: entry.cfg.Name,
		Arguments:                  string(argumentsOrEmpty(args.ToolArguments)),
		JSONRPCPayload:             rawPayload,
		Result:                     result,
		Status:                     status,
		ViaExecuteTool:             true,
		StartedAt:                  started,
		EndedAt:                    ended,
		DurationMS:                 ended.Sub(started).Milliseconds(),
	})

	if callErr != nil {
		return nil, callErr
	}
	return json.RawMessage(result), nil
}

// resolveTool finds the named tool inside the bundle's reachable scope. A
// miss or an out-of-scope tool yields tool_not_found_or_forbidden with a
// nearest-name suggestion when one is close enough.
func (s *Service) resolveTool(ctx context.Context, bc *bundleContext, toolName string) (*configEntry, *domain.MCPTool, error) {
	tool, err := s.store.Servers.GetToolByName(ctx, toolName)
	if err == nil {
		for i := range bc.configurations {
			e := &bc.configurations[i]
			if e.server.ID != tool.MCPServerID {
				continue
			}
			if e.cfg.AllToolsEnabled || containsString(e.cfg.EnabledTools, tool.ID) {
				return e, tool, nil
			}
		}
	}

	suggestion, serr := s.nearestToolName(ctx, bc, toolName)
	if serr != nil {
		s.logger.Warn("computing tool suggestion", "tool", toolName, "error", serr)
	}
	if suggestion != "" {
		return nil, nil, domain.NewError(domain.CodeToolNotFoundOrForbidden,
			"tool %s is not available through this bundle, did you mean %s?", toolName, suggestion)
	}
	return nil, nil, domain.NewError(domain.CodeToolNotFoundOrForbidden,
		"tool %s is not available through this bundle", toolName)
}

// nearestToolName returns the in-scope tool name closest to the input, if
// the edit distance stays within half the input's length.
func (s *Service) nearestToolName(ctx context.Context, bc *bundleContext, toolName string) (string, error) {
	allToolServerIDs, enabledToolIDs := bc.toolScope(nil)
	names, err := s.store.Servers.ListToolNames(ctx, allToolServerIDs, enabledToolIDs)
	if err != nil {
		return "", err
	}

	best := ""
	bestDistance := len(toolName)/2 + 1
	for _, name := range names {
		if d := levenshtein.ComputeDistance(toolName, name); d < bestDistance {
			best = name
			bestDistance = d
		}
	}
	return best, nil
}

// callUpstream sends the payload over an established upstream session,
// refreshing credentials and retrying once on an auth rejection.
func (s *Service) callUpstream(ctx context.Context, sess *domain.MCPSession, entry *configEntry, authCfg *domain.AuthConfig, creds domain.AuthCredentials, account *domain.ConnectedAccount, payload map[string]any) (json.RawMessage, error) {
	upstreamSession, err := s.ensureUpstreamSession(ctx, sess, entry, authCfg, creds)
	if err != nil {
		return nil, err
	}

	result, httpStatus, err := s.forward(ctx, entry.server, authCfg, creds, upstreamSession, payload)
	if httpStatus == 401 || httpStatus == 403 {
		if account == nil || account.AuthCredentials.Type != domain.AuthOAuth2 {
			return nil, domain.NewError(domain.CodeUpstreamUnavailable,
				"server %s rejected the request with status %d", entry.server.CanonicalName, httpStatus)
		}
		refreshed, rerr := s.creds.ForceRefresh(ctx, entry.server, account)
		if rerr != nil {
			return nil, rerr
		}
		s.logger.Info("retrying upstream call after token refresh", "mcp_server", entry.server.CanonicalName)
		result, _, err = s.forward(ctx, entry.server, authCfg, refreshed, upstreamSession, payload)
	}
	return result, err
}

// ensureUpstreamSession returns the stored upstream session id for the
// server, initializing a fresh one on first use and persisting it.
func (s *Service) ensureUpstreamSession(ctx context.Context, sess *domain.MCPSession, entry *configEntry, authCfg *domain.AuthConfig, creds domain.AuthCredentials) (string, error) {
	if id, ok := sess.ExternalMCPSessions[entry.server.ID]; ok && id != "" {
		return id, nil
	}

	initPayload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    serverName,
				"version": s.version,
			},
		},
	}
	_, upstreamSession, _, err := s.forwardCapturingSession(ctx, entry.server, authCfg, creds, "", initPayload)
	if err != nil {
		return "", err
	}

	initialized := map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	}
	if _, _, err := s.forward(ctx, entry.server, authCfg, creds, upstreamSession, initialized); err != nil {
		s.logger.Warn("sending initialized notification",
			"mcp_server", entry.server.CanonicalName, "error", err)
	}

	if upstreamSession != "" {
		if sess.ExternalMCPSessions == nil {
			sess.ExternalMCPSessions = map[string]string{}
		}
		sess.ExternalMCPSessions[entry.server.ID] = upstreamSession
		if err := s.store.Sessions.UpdateExternalSessions(ctx, sess.ID, sess.ExternalMCPSessions); err != nil {
			return "", fmt.Errorf("persisting upstream session: %w", err)
		}
	}
	return upstreamSession, nil
}

// toolCallPayload is the JSON-RPC request forwarded upstream; it is also
// what the audit row records verbatim.
func toolCallPayload(canonicalName string, arguments json.RawMessage) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      canonicalName,
			"arguments": arguments,
		},
	}
}

func argumentsOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}
