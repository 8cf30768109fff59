package http

import (
	"net/http"
	"strconv"
	"time"

	"mcpgate/internal/audit"
	"mcpgate/internal/domain"
	"mcpgate/internal/rbac"
	"mcpgate/internal/registry"
)

// =============================================================================
// MCP servers
// =============================================================================

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	var in registry.CreateServerInput
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	srv, err := s.registry.CreateServer(r.Context(), p, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, srv)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	servers, err := s.registry.ListServers(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"mcp_servers": servers})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	srv, err := s.registry.GetServer(r.Context(), p, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, srv)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	var in registry.UpdateServerInput
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	srv, err := s.registry.UpdateServer(r.Context(), p, r.PathValue("id"), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, srv)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	if err := s.registry.DeleteServer(r.Context(), p, r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListServerTools(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	tools, err := s.registry.ListServerTools(r.Context(), p, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleRefreshTools(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	result, err := s.registry.RefreshTools(r.Context(), p, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDiscoverOAuth2(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	metadata, err := s.registry.DiscoverOAuth2(r.Context(), p, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, metadata)
}

func (s *Server) handleRegisterOAuth2Client(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	srv, err := s.registry.RegisterOAuth2Client(r.Context(), p, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, srv)
}

// =============================================================================
// Configurations
// =============================================================================

func (s *Server) handleCreateConfiguration(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	var in registry.CreateConfigurationInput
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	cfg, err := s.registry.CreateConfiguration(r.Context(), p, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleListConfigurations(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	configurations, err := s.registry.ListConfigurations(r.Context(), p, r.URL.Query().Get("mcp_server_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"configurations": configurations})
}

func (s *Server) handleGetConfiguration(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	cfg, err := s.registry.GetConfiguration(r.Context(), p, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateConfiguration(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	var in registry.UpdateConfigurationInput
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	cfg, err := s.registry.UpdateConfiguration(r.Context(), p, r.PathValue("id"), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteConfiguration(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	if err := s.registry.DeleteConfiguration(r.Context(), p, r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Connected accounts
// =============================================================================

func (s *Server) handleCreateAPIKeyAccount(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	var in registry.CreateAPIKeyAccountInput
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	account, err := s.registry.CreateAPIKeyAccount(r.Context(), p, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleListConnectedAccounts(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	accounts, err := s.registry.ListConnectedAccounts(r.Context(), p, r.URL.Query().Get("configuration_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"connected_accounts": accounts})
}

func (s *Server) handleDeleteConnectedAccount(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	if err := s.registry.DeleteConnectedAccount(r.Context(), p, r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartOAuth2Flow(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	var in registry.StartOAuth2FlowInput
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	authorizeURL, err := s.registry.StartOAuth2Flow(r.Context(), p, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"authorization_url": authorizeURL})
}

// handleOAuth2Callback is the provider redirect target. State carries the
// flow context, so no bearer token is required here.
func (s *Server) handleOAuth2Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURL, err := s.registry.CompleteOAuth2Flow(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		s.logger.Warn("oauth2 callback failed", "error", err)
		http.Redirect(w, r, s.config.Server.FrontendURL+"/connected-accounts?error=oauth2_failed", http.StatusFound)
		return
	}
	if redirectURL == "" {
		redirectURL = s.config.Server.FrontendURL + "/connected-accounts?connected=true"
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// =============================================================================
// Bundles
// =============================================================================

func (s *Server) handleCreateBundle(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	var in registry.CreateBundleInput
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	bundle, err := s.registry.CreateBundle(r.Context(), p, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, bundle)
}

func (s *Server) handleListBundles(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	bundles, err := s.registry.ListBundles(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"bundles": bundles})
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	bundle, err := s.registry.GetBundle(r.Context(), p, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleUpdateBundle(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	var in registry.UpdateBundleInput
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	bundle, err := s.registry.UpdateBundle(r.Context(), p, r.PathValue("id"), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleDeleteBundle(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	if err := s.registry.DeleteBundle(r.Context(), p, r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Tool call logs
// =============================================================================

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	startTime, err := parseTimeParam("start_time", q.Get("start_time"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	endTime, err := parseTimeParam("end_time", q.Get("end_time"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.audit.List(r.Context(), p, audit.ListInput{
		UserID:      q.Get("user_id"),
		MCPServerID: q.Get("mcp_server_id"),
		BundleID:    q.Get("bundle_id"),
		Status:      q.Get("status"),
		ToolName:    q.Get("mcp_tool_name"),
		StartTime:   startTime,
		EndTime:     endTime,
		Cursor:      q.Get("cursor"),
		Limit:       limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// parseTimeParam parses an optional RFC 3339 query parameter
func parseTimeParam(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, domain.NewError(domain.CodeValidationError,
			"%s must be an RFC 3339 timestamp", name)
	}
	return t, nil
}
