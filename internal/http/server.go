// Package http provides the control-plane REST API and the MCP gateway
// endpoint.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mcpgate/internal/audit"
	"mcpgate/internal/auth"
	"mcpgate/internal/config"
	"mcpgate/internal/domain"
	"mcpgate/internal/gateway"
	"mcpgate/internal/org"
	"mcpgate/internal/rbac"
	"mcpgate/internal/registry"
	"mcpgate/internal/subscription"
	"mcpgate/internal/telemetry"
	"mcpgate/internal/token"
)

// Server is the HTTP API server
type Server struct {
	config   *config.Config
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	tokens   *token.Manager
	auth     *auth.Service
	registry *registry.Service
	orgs     *org.Service
	billing  *subscription.Service
	audit    *audit.Service
	gateway  *gateway.Service
	mux      *http.ServeMux
}

// NewServer creates the HTTP server and registers all routes
func NewServer(
	cfg *config.Config,
	logger *slog.Logger,
	metrics *telemetry.Metrics,
	tokens *token.Manager,
	authSvc *auth.Service,
	registrySvc *registry.Service,
	orgSvc *org.Service,
	billingSvc *subscription.Service,
	auditSvc *audit.Service,
	gatewaySvc *gateway.Service,
) *Server {
	s := &Server{
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		tokens:   tokens,
		auth:     authSvc,
		registry: registrySvc,
		orgs:     orgSvc,
		billing:  billingSvc,
		audit:    auditSvc,
		gateway:  gatewaySvc,
		mux:      http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// =========================================================================
	// Auth
	// =========================================================================
	s.handle("POST /auth/register/email", s.handleRegister)
	s.handle("POST /auth/login/email", s.handleLogin)
	s.handle("GET /auth/verify-email", s.handleVerifyEmail)
	s.handle("POST /auth/resend-verification", s.handleResendVerification)
	s.handle("POST /auth/token", s.handleRefresh)
	s.handle("POST /auth/logout", s.handleLogout)
	s.handle("GET /auth/google/authorize", s.handleGoogleStart)
	s.handle("POST /auth/google/authorize", s.handleGoogleStart)
	s.handle("GET /auth/google/callback", s.handleGoogleCallback)
	s.handle("GET /auth/profile", s.withIdentity(s.handleGetProfile))
	s.handle("POST /auth/act-as", s.withIdentity(s.handleActAs))
	s.handle("DELETE /auth/account", s.withIdentity(s.handleDeleteAccount))

	// =========================================================================
	// Organizations, members, invitations, teams
	// =========================================================================
	s.handle("POST /organizations", s.withIdentity(s.handleCreateOrganization))
	s.handle("GET /organizations/current", s.withPrincipal(s.handleGetOrganization))
	s.handle("PATCH /organizations/current", s.withPrincipal(s.handleUpdateOrganization))
	s.handle("GET /organizations/current/members", s.withPrincipal(s.handleListMembers))
	s.handle("PATCH /organizations/current/members/{user_id}", s.withPrincipal(s.handleUpdateMemberRole))
	s.handle("DELETE /organizations/current/members/{user_id}", s.withPrincipal(s.handleRemoveMember))
	s.handle("POST /organizations/current/invitations", s.withPrincipal(s.handleInvite))
	s.handle("GET /organizations/current/invitations", s.withPrincipal(s.handleListInvitations))
	s.handle("DELETE /organizations/current/invitations/{id}", s.withPrincipal(s.handleRevokeInvitation))
	s.handle("POST /invitations/accept", s.withIdentity(s.handleAcceptInvitation))

	s.handle("POST /teams", s.withPrincipal(s.handleCreateTeam))
	s.handle("GET /teams", s.withPrincipal(s.handleListTeams))
	s.handle("PATCH /teams/{id}", s.withPrincipal(s.handleUpdateTeam))
	s.handle("DELETE /teams/{id}", s.withPrincipal(s.handleDeleteTeam))
	s.handle("GET /teams/{id}/members", s.withPrincipal(s.handleListTeamMembers))
	s.handle("PUT /teams/{id}/members/{user_id}", s.withPrincipal(s.handleAddTeamMember))
	s.handle("DELETE /teams/{id}/members/{user_id}", s.withPrincipal(s.handleRemoveTeamMember))

	// =========================================================================
	// MCP servers, configurations, connected accounts, bundles
	// =========================================================================
	s.handle("POST /mcp-servers", s.withPrincipal(s.handleCreateServer))
	s.handle("GET /mcp-servers", s.withPrincipal(s.handleListServers))
	s.handle("GET /mcp-servers/{id}", s.withPrincipal(s.handleGetServer))
	s.handle("PATCH /mcp-servers/{id}", s.withPrincipal(s.handleUpdateServer))
	s.handle("DELETE /mcp-servers/{id}", s.withPrincipal(s.handleDeleteServer))
	s.handle("GET /mcp-servers/{id}/tools", s.withPrincipal(s.handleListServerTools))
	s.handle("POST /mcp-servers/{id}/refresh-tools", s.withPrincipal(s.handleRefreshTools))
	s.handle("POST /mcp-servers/{id}/oauth2-discovery", s.withPrincipal(s.handleDiscoverOAuth2))
	s.handle("POST /mcp-servers/{id}/oauth2-register", s.withPrincipal(s.handleRegisterOAuth2Client))

	s.handle("POST /mcp-server-configurations", s.withPrincipal(s.handleCreateConfiguration))
	s.handle("GET /mcp-server-configurations", s.withPrincipal(s.handleListConfigurations))
	s.handle("GET /mcp-server-configurations/{id}", s.withPrincipal(s.handleGetConfiguration))
	s.handle("PATCH /mcp-server-configurations/{id}", s.withPrincipal(s.handleUpdateConfiguration))
	s.handle("DELETE /mcp-server-configurations/{id}", s.withPrincipal(s.handleDeleteConfiguration))

	s.handle("POST /connected-accounts", s.withPrincipal(s.handleCreateAPIKeyAccount))
	s.handle("GET /connected-accounts", s.withPrincipal(s.handleListConnectedAccounts))
	s.handle("DELETE /connected-accounts/{id}", s.withPrincipal(s.handleDeleteConnectedAccount))
	s.handle("POST /connected-accounts/oauth2/start", s.withPrincipal(s.handleStartOAuth2Flow))
	s.handle("GET /connected-accounts/oauth2/callback", s.handleOAuth2Callback)

	s.handle("POST /bundles", s.withPrincipal(s.handleCreateBundle))
	s.handle("GET /bundles", s.withPrincipal(s.handleListBundles))
	s.handle("GET /bundles/{id}", s.withPrincipal(s.handleGetBundle))
	s.handle("PATCH /bundles/{id}", s.withPrincipal(s.handleUpdateBundle))
	s.handle("DELETE /bundles/{id}", s.withPrincipal(s.handleDeleteBundle))

	s.handle("GET /logs/tool-calls", s.withPrincipal(s.handleListLogs))

	// =========================================================================
	// Billing
	// =========================================================================
	s.handle("GET /subscription/plans", s.withIdentity(s.handleListPlans))
	s.handle("GET /organizations/{id}/subscription-status", s.withPrincipal(s.handleGetSubscription))
	s.handle("POST /organizations/{id}/change-subscription", s.withPrincipal(s.handleChangeSubscription))
	s.handle("POST /organizations/{id}/cancel-subscription", s.withPrincipal(s.handleCancelSubscription))
	s.handle("POST /subscription/stripe/webhook", s.handleStripeWebhook)

	// =========================================================================
	// MCP gateway
	// =========================================================================
	s.handle("POST /mcp/{bundle_key}", s.handleMCP)

	// =========================================================================
	// Infrastructure
	// =========================================================================
	s.handle("GET /healthz", s.handleHealth)
	if s.config.Telemetry.PrometheusEnabled {
		s.mux.Handle("GET /metrics", telemetry.Handler())
	}
}

// handle registers a pattern and instruments it with request metrics. The
// route label is the registered pattern, keeping metric cardinality bounded.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	method, route, _ := strings.Cut(pattern, " ")
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.metrics.RequestsInFlight.Inc()
		defer s.metrics.RequestsInFlight.Dec()

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rw, r)

		s.metrics.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(rw.status)).Inc()
		s.metrics.RequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the server until the context is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// Authentication middleware
// =============================================================================

// withIdentity requires a valid access token and passes the caller identity
func (s *Server) withIdentity(handler func(http.ResponseWriter, *http.Request, *domain.Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.identityFromRequest(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		handler(w, r, identity)
	}
}

// withPrincipal additionally requires an acting organization and resolves
// the caller's role and teams in it
func (s *Server) withPrincipal(handler func(http.ResponseWriter, *http.Request, rbac.Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.identityFromRequest(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		principal, err := s.registry.Principal(r.Context(), identity)
		if err != nil {
			s.writeError(w, err)
			return
		}
		handler(w, r, principal)
	}
}

func (s *Server) identityFromRequest(r *http.Request) (*domain.Identity, error) {
	authHeader := r.Header.Get("Authorization")
	tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || tokenStr == "" {
		return nil, domain.NewError(domain.CodeTokenInvalid, "missing bearer token")
	}
	claims, err := s.tokens.VerifyAccessToken(tokenStr)
	if err != nil {
		return nil, err
	}
	return &domain.Identity{
		UserID: claims.UserID,
		Email:  claims.Email,
		Name:   claims.Name,
		ActAs:  claims.ActAs,
	}, nil
}

// =============================================================================
// Request/response helpers
// =============================================================================

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxRequestSize)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.NewError(domain.CodeValidationError, "request body too large")
		}
		return domain.NewError(domain.CodeValidationError, "invalid request body")
	}
	return nil
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.Server.MaxRequestSize))
	if err != nil {
		return nil, domain.NewError(domain.CodeValidationError, "reading request body")
	}
	return body, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError renders a typed domain error with its mapped status. Anything
// else is logged and masked as an internal error.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if domErr, ok := domain.AsError(err); ok {
		s.writeJSON(w, domErr.Status(), map[string]any{"error": domErr})
		return
	}
	s.logger.Error("request failed", "error", err)
	s.writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error": &domain.Error{Code: "internal_error", Title: "internal server error"},
	})
}
