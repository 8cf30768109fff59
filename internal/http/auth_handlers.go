package http

import (
	"net/http"
	"time"

	"mcpgate/internal/auth"
	"mcpgate/internal/domain"
)

const refreshCookieName = "mcpgate_refresh"

// setRefreshCookie stores the refresh token scoped to the auth endpoints
func (s *Server) setRefreshCookie(w http.ResponseWriter, pair *auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.RefreshToken,
		Path:     "/auth",
		MaxAge:   int(pair.RefreshTTL / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) refreshTokenFromRequest(r *http.Request, bodyToken string) string {
	if bodyToken != "" {
		return bodyToken
	}
	if c, err := r.Cookie(refreshCookieName); err == nil {
		return c.Value
	}
	return ""
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in auth.RegisterInput
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	pair, err := s.auth.Register(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// a re-sent verification for an existing signup carries no session
	if pair != nil {
		s.setRefreshCookie(w, pair)
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"message": "verification email sent",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	pair, err := s.auth.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.setRefreshCookie(w, pair)
	s.writeJSON(w, http.StatusOK, pair)
}

// handleVerifyEmail is a browser link target; the outcome is reported by
// redirecting to the frontend.
func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	target := s.auth.VerifyEmail(r.Context(), r.URL.Query().Get("token"))
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.auth.ResendVerification(r.Context(), in.Email); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "verification email sent",
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken        string `json:"refresh_token,omitempty"`
		ActAsOrganizationID string `json:"act_as,omitempty"`
	}
	// body is optional, the cookie alone is enough
	if r.ContentLength > 0 {
		if err := s.decodeJSON(w, r, &in); err != nil {
			s.writeError(w, err)
			return
		}
	}
	raw := s.refreshTokenFromRequest(r, in.RefreshToken)
	if raw == "" {
		s.writeError(w, domain.NewError(domain.CodeTokenInvalid, "missing refresh token"))
		return
	}

	var actAs *domain.ActAs
	if in.ActAsOrganizationID != "" {
		actAs = &domain.ActAs{OrganizationID: in.ActAsOrganizationID}
	}
	pair, err := s.auth.Refresh(r.Context(), raw, actAs)
	if err != nil {
		s.clearRefreshCookie(w)
		s.writeError(w, err)
		return
	}
	s.setRefreshCookie(w, pair)
	s.writeJSON(w, http.StatusOK, map[string]string{"token": pair.AccessToken})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context(), s.refreshTokenFromRequest(r, "")); err != nil {
		s.writeError(w, err)
		return
	}
	s.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGoogleStart(w http.ResponseWriter, r *http.Request) {
	state, err := s.tokens.SignState(struct{}{}, 10*time.Minute)
	if err != nil {
		s.writeError(w, err)
		return
	}
	target, err := s.auth.GoogleAuthURL(state)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	var state struct{}
	if err := s.tokens.ParseState(r.URL.Query().Get("state"), &state); err != nil {
		http.Redirect(w, r, s.config.Server.FrontendURL+"/login?error=sso_state_invalid", http.StatusFound)
		return
	}
	pair, err := s.auth.GoogleLogin(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		s.logger.Warn("google login failed", "error", err)
		http.Redirect(w, r, s.config.Server.FrontendURL+"/login?error=sso_failed", http.StatusFound)
		return
	}
	s.setRefreshCookie(w, pair)
	http.Redirect(w, r, s.config.Server.FrontendURL+"/login?sso=google", http.StatusFound)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request, identity *domain.Identity) {
	profile, err := s.auth.GetProfile(r.Context(), identity.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleActAs(w http.ResponseWriter, r *http.Request, identity *domain.Identity) {
	var in struct {
		OrganizationID string `json:"organization_id"`
	}
	if err := s.decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	accessToken, err := s.auth.ActAs(r.Context(), identity, in.OrganizationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"access_token": accessToken})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request, identity *domain.Identity) {
	if err := s.auth.DeleteAccount(r.Context(), identity.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	s.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}
