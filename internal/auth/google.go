package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"mcpgate/internal/config"
	"mcpgate/internal/domain"
	"mcpgate/internal/storage/postgres"
)

const googleUserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// googleClient wraps the Google authorization-code flow. Nil when Google
// login is not configured.
type googleClient struct {
	oauth *oauth2.Config
}

func newGoogleClient(cfg *config.AuthConfig, baseURL string) *googleClient {
	if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
		return nil
	}
	return &googleClient{
		oauth: &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  baseURL + "/auth/google/callback",
			Scopes:       []string{"openid", "email", "profile"},
		},
	}
}

type googleUserinfo struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

func (g *googleClient) fetchUser(ctx context.Context, code string) (*googleUserinfo, error) {
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, domain.NewError(domain.CodeTokenInvalid, "google code exchange failed")
	}

	resp, err := g.oauth.Client(ctx, tok).Get(googleUserinfoURL)
	if err != nil {
		return nil, fmt.Errorf("fetching google userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google userinfo returned status %d", resp.StatusCode)
	}

	var info googleUserinfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding google userinfo: %w", err)
	}
	if info.Email == "" {
		return nil, domain.NewError(domain.CodeTokenInvalid, "google account has no email")
	}
	return &info, nil
}

// GoogleAuthURL returns the Google consent URL carrying a signed state token
func (s *Service) GoogleAuthURL(state string) (string, error) {
	if s.google == nil {
		return "", domain.NewError(domain.CodeValidationError, "google login is not configured")
	}
	return s.google.oauth.AuthCodeURL(state), nil
}

// GoogleLogin completes the Google code flow. A first-time email creates a
// verified user; an existing email logs in regardless of how it registered,
// since Google has attested the address.
func (s *Service) GoogleLogin(ctx context.Context, code string) (*TokenPair, error) {
	if s.google == nil {
		return nil, domain.NewError(domain.CodeValidationError, "google login is not configured")
	}
	info, err := s.google.fetchUser(ctx, code)
	if err != nil {
		return nil, err
	}
	if !info.EmailVerified {
		return nil, domain.NewError(domain.CodeEmailNotVerified,
			"google account email is not verified")
	}

	user, err := s.store.Users.GetUserByEmail(ctx, info.Email)
	switch {
	case errors.Is(err, postgres.ErrNotFound):
		user = &domain.User{
			Name:             info.Name,
			Email:            info.Email,
			IdentityProvider: domain.IdentityProviderGoogle,
			EmailVerified:    true,
		}
		if err := s.store.Users.CreateUser(ctx, user); err != nil {
			return nil, err
		}
		s.logger.Info("user created via google", "user_id", user.ID)
	case err != nil:
		return nil, err
	case user.DeletedAt != nil:
		return nil, domain.NewError(domain.CodeAccountDeletionInProgress,
			"this account is being deleted")
	case !user.EmailVerified:
		// the address is proven now, unblock the stalled email signup
		if err := s.store.Users.SetEmailVerified(ctx, user.ID, true); err != nil {
			return nil, err
		}
	}

	return s.issueTokens(ctx, user, nil)
}
