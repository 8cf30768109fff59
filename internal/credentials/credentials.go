// Package credentials resolves the connected account and materialized
// upstream credentials for a configuration, refreshing OAuth2 tokens as
// they approach expiry.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mcpgate/internal/domain"
	"mcpgate/internal/oauth2client"
	"mcpgate/internal/storage/postgres"
	"mcpgate/internal/telemetry"
)

// RefreshLeeway triggers a refresh when the access token expires within it
const RefreshLeeway = 60 * time.Second

// Service resolves and maintains upstream credentials
type Service struct {
	store   *postgres.Store
	oauth   *oauth2client.Client
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func NewService(store *postgres.Store, oauth *oauth2client.Client, logger *slog.Logger, metrics *telemetry.Metrics) *Service {
	return &Service{store: store, oauth: oauth, logger: logger, metrics: metrics}
}

// Resolve returns the account and credentials to use for one configuration
// on behalf of userID, honoring the configuration's ownership mode. no_auth
// configurations resolve to empty credentials without an account.
func (s *Service) Resolve(ctx context.Context, server *domain.MCPServer, cfg *domain.MCPServerConfiguration, userID string) (*domain.ConnectedAccount, domain.AuthCredentials, error) {
	if cfg.AuthType == domain.AuthNone {
		return nil, domain.AuthCredentials{Type: domain.AuthNone}, nil
	}

	var account *domain.ConnectedAccount
	var err error
	switch cfg.ConnectedAccountOwnership {
	case domain.OwnershipIndividual:
		account, err = s.store.Configs.GetAccountForUser(ctx, userID, cfg.ID)
	case domain.OwnershipShared, domain.OwnershipOperational:
		account, err = s.store.Configs.GetSingletonAccount(ctx, cfg.ID)
	default:
		return nil, domain.AuthCredentials{}, fmt.Errorf("unknown ownership %q", cfg.ConnectedAccountOwnership)
	}
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, domain.AuthCredentials{}, domain.NewError(domain.CodeConnectedAccountNotFound,
			"no connected account for configuration %s", cfg.ID)
	}
	if err != nil {
		return nil, domain.AuthCredentials{}, err
	}

	creds := account.AuthCredentials
	if creds.Type == domain.AuthOAuth2 && expiringSoon(creds, time.Now()) {
		refreshed, err := s.refresh(ctx, server, account, false)
		if err != nil {
			// keep serving the current token; the upstream may still accept it
			s.logger.Warn("oauth2 refresh failed",
				"connected_account_id", account.ID,
				"mcp_server", server.CanonicalName,
				"error", err)
		} else {
			creds = refreshed
		}
	}
	return account, creds, nil
}

// ForceRefresh refreshes regardless of expiry. Used once after an upstream
// 401/403 before the request is retried.
func (s *Service) ForceRefresh(ctx context.Context, server *domain.MCPServer, account *domain.ConnectedAccount) (domain.AuthCredentials, error) {
	return s.refresh(ctx, server, account, true)
}

// refresh exchanges the refresh token and persists the new credentials. The
// account row is locked FOR UPDATE for the duration so concurrent requests
// on a shared account refresh exactly once; late arrivals re-read and find
// a fresh token.
func (s *Service) refresh(ctx context.Context, server *domain.MCPServer, account *domain.ConnectedAccount, force bool) (domain.AuthCredentials, error) {
	authCfg, ok := server.FindAuthConfig(domain.AuthOAuth2)
	if !ok {
		return domain.AuthCredentials{}, domain.NewError(domain.CodeInvalidAuthType,
			"server %s declares no oauth2 auth config", server.CanonicalName)
	}

	tokenURL := authCfg.RefreshTokenURL
	if tokenURL == "" {
		tokenURL = authCfg.AccessTokenURL
	}

	var out domain.AuthCredentials
	err := s.store.WithTx(ctx, func(tx *postgres.Store) error {
		locked, err := tx.Configs.GetConnectedAccountForUpdate(ctx, account.ID)
		if err != nil {
			return err
		}

		// another request may have refreshed while we waited on the lock
		if !force && !expiringSoon(locked.AuthCredentials, time.Now()) {
			out = locked.AuthCredentials
			return nil
		}
		if locked.AuthCredentials.RefreshToken == "" {
			return domain.NewError(domain.CodeOAuth2TokenExchangeFailed,
				"connected account has no refresh token")
		}

		resp, err := s.oauth.RefreshToken(ctx, tokenURL,
			authCfg.ClientID, authCfg.ClientSecret, authCfg.TokenEndpointAuthMethod,
			locked.AuthCredentials.RefreshToken)
		if err != nil {
			s.metrics.OAuth2Refreshes.WithLabelValues("error").Inc()
			return err
		}

		creds := resp.Credentials(time.Now())
		if creds.RefreshToken == "" {
			// servers may omit the refresh token on rotation; keep the old one
			creds.RefreshToken = locked.AuthCredentials.RefreshToken
		}
		if err := tx.Configs.UpdateAccountCredentials(ctx, locked.ID, creds); err != nil {
			return err
		}

		s.metrics.OAuth2Refreshes.WithLabelValues("success").Inc()
		out = creds
		return nil
	})
	if err != nil {
		return domain.AuthCredentials{}, err
	}
	return out, nil
}

func expiringSoon(creds domain.AuthCredentials, now time.Time) bool {
	if creds.ExpiresAt == nil {
		return false
	}
	return creds.ExpiresAt.Sub(now) < RefreshLeeway
}

// Inject places credentials on an upstream request per the server's declared
// injection point. OAuth2 tokens default to a bearer Authorization header.
func Inject(req *http.Request, authCfg *domain.AuthConfig, creds domain.AuthCredentials) {
	switch creds.Type {
	case domain.AuthNone:
		return
	case domain.AuthOAuth2:
		tokenType := creds.TokenType
		if tokenType == "" {
			tokenType = "Bearer"
		}
		req.Header.Set("Authorization", tokenType+" "+creds.AccessToken)
	case domain.AuthAPIKey:
		value := creds.SecretKey
		if authCfg != nil && authCfg.Prefix != "" {
			value = authCfg.Prefix + value
		}
		name := "Authorization"
		location := domain.LocationHeader
		if authCfg != nil {
			if authCfg.Name != "" {
				name = authCfg.Name
			}
			if authCfg.Location != "" {
				location = authCfg.Location
			}
		}
		switch location {
		case domain.LocationQuery:
			q := req.URL.Query()
			q.Set(name, value)
			req.URL.RawQuery = q.Encode()
		case domain.LocationCookie:
			req.AddCookie(&http.Cookie{Name: name, Value: value})
		default:
			req.Header.Set(name, value)
		}
	}
}
