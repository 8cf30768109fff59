package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the stable machine-readable error identifier surfaced to
// clients. Internal error messages never leak past the code/title pair.
type ErrorCode string

const (
	// Auth
	CodeTokenInvalid              ErrorCode = "token_invalid"
	CodeTokenExpired              ErrorCode = "token_expired"
	CodeEmailNotVerified          ErrorCode = "email_not_verified"
	CodeEmailAlreadyExists        ErrorCode = "email_already_exists"
	CodeAccountDeletionInProgress ErrorCode = "account_deletion_in_progress"

	// RBAC
	CodeNotPermitted ErrorCode = "not_permitted"
	CodeLastAdmin    ErrorCode = "last_admin"

	// Domain
	CodeMCPServerNotFound        ErrorCode = "mcp_server_not_found"
	CodeConfigurationNotFound    ErrorCode = "configuration_not_found"
	CodeConnectedAccountNotFound ErrorCode = "connected_account_not_found"
	CodeBundleNotFound           ErrorCode = "bundle_not_found"
	CodeSessionNotFound          ErrorCode = "session_not_found"
	CodeTeamNotFound             ErrorCode = "team_not_found"
	CodeInvalidAuthType          ErrorCode = "invalid_auth_type_for_server"
	CodeToolNotFoundOrForbidden  ErrorCode = "tool_not_found_or_forbidden"
	CodeValidationError          ErrorCode = "validation_error"

	// OAuth2
	CodeOAuth2DiscoveryFailed     ErrorCode = "oauth2_discovery_failed"
	CodeOAuth2RegistrationFailed  ErrorCode = "oauth2_registration_failed"
	CodeOAuth2TokenExchangeFailed ErrorCode = "oauth2_token_exchange_failed"
	CodeOAuth2StateInvalid        ErrorCode = "oauth2_state_invalid"

	// Subscription
	CodeRequestedSubscriptionInvalid ErrorCode = "requested_subscription_invalid"
	CodePlanNotAvailable             ErrorCode = "plan_not_available"
	CodeStripeOperationError         ErrorCode = "stripe_operation_error"

	// Rate limiting
	CodeToolCatalogSyncTooFrequent ErrorCode = "tool_catalog_sync_too_frequent"

	// Upstream
	CodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	CodeUpstreamTimeout     ErrorCode = "upstream_timeout"
)

var errorStatus = map[ErrorCode]int{
	CodeTokenInvalid:              http.StatusUnauthorized,
	CodeTokenExpired:              http.StatusUnauthorized,
	CodeEmailNotVerified:          http.StatusForbidden,
	CodeEmailAlreadyExists:        http.StatusBadRequest,
	CodeAccountDeletionInProgress: http.StatusConflict,

	CodeNotPermitted: http.StatusForbidden,
	CodeLastAdmin:    http.StatusBadRequest,

	CodeMCPServerNotFound:        http.StatusNotFound,
	CodeConfigurationNotFound:    http.StatusNotFound,
	CodeConnectedAccountNotFound: http.StatusNotFound,
	CodeBundleNotFound:           http.StatusNotFound,
	CodeSessionNotFound:          http.StatusNotFound,
	CodeTeamNotFound:             http.StatusNotFound,
	CodeInvalidAuthType:          http.StatusBadRequest,
	CodeToolNotFoundOrForbidden:  http.StatusNotFound,
	CodeValidationError:          http.StatusBadRequest,

	CodeOAuth2DiscoveryFailed:     http.StatusBadRequest,
	CodeOAuth2RegistrationFailed:  http.StatusBadRequest,
	CodeOAuth2TokenExchangeFailed: http.StatusBadRequest,
	CodeOAuth2StateInvalid:        http.StatusBadRequest,

	CodeRequestedSubscriptionInvalid: http.StatusBadRequest,
	CodePlanNotAvailable:             http.StatusNotFound,
	CodeStripeOperationError:         http.StatusInternalServerError,

	CodeToolCatalogSyncTooFrequent: http.StatusTooManyRequests,

	CodeUpstreamUnavailable: http.StatusBadGateway,
	CodeUpstreamTimeout:     http.StatusGatewayTimeout,
}

// Error is a typed domain error carrying a stable code and a short title
type Error struct {
	Code  ErrorCode `json:"error_code"`
	Title string    `json:"title"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Title)
}

// Status maps the error code to an HTTP status, defaulting to 500
func (e *Error) Status() int {
	if s, ok := errorStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// NewError builds a typed error with a formatted title
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Title: fmt.Sprintf(format, args...)}
}

// AsError extracts a *Error from an error chain
func AsError(err error) (*Error, bool) {
	var de *Error
	ok := errors.As(err, &de)
	return de, ok
}
