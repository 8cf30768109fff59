// Package token issues and verifies the control plane's bearer material:
// access JWTs, one-time verification tokens and hashed refresh tokens.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mcpgate/internal/domain"
)

const (
	verificationTokenType = "email_verification"

	// refresh tokens are 256-bit random strings
	refreshTokenBytes = 32
)

// Manager signs and verifies all token kinds over shared secrets
type Manager struct {
	jwtSecret       []byte
	hmacKey         []byte
	accessTTL       time.Duration
	verificationTTL time.Duration
}

// NewManager creates a token manager. jwtSecret signs JWTs; hmacKey digests
// stored one-time tokens.
func NewManager(jwtSecret, hmacKey string, accessTTL, verificationTTL time.Duration) (*Manager, error) {
	if jwtSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if hmacKey == "" {
		return nil, errors.New("refresh token hmac key is required")
	}
	return &Manager{
		jwtSecret:       []byte(jwtSecret),
		hmacKey:         []byte(hmacKey),
		accessTTL:       accessTTL,
		verificationTTL: verificationTTL,
	}, nil
}

// =============================================================================
// Access Tokens
// =============================================================================

// Claims is the access-token payload
type Claims struct {
	UserID string        `json:"user_id"`
	Name   string        `json:"name"`
	Email  string        `json:"email"`
	ActAs  *domain.ActAs `json:"act_as,omitempty"`
	jwt.RegisteredClaims
}

// SignAccessToken issues a short-lived access JWT for the user,
// optionally bound to an acting organization/role.
func (m *Manager) SignAccessToken(user *domain.User, actAs *domain.ActAs) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: user.ID,
		Name:   user.Name,
		Email:  user.Email,
		ActAs:  actAs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// VerifyAccessToken validates signature and expiry and returns the claims
func (m *Manager) VerifyAccessToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, m.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.NewError(domain.CodeTokenExpired, "token expired")
		}
		return nil, domain.NewError(domain.CodeTokenInvalid, "invalid token")
	}
	return claims, nil
}

func (m *Manager) keyFunc(_ *jwt.Token) (any, error) {
	return m.jwtSecret, nil
}

// =============================================================================
// Verification Tokens
// =============================================================================

// VerificationClaims is the email-verification token payload
type VerificationClaims struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// SignVerificationToken issues a 24h single-use token and returns the raw
// token plus the HMAC digest to persist. The raw token is never stored.
func (m *Manager) SignVerificationToken(userID, email string) (raw, hash string, err error) {
	now := time.Now()
	claims := VerificationClaims{
		UserID:    userID,
		Email:     email,
		TokenType: verificationTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.verificationTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err = token.SignedString(m.jwtSecret)
	if err != nil {
		return "", "", fmt.Errorf("signing verification token: %w", err)
	}
	return raw, m.Hash(raw), nil
}

// ErrVerificationExpired distinguishes expiry from other parse failures so
// the verify-email redirect can carry the right error tag.
var ErrVerificationExpired = errors.New("verification token expired")

// ParseVerificationToken validates a verification token and checks its type
func (m *Manager) ParseVerificationToken(raw string) (*VerificationClaims, error) {
	claims := &VerificationClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, m.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrVerificationExpired
		}
		return nil, fmt.Errorf("parsing verification token: %w", err)
	}
	if claims.TokenType != verificationTokenType {
		return nil, errors.New("unexpected token type")
	}
	return claims, nil
}

// =============================================================================
// State Tokens
// =============================================================================

// SignState wraps an arbitrary payload in a short-lived signed JWT. Used for
// OAuth2 state round-trips through third-party redirects.
func (m *Manager) SignState(payload any, ttl time.Duration) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling state: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"state": string(raw),
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("signing state token: %w", err)
	}
	return signed, nil
}

// ParseState validates a state token and unmarshals its payload into out
func (m *Manager) ParseState(tokenString string, out any) error {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, m.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return domain.NewError(domain.CodeOAuth2StateInvalid, "invalid state token")
	}
	raw, ok := claims["state"].(string)
	if !ok {
		return domain.NewError(domain.CodeOAuth2StateInvalid, "malformed state token")
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return domain.NewError(domain.CodeOAuth2StateInvalid, "malformed state payload")
	}
	return nil
}

// =============================================================================
// Refresh Tokens & Digests
// =============================================================================

// NewRefreshToken generates a random 256-bit refresh token and its digest
func (m *Manager) NewRefreshToken() (raw, hash string, err error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating refresh token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, m.Hash(raw), nil
}

// Hash returns the hex HMAC-SHA256 digest of a token. Only digests are
// persisted for refresh, verification and invitation tokens.
func (m *Manager) Hash(token string) string {
	mac := hmac.New(sha256.New, m.hmacKey)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// =============================================================================
// Random Identifiers
// =============================================================================

// AlphanumericPool is the character pool for generated suffixes and keys
const AlphanumericPool = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateAlphanumeric returns a random string of the given length drawn
// from pool using crypto/rand.
func GenerateAlphanumeric(length int, pool string) (string, error) {
	if length <= 0 || pool == "" {
		return "", errors.New("invalid length or pool")
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random string: %w", err)
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = pool[int(b)%len(pool)]
	}
	return string(out), nil
}
