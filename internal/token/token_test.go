package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"mcpgate/internal/domain"
)

func testManager(t *testing.T, accessTTL time.Duration) *Manager {
	t.Helper()
	m, err := NewManager("test-jwt-secret", "test-hmac-key", accessTTL, time.Hour)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	return m
}

func TestNewManagerRequiresSecrets(t *testing.T) {
	if _, err := NewManager("", "hmac", time.Hour, time.Hour); err == nil {
		t.Error("empty jwt secret accepted")
	}
	if _, err := NewManager("jwt", "", time.Hour, time.Hour); err == nil {
		t.Error("empty hmac key accepted")
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	m := testManager(t, time.Hour)
	user := &domain.User{ID: "u1", Name: "Ada", Email: "ada@example.com"}
	actAs := &domain.ActAs{OrganizationID: "org1", Role: domain.RoleAdmin}

	signed, err := m.SignAccessToken(user, actAs)
	if err != nil {
		t.Fatalf("SignAccessToken error: %v", err)
	}

	claims, err := m.VerifyAccessToken(signed)
	if err != nil {
		t.Fatalf("VerifyAccessToken error: %v", err)
	}
	if claims.UserID != "u1" || claims.Email != "ada@example.com" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.ActAs == nil || claims.ActAs.OrganizationID != "org1" || claims.ActAs.Role != domain.RoleAdmin {
		t.Errorf("ActAs = %+v", claims.ActAs)
	}
}

func TestVerifyAccessTokenExpired(t *testing.T) {
	m := testManager(t, -time.Minute)
	signed, err := m.SignAccessToken(&domain.User{ID: "u1", Email: "a@b.c"}, nil)
	if err != nil {
		t.Fatalf("SignAccessToken error: %v", err)
	}

	_, err = m.VerifyAccessToken(signed)
	domErr, ok := domain.AsError(err)
	if !ok || domErr.Code != domain.CodeTokenExpired {
		t.Errorf("err = %v, want %s", err, domain.CodeTokenExpired)
	}
}

func TestVerifyAccessTokenWrongKey(t *testing.T) {
	m := testManager(t, time.Hour)
	other, _ := NewManager("different-secret", "test-hmac-key", time.Hour, time.Hour)

	signed, err := other.SignAccessToken(&domain.User{ID: "u1", Email: "a@b.c"}, nil)
	if err != nil {
		t.Fatalf("SignAccessToken error: %v", err)
	}
	if _, err := m.VerifyAccessToken(signed); err == nil {
		t.Error("token signed with a different key verified")
	}
}

func TestVerificationTokenRoundTrip(t *testing.T) {
	m := testManager(t, time.Hour)

	raw, hash, err := m.SignVerificationToken("u1", "ada@example.com")
	if err != nil {
		t.Fatalf("SignVerificationToken error: %v", err)
	}
	if hash != m.Hash(raw) {
		t.Error("returned hash does not match Hash(raw)")
	}

	claims, err := m.ParseVerificationToken(raw)
	if err != nil {
		t.Fatalf("ParseVerificationToken error: %v", err)
	}
	if claims.UserID != "u1" || claims.Email != "ada@example.com" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParseVerificationTokenExpired(t *testing.T) {
	m, err := NewManager("test-jwt-secret", "test-hmac-key", time.Hour, -time.Minute)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	raw, _, err := m.SignVerificationToken("u1", "a@b.c")
	if err != nil {
		t.Fatalf("SignVerificationToken error: %v", err)
	}
	if _, err := m.ParseVerificationToken(raw); !errors.Is(err, ErrVerificationExpired) {
		t.Errorf("err = %v, want ErrVerificationExpired", err)
	}
}

func TestParseVerificationTokenRejectsAccessToken(t *testing.T) {
	m := testManager(t, time.Hour)
	signed, err := m.SignAccessToken(&domain.User{ID: "u1", Email: "a@b.c"}, nil)
	if err != nil {
		t.Fatalf("SignAccessToken error: %v", err)
	}
	if _, err := m.ParseVerificationToken(signed); err == nil {
		t.Error("access token accepted as verification token")
	}
}

func TestStateRoundTrip(t *testing.T) {
	m := testManager(t, time.Hour)

	type payload struct {
		ConfigurationID string `json:"configuration_id"`
		Verifier        string `json:"verifier"`
	}
	signed, err := m.SignState(payload{ConfigurationID: "cfg1", Verifier: "v"}, 10*time.Minute)
	if err != nil {
		t.Fatalf("SignState error: %v", err)
	}

	var out payload
	if err := m.ParseState(signed, &out); err != nil {
		t.Fatalf("ParseState error: %v", err)
	}
	if out.ConfigurationID != "cfg1" || out.Verifier != "v" {
		t.Errorf("out = %+v", out)
	}
}

func TestParseStateRejectsGarbage(t *testing.T) {
	m := testManager(t, time.Hour)
	var out struct{}
	err := m.ParseState("not-a-token", &out)
	domErr, ok := domain.AsError(err)
	if !ok || domErr.Code != domain.CodeOAuth2StateInvalid {
		t.Errorf("err = %v, want %s", err, domain.CodeOAuth2StateInvalid)
	}
}

func TestParseStateRejectsExpired(t *testing.T) {
	m := testManager(t, time.Hour)
	signed, err := m.SignState(map[string]string{"k": "v"}, -time.Minute)
	if err != nil {
		t.Fatalf("SignState error: %v", err)
	}
	var out map[string]string
	if err := m.ParseState(signed, &out); err == nil {
		t.Error("expired state token accepted")
	}
}

func TestNewRefreshToken(t *testing.T) {
	m := testManager(t, time.Hour)

	raw, hash, err := m.NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken error: %v", err)
	}
	if raw == "" || hash != m.Hash(raw) {
		t.Error("refresh token or digest malformed")
	}

	raw2, _, err := m.NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken error: %v", err)
	}
	if raw == raw2 {
		t.Error("two refresh tokens collided")
	}
}

func TestHashDeterministicPerKey(t *testing.T) {
	m := testManager(t, time.Hour)
	if m.Hash("abc") != m.Hash("abc") {
		t.Error("Hash not deterministic")
	}

	other, _ := NewManager("test-jwt-secret", "another-hmac-key", time.Hour, time.Hour)
	if m.Hash("abc") == other.Hash("abc") {
		t.Error("digest independent of hmac key")
	}
}

func TestGenerateAlphanumeric(t *testing.T) {
	got, err := GenerateAlphanumeric(36, AlphanumericPool)
	if err != nil {
		t.Fatalf("GenerateAlphanumeric error: %v", err)
	}
	if len(got) != 36 {
		t.Errorf("length = %d, want 36", len(got))
	}
	for _, r := range got {
		if !strings.ContainsRune(AlphanumericPool, r) {
			t.Errorf("character %q outside pool", r)
		}
	}

	if _, err := GenerateAlphanumeric(0, AlphanumericPool); err == nil {
		t.Error("zero length accepted")
	}
	if _, err := GenerateAlphanumeric(10, ""); err == nil {
		t.Error("empty pool accepted")
	}
}
