package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.Server.HTTPPort)
	}
	if cfg.Server.MaxRequestSize != 10*1024*1024 {
		t.Errorf("MaxRequestSize = %d", cfg.Server.MaxRequestSize)
	}
	if cfg.Auth.RefreshTokenTTL != 30*24*time.Hour {
		t.Errorf("RefreshTokenTTL = %v", cfg.Auth.RefreshTokenTTL)
	}
	if cfg.Email.Provider != "log" {
		t.Errorf("email provider = %q, want log", cfg.Email.Provider)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want default", cfg.Server.HTTPPort)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
http_port = 9090
base_url = "https://api.example.com"

[database]
host = "db.internal"

[telemetry]
log_level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.Server.HTTPPort)
	}
	if cfg.Server.BaseURL != "https://api.example.com" {
		t.Errorf("BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("database host = %q", cfg.Database.Host)
	}
	if cfg.Telemetry.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.Telemetry.LogLevel)
	}
	// untouched sections keep defaults
	if cfg.Database.Port != 5432 {
		t.Errorf("database port = %d, want default 5432", cfg.Database.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MCPGATE_HTTP_PORT", "7070")
	t.Setenv("MCPGATE_JWT_SECRET", "from-env")
	t.Setenv("MCPGATE_DB_PASSWORD", "hunter2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.HTTPPort != 7070 {
		t.Errorf("HTTPPort = %d, want 7070", cfg.Server.HTTPPort)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Database.Password != "hunter2" {
		t.Errorf("db password = %q", cfg.Database.Password)
	}
}

func TestVarExpansionInFile(t *testing.T) {
	t.Setenv("TEST_DB_PASS", "expanded")

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[database]
password = "${TEST_DB_PASS}"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Database.Password != "expanded" {
		t.Errorf("password = %q, want expanded", cfg.Database.Password)
	}
}

func TestGetDSN(t *testing.T) {
	d := &DatabaseConfig{
		Host: "h", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable",
	}
	expected := "host=h port=5432 user=u password=p dbname=d sslmode=disable"
	if got := d.GetDSN(); got != expected {
		t.Errorf("GetDSN() = %q, want %q", got, expected)
	}

	d.DSN = "postgres://u:p@h/d"
	if got := d.GetDSN(); got != d.DSN {
		t.Errorf("explicit DSN ignored: %q", got)
	}
}
