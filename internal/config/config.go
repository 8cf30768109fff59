// Package config provides configuration management for the gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Database  DatabaseConfig  `toml:"database"`
	Auth      AuthConfig      `toml:"auth"`
	Security  SecurityConfig  `toml:"security"`
	Embedder  EmbedderConfig  `toml:"embedder"`
	Email     EmailConfig     `toml:"email"`
	Stripe    StripeConfig    `toml:"stripe"`
	Gateway   GatewayConfig   `toml:"gateway"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	HTTPPort       int           `toml:"http_port"`
	BindAddress    string        `toml:"bind_address"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	MaxRequestSize int64         `toml:"max_request_size"`

	// External URLs used in redirects and emails
	BaseURL     string `toml:"base_url"`     // control-plane base, e.g. https://api.example.com
	FrontendURL string `toml:"frontend_url"` // web UI base, used for verify redirects
}

// TelemetryConfig contains logging and metrics settings
type TelemetryConfig struct {
	ServiceName       string `toml:"service_name"`
	PrometheusEnabled bool   `toml:"prometheus_enabled"`
	LogFormat         string `toml:"log_format"` // "json" or "pretty"
	LogLevel          string `toml:"log_level"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	DSN        string        `toml:"dsn"` // full DSN, overrides individual fields
	Host       string        `toml:"host"`
	Port       int           `toml:"port"`
	User       string        `toml:"user"`
	Password   string        `toml:"password"`
	Database   string        `toml:"database"`
	SSLMode    string        `toml:"ssl_mode"`
	MaxConns   int           `toml:"max_conns"`
	MaxIdle    int           `toml:"max_idle"`
	ConnMaxAge time.Duration `toml:"conn_max_age"`
}

// GetDSN returns the DSN for the database
func (d *DatabaseConfig) GetDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// AuthConfig contains token signing and identity-provider settings
type AuthConfig struct {
	JWTSecret           string        `toml:"jwt_secret"`
	RefreshTokenHMACKey string        `toml:"refresh_token_hmac_key"`
	AccessTokenTTL      time.Duration `toml:"access_token_ttl"`
	RefreshTokenTTL     time.Duration `toml:"refresh_token_ttl"`
	VerificationTTL     time.Duration `toml:"verification_ttl"`

	GoogleClientID     string `toml:"google_client_id"`
	GoogleClientSecret string `toml:"google_client_secret"`
}

// SecurityConfig contains secret-storage settings
type SecurityConfig struct {
	EncryptionKey string `toml:"encryption_key"` // base64, AES-128/192/256
}

// EmbedderConfig contains embedding provider settings
type EmbedderConfig struct {
	Type    string `toml:"type"` // "openai" or "local"
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
}

// EmailConfig contains outbound email settings
type EmailConfig struct {
	Provider  string `toml:"provider"` // "ses" or "log"
	Region    string `toml:"region"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	From      string `toml:"from"`
}

// StripeConfig contains billing settings
type StripeConfig struct {
	SecretKey     string `toml:"secret_key"`
	WebhookSecret string `toml:"webhook_secret"`
}

// GatewayConfig contains request-path settings
type GatewayConfig struct {
	UpstreamTimeout time.Duration `toml:"upstream_timeout"`
	SyncTimeout     time.Duration `toml:"sync_timeout"`
}

// Default returns a default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       8080,
			BindAddress:    "0.0.0.0",
			ReadTimeout:    time.Minute,
			WriteTimeout:   2 * time.Minute,
			MaxRequestSize: 10 * 1024 * 1024, // 10MB
			BaseURL:        "http://localhost:8080",
			FrontendURL:    "http://localhost:3000",
		},
		Telemetry: TelemetryConfig{
			ServiceName:       "mcpgate",
			PrometheusEnabled: true,
			LogFormat:         "json",
			LogLevel:          "info",
		},
		Database: DatabaseConfig{
			Host:       "localhost",
			Port:       5432,
			User:       "postgres",
			Password:   "postgres",
			Database:   "mcpgate",
			SSLMode:    "disable",
			MaxConns:   20,
			MaxIdle:    5,
			ConnMaxAge: 30 * time.Minute,
		},
		Auth: AuthConfig{
			AccessTokenTTL:  time.Hour,
			RefreshTokenTTL: 30 * 24 * time.Hour,
			VerificationTTL: 24 * time.Hour,
		},
		Embedder: EmbedderConfig{
			Type:  "openai",
			Model: "text-embedding-3-small",
		},
		Email: EmailConfig{
			Provider: "log",
			Region:   "us-east-1",
			From:     "no-reply@localhost",
		},
		Gateway: GatewayConfig{
			UpstreamTimeout: 30 * time.Second,
			SyncTimeout:     30 * time.Second,
		},
	}
}

// Load loads configuration from a file, falling back to defaults when the
// file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	cfg.substituteEnvVars()

	return cfg, nil
}

// substituteEnvVars expands ${VAR} patterns and applies direct MCPGATE_*
// environment overrides. Secrets are expected to arrive via environment.
func (c *Config) substituteEnvVars() {
	c.Database.DSN = expandEnv(c.Database.DSN)
	c.Database.Host = expandEnv(c.Database.Host)
	c.Database.User = expandEnv(c.Database.User)
	c.Database.Password = expandEnv(c.Database.Password)
	c.Auth.JWTSecret = expandEnv(c.Auth.JWTSecret)
	c.Auth.RefreshTokenHMACKey = expandEnv(c.Auth.RefreshTokenHMACKey)
	c.Auth.GoogleClientID = expandEnv(c.Auth.GoogleClientID)
	c.Auth.GoogleClientSecret = expandEnv(c.Auth.GoogleClientSecret)
	c.Security.EncryptionKey = expandEnv(c.Security.EncryptionKey)
	c.Embedder.APIKey = expandEnv(c.Embedder.APIKey)
	c.Email.AccessKey = expandEnv(c.Email.AccessKey)
	c.Email.SecretKey = expandEnv(c.Email.SecretKey)
	c.Stripe.SecretKey = expandEnv(c.Stripe.SecretKey)
	c.Stripe.WebhookSecret = expandEnv(c.Stripe.WebhookSecret)

	if v := os.Getenv("MCPGATE_DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("MCPGATE_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("MCPGATE_DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("MCPGATE_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("MCPGATE_DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("MCPGATE_DB_SSL_MODE"); v != "" {
		c.Database.SSLMode = v
	}
	if v := os.Getenv("MCPGATE_DB_DSN"); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv("MCPGATE_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("MCPGATE_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("MCPGATE_FRONTEND_URL"); v != "" {
		c.Server.FrontendURL = v
	}

	if v := os.Getenv("MCPGATE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("MCPGATE_REFRESH_TOKEN_HMAC_KEY"); v != "" {
		c.Auth.RefreshTokenHMACKey = v
	}
	if v := os.Getenv("MCPGATE_ENCRYPTION_KEY"); v != "" {
		c.Security.EncryptionKey = v
	}
	if v := os.Getenv("MCPGATE_GOOGLE_CLIENT_ID"); v != "" {
		c.Auth.GoogleClientID = v
	}
	if v := os.Getenv("MCPGATE_GOOGLE_CLIENT_SECRET"); v != "" {
		c.Auth.GoogleClientSecret = v
	}

	if v := os.Getenv("MCPGATE_EMBEDDER_TYPE"); v != "" {
		c.Embedder.Type = v
	}
	if v := os.Getenv("MCPGATE_EMBEDDER_URL"); v != "" {
		c.Embedder.BaseURL = v
	}
	if v := os.Getenv("MCPGATE_EMBEDDER_MODEL"); v != "" {
		c.Embedder.Model = v
	}
	if v := os.Getenv("MCPGATE_OPENAI_API_KEY"); v != "" {
		c.Embedder.APIKey = v
	}

	if v := os.Getenv("MCPGATE_EMAIL_PROVIDER"); v != "" {
		c.Email.Provider = v
	}
	if v := os.Getenv("MCPGATE_EMAIL_FROM"); v != "" {
		c.Email.From = v
	}
	if v := os.Getenv("MCPGATE_SES_REGION"); v != "" {
		c.Email.Region = v
	}

	if v := os.Getenv("MCPGATE_STRIPE_SECRET_KEY"); v != "" {
		c.Stripe.SecretKey = v
	}
	if v := os.Getenv("MCPGATE_STRIPE_WEBHOOK_SECRET"); v != "" {
		c.Stripe.WebhookSecret = v
	}
}

// expandEnv expands ${VAR} or $VAR patterns
func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}
