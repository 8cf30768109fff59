// Package postgres implements the control plane's persistence layer on
// PostgreSQL with pgvector.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq"

	"mcpgate/internal/config"
	"mcpgate/internal/crypto"
)

// ErrNotFound is returned by store lookups when no row matches.
// Callers translate it into the right typed domain error.
var ErrNotFound = errors.New("record not found")

// DB wraps the sql connection pool
type DB struct {
	*sql.DB
	logger *slog.Logger
}

// NewDB opens a pooled connection and verifies connectivity
func NewDB(cfg *config.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxAge)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("database connected",
		"host", cfg.Host,
		"database", cfg.Database,
		"max_open_conns", cfg.MaxConns)

	return &DB{DB: db, logger: logger}, nil
}

// RunSchemaFromFile applies schema.sql once, tracked in schema_migrations
func (d *DB) RunSchemaFromFile(ctx context.Context, path string) error {
	if _, err := d.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var applied bool
	err := d.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE name = $1)`, path).Scan(&applied)
	if err != nil {
		return fmt.Errorf("checking schema_migrations: %w", err)
	}
	if applied {
		return nil
	}

	schema, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading schema file: %w", err)
	}
	if _, err := d.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	if _, err := d.ExecContext(ctx,
		`INSERT INTO schema_migrations (name) VALUES ($1)`, path); err != nil {
		return fmt.Errorf("recording schema migration: %w", err)
	}

	d.logger.Info("schema applied", "file", path)
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so stores can run inside
// or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store bundles all typed stores over one connection pool
type Store struct {
	db  *DB
	q   querier
	enc *crypto.EncryptionService

	Users         *UserStore
	Orgs          *OrgStore
	Servers       *ServerStore
	Configs       *ConfigStore
	Sessions      *SessionStore
	Logs          *LogStore
	Subscriptions *SubscriptionStore
}

// NewStore builds the store aggregate. enc encrypts connected-account
// credentials at rest.
func NewStore(db *DB, enc *crypto.EncryptionService) *Store {
	return newStore(db, db.DB, enc)
}

func newStore(db *DB, q querier, enc *crypto.EncryptionService) *Store {
	return &Store{
		db:  db,
		q:   q,
		enc: enc,

		Users:         &UserStore{q: q},
		Orgs:          &OrgStore{q: q},
		Servers:       &ServerStore{q: q},
		Configs:       &ConfigStore{q: q, enc: enc},
		Sessions:      &SessionStore{q: q},
		Logs:          &LogStore{q: q},
		Subscriptions: &SubscriptionStore{q: q},
	}
}

// WithTx runs fn against a transaction-bound store aggregate. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(newStore(s.db, sqlTx, s.enc)); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.db.logger.Error("transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// advisoryLockKey hashes a key into the bigint space
// pg_try_advisory_xact_lock expects. FNV-1a keeps it deterministic across
// instances.
func advisoryLockKey(key string) int64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	var h uint64 = offset64
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= prime64
	}
	return int64(h)
}

// TryAdvisoryLock takes a transaction-scoped advisory lock, returning false
// when another transaction already holds it. Must run inside WithTx.
func (s *Store) TryAdvisoryLock(ctx context.Context, key string) (bool, error) {
	var got bool
	err := s.q.QueryRowContext(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, advisoryLockKey(key)).Scan(&got)
	if err != nil {
		return false, fmt.Errorf("acquiring advisory lock: %w", err)
	}
	return got, nil
}
