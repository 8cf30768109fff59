// Package main is the entry point for the mcpgate server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mcpgate/internal/audit"
	"mcpgate/internal/auth"
	"mcpgate/internal/catalog"
	"mcpgate/internal/config"
	"mcpgate/internal/credentials"
	"mcpgate/internal/crypto"
	"mcpgate/internal/domain"
	"mcpgate/internal/email"
	"mcpgate/internal/embeddings"
	"mcpgate/internal/gateway"
	httpserver "mcpgate/internal/http"
	"mcpgate/internal/oauth2client"
	"mcpgate/internal/org"
	"mcpgate/internal/rbac"
	"mcpgate/internal/registry"
	"mcpgate/internal/storage/postgres"
	"mcpgate/internal/subscription"
	"mcpgate/internal/telemetry"
	"mcpgate/internal/token"
)

const version = "0.1.0"

// inviteTTL is how long organization invitations stay redeemable
const inviteTTL = 7 * 24 * time.Hour

// deletedUserGrace is how long soft-deleted users linger before the
// maintenance loop removes them for good
const deletedUserGrace = 30 * 24 * time.Hour

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	schemaPath := flag.String("schema", "internal/storage/postgres/schema.sql", "Path to database schema")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.Telemetry.LogFormat, cfg.Telemetry.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting mcpgate", "version", version, "http_port", cfg.Server.HTTPPort)

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	db, err := postgres.NewDB(&cfg.Database, logger)
	if err != nil {
		logger.Error("connecting to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.RunSchemaFromFile(ctx, *schemaPath); err != nil {
		logger.Error("applying schema", "error", err)
		os.Exit(1)
	}

	enc, err := crypto.NewEncryptionServiceFromString(cfg.Security.EncryptionKey)
	if err != nil {
		logger.Error("initializing encryption, set MCPGATE_ENCRYPTION_KEY", "error", err)
		os.Exit(1)
	}
	store := postgres.NewStore(db, enc)

	if err := seedFreePlan(ctx, store); err != nil {
		logger.Error("seeding free plan", "error", err)
		os.Exit(1)
	}

	embedder, err := embeddings.New(&cfg.Embedder)
	if err != nil {
		logger.Error("initializing embedder", "error", err)
		os.Exit(1)
	}

	mailer, err := email.New(ctx, &cfg.Email, logger)
	if err != nil {
		logger.Error("initializing email sender", "error", err)
		os.Exit(1)
	}

	tokens, err := token.NewManager(cfg.Auth.JWTSecret, cfg.Auth.RefreshTokenHMACKey,
		cfg.Auth.AccessTokenTTL, cfg.Auth.VerificationTTL)
	if err != nil {
		logger.Error("initializing token manager", "error", err)
		os.Exit(1)
	}

	acl, err := rbac.Load(rbac.DefaultACL())
	if err != nil {
		logger.Error("loading access control rules", "error", err)
		os.Exit(1)
	}

	oauth := oauth2client.New(cfg.Gateway.UpstreamTimeout)
	creds := credentials.NewService(store, oauth, logger, metrics)
	syncer := catalog.NewSyncer(store, embedder, logger, metrics, cfg.Gateway.SyncTimeout, version)

	billing := subscription.NewService(store, acl, logger, metrics, &cfg.Stripe, cfg.Server.FrontendURL)
	registrySvc := registry.NewService(store, acl, embedder, syncer, oauth, tokens, billing,
		logger, cfg.Server.BaseURL)
	auditSvc := audit.NewService(store, acl, logger)
	gatewaySvc := gateway.NewService(store, embedder, creds, auditSvc, logger, metrics,
		cfg.Gateway.UpstreamTimeout, version)
	authSvc := auth.NewService(store, tokens, mailer, logger, &cfg.Auth,
		cfg.Server.BaseURL, cfg.Server.FrontendURL)
	orgSvc := org.NewService(store, acl, tokens, mailer, billing, logger,
		cfg.Server.FrontendURL, inviteTTL)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	go runMaintenance(ctx, store, billing, logger)

	server := httpserver.NewServer(cfg, logger, metrics, tokens,
		authSvc, registrySvc, orgSvc, billing, auditSvc, gatewaySvc)
	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	if err := server.Start(ctx, addr); err != nil {
		logger.Error("http server error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// seedFreePlan guarantees the free plan every unsubscribed organization
// falls back to. Paid plans arrive via UpsertPlan tooling.
func seedFreePlan(ctx context.Context, store *postgres.Store) error {
	_, err := store.Subscriptions.GetFreePlan(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, postgres.ErrNotFound) {
		return err
	}
	retention := 7
	maxServers := 3
	return store.Subscriptions.UpsertPlan(ctx, &domain.SubscriptionPlan{
		PlanCode:            "free",
		DisplayName:         "Free",
		IsFree:              true,
		IsPublic:            true,
		MinSeats:            1,
		MaxSeats:            3,
		MaxCustomMCPServers: &maxServers,
		LogRetentionDays:    &retention,
	})
}

// runMaintenance periodically reaps expired sessions, tokens, soft-deleted
// users and out-of-retention tool call logs.
func runMaintenance(ctx context.Context, store *postgres.Store, billing *subscription.Service, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := store.Sessions.PurgeStaleSessions(ctx, domain.SessionIdleTTL); err != nil {
			logger.Error("purging stale sessions", "error", err)
		} else if n > 0 {
			logger.Info("purged stale sessions", "count", n)
		}

		if _, err := store.Users.DeleteExpiredRefreshTokens(ctx); err != nil {
			logger.Error("purging expired refresh tokens", "error", err)
		}

		if n, err := store.Users.PurgeDeletedUsers(ctx, deletedUserGrace); err != nil {
			logger.Error("purging deleted users", "error", err)
		} else if n > 0 {
			logger.Info("purged deleted users", "count", n)
		}

		purgeExpiredLogs(ctx, store, billing, logger)
	}
}

// purgeExpiredLogs applies each organization's log retention entitlement
func purgeExpiredLogs(ctx context.Context, store *postgres.Store, billing *subscription.Service, logger *slog.Logger) {
	orgIDs, err := store.Orgs.ListOrganizationIDs(ctx)
	if err != nil {
		logger.Error("listing organizations for log retention", "error", err)
		return
	}
	for _, orgID := range orgIDs {
		ent, err := billing.Resolve(ctx, orgID)
		if err != nil {
			logger.Error("resolving entitlement for log retention", "organization_id", orgID, "error", err)
			continue
		}
		if ent.LogRetentionDays == nil {
			continue
		}
		cutoff := time.Now().AddDate(0, 0, -*ent.LogRetentionDays)
		if n, err := store.Logs.PurgeLogsBefore(ctx, orgID, cutoff); err != nil {
			logger.Error("purging tool call logs", "organization_id", orgID, "error", err)
		} else if n > 0 {
			logger.Info("purged tool call logs", "organization_id", orgID, "count", n)
		}
	}
}
