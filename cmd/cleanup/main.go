package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/opentrusty/taskhub/internal/audit"
	"github.com/opentrusty/taskhub/internal/authz"
	"github.com/opentrusty/taskhub/internal/config"
	"github.com/opentrusty/taskhub/internal/identity"
	"github.com/opentrusty/taskhub/internal/observability/logger"
	"github.com/opentrusty/taskhub/internal/session"
	"github.com/opentrusty/taskhub/internal/store"
	"github.com/opentrusty/taskhub/internal/token"
)

// cleanup runs one sweep of expired or revoked refresh tokens and expired
// pending OAuth links, for deployments that schedule it externally.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "taskhub-cleanup",
	})

	ctx := context.Background()
	st, err := store.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", logger.Error(err))
		os.Exit(1)
	}
	defer st.Close()

	auditLogger := audit.NewSlogLogger()
	resolver := authz.NewResolver(st.Roles, st.Permissions, st.Assignments, st.RolePermissions, auditLogger)
	tokens, err := token.NewService([]byte(cfg.Token.JWTSecret), st.RefreshTokens, st.Users, resolver, auditLogger)
	if err != nil {
		slog.Error("failed to initialize token service", logger.Error(err))
		os.Exit(1)
	}

	hasher := identity.NewPasswordHasher(
		cfg.Security.Argon2Memory,
		cfg.Security.Argon2Iterations,
		cfg.Security.Argon2Parallelism,
		cfg.Security.Argon2SaltLength,
		cfg.Security.Argon2KeyLength,
	)
	mgr := session.NewManager(st.Users, hasher, tokens, st.RefreshTokens, auditLogger,
		session.WithPendingLinks(st.PendingLinks),
	)

	n, err := mgr.CleanupExpired(ctx)
	if err != nil {
		slog.Error("cleanup failed", logger.Error(err))
		os.Exit(1)
	}
	fmt.Printf("Removed %d expired or revoked records.\n", n)
}
