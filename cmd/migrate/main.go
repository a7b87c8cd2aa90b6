package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/opentrusty/taskhub/internal/audit"
	"github.com/opentrusty/taskhub/internal/authz"
	"github.com/opentrusty/taskhub/internal/config"
	"github.com/opentrusty/taskhub/internal/observability/logger"
	"github.com/opentrusty/taskhub/internal/store"
	"github.com/opentrusty/taskhub/internal/store/postgres"
)

// migrate applies the schema and seeds the role catalog. Connection
// settings come from the same environment as the server.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      "text",
		ServiceName: "taskhub-migrate",
	})

	if err := run(context.Background(), cfg); err != nil {
		slog.Error("migration failed", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := postgres.New(ctx, store.DatabaseConfig(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("applying initial schema")
	if err := db.Migrate(ctx, postgres.InitialSchema); err != nil {
		return err
	}

	st := store.NewPostgres(db)
	resolver := authz.NewResolver(st.Roles, st.Permissions, st.Assignments, st.RolePermissions, audit.NewSlogLogger())

	catalog, err := authz.LoadCatalog(cfg.RBAC.CatalogPath)
	if err != nil {
		return err
	}
	if err := resolver.SeedCatalog(ctx, catalog); err != nil {
		return fmt.Errorf("failed to seed role catalog: %w", err)
	}

	slog.Info("migration successful",
		logger.Count(int64(len(catalog.Roles))),
		logger.String("catalog", cfg.RBAC.CatalogPath),
	)
	return nil
}
