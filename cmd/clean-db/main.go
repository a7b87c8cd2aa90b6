package main

import (
	"context"
	"fmt"
	"os"

	"github.com/opentrusty/taskhub/internal/audit"
	"github.com/opentrusty/taskhub/internal/authz"
	"github.com/opentrusty/taskhub/internal/config"
	"github.com/opentrusty/taskhub/internal/store"
	"github.com/opentrusty/taskhub/internal/store/postgres"
)

// clean-db empties every table and re-seeds the role catalog. Development
// use only; it refuses to run unless TASKHUB_ALLOW_CLEAN_DB=yes.
func main() {
	if os.Getenv("TASKHUB_ALLOW_CLEAN_DB") != "yes" {
		fmt.Fprintln(os.Stderr, "Refusing to run: set TASKHUB_ALLOW_CLEAN_DB=yes")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.New(ctx, store.DatabaseConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Println("Cleaning database...")
	if err := db.Truncate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Truncate failed: %v\n", err)
		os.Exit(1)
	}
	for _, table := range postgres.Tables {
		fmt.Printf("✓ Cleared %s\n", table)
	}

	fmt.Println("\nRe-seeding role catalog...")
	st := store.NewPostgres(db)
	resolver := authz.NewResolver(st.Roles, st.Permissions, st.Assignments, st.RolePermissions, audit.NewSlogLogger())
	catalog, err := authz.LoadCatalog(cfg.RBAC.CatalogPath)
	if err == nil {
		err = resolver.SeedCatalog(ctx, catalog)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Seeding failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\n✓ Database cleaned")
}
