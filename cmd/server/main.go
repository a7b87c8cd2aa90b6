// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opentrusty/taskhub/internal/audit"
	"github.com/opentrusty/taskhub/internal/authz"
	"github.com/opentrusty/taskhub/internal/config"
	"github.com/opentrusty/taskhub/internal/identity"
	"github.com/opentrusty/taskhub/internal/oauth"
	"github.com/opentrusty/taskhub/internal/observability/logger"
	"github.com/opentrusty/taskhub/internal/observability/metrics"
	"github.com/opentrusty/taskhub/internal/observability/tracing"
	"github.com/opentrusty/taskhub/internal/rbac"
	"github.com/opentrusty/taskhub/internal/session"
	"github.com/opentrusty/taskhub/internal/store"
	"github.com/opentrusty/taskhub/internal/token"
	transportHTTP "github.com/opentrusty/taskhub/internal/transport/http"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		OTel:        cfg.Observability.OTELEnabled,
	})

	if len(os.Args) > 1 && os.Args[1] == "bootstrap" {
		if err := runBootstrap(cfg); err != nil {
			slog.Error("bootstrap failed", logger.Error(err))
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := run(cfg); err != nil {
		slog.Error("server failed", logger.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting taskhub auth service", logger.String("store", cfg.Store.Driver))

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		Endpoint:       cfg.Observability.OTELEndpoint,
		Insecure:       cfg.Observability.OTELInsecure,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", logger.Error(err))
		}
	}()

	// Initialize meter
	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize meter: %w", err)
	}
	authMetrics, err := metrics.NewAuthMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to initialize auth metrics: %w", err)
	}
	metrics.InitHTTP()

	// Initialize store
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	// Initialize helpers
	auditLogger := audit.NewSlogLogger()
	passwordHasher := newPasswordHasher(cfg)

	// Initialize services
	resolver := authz.NewResolver(st.Roles, st.Permissions, st.Assignments, st.RolePermissions, auditLogger)
	catalog, err := authz.LoadCatalog(cfg.RBAC.CatalogPath)
	if err != nil {
		return err
	}
	if err := resolver.SeedCatalog(ctx, catalog); err != nil {
		return fmt.Errorf("failed to seed role catalog: %w", err)
	}

	tokenService, err := token.NewService(
		[]byte(cfg.Token.JWTSecret),
		st.RefreshTokens,
		st.Users,
		resolver,
		auditLogger,
		token.WithIssuer(cfg.Token.Issuer),
		token.WithAccessTTL(cfg.Token.AccessTTL),
		token.WithRefreshTTL(cfg.Token.RefreshTTL),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize token service: %w", err)
	}

	identityService := identity.NewService(st.Users, passwordHasher, auditLogger)
	sessionManager := session.NewManager(
		st.Users,
		passwordHasher,
		tokenService,
		st.RefreshTokens,
		auditLogger,
		session.WithMetrics(authMetrics),
		session.WithPendingLinks(st.PendingLinks),
	)

	var flow *oauth.Flow
	if cfg.OAuth.GoogleEnabled() {
		reconciler := oauth.NewReconciler(st.Users, passwordHasher, resolver, rbac.RoleUser, auditLogger)
		google := oauth.NewGoogleProvider(oauth.GoogleConfig{
			ClientID:     cfg.OAuth.GoogleClientID,
			ClientSecret: cfg.OAuth.GoogleClientSecret,
			RedirectURL:  cfg.OAuth.GoogleRedirectURL,
		})
		flow = oauth.NewFlow(st.PendingLinks, reconciler, google).WithLinkTTL(cfg.OAuth.LinkTTL)
		slog.Info("oauth provider enabled", logger.Provider(google.Name()))
	}

	// Run Bootstrap (ENV driven)
	bootstrapService := identity.NewBootstrapService(st.Users, resolver, rbac.RoleAdmin, auditLogger).WithAccountCreation(identityService)
	if err := bootstrapService.Bootstrap(ctx); err != nil {
		slog.Error("bootstrap failed", logger.Error(err))
	}

	// Rate Limiter
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	defer rateLimiter.Stop()

	cookies := transportHTTP.CookieConfig{
		Name:     cfg.Cookie.Name,
		Domain:   cfg.Cookie.Domain,
		Path:     cfg.Cookie.Path,
		Secure:   cfg.Cookie.Secure,
		SameSite: transportHTTP.ParseSameSite(cfg.Cookie.SameSite),
		MaxAge:   cfg.Token.RefreshTTL,
	}
	authenticator := transportHTTP.NewAuthenticator(tokenService, sessionManager, st.Users, resolver, auditLogger, cookies)

	trustedProxies, err := transportHTTP.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	// Initialize HTTP handler
	handler := transportHTTP.NewHandler(
		identityService,
		sessionManager,
		tokenService,
		resolver,
		flow,
		authenticator,
		auditLogger,
		cookies,
		transportHTTP.WithHealthCheck(st),
		transportHTTP.WithTwoFactorIssuer(cfg.Security.TwoFactorIssuer),
		transportHTTP.WithTrustedProxies(trustedProxies),
	)
	router := transportHTTP.NewRouter(handler, rateLimiter)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup goroutine
	go runCleanup(ctx, sessionManager, cfg.Cleanup.Interval)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"), logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// runCleanup sweeps expired credentials every interval until ctx ends
func runCleanup(ctx context.Context, sessions *session.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sessions.CleanupExpired(ctx); err != nil {
				slog.ErrorContext(ctx, "failed to cleanup expired sessions", logger.Component("cleanup"), logger.Error(err))
			}
		}
	}
}

func newPasswordHasher(cfg *config.Config) *identity.PasswordHasher {
	return identity.NewPasswordHasher(
		cfg.Security.Argon2Memory,
		cfg.Security.Argon2Iterations,
		cfg.Security.Argon2Parallelism,
		cfg.Security.Argon2SaltLength,
		cfg.Security.Argon2KeyLength,
	)
}

func runBootstrap(cfg *config.Config) error {
	ctx := context.Background()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	auditLogger := audit.NewSlogLogger()
	resolver := authz.NewResolver(st.Roles, st.Permissions, st.Assignments, st.RolePermissions, auditLogger)

	catalog, err := authz.LoadCatalog(cfg.RBAC.CatalogPath)
	if err != nil {
		return err
	}
	if err := resolver.SeedCatalog(ctx, catalog); err != nil {
		return err
	}

	accounts := identity.NewService(st.Users, newPasswordHasher(cfg), auditLogger)
	return identity.NewBootstrapService(st.Users, resolver, rbac.RoleAdmin, auditLogger).
		WithAccountCreation(accounts).
		Bootstrap(ctx)
}
