// @title TaskHub Auth API
// @version 1.0.0
// @description Authentication and authorization for TaskHub

// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opentrusty/taskhub/internal/audit"
	"github.com/opentrusty/taskhub/internal/authz"
	"github.com/opentrusty/taskhub/internal/identity"
	"github.com/opentrusty/taskhub/internal/oauth"
	"github.com/opentrusty/taskhub/internal/observability/logger"
	"github.com/opentrusty/taskhub/internal/observability/metrics"
	"github.com/opentrusty/taskhub/internal/rbac"
	"github.com/opentrusty/taskhub/internal/session"
	"github.com/opentrusty/taskhub/internal/token"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HealthChecker reports whether a backing store is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	identityService *identity.Service
	sessions        *session.Manager
	tokens          *token.Service
	resolver        *authz.Resolver
	flow            *oauth.Flow
	auth            *Authenticator
	auditLogger     audit.Logger
	cookies         CookieConfig
	health          HealthChecker
	twoFactorIssuer string
	trustedProxies  []netip.Prefix
}

// CookieConfig holds refresh token cookie configuration
type CookieConfig struct {
	Name     string
	Domain   string
	Path     string
	Secure   bool
	SameSite http.SameSite
	MaxAge   time.Duration
}

// ParseSameSite maps a configuration value to a cookie SameSite mode.
// Unknown values select Strict.
func ParseSameSite(v string) http.SameSite {
	switch strings.ToLower(v) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}

// HandlerOption configures optional handler dependencies
type HandlerOption func(*Handler)

// WithHealthCheck makes /health ping the credential store
func WithHealthCheck(hc HealthChecker) HandlerOption {
	return func(h *Handler) { h.health = hc }
}

// WithTrustedProxies lets the listed proxies report the client address
func WithTrustedProxies(proxies []netip.Prefix) HandlerOption {
	return func(h *Handler) { h.trustedProxies = proxies }
}

// WithTwoFactorIssuer sets the issuer shown in authenticator apps
func WithTwoFactorIssuer(issuer string) HandlerOption {
	return func(h *Handler) { h.twoFactorIssuer = issuer }
}

// NewHandler creates a new HTTP handler. flow may be nil when no OAuth
// provider is configured.
func NewHandler(
	identityService *identity.Service,
	sessions *session.Manager,
	tokens *token.Service,
	resolver *authz.Resolver,
	flow *oauth.Flow,
	auth *Authenticator,
	auditLogger audit.Logger,
	cookies CookieConfig,
	opts ...HandlerOption,
) *Handler {
	h := &Handler{
		identityService: identityService,
		sessions:        sessions,
		tokens:          tokens,
		resolver:        resolver,
		flow:            flow,
		auth:            auth,
		auditLogger:     auditLogger,
		cookies:         cookies,
		twoFactorIssuer: "TaskHub",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RealIPMiddleware(h.trustedProxies))
	r.Use(RateLimitMiddleware(rateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(metrics.Instrument)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", h.Login)

			// Cookie-authenticated
			r.Group(func(r chi.Router) {
				r.Use(CSRFMiddleware(h.cookies.Name))
				r.Post("/refresh", h.Refresh)
				r.Post("/logout", h.Logout)
			})

			r.Get("/oauth/{provider}/start", h.OAuthStart)
			r.Get("/oauth/{provider}/callback", h.OAuthCallback)

			// Protected routes
			r.Group(func(r chi.Router) {
				r.Use(h.auth.Middleware)

				r.Get("/me", h.GetCurrentUser)
				r.Post("/change-password", h.ChangePassword)
				r.Get("/sessions", h.ListSessions)
				r.Delete("/sessions/{sessionID}", h.RevokeSession)
				r.Post("/sessions/revoke-all", h.RevokeAllSessions)
				r.Post("/oauth/{provider}/link", h.OAuthLink)
				r.Post("/2fa/setup", h.SetupTwoFactor)
				r.Post("/2fa/enable", h.EnableTwoFactor)
			})
		})

		// User administration
		r.Route("/users", func(r chi.Router) {
			r.Use(h.auth.Middleware)
			r.Use(h.auth.Authorize(rbac.PermManageUsers))

			r.Post("/", h.CreateUser)
			r.Route("/{userID}", func(r chi.Router) {
				r.Put("/block", h.BlockUser)
				r.Delete("/block", h.UnblockUser)
				r.Post("/roles", h.AssignRole)
				r.Delete("/roles/{role}", h.RevokeRole)
			})
		})
	})

	return r
}

// HealthCheck returns the health status
// @Summary Health Check
// @Tags System
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			slog.ErrorContext(r.Context(), "health check failed", logger.Error(err))
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unavailable",
				"service": "taskhub",
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "taskhub",
	})
}

// LoginRequest represents login credentials
type LoginRequest struct {
	Email         string `json:"email" example:"user@example.com"`
	Password      string `json:"password" example:"secret123"`
	DeviceInfo    string `json:"device_info" example:"Firefox on Linux"`
	TwoFactorCode string `json:"two_factor_code,omitempty" example:"123456"`
}

// TokenResponse is returned by login and refresh
type TokenResponse struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresAt    time.Time    `json:"expires_at"`
	RefreshToken string       `json:"refresh_token"`
	SessionID    string       `json:"session_id"`
	User         UserResponse `json:"user"`
}

// UserResponse is the public view of an account
type UserResponse struct {
	ID               string   `json:"id"`
	Email            string   `json:"email"`
	Username         string   `json:"username"`
	DisplayName      string   `json:"display_name"`
	Verified         bool     `json:"verified"`
	Blocked          bool     `json:"blocked"`
	TwoFactorEnabled bool     `json:"two_factor_enabled"`
	LinkedProviders  []string `json:"linked_providers"`
	Roles            []string `json:"roles,omitempty"`
	Permissions      []string `json:"permissions,omitempty"`
}

func newUserResponse(u *identity.User) UserResponse {
	return UserResponse{
		ID:               u.ID,
		Email:            u.Email,
		Username:         u.Username,
		DisplayName:      u.Name(),
		Verified:         u.Verified,
		Blocked:          u.Blocked,
		TwoFactorEnabled: u.TwoFactorEnabled(),
		LinkedProviders:  slices.Sorted(maps.Keys(u.LinkedProviders)),
	}
}

// Login handles password login
// @Summary Login
// @Description Authenticate with email and password and start a session
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Credentials"
// @Success 200 {object} TokenResponse
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Router /auth/login [post]
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.sessions.Login(r.Context(), session.LoginRequest{
		Email:         req.Email,
		Password:      req.Password,
		DeviceInfo:    deviceInfo(r, req.DeviceInfo),
		IPAddress:     getClientIP(r),
		TwoFactorCode: req.TwoFactorCode,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrTwoFactorRequired):
			respondJSON(w, http.StatusUnauthorized, map[string]any{
				"error":               "two-factor code required",
				"two_factor_required": true,
			})
		case errors.Is(err, session.ErrInvalidCredentials):
			respondError(w, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, session.ErrAccountBlocked):
			respondError(w, http.StatusForbidden, "account blocked")
		case errors.Is(err, session.ErrNotVerified):
			respondError(w, http.StatusForbidden, "account not verified")
		default:
			slog.ErrorContext(r.Context(), "login failed", logger.Error(err))
			respondError(w, http.StatusInternalServerError, "login failed")
		}
		return
	}

	h.respondSession(w, res)
}

// RefreshRequest carries a refresh token for clients that do not keep
// cookies
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh rotates the refresh token
// @Summary Refresh
// @Description Exchange a refresh token (cookie or body) for a new token pair
// @Tags Auth
// @Produce json
// @Success 200 {object} TokenResponse
// @Failure 401 {object} map[string]string
// @Router /auth/refresh [post]
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := h.refreshTokenFrom(r)
	if raw == "" {
		respondError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}

	res, err := h.sessions.Refresh(r.Context(), raw)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAccountBlocked):
			clearRefreshCookie(w, h.cookies)
			respondError(w, http.StatusUnauthorized, "account blocked")
		case errors.Is(err, token.ErrRefreshTokenNotFound),
			errors.Is(err, token.ErrRefreshTokenExpired),
			errors.Is(err, identity.ErrUserNotFound):
			clearRefreshCookie(w, h.cookies)
			respondError(w, http.StatusUnauthorized, "invalid refresh token")
		default:
			slog.ErrorContext(r.Context(), "refresh failed", logger.Error(err))
			respondError(w, http.StatusInternalServerError, "refresh failed")
		}
		return
	}

	h.respondSession(w, res)
}

// Logout revokes the refresh token and clears the cookie. It always
// succeeds.
// @Summary Logout
// @Tags Auth
// @Produce json
// @Success 200 {object} map[string]string
// @Router /auth/logout [post]
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	// The access token is optional here; when it verifies, only a refresh
	// token of the same user is revoked.
	userID := ""
	if claims, err := h.tokens.VerifyAccessToken(ExtractBearerToken(r.Header.Get("Authorization"))); err == nil {
		userID = claims.UserID
	}

	_ = h.sessions.Logout(r.Context(), userID, h.refreshTokenFrom(r))

	clearRefreshCookie(w, h.cookies)
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// GetCurrentUser returns the authenticated user with effective roles and
// permissions
// @Summary Current user
// @Tags Auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} UserResponse
// @Failure 401 {object} map[string]string
// @Router /auth/me [get]
func (h *Handler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	resp := newUserResponse(id.User)
	resp.Roles = id.Roles
	resp.Permissions = id.Permissions
	respondJSON(w, http.StatusOK, resp)
}

// ChangePasswordRequest represents password change data
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// ChangePassword changes the password and signs out every session
// @Summary Change password
// @Tags Auth
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ChangePasswordRequest true "Passwords"
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /auth/change-password [post]
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r.Context())

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.identityService.ChangePassword(r.Context(), userID, req.OldPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidCredentials):
			respondError(w, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, identity.ErrWeakPassword):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			slog.ErrorContext(r.Context(), "failed to change password", logger.UserID(userID), logger.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to change password")
		}
		return
	}

	if err := h.sessions.RevokeAllSessions(r.Context(), userID); err != nil {
		slog.ErrorContext(r.Context(), "failed to revoke sessions after password change",
			logger.UserID(userID),
			logger.Error(err),
		)
	}

	clearRefreshCookie(w, h.cookies)
	respondJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}

// ListSessions returns the caller's active sessions
// @Summary List sessions
// @Tags Sessions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string][]session.SessionInfo
// @Router /auth/sessions [get]
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r.Context())

	sessions, err := h.sessions.ListActiveSessions(r.Context(), userID)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list sessions", logger.UserID(userID), logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []session.SessionInfo{}
	}

	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// RevokeSession revokes one of the caller's sessions
// @Summary Revoke session
// @Tags Sessions
// @Produce json
// @Security BearerAuth
// @Param sessionID path string true "Session ID"
// @Success 200 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /auth/sessions/{sessionID} [delete]
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	err := h.sessions.RevokeSession(r.Context(), userID, sessionID)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	case errors.Is(err, session.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrPermissionDenied):
		respondError(w, http.StatusForbidden, "permission denied")
	default:
		slog.ErrorContext(r.Context(), "failed to revoke session",
			logger.UserID(userID),
			logger.SessionID(sessionID),
			logger.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "failed to revoke session")
	}
}

// RevokeAllSessions signs the caller out everywhere
// @Summary Revoke all sessions
// @Tags Sessions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]string
// @Router /auth/sessions/revoke-all [post]
func (h *Handler) RevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r.Context())

	if err := h.sessions.RevokeAllSessions(r.Context(), userID); err != nil {
		slog.ErrorContext(r.Context(), "failed to revoke sessions", logger.UserID(userID), logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to revoke sessions")
		return
	}

	clearRefreshCookie(w, h.cookies)
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// SetupTwoFactor generates a TOTP secret for the caller. The secret takes
// effect only after EnableTwoFactor confirms a code.
// @Summary Start two-factor setup
// @Tags Auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /auth/2fa/setup [post]
func (h *Handler) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	if id.User.TwoFactorEnabled() {
		respondError(w, http.StatusConflict, "two-factor already enabled")
		return
	}

	key, err := identity.NewTwoFactorKey(h.twoFactorIssuer, id.User.Email)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to generate two-factor key", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to generate key")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"secret":      key.Secret(),
		"otpauth_url": key.URL(),
	})
}

// EnableTwoFactorRequest confirms a TOTP secret
type EnableTwoFactorRequest struct {
	Secret string `json:"secret"`
	Code   string `json:"code"`
}

// EnableTwoFactor turns on two-factor login once a valid code is presented
// @Summary Enable two-factor
// @Tags Auth
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body EnableTwoFactorRequest true "Secret and code"
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Router /auth/2fa/enable [post]
func (h *Handler) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r.Context())

	var req EnableTwoFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.identityService.EnableTwoFactor(r.Context(), userID, req.Secret, req.Code); err != nil {
		if errors.Is(err, identity.ErrInvalidTwoFactor) {
			respondError(w, http.StatusBadRequest, "invalid two-factor code")
			return
		}
		slog.ErrorContext(r.Context(), "failed to enable two-factor", logger.UserID(userID), logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to enable two-factor")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (h *Handler) respondSession(w http.ResponseWriter, res *session.Result) {
	setRefreshCookie(w, h.cookies, res.RefreshToken, res.RefreshExpiresAt)
	respondJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  res.AccessToken,
		TokenType:    "Bearer",
		ExpiresAt:    res.AccessExpiresAt,
		RefreshToken: res.RefreshToken,
		SessionID:    res.SessionID,
		User:         newUserResponse(res.User),
	})
}

// refreshTokenFrom prefers the cookie and falls back to a JSON body.
func (h *Handler) refreshTokenFrom(r *http.Request) string {
	if c, err := r.Cookie(h.cookies.Name); err == nil && c.Value != "" {
		return c.Value
	}
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ""
	}
	return req.RefreshToken
}

func setRefreshCookie(w http.ResponseWriter, cfg CookieConfig, value string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    value,
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		Expires:  expiresAt,
		MaxAge:   int(cfg.MaxAge.Seconds()),
		Secure:   cfg.Secure,
		HttpOnly: true,
		SameSite: cfg.SameSite,
	})
}

func clearRefreshCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    "",
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		MaxAge:   -1,
		Secure:   cfg.Secure,
		HttpOnly: true,
		SameSite: cfg.SameSite,
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// deviceInfo falls back to the User-Agent when the client sends no label.
func deviceInfo(r *http.Request, fromBody string) string {
	if d := strings.TrimSpace(fromBody); d != "" {
		return d
	}
	return r.UserAgent()
}

// getClientIP returns the host part of RemoteAddr. Forwarded headers are
// honoured only through RealIPMiddleware.
func getClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
