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

package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/opentrusty/taskhub/internal/audit"
	"github.com/opentrusty/taskhub/internal/authz"
	"github.com/opentrusty/taskhub/internal/identity"
	"github.com/opentrusty/taskhub/internal/observability/logger"
	"github.com/opentrusty/taskhub/internal/session"
	"github.com/opentrusty/taskhub/internal/token"
)

// AccessTokenHeader carries the new access token after a transparent refresh.
const AccessTokenHeader = "X-Access-Token"

var (
	ErrMissingToken   = errors.New("missing access token")
	ErrSessionExpired = errors.New("session expired")
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				slog.InfoContext(r.Context(), "http_request",
					logger.RequestID(middleware.GetReqID(r.Context())),
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.RemoteAddr(r.RemoteAddr),
					logger.UserAgent(r.UserAgent()),
					logger.StatusCode(ww.Status()),
					logger.Duration(time.Since(start).Milliseconds()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// CSRFMiddleware requires an X-CSRF-Token header on state-changing requests
// that carry the refresh cookie. Bearer-only requests are not exposed to
// CSRF and pass through.
func CSRFMiddleware(cookieName string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
				next.ServeHTTP(w, r)
				return
			}

			if _, err := r.Cookie(cookieName); err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if r.Header.Get("X-CSRF-Token") == "" {
				slog.WarnContext(r.Context(), "missing CSRF token header",
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.IPAddress(getClientIP(r)),
				)
				respondError(w, http.StatusForbidden, "X-CSRF-Token header is required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ExtractBearerToken returns the token in an Authorization header value.
// Repeated "Bearer " prefixes are stripped in any letter case and a bare
// token without prefix is accepted.
func ExtractBearerToken(header string) string {
	const prefix = "bearer "
	t := strings.TrimSpace(header)
	for len(t) >= len(prefix) && strings.EqualFold(t[:len(prefix)], prefix) {
		t = strings.TrimSpace(t[len(prefix):])
	}
	if strings.EqualFold(t, strings.TrimSpace(prefix)) {
		return ""
	}
	return t
}

// Authenticator turns the credentials on a request into an Identity.
type Authenticator struct {
	tokens      *token.Service
	sessions    *session.Manager
	users       identity.UserRepository
	resolver    *authz.Resolver
	auditLogger audit.Logger
	cookies     CookieConfig
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(
	tokens *token.Service,
	sessions *session.Manager,
	users identity.UserRepository,
	resolver *authz.Resolver,
	auditLogger audit.Logger,
	cookies CookieConfig,
) *Authenticator {
	return &Authenticator{
		tokens:      tokens,
		sessions:    sessions,
		users:       users,
		resolver:    resolver,
		auditLogger: auditLogger,
		cookies:     cookies,
	}
}

// AuthenticateRequest verifies the bearer token of r. An expired token is
// replaced transparently when the request carries a valid refresh cookie:
// the rotated cookie and the new access token are written to w and the
// request continues as the refreshed user.
func (a *Authenticator) AuthenticateRequest(w http.ResponseWriter, r *http.Request) (*Identity, error) {
	ctx := r.Context()

	raw := ExtractBearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		return nil, ErrMissingToken
	}

	var user *identity.User
	claims, err := a.tokens.VerifyAccessToken(raw)
	switch {
	case err == nil:
		user, err = a.users.GetByID(ctx, claims.UserID)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, token.ErrTokenExpired):
		user, err = a.refresh(w, r)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if user.Blocked {
		return nil, session.ErrAccountBlocked
	}

	set, err := a.resolver.Resolve(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}

	return newIdentity(user, set), nil
}

func (a *Authenticator) refresh(w http.ResponseWriter, r *http.Request) (*identity.User, error) {
	cookie, err := r.Cookie(a.cookies.Name)
	if err != nil || cookie.Value == "" {
		return nil, ErrSessionExpired
	}

	res, err := a.sessions.Refresh(r.Context(), cookie.Value)
	if err != nil {
		slog.DebugContext(r.Context(), "transparent refresh failed", logger.Error(err))
		if errors.Is(err, session.ErrAccountBlocked) {
			return nil, err
		}
		return nil, ErrSessionExpired
	}

	setRefreshCookie(w, a.cookies, res.RefreshToken, res.RefreshExpiresAt)
	w.Header().Set(AccessTokenHeader, res.AccessToken)
	return res.User, nil
}

// Middleware rejects unauthenticated requests with 401 and attaches the
// identity to the request context otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.AuthenticateRequest(w, r)
		if err != nil {
			a.reject(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func (a *Authenticator) reject(w http.ResponseWriter, r *http.Request, err error) {
	var msg string
	switch {
	case errors.Is(err, ErrMissingToken):
		msg = "not authenticated"
	case errors.Is(err, ErrSessionExpired):
		msg = "session expired"
	case errors.Is(err, session.ErrAccountBlocked):
		msg = "account blocked"
	case errors.Is(err, token.ErrTokenInvalid), errors.Is(err, identity.ErrUserNotFound):
		msg = "invalid token"
	default:
		slog.ErrorContext(r.Context(), "authentication failed", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("WWW-Authenticate", "Bearer")
	respondError(w, http.StatusUnauthorized, msg)
}

// Authorize requires every listed permission. It must run after
// Middleware; a request without an identity is rejected with 401 and a
// missing permission with 403.
func (a *Authenticator) Authorize(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				respondError(w, http.StatusUnauthorized, "not authenticated")
				return
			}

			if !id.Can(perms...) {
				slog.WarnContext(r.Context(), "permission denied",
					logger.UserID(id.User.ID),
					logger.Permission(strings.Join(perms, ",")),
					logger.Path(r.URL.Path),
				)
				a.auditLogger.Log(r.Context(), audit.Event{
					Type:      audit.TypePermissionViolation,
					ActorID:   id.User.ID,
					Resource:  r.URL.Path,
					IPAddress: getClientIP(r),
					UserAgent: r.UserAgent(),
					Metadata:  map[string]any{audit.AttrPermission: strings.Join(perms, ",")},
				})
				respondError(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
