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

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opentrusty/taskhub/internal/audit"
	"github.com/opentrusty/taskhub/internal/identity"
	"github.com/opentrusty/taskhub/internal/oauth"
	"github.com/opentrusty/taskhub/internal/observability/logger"
	"github.com/opentrusty/taskhub/internal/observability/metrics"
	"github.com/opentrusty/taskhub/internal/token"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/opentrusty/taskhub/internal/session")

const (
	methodPassword = "password"
	methodIdentity = "identity"

	resultSuccess = "success"
	resultFailure = "failure"
)

// Manager owns the lifecycle of user sessions: login, refresh, logout and
// revocation.
type Manager struct {
	users         identity.UserRepository
	hasher        *identity.PasswordHasher
	tokens        *token.Service
	refreshTokens token.RefreshTokenRepository
	links         oauth.PendingLinkRepository
	auditLogger   audit.Logger
	metrics       *metrics.AuthMetrics
	now           func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithMetrics records login and refresh outcomes on m
func WithMetrics(m *metrics.AuthMetrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

// WithPendingLinks makes CleanupExpired sweep expired OAuth links too
func WithPendingLinks(links oauth.PendingLinkRepository) Option {
	return func(mgr *Manager) { mgr.links = links }
}

// NewManager creates a new session manager
func NewManager(
	users identity.UserRepository,
	hasher *identity.PasswordHasher,
	tokens *token.Service,
	refreshTokens token.RefreshTokenRepository,
	auditLogger audit.Logger,
	opts ...Option,
) *Manager {
	m := &Manager{
		users:         users,
		hasher:        hasher,
		tokens:        tokens,
		refreshTokens: refreshTokens,
		auditLogger:   auditLogger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Login authenticates with email and password. Credential failures are
// indistinguishable from each other; account state is only reported once
// the password matched.
func (m *Manager) Login(ctx context.Context, req LoginRequest) (*Result, error) {
	ctx, span := tracer.Start(ctx, "session.Login")
	defer span.End()

	started := time.Now()
	defer func() { m.metrics.ObserveLoginDuration(ctx, time.Since(started)) }()

	user, err := m.checkPassword(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.metrics.RecordLogin(ctx, methodPassword, resultFailure)
		return nil, err
	}
	span.SetAttributes(attribute.String("user.id", user.ID))

	res, err := m.start(ctx, user, req.device(), methodPassword)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

func (m *Manager) checkPassword(ctx context.Context, req LoginRequest) (*identity.User, error) {
	email := identity.NormalizeEmail(req.Email)

	user, err := m.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			m.loginFailed(ctx, "", email, req.IPAddress, "unknown_email")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if !user.HasPassword() {
		m.loginFailed(ctx, user.ID, email, req.IPAddress, "no_password")
		return nil, ErrInvalidCredentials
	}

	ok, err := m.hasher.Verify(req.Password, user.PasswordHash)
	if err != nil || !ok {
		m.loginFailed(ctx, user.ID, email, req.IPAddress, "invalid_password")
		return nil, ErrInvalidCredentials
	}

	if err := checkAccount(user); err != nil {
		m.loginFailed(ctx, user.ID, email, req.IPAddress, err.Error())
		return nil, err
	}

	if user.TwoFactorEnabled() {
		if req.TwoFactorCode == "" {
			return nil, ErrTwoFactorRequired
		}
		if !identity.ValidateTwoFactorCode(user.TwoFactorSecret, req.TwoFactorCode, m.now()) {
			m.loginFailed(ctx, user.ID, email, req.IPAddress, "invalid_two_factor")
			return nil, ErrInvalidCredentials
		}
	}

	return user, nil
}

// LoginWithIdentity starts a session for a user already authenticated by
// an external provider. The account state is re-read from the store.
func (m *Manager) LoginWithIdentity(ctx context.Context, user *identity.User, meta token.DeviceMeta) (*Result, error) {
	ctx, span := tracer.Start(ctx, "session.LoginWithIdentity")
	defer span.End()

	if user == nil || user.ID == "" {
		return nil, ErrInvalidCredentials
	}

	fresh, err := m.users.GetByID(ctx, user.ID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if err := checkAccount(fresh); err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.metrics.RecordLogin(ctx, methodIdentity, resultFailure)
		m.loginFailed(ctx, fresh.ID, fresh.Email, meta.IPAddress, err.Error())
		return nil, err
	}

	return m.start(ctx, fresh, meta, methodIdentity)
}

func checkAccount(user *identity.User) error {
	if user.Blocked {
		return ErrAccountBlocked
	}
	if !user.Verified {
		return ErrNotVerified
	}
	return nil
}

// start supersedes older sessions on the same device and issues a new
// token pair.
func (m *Manager) start(ctx context.Context, user *identity.User, meta token.DeviceMeta, method string) (*Result, error) {
	m.supersede(ctx, user.ID, meta.DeviceInfo)

	pair, err := m.tokens.IssueTokenPair(ctx, user, meta)
	if err != nil {
		m.metrics.RecordLogin(ctx, method, resultFailure)
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	m.metrics.RecordLogin(ctx, method, resultSuccess)
	m.auditLogger.Log(ctx, audit.Event{
		Type:      audit.TypeLoginSuccess,
		ActorID:   user.ID,
		Resource:  "session",
		IPAddress: meta.IPAddress,
		Metadata: map[string]any{
			audit.AttrSessionID: pair.SessionID,
			audit.AttrDevice:    meta.DeviceInfo,
			"method":            method,
		},
	})

	return newResult(pair, user), nil
}

// supersede revokes the user's live refresh tokens on deviceInfo. Errors
// are logged and do not fail the login.
func (m *Manager) supersede(ctx context.Context, userID, deviceInfo string) {
	existing, err := m.refreshTokens.ListByUserAndDevice(ctx, userID, deviceInfo)
	if err != nil {
		slog.WarnContext(ctx, "failed to list device sessions",
			logger.UserID(userID),
			logger.DeviceInfo(deviceInfo),
			logger.Error(err),
		)
		return
	}

	var revoked int64
	for _, rt := range existing {
		if rt.IsRevoked {
			continue
		}
		if err := m.refreshTokens.Revoke(ctx, rt.ID); err != nil {
			if !errors.Is(err, token.ErrRefreshTokenNotFound) {
				slog.WarnContext(ctx, "failed to revoke superseded session",
					logger.UserID(userID),
					logger.SessionID(rt.ID),
					logger.Error(err),
				)
			}
			continue
		}
		revoked++
	}
	m.metrics.RecordRevoked(ctx, revoked, "superseded")
}

func (m *Manager) loginFailed(ctx context.Context, userID, email, ip, reason string) {
	m.auditLogger.Log(ctx, audit.Event{
		Type:      audit.TypeLoginFailed,
		ActorID:   userID,
		Resource:  "session",
		IPAddress: ip,
		Metadata: map[string]any{
			audit.AttrEmail:  email,
			audit.AttrReason: reason,
		},
	})
}

// Refresh rotates refreshToken and returns a new pair. Blocked users are
// refused and the freshly minted token is revoked again.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "session.Refresh")
	defer span.End()

	pair, user, err := m.tokens.RotateRefreshToken(ctx, refreshToken)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.metrics.RecordRefresh(ctx, resultFailure)
		return nil, err
	}

	if user.Blocked {
		if err := m.refreshTokens.Revoke(ctx, pair.SessionID); err != nil && !errors.Is(err, token.ErrRefreshTokenNotFound) {
			slog.ErrorContext(ctx, "failed to revoke session of blocked user",
				logger.UserID(user.ID),
				logger.SessionID(pair.SessionID),
				logger.Error(err),
			)
		}
		span.SetStatus(codes.Error, ErrAccountBlocked.Error())
		m.metrics.RecordRefresh(ctx, resultFailure)
		return nil, ErrAccountBlocked
	}

	m.metrics.RecordRefresh(ctx, resultSuccess)
	return newResult(pair, user), nil
}

// Logout revokes refreshToken. It never fails: unknown or already revoked
// tokens and store errors are logged. A token that belongs to a different
// user than userID is left alone.
func (m *Manager) Logout(ctx context.Context, userID, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}

	rt, err := m.refreshTokens.GetByToken(ctx, refreshToken)
	if err != nil {
		if !errors.Is(err, token.ErrRefreshTokenNotFound) {
			slog.WarnContext(ctx, "logout: failed to load refresh token", logger.UserID(userID), logger.Error(err))
		}
		return nil
	}

	if userID != "" && rt.UserID != userID {
		slog.WarnContext(ctx, "logout: refresh token belongs to another user",
			logger.UserID(userID),
			logger.SessionID(rt.ID),
		)
		return nil
	}

	if err := m.refreshTokens.Revoke(ctx, rt.ID); err != nil {
		if !errors.Is(err, token.ErrRefreshTokenNotFound) {
			slog.WarnContext(ctx, "logout: failed to revoke refresh token",
				logger.SessionID(rt.ID),
				logger.Error(err),
			)
		}
		return nil
	}

	m.metrics.RecordRevoked(ctx, 1, "logout")
	m.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeLogout,
		ActorID:  rt.UserID,
		Resource: "session",
		Metadata: map[string]any{audit.AttrSessionID: rt.ID},
	})
	return nil
}

// RevokeAllSessions revokes every session of userID
func (m *Manager) RevokeAllSessions(ctx context.Context, userID string) error {
	n, err := m.refreshTokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}

	m.metrics.RecordRevoked(ctx, n, "revoke_all")
	m.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeAllSessionsRevoked,
		ActorID:  userID,
		Resource: "session",
		Metadata: map[string]any{audit.AttrCount: n},
	})
	return nil
}

// ListActiveSessions returns the user's live sessions, newest first
func (m *Manager) ListActiveSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	tokens, err := m.refreshTokens.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := m.now()
	out := make([]SessionInfo, 0, len(tokens))
	for _, rt := range tokens {
		if !rt.IsActive(now) {
			continue
		}
		out = append(out, SessionInfo{
			ID:         rt.ID,
			DeviceInfo: rt.DeviceInfo,
			IPAddress:  rt.IPAddress,
			CreatedAt:  rt.CreatedAt,
			ExpiresAt:  rt.ExpiresAt,
		})
	}
	return out, nil
}

// RevokeSession revokes one of the user's own sessions
func (m *Manager) RevokeSession(ctx context.Context, userID, sessionID string) error {
	rt, err := m.refreshTokens.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, token.ErrRefreshTokenNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to load session: %w", err)
	}

	if rt.UserID != userID {
		m.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypePermissionViolation,
			ActorID:  userID,
			Resource: "session",
			Metadata: map[string]any{
				audit.AttrSessionID: sessionID,
				audit.AttrReason:    "session owned by another user",
			},
		})
		return ErrPermissionDenied
	}

	if err := m.refreshTokens.Revoke(ctx, rt.ID); err != nil {
		if errors.Is(err, token.ErrRefreshTokenNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	m.metrics.RecordRevoked(ctx, 1, "user")
	m.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeSessionRevoked,
		ActorID:  userID,
		Resource: "session",
		Metadata: map[string]any{audit.AttrSessionID: sessionID},
	})
	return nil
}

// CleanupExpired deletes expired or revoked refresh tokens and expired
// pending OAuth links. It returns the number of records removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	now := m.now()

	tokens, err := m.refreshTokens.DeleteExpiredOrRevoked(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete refresh tokens: %w", err)
	}
	m.metrics.RecordSwept(ctx, tokens, "refresh_token")

	var links int64
	if m.links != nil {
		links, err = m.links.DeleteExpired(ctx, now)
		if err != nil {
			return tokens, fmt.Errorf("failed to delete pending links: %w", err)
		}
		m.metrics.RecordSwept(ctx, links, "pending_link")
	}

	total := tokens + links
	m.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeCleanupCompleted,
		ActorID:  audit.ActorSystem,
		Resource: "session",
		Metadata: map[string]any{audit.AttrCount: total},
	})
	slog.InfoContext(ctx, "session cleanup completed",
		logger.Count(tokens),
		slog.Int64("pending_links", links),
	)
	return total, nil
}
