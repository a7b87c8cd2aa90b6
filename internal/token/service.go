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

package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opentrusty/taskhub/internal/audit"
	"github.com/opentrusty/taskhub/internal/id"
	"github.com/opentrusty/taskhub/internal/identity"
	"github.com/opentrusty/taskhub/internal/observability/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/opentrusty/taskhub/internal/token")

// Service mints, verifies and rotates tokens
type Service struct {
	secret      []byte
	issuer      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	now         func() time.Time
	tokens      RefreshTokenRepository
	users       identity.UserRepository
	roles       RoleSource
	auditLogger audit.Logger
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithAccessTTL overrides the access token lifetime
func WithAccessTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.accessTTL = d
		}
	}
}

// WithRefreshTTL overrides the refresh token lifetime
func WithRefreshTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.refreshTTL = d
		}
	}
}

// WithIssuer sets the iss claim of access tokens
func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = issuer }
}

// NewService creates a new token service. secret signs access tokens
// with HMAC-SHA256.
func NewService(
	secret []byte,
	tokens RefreshTokenRepository,
	users identity.UserRepository,
	roles RoleSource,
	auditLogger audit.Logger,
	opts ...Option,
) (*Service, error) {
	if len(secret) < 32 {
		return nil, ErrSecretTooShort
	}

	s := &Service{
		secret:      secret,
		issuer:      "taskhub",
		accessTTL:   DefaultAccessTTL,
		refreshTTL:  DefaultRefreshTTL,
		now:         time.Now,
		tokens:      tokens,
		users:       users,
		roles:       roles,
		auditLogger: auditLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RefreshTTL returns the refresh token lifetime, used for cookie max-age.
func (s *Service) RefreshTTL() time.Duration {
	return s.refreshTTL
}

// IssueTokenPair signs an access token for user and persists a new refresh
// token bound to meta. Nothing is returned unless the refresh token was
// stored.
func (s *Service) IssueTokenPair(ctx context.Context, user *identity.User, meta DeviceMeta) (*TokenPair, error) {
	ctx, span := tracer.Start(ctx, "token.IssueTokenPair")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", user.ID))

	roles, err := s.roles.RoleNames(ctx, user.ID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to resolve roles: %w", err)
	}

	now := s.now()
	access, accessExp, err := s.signAccessToken(user, roles, now)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	rt, err := s.newRefreshToken(user.ID, meta, now)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := s.tokens.Create(ctx, rt); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:      audit.TypeTokenIssued,
		ActorID:   user.ID,
		Resource:  "refresh_token",
		IPAddress: meta.IPAddress,
		Metadata: map[string]any{
			audit.AttrSessionID: rt.ID,
			audit.AttrDevice:    meta.DeviceInfo,
		},
	})

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     rt.Token,
		RefreshExpiresAt: rt.ExpiresAt,
		SessionID:        rt.ID,
	}, nil
}

// VerifyAccessToken checks signature and expiry of an access token. It
// never touches the store.
func (s *Service) VerifyAccessToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId claim", ErrTokenInvalid)
	}

	return claims, nil
}

// RotateRefreshToken exchanges a refresh token for a new pair bound to the
// same device. The old token is revoked in the same store operation that
// persists the new one.
func (s *Service) RotateRefreshToken(ctx context.Context, oldToken string) (*TokenPair, *identity.User, error) {
	ctx, span := tracer.Start(ctx, "token.RotateRefreshToken")
	defer span.End()

	pair, user, err := s.rotate(ctx, oldToken)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	span.SetAttributes(attribute.String("user.id", user.ID))
	return pair, user, nil
}

func (s *Service) rotate(ctx context.Context, oldToken string) (*TokenPair, *identity.User, error) {
	if oldToken == "" {
		return nil, nil, ErrRefreshTokenNotFound
	}

	current, err := s.tokens.GetByToken(ctx, oldToken)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return nil, nil, ErrRefreshTokenNotFound
		}
		return nil, nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	if current.IsRevoked {
		// A revoked token being presented again means it was copied or
		// replayed.
		s.auditLogger.Log(ctx, audit.Event{
			Type:      audit.TypeTokenReuse,
			ActorID:   current.UserID,
			Resource:  "refresh_token",
			IPAddress: current.IPAddress,
			Metadata:  map[string]any{audit.AttrSessionID: current.ID},
		})
		return nil, nil, ErrRefreshTokenNotFound
	}

	now := s.now()
	if current.IsExpired(now) {
		if err := s.tokens.Revoke(ctx, current.ID); err != nil && !errors.Is(err, ErrRefreshTokenNotFound) {
			slog.WarnContext(ctx, "failed to revoke expired refresh token",
				logger.Error(err),
				logger.SessionID(current.ID),
			)
		}
		return nil, nil, ErrRefreshTokenExpired
	}

	user, err := s.users.GetByID(ctx, current.UserID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, nil, identity.ErrUserNotFound
		}
		return nil, nil, fmt.Errorf("failed to load user: %w", err)
	}

	roles, err := s.roles.RoleNames(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve roles: %w", err)
	}

	access, accessExp, err := s.signAccessToken(user, roles, now)
	if err != nil {
		return nil, nil, err
	}

	next, err := s.newRefreshToken(user.ID, DeviceMeta{
		DeviceInfo: current.DeviceInfo,
		IPAddress:  current.IPAddress,
	}, now)
	if err != nil {
		return nil, nil, err
	}

	if err := s.tokens.Rotate(ctx, current.Token, next); err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return nil, nil, ErrRefreshTokenNotFound
		}
		return nil, nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:      audit.TypeTokenRotated,
		ActorID:   user.ID,
		Resource:  "refresh_token",
		IPAddress: current.IPAddress,
		Metadata: map[string]any{
			audit.AttrSessionID: next.ID,
			"previous_session":  current.ID,
		},
	})

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     next.Token,
		RefreshExpiresAt: next.ExpiresAt,
		SessionID:        next.ID,
	}, user, nil
}

func (s *Service) signAccessToken(user *identity.User, roles []string, now time.Time) (string, time.Time, error) {
	if roles == nil {
		roles = []string{}
	}
	exp := now.Add(s.accessTTL)

	claims := Claims{
		UserID:   user.ID,
		Roles:    roles,
		UserName: user.Name(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.NewUUIDv7(),
			Issuer:    s.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, exp, nil
}

func (s *Service) newRefreshToken(userID string, meta DeviceMeta, now time.Time) (*RefreshToken, error) {
	raw, err := GenerateRandomToken(RefreshTokenBytes)
	if err != nil {
		return nil, err
	}
	return &RefreshToken{
		ID:         id.NewULID(),
		Token:      raw,
		UserID:     userID,
		DeviceInfo: meta.DeviceInfo,
		IPAddress:  meta.IPAddress,
		ExpiresAt:  now.Add(s.refreshTTL),
		CreatedAt:  now,
	}, nil
}
