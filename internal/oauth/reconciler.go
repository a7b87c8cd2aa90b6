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

package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"strconv"
	"time"

	"github.com/opentrusty/taskhub/internal/audit"
	"github.com/opentrusty/taskhub/internal/id"
	"github.com/opentrusty/taskhub/internal/identity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/opentrusty/taskhub/internal/oauth")

// maxUsernameAttempts bounds the search for a free username.
const maxUsernameAttempts = 10

// RoleGranter grants roles and reports the roles a user holds.
type RoleGranter interface {
	identity.RoleAssigner
	RoleNames(ctx context.Context, userID string) ([]string, error)
}

// Reconciler finds or creates the local account for a provider profile.
type Reconciler struct {
	users       identity.UserRepository
	hasher      *identity.PasswordHasher
	roles       RoleGranter
	defaultRole string
	auditLogger audit.Logger
	now         func() time.Time
}

// NewReconciler creates a new reconciler. New accounts are granted
// defaultRole.
func NewReconciler(
	users identity.UserRepository,
	hasher *identity.PasswordHasher,
	roles RoleGranter,
	defaultRole string,
	auditLogger audit.Logger,
) *Reconciler {
	return &Reconciler{
		users:       users,
		hasher:      hasher,
		roles:       roles,
		defaultRole: defaultRole,
		auditLogger: auditLogger,
		now:         time.Now,
	}
}

// Reconcile returns the account owning profile's email, linking provider
// to it when needed. When no account exists one is created, verified and
// without a usable password. Concurrent calls for the same email converge
// on a single account. An account that holds no role is granted the
// default role, which also completes a creation whose grant failed.
func (r *Reconciler) Reconcile(ctx context.Context, provider string, profile Profile) (*identity.User, error) {
	ctx, span := tracer.Start(ctx, "oauth.Reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("oauth.provider", provider))

	user, err := r.reconcile(ctx, provider, profile)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("user.id", user.ID))
	return user, nil
}

func (r *Reconciler) reconcile(ctx context.Context, provider string, profile Profile) (*identity.User, error) {
	email := identity.NormalizeEmail(profile.Email)
	if email == "" {
		return nil, ErrEmailRequired
	}

	user, err := r.users.GetByEmail(ctx, email)
	if err == nil {
		return r.linkExisting(ctx, user, provider, profile)
	}
	if !errors.Is(err, identity.ErrUserNotFound) {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	user, err = r.create(ctx, email, provider, profile)
	if errors.Is(err, identity.ErrDuplicateEmail) {
		// Lost a race with a concurrent reconcile of the same email.
		existing, getErr := r.users.GetByEmail(ctx, email)
		if getErr != nil {
			return nil, fmt.Errorf("failed to reload user: %w", getErr)
		}
		return r.linkExisting(ctx, existing, provider, profile)
	}
	return user, err
}

func (r *Reconciler) linkExisting(ctx context.Context, user *identity.User, provider string, profile Profile) (*identity.User, error) {
	user, err := r.link(ctx, user, provider, profile)
	if err != nil {
		return nil, err
	}
	if err := r.ensureDefaultRole(ctx, user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

func (r *Reconciler) ensureDefaultRole(ctx context.Context, userID string) error {
	held, err := r.roles.RoleNames(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load roles: %w", err)
	}
	if len(held) > 0 {
		return nil
	}
	if err := r.roles.AssignRole(ctx, userID, r.defaultRole); err != nil {
		return fmt.Errorf("failed to assign default role: %w", err)
	}
	return nil
}

// Link attaches provider to an existing account. It is a no-op when the
// provider is already linked.
func (r *Reconciler) Link(ctx context.Context, userID, provider string, profile Profile) (*identity.User, error) {
	user, err := r.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return r.link(ctx, user, provider, profile)
}

func (r *Reconciler) link(ctx context.Context, user *identity.User, provider string, profile Profile) (*identity.User, error) {
	if user.IsLinked(provider) {
		return user, nil
	}

	// Only the provider entry is written; user may be stale.
	if err := r.users.LinkProvider(ctx, user.ID, provider, providerSubject(profile), r.now()); err != nil {
		return nil, fmt.Errorf("failed to link provider: %w", err)
	}

	r.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeProviderLinked,
		ActorID:  user.ID,
		Resource: "user",
		Metadata: map[string]any{audit.AttrProvider: provider},
	})

	fresh, err := r.users.GetByID(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload user: %w", err)
	}
	return fresh, nil
}

func (r *Reconciler) create(ctx context.Context, email, provider string, profile Profile) (*identity.User, error) {
	placeholder, err := unusablePassword(r.hasher)
	if err != nil {
		return nil, err
	}

	base := identity.UsernameFromEmail(email)
	now := r.now()
	user := &identity.User{
		ID:              id.NewUUIDv7(),
		Email:           email,
		DisplayName:     profile.Name,
		PasswordHash:    placeholder,
		Verified:        true,
		LinkedProviders: map[string]string{provider: providerSubject(profile)},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	created := false
	for attempt := 0; attempt < maxUsernameAttempts; attempt++ {
		user.Username = candidateUsername(base, attempt)

		if _, err := r.users.GetByUsername(ctx, user.Username); err == nil {
			continue
		} else if !errors.Is(err, identity.ErrUserNotFound) {
			return nil, fmt.Errorf("failed to check username: %w", err)
		}

		err := r.users.Create(ctx, user)
		if err == nil {
			created = true
			break
		}
		if errors.Is(err, identity.ErrDuplicateUsername) {
			continue
		}
		if errors.Is(err, identity.ErrDuplicateEmail) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if !created {
		return nil, fmt.Errorf("no free username for %q after %d attempts: %w", base, maxUsernameAttempts, identity.ErrDuplicateUsername)
	}

	r.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeUserCreated,
		ActorID:  user.ID,
		Resource: "user",
		Metadata: map[string]any{
			audit.AttrEmail:    email,
			audit.AttrProvider: provider,
		},
	})
	r.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeProviderLinked,
		ActorID:  user.ID,
		Resource: "user",
		Metadata: map[string]any{audit.AttrProvider: provider},
	})

	// A failed grant leaves the account role-less; the next reconcile
	// retries it through ensureDefaultRole.
	if err := r.roles.AssignRole(ctx, user.ID, r.defaultRole); err != nil {
		return nil, fmt.Errorf("failed to assign default role: %w", err)
	}
	return user, nil
}

func candidateUsername(base string, attempt int) string {
	if attempt == 0 {
		return base
	}
	return base + strconv.Itoa(1000+mrand.IntN(9000))
}

func providerSubject(profile Profile) string {
	if profile.ProviderUserID != "" {
		return profile.ProviderUserID
	}
	return identity.NormalizeEmail(profile.Email)
}

// unusablePassword hashes 32 random bytes that are thrown away, so the
// account can never be signed into with a password.
func unusablePassword(hasher *identity.PasswordHasher) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate placeholder password: %w", err)
	}
	hash, err := hasher.Hash(hex.EncodeToString(raw))
	if err != nil {
		return "", fmt.Errorf("failed to hash placeholder password: %w", err)
	}
	return hash, nil
}
