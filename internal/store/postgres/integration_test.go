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

//go:build integration
// +build integration

package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opentrusty/taskhub/internal/authz"
	"github.com/opentrusty/taskhub/internal/identity"
	"github.com/opentrusty/taskhub/internal/oauth"
	"github.com/opentrusty/taskhub/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	cfg := Config{
		Host:         envOr("TASKHUB_TEST_DB_HOST", "localhost"),
		Port:         envOr("TASKHUB_TEST_DB_PORT", "5432"),
		User:         envOr("TASKHUB_TEST_DB_USER", "taskhub"),
		Password:     envOr("TASKHUB_TEST_DB_PASSWORD", "taskhub_dev_password"),
		Database:     envOr("TASKHUB_TEST_DB_NAME", "taskhub_test"),
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 2,
	}

	ctx := context.Background()
	db, err := New(ctx, cfg)
	if err != nil {
		t.Skipf("Skipping integration test: failed to connect to database: %v", err)
	}
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx, InitialSchema))
	require.NoError(t, db.Truncate(ctx))
	return db
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func testUser(id, email, username string) *identity.User {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &identity.User{
		ID:              id,
		Email:           email,
		Username:        username,
		Verified:        true,
		LinkedProviders: map[string]string{"google": "sub-" + id},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// TestPurpose: Validates that the unique constraints on users map to domain errors.
// Scope: Database Integration Test
// Security: Duplicate emails would let two accounts claim one identity
// Expected: ErrDuplicateEmail and ErrDuplicateUsername; linked providers round trip through jsonb.
// Test Case ID: PG-01
func TestUserRepository_Unique(t *testing.T) {
	db := openTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testUser("u1", "Ann@Example.com", "ann")))
	assert.ErrorIs(t, repo.Create(ctx, testUser("u2", "ann@example.com", "ann2")), identity.ErrDuplicateEmail)
	assert.ErrorIs(t, repo.Create(ctx, testUser("u3", "bo@example.com", "ann")), identity.ErrDuplicateUsername)

	got, err := repo.GetByEmail(ctx, "ANN@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
	assert.Equal(t, "sub-u1", got.LinkedProviders["google"])

	require.NoError(t, repo.SetBlocked(ctx, "u1", true, time.Now()))
	got.DisplayName = "Ann"
	require.NoError(t, repo.Update(ctx, got), "stale copy still has blocked=false")
	again, err := repo.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, again.Blocked)
	assert.Equal(t, "Ann", again.DisplayName)

	require.NoError(t, repo.LinkProvider(ctx, "u1", "github", "gh-1", time.Now()))
	again, err = repo.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "sub-u1", again.LinkedProviders["google"])
	assert.Equal(t, "gh-1", again.LinkedProviders["github"])
	assert.True(t, again.Blocked)
	assert.ErrorIs(t, repo.SetBlocked(ctx, "missing", true, time.Now()), identity.ErrUserNotFound)
	assert.ErrorIs(t, repo.LinkProvider(ctx, "missing", "github", "x", time.Now()), identity.ErrUserNotFound)

	_, err = repo.GetByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, identity.ErrUserNotFound)
}

// TestPurpose: Validates that concurrent rotations of one refresh token have a single winner in PostgreSQL.
// Scope: Database Integration Test
// Security: Refresh token replay protection
// Expected: Exactly one Rotate succeeds; the rest return ErrRefreshTokenNotFound.
// Test Case ID: PG-02
func TestRefreshTokenRepository_RotateConcurrent(t *testing.T) {
	db := openTestDB(t)
	users := NewUserRepository(db)
	repo := NewRefreshTokenRepository(db)
	ctx := context.Background()

	require.NoError(t, users.Create(ctx, testUser("u1", "rot@example.com", "rot")))
	now := time.Now().UTC()
	require.NoError(t, repo.Create(ctx, &token.RefreshToken{
		ID: "rt-0", Token: "value-0", UserID: "u1", DeviceInfo: "laptop",
		ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}))

	const workers = 6
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := &token.RefreshToken{
				ID:        "rt-next-" + string(rune('a'+i)),
				Token:     "value-next-" + string(rune('a'+i)),
				UserID:    "u1",
				ExpiresAt: now.Add(time.Hour),
				CreatedAt: now,
			}
			errs[i] = repo.Rotate(ctx, "value-0", next)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, token.ErrRefreshTokenNotFound)
	}
	assert.Equal(t, 1, wins)

	all, err := repo.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	n, err := repo.DeleteExpiredOrRevoked(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// TestPurpose: Validates batched role permission lookup and idempotent grants.
// Scope: Database Integration Test
// Security: N/A
// Expected: Double grant keeps one edge; FindByRoles returns all edges of the requested roles.
// Test Case ID: PG-03
func TestAuthzRepositories(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	roles := NewRoleRepository(db)
	perms := NewPermissionRepository(db)
	assignments := NewAssignmentRepository(db)
	rolePerms := NewRolePermissionRepository(db)

	require.NoError(t, NewUserRepository(db).Create(ctx, testUser("u1", "az@example.com", "az")))
	require.NoError(t, roles.Create(ctx, &authz.Role{ID: "r1", Name: "User", CreatedAt: time.Now()}))
	assert.ErrorIs(t, roles.Create(ctx, &authz.Role{ID: "r2", Name: "User", CreatedAt: time.Now()}), authz.ErrRoleAlreadyExists)
	require.NoError(t, perms.Create(ctx, &authz.Permission{ID: "p1", Name: "View Task", CreatedAt: time.Now()}))
	require.NoError(t, perms.Create(ctx, &authz.Permission{ID: "p2", Name: "Edit Task", CreatedAt: time.Now()}))

	a := &authz.RoleAssignment{UserID: "u1", RoleID: "r1", GrantedAt: time.Now()}
	inserted, err := assignments.Grant(ctx, a)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = assignments.Grant(ctx, a)
	require.NoError(t, err)
	assert.False(t, inserted)
	list, err := assignments.ListForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, rolePerms.Grant(ctx, "r1", "p1"))
	require.NoError(t, rolePerms.Grant(ctx, "r1", "p2"))
	require.NoError(t, rolePerms.Grant(ctx, "r1", "p2"))
	edges, err := rolePerms.FindByRoles(ctx, []string{"r1"})
	require.NoError(t, err)
	assert.Len(t, edges, 2)

	found, err := perms.GetByIDs(ctx, []string{"p1", "p2", "missing"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

// TestPurpose: Validates that a pending OAuth link can be consumed once.
// Scope: Database Integration Test
// Security: Callback replay protection
// Expected: First Consume returns the link, the second returns ErrStateInvalid.
// Test Case ID: PG-04
func TestPendingLinkRepository_Consume(t *testing.T) {
	db := openTestDB(t)
	repo := NewPendingLinkRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, &oauth.PendingLink{
		ID: "l1", StateHash: "hash-1", Provider: "google", RedirectPath: "/",
		CodeVerifier: "verifier", ExpiresAt: now.Add(time.Minute), CreatedAt: now,
	}))

	link, err := repo.Consume(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "google", link.Provider)

	_, err = repo.Consume(ctx, "hash-1")
	assert.ErrorIs(t, err, oauth.ErrStateInvalid)
}
