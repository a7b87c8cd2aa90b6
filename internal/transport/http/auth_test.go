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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/opentrusty/taskhub/internal/audit"
	"github.com/opentrusty/taskhub/internal/authz"
	"github.com/opentrusty/taskhub/internal/identity"
	"github.com/opentrusty/taskhub/internal/oauth"
	"github.com/opentrusty/taskhub/internal/rbac"
	"github.com/opentrusty/taskhub/internal/session"
	"github.com/opentrusty/taskhub/internal/store/memory"
	"github.com/opentrusty/taskhub/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "Correct-Horse-9"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type auditRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *auditRecorder) Log(ctx context.Context, e audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *auditRecorder) count(eventType string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// fakeProvider signs in whoever the test configures.
type fakeProvider struct {
	profile oauth.Profile
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) AuthCodeURL(state, codeVerifier string) string {
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) FetchProfile(ctx context.Context, code, codeVerifier string) (*oauth.Profile, error) {
	profile := p.profile
	return &profile, nil
}

type testEnv struct {
	store    *memory.Store
	clock    *fakeClock
	audit    *auditRecorder
	hasher   *identity.PasswordHasher
	resolver *authz.Resolver
	tokens   *token.Service
	users    *identity.Service
	provider *fakeProvider
	router   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	env := &testEnv{
		store:    memory.New(),
		clock:    &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
		audit:    &auditRecorder{},
		hasher:   identity.NewPasswordHasher(1024, 1, 1, 16, 32),
		provider: &fakeProvider{},
	}

	env.resolver = authz.NewResolver(env.store.Roles(), env.store.Permissions(), env.store.Assignments(), env.store.RolePermissions(), env.audit)
	catalog, err := authz.DefaultCatalog()
	require.NoError(t, err)
	require.NoError(t, env.resolver.SeedCatalog(ctx, catalog))

	env.tokens, err = token.NewService([]byte("0123456789abcdef0123456789abcdef"),
		env.store.RefreshTokens(), env.store.Users(), env.resolver, env.audit, token.WithClock(env.clock.Now))
	require.NoError(t, err)

	sessions := session.NewManager(env.store.Users(), env.hasher, env.tokens, env.store.RefreshTokens(), env.audit,
		session.WithClock(env.clock.Now),
	)
	env.users = identity.NewService(env.store.Users(), env.hasher, env.audit)

	reconciler := oauth.NewReconciler(env.store.Users(), env.hasher, env.resolver, rbac.RoleUser, env.audit)
	flow := oauth.NewFlow(env.store.PendingLinks(), reconciler, env.provider)

	cookies := CookieConfig{
		Name:     "refreshToken",
		Path:     "/",
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   token.DefaultRefreshTTL,
	}
	auth := NewAuthenticator(env.tokens, sessions, env.store.Users(), env.resolver, env.audit, cookies)
	h := NewHandler(env.users, sessions, env.tokens, env.resolver, flow, auth, env.audit, cookies)

	rl := NewRateLimiter(1000, 1000)
	t.Cleanup(rl.Stop)
	env.router = NewRouter(h, rl)
	return env
}

func (env *testEnv) addUser(t *testing.T, username, role string) *identity.User {
	t.Helper()
	hash, err := env.hasher.Hash(testPassword)
	require.NoError(t, err)

	u := &identity.User{
		ID:           "id-" + username,
		Email:        username + "@example.com",
		Username:     username,
		PasswordHash: hash,
		Verified:     true,
		CreatedAt:    env.clock.Now(),
		UpdatedAt:    env.clock.Now(),
	}
	require.NoError(t, env.store.Users().Create(context.Background(), u))
	require.NoError(t, env.resolver.AssignRole(context.Background(), u.ID, role))
	return u
}

type request struct {
	method string
	path   string
	body   any
	bearer string
	cookie string
	csrf   bool
}

func (env *testEnv) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if req.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(req.body))
	}
	r := httptest.NewRequest(req.method, req.path, &body)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("User-Agent", "test-agent")
	if req.bearer != "" {
		r.Header.Set("Authorization", "Bearer "+req.bearer)
	}
	if req.cookie != "" {
		r.AddCookie(&http.Cookie{Name: "refreshToken", Value: req.cookie})
	}
	if req.csrf {
		r.Header.Set("X-CSRF-Token", "1")
	}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	return w
}

func (env *testEnv) login(t *testing.T, email, device string) TokenResponse {
	t.Helper()
	env.clock.Advance(time.Second)

	w := env.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/login",
		body:   LoginRequest{Email: email, Password: testPassword, DeviceInfo: device},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp TokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func refreshCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == "refreshToken" {
			return c
		}
	}
	return nil
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	msg, _ := body["error"].(string)
	return msg
}

// =============================================================================
// AUTHENTICATION MIDDLEWARE
// Category: Authentication - Token Verification
// Type: Unit Test (UT)
// =============================================================================

// TestPurpose: Validates that requests without a usable token are rejected.
// Scope: Unit Test
// Security: Protected routes never run unauthenticated
// Expected: 401 with WWW-Authenticate for a missing token and for a forged token.
// Test Case ID: MW-02
func TestAuthenticate_MissingAndInvalidToken(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, request{method: http.MethodGet, path: "/api/v1/auth/me"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "not authenticated", errorBody(t, w))

	w = env.do(t, request{method: http.MethodGet, path: "/api/v1/auth/me", bearer: "not.a.jwt"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid token", errorBody(t, w))
}

// TestPurpose: Validates that a login sets the refresh cookie and the access token authenticates /me.
// Scope: Unit Test
// Security: Identity attached from fresh store state
// Expected: Cookie flags set; /me lists the User role and its permissions.
// Test Case ID: MW-03
func TestAuthenticate_AttachesIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", rbac.RoleUser)

	env.clock.Advance(time.Second)
	w := env.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/login",
		body:   LoginRequest{Email: "alice@example.com", Password: testPassword, DeviceInfo: "laptop"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	c := refreshCookie(w)
	require.NotNil(t, c)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, 7*24*3600, c.MaxAge)

	var resp TokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, c.Value, resp.RefreshToken)
	assert.Len(t, resp.RefreshToken, 80)
	assert.Equal(t, "Bearer", resp.TokenType)

	w = env.do(t, request{method: http.MethodGet, path: "/api/v1/auth/me", bearer: resp.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)

	var me UserResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&me))
	assert.Equal(t, "id-alice", me.ID)
	assert.Equal(t, []string{rbac.RoleUser}, me.Roles)
	assert.Contains(t, me.Permissions, rbac.PermViewTask)
	assert.NotContains(t, me.Permissions, rbac.PermManageUsers)
}

// TestPurpose: Validates login failure mapping.
// Scope: Unit Test
// Security: Credential errors are 401, account state errors are 403
// Expected: Wrong password 401; blocked account 403.
// Test Case ID: MW-04
func TestLogin_Failures(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", rbac.RoleUser)

	w := env.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/login",
		body:   LoginRequest{Email: "alice@example.com", Password: "wrong"},
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, refreshCookie(w))

	require.NoError(t, env.users.SetBlocked(context.Background(), audit.ActorSystem, "id-alice", true))
	w = env.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/login",
		body:   LoginRequest{Email: "alice@example.com", Password: testPassword},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "account blocked", errorBody(t, w))
}

// TestPurpose: Validates transparent refresh of an expired access token and rejection of a replayed cookie.
// Scope: Unit Test
// Security: Refresh token rotation; a rotated token never authenticates again
// Expected: Expired token + cookie succeeds with X-Access-Token and a new cookie; replaying the old cookie gives 401 "session expired".
// Test Case ID: MW-05
func TestAuthenticate_TransparentRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", rbac.RoleUser)
	first := env.login(t, "alice@example.com", "laptop")

	env.clock.Advance(16 * time.Minute)

	w := env.do(t, request{method: http.MethodGet, path: "/api/v1/auth/me", bearer: first.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "expired token without cookie")
	assert.Equal(t, "session expired", errorBody(t, w))

	w = env.do(t, request{
		method: http.MethodGet,
		path:   "/api/v1/auth/me",
		bearer: first.AccessToken,
		cookie: first.RefreshToken,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	fresh := w.Header().Get(AccessTokenHeader)
	require.NotEmpty(t, fresh)
	claims, err := env.tokens.VerifyAccessToken(fresh)
	require.NoError(t, err)
	assert.Equal(t, "id-alice", claims.UserID)

	rotated := refreshCookie(w)
	require.NotNil(t, rotated)
	assert.NotEqual(t, first.RefreshToken, rotated.Value)

	// Replay of the consumed cookie
	w = env.do(t, request{
		method: http.MethodGet,
		path:   "/api/v1/auth/me",
		bearer: first.AccessToken,
		cookie: first.RefreshToken,
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "session expired", errorBody(t, w))

	w = env.do(t, request{method: http.MethodGet, path: "/api/v1/auth/me", bearer: fresh})
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestPurpose: Validates that blocking takes effect on the next request even with a valid access token.
// Scope: Unit Test
// Security: Account block propagation
// Expected: 401 "account blocked".
// Test Case ID: MW-06
func TestAuthenticate_BlockedUser(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", rbac.RoleUser)
	resp := env.login(t, "alice@example.com", "laptop")

	require.NoError(t, env.users.SetBlocked(context.Background(), audit.ActorSystem, "id-alice", true))

	w := env.do(t, request{method: http.MethodGet, path: "/api/v1/auth/me", bearer: resp.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "account blocked", errorBody(t, w))
}

// =============================================================================
// AUTHORIZATION
// Category: Authorization - Permission Checks
// Type: Unit Test (UT)
// =============================================================================

// TestPurpose: Validates that role administration requires the Manage Users permission.
// Scope: Unit Test
// Security: Privilege escalation prevention
// Expected: User role gets 403 and an audit record; Admin can assign and revoke; effect visible on next request.
// Test Case ID: MW-07
func TestAuthorize_RoleAdministration(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "root", rbac.RoleAdmin)
	env.addUser(t, "bob", rbac.RoleUser)
	admin := env.login(t, "root@example.com", "laptop")
	bob := env.login(t, "bob@example.com", "phone")

	assign := func(bearer, role string) *httptest.ResponseRecorder {
		return env.do(t, request{
			method: http.MethodPost,
			path:   "/api/v1/users/id-bob/roles",
			bearer: bearer,
			body:   AssignRoleRequest{Role: role},
		})
	}

	w := assign(bob.AccessToken, rbac.RoleAdmin)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 1, env.audit.count(audit.TypePermissionViolation))

	w = assign(admin.AccessToken, rbac.RoleManager)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = assign(admin.AccessToken, "Overlord")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, request{method: http.MethodGet, path: "/api/v1/auth/me", bearer: bob.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)
	var me UserResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&me))
	assert.Equal(t, []string{rbac.RoleManager, rbac.RoleUser}, me.Roles)

	w = env.do(t, request{
		method: http.MethodDelete,
		path:   "/api/v1/users/id-bob/roles/" + url.PathEscape(rbac.RoleManager),
		bearer: admin.AccessToken,
	})
	require.Equal(t, http.StatusOK, w.Code)

	names, err := env.resolver.RoleNames(context.Background(), "id-bob")
	require.NoError(t, err)
	assert.Equal(t, []string{rbac.RoleUser}, names)
}

// TestPurpose: Validates administrative block through the API.
// Scope: Unit Test
// Security: Blocking revokes sessions and locks the account out
// Expected: Block returns 200; the blocked user's refresh token no longer works.
// Test Case ID: MW-08
func TestAdmin_BlockUser(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "root", rbac.RoleAdmin)
	env.addUser(t, "bob", rbac.RoleUser)
	admin := env.login(t, "root@example.com", "laptop")
	bob := env.login(t, "bob@example.com", "phone")

	w := env.do(t, request{method: http.MethodPut, path: "/api/v1/users/id-bob/block", bearer: admin.AccessToken})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, request{method: http.MethodPut, path: "/api/v1/users/id-root/block", bearer: admin.AccessToken})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/refresh",
		body:   RefreshRequest{RefreshToken: bob.RefreshToken},
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// =============================================================================
// SESSIONS
// Category: Session Lifecycle
// Type: Unit Test (UT)
// =============================================================================

// TestPurpose: Validates refresh through the JSON body for clients without cookies.
// Scope: Unit Test
// Security: Single use refresh tokens
// Expected: First refresh 200 with a new token; reusing the old one 401.
// Test Case ID: MW-09
func TestRefresh_BodyToken(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", rbac.RoleUser)
	resp := env.login(t, "alice@example.com", "cli")

	w := env.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/refresh",
		body:   RefreshRequest{RefreshToken: resp.RefreshToken},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var next TokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&next))
	assert.NotEqual(t, resp.RefreshToken, next.RefreshToken)

	w = env.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/refresh",
		body:   RefreshRequest{RefreshToken: resp.RefreshToken},
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	c := refreshCookie(w)
	require.NotNil(t, c)
	assert.Less(t, c.MaxAge, 0)
}

// TestPurpose: Validates logout through the cookie.
// Scope: Unit Test
// Security: Logout revokes the refresh token; cookie requests need the CSRF header
// Expected: Without X-CSRF-Token 403; with it 200, cookie cleared, token unusable.
// Test Case ID: MW-10
func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", rbac.RoleUser)
	resp := env.login(t, "alice@example.com", "laptop")

	w := env.do(t, request{method: http.MethodPost, path: "/api/v1/auth/logout", cookie: resp.RefreshToken})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/logout",
		bearer: resp.AccessToken,
		cookie: resp.RefreshToken,
		csrf:   true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	c := refreshCookie(w)
	require.NotNil(t, c)
	assert.Less(t, c.MaxAge, 0)
	assert.Equal(t, 1, env.audit.count(audit.TypeLogout))

	rt, err := env.store.RefreshTokens().GetByToken(context.Background(), resp.RefreshToken)
	require.NoError(t, err)
	assert.True(t, rt.IsRevoked)

	// Logging out again still succeeds
	w = env.do(t, request{method: http.MethodPost, path: "/api/v1/auth/logout", cookie: resp.RefreshToken, csrf: true})
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestPurpose: Validates session listing and cross-user revocation through the API.
// Scope: Unit Test
// Security: Users can only revoke their own sessions
// Expected: Two sessions listed; another user's DELETE is 403; owner's DELETE is 200; unknown id 404.
// Test Case ID: MW-19
func TestSessions_Endpoints(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", rbac.RoleUser)
	env.addUser(t, "mallory", rbac.RoleUser)
	laptop := env.login(t, "alice@example.com", "laptop")
	env.login(t, "alice@example.com", "phone")
	mallory := env.login(t, "mallory@example.com", "laptop")

	list := func(bearer string) []session.SessionInfo {
		w := env.do(t, request{method: http.MethodGet, path: "/api/v1/auth/sessions", bearer: bearer})
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Sessions []session.SessionInfo `json:"sessions"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		return body.Sessions
	}

	sessions := list(laptop.AccessToken)
	require.Len(t, sessions, 2)
	assert.Equal(t, "phone", sessions[0].DeviceInfo)

	w := env.do(t, request{
		method: http.MethodDelete,
		path:   "/api/v1/auth/sessions/" + laptop.SessionID,
		bearer: mallory.AccessToken,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Len(t, list(laptop.AccessToken), 2)

	w = env.do(t, request{
		method: http.MethodDelete,
		path:   "/api/v1/auth/sessions/" + laptop.SessionID,
		bearer: laptop.AccessToken,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, list(laptop.AccessToken), 1)

	w = env.do(t, request{method: http.MethodDelete, path: "/api/v1/auth/sessions/nope", bearer: laptop.AccessToken})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, request{method: http.MethodPost, path: "/api/v1/auth/sessions/revoke-all", bearer: laptop.AccessToken})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, list(laptop.AccessToken))
}

// =============================================================================
// OAUTH
// Category: OAuth Sign-in
// Type: Unit Test (UT)
// =============================================================================

// TestPurpose: Validates the provider round trip creates an account and starts a session.
// Scope: Unit Test
// Security: State is single use; the redirect stays on-site
// Expected: start 302 to the provider; callback 302 to the requested path with a refresh cookie; replayed state 400.
// Test Case ID: MW-18
func TestOAuth_SignIn(t *testing.T) {
	env := newTestEnv(t)
	env.provider.profile = oauth.Profile{Email: "Carol@Example.com", Name: "Carol", ProviderUserID: "g-1"}

	w := env.do(t, request{method: http.MethodGet, path: "/api/v1/auth/oauth/fake/start?redirect=/projects"})
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", loc.Host)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	callback := "/api/v1/auth/oauth/fake/callback?code=abc&state=" + url.QueryEscape(state)
	w = env.do(t, request{method: http.MethodGet, path: callback})
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	assert.Equal(t, "/projects", w.Header().Get("Location"))

	c := refreshCookie(w)
	require.NotNil(t, c)

	user, err := env.store.Users().GetByEmail(context.Background(), "carol@example.com")
	require.NoError(t, err)
	assert.True(t, user.IsLinked("fake"))

	w = env.do(t, request{method: http.MethodGet, path: callback})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, request{method: http.MethodGet, path: "/api/v1/auth/oauth/nope/start"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
