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

package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const (
	TypeLoginSuccess        = "login_success"
	TypeLoginFailed         = "login_failed"
	TypeLogout              = "logout"
	TypeTokenIssued         = "token_issued"
	TypeTokenRotated        = "token_rotated"
	TypeTokenRevoked        = "token_revoked"
	TypeTokenReuse          = "token_reuse"
	TypeSessionRevoked      = "session_revoked"
	TypeAllSessionsRevoked  = "all_sessions_revoked"
	TypeUserCreated         = "user_created"
	TypeUserBlocked         = "user_blocked"
	TypeUserUnblocked       = "user_unblocked"
	TypePasswordChanged     = "password_changed"
	TypeTwoFactorEnabled    = "two_factor_enabled"
	TypeProviderLinked      = "provider_linked"
	TypeRoleAssigned        = "role_assigned"
	TypeRoleRevoked         = "role_revoked"
	TypeAdminBootstrap      = "admin_bootstrap"
	TypeCleanupCompleted    = "cleanup_completed"
	TypePermissionViolation = "permission_violation"
)

// Metadata keys
const (
	AttrReason     = "reason"
	AttrEmail      = "email"
	AttrDevice     = "device_info"
	AttrSessionID  = "session_id"
	AttrProvider   = "provider"
	AttrRole       = "role"
	AttrPermission = "permission"
	AttrCount      = "count"
)

// ActorSystem marks events triggered by the server itself.
const ActorSystem = "system"

type Event struct {
	Type      string
	ActorID   string
	Resource  string
	Metadata  map[string]any
	Timestamp time.Time
	IPAddress string
	UserAgent string
}

type Logger interface {
	Log(ctx context.Context, event Event)
}

type SlogLogger struct{}

func NewSlogLogger() *SlogLogger {
	return &SlogLogger{}
}

func (l *SlogLogger) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	attrs := []any{
		slog.String("audit_type", event.Type),
		slog.String("actor_id", event.ActorID),
		slog.String("resource", event.Resource),
		slog.Time("timestamp", event.Timestamp),
	}

	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}

	if len(event.Metadata) > 0 {
		group := []any{}
		for k, v := range event.Metadata {
			if isSecret(k) {
				v = "[REDACTED]"
			}
			group = append(group, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", group...))
	}

	slog.InfoContext(ctx, "AUDIT_EVENT", append(attrs, slog.String("component", "audit"))...)
}

// isSecret matches metadata keys that may carry credentials. Matching is
// case-insensitive and by substring so that "refresh_token" or
// "Password_Hash" are caught too.
func isSecret(key string) bool {
	k := strings.ToLower(key)
	for _, s := range []string{"password", "secret", "token", "key", "authorization", "hash", "credential", "code"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
