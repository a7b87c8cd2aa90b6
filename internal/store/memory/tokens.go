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

package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/opentrusty/taskhub/internal/token"
)

// ErrDuplicateToken is returned when a refresh token value is reused.
var ErrDuplicateToken = errors.New("refresh token already exists")

// RefreshTokenRepository implements token.RefreshTokenRepository
type RefreshTokenRepository struct{ s *Store }

func cloneToken(t *token.RefreshToken) *token.RefreshToken {
	c := *t
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		c.RevokedAt = &at
	}
	return &c
}

// Create persists a new refresh token
func (r *RefreshTokenRepository) Create(ctx context.Context, t *token.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.insertLocked(t)
}

func (r *RefreshTokenRepository) insertLocked(t *token.RefreshToken) error {
	if _, ok := r.s.refreshByValue[t.Token]; ok {
		return ErrDuplicateToken
	}
	if _, ok := r.s.refresh[t.ID]; ok {
		return ErrDuplicateToken
	}
	r.s.refresh[t.ID] = cloneToken(t)
	r.s.refreshByValue[t.Token] = t.ID
	return nil
}

// GetByToken retrieves a refresh token by value
func (r *RefreshTokenRepository) GetByToken(ctx context.Context, value string) (*token.RefreshToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.refreshByValue[value]
	if !ok {
		return nil, token.ErrRefreshTokenNotFound
	}
	return cloneToken(r.s.refresh[id]), nil
}

// GetByID retrieves a refresh token by ID
func (r *RefreshTokenRepository) GetByID(ctx context.Context, id string) (*token.RefreshToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	t, ok := r.s.refresh[id]
	if !ok {
		return nil, token.ErrRefreshTokenNotFound
	}
	return cloneToken(t), nil
}

// ListByUserAndDevice retrieves the refresh tokens of a user on one device
func (r *RefreshTokenRepository) ListByUserAndDevice(ctx context.Context, userID, deviceInfo string) ([]*token.RefreshToken, error) {
	return r.list(func(t *token.RefreshToken) bool {
		return t.UserID == userID && t.DeviceInfo == deviceInfo
	}), nil
}

// ListByUser retrieves the refresh tokens of a user, newest first
func (r *RefreshTokenRepository) ListByUser(ctx context.Context, userID string) ([]*token.RefreshToken, error) {
	return r.list(func(t *token.RefreshToken) bool {
		return t.UserID == userID
	}), nil
}

func (r *RefreshTokenRepository) list(match func(*token.RefreshToken) bool) []*token.RefreshToken {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*token.RefreshToken
	for _, t := range r.s.refresh {
		if match(t) {
			out = append(out, cloneToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Revoke marks an active refresh token as revoked
func (r *RefreshTokenRepository) Revoke(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.refresh[id]
	if !ok || t.IsRevoked {
		return token.ErrRefreshTokenNotFound
	}
	revokeLocked(t, time.Now())
	return nil
}

// RevokeAllForUser revokes every active refresh token of a user
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := time.Now()
	var n int64
	for _, t := range r.s.refresh {
		if t.UserID == userID && !t.IsRevoked {
			revokeLocked(t, now)
			n++
		}
	}
	return n, nil
}

// Rotate revokes oldToken and stores next under one lock
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldToken string, next *token.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	id, ok := r.s.refreshByValue[oldToken]
	if !ok {
		return token.ErrRefreshTokenNotFound
	}
	old := r.s.refresh[id]
	if old.IsRevoked {
		return token.ErrRefreshTokenNotFound
	}

	if err := r.insertLocked(next); err != nil {
		return err
	}
	revokeLocked(old, time.Now())
	return nil
}

// DeleteExpiredOrRevoked removes refresh tokens that are revoked or
// expired before the given time
func (r *RefreshTokenRepository) DeleteExpiredOrRevoked(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for id, t := range r.s.refresh {
		if t.IsRevoked || t.ExpiresAt.Before(before) {
			delete(r.s.refresh, id)
			delete(r.s.refreshByValue, t.Token)
			n++
		}
	}
	return n, nil
}

func revokeLocked(t *token.RefreshToken, now time.Time) {
	t.IsRevoked = true
	t.RevokedAt = &now
}
