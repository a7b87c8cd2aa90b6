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

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/opentrusty/taskhub/internal/oauth"
)

// PendingLinkRepository implements oauth.PendingLinkRepository
type PendingLinkRepository struct {
	db *DB
}

// NewPendingLinkRepository creates a new pending link repository
func NewPendingLinkRepository(db *DB) *PendingLinkRepository {
	return &PendingLinkRepository{db: db}
}

// Create stores a pending link
func (r *PendingLinkRepository) Create(ctx context.Context, link *oauth.PendingLink) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO oauth_pending_links (
			id, state_hash, provider, user_id, redirect_path, code_verifier, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		link.ID, link.StateHash, link.Provider, link.UserID,
		link.RedirectPath, link.CodeVerifier, link.ExpiresAt, link.CreatedAt,
	)
	if err != nil {
		if uniqueViolation(err) != "" {
			return oauth.ErrStateInvalid
		}
		return fmt.Errorf("failed to create pending link: %w", err)
	}
	return nil
}

// Consume deletes and returns the link for stateHash in one statement
func (r *PendingLinkRepository) Consume(ctx context.Context, stateHash string) (*oauth.PendingLink, error) {
	var link oauth.PendingLink
	err := r.db.pool.QueryRow(ctx, `
		DELETE FROM oauth_pending_links
		WHERE state_hash = $1
		RETURNING id, state_hash, provider, user_id, redirect_path, code_verifier, expires_at, created_at
	`, stateHash).Scan(
		&link.ID, &link.StateHash, &link.Provider, &link.UserID,
		&link.RedirectPath, &link.CodeVerifier, &link.ExpiresAt, &link.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth.ErrStateInvalid
		}
		return nil, fmt.Errorf("failed to consume pending link: %w", err)
	}
	return &link, nil
}

// DeleteExpired removes links that expired before the given time
func (r *PendingLinkRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM oauth_pending_links WHERE expires_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete pending links: %w", err)
	}
	return result.RowsAffected(), nil
}
