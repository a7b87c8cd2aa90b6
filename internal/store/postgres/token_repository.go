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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/opentrusty/taskhub/internal/token"
)

const refreshTokenColumns = `
	id, token, user_id, device_info, ip_address,
	expires_at, is_revoked, revoked_at, created_at`

// RefreshTokenRepository implements token.RefreshTokenRepository
type RefreshTokenRepository struct {
	db *DB
}

// NewRefreshTokenRepository creates a new refresh token repository
func NewRefreshTokenRepository(db *DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// Create persists a new refresh token
func (r *RefreshTokenRepository) Create(ctx context.Context, t *token.RefreshToken) error {
	return insertRefreshToken(ctx, r.db.pool, t)
}

func insertRefreshToken(ctx context.Context, q querier, t *token.RefreshToken) error {
	var revokedAt sql.NullTime
	if t.RevokedAt != nil {
		revokedAt = sql.NullTime{Time: *t.RevokedAt, Valid: true}
	}

	_, err := q.Exec(ctx, `
		INSERT INTO refresh_tokens (`+refreshTokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		t.ID, t.Token, t.UserID, t.DeviceInfo, t.IPAddress,
		t.ExpiresAt, t.IsRevoked, revokedAt, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

// GetByToken retrieves a refresh token by value
func (r *RefreshTokenRepository) GetByToken(ctx context.Context, value string) (*token.RefreshToken, error) {
	return r.getOne(ctx, `SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token = $1`, value)
}

// GetByID retrieves a refresh token by ID
func (r *RefreshTokenRepository) GetByID(ctx context.Context, id string) (*token.RefreshToken, error) {
	return r.getOne(ctx, `SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE id = $1`, id)
}

func (r *RefreshTokenRepository) getOne(ctx context.Context, query, arg string) (*token.RefreshToken, error) {
	t, err := scanRefreshToken(r.db.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, token.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return t, nil
}

// ListByUserAndDevice retrieves the refresh tokens of a user on one device
func (r *RefreshTokenRepository) ListByUserAndDevice(ctx context.Context, userID, deviceInfo string) ([]*token.RefreshToken, error) {
	return r.list(ctx, `
		SELECT `+refreshTokenColumns+`
		FROM refresh_tokens
		WHERE user_id = $1 AND device_info = $2
		ORDER BY created_at DESC, id DESC
	`, userID, deviceInfo)
}

// ListByUser retrieves the refresh tokens of a user, newest first
func (r *RefreshTokenRepository) ListByUser(ctx context.Context, userID string) ([]*token.RefreshToken, error) {
	return r.list(ctx, `
		SELECT `+refreshTokenColumns+`
		FROM refresh_tokens
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
}

func (r *RefreshTokenRepository) list(ctx context.Context, query string, args ...any) ([]*token.RefreshToken, error) {
	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh tokens: %w", err)
	}
	defer rows.Close()

	var out []*token.RefreshToken
	for rows.Next() {
		t, err := scanRefreshToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refresh token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Revoke marks an active refresh token as revoked
func (r *RefreshTokenRepository) Revoke(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET is_revoked = TRUE, revoked_at = NOW()
		WHERE id = $1 AND is_revoked = FALSE
	`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return token.ErrRefreshTokenNotFound
	}
	return nil
}

// RevokeAllForUser revokes every active refresh token of a user
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET is_revoked = TRUE, revoked_at = NOW()
		WHERE user_id = $1 AND is_revoked = FALSE
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return result.RowsAffected(), nil
}

// Rotate revokes oldToken and inserts next in one transaction. The
// conditional update makes concurrent rotations of the same token
// serialize on its row; only the first sees it unrevoked.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldToken string, next *token.RefreshToken) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE refresh_tokens
			SET is_revoked = TRUE, revoked_at = NOW()
			WHERE token = $1 AND is_revoked = FALSE
		`, oldToken)
		if err != nil {
			return fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		if result.RowsAffected() == 0 {
			return token.ErrRefreshTokenNotFound
		}
		return insertRefreshToken(ctx, tx, next)
	})
}

// DeleteExpiredOrRevoked removes dead refresh tokens
func (r *RefreshTokenRepository) DeleteExpiredOrRevoked(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM refresh_tokens WHERE is_revoked = TRUE OR expires_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete refresh tokens: %w", err)
	}
	return result.RowsAffected(), nil
}

func scanRefreshToken(row pgx.Row) (*token.RefreshToken, error) {
	var t token.RefreshToken
	var revokedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.Token, &t.UserID, &t.DeviceInfo, &t.IPAddress,
		&t.ExpiresAt, &t.IsRevoked, &revokedAt, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	return &t, nil
}
