package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/unclebandit/quicksend/internal/model"
)

type UserRepository struct {
	DB *sql.DB
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, email, first_name, last_name, timezone FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Timezone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user with ID %d not found", id)
		}
		return nil, err
	}
	if u.Timezone == "" {
		u.Timezone = "UTC"
	}
	return &u, nil
}

// Upsert creates the user or refreshes their profile, keyed by email.
func (r *UserRepository) Upsert(ctx context.Context, u *model.User) error {
	if u.Timezone == "" {
		u.Timezone = "UTC"
	}
	query := `
        INSERT INTO users (email, first_name, last_name, timezone)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (email) DO UPDATE
        SET first_name=EXCLUDED.first_name, last_name=EXCLUDED.last_name, timezone=EXCLUDED.timezone
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query, u.Email, u.FirstName, u.LastName, u.Timezone).Scan(&u.ID)
}

// TokenRepository stores the Google OAuth credentials used by the sender.
type TokenRepository struct {
	DB *sql.DB
}

func (r *TokenRepository) GetToken(ctx context.Context, userID int64) (*model.GoogleToken, error) {
	var t model.GoogleToken
	var expiry sql.NullTime
	err := r.DB.QueryRowContext(ctx, `
        SELECT user_id, access_token, refresh_token, token_type, expires_at
        FROM google_tokens WHERE user_id=$1`, userID,
	).Scan(&t.UserID, &t.AccessToken, &t.RefreshToken, &t.TokenType, &expiry)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if expiry.Valid {
		t.Expiry = expiry.Time
	}
	return &t, nil
}

// SaveToken upserts. An empty refresh token keeps the stored one, since
// Google only returns it on the first grant.
func (r *TokenRepository) SaveToken(ctx context.Context, t *model.GoogleToken) error {
	var expiry *time.Time
	if !t.Expiry.IsZero() {
		expiry = &t.Expiry
	}
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO google_tokens (user_id, access_token, refresh_token, token_type, expires_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
        ON CONFLICT (user_id) DO UPDATE
        SET access_token=EXCLUDED.access_token,
            refresh_token=COALESCE(NULLIF(EXCLUDED.refresh_token, ''), google_tokens.refresh_token),
            token_type=EXCLUDED.token_type,
            expires_at=EXCLUDED.expires_at,
            updated_at=NOW()`,
		t.UserID, t.AccessToken, t.RefreshToken, t.TokenType, expiry)
	return err
}
