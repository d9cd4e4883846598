package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/unclebandit/quicksend/internal/model"
)

type SubscriptionRepository struct {
	DB *sql.DB
}

// ActiveSubscription returns the newest active subscription that has not
// ended yet, or nil when the user has none.
func (r *SubscriptionRepository) ActiveSubscription(ctx context.Context, userID int64) (*model.Subscription, error) {
	query := `
        SELECT id, user_id, plan, is_active, is_trial, started_at, end_at
        FROM subscriptions
        WHERE user_id=$1 AND is_active AND end_at > NOW()
        ORDER BY started_at DESC
        LIMIT 1
    `
	var s model.Subscription
	err := r.DB.QueryRowContext(ctx, query, userID).Scan(
		&s.ID, &s.UserID, &s.Plan, &s.IsActive, &s.IsTrial, &s.StartedAt, &s.EndAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *SubscriptionRepository) Create(ctx context.Context, s *model.Subscription) error {
	query := `
        INSERT INTO subscriptions (user_id, plan, is_active, is_trial, started_at, end_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query,
		s.UserID, s.Plan, s.IsActive, s.IsTrial, s.StartedAt, s.EndAt,
	).Scan(&s.ID)
}

// DeactivateExpired switches off active subscriptions whose end has passed
// and returns how many were changed.
func (r *SubscriptionRepository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE subscriptions SET is_active=FALSE WHERE is_active AND end_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
