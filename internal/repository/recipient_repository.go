package repository

import (
	"context"
	"database/sql"
	"time"
)

type RecipientRepositoryInterface interface {
	MarkSent(ctx context.Context, recipientID int64, at time.Time) (bool, error)
}

// RecipientRepository owns the per-recipient sent marker that makes a
// redelivered dispatch job safe to run again.
type RecipientRepository struct {
	DB *sql.DB
}

// MarkSent sets sent_at once. It reports false when the recipient was
// already marked, so a duplicate run can tell it lost the race.
func (r *RecipientRepository) MarkSent(ctx context.Context, recipientID int64, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE recipients SET sent_at=$1 WHERE id=$2 AND sent_at IS NULL`, at, recipientID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
