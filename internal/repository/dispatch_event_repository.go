package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/unclebandit/quicksend/internal/model"
)

// DispatchEventRepository appends execution log records for dispatch runs.
type DispatchEventRepository struct {
	DB *sql.DB
}

func (r *DispatchEventRepository) Insert(ctx context.Context, e *model.DispatchEvent) error {
	var detail sql.NullString
	if e.Detail != nil {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return err
		}
		detail = sql.NullString{String: string(b), Valid: true}
	}
	query := `
        INSERT INTO dispatch_events (campaign_id, job_id, kind, recipient, message_id, error, detail, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query,
		e.CampaignID, e.JobID, e.Kind, e.Recipient, e.MessageID, e.Error, detail, e.CreatedAt,
	).Scan(&e.ID)
}

// ListByCampaign returns the run history oldest first.
func (r *DispatchEventRepository) ListByCampaign(ctx context.Context, campaignID int64) ([]model.DispatchEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, campaign_id, job_id, kind, recipient, message_id, error, created_at
        FROM dispatch_events WHERE campaign_id=$1 ORDER BY id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DispatchEvent
	for rows.Next() {
		var e model.DispatchEvent
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.JobID, &e.Kind, &e.Recipient, &e.MessageID, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
