package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/quicksend/internal/errors"
	"github.com/unclebandit/quicksend/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	UpdateStatus(ctx context.Context, campaignID int64, status model.CampaignStatus) error
	ListCampaigns(ctx context.Context, userID int64, offset, limit int, status string) ([]*model.Campaign, int, error)
	GetCampaignStats(ctx context.Context, campaignID int64) (map[string]int, error)
	Statistics(ctx context.Context, userID int64) (campaigns, recipients int, err error)
}

type CampaignRepository struct {
	DB *sql.DB
}

// ====================== Campaign CRUD ======================

// Create inserts the campaign together with its recipients and attachments
// in one transaction and fills in the generated ids.
func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	query := `
        INSERT INTO campaigns (user_id, sender_name, subject, body_template, status, scheduled_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id
    `
	if err := tx.QueryRowContext(ctx, query,
		c.UserID, c.SenderName, c.Subject, c.BodyTemplate, c.Status, c.ScheduledAt, c.CreatedAt,
	).Scan(&c.ID); err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	for i := range c.Recipients {
		rec := &c.Recipients[i]
		rec.CampaignID = c.ID
		rec.Position = i
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO recipients (campaign_id, email, position) VALUES ($1, $2, $3) RETURNING id`,
			c.ID, rec.Email, rec.Position,
		).Scan(&rec.ID); err != nil {
			return fmt.Errorf("insert recipient %s: %w", rec.Email, err)
		}
	}

	for i := range c.Attachments {
		a := &c.Attachments[i]
		a.CampaignID = c.ID
		if err := tx.QueryRowContext(ctx, `
            INSERT INTO attachments (campaign_id, filename, encoded_filename, mime_type, size, content)
            VALUES ($1, $2, $3, $4, $5, $6)
            RETURNING id`,
			c.ID, a.Filename, a.EncodedFilename, a.MimeType, a.Size, a.Content,
		).Scan(&a.ID); err != nil {
			return fmt.Errorf("insert attachment %s: %w", a.Filename, err)
		}
	}

	return tx.Commit()
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, campaignID int64, status model.CampaignStatus) error {
	query := `UPDATE campaigns SET status=$1 WHERE id=$2`
	if status == model.StatusCompleted || status == model.StatusFailed {
		query = `UPDATE campaigns SET status=$1, end_at=NOW() WHERE id=$2`
	}
	res, err := r.DB.ExecContext(ctx, query, status, campaignID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	return nil
}

// GetByID loads the campaign with recipients in position order and its
// attachments.
func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	query := `
        SELECT id, user_id, sender_name, subject, body_template, status, scheduled_at, created_at, end_at
        FROM campaigns WHERE id=$1
    `
	var c model.Campaign
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.UserID, &c.SenderName, &c.Subject, &c.BodyTemplate, &c.Status, &c.ScheduledAt, &c.CreatedAt, &c.EndAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}

	if c.Recipients, err = r.recipients(ctx, id); err != nil {
		return nil, err
	}
	if c.Attachments, err = r.attachments(ctx, id); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) recipients(ctx context.Context, campaignID int64) ([]model.Recipient, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, campaign_id, email, position, sent_at, opened_at
        FROM recipients WHERE campaign_id=$1 ORDER BY position`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		var rec model.Recipient
		if err := rows.Scan(&rec.ID, &rec.CampaignID, &rec.Email, &rec.Position, &rec.SentAt, &rec.OpenedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *CampaignRepository) attachments(ctx context.Context, campaignID int64) ([]model.Attachment, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, campaign_id, filename, encoded_filename, mime_type, size, content
        FROM attachments WHERE campaign_id=$1 ORDER BY id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Attachment
	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.ID, &a.CampaignID, &a.Filename, &a.EncodedFilename, &a.MimeType, &a.Size, &a.Content); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListCampaigns returns one page of the user's campaigns, newest first,
// without children, plus the total matching count.
func (r *CampaignRepository) ListCampaigns(ctx context.Context, userID int64, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	where := ` WHERE user_id=$1`
	args := []interface{}{userID}
	argPos := 2

	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query := `SELECT id, user_id, sender_name, subject, body_template, status, scheduled_at, created_at, end_at FROM campaigns` +
		where + fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)

	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c := &model.Campaign{}
		if err := rows.Scan(&c.ID, &c.UserID, &c.SenderName, &c.Subject, &c.BodyTemplate, &c.Status, &c.ScheduledAt, &c.CreatedAt, &c.EndAt); err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

// GetCampaignStats counts the campaign's recipients by delivery state.
func (r *CampaignRepository) GetCampaignStats(ctx context.Context, campaignID int64) (map[string]int, error) {
	query := `
        SELECT COUNT(*),
               COUNT(sent_at),
               COUNT(opened_at)
        FROM recipients WHERE campaign_id=$1
    `
	var total, sent, opened int
	if err := r.DB.QueryRowContext(ctx, query, campaignID).Scan(&total, &sent, &opened); err != nil {
		return nil, err
	}
	return map[string]int{
		"total":   total,
		"sent":    sent,
		"pending": total - sent,
		"opened":  opened,
	}, nil
}

// Statistics returns how many campaigns the user owns and how many
// recipients they address in total.
func (r *CampaignRepository) Statistics(ctx context.Context, userID int64) (int, int, error) {
	query := `
        SELECT COUNT(DISTINCT c.id), COUNT(rc.id)
        FROM campaigns c
        LEFT JOIN recipients rc ON rc.campaign_id = c.id
        WHERE c.user_id=$1
    `
	var campaigns, recipients int
	if err := r.DB.QueryRowContext(ctx, query, userID).Scan(&campaigns, &recipients); err != nil {
		return 0, 0, err
	}
	return campaigns, recipients, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
