// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/unclebandit/quicksend/internal/attachment"
	appErrors "github.com/unclebandit/quicksend/internal/errors"
	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/metrics"
	"github.com/unclebandit/quicksend/internal/model"
	"github.com/unclebandit/quicksend/internal/repository"
	"github.com/unclebandit/quicksend/internal/scheduler"
)

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	Users        UserLookup
	Quota        QuotaChecker
	Attachments  *attachment.Preparer
	Scheduler    *scheduler.Scheduler
	Log          logger.Logger
	Metrics      *metrics.Metrics
}

// Upload is one file from the submission form.
type Upload struct {
	Filename string
	Content  io.Reader
}

type SubmitCampaignRequest struct {
	UserID     int64
	SenderName string
	Subject    string
	Body       string
	Recipients []string
	Date       string
	Time       string
	Timezone   string
	Files      []Upload
}

type SubmitCampaignResult struct {
	CampaignID  int64                `json:"campaign_id"`
	Status      model.CampaignStatus `json:"status"`
	ScheduledAt *time.Time           `json:"scheduled_at,omitempty"`
	JobID       string               `json:"job_id"`
}

type CampaignDetails struct {
	ID          int64                `json:"id"`
	SenderName  string               `json:"sender_name"`
	Subject     string               `json:"subject"`
	Status      model.CampaignStatus `json:"status"`
	ScheduledAt *time.Time           `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	EndAt       *time.Time           `json:"end_at,omitempty"`
	Attachments []string             `json:"attachments"`
	Stats       map[string]int       `json:"stats"`
}

// SubmitCampaign validates and stores a campaign, then either schedules it
// or queues it for immediate dispatch. Validation, quota and scheduling
// rejections happen before the campaign is persisted. A campaign that is
// stored but cannot be queued is kept and marked FAILED.
func (s *CampaignService) SubmitCampaign(ctx context.Context, req SubmitCampaignRequest) (*SubmitCampaignResult, error) {
	recipients := make([]model.Recipient, 0, len(req.Recipients))
	for _, email := range req.Recipients {
		email = strings.TrimSpace(email)
		if email == "" {
			continue
		}
		recipients = append(recipients, model.Recipient{Email: email})
	}
	if len(recipients) == 0 {
		return nil, appErrors.NewValidationError("at least one recipient is required")
	}
	if strings.TrimSpace(req.Subject) == "" {
		return nil, appErrors.NewValidationError("subject cannot be empty")
	}

	attachments := make([]model.Attachment, 0, len(req.Files))
	for _, f := range req.Files {
		desc, err := s.Attachments.Prepare(f.Content, f.Filename)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, desc.Attachment())
	}

	decision, err := s.Quota.CanSend(ctx, req.UserID, len(recipients))
	if err != nil {
		return nil, &appErrors.QuotaExceededError{
			Reason:    appErrors.ReasonQuotaUnavailable,
			Requested: len(recipients),
			Err:       err,
		}
	}
	if err := decision.Err(len(recipients)); err != nil {
		return nil, err
	}

	tz := req.Timezone
	if tz == "" && (req.Date != "" || req.Time != "") {
		tz = s.userTimezone(ctx, req.UserID)
	}
	fireAt, immediate, err := s.Scheduler.ResolveDispatchTime(req.Date, req.Time, tz)
	if err != nil {
		return nil, err
	}

	status, mode := model.StatusScheduled, "scheduled"
	if immediate {
		status, mode = model.StatusSending, "immediate"
	}

	// The DRAFT to SCHEDULED/SENDING step is committed with the insert, so no
	// campaign is left behind in DRAFT.
	c := &model.Campaign{
		UserID:       req.UserID,
		SenderName:   req.SenderName,
		Subject:      req.Subject,
		BodyTemplate: req.Body,
		Status:       status,
		Recipients:   recipients,
		Attachments:  attachments,
	}
	if !immediate {
		c.ScheduledAt = &fireAt
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	jobID, err := s.Scheduler.Schedule(ctx, model.DispatchJob{CampaignID: c.ID, UserID: req.UserID}, fireAt)
	if err != nil {
		if uerr := s.CampaignRepo.UpdateStatus(context.WithoutCancel(ctx), c.ID, model.StatusFailed); uerr != nil {
			s.Log.Error("failed to mark unscheduled campaign failed", "campaign_id", c.ID, "error", uerr)
		}
		return nil, err
	}

	if s.Metrics != nil {
		s.Metrics.CampaignsSubmitted.WithLabelValues(mode).Inc()
	}
	s.Log.Info("campaign submitted",
		"campaign_id", c.ID, "user_id", req.UserID, "recipients", len(recipients),
		"attachments", len(attachments), "mode", mode, "job_id", jobID)

	return &SubmitCampaignResult{
		CampaignID:  c.ID,
		Status:      status,
		ScheduledAt: c.ScheduledAt,
		JobID:       jobID,
	}, nil
}

func (s *CampaignService) userTimezone(ctx context.Context, userID int64) string {
	if s.Users == nil {
		return "UTC"
	}
	u, err := s.Users.GetByID(ctx, userID)
	if err != nil || u == nil || u.Timezone == "" {
		if err != nil {
			s.Log.Warn("falling back to UTC, user lookup failed", "user_id", userID, "error", err)
		}
		return "UTC"
	}
	return u.Timezone
}

// ListCampaigns fetches the user's campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, userID int64, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, userID, offset, pageSize, strings.ToUpper(status))
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// GetCampaignDetailsWithStats returns the campaign and its recipient
// counters. Campaigns owned by someone else read as not found.
func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, userID, campaignID int64) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.UserID != userID {
		return nil, appErrors.NewCampaignNotFound(campaignID)
	}

	stats, err := s.CampaignRepo.GetCampaignStats(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(campaign.Attachments))
	for i, a := range campaign.Attachments {
		names[i] = a.Filename
	}

	return &CampaignDetails{
		ID:          campaign.ID,
		SenderName:  campaign.SenderName,
		Subject:     campaign.Subject,
		Status:      campaign.Status,
		ScheduledAt: campaign.ScheduledAt,
		CreatedAt:   campaign.CreatedAt,
		EndAt:       campaign.EndAt,
		Attachments: names,
		Stats:       stats,
	}, nil
}

// Statistics summarises the user's campaigns.
func (s *CampaignService) Statistics(ctx context.Context, userID int64) (map[string]int, error) {
	campaigns, recipients, err := s.CampaignRepo.Statistics(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]int{
		"campaigns_count":  campaigns,
		"recipients_count": recipients,
	}, nil
}
