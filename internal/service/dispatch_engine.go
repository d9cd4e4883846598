package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/unclebandit/quicksend/internal/cache"
	"github.com/unclebandit/quicksend/internal/composer"
	appErrors "github.com/unclebandit/quicksend/internal/errors"
	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/metrics"
	"github.com/unclebandit/quicksend/internal/model"
	"github.com/unclebandit/quicksend/internal/quota"
	"github.com/unclebandit/quicksend/internal/sender"
)

type CampaignStore interface {
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	UpdateStatus(ctx context.Context, campaignID int64, status model.CampaignStatus) error
}

type RecipientMarker interface {
	MarkSent(ctx context.Context, recipientID int64, at time.Time) (bool, error)
}

type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
}

type QuotaChecker interface {
	CanSend(ctx context.Context, userID int64, additional int) (quota.Decision, error)
}

type QuotaCounter interface {
	QuotaChecker
	IncrementSentCount(ctx context.Context, userID int64) (int, error)
}

type MessageComposer interface {
	Compose(msg composer.Message) (string, error)
}

type LeaseAcquirer interface {
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (*cache.Lease, error)
}

// DispatchEngine sends one campaign to its recipients, one at a time, in
// submission order.
type DispatchEngine struct {
	Campaigns  CampaignStore
	Recipients RecipientMarker
	Users      UserLookup
	Quota      QuotaCounter
	Composer   MessageComposer
	Sender     sender.Sender
	Leases     LeaseAcquirer
	Events     ExecutionLog
	Log        logger.Logger
	Metrics    *metrics.Metrics

	SendInterval time.Duration
	LeaseTTL     time.Duration
	Now          func() time.Time
}

func leaseKey(campaignID int64) string {
	return fmt.Sprintf("dispatch:lease:%d", campaignID)
}

// Run never returns an error: every outcome, including failures to start,
// is described by the report. report.Err is set when the job should be
// retried, either because the run could not start or because it was
// interrupted before every recipient was attempted.
func (e *DispatchEngine) Run(ctx context.Context, job model.DispatchJob) *model.RunReport {
	report := &model.RunReport{
		CampaignID: job.CampaignID,
		UserID:     job.UserID,
		Status:     model.RunPending,
		Timestamp:  e.now(),
		Result:     model.DispatchResult{Errors: []model.RecipientError{}, MessageIDs: []string{}},
	}
	log := e.Log.With("campaign_id", job.CampaignID, "user_id", job.UserID, "job_id", job.JobID)

	lease, err := e.Leases.AcquireLease(ctx, leaseKey(job.CampaignID), e.leaseTTL())
	if errors.Is(err, cache.ErrLeaseHeld) {
		log.Info("campaign dispatch already in progress, skipping")
		report.Status = model.RunSkipped
		return e.finish(report)
	}
	if err != nil {
		log.Error("failed to acquire dispatch lease", "error", err)
		report.Status = model.RunAborted
		report.Err = err
		return e.finish(report)
	}
	defer func() {
		// The run ctx may already be cancelled; release regardless.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(relCtx); err != nil {
			log.Warn("failed to release dispatch lease", "error", err)
		}
	}()

	report.Status = model.RunRunning

	campaign, err := e.Campaigns.GetByID(ctx, job.CampaignID)
	if err != nil {
		var nf *appErrors.ErrCampaignNotFound
		if !errors.As(err, &nf) {
			report.Err = err
		}
		log.Error("failed to load campaign", "error", err)
		report.Status = model.RunAborted
		return e.finish(report)
	}
	if campaign.UserID != job.UserID {
		log.Error("job user does not own campaign", "owner_id", campaign.UserID)
		report.Status = model.RunAborted
		return e.finish(report)
	}

	user, err := e.Users.GetByID(ctx, campaign.UserID)
	if err != nil {
		log.Error("failed to load campaign owner", "error", err)
		report.Status = model.RunAborted
		report.Err = err
		return e.finish(report)
	}

	if err := e.Campaigns.UpdateStatus(ctx, campaign.ID, model.StatusSending); err != nil {
		log.Warn("failed to mark campaign sending", "error", err)
	}

	senderName := campaign.SenderName
	if senderName == "" {
		senderName = user.DisplayName()
	}

	limiter := rate.NewLimiter(rate.Every(e.SendInterval), 1)
	res := &report.Result
	res.Total = len(campaign.Recipients)
	skipped := 0
	var interrupted error

	for i, rcpt := range campaign.Recipients {
		if err := ctx.Err(); err != nil {
			interrupted = err
			break
		}
		if rcpt.SentAt != nil {
			skipped++
			e.record(ctx, job, model.DispatchEvent{Kind: model.EventRecipientSkipped, Recipient: rcpt.Email})
			continue
		}

		decision, err := e.Quota.CanSend(ctx, campaign.UserID, 1)
		if err != nil {
			if ctx.Err() != nil {
				interrupted = ctx.Err()
				break
			}
			e.fail(ctx, job, res, rcpt.Email, fmt.Errorf("quota check failed: %w", err))
			continue
		}
		if !decision.Allowed {
			reason := appErrors.ErrQuotaExhaustedMidRun.Error()
			if decision.Reason == appErrors.ReasonNoActiveSubscription {
				reason = "No active subscription"
			}
			for _, rest := range campaign.Recipients[i:] {
				if rest.SentAt != nil {
					continue
				}
				res.Failed++
				res.Errors = append(res.Errors, model.RecipientError{
					Recipient: rest.Email,
					Error:     reason,
				})
				if e.Metrics != nil {
					e.Metrics.EmailsFailed.Inc()
				}
			}
			e.record(ctx, job, model.DispatchEvent{
				Kind:      model.EventQuotaExhausted,
				Recipient: rcpt.Email,
				Error:     reason,
				Detail:    map[string]any{"reason": decision.Reason, "limit": decision.Limit, "current": decision.Current},
			})
			report.Status = model.RunAborted
			break
		}

		raw, err := e.Composer.Compose(composer.Message{
			SenderName:  senderName,
			SenderEmail: user.Email,
			Recipient:   rcpt.Email,
			Subject:     campaign.Subject,
			BodyHTML:    RenderTemplate(campaign.BodyTemplate, recipientFields(rcpt.Email, senderName)),
			Attachments: campaign.Attachments,
		})
		if err != nil {
			e.fail(ctx, job, res, rcpt.Email, err)
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			interrupted = err
			break
		}

		if err := lease.Refresh(ctx); err != nil {
			if errors.Is(err, cache.ErrLeaseLost) || ctx.Err() != nil {
				interrupted = err
				break
			}
			log.Warn("failed to refresh dispatch lease", "error", err)
		}

		messageID, err := e.Sender.Send(ctx, campaign.UserID, raw)
		if err != nil {
			if ctx.Err() != nil {
				interrupted = ctx.Err()
				break
			}
			e.fail(ctx, job, res, rcpt.Email, &appErrors.SendError{Recipient: rcpt.Email, Err: err})
			continue
		}

		// The message is out; record it even if the run is being cancelled.
		doneCtx := context.WithoutCancel(ctx)
		if marked, err := e.Recipients.MarkSent(doneCtx, rcpt.ID, e.now()); err != nil {
			log.Error("failed to mark recipient sent", "recipient", rcpt.Email, "error", err)
		} else if !marked {
			log.Warn("recipient was already marked sent by another run", "recipient", rcpt.Email)
		}
		if _, err := e.Quota.IncrementSentCount(doneCtx, campaign.UserID); err != nil {
			log.Error("failed to increment daily counter", "error", err)
		}

		res.Sent++
		res.MessageIDs = append(res.MessageIDs, messageID)
		if e.Metrics != nil {
			e.Metrics.EmailsSent.Inc()
		}
		e.record(ctx, job, model.DispatchEvent{Kind: model.EventRecipientSent, Recipient: rcpt.Email, MessageID: messageID})
	}

	if interrupted != nil {
		// Unsent recipients stay unmarked and the campaign stays SENDING, so
		// a redelivered job picks up where this run stopped.
		pending := res.Total - skipped - res.Sent - res.Failed
		report.Status = model.RunAborted
		report.Err = fmt.Errorf("dispatch interrupted with %d recipients pending: %w", pending, interrupted)
		e.record(ctx, job, model.DispatchEvent{
			Kind:  model.EventRunSummary,
			Error: interrupted.Error(),
			Detail: map[string]any{
				"status":  report.Status,
				"total":   res.Total,
				"sent":    res.Sent,
				"failed":  res.Failed,
				"skipped": skipped,
				"pending": pending,
			},
		})
		log.Warn("campaign dispatch interrupted",
			"sent", res.Sent, "failed", res.Failed, "pending", pending, "error", interrupted)
		return e.finish(report)
	}

	if report.Status == model.RunRunning {
		report.Status = model.RunCompleted
	}

	final := model.StatusCompleted
	if res.Sent == 0 && res.Failed > 0 {
		final = model.StatusFailed
	}
	if err := e.Campaigns.UpdateStatus(context.WithoutCancel(ctx), campaign.ID, final); err != nil {
		log.Error("failed to update campaign status", "status", final, "error", err)
	}

	e.record(ctx, job, model.DispatchEvent{
		Kind: model.EventRunSummary,
		Detail: map[string]any{
			"status":  report.Status,
			"total":   res.Total,
			"sent":    res.Sent,
			"failed":  res.Failed,
			"skipped": skipped,
		},
	})
	log.Info("campaign dispatch finished",
		"status", report.Status, "total", res.Total, "sent", res.Sent, "failed", res.Failed, "skipped", skipped)

	return e.finish(report)
}

func (e *DispatchEngine) fail(ctx context.Context, job model.DispatchJob, res *model.DispatchResult, recipient string, err error) {
	res.Failed++
	res.Errors = append(res.Errors, model.RecipientError{Recipient: recipient, Error: err.Error()})
	if e.Metrics != nil {
		e.Metrics.EmailsFailed.Inc()
	}
	e.record(ctx, job, model.DispatchEvent{Kind: model.EventRecipientFailed, Recipient: recipient, Error: err.Error()})
}

func (e *DispatchEngine) record(ctx context.Context, job model.DispatchJob, ev model.DispatchEvent) {
	if e.Events == nil {
		return
	}
	ev.CampaignID = job.CampaignID
	ev.JobID = job.JobID
	ev.CreatedAt = e.now()
	e.Events.Record(context.WithoutCancel(ctx), ev)
}

func (e *DispatchEngine) finish(report *model.RunReport) *model.RunReport {
	report.Timestamp = e.now()
	if e.Metrics != nil {
		e.Metrics.DispatchRuns.WithLabelValues(string(report.Status)).Inc()
	}
	return report
}

func (e *DispatchEngine) leaseTTL() time.Duration {
	if e.LeaseTTL <= 0 {
		return 30 * time.Minute
	}
	return e.LeaseTTL
}

func (e *DispatchEngine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}
