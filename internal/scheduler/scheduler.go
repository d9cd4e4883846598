// Package scheduler resolves a user's local dispatch date and time into an
// absolute fire time and hands campaign jobs to the deferred queue.
package scheduler

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata" // IANA zones must resolve even on bare containers

	appErrors "github.com/unclebandit/quicksend/internal/errors"
	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/model"
	"github.com/unclebandit/quicksend/internal/queue"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"

	DefaultMinLead = time.Hour
)

type Scheduler struct {
	Queue   queue.JobQueue
	MinLead time.Duration
	Log     logger.Logger
	Now     func() time.Time
}

func New(q queue.JobQueue, minLead time.Duration, log logger.Logger) *Scheduler {
	if minLead <= 0 {
		minLead = DefaultMinLead
	}
	return &Scheduler{Queue: q, MinLead: minLead, Log: log, Now: time.Now}
}

// ResolveDispatchTime interprets date and clock as wall time in tz and
// returns the UTC instant to fire at. With both date and clock empty the
// campaign is immediate and the current time is returned.
func (s *Scheduler) ResolveDispatchTime(date, clock, tz string) (time.Time, bool, error) {
	now := s.Now().UTC()

	if date == "" && clock == "" {
		return now, true, nil
	}
	if date == "" || clock == "" {
		return time.Time{}, false, appErrors.NewSchedulingError("date and time must be given together")
	}

	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, false, &appErrors.SchedulingError{Message: fmt.Sprintf("unknown timezone %q", tz), Err: err}
	}

	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return time.Time{}, false, &appErrors.SchedulingError{Message: fmt.Sprintf("invalid date %q", date), Err: err}
	}
	c, err := time.Parse(TimeLayout, clock)
	if err != nil {
		return time.Time{}, false, &appErrors.SchedulingError{Message: fmt.Sprintf("invalid time %q", clock), Err: err}
	}

	local := time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), 0, 0, loc)
	// time.Date silently normalizes wall times that fall in a DST gap.
	if local.Hour() != c.Hour() || local.Minute() != c.Minute() || local.Day() != d.Day() {
		return time.Time{}, false, appErrors.NewSchedulingError("%s %s does not exist in %s", date, clock, tz)
	}

	fireAt := local.UTC()
	if earliest := now.Add(s.MinLead); fireAt.Before(earliest) {
		return time.Time{}, false, appErrors.NewSchedulingError(
			"scheduled time %s is earlier than %s (minimum lead %s)",
			fireAt.Format(time.RFC3339), earliest.Format(time.RFC3339), s.MinLead)
	}
	return fireAt, false, nil
}

// Schedule hands job to the queue to be delivered at fireAt and returns the
// queue's job id.
func (s *Scheduler) Schedule(ctx context.Context, job model.DispatchJob, fireAt time.Time) (string, error) {
	id, err := s.Queue.Enqueue(ctx, job, fireAt)
	if err != nil {
		return "", fmt.Errorf("enqueue campaign %d: %w", job.CampaignID, err)
	}
	s.Log.Info("campaign scheduled",
		"campaign_id", job.CampaignID, "job_id", id, "fire_at", fireAt.UTC().Format(time.RFC3339))
	return id, nil
}
