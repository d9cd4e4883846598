package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/metrics"
)

type SubscriptionExpirer interface {
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// SubscriptionSweeper periodically deactivates subscriptions whose end date
// has passed, so the quota tracker stops seeing them as active.
type SubscriptionSweeper struct {
	Subs    SubscriptionExpirer
	Log     logger.Logger
	Metrics *metrics.Metrics
	Timeout time.Duration
	Now     func() time.Time

	cron *cron.Cron
}

// Sweep runs one deactivation pass.
func (s *SubscriptionSweeper) Sweep(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}

	n, err := s.Subs.DeactivateExpired(ctx, now)
	if err != nil {
		s.Log.Error("subscription sweep failed", "error", err)
		return 0, err
	}
	if s.Metrics != nil {
		s.Metrics.SubscriptionsSwept.Add(float64(n))
	}
	if n > 0 {
		s.Log.Info("expired subscriptions deactivated", "count", n)
	}
	return n, nil
}

// Start schedules Sweep on spec, a standard five-field cron expression.
func (s *SubscriptionSweeper) Start(spec string) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(spec, func() {
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = time.Minute
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_, _ = s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.Log.Info("starting subscription sweep", "schedule", spec)
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *SubscriptionSweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
