// Package quota tracks how many recipients a user has been sent email to
// today and checks that against the ceiling of the user's plan.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/quicksend/internal/cache"
	appErrors "github.com/unclebandit/quicksend/internal/errors"
	"github.com/unclebandit/quicksend/internal/model"
)

const counterTTL = 24 * time.Hour

// SubscriptionLookup returns the user's active subscription, or nil when
// there is none.
type SubscriptionLookup interface {
	ActiveSubscription(ctx context.Context, userID int64) (*model.Subscription, error)
}

// Decision is the outcome of CanSend.
type Decision struct {
	Allowed bool
	Reason  string
	Limit   int
	Current int
}

// Err converts a denied decision into the submission-time error.
func (d Decision) Err(requested int) error {
	if d.Allowed {
		return nil
	}
	return &appErrors.QuotaExceededError{
		Reason:    d.Reason,
		Limit:     d.Limit,
		Current:   d.Current,
		Requested: requested,
	}
}

type Tracker struct {
	redis *redis.Client
	subs  SubscriptionLookup
	now   func() time.Time
}

func NewTracker(c *cache.Client, subs SubscriptionLookup) *Tracker {
	return &Tracker{redis: c.Redis, subs: subs, now: time.Now}
}

// WithClock replaces the time source used to pick the day bucket.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) key(userID int64) string {
	return fmt.Sprintf("quota:sent:%d:%s", userID, t.now().UTC().Format("2006-01-02"))
}

// DailySentCount returns today's counter, 0 when no record exists.
func (t *Tracker) DailySentCount(ctx context.Context, userID int64) (int, error) {
	val, err := t.redis.Get(ctx, t.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read daily counter: %w", err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("corrupt daily counter %q: %w", val, err)
	}
	return n, nil
}

// IncrementSentCount atomically bumps today's counter and returns the new
// value. The first increment of the day starts the 24h expiry.
func (t *Tracker) IncrementSentCount(ctx context.Context, userID int64) (int, error) {
	key := t.key(userID)
	n, err := t.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("increment daily counter: %w", err)
	}
	if n == 1 {
		if err := t.redis.Expire(ctx, key, counterTTL).Err(); err != nil {
			return int(n), fmt.Errorf("set daily counter expiry: %w", err)
		}
	}
	return int(n), nil
}

// CanSend reports whether additional more recipients fit in today's budget.
// An error means the answer is unknown; callers decide whether that fails
// closed.
func (t *Tracker) CanSend(ctx context.Context, userID int64, additional int) (Decision, error) {
	sub, err := t.subs.ActiveSubscription(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("lookup subscription: %w", err)
	}
	if sub == nil || !sub.IsActive {
		return Decision{Reason: appErrors.ReasonNoActiveSubscription}, nil
	}

	limit, err := sub.Plan.RecipientLimit()
	if err != nil {
		return Decision{}, err
	}

	current, err := t.DailySentCount(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Limit: limit, Current: current}
	if current+additional > limit {
		d.Reason = appErrors.ReasonLimitExceeded
		return d, nil
	}
	d.Allowed = true
	return d, nil
}
