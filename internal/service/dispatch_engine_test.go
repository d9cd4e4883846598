package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/quicksend/internal/cache"
	"github.com/unclebandit/quicksend/internal/composer"
	appErrors "github.com/unclebandit/quicksend/internal/errors"
	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/metrics"
	"github.com/unclebandit/quicksend/internal/model"
	"github.com/unclebandit/quicksend/internal/quota"
)

// ---- fakes ----

type memCampaigns struct {
	mu        sync.Mutex
	campaigns map[int64]*model.Campaign
	statuses  []model.CampaignStatus
}

func newMemCampaigns(cs ...*model.Campaign) *memCampaigns {
	m := &memCampaigns{campaigns: map[int64]*model.Campaign{}}
	for _, c := range cs {
		m.campaigns[c.ID] = c
	}
	return m
}

func (m *memCampaigns) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	cp.Recipients = append([]model.Recipient(nil), c.Recipients...)
	return &cp, nil
}

func (m *memCampaigns) UpdateStatus(ctx context.Context, id int64, status model.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.Status = status
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *memCampaigns) MarkSent(ctx context.Context, recipientID int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.campaigns {
		for i := range c.Recipients {
			if c.Recipients[i].ID == recipientID {
				if c.Recipients[i].SentAt != nil {
					return false, nil
				}
				c.Recipients[i].SentAt = &at
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *memCampaigns) status(id int64) model.CampaignStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.campaigns[id].Status
}

type staticUsers struct{ user *model.User }

func (s staticUsers) GetByID(ctx context.Context, id int64) (*model.User, error) {
	return s.user, nil
}

type fakeSender struct {
	mu     sync.Mutex
	calls  int
	fail   map[string]bool // recipient -> fail
	sent   []string
	onSend func()
}

func (f *fakeSender) Send(ctx context.Context, userID int64, raw string) (string, error) {
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	msg, err := decodeRecipient(raw)
	if err != nil {
		return "", err
	}
	if f.fail[msg] {
		return "", errors.New("550 mailbox unavailable")
	}
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("gmail-%d", f.calls), nil
}

func decodeRecipient(raw string) (string, error) {
	doc, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		return "", err
	}
	msg, err := mail.ReadMessage(bytes.NewReader(doc))
	if err != nil {
		return "", err
	}
	return msg.Header.Get("To"), nil
}

type memEvents struct {
	mu     sync.Mutex
	events []model.DispatchEvent
}

func (m *memEvents) Record(ctx context.Context, e model.DispatchEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *memEvents) count(kind model.EventKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type fakeSubs struct {
	sub *model.Subscription
	err error
}

func (f *fakeSubs) ActiveSubscription(ctx context.Context, userID int64) (*model.Subscription, error) {
	return f.sub, f.err
}

// ---- harness ----

type engineHarness struct {
	engine    *DispatchEngine
	campaigns *memCampaigns
	sender    *fakeSender
	events    *memEvents
	tracker   *quota.Tracker
	redis     *miniredis.Miniredis
	cache     *cache.Client
	subs      *fakeSubs
	metrics   *metrics.Metrics
}

var testNow = time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)

func newCampaign(id int64, n int) *model.Campaign {
	c := &model.Campaign{
		ID: id, UserID: 1, Subject: "Spring sale", BodyTemplate: "<p>Hello</p>",
		Status: model.StatusScheduled,
		Attachments: []model.Attachment{
			{Filename: "terms.pdf", MimeType: "application/pdf", Size: 4, Content: "dGVybQ=="},
		},
	}
	for i := 0; i < n; i++ {
		c.Recipients = append(c.Recipients, model.Recipient{
			ID: id*1000 + int64(i), CampaignID: id, Email: fmt.Sprintf("r%02d@example.com", i), Position: i,
		})
	}
	return c
}

func newEngineHarness(t *testing.T, plan model.Plan, campaigns ...*model.Campaign) *engineHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	cc := &cache.Client{Redis: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { _ = cc.Close() })

	subs := &fakeSubs{sub: &model.Subscription{UserID: 1, Plan: plan, IsActive: true}}
	tracker := quota.NewTracker(cc, subs).WithClock(func() time.Time { return testNow })

	store := newMemCampaigns(campaigns...)
	snd := &fakeSender{fail: map[string]bool{}}
	events := &memEvents{}
	m := metrics.New(prometheus.NewRegistry())

	comp := composer.New(logger.Discard())
	comp.Now = func() time.Time { return testNow }

	engine := &DispatchEngine{
		Campaigns:  store,
		Recipients: store,
		Users:      staticUsers{user: &model.User{ID: 1, Email: "owner@shop.example", FirstName: "Grace", LastName: "Hopper"}},
		Quota:      tracker,
		Composer:   comp,
		Sender:     snd,
		Leases:     cc,
		Events:     events,
		Log:        logger.Discard(),
		Metrics:    m,
		Now:        func() time.Time { return testNow },
	}
	return &engineHarness{
		engine: engine, campaigns: store, sender: snd, events: events,
		tracker: tracker, redis: mr, cache: cc, subs: subs, metrics: m,
	}
}

func (h *engineHarness) setSentToday(t *testing.T, n int) {
	require.NoError(t, h.redis.Set("quota:sent:1:2026-04-02", fmt.Sprint(n)))
}

func (h *engineHarness) sentToday(t *testing.T) int {
	n, err := h.tracker.DailySentCount(context.Background(), 1)
	require.NoError(t, err)
	return n
}

func assertAccounting(t *testing.T, r *model.RunReport) {
	t.Helper()
	assert.LessOrEqual(t, r.Result.Sent+r.Result.Failed, r.Result.Total)
	assert.Len(t, r.Result.MessageIDs, r.Result.Sent)
	assert.Len(t, r.Result.Errors, r.Result.Failed)
}

// ---- tests ----

func TestDispatch_AllRecipientsSent(t *testing.T) {
	h := newEngineHarness(t, model.PlanStandard, newCampaign(1, 3))

	r := h.engine.Run(context.Background(), model.DispatchJob{JobID: "j", CampaignID: 1, UserID: 1})

	assert.Equal(t, model.RunCompleted, r.Status)
	assert.Equal(t, 3, r.Result.Total)
	assert.Equal(t, 3, r.Result.Sent)
	assert.Equal(t, 0, r.Result.Failed)
	assert.Equal(t, []string{"gmail-1", "gmail-2", "gmail-3"}, r.Result.MessageIDs)
	assert.Equal(t, []string{"r00@example.com", "r01@example.com", "r02@example.com"}, h.sender.sent)
	assert.Equal(t, 3, h.sentToday(t))
	assert.Equal(t, model.StatusCompleted, h.campaigns.status(1))
	assert.Equal(t, int64(1), r.UserID)
	assertAccounting(t, r)

	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.EmailsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DispatchRuns.WithLabelValues("COMPLETED")))
}

func TestDispatch_QuotaExhaustedMidRun(t *testing.T) {
	h := newEngineHarness(t, model.PlanStandard, newCampaign(1, 30))
	h.setSentToday(t, 480)

	r := h.engine.Run(context.Background(), model.DispatchJob{CampaignID: 1, UserID: 1})

	assert.Equal(t, model.RunAborted, r.Status)
	assert.Equal(t, 30, r.Result.Total)
	assert.Equal(t, 20, r.Result.Sent)
	assert.Equal(t, 10, r.Result.Failed)
	for _, e := range r.Result.Errors {
		assert.Equal(t, "Daily limit reached during campaign", e.Error)
	}
	assert.Equal(t, "r20@example.com", r.Result.Errors[0].Recipient)
	assert.Equal(t, 20, h.sender.calls)
	assert.Equal(t, 500, h.sentToday(t))
	assert.Equal(t, model.StatusCompleted, h.campaigns.status(1))
	assert.Equal(t, 1, h.events.count(model.EventQuotaExhausted))
	assertAccounting(t, r)
}

func TestDispatch_SendErrorDoesNotStopRun(t *testing.T) {
	h := newEngineHarness(t, model.PlanStandard, newCampaign(1, 3))
	h.sender.fail["r01@example.com"] = true

	r := h.engine.Run(context.Background(), model.DispatchJob{CampaignID: 1, UserID: 1})

	assert.Equal(t, model.RunCompleted, r.Status)
	assert.Equal(t, 2, r.Result.Sent)
	assert.Equal(t, 1, r.Result.Failed)
	require.Len(t, r.Result.Errors, 1)
	assert.Equal(t, "r01@example.com", r.Result.Errors[0].Recipient)
	assert.Contains(t, r.Result.Errors[0].Error, "mailbox unavailable")
	assert.Equal(t, 2, h.sentToday(t))
	assertAccounting(t, r)
}

func TestDispatch_EveryRecipientFailsMarksCampaignFailed(t *testing.T) {
	h := newEngineHarness(t, model.PlanStandard, newCampaign(1, 2))
	h.sender.fail["r00@example.com"] = true
	h.sender.fail["r01@example.com"] = true

	r := h.engine.Run(context.Background(), model.DispatchJob{CampaignID: 1, UserID: 1})

	assert.Equal(t, model.RunCompleted, r.Status)
	assert.Equal(t, 0, r.Result.Sent)
	assert.Equal(t, model.StatusFailed, h.campaigns.status(1))
	assert.Equal(t, 0, h.sentToday(t))
}

func TestDispatch_RedeliveryDoesNotResend(t *testing.T) {
	h := newEngineHarness(t, model.PlanStandard, newCampaign(1, 4))
	h.sender.fail["r02@example.com"] = true
	job := model.DispatchJob{JobID: "same", CampaignID: 1, UserID: 1}

	first := h.engine.Run(context.Background(), job)
	require.Equal(t, 3, first.Result.Sent)

	delete(h.sender.fail, "r02@example.com")
	second := h.engine.Run(context.Background(), job)

	assert.Equal(t, 1, second.Result.Sent)
	assert.Equal(t, 0, second.Result.Failed)
	assert.Equal(t, 4, h.sentToday(t))
	assert.Equal(t, 3, h.events.count(model.EventRecipientSkipped))

	third := h.engine.Run(context.Background(), job)
	assert.Equal(t, 0, third.Result.Sent)
	assert.Equal(t, 4, h.sentToday(t))
	assert.Equal(t, 5, h.sender.calls)
	assertAccounting(t, third)
}

func TestDispatch_SkipsWhenLeaseHeld(t *testing.T) {
	h := newEngineHarness(t, model.PlanStandard, newCampaign(1, 2))
	lease, err := h.cache.AcquireLease(context.Background(), leaseKey(1), time.Minute)
	require.NoError(t, err)
	defer lease.Release(context.Background()) //nolint:errcheck

	r := h.engine.Run(context.Background(), model.DispatchJob{CampaignID: 1, UserID: 1})

	assert.Equal(t, model.RunSkipped, r.Status)
	assert.NoError(t, r.Err)
	assert.Equal(t, 0, h.sender.calls)
	assert.Equal(t, model.StatusScheduled, h.campaigns.status(1))
}

func TestDispatch_ReleasesLeaseAfterRun(t *testing.T) {
	h := newEngineHarness(t, model.PlanStandard, newCampaign(1, 1))

	h.engine.Run(context.Background(), model.DispatchJob{CampaignID: 1, UserID: 1})
	assert.False(t, h.redis.Exists(leaseKey(1)))
}

func TestDispatch_QuotaStoreErrorIsPerRecipient(t *testing.T) {
	h := newEngineHarness(t, model.PlanStandard, newCampaign(1, 3))
	h.subs.err = errors.New("connection refused")

	r := h.engine.Run(context.Background(), model.DispatchJob{CampaignID: 1, UserID: 1})

	assert.Equal(t, model.RunCompleted, r.Status)
	assert.Equal(t, 0, r.Result.Sent)
	assert.Equal(t, 3, r.Result.Failed)
	assert.Contains(t, r.Result.Errors[0].Error, "quota check failed")
	assert.Equal(t, 0, h.sender.calls)
	assertAccounting(t, r)
}

func TestDispatch_NoSubscriptionStopsRun(t *testing.T) {
	h := newEngineHarness(t, model.PlanStandard, newCampaign(1, 3))
	h.subs.sub = nil

	r := h.engine.Run(context.Background(), model.DispatchJob{CampaignID: 1, UserID: 1})

	assert.Equal(t, model.RunAborted, r.Status)
	assert.Equal(t, 3, r.Result.Failed)
	assert.Equal(t, 0, h.sender.calls)
}

func TestDispatch_MissingCampaign(t *testing.T) {
	h := newEngineHarness(t, model.PlanStandard)

	r := h.engine.Run(context.Background(), model.DispatchJob{CampaignID: 42, UserID: 1})

	assert.Equal(t, model.RunAborted, r.Status)
	assert.NoError(t, r.Err)
	assert.Equal(t, 0, r.Result.Total)
}

func TestDispatch_ForeignCampaignRejected(t *testing.T) {
	h := newEngineHarness(t, model.PlanStandard, newCampaign(1, 2))

	r := h.engine.Run(context.Background(), model.DispatchJob{CampaignID: 1, UserID: 99})

	assert.Equal(t, model.RunAborted, r.Status)
	assert.Equal(t, 0, h.sender.calls)
}

func TestDispatch_EventsRecordedPerRecipient(t *testing.T) {
	h := newEngineHarness(t, model.PlanStandard, newCampaign(1, 3))
	h.sender.fail["r00@example.com"] = true

	h.engine.Run(context.Background(), model.DispatchJob{JobID: "job-9", CampaignID: 1, UserID: 1})

	assert.Equal(t, 2, h.events.count(model.EventRecipientSent))
	assert.Equal(t, 1, h.events.count(model.EventRecipientFailed))
	require.NotEmpty(t, h.events.events)
	last := h.events.events[len(h.events.events)-1]
	assert.Equal(t, model.EventRunSummary, last.Kind)
	assert.Equal(t, "job-9", last.JobID)
}

func TestDispatch_InterruptedRunIsRetriedAndResumes(t *testing.T) {
	h := newEngineHarness(t, model.PlanStandard, newCampaign(1, 5))
	h.engine.SendInterval = time.Hour
	job := model.DispatchJob{JobID: "j", CampaignID: 1, UserID: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r := h.engine.Run(ctx, job)

	assert.Equal(t, model.RunAborted, r.Status)
	require.Error(t, r.Err)
	assert.Equal(t, 1, r.Result.Sent)
	assert.Equal(t, 0, r.Result.Failed)
	assertAccounting(t, r)
	assert.Equal(t, model.StatusSending, h.campaigns.status(1))
	assert.Equal(t, 0, h.events.count(model.EventRecipientFailed))

	// The redelivered job picks up the four recipients left over.
	h.engine.SendInterval = 0
	again := h.engine.Run(context.Background(), job)

	assert.Equal(t, model.RunCompleted, again.Status)
	assert.NoError(t, again.Err)
	assert.Equal(t, 4, again.Result.Sent)
	assert.Equal(t, 5, h.sender.calls)
	assert.Len(t, h.sender.sent, 5)
	assert.Equal(t, model.StatusCompleted, h.campaigns.status(1))
}

func TestDispatch_RefreshesLeaseWhileSending(t *testing.T) {
	h := newEngineHarness(t, model.PlanStandard, newCampaign(1, 4))
	h.engine.LeaseTTL = 15 * time.Minute

	held := 0
	h.sender.onSend = func() {
		// Each send takes longer than half the lease.
		h.redis.FastForward(10 * time.Minute)
		if _, err := h.cache.AcquireLease(context.Background(), leaseKey(1), time.Minute); errors.Is(err, cache.ErrLeaseHeld) {
			held++
		}
	}

	r := h.engine.Run(context.Background(), model.DispatchJob{CampaignID: 1, UserID: 1})

	assert.Equal(t, model.RunCompleted, r.Status)
	assert.Equal(t, 4, r.Result.Sent)
	assert.Equal(t, 4, held)
}

func TestDispatch_StopsWhenLeaseTakenOver(t *testing.T) {
	h := newEngineHarness(t, model.PlanStandard, newCampaign(1, 3))
	h.engine.LeaseTTL = time.Minute

	taken := false
	h.sender.onSend = func() {
		if taken {
			return
		}
		taken = true
		h.redis.FastForward(2 * time.Minute)
		_, err := h.cache.AcquireLease(context.Background(), leaseKey(1), time.Hour)
		require.NoError(t, err)
	}

	r := h.engine.Run(context.Background(), model.DispatchJob{CampaignID: 1, UserID: 1})

	assert.Equal(t, model.RunAborted, r.Status)
	assert.ErrorIs(t, r.Err, cache.ErrLeaseLost)
	assert.Equal(t, 1, r.Result.Sent)
	assert.Equal(t, 1, h.sender.calls)
	assert.Equal(t, model.StatusSending, h.campaigns.status(1))
	// The new holder's lease survives this run's release.
	assert.True(t, h.redis.Exists(leaseKey(1)))
}
