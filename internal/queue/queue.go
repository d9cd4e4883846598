package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/model"
)

// JobQueue accepts a dispatch job for delivery no earlier than fireAt.
type JobQueue interface {
	Enqueue(ctx context.Context, job model.DispatchJob, fireAt time.Time) (string, error)
}

// Handler processes one delivered job. A returned error asks for a retry.
type Handler func(ctx context.Context, job model.DispatchJob) error

// Consumer delivers due jobs to a handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}

type delayedJob struct {
	job        model.DispatchJob
	fireAt     time.Time
	seq        uint64
	retryCount int
}

// jobHeap is a min-heap on fireAt, ties broken by enqueue order.
type jobHeap []*delayedJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*delayedJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

func (h jobHeap) peek() *delayedJob {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// InMemoryQueue holds delayed jobs in process and retries failed handlers
// with linear backoff. Jobs are lost on restart; production uses
// RabbitQueue.
type InMemoryQueue struct {
	MaxRetries int
	Backoff    func(attempt int) time.Duration

	mu   sync.Mutex
	jobs jobHeap
	seq  uint64
	wake chan struct{}
	log  logger.Logger
	now  func() time.Time
}

func NewInMemoryQueue(log logger.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		MaxRetries: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*500) * time.Millisecond
		},
		wake: make(chan struct{}, 1),
		log:  log,
		now:  time.Now,
	}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, job model.DispatchJob, fireAt time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}

	q.mu.Lock()
	q.seq++
	heap.Push(&q.jobs, &delayedJob{job: job, fireAt: fireAt, seq: q.seq})
	q.mu.Unlock()

	q.signal()
	return job.JobID, nil
}

// Pending reports how many jobs are waiting for their fire time.
func (q *InMemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs.Len()
}

func (q *InMemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Consume runs h for every job whose fire time has passed. Each job runs in
// its own goroutine; Consume returns after ctx is done and in-flight jobs
// have finished.
func (q *InMemoryQueue) Consume(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		next := q.jobs.peek()
		var wait time.Duration
		if next != nil {
			wait = next.fireAt.Sub(q.now())
			if wait <= 0 {
				dj := heap.Pop(&q.jobs).(*delayedJob)
				q.mu.Unlock()

				wg.Add(1)
				go func() {
					defer wg.Done()
					q.process(ctx, h, dj)
				}()
				continue
			}
		}
		q.mu.Unlock()

		if next == nil {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-timer.C:
		}
	}
}

func (q *InMemoryQueue) process(ctx context.Context, h Handler, dj *delayedJob) {
	for dj.retryCount <= q.MaxRetries {
		err := h(ctx, dj.job)
		if err == nil {
			q.log.Debug("job processed", "job_id", dj.job.JobID, "campaign_id", dj.job.CampaignID)
			return
		}

		dj.retryCount++
		q.log.Warn("job failed",
			"job_id", dj.job.JobID, "attempt", dj.retryCount, "max_retries", q.MaxRetries, "error", err)

		if dj.retryCount > q.MaxRetries {
			q.log.Error("job permanently failed", "job_id", dj.job.JobID, "attempts", dj.retryCount)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(q.Backoff(dj.retryCount)):
		}
	}
}
