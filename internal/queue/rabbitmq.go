package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/model"
)

// RabbitQueue publishes jobs to an x-delayed-message exchange so the broker
// holds each one until its fire time. Requires the
// rabbitmq_delayed_message_exchange plugin.
type RabbitQueue struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	queue    string
	log      logger.Logger
	now      func() time.Time

	// Concurrency bounds how many campaigns one worker dispatches at once.
	Concurrency int

	pubMu sync.Mutex
}

func DialRabbit(url, exchange, queueName string, log logger.Logger) (*RabbitQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := declareTopology(ch, exchange, queueName); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RabbitQueue{
		conn:        conn,
		ch:          ch,
		exchange:    exchange,
		queue:       queueName,
		log:         log,
		now:         time.Now,
		Concurrency: 4,
	}, nil
}

func declareTopology(ch *amqp.Channel, exchange, queueName string) error {
	err := ch.ExchangeDeclare(
		exchange,
		"x-delayed-message",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		amqp.Table{"x-delayed-type": "direct"},
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	if err := ch.QueueBind(q.Name, queueName, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queueName, err)
	}
	return nil
}

func (r *RabbitQueue) Enqueue(ctx context.Context, job model.DispatchJob, fireAt time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	err = r.ch.Publish(
		r.exchange,
		r.queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    job.JobID,
			Timestamp:    r.now(),
			Headers:      amqp.Table{"x-delay": delayMillis(fireAt, r.now())},
			Body:         body,
		},
	)
	if err != nil {
		return "", fmt.Errorf("publish job %s: %w", job.JobID, err)
	}
	return job.JobID, nil
}

// Consume acks jobs the handler accepts. A failed job is requeued once;
// a second failure drops it, unless the consumer is shutting down, in which
// case the job always goes back to the queue. Malformed payloads are acked
// and logged.
func (r *RabbitQueue) Consume(ctx context.Context, h Handler) error {
	concurrency := r.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if err := r.ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := r.ch.Consume(
		r.queue,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	sem := make(chan struct{}, concurrency)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			job, err := decodeJob(d.Body)
			if err != nil {
				r.log.Error("invalid job payload", "error", err, "message_id", d.MessageId)
				_ = d.Ack(false)
				continue
			}

			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()

				if err := h(ctx, job); err != nil {
					requeue := shouldRequeue(ctx, d.Redelivered)
					r.log.Warn("job failed", "job_id", job.JobID, "requeue", requeue, "error", err)
					_ = d.Nack(false, requeue)
					return
				}
				_ = d.Ack(false)
			}(d)
		}
	}
}

func (r *RabbitQueue) Close() error {
	if err := r.ch.Close(); err != nil {
		r.conn.Close()
		return err
	}
	return r.conn.Close()
}

func shouldRequeue(ctx context.Context, redelivered bool) bool {
	return !redelivered || ctx.Err() != nil
}

func delayMillis(fireAt, now time.Time) int64 {
	d := fireAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

func decodeJob(body []byte) (model.DispatchJob, error) {
	var job model.DispatchJob
	if err := json.Unmarshal(body, &job); err != nil {
		return job, fmt.Errorf("decode job: %w", err)
	}
	if job.CampaignID <= 0 || job.UserID <= 0 {
		return job, fmt.Errorf("job %q missing campaign or user id", job.JobID)
	}
	return job, nil
}
