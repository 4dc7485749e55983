package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"eve.evalgo.org/flowengine/queue/redis"
)

// worker repeatedly dequeues from one queue and runs handler against each
// job, applying the retry/DLQ policy on failure. Several workers may be
// bound to the same queue to process jobs concurrently.
type worker struct {
	client  *Client
	queue   string
	handler Handler
	stop    chan struct{}
	wg      sync.WaitGroup
}

func (w *worker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		job, err := w.client.store.BlockingPop(context.Background(), w.queue, w.client.cfg.DequeueTimeout)
		if err != nil {
			w.client.log().With("queue", w.queue).WithError(err).Warn("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		w.process(job)
	}
}

func (w *worker) process(job *redis.Job) {
	ctx := context.Background()
	log := w.client.log().With("queue", w.queue).With("job_id", job.ID).With("urn", job.URN)
	log.Info("job processing started")

	deadline := time.Now().Add(w.client.cfg.LeaseTimeout)
	if err := w.client.store.MarkProcessing(ctx, w.queue, job.ID, deadline); err != nil {
		log.WithError(err).Warn("failed to mark job processing")
	}
	if w.client.metric != nil {
		w.client.metric.JobsInFlight.WithLabelValues(w.queue).Inc()
	}

	runCtx, cancel := context.WithTimeout(ctx, w.client.cfg.LeaseTimeout)
	defer cancel()

	var payload json.RawMessage
	var data jobData
	if err := json.Unmarshal(job.Payload, &data); err == nil {
		payload = data.Payload
	}

	handlerErr := w.handler(runCtx, job.URN, payload)

	if w.client.metric != nil {
		w.client.metric.JobsInFlight.WithLabelValues(w.queue).Dec()
	}
	if err := w.client.store.ClearProcessing(ctx, w.queue, job.ID); err != nil {
		log.WithError(err).Warn("failed to clear processing entry")
	}

	if handlerErr == nil {
		log.Info("job completed")
		if w.client.metric != nil {
			w.client.metric.JobsConsumed.WithLabelValues(w.queue, "completed").Inc()
		}
		return
	}

	job.AttemptsMade++
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.client.cfg.MaxRetries
	}

	log.WithError(handlerErr).Warn("job failed")

	if job.AttemptsMade >= maxAttempts {
		if w.client.metric != nil {
			w.client.metric.JobsConsumed.WithLabelValues(w.queue, "exhausted").Inc()
		}
		if w.client.dlqEnabled {
			w.writeDLQ(ctx, job, handlerErr)
		}
		return
	}

	if w.client.metric != nil {
		w.client.metric.JobRetries.WithLabelValues(w.queue).Inc()
	}

	delay := retryDelay(w.client.cfg, job.AttemptsMade)
	if err := w.client.store.ScheduleRetry(ctx, w.queue, *job, time.Now().Add(delay)); err != nil {
		log.WithError(err).Warn("failed to schedule retry, job will be retried on redelivery timeout only")
	}
}

func (w *worker) writeDLQ(ctx context.Context, job *redis.Job, cause error) {
	log := w.client.log().With("queue", w.queue).With("job_id", job.ID)

	dlq := DLQJob{
		OriginalJobID:   job.ID,
		OriginalJobName: job.Name,
		OriginalData:    job.Payload,
		Error:           DLQError{Message: cause.Error()},
		FailedAt:        time.Now(),
		AttemptsMade:    job.AttemptsMade,
	}

	body, err := json.Marshal(dlq)
	if err != nil {
		log.WithError(err).Warn("failed to marshal dlq job, dropping")
		return
	}

	dlqQueue := w.queue + w.client.dlqSuffix
	dlqJob := redis.Job{
		ID:         job.ID,
		Name:       job.Name + "-dlq",
		QueueName:  dlqQueue,
		URN:        job.URN,
		Payload:    body,
		EnqueuedAt: time.Now(),
	}

	if err := w.client.store.Push(ctx, dlqQueue, dlqJob); err != nil {
		log.WithError(err).Warn("failed to write dlq job")
		return
	}

	if w.client.metric != nil {
		w.client.metric.JobsDead.WithLabelValues(w.queue).Inc()
	}
}
