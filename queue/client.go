// Package queue implements the BullMQ-style job runtime described by the
// workflow specification on top of the Redis store: produce/consume with
// exponential backoff retry, dead-letter quarantine after exhausted
// attempts, a circuit-broken health probe, and a graceful, bounded
// shutdown. It knows nothing about the transition engine — a Workflow
// Service binds queues to emit calls by passing a handler to Consume.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"eve.evalgo.org/flowengine/internal/config"
	"eve.evalgo.org/flowengine/internal/logging"
	"eve.evalgo.org/flowengine/internal/metrics"
	"eve.evalgo.org/flowengine/queue/redis"
)

// Handler processes one job's payload. Any error returned causes the
// client to schedule a retry; once attempts are exhausted the job is moved
// to the dead-letter queue when that is enabled, and dropped otherwise.
type Handler func(ctx context.Context, urn string, payload json.RawMessage) error

// DLQJob is the record written to a queue's dead-letter queue once a job
// exhausts its retry budget.
type DLQJob struct {
	OriginalJobID   string          `json:"originalJobId"`
	OriginalJobName string          `json:"originalJobName"`
	OriginalData    json.RawMessage `json:"originalData"`
	Error           DLQError        `json:"error"`
	FailedAt        time.Time       `json:"failedAt"`
	AttemptsMade    int             `json:"attemptsMade"`
}

// DLQError is the failure captured alongside a DLQJob.
type DLQError struct {
	Message string `json:"message"`
}

type jobData struct {
	URN     string          `json:"urn"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const dlqSuffix = "-dlq"

// clientState is the lifecycle state machine described for the Queue
// Client: created, running, draining, closed.
type clientState int

const (
	stateCreated clientState = iota
	stateRunning
	stateDraining
	stateClosed
)

// Client is the Queue Client: the produce/consume/DLQ/health surface the
// Workflow Service binds a Definition's queue bindings to.
type Client struct {
	store  *redis.Store
	cfg    config.QueueConfig
	logger *logging.Logger
	metric *metrics.Metrics
	breaker *gobreaker.CircuitBreaker

	dlqEnabled bool
	dlqSuffix  string

	mu       sync.Mutex
	state    clientState
	workers  []*worker
	promoteStop chan struct{}
	promoteWG   sync.WaitGroup
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger attaches a structured logger.
func WithLogger(l *logging.Logger) Option { return func(c *Client) { c.logger = l } }

// WithMetrics attaches a Prometheus metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metric = m } }

// WithDeadLetterQueue enables DLQ emission with the given suffix. An empty
// suffix defaults to "-dlq".
func WithDeadLetterQueue(enabled bool, suffix string) Option {
	return func(c *Client) {
		c.dlqEnabled = enabled
		if suffix == "" {
			suffix = dlqSuffix
		}
		c.dlqSuffix = suffix
	}
}

// New builds a Client backed by store, configured by cfg.
func New(store *redis.Store, cfg config.QueueConfig, opts ...Option) *Client {
	c := &Client{
		store:     store,
		cfg:       cfg,
		dlqSuffix: dlqSuffix,
		state:     stateCreated,
		promoteStop: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "flowengine-queue",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	c.state = stateRunning
	c.promoteWG.Add(1)
	go c.promoteLoop()

	return c
}

func (c *Client) log() *logging.Logger {
	if c.logger != nil {
		return c.logger
	}
	return logging.NewContext(nil, nil)
}

// Produce enqueues a job named jobName onto queue carrying urn and
// payload. The returned job id follows the spec's "{jobName}-{urn}-{epoch
// ms}" convention, aided by a uuid suffix to stay unique under bursts.
func (c *Client) Produce(ctx context.Context, queueName, jobName, urn string, payload json.RawMessage) (string, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == stateDraining || state == stateClosed {
		return "", &ShutdownError{Queue: queueName}
	}

	jobID := fmt.Sprintf("%s-%s-%d-%s", jobName, urn, time.Now().UnixMilli(), uuid.NewString()[:8])

	body, err := json.Marshal(jobData{URN: urn, Payload: payload})
	if err != nil {
		return "", &SubmitFailedError{Queue: queueName, Err: err}
	}

	job := redis.Job{
		ID:          jobID,
		Name:        jobName,
		QueueName:   queueName,
		URN:         urn,
		Payload:     body,
		MaxAttempts: c.cfg.MaxRetries,
		EnqueuedAt:  time.Now(),
	}

	if err := c.store.Push(ctx, queueName, job); err != nil {
		return "", &SubmitFailedError{Queue: queueName, Err: err}
	}

	if c.metric != nil {
		c.metric.JobsProduced.WithLabelValues(queueName).Inc()
	}

	c.log().With("queue", queueName).With("job_id", jobID).With("urn", urn).Info("job produced")

	return jobID, nil
}

// Consume starts concurrency workers pulling from queueName, each calling
// handler per job. Consume does not block; workers run until Shutdown.
func (c *Client) Consume(queueName string, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		w := &worker{
			client: c,
			queue:  queueName,
			stop:   make(chan struct{}),
			handler: handler,
		}
		c.workers = append(c.workers, w)
		w.wg.Add(1)
		go w.run()
	}
}

// IsHealthy pings the Redis store through a circuit breaker, returning
// false whenever the store rejects the probe or the breaker is open.
func (c *Client) IsHealthy(ctx context.Context) bool {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.store.Ping(ctx)
	})
	return err == nil
}

// Shutdown stops accepting new production, signals every worker to drain,
// and waits up to deadline for in-flight jobs to finish before returning.
// It is idempotent.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateDraining
	workers := c.workers
	c.mu.Unlock()

	for _, w := range workers {
		close(w.stop)
	}

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.log().Warn("shutdown deadline exceeded with workers still draining")
	}

	close(c.promoteStop)
	c.promoteWG.Wait()

	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()

	return c.store.Close()
}

// promoteLoop periodically moves due delayed-retry jobs back onto their
// live queues. It runs for the lifetime of the client against every queue
// a worker has been registered for.
func (c *Client) promoteLoop() {
	defer c.promoteWG.Done()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.promoteStop:
			return
		case <-ticker.C:
			c.mu.Lock()
			queues := make(map[string]struct{}, len(c.workers))
			for _, w := range c.workers {
				queues[w.queue] = struct{}{}
			}
			c.mu.Unlock()

			for q := range queues {
				if _, err := c.store.PromoteDue(context.Background(), q); err != nil {
					c.log().With("queue", q).WithError(err).Warn("failed to promote delayed retries")
				}
			}
		}
	}
}

// retryDelay computes the exponential backoff delay for the given attempt
// number (1-indexed), capped at cfg.MaxBackoff.
func retryDelay(cfg config.QueueConfig, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.Reset()

	delay := b.InitialInterval
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay > cfg.MaxBackoff {
		delay = cfg.MaxBackoff
	}
	return delay
}
