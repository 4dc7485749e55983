package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/flowengine/internal/config"
	"eve.evalgo.org/flowengine/queue"
	"eve.evalgo.org/flowengine/queue/redis"
)

func newTestClient(t *testing.T, cfg config.QueueConfig, opts ...queue.Option) (*queue.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := redis.NewFromClient(rc, "test:")

	c := queue.New(store, cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})

	return c, mr
}

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxRetries:     3,
		BaseBackoff:    10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		LeaseTimeout:   time.Second,
		DequeueTimeout: 200 * time.Millisecond,
	}
}

func TestClient_ProduceConsume_Success(t *testing.T) {
	c, _ := newTestClient(t, testConfig())

	var got json.RawMessage
	var gotURN string
	done := make(chan struct{})

	c.Consume("orders", 1, func(_ context.Context, urn string, payload json.RawMessage) error {
		gotURN = urn
		got = payload
		close(done)
		return nil
	})

	_, err := c.Produce(context.Background(), "orders", "submit", "u1", json.RawMessage(`{"amount":10}`))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked in time")
	}

	assert.Equal(t, "u1", gotURN)
	assert.JSONEq(t, `{"amount":10}`, string(got))
}

func TestClient_RetriesThenDeadLetters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2

	c, mr := newTestClient(t, cfg, queue.WithDeadLetterQueue(true, "-dlq"))

	var mu sync.Mutex
	attempts := 0

	c.Consume("tasks", 1, func(_ context.Context, _ string, _ json.RawMessage) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("always fails")
	})

	_, err := c.Produce(context.Background(), "tasks", "start", "u2", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= cfg.MaxRetries
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		items, err := mr.List("test:list:tasks-dlq")
		return err == nil && len(items) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestClient_IsHealthy(t *testing.T) {
	c, mr := newTestClient(t, testConfig())

	assert.True(t, c.IsHealthy(context.Background()))

	mr.Close()
	assert.False(t, c.IsHealthy(context.Background()))
}

func TestClient_ShutdownIsIdempotent(t *testing.T) {
	c, _ := newTestClient(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, c.Shutdown(ctx))
	require.NoError(t, c.Shutdown(ctx))

	_, err := c.Produce(context.Background(), "orders", "submit", "u3", nil)
	assert.Error(t, err)
}
