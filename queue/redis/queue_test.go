package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/flowengine/queue/redis"
)

func newTestStore(t *testing.T) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return redis.NewFromClient(client, "test:"), mr
}

func TestStore_PushAndBlockingPop(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := redis.Job{ID: "job-1", Name: "submit", QueueName: "orders", URN: "urn:order:1"}
	require.NoError(t, store.Push(ctx, "orders", job))

	depth, err := store.Depth(ctx, "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	got, err := store.BlockingPop(ctx, "orders", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, "urn:order:1", got.URN)

	depth, err = store.Depth(ctx, "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth)
}

func TestStore_BlockingPopTimesOutWithNoJob(t *testing.T) {
	store, _ := newTestStore(t)

	got, err := store.BlockingPop(context.Background(), "empty", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_ProcessingLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkProcessing(ctx, "orders", "job-1", time.Now().Add(time.Minute)))

	processing, err := store.IsProcessing(ctx, "orders", "job-1")
	require.NoError(t, err)
	assert.True(t, processing)

	inFlight, err := store.InFlight(ctx, "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 1, inFlight)

	require.NoError(t, store.ClearProcessing(ctx, "orders", "job-1"))

	processing, err = store.IsProcessing(ctx, "orders", "job-1")
	require.NoError(t, err)
	assert.False(t, processing)
}

func TestStore_ScheduleRetryAndPromoteDue(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := redis.Job{ID: "job-2", Name: "submit", QueueName: "orders", URN: "urn:order:2", AttemptsMade: 1}

	require.NoError(t, store.ScheduleRetry(ctx, "orders", job, time.Now().Add(50*time.Millisecond)))

	depth, err := store.Depth(ctx, "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth, "job should not be on the live list before its ready time")

	promoted, err := store.PromoteDue(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, promoted, "not due yet")

	time.Sleep(60 * time.Millisecond)

	promoted, err = store.PromoteDue(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	got, err := store.BlockingPop(ctx, "orders", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "job-2", got.ID)
}

func TestStore_Ping(t *testing.T) {
	store, mr := newTestStore(t)

	require.NoError(t, store.Ping(context.Background()))

	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}
