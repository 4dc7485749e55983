package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/flowengine/definition"
	"eve.evalgo.org/flowengine/internal/config"
	"eve.evalgo.org/flowengine/queue"
	"eve.evalgo.org/flowengine/queue/redis"
	"eve.evalgo.org/flowengine/service"
)

type order struct {
	urn    string
	amount int
	status string
}

type payload struct {
	Amount int `json:"amount"`
}

const (
	statusPending    = "pending"
	statusProcessing = "processing"
	statusFailed     = "failed"
)

const eventSubmit = "submit"

type memoryPort struct {
	mu         sync.Mutex
	entities   map[string]order
	updateHits int
}

func newMemoryPort(seed ...order) *memoryPort {
	p := &memoryPort{entities: make(map[string]order)}
	for _, o := range seed {
		p.entities[o.urn] = o
	}
	return p
}

func (p *memoryPort) New() order { return order{} }

func (p *memoryPort) Load(_ context.Context, urn string) (order, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.entities[urn]
	return o, ok, nil
}

func (p *memoryPort) Status(o order) string { return o.status }

func (p *memoryPort) Update(_ context.Context, o order, state string) (order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o.status = state
	p.entities[o.urn] = o
	p.updateHits++
	return o, nil
}

func (p *memoryPort) URN(o order) string { return o.urn }

func baseDefinition(port *memoryPort) *definition.Definition[string, string, order, payload] {
	return &definition.Definition[string, string, order, payload]{
		Finals: map[string]struct{}{},
		Idles:  map[string]struct{}{statusProcessing: {}},
		Failed: statusFailed,
		Port:   port,
		Transitions: []definition.Transition[string, string, order, payload]{
			{
				From:  []string{statusPending},
				To:    statusProcessing,
				Event: eventSubmit,
				Actions: []definition.InlineAction[order, payload]{
					func(o order, p payload) (order, error) {
						o.amount = p.Amount
						return o, nil
					},
				},
			},
		},
	}
}

func newQueueClient(t *testing.T) *queue.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := redis.NewFromClient(rc, "test:")

	cfg := config.QueueConfig{
		MaxRetries:     3,
		BaseBackoff:    10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		LeaseTimeout:   time.Second,
		DequeueTimeout: 200 * time.Millisecond,
	}

	c := queue.New(store, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func TestRegister_QueueBindingDrivesEmit(t *testing.T) {
	port := newMemoryPort(order{urn: "u1", status: statusPending})
	def := baseDefinition(port)
	def.QueueBindings = []definition.QueueBinding[string]{
		{Queue: "orders", Event: eventSubmit, Concurrency: 1},
	}

	qc := newQueueClient(t)

	svc, err := service.Register[string, string, order, payload](def, qc, service.Config{})
	require.NoError(t, err)
	require.NotNil(t, svc)

	body, err := json.Marshal(payload{Amount: 42})
	require.NoError(t, err)

	_, err = qc.Produce(context.Background(), "orders", "submit", "u1", body)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		o, _, _ := port.Load(context.Background(), "u1")
		return o.status == statusProcessing && o.amount == 42
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRegister_RejectsQueueAndKafkaTogether(t *testing.T) {
	port := newMemoryPort(order{urn: "u1", status: statusPending})
	def := baseDefinition(port)
	def.QueueBindings = []definition.QueueBinding[string]{
		{Queue: "orders", Event: eventSubmit},
	}

	qc := newQueueClient(t)

	_, err := service.Register[string, string, order, payload](def, qc, service.Config{KafkaEnabled: true})
	require.Error(t, err)

	var invalid *service.RegistrationInvalidError
	assert.ErrorAs(t, err, &invalid)
}

func TestRegister_NoQueueBindingsStillBuildsEngine(t *testing.T) {
	port := newMemoryPort(order{urn: "u1", status: statusPending})
	def := baseDefinition(port)

	qc := newQueueClient(t)

	svc, err := service.Register[string, string, order, payload](def, qc, service.Config{})
	require.NoError(t, err)

	result, err := svc.Engine().Emit(context.Background(), eventSubmit, "u1", payload{Amount: 7})
	require.NoError(t, err)
	assert.Equal(t, statusProcessing, result.status)
	assert.Equal(t, 7, result.amount)
}
