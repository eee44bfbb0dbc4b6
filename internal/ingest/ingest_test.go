package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adred-codev/ws_channels/internal/hub"
	"github.com/adred-codev/ws_channels/internal/messaging"
	"github.com/adred-codev/ws_channels/internal/routing"
	"github.com/adred-codev/ws_channels/internal/shared/monitoring"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	scope  string
	target string
	id     string
}

type fakeSink struct {
	mu    sync.Mutex
	calls []call
}

func (s *fakeSink) add(scope, target string, env *messaging.Envelope) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{scope: scope, target: target, id: env.MessageID})
	return 1
}

func (s *fakeSink) SendToUser(userID int64, env *messaging.Envelope) int {
	return s.add(hub.ScopeUser, "", env)
}

func (s *fakeSink) SendToRole(role string, env *messaging.Envelope) int {
	return s.add(hub.ScopeRole, role, env)
}

func (s *fakeSink) BroadcastByChannel(channel string, env *messaging.Envelope) int {
	return s.add(hub.ScopeChannel, channel, env)
}

func (s *fakeSink) BroadcastByChannelType(ct routing.ChannelType, env *messaging.Envelope) int {
	return s.add(hub.ScopeChannelType, string(ct), env)
}

func (s *fakeSink) Broadcast(env *messaging.Envelope) int {
	return s.add(hub.ScopeAll, "", env)
}

func (s *fakeSink) all() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

type fakeGuard struct {
	deny  atomic.Bool
	pause atomic.Bool
}

func (g *fakeGuard) AllowKafkaMessage(context.Context) (bool, time.Duration) {
	if g.deny.Load() {
		return false, time.Second
	}
	return true, 0
}

func (g *fakeGuard) ShouldPauseKafka() bool { return g.pause.Load() }

func TestDispatch_TargetPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		opts   []messaging.Option
		scope  string
		target string
	}{
		{name: "user wins", opts: []messaging.Option{messaging.ForUser(3), messaging.ForRole("admin"), messaging.ForChannel("users-0")}, scope: hub.ScopeUser},
		{name: "role", opts: []messaging.Option{messaging.ForRole("admin"), messaging.ForChannel("users-0")}, scope: hub.ScopeRole, target: "admin"},
		{name: "channel", opts: []messaging.Option{messaging.ForChannel("users-0"), messaging.ForChannelType(routing.ChannelAdmin)}, scope: hub.ScopeChannel, target: "users-0"},
		{name: "channel type", opts: []messaging.Option{messaging.ForChannelType(routing.ChannelAdmin)}, scope: hub.ScopeChannelType, target: "admin"},
		{name: "everyone", scope: hub.ScopeAll},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &fakeSink{}
			env := messaging.MustNew(messaging.EventTaskUpdated, map[string]any{"id": 1}, tt.opts...)

			scope, n := Dispatch(sink, env)

			assert.Equal(t, tt.scope, scope)
			assert.Equal(t, 1, n)
			calls := sink.all()
			require.Len(t, calls, 1)
			assert.Equal(t, tt.target, calls[0].target)
		})
	}
}

func startedConsumer(t *testing.T, sink Sink, guard Guard) *Consumer {
	t.Helper()
	c := newConsumer(ConsumerConfig{Workers: 2, QueueSize: 16, Sink: sink, Guard: guard, Logger: zerolog.Nop()})
	c.pool.Start(context.Background())
	t.Cleanup(c.pool.Stop)
	return c
}

func encoded(t *testing.T, env *messaging.Envelope) []byte {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	return data
}

func TestHandleRecord_Dispatches(t *testing.T) {
	sink := &fakeSink{}
	c := startedConsumer(t, sink, &fakeGuard{})

	env := messaging.MustNew(messaging.EventTaskAssigned, map[string]any{"id": 9}, messaging.ForRole("staff"))
	outcome := c.handleRecord(context.Background(), "tasks.events", encoded(t, env))
	assert.Equal(t, outcomeQueued, outcome)

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, call{scope: hub.ScopeRole, target: "staff", id: env.MessageID}, sink.all()[0])
	require.Eventually(t, func() bool { return c.Stats().Delivered == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), c.Stats().Consumed)
}

func TestHandleRecord_GuardDrops(t *testing.T) {
	sink := &fakeSink{}
	guard := &fakeGuard{}
	c := startedConsumer(t, sink, guard)
	value := encoded(t, messaging.MustNew(messaging.EventNotification, map[string]any{}))

	guard.deny.Store(true)
	assert.Equal(t, monitoring.IngestOutcomeRateLimited, c.handleRecord(context.Background(), "t", value))

	guard.deny.Store(false)
	guard.pause.Store(true)
	assert.Equal(t, monitoring.IngestOutcomeCPUPaused, c.handleRecord(context.Background(), "t", value))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.RateLimited)
	assert.Equal(t, int64(1), stats.CPUPaused)
	assert.Equal(t, int64(2), stats.Consumed)
	assert.Empty(t, sink.all())
}

func TestHandleRecord_RejectsInvalid(t *testing.T) {
	sink := &fakeSink{}
	c := startedConsumer(t, sink, &fakeGuard{})

	tests := map[string][]byte{
		"not json":      []byte("{"),
		"unknown event": []byte(`{"event_type":"task_exploded","data":{}}`),
		"control event": []byte(`{"event_type":"subscribe","data":{"events":["x"]}}`),
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, monitoring.IngestOutcomeInvalid, c.handleRecord(context.Background(), "t", value))
		})
	}
	assert.Equal(t, int64(3), c.Stats().Invalid)
	assert.Empty(t, sink.all())
}

func TestHandleRecord_QueueFull(t *testing.T) {
	sink := &fakeSink{}
	c := newConsumer(ConsumerConfig{Workers: 1, QueueSize: 1, Sink: sink, Guard: &fakeGuard{}, Logger: zerolog.Nop()})
	// Workers not started, so the single slot fills up.
	value := encoded(t, messaging.MustNew(messaging.EventNotification, map[string]any{}))

	assert.Equal(t, outcomeQueued, c.handleRecord(context.Background(), "t", value))
	assert.Equal(t, monitoring.IngestOutcomeQueueFull, c.handleRecord(context.Background(), "t", value))
	assert.Equal(t, int64(1), c.Stats().QueueFull)
	assert.Equal(t, 1, c.Stats().QueueDepth)
}

func TestNewConsumer_Validation(t *testing.T) {
	valid := ConsumerConfig{
		Brokers:       []string{"localhost:9092"},
		ConsumerGroup: "realtime-ingest",
		Topics:        []string{"tasks.events"},
		Sink:          &fakeSink{},
		Guard:         &fakeGuard{},
	}

	tests := []struct {
		name   string
		mutate func(*ConsumerConfig)
	}{
		{"no brokers", func(c *ConsumerConfig) { c.Brokers = nil }},
		{"no group", func(c *ConsumerConfig) { c.ConsumerGroup = "" }},
		{"no topics", func(c *ConsumerConfig) { c.Topics = nil }},
		{"no sink", func(c *ConsumerConfig) { c.Sink = nil }},
		{"no guard", func(c *ConsumerConfig) { c.Guard = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := NewConsumer(cfg)
			assert.Error(t, err)
		})
	}
}

func TestWorkerPool_RunsAndRecovers(t *testing.T) {
	pool := NewWorkerPool(2, 8, zerolog.Nop())
	pool.Start(context.Background())
	pool.Start(context.Background())

	var ran atomic.Int32
	require.True(t, pool.Submit(func() { panic("boom") }))
	for i := 0; i < 5; i++ {
		require.True(t, pool.Submit(func() { ran.Add(1) }))
	}

	require.Eventually(t, func() bool { return ran.Load() == 5 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return pool.Panics() == 1 }, time.Second, 5*time.Millisecond)

	pool.Stop()
	pool.Stop()
	assert.False(t, pool.Submit(func() {}))
	assert.Equal(t, int64(1), pool.Dropped())
}

func TestWorkerPool_StopDiscardsQueued(t *testing.T) {
	pool := NewWorkerPool(1, 4, zerolog.Nop())
	for i := 0; i < 3; i++ {
		require.True(t, pool.Submit(func() {}))
	}
	pool.Stop()

	assert.Equal(t, int64(3), pool.Dropped())
	assert.Zero(t, pool.QueueDepth())
	assert.Equal(t, 4, pool.QueueCapacity())
}
