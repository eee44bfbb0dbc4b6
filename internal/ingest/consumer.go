// Package ingest consumes domain events published by the CRUD layer to
// Kafka and fans them out to connected clients.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/ws_channels/internal/messaging"
	"github.com/adred-codev/ws_channels/internal/shared/monitoring"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"
)

// Guard rate limits consumption and acts as a CPU brake.
// *limits.ResourceGuard satisfies it.
type Guard interface {
	AllowKafkaMessage(ctx context.Context) (allow bool, waitDuration time.Duration)
	ShouldPauseKafka() bool
}

// ConsumerConfig holds consumer settings.
type ConsumerConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	Workers       int // dispatch goroutines, default 4
	QueueSize     int // pending dispatches, default Workers*100
	Sink          Sink
	Guard         Guard
	Logger        zerolog.Logger
}

// outcomeQueued is returned by handleRecord for records accepted for
// dispatch; the delivered metric is recorded once the dispatch runs.
const outcomeQueued = "queued"

// Stats counts consumed records by outcome.
type Stats struct {
	Consumed    int64 `json:"consumed"`
	Delivered   int64 `json:"delivered"`
	Invalid     int64 `json:"invalid"`
	RateLimited int64 `json:"rate_limited"`
	CPUPaused   int64 `json:"cpu_paused"`
	QueueFull   int64 `json:"queue_full"`
	QueueDepth  int   `json:"queue_depth"`
}

// Consumer reads envelopes from Kafka topics and dispatches them on a
// worker pool. Each record passes the rate limiter and the CPU brake
// before it is queued; rejected records are dropped, not retried.
type Consumer struct {
	client *kgo.Client
	topics []string
	sink   Sink
	guard  Guard
	pool   *WorkerPool
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group

	consumed    atomic.Int64
	delivered   atomic.Int64
	invalid     atomic.Int64
	rateLimited atomic.Int64
	cpuPaused   atomic.Int64
	queueFull   atomic.Int64
}

func (cfg *ConsumerConfig) validate() error {
	if len(cfg.Brokers) == 0 {
		return errors.New("at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return errors.New("consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return errors.New("at least one topic is required")
	}
	if cfg.Sink == nil {
		return errors.New("sink is required")
	}
	if cfg.Guard == nil {
		return errors.New("resource guard is required")
	}
	return nil
}

func newConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 100
	}
	logger := monitoring.Component(cfg.Logger, "ingest")
	return &Consumer{
		topics: cfg.Topics,
		sink:   cfg.Sink,
		guard:  cfg.Guard,
		pool:   NewWorkerPool(cfg.Workers, cfg.QueueSize, logger),
		logger: logger,
	}
}

// NewConsumer creates a consumer. It does not contact the brokers until
// Start.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := newConsumer(cfg)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			c.logger.Info().Interface("partitions", assigned).Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			c.logger.Info().Interface("partitions", revoked).Msg("Partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	c.client = client
	return c, nil
}

// Start launches the worker pool and the poll loop.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.group != nil {
		return errors.New("consumer already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.pool.Start(ctx)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer monitoring.RecoverPanic(c.logger, "consumeLoop", map[string]any{"topics": c.topics})
		c.consumeLoop(gctx)
		return nil
	})
	c.group = group

	c.logger.Info().
		Strs("topics", c.topics).
		Int("workers", c.pool.workerCount).
		Int("queue_size", c.pool.QueueCapacity()).
		Msg("Kafka ingest started")
	return nil
}

// Stop ends the poll loop, stops the workers and closes the client.
// Safe to call more than once.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return nil
	}

	c.cancel()
	c.cancel = nil
	err := c.group.Wait()
	c.pool.Stop()
	if c.client != nil {
		c.client.Close()
	}

	stats := c.Stats()
	c.logger.Info().
		Int64("consumed", stats.Consumed).
		Int64("delivered", stats.Delivered).
		Int64("dropped", stats.RateLimited+stats.CPUPaused+stats.QueueFull).
		Msg("Kafka ingest stopped")
	return err
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				if errors.Is(err.Err, context.Canceled) {
					continue
				}
				c.logger.Error().
					Err(err.Err).
					Str("topic", err.Topic).
					Int32("partition", err.Partition).
					Msg("Fetch error")
			}
		}

		fetches.EachRecord(func(record *kgo.Record) {
			c.handleRecord(ctx, record.Topic, record.Value)
		})
	}
}

// handleRecord applies the guard, decodes the envelope and queues its
// dispatch. It returns the outcome label.
func (c *Consumer) handleRecord(ctx context.Context, topic string, value []byte) string {
	c.consumed.Add(1)

	if allow, wait := c.guard.AllowKafkaMessage(ctx); !allow {
		if n := c.rateLimited.Add(1); n%100 == 1 {
			c.logger.Warn().
				Int64("dropped_count", n).
				Dur("would_wait", wait).
				Str("topic", topic).
				Msg("Ingest rate limit exceeded - dropping events")
		}
		return c.record(monitoring.IngestOutcomeRateLimited)
	}

	if c.guard.ShouldPauseKafka() {
		if n := c.cpuPaused.Add(1); n%100 == 1 {
			c.logger.Warn().
				Int64("dropped_count", n).
				Str("topic", topic).
				Msg("CPU emergency brake - dropping events")
		}
		return c.record(monitoring.IngestOutcomeCPUPaused)
	}

	env, err := messaging.Decode(value)
	if err == nil && env.EventType.IsControl() {
		err = fmt.Errorf("control event %q not allowed on ingest", env.EventType)
	}
	if err != nil {
		c.invalid.Add(1)
		c.logger.Warn().Err(err).Str("topic", topic).Msg("Dropping invalid domain event")
		return c.record(monitoring.IngestOutcomeInvalid)
	}

	queued := c.pool.Submit(func() {
		scope, n := Dispatch(c.sink, env)
		c.delivered.Add(1)
		monitoring.RecordIngest(monitoring.IngestOutcomeDelivered)
		c.logger.Debug().
			Str("topic", topic).
			Str("event_type", string(env.EventType)).
			Str("scope", scope).
			Int("recipients", n).
			Msg("Domain event dispatched")
	})
	if !queued {
		c.queueFull.Add(1)
		return c.record(monitoring.IngestOutcomeQueueFull)
	}
	return outcomeQueued
}

func (c *Consumer) record(outcome string) string {
	monitoring.RecordIngest(outcome)
	return outcome
}

// Stats returns consumption counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Consumed:    c.consumed.Load(),
		Delivered:   c.delivered.Load(),
		Invalid:     c.invalid.Load(),
		RateLimited: c.rateLimited.Load(),
		CPUPaused:   c.cpuPaused.Load(),
		QueueFull:   c.queueFull.Load(),
		QueueDepth:  c.pool.QueueDepth(),
	}
}
