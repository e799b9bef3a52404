// Package kafka implements the queue.Broker contract over a
// Kafka/Redpanda cluster. Queues map to topics, competing consumers to
// a consumer group per queue, and exchange fan-out to one produced
// record per bound topic.
//
// This is the durable implementation of the protocol the in-process
// broker also satisfies; the ingestion pipeline is wired against the
// interface and does not know which one it runs on.
package kafka

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/catalogforge/strata/pkg/queue"
)

// DefaultStopTimeout is the grace period Stop waits per consumer task.
const DefaultStopTimeout = 2000 * time.Millisecond

const (
	stateCreated int32 = iota
	stateStarted
	stateStopped
)

type consumerTask struct {
	queue  string
	client *kgo.Client
	done   chan struct{}
}

// Broker is a Kafka-backed queue broker.
type Broker struct {
	brokers     []string
	topology    queue.Topology
	retry       *queue.RetryPolicy
	fromStart   bool
	stopTimeout time.Duration
	logger      hclog.Logger

	producer *kgo.Client
	state    atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
	tasks    atomic.Pointer[[]*consumerTask]
}

// Config holds configuration for the Kafka broker.
type Config struct {
	// Brokers are the Kafka/Redpanda seed addresses.
	Brokers []string

	// Topology fixes the queues (topics), exchanges, and bindings.
	Topology queue.Topology

	// RetryDelays configures the retry policy.
	RetryDelays []time.Duration

	// ConsumeFromStart makes new consumer groups start at the earliest
	// offset. Useful for tests; production groups start at the latest.
	ConsumeFromStart bool

	// StopTimeout is the per-task grace period during Stop.
	StopTimeout time.Duration

	// Logger for broker output.
	Logger hclog.Logger
}

// New creates a Kafka broker and its shared producer client.
func New(cfg Config) (*Broker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if err := cfg.Topology.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),

		// Producer durability settings
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.GzipCompression()),

		// Bounded retry backoff
		kgo.RetryBackoffFn(func(tries int) time.Duration {
			backoff := time.Duration(tries) * 100 * time.Millisecond
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			return backoff
		}),
		kgo.RequestRetries(10),

		kgo.ProducerLinger(10*time.Millisecond),
		kgo.ProducerBatchMaxBytes(1<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer client: %w", err)
	}

	logger := cfg.Logger.Named("kafka-broker")
	ctx, cancel := context.WithCancel(context.Background())

	b := &Broker{
		brokers:     cfg.Brokers,
		topology:    cfg.Topology,
		retry:       queue.NewRetryPolicy(cfg.RetryDelays, logger),
		fromStart:   cfg.ConsumeFromStart,
		stopTimeout: cfg.StopTimeout,
		logger:      logger,
		producer:    producer,
		ctx:         ctx,
		cancel:      cancel,
	}
	b.tasks.Store(&[]*consumerTask{})

	return b, nil
}

// Start verifies connectivity to the cluster. Idempotent.
func (b *Broker) Start() error {
	if b.state.Load() == stateStopped {
		return queue.ErrStopped
	}
	if !b.state.CompareAndSwap(stateCreated, stateStarted) {
		return nil
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.producer.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach kafka cluster: %w", err)
	}

	b.logger.Info("kafka broker started", "brokers", b.brokers)
	return nil
}

// Publish produces the message to the queue's topic, blocking until the
// cluster acknowledges the write.
func (b *Broker) Publish(queueName string, msg queue.Message) error {
	if !b.hasQueue(queueName) {
		return fmt.Errorf("%w: %s", queue.ErrUnknownQueue, queueName)
	}
	if b.state.Load() == stateStopped {
		return queue.ErrStopped
	}

	value, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	record := &kgo.Record{
		Topic: queueName,
		Key:   []byte(msg.ConceptID),
		Value: value,
	}
	if err := b.producer.ProduceSync(b.ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", queueName, err)
	}
	return nil
}

// PublishToExchange produces the message independently to every topic
// bound to the exchange.
func (b *Broker) PublishToExchange(exchange string, msg queue.Message) error {
	if !b.topology.HasExchange(exchange) {
		return fmt.Errorf("%w: %s", queue.ErrUnknownExchange, exchange)
	}

	var result *multierror.Error
	for _, q := range b.topology.ExchangeQueues(exchange) {
		if err := b.Publish(q, msg); err != nil {
			result = multierror.Append(result,
				fmt.Errorf("exchange %s fan-out to queue %s: %w", exchange, q, err))
		}
	}
	return result.ErrorOrNil()
}

// Subscribe starts one consumer-group poll loop on the queue's topic.
// All subscribers to one queue share the group, so each record is
// delivered to exactly one of them.
func (b *Broker) Subscribe(queueName string, handler queue.Handler) error {
	if !b.hasQueue(queueName) {
		return fmt.Errorf("%w: %s", queue.ErrUnknownQueue, queueName)
	}
	if b.state.Load() == stateStopped {
		return queue.ErrStopped
	}

	offset := kgo.NewOffset().AtEnd()
	if b.fromStart {
		offset = kgo.NewOffset().AtStart()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumerGroup(queueName+"-workers"),
		kgo.ConsumeTopics(queueName),
		kgo.ConsumeResetOffset(offset),
		kgo.SessionTimeout(10*time.Second),
		kgo.RebalanceTimeout(30*time.Second),

		// Commit manually after each terminal outcome
		kgo.DisableAutoCommit(),

		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(5<<20),
	)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer client: %w", err)
	}

	task := &consumerTask{
		queue:  queueName,
		client: client,
		done:   make(chan struct{}),
	}
	for {
		old := b.tasks.Load()
		updated := append(append([]*consumerTask{}, *old...), task)
		if b.tasks.CompareAndSwap(old, &updated) {
			break
		}
	}

	go b.consume(task, handler)

	b.logger.Debug("subscribed consumer", "queue", queueName)
	return nil
}

// consume polls fetches until the broker stops.
func (b *Broker) consume(task *consumerTask, handler queue.Handler) {
	defer close(task.done)
	defer task.client.Close()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		fetches := task.client.PollFetches(b.ctx)
		if fetches.IsClientClosed() || b.ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				b.logger.Error("kafka fetch error", "queue", task.queue, "error", err.Err)
			}
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			b.processRecord(task, record, handler)
		})
	}
}

// processRecord handles one record: decode, invoke, apply the retry
// policy, then commit. Both drop and requeue are terminal for this
// delivery, so the offset is always committed.
func (b *Broker) processRecord(task *consumerTask, record *kgo.Record, handler queue.Handler) {
	msg, err := queue.UnmarshalMessage(record.Value)
	if err != nil {
		b.logger.Error("discarding undecodable record",
			"queue", task.queue,
			"partition", record.Partition,
			"offset", record.Offset,
			"error", err,
		)
	} else {
		outcome := b.invoke(handler, msg)
		if !outcome.IsSuccess() {
			b.retry.HandleFailure(task.queue, msg, outcome.Reason, b.Publish)
		}
	}

	if err := task.client.CommitRecords(b.ctx, record); err != nil {
		b.logger.Warn("failed to commit kafka offset",
			"queue", task.queue,
			"partition", record.Partition,
			"offset", record.Offset,
			"error", err,
		)
	}
}

// invoke runs the handler, converting a panic into a retryable outcome.
func (b *Broker) invoke(handler queue.Handler, msg queue.Message) (outcome queue.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked",
				"message", msg.String(),
				"panic", r,
			)
			outcome = queue.Retry(fmt.Sprintf("handler panic: %v", r))
		}
	}()

	return handler(b.ctx, msg)
}

// Health pings the cluster with a short deadline.
func (b *Broker) Health() bool {
	if b.state.Load() != stateStarted {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return b.producer.Ping(ctx) == nil
}

// Reset is a no-op for the durable broker: topics are owned by the
// cluster and purging them is an operator action, not a client call.
func (b *Broker) Reset() error {
	b.logger.Warn("reset is not supported by the kafka broker")
	return nil
}

// Stop cancels all consumer tasks, waits a bounded grace period per
// task, and closes the producer.
func (b *Broker) Stop() error {
	swapped := b.state.CompareAndSwap(stateStarted, stateStopped) ||
		b.state.CompareAndSwap(stateCreated, stateStopped)
	if !swapped {
		return nil
	}

	b.cancel()

	abandoned := 0
	for _, task := range *b.tasks.Load() {
		select {
		case <-task.done:
		case <-time.After(b.stopTimeout):
			abandoned++
			b.logger.Warn("consumer task did not stop within grace period, abandoning",
				"queue", task.queue,
				"timeout", b.stopTimeout,
			)
		}
	}

	b.producer.Close()

	b.logger.Info("kafka broker stopped", "abandoned_tasks", abandoned)
	return nil
}

func (b *Broker) hasQueue(queueName string) bool {
	for _, q := range b.topology.Queues {
		if q == queueName {
			return true
		}
	}
	return false
}
