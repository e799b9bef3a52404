// Package memory provides the in-process reference implementation of
// the queue.Broker contract: bounded in-memory channels per queue, a
// static exchange fan-out table, and competing consumer goroutines.
package memory

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/catalogforge/strata/pkg/queue"
)

// DefaultStopTimeout is the grace period Stop waits per consumer task
// for an in-flight handler to finish.
const DefaultStopTimeout = 2000 * time.Millisecond

const (
	stateCreated int32 = iota
	stateStarted
	stateStopped
)

// consumerTask tracks one subscriber goroutine. done is closed when the
// goroutine returns.
type consumerTask struct {
	queue string
	done  chan struct{}
}

// Broker is the in-process queue broker. Queue buffers are the only
// shared mutable state; they are accessed exclusively through their
// channels. The topology is immutable after construction.
type Broker struct {
	topology    queue.Topology
	buffers     map[string]chan queue.Message
	retry       *queue.RetryPolicy
	stopTimeout time.Duration
	logger      hclog.Logger

	state  atomic.Int32
	stopCh chan struct{}
	tasks  atomic.Pointer[[]*consumerTask]
}

// Config holds construction-time configuration for the broker.
type Config struct {
	// Topology fixes the queues, exchanges, and bindings.
	Topology queue.Topology

	// RetryDelays configures the retry policy. The number of steps
	// bounds redelivery attempts. Defaults to queue.DefaultRetryDelays.
	RetryDelays []time.Duration

	// StopTimeout is the per-task grace period during Stop.
	// Defaults to DefaultStopTimeout.
	StopTimeout time.Duration

	// Logger for broker and retry-policy output.
	Logger hclog.Logger
}

// New creates a broker with one bounded buffer per configured queue.
func New(cfg Config) (*Broker, error) {
	if err := cfg.Topology.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	buffers := make(map[string]chan queue.Message, len(cfg.Topology.Queues))
	for _, q := range cfg.Topology.Queues {
		if _, ok := buffers[q]; ok {
			return nil, fmt.Errorf("duplicate queue %q", q)
		}
		buffers[q] = make(chan queue.Message, queue.ChannelBufferSize)
	}

	logger := cfg.Logger.Named("memory-broker")

	b := &Broker{
		topology:    cfg.Topology,
		buffers:     buffers,
		retry:       queue.NewRetryPolicy(cfg.RetryDelays, logger),
		stopTimeout: cfg.StopTimeout,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
	b.tasks.Store(&[]*consumerTask{})

	return b, nil
}

// Start makes the broker live. Idempotent; all state was allocated at
// construction.
func (b *Broker) Start() error {
	if b.state.Load() == stateStopped {
		return queue.ErrStopped
	}
	if b.state.CompareAndSwap(stateCreated, stateStarted) {
		b.logger.Info("broker started",
			"queues", len(b.buffers),
			"exchanges", len(b.topology.Exchanges),
		)
	}
	return nil
}

// Publish enqueues the message on the named queue, blocking while the
// buffer is full.
func (b *Broker) Publish(queueName string, msg queue.Message) error {
	buffer, ok := b.buffers[queueName]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrUnknownQueue, queueName)
	}
	if b.state.Load() == stateStopped {
		return queue.ErrStopped
	}

	select {
	case buffer <- msg:
		return nil
	case <-b.stopCh:
		return queue.ErrStopped
	}
}

// PublishToExchange publishes the message independently to every queue
// bound to the exchange. Failures are aggregated; success requires all
// per-queue publishes to succeed.
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

// Subscribe starts one consumer goroutine on the named queue and
// returns immediately. Subscribers on the same queue compete for
// messages over the shared buffer.
func (b *Broker) Subscribe(queueName string, handler queue.Handler) error {
	buffer, ok := b.buffers[queueName]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrUnknownQueue, queueName)
	}
	if b.state.Load() == stateStopped {
		return queue.ErrStopped
	}

	task := &consumerTask{
		queue: queueName,
		done:  make(chan struct{}),
	}

	// Register under a CAS loop; Subscribe may race with itself from
	// multiple goroutines.
	for {
		old := b.tasks.Load()
		updated := append(append([]*consumerTask{}, *old...), task)
		if b.tasks.CompareAndSwap(old, &updated) {
			break
		}
	}

	go b.consume(task, buffer, handler)

	b.logger.Debug("subscribed consumer", "queue", queueName)
	return nil
}

// consume pulls messages until the broker stops, invoking the handler
// and applying the retry policy to non-success outcomes.
func (b *Broker) consume(task *consumerTask, buffer <-chan queue.Message, handler queue.Handler) {
	defer close(task.done)

	for {
		select {
		case <-b.stopCh:
			return
		case msg := <-buffer:
			outcome := b.invoke(handler, msg)
			if !outcome.IsSuccess() {
				b.retry.HandleFailure(task.queue, msg, outcome.Reason, b.Publish)
			}
		}
	}
}

// invoke runs the handler, converting a panic into a retryable outcome
// so that a handler fault never kills the consumer task.
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

	return handler(context.Background(), msg)
}

// Health reports liveness. Never blocks on queue depth.
func (b *Broker) Health() bool {
	return b.state.Load() == stateStarted
}

// Reset discards all buffered messages on all queues without invoking
// handlers.
func (b *Broker) Reset() error {
	dropped := b.drain()
	if dropped > 0 {
		b.logger.Info("reset dropped buffered messages", "count", dropped)
	}
	return nil
}

// Stop signals every consumer task, drains all queue buffers without
// further handler invocation, and waits up to the configured grace
// period per task. A task that does not finish in time (for example one
// blocked inside a handler) is logged and abandoned, not forcibly
// terminated.
func (b *Broker) Stop() error {
	swapped := b.state.CompareAndSwap(stateStarted, stateStopped) ||
		b.state.CompareAndSwap(stateCreated, stateStopped)
	if !swapped {
		return nil
	}

	close(b.stopCh)
	dropped := b.drain()

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

	// Retry requeues racing with shutdown may have slipped in before
	// the state flip was observed.
	dropped += b.drain()

	b.logger.Info("broker stopped",
		"dropped_messages", dropped,
		"abandoned_tasks", abandoned,
	)
	return nil
}

// drain empties every queue buffer and returns the number of messages
// discarded.
func (b *Broker) drain() int {
	dropped := 0
	for _, buffer := range b.buffers {
	queueDrain:
		for {
			select {
			case <-buffer:
				dropped++
			default:
				break queueDrain
			}
		}
	}
	return dropped
}
