package queue

import (
	"errors"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ChannelBufferSize is the capacity of each queue buffer. A publisher
// blocks once a queue holds this many pending messages.
const ChannelBufferSize = 10

var (
	// ErrUnknownQueue is returned when publishing or subscribing to a
	// queue that is not part of the broker's topology. Configuration
	// error, never retried.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrUnknownExchange is returned when publishing to an exchange
	// that is not part of the broker's topology. Configuration error,
	// never retried.
	ErrUnknownExchange = errors.New("unknown exchange")

	// ErrStopped is returned for operations attempted after Stop.
	ErrStopped = errors.New("broker is stopped")
)

// Broker is the contract every queue implementation satisfies: named
// queues with competing consumers, named exchanges with static fan-out,
// and an externally driven lifecycle.
//
// Implementations deliver each queued message to exactly one subscriber
// per attempt and apply the retry policy to non-success outcomes.
type Broker interface {
	// Start makes the broker live. Idempotent; allocates no state
	// beyond construction.
	Start() error

	// Stop drains all queue buffers without invoking handlers, signals
	// every consumer task to terminate, and waits a bounded grace
	// period per task. Best-effort: tasks blocked inside a handler are
	// logged and abandoned.
	Stop() error

	// Publish enqueues a message on the named queue, blocking while the
	// queue buffer is full.
	Publish(queue string, msg Message) error

	// PublishToExchange publishes the message independently to every
	// queue bound to the named exchange. Succeeds only if all per-queue
	// publishes succeed.
	PublishToExchange(exchange string, msg Message) error

	// Subscribe starts one consumer task on the named queue and returns
	// immediately. Multiple subscriptions on one queue compete for
	// messages.
	Subscribe(queue string, handler Handler) error

	// Health reports liveness without blocking on queue depth.
	Health() bool

	// Reset discards all buffered messages without invoking handlers.
	// Operator/test recovery only.
	Reset() error
}

// Topology fixes a broker's queues, exchanges, and queue-to-exchange
// bindings at construction time. It is immutable once the broker is
// built, so reads need no synchronization.
type Topology struct {
	// Queues are the queue names the broker owns.
	Queues []string

	// Exchanges are the exchange names the broker owns.
	Exchanges []string

	// Bindings maps a queue name to the exchange it is bound to.
	// Exchange membership is derived by inverting this map.
	Bindings map[string]string
}

// Validate checks the topology for dangling references.
func (t Topology) Validate() error {
	err := validation.ValidateStruct(&t,
		validation.Field(&t.Queues, validation.Required),
		validation.Field(&t.Queues, validation.Each(validation.Required)),
		validation.Field(&t.Exchanges, validation.Each(validation.Required)),
	)
	if err != nil {
		return err
	}

	queues := make(map[string]struct{}, len(t.Queues))
	for _, q := range t.Queues {
		queues[q] = struct{}{}
	}
	exchanges := make(map[string]struct{}, len(t.Exchanges))
	for _, e := range t.Exchanges {
		exchanges[e] = struct{}{}
	}

	for queue, exchange := range t.Bindings {
		if _, ok := queues[queue]; !ok {
			return validation.NewError(
				"validation_unknown_queue", "binding references unknown queue "+queue)
		}
		if _, ok := exchanges[exchange]; !ok {
			return validation.NewError(
				"validation_unknown_exchange", "binding references unknown exchange "+exchange)
		}
	}

	return nil
}

// ExchangeQueues returns the queues bound to an exchange, sorted for
// deterministic fan-out order.
func (t Topology) ExchangeQueues(exchange string) []string {
	var bound []string
	for queue, e := range t.Bindings {
		if e == exchange {
			bound = append(bound, queue)
		}
	}
	sort.Strings(bound)
	return bound
}

// HasExchange reports whether the exchange is part of the topology.
func (t Topology) HasExchange(exchange string) bool {
	for _, e := range t.Exchanges {
		if e == exchange {
			return true
		}
	}
	return false
}
