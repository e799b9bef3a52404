package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogforge/strata/pkg/queue"
)

func testTopology() queue.Topology {
	return queue.Topology{
		Queues:    []string{"a", "b", "c"},
		Exchanges: []string{"x"},
		Bindings:  map[string]string{"a": "x", "b": "x"},
	}
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()

	b, err := New(Config{
		Topology:    testTopology(),
		RetryDelays: []time.Duration{time.Millisecond, time.Millisecond},
		StopTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(func() { _ = b.Stop() })

	return b
}

// recordingHandler returns a handler that forwards every delivery to a
// channel and replies with the given outcome.
func recordingHandler(deliveries chan<- queue.Message, outcome queue.Outcome) queue.Handler {
	return func(_ context.Context, msg queue.Message) queue.Outcome {
		deliveries <- msg
		return outcome
	}
}

func receiveWithin(t *testing.T, ch <-chan queue.Message, d time.Duration) queue.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(d):
		t.Fatal("timed out waiting for delivery")
		return queue.Message{}
	}
}

func assertNoDelivery(t *testing.T, ch <-chan queue.Message, d time.Duration) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected delivery: %s", msg.String())
	case <-time.After(d):
	}
}

func TestBroker_PublishConsume(t *testing.T) {
	b := newTestBroker(t)

	deliveries := make(chan queue.Message, 16)
	require.NoError(t, b.Subscribe("a", recordingHandler(deliveries, queue.Success())))

	msg := queue.Message{Action: queue.ActionConceptCreate, ConceptID: "C1", RevisionID: 1}
	require.NoError(t, b.Publish("a", msg))

	got := receiveWithin(t, deliveries, time.Second)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, "C1", got.ConceptID)

	// Success is terminal: no redelivery.
	assertNoDelivery(t, deliveries, 100*time.Millisecond)
}

func TestBroker_RetryExhaustion(t *testing.T) {
	// Two delay steps: original attempt + 2 retries, then drop.
	b := newTestBroker(t)

	deliveries := make(chan queue.Message, 16)
	require.NoError(t, b.Subscribe("a", recordingHandler(deliveries, queue.Retry("always fails"))))

	msg := queue.Message{Action: queue.ActionConceptUpdate, ConceptID: "C1", RevisionID: 1}
	require.NoError(t, b.Publish("a", msg))

	for want := 0; want < 3; want++ {
		got := receiveWithin(t, deliveries, time.Second)
		assert.Equal(t, want, got.RetryCount)
	}

	// Exhausted: a fourth delivery never occurs.
	assertNoDelivery(t, deliveries, 200*time.Millisecond)
}

func TestBroker_FailureTreatedAsRetry(t *testing.T) {
	b := newTestBroker(t)

	deliveries := make(chan queue.Message, 16)
	require.NoError(t, b.Subscribe("a", recordingHandler(deliveries, queue.Failure("broken"))))

	require.NoError(t, b.Publish("a",
		queue.Message{Action: queue.ActionConceptUpdate, ConceptID: "C1", RevisionID: 1}))

	for want := 0; want < 3; want++ {
		got := receiveWithin(t, deliveries, time.Second)
		assert.Equal(t, want, got.RetryCount)
	}
	assertNoDelivery(t, deliveries, 200*time.Millisecond)
}

func TestBroker_HandlerPanicIsRetried(t *testing.T) {
	b := newTestBroker(t)

	deliveries := make(chan queue.Message, 16)
	handler := func(_ context.Context, msg queue.Message) queue.Outcome {
		deliveries <- msg
		panic("handler exploded")
	}
	require.NoError(t, b.Subscribe("a", handler))

	require.NoError(t, b.Publish("a",
		queue.Message{Action: queue.ActionConceptUpdate, ConceptID: "C1", RevisionID: 1}))

	// The panic must not kill the consumer task: all attempts arrive.
	for want := 0; want < 3; want++ {
		got := receiveWithin(t, deliveries, time.Second)
		assert.Equal(t, want, got.RetryCount)
	}
	assertNoDelivery(t, deliveries, 200*time.Millisecond)
}

func TestBroker_Backpressure(t *testing.T) {
	b := newTestBroker(t)

	msg := queue.Message{Action: queue.ActionConceptUpdate, ConceptID: "C1", RevisionID: 1}
	for i := 0; i < queue.ChannelBufferSize; i++ {
		require.NoError(t, b.Publish("a", msg))
	}

	published := make(chan error, 1)
	go func() {
		published <- b.Publish("a", msg)
	}()

	select {
	case err := <-published:
		t.Fatalf("publish to a full queue returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
		// Still blocked, as required.
	}

	// Draining frees a slot; the blocked publisher completes.
	require.NoError(t, b.Reset())

	select {
	case err := <-published:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publisher stayed blocked after the queue drained")
	}
}

func TestBroker_ExchangeFanOut(t *testing.T) {
	b := newTestBroker(t)

	onA := make(chan queue.Message, 16)
	onB := make(chan queue.Message, 16)
	onC := make(chan queue.Message, 16)
	require.NoError(t, b.Subscribe("a", recordingHandler(onA, queue.Success())))
	require.NoError(t, b.Subscribe("b", recordingHandler(onB, queue.Success())))
	require.NoError(t, b.Subscribe("c", recordingHandler(onC, queue.Success())))

	msg := queue.Message{Action: queue.ActionConceptUpdate, ConceptID: "C1", RevisionID: 1}
	require.NoError(t, b.PublishToExchange("x", msg))

	gotA := receiveWithin(t, onA, time.Second)
	gotB := receiveWithin(t, onB, time.Second)
	assert.Equal(t, "C1", gotA.ConceptID)
	assert.Equal(t, "C1", gotB.ConceptID)

	// Exactly one copy per bound queue, none on unbound queues.
	assertNoDelivery(t, onA, 100*time.Millisecond)
	assertNoDelivery(t, onB, 100*time.Millisecond)
	assertNoDelivery(t, onC, 100*time.Millisecond)
}

func TestBroker_CompetingConsumers(t *testing.T) {
	b := newTestBroker(t)

	deliveries := make(chan queue.Message, 64)
	handler := recordingHandler(deliveries, queue.Success())
	require.NoError(t, b.Subscribe("a", handler))
	require.NoError(t, b.Subscribe("a", handler))

	const total = 20
	go func() {
		for i := 1; i <= total; i++ {
			_ = b.Publish("a", queue.Message{
				Action:     queue.ActionConceptUpdate,
				ConceptID:  "C1",
				RevisionID: int64(i),
			})
		}
	}()

	seen := make(map[int64]int)
	for i := 0; i < total; i++ {
		got := receiveWithin(t, deliveries, time.Second)
		seen[got.RevisionID]++
	}

	for i := int64(1); i <= total; i++ {
		assert.Equal(t, 1, seen[i], "revision %d must be delivered exactly once", i)
	}
	assertNoDelivery(t, deliveries, 100*time.Millisecond)
}

func TestBroker_UnknownTargets(t *testing.T) {
	b := newTestBroker(t)

	msg := queue.Message{Action: queue.ActionConceptUpdate, ConceptID: "C1", RevisionID: 1}

	assert.ErrorIs(t, b.Publish("nope", msg), queue.ErrUnknownQueue)
	assert.ErrorIs(t, b.PublishToExchange("nope", msg), queue.ErrUnknownExchange)
	assert.ErrorIs(t, b.Subscribe("nope", recordingHandler(nil, queue.Success())),
		queue.ErrUnknownQueue)
}

func TestBroker_Lifecycle(t *testing.T) {
	b, err := New(Config{Topology: testTopology()})
	require.NoError(t, err)

	assert.False(t, b.Health(), "not live before Start")

	require.NoError(t, b.Start())
	assert.True(t, b.Health())
	require.NoError(t, b.Start(), "Start is idempotent")

	require.NoError(t, b.Stop())
	assert.False(t, b.Health())
	require.NoError(t, b.Stop(), "Stop is idempotent")

	msg := queue.Message{Action: queue.ActionConceptUpdate, ConceptID: "C1", RevisionID: 1}
	assert.ErrorIs(t, b.Publish("a", msg), queue.ErrStopped)
	assert.ErrorIs(t, b.Subscribe("a", recordingHandler(nil, queue.Success())), queue.ErrStopped)
	assert.ErrorIs(t, b.Start(), queue.ErrStopped)
}

func TestBroker_StopDrainsWithoutHandlerInvocation(t *testing.T) {
	b, err := New(Config{
		Topology:    testTopology(),
		StopTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start())

	started := make(chan struct{})
	gate := make(chan struct{})
	var attempts atomic.Int32
	handler := func(_ context.Context, _ queue.Message) queue.Outcome {
		if attempts.Add(1) == 1 {
			close(started)
		}
		<-gate
		return queue.Success()
	}
	require.NoError(t, b.Subscribe("a", handler))

	msg := queue.Message{Action: queue.ActionConceptUpdate, ConceptID: "C1", RevisionID: 1}
	require.NoError(t, b.Publish("a", msg))
	<-started

	// Buffer more messages behind the stuck one.
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish("a", msg))
	}

	begin := time.Now()
	require.NoError(t, b.Stop())
	assert.Less(t, time.Since(begin), time.Second,
		"Stop must abandon the blocked task after the grace period")

	close(gate)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load(), "buffered messages are drained, not handled")
}

func TestBroker_DuplicateQueueRejected(t *testing.T) {
	_, err := New(Config{
		Topology: queue.Topology{Queues: []string{"a", "a"}},
	})
	assert.Error(t, err)
}

func TestBroker_InvalidTopologyRejected(t *testing.T) {
	_, err := New(Config{
		Topology: queue.Topology{
			Queues:   []string{"a"},
			Bindings: map[string]string{"a": "missing"},
		},
	})
	assert.Error(t, err)
}
