// Package tests holds a driver-agnostic conformance suite that any
// messaging.Broker implementation can run against itself.
package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/pubsubemu/pkg/messaging"
)

// RunBrokerTests exercises the basic publish/consume contract every
// messaging.Broker adapter must satisfy: a published message reaches a
// consumer on the same topic, and returning an error from the handler
// does not crash the consume loop.
func RunBrokerTests(t *testing.T, broker messaging.Broker) {
	t.Run("PublishThenConsume", func(t *testing.T) {
		testPublishThenConsume(t, broker)
	})
	t.Run("PublishBatch", func(t *testing.T) {
		testPublishBatch(t, broker)
	})
	t.Run("HandlerErrorDoesNotStopConsume", func(t *testing.T) {
		testHandlerErrorDoesNotStopConsume(t, broker)
	})
	t.Run("Healthy", func(t *testing.T) {
		require.True(t, broker.Healthy(context.Background()))
	})
}

func testPublishThenConsume(t *testing.T, broker messaging.Broker) {
	topic := "conformance-basic"

	producer, err := broker.Producer(topic)
	require.NoError(t, err)
	defer producer.Close()

	consumer, err := broker.Consumer(topic, "conformance-basic-group")
	require.NoError(t, err)
	defer consumer.Close()

	received := make(chan *messaging.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = consumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error {
			select {
			case received <- msg:
			default:
			}
			return nil
		})
	}()

	require.NoError(t, producer.Publish(context.Background(), &messaging.Message{
		Topic:   topic,
		Payload: []byte("conformance-payload"),
	}))

	select {
	case msg := <-received:
		require.Equal(t, "conformance-payload", string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func testPublishBatch(t *testing.T, broker messaging.Broker) {
	topic := "conformance-batch"

	producer, err := broker.Producer(topic)
	require.NoError(t, err)
	defer producer.Close()

	consumer, err := broker.Consumer(topic, "conformance-batch-group")
	require.NoError(t, err)
	defer consumer.Close()

	var mu sync.Mutex
	count := 0
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = consumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error {
			mu.Lock()
			count++
			n := count
			mu.Unlock()
			if n == 3 {
				close(done)
			}
			return nil
		})
	}()

	require.NoError(t, producer.PublishBatch(context.Background(), []*messaging.Message{
		{Topic: topic, Payload: []byte("a")},
		{Topic: topic, Payload: []byte("b")},
		{Topic: topic, Payload: []byte("c")},
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch was not fully delivered")
	}
}

func testHandlerErrorDoesNotStopConsume(t *testing.T, broker messaging.Broker) {
	topic := "conformance-retry"

	producer, err := broker.Producer(topic)
	require.NoError(t, err)
	defer producer.Close()

	consumer, err := broker.Consumer(topic, "conformance-retry-group")
	require.NoError(t, err)
	defer consumer.Close()

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = consumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				return context.DeadlineExceeded // transient-looking failure, should be retried
			}
			close(done)
			return nil
		})
	}()

	require.NoError(t, producer.Publish(context.Background(), &messaging.Message{
		Topic:   topic,
		Payload: []byte("retry-me"),
	}))

	select {
	case <-done:
		mu.Lock()
		defer mu.Unlock()
		require.GreaterOrEqual(t, attempts, 2)
	case <-time.After(15 * time.Second):
		t.Fatal("message was never redelivered after a handler error")
	}
}
