package pubsubemu

import (
	"context"
	"sync"
	"time"

	"github.com/chris-alexander-pop/pubsubemu/pkg/concurrency"
	"github.com/chris-alexander-pop/pubsubemu/pkg/logger"
	"github.com/chris-alexander-pop/pubsubemu/pkg/resilience"
)

// publishFuture is returned by Publisher.Publish and settles once the
// message's batch has been dispatched to the broker.
type publishFuture struct {
	done chan struct{}
	id   string
	err  error
}

func newPublishFuture() *publishFuture {
	return &publishFuture{done: make(chan struct{})}
}

func (f *publishFuture) settle(id string, err error) {
	f.id, f.err = id, err
	close(f.done)
}

// Get blocks until the publish settles, returning the assigned message id
// or the error the batch failed with.
func (f *publishFuture) Get(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.id, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type pendingPublish struct {
	msg    *StoredMessage
	future *publishFuture
}

type publishBatch struct {
	items []*pendingPublish
	bytes int64
	timer *time.Timer
}

// Publisher batches messages published to one topic, applying the
// count/bytes/age batch triggers of BatchingOptions (first one wins), a
// publisher-side admission semaphore, and the ordering-key pause contract
// of spec §4.2: once a batch for a key fails with a non-retryable error,
// that key is paused until the application explicitly calls Resume.
type Publisher struct {
	broker   *Broker
	topic    string
	batching BatchingOptions
	flow     *concurrency.Semaphore
	retry    resilience.RetryConfig

	mu      sync.Mutex
	batches map[string]*publishBatch // "" holds every unkeyed message
	paused  map[string]error
	closed  bool
}

// NewPublisher builds a Publisher bound to an already-registered topic.
func NewPublisher(broker *Broker, topic string, batching BatchingOptions, flowControl PublisherFlowControlOptions) *Publisher {
	return &Publisher{
		broker:   broker,
		topic:    topic,
		batching: batching,
		flow:     concurrency.NewSemaphore(flowControl.MaxOutstandingMessages),
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2.0,
			RetryIf:        IsRetryable,
		},
		batches: make(map[string]*publishBatch),
		paused:  make(map[string]error),
	}
}

// Publish enqueues msg into its batch and returns a future for the
// message id the broker assigns once the batch is dispatched. Blocks on
// flow-control admission; fails fast with ErrOrderingKeyPaused if msg's
// ordering key is currently paused.
func (p *Publisher) Publish(ctx context.Context, msg *StoredMessage) (*publishFuture, error) {
	if err := validateMessage(msg); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrTopicNotFound(p.topic)
	}
	if msg.OrderingKey != "" {
		if cause, paused := p.paused[msg.OrderingKey]; paused {
			p.mu.Unlock()
			return nil, ErrOrderingKeyPaused(msg.OrderingKey, cause)
		}
	}
	p.mu.Unlock()

	if err := p.flow.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	future := newPublishFuture()
	var flush bool

	p.mu.Lock()
	b, ok := p.batches[msg.OrderingKey]
	if !ok {
		b = &publishBatch{}
		p.batches[msg.OrderingKey] = b
		key := msg.OrderingKey
		b.timer = time.AfterFunc(p.batching.MaxMilliseconds, func() { p.flushKey(key) })
	}
	b.items = append(b.items, &pendingPublish{msg: msg, future: future})
	b.bytes += msg.Size()
	flush = len(b.items) >= p.batching.MaxMessages || b.bytes >= p.batching.MaxBytes
	p.mu.Unlock()

	if flush {
		p.flushKey(msg.OrderingKey)
	}

	return future, nil
}

// Flush dispatches every batch with at least one pending message,
// regardless of whether its triggers have fired yet.
func (p *Publisher) Flush() {
	p.mu.Lock()
	keys := make([]string, 0, len(p.batches))
	for key := range p.batches {
		keys = append(keys, key)
	}
	p.mu.Unlock()

	for _, key := range keys {
		p.flushKey(key)
	}
}

// Resume clears the paused flag on an ordering key, letting the
// application resume publishing to it after inspecting the failure.
func (p *Publisher) Resume(orderingKey string) {
	p.mu.Lock()
	delete(p.paused, orderingKey)
	p.mu.Unlock()
}

// Close flushes every outstanding batch and rejects further publishes.
func (p *Publisher) Close() {
	p.Flush()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *Publisher) flushKey(key string) {
	p.mu.Lock()
	b, ok := p.batches[key]
	if !ok || len(b.items) == 0 {
		p.mu.Unlock()
		return
	}
	delete(p.batches, key)
	if b.timer != nil {
		b.timer.Stop()
	}
	p.mu.Unlock()

	p.dispatch(key, b)
}

func (p *Publisher) dispatch(key string, b *publishBatch) {
	msgs := make([]*StoredMessage, len(b.items))
	for i, it := range b.items {
		msgs[i] = it.msg
	}

	var ids []string
	err := resilience.Retry(context.Background(), p.retry, func(ctx context.Context) error {
		dispatched, dispatchErr := p.broker.Publish(p.topic, msgs)
		if dispatchErr != nil {
			return dispatchErr
		}
		ids = dispatched
		return nil
	})

	p.flow.Release(int64(len(b.items)))

	if err != nil {
		if key != "" && !IsRetryable(err) {
			p.mu.Lock()
			p.paused[key] = err
			p.mu.Unlock()
			logger.L().Warn("ordering key paused after publish failure", "topic", p.topic, "ordering_key", key, "error", err)
		}
		for _, it := range b.items {
			it.future.settle("", err)
		}
		return
	}

	for i, it := range b.items {
		it.future.settle(ids[i], nil)
	}
}
