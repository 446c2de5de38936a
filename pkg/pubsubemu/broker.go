package pubsubemu

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chris-alexander-pop/pubsubemu/pkg/concurrency"
	"github.com/chris-alexander-pop/pubsubemu/pkg/datastructures/concurrentmap"
	"github.com/chris-alexander-pop/pubsubemu/pkg/logger"
	"github.com/google/uuid"
)

// Broker is the single point of truth for topics, subscriptions, and the
// messages flowing between them. It is safe for concurrent use from
// publisher dispatch workers, subscriber pull loops, the lease manager,
// and the housekeeper at once.
type Broker struct {
	mu     *concurrency.SmartRWMutex
	topics map[string]*Topic
	subs   map[string]*Subscription
	queues map[string]*SubscriptionQueue

	leases *concurrentmap.ShardedMap[string, *ackEntry]

	drainCancel map[string]context.CancelFunc

	nextMessageSeq int64
}

// NewBroker constructs an empty Broker.
func NewBroker() *Broker {
	return &Broker{
		mu:          concurrency.NewSmartRWMutex(concurrency.MutexConfig{Name: "broker"}),
		topics:      make(map[string]*Topic),
		subs:        make(map[string]*Subscription),
		queues:      make(map[string]*SubscriptionQueue),
		leases:      concurrentmap.New[string, *ackEntry](64),
		drainCancel: make(map[string]context.CancelFunc),
	}
}

// RegisterTopic creates a topic. Fails with AlreadyExists if name is
// already registered (and not previously deleted).
func (b *Broker) RegisterTopic(name string, opts TopicOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[name]; ok && !t.Deleted {
		return ErrTopicAlreadyExists(name)
	}

	t, err := newTopic(name, opts)
	if err != nil {
		return err
	}
	b.topics[name] = t
	logger.L().Info("topic registered", "topic", name)
	return nil
}

// UnregisterTopic destroys a topic. Subscriptions are detached, not
// deleted: they keep whatever is already queued but accept no new
// messages published to this topic name.
func (b *Broker) UnregisterTopic(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok || t.Deleted {
		return ErrTopicNotFound(name)
	}
	t.Deleted = true
	logger.L().Info("topic unregistered", "topic", name)
	return nil
}

// TopicExists reports whether a live (non-deleted) topic is registered.
func (b *Broker) TopicExists(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[name]
	return ok && !t.Deleted
}

// Topics returns the names of every live topic.
func (b *Broker) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.topics))
	for name, t := range b.topics {
		if !t.Deleted {
			names = append(names, name)
		}
	}
	return names
}

// RegisterSubscription creates a subscription attached to topicName.
func (b *Broker) RegisterSubscription(name, topicName string, opts SubscriptionOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topicName]
	if !ok || t.Deleted {
		return ErrTopicNotFound(topicName)
	}
	if s, ok := b.subs[name]; ok && !s.Deleted {
		return ErrSubscriptionAlreadyExists(name)
	}

	sub, err := newSubscription(name, topicName, opts)
	if err != nil {
		return err
	}

	b.subs[name] = sub
	b.queues[name] = newSubscriptionQueue(name, sub.EnableMessageOrdering)
	t.subscriptions[name] = struct{}{}

	ctx, cancel := context.WithCancel(context.Background())
	b.drainCancel[name] = cancel
	concurrency.SafeGo(ctx, func() { b.runDelayedDrain(ctx, name) })

	logger.L().Info("subscription registered", "subscription", name, "topic", topicName)
	return nil
}

// UnregisterSubscription tombstones a subscription: in-flight ack-ids
// continue to resolve (to FailedPrecondition, per spec) but no further
// leases are handed out and it no longer appears in iteration.
func (b *Broker) UnregisterSubscription(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[name]
	if !ok || sub.Deleted {
		return ErrSubscriptionNotFound(name)
	}
	sub.Deleted = true

	if t, ok := b.topics[sub.Topic]; ok {
		delete(t.subscriptions, name)
	}
	if cancel, ok := b.drainCancel[name]; ok {
		cancel()
		delete(b.drainCancel, name)
	}

	logger.L().Info("subscription unregistered", "subscription", name)
	return nil
}

// SubscriptionExists reports whether a live (non-deleted) subscription is
// registered.
func (b *Broker) SubscriptionExists(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.subs[name]
	return ok && !s.Deleted
}

// Subscriptions returns the names of every live subscription.
func (b *Broker) Subscriptions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.subs))
	for name, s := range b.subs {
		if !s.Deleted {
			names = append(names, name)
		}
	}
	return names
}

func (b *Broker) newMessageID() string {
	b.nextMessageSeq++
	return fmt.Sprintf("m%d", b.nextMessageSeq)
}

func validateMessage(m *StoredMessage) error {
	if len(m.Data) > MaxPayloadBytes {
		return ErrInvalidArgument("message data exceeds 10 MiB")
	}
	for k, v := range m.Attributes {
		if len(k) > MaxAttributeKeyBytes || !utf8.ValidString(k) {
			return ErrInvalidArgument(fmt.Sprintf("attribute key %q is invalid or too long", k))
		}
		if strings.HasPrefix(strings.ToLower(k), ReservedAttributePrefix) {
			return ErrInvalidArgument(fmt.Sprintf("attribute key %q uses reserved prefix %q", k, ReservedAttributePrefix))
		}
		if len(v) > MaxAttributeValueBytes || !utf8.ValidString(v) {
			return ErrInvalidArgument(fmt.Sprintf("attribute value for key %q is invalid or too long", k))
		}
	}
	if m.OrderingKey != "" {
		if len(m.OrderingKey) > MaxOrderingKeyBytes || !utf8.ValidString(m.OrderingKey) {
			return ErrInvalidArgument("ordering key is invalid or too long")
		}
	}
	return nil
}

// Publish validates and accepts messages into topicName, then fans each
// one out to every live subscription of that topic. A subscription over
// capacity drops the message for itself only (logged), never failing the
// publish — at-least-once is scoped to accepted messages, per spec.
func (b *Broker) Publish(topicName string, msgs []*StoredMessage) ([]string, error) {
	for _, m := range msgs {
		if err := validateMessage(m); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	t, ok := b.topics[topicName]
	if !ok || t.Deleted {
		b.mu.Unlock()
		return nil, ErrTopicNotFound(topicName)
	}

	ids := make([]string, len(msgs))
	now := time.Now()
	for i, m := range msgs {
		m.ID = b.newMessageID()
		m.PublishTime = now
		if m.DeliveryAttempt == 0 {
			m.DeliveryAttempt = 1
		}
		ids[i] = m.ID
	}

	subNames := make([]string, 0, len(t.subscriptions))
	for name := range t.subscriptions {
		subNames = append(subNames, name)
	}
	b.mu.Unlock()

	for _, subName := range subNames {
		b.mu.RLock()
		sub, ok := b.subs[subName]
		q := b.queues[subName]
		b.mu.RUnlock()
		if !ok || sub.Deleted || q == nil {
			continue
		}
		for _, m := range msgs {
			b.fanOutOne(subName, sub, q, m.clone())
		}
	}

	return ids, nil
}

func (b *Broker) fanOutOne(subName string, sub *Subscription, q *SubscriptionQueue, m *StoredMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count >= DefaultHousekeeperOptions().CapacityWarnMessages || q.bytes >= DefaultHousekeeperOptions().CapacityWarnBytes {
		logger.L().Warn("subscription over capacity, dropping message", "subscription", subName, "message_id", m.ID)
		return
	}
	q.enqueue(m)
}

// Pull produces up to maxMessages leases for subscriptionName, honoring
// per-ordering-key single-in-flight.
func (b *Broker) Pull(subscriptionName string, maxMessages int) ([]*Lease, error) {
	b.mu.RLock()
	sub, ok := b.subs[subscriptionName]
	q := b.queues[subscriptionName]
	b.mu.RUnlock()
	if !ok || sub.Deleted || q == nil {
		return nil, ErrSubscriptionNotFound(subscriptionName)
	}

	now := time.Now()
	leases := make([]*Lease, 0, maxMessages)

	q.mu.Lock()
	for i := 0; i < maxMessages; i++ {
		m := q.nextDeliverable(now)
		if m == nil {
			break
		}
		ackID := uuid.New().String()
		lease := &Lease{
			AckID:        ackID,
			Message:      m,
			Subscription: subscriptionName,
			Deadline:     now.Add(time.Duration(sub.AckDeadlineSeconds) * time.Second),
			CreatedAt:    now,
		}
		b.leases.Set(ackID, &ackEntry{Subscription: subscriptionName, Lease: lease})
		leases = append(leases, lease)
	}
	q.mu.Unlock()

	return leases, nil
}

// lookupAck resolves an ack-id, returning the entry and whether it was
// found at all. The caller still must check entry.terminated().
func (b *Broker) lookupAck(ackID string) (*ackEntry, bool) {
	return b.leases.Get(ackID)
}

// Ack removes the lease and its message permanently. Idempotent: a second
// ack of the same id is a no-op.
func (b *Broker) Ack(ackID string) error {
	entry, ok := b.lookupAck(ackID)
	if !ok {
		return ErrAckIDUnknown(ackID)
	}
	if entry.terminated() {
		return nil
	}

	b.mu.RLock()
	sub, subOK := b.subs[entry.Subscription]
	b.mu.RUnlock()
	if !subOK || sub.Deleted {
		b.terminate(ackID, entry)
		return ErrSubscriptionGone(entry.Subscription)
	}

	q := b.queueFor(entry.Subscription)
	if q != nil {
		q.mu.Lock()
		q.clearLeased(entry.Lease.Message.OrderingKey)
		q.mu.Unlock()
	}
	b.terminate(ackID, entry)
	return nil
}

func (b *Broker) queueFor(subName string) *SubscriptionQueue {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.queues[subName]
}

func (b *Broker) terminate(ackID string, entry *ackEntry) {
	entry.Lease = nil
	entry.TerminatedAt = time.Now()
	b.leases.Set(ackID, entry)
}

// Nack removes the lease, increments the delivery attempt, and requeues
// the message for redelivery after an exponential backoff — or, once the
// subscription's maxDeliveryAttempts is exceeded, routes it to the
// dead-letter topic instead. Idempotent in the same sense as Ack: a
// second nack (including one that races with an Ack) is a no-op.
func (b *Broker) Nack(ackID string) error {
	entry, ok := b.lookupAck(ackID)
	if !ok {
		return ErrAckIDUnknown(ackID)
	}
	if entry.terminated() {
		return nil
	}

	b.mu.RLock()
	sub, subOK := b.subs[entry.Subscription]
	b.mu.RUnlock()
	if !subOK || sub.Deleted {
		b.terminate(ackID, entry)
		return ErrSubscriptionGone(entry.Subscription)
	}

	b.requeueOrDeadLetter(sub, entry.Lease)
	b.terminate(ackID, entry)
	return nil
}

// ModifyAckDeadline resets the lease deadline. seconds == 0 nacks the lease
// exactly as Nack does: redelivery still waits for the subscription's
// retry-policy backoff, which is not skipped here.
func (b *Broker) ModifyAckDeadline(ackID string, seconds int) error {
	if seconds < 0 || seconds > maxAckDeadlineSeconds {
		return ErrInvalidArgument("modifyAckDeadline seconds must be between 0 and 600")
	}
	if seconds == 0 {
		return b.Nack(ackID)
	}

	entry, ok := b.lookupAck(ackID)
	if !ok {
		return ErrAckIDUnknown(ackID)
	}
	if entry.terminated() {
		return nil
	}

	b.mu.RLock()
	sub, subOK := b.subs[entry.Subscription]
	b.mu.RUnlock()
	if !subOK || sub.Deleted {
		b.terminate(ackID, entry)
		return ErrSubscriptionGone(entry.Subscription)
	}

	entry.Lease.Deadline = time.Now().Add(time.Duration(seconds) * time.Second)
	entry.Lease.Extensions++
	b.leases.Set(ackID, entry)
	return nil
}

// expireLease is called by the housekeeper for a lease whose deadline has
// passed with no ack/nack. It has identical requeue-or-DLQ semantics to an
// application nack.
func (b *Broker) expireLease(ackID string, entry *ackEntry) {
	b.mu.RLock()
	sub, ok := b.subs[entry.Subscription]
	b.mu.RUnlock()
	if !ok {
		b.terminate(ackID, entry)
		return
	}
	if !sub.Deleted {
		b.requeueOrDeadLetter(sub, entry.Lease)
	}
	b.terminate(ackID, entry)
}

// runDelayedDrain moves unkeyed nacked/expired messages back into the
// plain pending FIFO once their backoff elapses, dropping them instead if
// retention has since expired. One goroutine per subscription, stopped by
// UnregisterSubscription.
func (b *Broker) runDelayedDrain(ctx context.Context, subName string) {
	q := b.queueFor(subName)
	if q == nil {
		return
	}
	for {
		m, err := q.delayed.DequeueContext(ctx)
		if err != nil {
			return
		}

		b.mu.RLock()
		sub, ok := b.subs[subName]
		b.mu.RUnlock()
		if !ok {
			continue
		}

		q.mu.Lock()
		if time.Since(m.PublishTime) >= sub.RetentionDuration {
			q.bytes -= m.Size()
			q.count--
			q.mu.Unlock()
			logger.L().Warn("message retention expired before redelivery", "subscription", subName, "message_id", m.ID)
			continue
		}
		q.bytes -= m.Size()
		q.count--
		q.enqueue(m)
		q.mu.Unlock()
	}
}
