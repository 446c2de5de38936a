package pubsubemu

import (
	"fmt"
	"time"

	"github.com/chris-alexander-pop/pubsubemu/pkg/logger"
)

// sourceDeliveryCountAttribute is stamped onto a message routed to a
// dead-letter topic, recording how many times it was delivered on its
// original subscription.
const sourceDeliveryCountAttribute = "CloudPubSubDeadLetterSourceDeliveryCount"

// requeueOrDeadLetter is the shared tail of Nack and lease-expiry: bump
// the delivery attempt, then either route to the subscription's
// dead-letter topic (if configured and the attempt threshold is
// exceeded) or requeue for redelivery after an exponential backoff.
// Caller owns entry/lease lifecycle (terminate is called separately).
func (b *Broker) requeueOrDeadLetter(sub *Subscription, lease *Lease) {
	msg := lease.Message
	msg.DeliveryAttempt++

	q := b.queueFor(sub.Name)

	if sub.DeadLetterPolicy != nil && msg.DeliveryAttempt > sub.DeadLetterPolicy.MaxDeliveryAttempts {
		if q != nil {
			q.mu.Lock()
			q.clearLeased(msg.OrderingKey)
			q.mu.Unlock()
		}
		b.routeToDeadLetter(sub, msg)
		return
	}

	if q == nil {
		return
	}

	backoff := sub.backoff(msg.DeliveryAttempt)
	q.mu.Lock()
	if q.isOrderedKey(msg.OrderingKey) {
		q.requeueKeyed(msg, time.Now().Add(backoff))
		q.clearLeased(msg.OrderingKey)
		q.mu.Unlock()
	} else if backoff <= 0 {
		q.enqueue(msg)
		q.mu.Unlock()
	} else {
		q.mu.Unlock()
		q.requeueUnkeyed(msg, backoff)
	}
}

// routeToDeadLetter publishes msg to sub's configured dead-letter topic,
// preserving payload and attributes. If the topic no longer exists, the
// message is dropped with a logged warning rather than failing the
// caller — the nack/expiry path must never surface an error here.
func (b *Broker) routeToDeadLetter(sub *Subscription, msg *StoredMessage) {
	dlqTopic := sub.DeadLetterPolicy.DeadLetterTopic

	if !b.TopicExists(dlqTopic) {
		logger.L().Warn("dead letter topic missing, dropping message",
			"subscription", sub.Name, "dead_letter_topic", dlqTopic, "message_id", msg.ID)
		return
	}

	attrs := make(map[string]string, len(msg.Attributes)+1)
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	attrs[sourceDeliveryCountAttribute] = fmt.Sprintf("%d", msg.DeliveryAttempt)

	routed := &StoredMessage{
		Data:            msg.Data,
		Attributes:      attrs,
		OrderingKey:     msg.OrderingKey,
		DeliveryAttempt: msg.DeliveryAttempt,
	}

	if _, err := b.Publish(dlqTopic, []*StoredMessage{routed}); err != nil {
		logger.L().Warn("failed to route message to dead letter topic",
			"subscription", sub.Name, "dead_letter_topic", dlqTopic, "message_id", msg.ID, "error", err)
	}
}
