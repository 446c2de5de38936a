package kafka

import (
	"context"

	"github.com/IBM/sarama"

	"github.com/chris-alexander-pop/pubsubemu/pkg/logger"
	"github.com/chris-alexander-pop/pubsubemu/pkg/messaging"
)

// consumer is a Kafka consumer-group implementation: Consume blocks for as
// long as the group session is active, rebalancing across every process
// that joins the same group name.
type consumer struct {
	broker *Broker
	topic  string
	group  sarama.ConsumerGroup
}

// Consume joins the consumer group and dispatches every claimed message to
// handler. A nil return marks the message for commit; an error leaves it
// unmarked (sarama does not offer per-message nack). Marking a later message
// on the same partition commits past the failed one, so it is consumed again
// after a rebalance only if nothing after it on that partition was marked.
func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	go func() {
		for err := range c.group.Errors() {
			logger.L().ErrorContext(ctx, "kafka consumer group error", "topic", c.topic, "error", err)
		}
	}()

	h := &groupHandler{handler: handler}
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return messaging.ErrConsumeFailed(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *consumer) Close() error {
	return c.group.Close()
}

type groupHandler struct {
	handler messaging.MessageHandler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			m := toMessagingMessage(msg)
			if err := h.handler(session.Context(), m); err != nil {
				continue
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func toMessagingMessage(msg *sarama.ConsumerMessage) *messaging.Message {
	headers := make(map[string]string, len(msg.Headers))
	var id string
	for _, h := range msg.Headers {
		key := string(h.Key)
		if key == "message-id" {
			id = string(h.Value)
			continue
		}
		headers[key] = string(h.Value)
	}

	return &messaging.Message{
		ID:        id,
		Topic:     msg.Topic,
		Key:       msg.Key,
		Payload:   msg.Value,
		Headers:   headers,
		Timestamp: msg.Timestamp,
		Metadata: messaging.MessageMetadata{
			Partition: msg.Partition,
			Offset:    msg.Offset,
		},
	}
}
