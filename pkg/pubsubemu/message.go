package pubsubemu

import "time"

// MaxPayloadBytes is the maximum size of a single message's Data.
const MaxPayloadBytes = 10 * 1 << 20 // 10 MiB

// MaxAttributeKeyBytes and MaxAttributeValueBytes bound a message's
// attribute map entries.
const (
	MaxAttributeKeyBytes   = 256
	MaxAttributeValueBytes = 1024
	MaxOrderingKeyBytes    = 1024
)

// ReservedAttributePrefix marks reserved attribute keys; a publish with an
// attribute key starting with it (in any letter case) is rejected.
const ReservedAttributePrefix = "goog"

// StoredMessage is the broker's internal, mutable record of a published
// message. It is never exposed to subscribers directly — Message is the
// read-only view handed out on delivery.
type StoredMessage struct {
	ID              string
	Data            []byte
	Attributes      map[string]string
	PublishTime     time.Time
	OrderingKey     string
	DeliveryAttempt int
}

// Size approximates the message's footprint for flow-control and capacity
// accounting (data + attribute bytes).
func (m *StoredMessage) Size() int64 {
	n := int64(len(m.Data))
	for k, v := range m.Attributes {
		n += int64(len(k) + len(v))
	}
	return n
}

func (m *StoredMessage) clone() *StoredMessage {
	attrs := make(map[string]string, len(m.Attributes))
	for k, v := range m.Attributes {
		attrs[k] = v
	}
	data := make([]byte, len(m.Data))
	copy(data, m.Data)
	return &StoredMessage{
		ID:              m.ID,
		Data:            data,
		Attributes:      attrs,
		PublishTime:     m.PublishTime,
		OrderingKey:     m.OrderingKey,
		DeliveryAttempt: m.DeliveryAttempt,
	}
}

// Message is the view of a StoredMessage delivered to a subscriber for one
// delivery attempt. Ack/Nack settle the lease this delivery holds; calling
// either more than once (or both) is a no-op past the first call, mirroring
// the broker's own ack/nack idempotence.
type Message struct {
	ID              string
	AckID           string
	Data            []byte
	Attributes      map[string]string
	PublishTime     time.Time
	OrderingKey     string
	DeliveryAttempt int

	ackFunc  func()
	nackFunc func()
}

// Ack acknowledges successful processing, permanently removing the message
// from its subscription.
func (m *Message) Ack() {
	if m.ackFunc != nil {
		m.ackFunc()
	}
}

// Nack signals failed processing, making the message eligible for
// redelivery (or dead-lettering) after backoff.
func (m *Message) Nack() {
	if m.nackFunc != nil {
		m.nackFunc()
	}
}

func newMessageView(ackID string, m *StoredMessage) *Message {
	return &Message{
		ID:              m.ID,
		AckID:           ackID,
		Data:            m.Data,
		Attributes:      m.Attributes,
		PublishTime:     m.PublishTime,
		OrderingKey:     m.OrderingKey,
		DeliveryAttempt: m.DeliveryAttempt,
	}
}
