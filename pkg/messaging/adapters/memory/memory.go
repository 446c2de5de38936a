// Package memory adapts pkg/pubsubemu to the pkg/messaging interfaces: an
// in-process Broker with the same at-least-once, ordering, and
// dead-lettering guarantees as the emulator, with no network dependency.
// It exists for tests and for any caller of pkg/messaging that wants a
// real (if local) broker rather than a hand-rolled fake channel.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/chris-alexander-pop/pubsubemu/pkg/messaging"
	"github.com/chris-alexander-pop/pubsubemu/pkg/pubsubemu"
)

// Config configures the in-process broker.
type Config struct {
	BufferSize int `env:"MESSAGING_MEMORY_BUFFER_SIZE" env-default:"1000"`
}

var (
	_ messaging.Broker   = (*Broker)(nil)
	_ messaging.Producer = (*producer)(nil)
	_ messaging.Consumer = (*consumer)(nil)
)

// Broker is an in-process messaging.Broker backed by pkg/pubsubemu.
type Broker struct {
	core *pubsubemu.Broker
	lm   *pubsubemu.LeaseManager
	hk   *pubsubemu.Housekeeper
	cfg  Config
	stop context.CancelFunc

	mu     sync.Mutex
	topics map[string]bool
	subs   map[string]bool
	closed bool
}

// New constructs a Broker and starts its background lease manager and
// housekeeper sweep.
func New(cfg Config) *Broker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	core := pubsubemu.NewBroker()
	lm := pubsubemu.NewLeaseManager(core, pubsubemu.DefaultLeaseManagerOptions())
	hk := pubsubemu.NewHousekeeper(core, pubsubemu.DefaultHousekeeperOptions())

	ctx, cancel := context.WithCancel(context.Background())
	hk.Start(ctx)

	return &Broker{
		core:   core,
		lm:     lm,
		hk:     hk,
		cfg:    cfg,
		stop:   cancel,
		topics: make(map[string]bool),
		subs:   make(map[string]bool),
	}
}

func (b *Broker) ensureTopic(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[topic] {
		return nil
	}
	if err := b.core.RegisterTopic(topic, pubsubemu.DefaultTopicOptions()); err != nil {
		return err
	}
	b.topics[topic] = true
	return nil
}

// ensureSubscription registers subName against topic if it hasn't been
// seen before. Distinct subscription names each get an independent copy
// of every message (fan-out); callers that want load-balanced delivery
// across Consume calls must share the same group name.
func (b *Broker) ensureSubscription(subName, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[subName] {
		return nil
	}
	if err := b.core.RegisterSubscription(subName, topic, pubsubemu.DefaultSubscriptionOptions()); err != nil {
		return err
	}
	b.subs[subName] = true
	return nil
}

// Producer returns a Producer for topic, creating the topic if needed.
func (b *Broker) Producer(topic string) (messaging.Producer, error) {
	if err := b.ensureTopic(topic); err != nil {
		return nil, messaging.ErrTopicNotFound(topic, err)
	}

	flow := pubsubemu.DefaultPublisherFlowControlOptions()
	flow.MaxOutstandingMessages = int64(b.cfg.BufferSize)
	pub := pubsubemu.NewPublisher(b.core, topic, pubsubemu.DefaultBatchingOptions(), flow)
	return &producer{topic: topic, pub: pub}, nil
}

// Consumer returns a Consumer bound to topic for the named group. An empty
// group gets a private, uniquely-named subscription (broadcast to every
// such consumer); a non-empty group is shared by every Consumer created
// with that name, mirroring a Kafka consumer group's load balancing.
func (b *Broker) Consumer(topic string, group string) (messaging.Consumer, error) {
	if err := b.ensureTopic(topic); err != nil {
		return nil, messaging.ErrTopicNotFound(topic, err)
	}

	subName := topic + ":" + group
	if group == "" {
		subName = topic + ":" + uuid.New().String()
	}
	if err := b.ensureSubscription(subName, topic); err != nil {
		return nil, messaging.ErrConsumeFailed(err)
	}

	return &consumer{broker: b, subscription: subName}, nil
}

// Close shuts down the lease manager, housekeeper, and background sweep.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.stop()
	b.lm.Stop()
	return nil
}

// Healthy reports true until Close is called: an in-process broker has no
// connection to lose.
func (b *Broker) Healthy(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

type producer struct {
	topic string
	pub   *pubsubemu.Publisher
}

func (p *producer) Publish(ctx context.Context, msg *messaging.Message) error {
	future, err := p.pub.Publish(ctx, toStoredMessage(msg))
	if err != nil {
		return messaging.ErrPublishFailed(err)
	}
	id, err := future.Get(ctx)
	if err != nil {
		return messaging.ErrPublishFailed(err)
	}
	msg.ID = id
	return nil
}

func (p *producer) PublishBatch(ctx context.Context, msgs []*messaging.Message) error {
	type pending struct {
		msg    *messaging.Message
		future interface {
			Get(ctx context.Context) (string, error)
		}
	}
	pendings := make([]pending, 0, len(msgs))

	for _, m := range msgs {
		f, err := p.pub.Publish(ctx, toStoredMessage(m))
		if err != nil {
			return messaging.ErrPublishFailed(err)
		}
		pendings = append(pendings, pending{msg: m, future: f})
	}

	p.pub.Flush()

	for _, pd := range pendings {
		id, err := pd.future.Get(ctx)
		if err != nil {
			return messaging.ErrPublishFailed(err)
		}
		pd.msg.ID = id
	}
	return nil
}

func (p *producer) Close() error {
	p.pub.Close()
	return nil
}

type consumer struct {
	broker       *Broker
	subscription string

	mu sync.Mutex
	sp *pubsubemu.StreamingPull
}

func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	sp := pubsubemu.NewStreamingPull(
		c.broker.core,
		c.subscription,
		func(ctx context.Context, m *pubsubemu.Message) {
			err := handler(ctx, toMessagingMessage(m))
			if err != nil {
				m.Nack()
				return
			}
			m.Ack()
		},
		c.broker.lm,
		pubsubemu.DefaultStreamingOptions(),
		pubsubemu.DefaultSubscriberFlowControlOptions(),
		pubsubemu.DefaultCloseOptions(),
	)

	c.mu.Lock()
	c.sp = sp
	c.mu.Unlock()

	sp.Start(ctx)
	<-ctx.Done()
	sp.Stop()
	return ctx.Err()
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sp != nil {
		c.sp.Stop()
	}
	return nil
}

func toStoredMessage(m *messaging.Message) *pubsubemu.StoredMessage {
	attrs := make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		attrs[k] = v
	}
	orderingKey := string(m.Key)
	return &pubsubemu.StoredMessage{
		Data:        m.Payload,
		Attributes:  attrs,
		OrderingKey: orderingKey,
	}
}

func toMessagingMessage(m *pubsubemu.Message) *messaging.Message {
	return &messaging.Message{
		ID:        m.ID,
		Payload:   m.Data,
		Headers:   m.Attributes,
		Key:       []byte(m.OrderingKey),
		Timestamp: m.PublishTime,
		Metadata: messaging.MessageMetadata{
			DeliveryCount: m.DeliveryAttempt,
			ReceiptHandle: m.AckID,
		},
	}
}
