// Package memory implements events.Bus as a thin, fire-and-forget facade
// over pkg/pubsubemu: each event topic is a pubsubemu topic, and each
// Subscribe call gets its own dedicated, uniquely-named subscription so
// every subscriber sees every event.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/chris-alexander-pop/pubsubemu/pkg/events"
	"github.com/chris-alexander-pop/pubsubemu/pkg/logger"
	"github.com/chris-alexander-pop/pubsubemu/pkg/pubsubemu"
)

var _ events.Bus = (*Bus)(nil)

// Bus is an in-process events.Bus backed by pkg/pubsubemu.
type Bus struct {
	core *pubsubemu.Broker
	lm   *pubsubemu.LeaseManager
	hk   *pubsubemu.Housekeeper
	stop context.CancelFunc
	pub  map[string]*pubsubemu.Publisher

	mu     sync.Mutex
	topics map[string]bool
}

// New constructs a Bus and starts its background housekeeper sweep.
func New() *Bus {
	core := pubsubemu.NewBroker()
	lm := pubsubemu.NewLeaseManager(core, pubsubemu.DefaultLeaseManagerOptions())
	hk := pubsubemu.NewHousekeeper(core, pubsubemu.DefaultHousekeeperOptions())

	ctx, cancel := context.WithCancel(context.Background())
	hk.Start(ctx)

	return &Bus{
		core:   core,
		lm:     lm,
		hk:     hk,
		stop:   cancel,
		pub:    make(map[string]*pubsubemu.Publisher),
		topics: make(map[string]bool),
	}
}

func (b *Bus) ensureTopic(topic string) (*pubsubemu.Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pub, ok := b.pub[topic]; ok {
		return pub, nil
	}
	if err := b.core.RegisterTopic(topic, pubsubemu.DefaultTopicOptions()); err != nil {
		return nil, err
	}
	pub := pubsubemu.NewPublisher(b.core, topic, pubsubemu.DefaultBatchingOptions(), pubsubemu.DefaultPublisherFlowControlOptions())
	b.pub[topic] = pub
	b.topics[topic] = true
	return pub, nil
}

// Publish emits event to topic, creating the topic on first use.
func (b *Bus) Publish(ctx context.Context, topic string, event events.Event) error {
	pub, err := b.ensureTopic(topic)
	if err != nil {
		return err
	}

	future, err := pub.Publish(ctx, &pubsubemu.StoredMessage{
		Data: marshalEvent(event),
		Attributes: map[string]string{
			"event_id":     event.ID,
			"event_type":   event.Type,
			"event_source": event.Source,
		},
	})
	if err != nil {
		return err
	}
	_, err = future.Get(ctx)
	return err
}

// Subscribe registers handler against topic for the lifetime of ctx. Each
// call creates its own subscription, so every subscriber receives every
// event published after it subscribes — events published before are not
// replayed, matching the fire-and-forget contract of an in-process bus.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler events.Handler) error {
	if _, err := b.ensureTopic(topic); err != nil {
		return err
	}

	subName := topic + ":" + uuid.New().String()
	if err := b.core.RegisterSubscription(subName, topic, pubsubemu.DefaultSubscriptionOptions()); err != nil {
		return err
	}

	sp := pubsubemu.NewStreamingPull(
		b.core,
		subName,
		func(ctx context.Context, m *pubsubemu.Message) {
			event, err := unmarshalEvent(m)
			if err != nil {
				logger.L().ErrorContext(ctx, "dropping malformed event", "topic", topic, "error", err)
				m.Ack()
				return
			}
			if err := handler(ctx, event); err != nil {
				m.Nack()
				return
			}
			m.Ack()
		},
		b.lm,
		pubsubemu.DefaultStreamingOptions(),
		pubsubemu.DefaultSubscriberFlowControlOptions(),
		pubsubemu.DefaultCloseOptions(),
	)
	sp.Start(ctx)

	go func() {
		<-ctx.Done()
		sp.Stop()
		_ = b.core.UnregisterSubscription(subName)
	}()

	return nil
}

// Close stops the lease manager and housekeeper. Subscriptions stop when
// their own context is canceled, not here.
func (b *Bus) Close() error {
	b.stop()
	b.lm.Stop()
	return nil
}
