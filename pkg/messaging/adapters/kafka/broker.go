// Package kafka adapts pkg/messaging to a real Kafka cluster via sarama. It
// is the real-binding counterpart pkg/pubsubemu is meant to be swapped for:
// develop and test against the in-process emulator, deploy against this.
package kafka

import (
	"context"

	"github.com/IBM/sarama"

	"github.com/chris-alexander-pop/pubsubemu/pkg/messaging"
)

// Config configures a connection to a Kafka cluster.
type Config struct {
	Brokers []string `validate:"required,min=1"`
	// ClientID identifies this broker's connections to the cluster in logs
	// and quotas.
	ClientID string
	// ConsumerGroupPrefix is prepended to the group name given to Consumer,
	// letting one cluster host several independently-namespaced services.
	ConsumerGroupPrefix string
}

var (
	_ messaging.Broker   = (*Broker)(nil)
	_ messaging.Producer = (*producer)(nil)
	_ messaging.Consumer = (*consumer)(nil)
)

// Broker is a messaging.Broker backed by a real Kafka cluster.
type Broker struct {
	cfg    Config
	client sarama.Client
}

// New dials the cluster described by cfg. The returned Broker owns the
// sarama client and must be Closed once the caller is done with it.
func New(cfg Config) (*Broker, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.ClientID
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	client, err := sarama.NewClient(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}

	return &Broker{cfg: cfg, client: client}, nil
}

// Producer returns a sync Producer for topic.
func (b *Broker) Producer(topic string) (messaging.Producer, error) {
	sp, err := sarama.NewSyncProducerFromClient(b.client)
	if err != nil {
		return nil, messaging.ErrPublishFailed(err)
	}
	return &producer{broker: b, topic: topic, producer: sp}, nil
}

// Consumer returns a Consumer that joins the named consumer group (prefixed
// by cfg.ConsumerGroupPrefix) to read topic, load-balancing partitions
// across every process sharing that group name.
func (b *Broker) Consumer(topic string, group string) (messaging.Consumer, error) {
	groupName := group
	if b.cfg.ConsumerGroupPrefix != "" {
		groupName = b.cfg.ConsumerGroupPrefix + "-" + group
	}

	cg, err := sarama.NewConsumerGroupFromClient(groupName, b.client)
	if err != nil {
		return nil, messaging.ErrConsumeFailed(err)
	}
	return &consumer{broker: b, topic: topic, group: cg}, nil
}

// Close shuts down the underlying sarama client.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Healthy refreshes cluster metadata as a connectivity probe.
func (b *Broker) Healthy(ctx context.Context) bool {
	if b.client.Closed() {
		return false
	}
	return b.client.RefreshMetadata() == nil
}
