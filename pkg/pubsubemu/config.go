package pubsubemu

import "time"

// CloseBehavior selects how StreamingPull.Stop drains in-flight messages.
type CloseBehavior string

const (
	// CloseWait waits for every in-flight lease to settle (ack or nack) or
	// for CloseOptions.Timeout to elapse, whichever comes first.
	CloseWait CloseBehavior = "WAIT"
	// CloseNack immediately nacks every in-flight and buffered message.
	CloseNack CloseBehavior = "NACK"
)

// RetryPolicy bounds the exponential backoff applied to nacked messages.
type RetryPolicy struct {
	MinimumBackoff time.Duration `env:"PUBSUBEMU_RETRY_MIN_BACKOFF" env-default:"10s" validate:"min=0"`
	MaximumBackoff time.Duration `env:"PUBSUBEMU_RETRY_MAX_BACKOFF" env-default:"600s" validate:"min=0"`
}

// DefaultRetryPolicy mirrors the defaults in spec §6.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MinimumBackoff: 10 * time.Second, MaximumBackoff: 600 * time.Second}
}

// DeadLetterPolicy configures dead-letter routing for a subscription.
type DeadLetterPolicy struct {
	DeadLetterTopic     string
	MaxDeliveryAttempts int `validate:"min=5,max=100"`
}

// SubscriptionOptions configures a subscription at registration time.
type SubscriptionOptions struct {
	AckDeadlineSeconds   int `validate:"min=10,max=600"`
	EnableMessageOrdering bool
	RetryPolicy          RetryPolicy
	DeadLetterPolicy     *DeadLetterPolicy
	ExactlyOnceDelivery  bool
	RetentionDuration    time.Duration `validate:"min=600000000000"` // 10m in ns, max enforced in subscription.go
}

// DefaultSubscriptionOptions mirrors the defaults in spec §3/§6.
func DefaultSubscriptionOptions() SubscriptionOptions {
	return SubscriptionOptions{
		AckDeadlineSeconds: 10,
		RetryPolicy:        DefaultRetryPolicy(),
		RetentionDuration:  7 * 24 * time.Hour,
	}
}

// TopicOptions configures a topic at registration time.
type TopicOptions struct {
	Labels            map[string]string
	SchemaRef         string
	RetentionDuration time.Duration
}

// DefaultTopicOptions mirrors the defaults in spec §3.
func DefaultTopicOptions() TopicOptions {
	return TopicOptions{RetentionDuration: 7 * 24 * time.Hour}
}

// BatchingOptions controls the Publisher's batch triggers (first one wins).
type BatchingOptions struct {
	MaxMessages     int           `env:"PUBSUBEMU_BATCH_MAX_MESSAGES" env-default:"100"`
	MaxBytes        int64         `env:"PUBSUBEMU_BATCH_MAX_BYTES" env-default:"1048576"`
	MaxMilliseconds time.Duration `env:"PUBSUBEMU_BATCH_MAX_MS" env-default:"10ms"`
}

// DefaultBatchingOptions mirrors spec §6.
func DefaultBatchingOptions() BatchingOptions {
	return BatchingOptions{MaxMessages: 100, MaxBytes: 1 << 20, MaxMilliseconds: 10 * time.Millisecond}
}

// PublisherFlowControlOptions bounds outstanding (unacknowledged-by-broker)
// publishes for a single Publisher.
type PublisherFlowControlOptions struct {
	MaxOutstandingMessages int64 `env:"PUBSUBEMU_PUB_FC_MAX_MESSAGES" env-default:"100"`
	MaxOutstandingBytes    int64 `env:"PUBSUBEMU_PUB_FC_MAX_BYTES" env-default:"1048576"`
}

// DefaultPublisherFlowControlOptions mirrors spec §6.
func DefaultPublisherFlowControlOptions() PublisherFlowControlOptions {
	return PublisherFlowControlOptions{MaxOutstandingMessages: 100, MaxOutstandingBytes: 1 << 20}
}

// SubscriberFlowControlOptions bounds in-flight (delivered, unacked)
// messages for a StreamingPull.
type SubscriberFlowControlOptions struct {
	MaxMessages          int64 `env:"PUBSUBEMU_SUB_FC_MAX_MESSAGES" env-default:"1000"`
	MaxBytes             int64 `env:"PUBSUBEMU_SUB_FC_MAX_BYTES" env-default:"104857600"`
	AllowExcessMessages  bool  `env:"PUBSUBEMU_SUB_FC_ALLOW_EXCESS" env-default:"false"`
}

// DefaultSubscriberFlowControlOptions mirrors spec §6.
func DefaultSubscriberFlowControlOptions() SubscriberFlowControlOptions {
	return SubscriberFlowControlOptions{MaxMessages: 1000, MaxBytes: 100 << 20}
}

// StreamingOptions tunes a StreamingPull's pull loops.
type StreamingOptions struct {
	MaxStreams   int           `env:"PUBSUBEMU_STREAM_MAX_STREAMS" env-default:"5"`
	PullInterval time.Duration `env:"PUBSUBEMU_STREAM_PULL_INTERVAL" env-default:"10ms"`
	MaxPullSize  int           `env:"PUBSUBEMU_STREAM_MAX_PULL_SIZE" env-default:"100"`
	Timeout      time.Duration `env:"PUBSUBEMU_STREAM_TIMEOUT" env-default:"5m"`
}

// DefaultStreamingOptions mirrors spec §6.
func DefaultStreamingOptions() StreamingOptions {
	return StreamingOptions{MaxStreams: 5, PullInterval: 10 * time.Millisecond, MaxPullSize: 100, Timeout: 5 * time.Minute}
}

// CloseOptions selects the Stop behavior and its drain timeout.
type CloseOptions struct {
	Behavior CloseBehavior
	Timeout  time.Duration
}

// DefaultCloseOptions mirrors spec §6 (WAIT, timeout == maxExtensionTime).
func DefaultCloseOptions() CloseOptions {
	return CloseOptions{Behavior: CloseWait, Timeout: DefaultMaxExtensionTime}
}

// LeaseManagerOptions bounds LeaseManager's auto-extension behavior.
type LeaseManagerOptions struct {
	MinAckDeadline   time.Duration `env:"PUBSUBEMU_LEASE_MIN_ACK_DEADLINE" env-default:"10s"`
	MaxAckDeadline   time.Duration `env:"PUBSUBEMU_LEASE_MAX_ACK_DEADLINE" env-default:"600s"`
	MaxExtensionTime time.Duration `env:"PUBSUBEMU_LEASE_MAX_EXTENSION" env-default:"3600s"`
}

// DefaultMaxExtensionTime mirrors spec §6's default of 3600s, reused by
// DefaultCloseOptions above.
const DefaultMaxExtensionTime = 3600 * time.Second

// DefaultLeaseManagerOptions mirrors spec §6.
func DefaultLeaseManagerOptions() LeaseManagerOptions {
	return LeaseManagerOptions{MinAckDeadline: 10 * time.Second, MaxAckDeadline: 600 * time.Second, MaxExtensionTime: DefaultMaxExtensionTime}
}

// HousekeeperOptions tunes the periodic sweep.
type HousekeeperOptions struct {
	Interval                time.Duration `env:"PUBSUBEMU_HOUSEKEEPER_INTERVAL" env-default:"60s"`
	CapacityWarnMessages    int64         `env:"PUBSUBEMU_CAPACITY_WARN_MESSAGES" env-default:"10000"`
	CapacityWarnBytes       int64         `env:"PUBSUBEMU_CAPACITY_WARN_BYTES" env-default:"104857600"`
	AckIDGCWindow           time.Duration `env:"PUBSUBEMU_ACKID_GC_WINDOW" env-default:"10m"`
}

// DefaultHousekeeperOptions mirrors spec §4.1/§4.5 defaults (10k messages /
// 100 MiB capacity, 10 minute ack-id GC window, 60s sweep interval).
func DefaultHousekeeperOptions() HousekeeperOptions {
	return HousekeeperOptions{
		Interval:             60 * time.Second,
		CapacityWarnMessages: 10000,
		CapacityWarnBytes:    100 << 20,
		AckIDGCWindow:        10 * time.Minute,
	}
}
