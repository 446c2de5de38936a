package pubsubemu

import "time"

const (
	minAckDeadlineSeconds = 10
	maxAckDeadlineSeconds = 600

	minMaxDeliveryAttempts = 5
	maxMaxDeliveryAttempts = 100
)

// Subscription is a registered consumer of a Topic. Destroying a
// subscription tombstones it: outstanding ack-ids remain resolvable (they
// must fail with FailedPrecondition rather than NotFound, per spec §7) but
// no further leases are handed out and it is no longer iterated.
type Subscription struct {
	Name                string
	Topic               string
	AckDeadlineSeconds  int
	EnableMessageOrdering bool
	RetryPolicy         RetryPolicy
	DeadLetterPolicy    *DeadLetterPolicy
	ExactlyOnceDelivery bool
	RetentionDuration   time.Duration
	Deleted             bool
}

func newSubscription(name, topic string, opts SubscriptionOptions) (*Subscription, error) {
	ackDeadline := opts.AckDeadlineSeconds
	if ackDeadline == 0 {
		ackDeadline = DefaultSubscriptionOptions().AckDeadlineSeconds
	}
	if ackDeadline < minAckDeadlineSeconds || ackDeadline > maxAckDeadlineSeconds {
		return nil, ErrInvalidArgument("ack deadline seconds must be between 10 and 600")
	}

	retry := opts.RetryPolicy
	if retry.MinimumBackoff < 0 || retry.MaximumBackoff < retry.MinimumBackoff {
		return nil, ErrInvalidArgument("retry policy backoff bounds are invalid")
	}

	if opts.DeadLetterPolicy != nil {
		n := opts.DeadLetterPolicy.MaxDeliveryAttempts
		if n < minMaxDeliveryAttempts || n > maxMaxDeliveryAttempts {
			return nil, ErrInvalidArgument("dead letter policy max delivery attempts must be between 5 and 100")
		}
		if opts.DeadLetterPolicy.DeadLetterTopic == "" {
			return nil, ErrInvalidArgument("dead letter policy requires a dead letter topic")
		}
	}

	retention := opts.RetentionDuration
	if retention == 0 {
		retention = DefaultSubscriptionOptions().RetentionDuration
	}
	if retention < minRetentionDuration || retention > maxRetentionDuration {
		return nil, ErrInvalidArgument("subscription retention duration must be between 10m and 7d")
	}

	return &Subscription{
		Name:                  name,
		Topic:                 topic,
		AckDeadlineSeconds:    ackDeadline,
		EnableMessageOrdering: opts.EnableMessageOrdering,
		RetryPolicy:           retry,
		DeadLetterPolicy:      opts.DeadLetterPolicy,
		ExactlyOnceDelivery:   opts.ExactlyOnceDelivery,
		RetentionDuration:     retention,
	}, nil
}

// backoff computes the nack redelivery delay for the given (post-increment)
// delivery attempt, growing exponentially between MinimumBackoff and
// MaximumBackoff.
func (s *Subscription) backoff(deliveryAttempt int) time.Duration {
	d := s.RetryPolicy.MinimumBackoff
	for i := 2; i < deliveryAttempt; i++ {
		d *= 2
		if d >= s.RetryPolicy.MaximumBackoff {
			return s.RetryPolicy.MaximumBackoff
		}
	}
	return d
}
