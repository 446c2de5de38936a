package pubsubemu

import (
	"fmt"

	"github.com/chris-alexander-pop/pubsubemu/pkg/errors"
)

// ErrInvalidArgument wraps validation failures: bad payload/attribute size,
// oversize ordering key, ack deadline out of range, and similar.
func ErrInvalidArgument(message string) error {
	return errors.InvalidArgument(message)
}

// ErrTopicNotFound is returned when an operation names a topic that does
// not exist (or was deleted).
func ErrTopicNotFound(name string) error {
	return errors.NewNotFound("topic", name)
}

// ErrSubscriptionNotFound is returned when an operation names a
// subscription that does not exist (or was deleted).
func ErrSubscriptionNotFound(name string) error {
	return errors.NewNotFound("subscription", name)
}

// ErrTopicAlreadyExists is returned by registerTopic on a duplicate name.
func ErrTopicAlreadyExists(name string) error {
	return errors.AlreadyExists(fmt.Sprintf("topic %q already exists", name))
}

// ErrSubscriptionAlreadyExists is returned by registerSubscription on a
// duplicate name.
func ErrSubscriptionAlreadyExists(name string) error {
	return errors.AlreadyExists(fmt.Sprintf("subscription %q already exists", name))
}

// ErrAckIDUnknown is returned when ack/nack/modifyAckDeadline names an
// ack-id the broker never allocated.
func ErrAckIDUnknown(ackID string) error {
	return errors.InvalidArgument(fmt.Sprintf("unknown ack id %q", ackID))
}

// ErrSubscriptionGone is returned when ack/nack/modifyAckDeadline targets a
// lease whose subscription was unregistered while the lease was held.
func ErrSubscriptionGone(name string) error {
	return errors.FailedPrecondition(fmt.Sprintf("subscription %q no longer exists", name))
}

// ErrOrderingKeyPaused is returned by Publisher.publishMessage when the
// given ordering key is paused after a prior non-retryable publish error.
func ErrOrderingKeyPaused(key string, cause error) error {
	return errors.FailedPrecondition(fmt.Sprintf("ordering key %q is paused after a publish error: %v", key, cause))
}

// ErrFlowControlExhausted is returned when a non-blocking flow-control
// reservation cannot be satisfied immediately.
func ErrFlowControlExhausted() error {
	return errors.ResourceExhausted("flow control limit exceeded")
}

// IsRetryable classifies a broker error per spec §4.2 / §7: DeadlineExceeded,
// ResourceExhausted, Aborted, Internal, and Unavailable are retryable; every
// other code is treated as non-retryable (and pauses an ordering key).
func IsRetryable(err error) bool {
	switch errors.GRPCCodeOf(err) {
	case errors.CodeDeadlineExceeded.GRPCCode(),
		errors.CodeResourceExhausted.GRPCCode(),
		errors.CodeAborted.GRPCCode(),
		errors.CodeInternal.GRPCCode(),
		errors.CodeUnavailable.GRPCCode():
		return true
	default:
		return false
	}
}
