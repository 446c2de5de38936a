package pubsubemu

import (
	"testing"
	"time"

	"github.com/chris-alexander-pop/pubsubemu/pkg/test"
)

type SubscriptionSuite struct {
	test.Suite
}

func TestSubscriptionSuite(t *testing.T) {
	test.Run(t, new(SubscriptionSuite))
}

func (s *SubscriptionSuite) TestBackoffFirstRedeliveryIsMinimumBackoffUnchanged() {
	sub := &Subscription{RetryPolicy: RetryPolicy{MinimumBackoff: 10 * time.Second, MaximumBackoff: 600 * time.Second}}

	// DeliveryAttempt is already incremented to 2 by the time backoff is
	// called for the first nack (see dlq.go's requeueOrDeadLetter), so the
	// first redelivery must wait exactly MinimumBackoff, not double it.
	s.Equal(10*time.Second, sub.backoff(2))
	s.Equal(20*time.Second, sub.backoff(3))
	s.Equal(40*time.Second, sub.backoff(4))
}

func (s *SubscriptionSuite) TestBackoffCapsAtMaximum() {
	sub := &Subscription{RetryPolicy: RetryPolicy{MinimumBackoff: 10 * time.Second, MaximumBackoff: 35 * time.Second}}

	s.Equal(10*time.Second, sub.backoff(2))
	s.Equal(20*time.Second, sub.backoff(3))
	s.Equal(35*time.Second, sub.backoff(4))
	s.Equal(35*time.Second, sub.backoff(10))
}
