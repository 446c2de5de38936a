package pubsubemu

import (
	"testing"
	"time"

	"github.com/chris-alexander-pop/pubsubemu/pkg/errors"
	"github.com/chris-alexander-pop/pubsubemu/pkg/test"
)

type BrokerSuite struct {
	test.Suite
	broker *Broker
}

func (s *BrokerSuite) SetupTest() {
	s.Suite.SetupTest()
	s.broker = NewBroker()
}

func TestBrokerSuite(t *testing.T) {
	test.Run(t, new(BrokerSuite))
}

func (s *BrokerSuite) registerTopicAndSub(topic, sub string, opts SubscriptionOptions) {
	s.Require().NoError(s.broker.RegisterTopic(topic, DefaultTopicOptions()))
	s.Require().NoError(s.broker.RegisterSubscription(sub, topic, opts))
}

func (s *BrokerSuite) TestPublishRequiresExistingTopic() {
	_, err := s.broker.Publish("missing-topic", []*StoredMessage{{Data: []byte("x")}})
	s.Error(err)
}

func (s *BrokerSuite) TestRegisterSubscriptionRequiresExistingTopic() {
	err := s.broker.RegisterSubscription("sub", "missing-topic", DefaultSubscriptionOptions())
	s.Error(err)
}

func (s *BrokerSuite) TestDuplicateTopicRejected() {
	s.Require().NoError(s.broker.RegisterTopic("t1", DefaultTopicOptions()))
	err := s.broker.RegisterTopic("t1", DefaultTopicOptions())
	s.Error(err)
}

func (s *BrokerSuite) TestPublishAndPullAtLeastOnce() {
	s.registerTopicAndSub("orders", "orders-sub", DefaultSubscriptionOptions())

	ids, err := s.broker.Publish("orders", []*StoredMessage{{Data: []byte("hello")}})
	s.Require().NoError(err)
	s.Require().Len(ids, 1)

	leases, err := s.broker.Pull("orders-sub", 10)
	s.Require().NoError(err)
	s.Require().Len(leases, 1)
	s.Equal("hello", string(leases[0].Message.Data))
	s.Equal(ids[0], leases[0].Message.ID)
}

func (s *BrokerSuite) TestFanOutToEverySubscription() {
	s.Require().NoError(s.broker.RegisterTopic("fanout", DefaultTopicOptions()))
	s.Require().NoError(s.broker.RegisterSubscription("sub-a", "fanout", DefaultSubscriptionOptions()))
	s.Require().NoError(s.broker.RegisterSubscription("sub-b", "fanout", DefaultSubscriptionOptions()))

	_, err := s.broker.Publish("fanout", []*StoredMessage{{Data: []byte("x")}})
	s.Require().NoError(err)

	leasesA, _ := s.broker.Pull("sub-a", 10)
	leasesB, _ := s.broker.Pull("sub-b", 10)
	s.Len(leasesA, 1)
	s.Len(leasesB, 1)
}

func (s *BrokerSuite) TestAckIsIdempotent() {
	s.registerTopicAndSub("t", "s", DefaultSubscriptionOptions())
	s.broker.Publish("t", []*StoredMessage{{Data: []byte("x")}})
	leases, _ := s.broker.Pull("s", 1)
	s.Require().Len(leases, 1)

	s.NoError(s.broker.Ack(leases[0].AckID))
	s.NoError(s.broker.Ack(leases[0].AckID)) // second ack is a no-op, not an error

	leases2, _ := s.broker.Pull("s", 10)
	s.Empty(leases2) // message is gone for good
}

func (s *BrokerSuite) TestUnknownAckIDIsRejected() {
	err := s.broker.Ack("not-a-real-ack-id")
	s.Error(err)
}

func (s *BrokerSuite) TestNackRequeuesForRedelivery() {
	opts := DefaultSubscriptionOptions()
	opts.RetryPolicy = RetryPolicy{MinimumBackoff: 0, MaximumBackoff: 0}
	s.registerTopicAndSub("t", "s", opts)
	s.broker.Publish("t", []*StoredMessage{{Data: []byte("x")}})

	leases, _ := s.broker.Pull("s", 1)
	s.Require().Len(leases, 1)
	s.NoError(s.broker.Nack(leases[0].AckID))

	redelivered, _ := s.broker.Pull("s", 1)
	s.Require().Len(redelivered, 1)
	s.Equal(2, redelivered[0].Message.DeliveryAttempt)
}

func (s *BrokerSuite) TestOrderingKeySingleInFlight() {
	opts := DefaultSubscriptionOptions()
	opts.EnableMessageOrdering = true
	s.registerTopicAndSub("t", "s", opts)

	s.broker.Publish("t", []*StoredMessage{
		{Data: []byte("a"), OrderingKey: "k"},
		{Data: []byte("b"), OrderingKey: "k"},
	})

	first, _ := s.broker.Pull("s", 10)
	s.Require().Len(first, 1)
	s.Equal("a", string(first[0].Message.Data))

	// second message for the same key must not be delivered yet
	second, _ := s.broker.Pull("s", 10)
	s.Empty(second)

	s.Require().NoError(s.broker.Ack(first[0].AckID))

	third, _ := s.broker.Pull("s", 10)
	s.Require().Len(third, 1)
	s.Equal("b", string(third[0].Message.Data))
}

func (s *BrokerSuite) TestOrderingKeyIsIgnoredWhenOrderingDisabled() {
	opts := DefaultSubscriptionOptions() // EnableMessageOrdering defaults to false
	s.registerTopicAndSub("t", "s", opts)

	s.broker.Publish("t", []*StoredMessage{
		{Data: []byte("a"), OrderingKey: "k"},
		{Data: []byte("b"), OrderingKey: "k"},
	})

	// Without ordering enabled, both messages for the same key are
	// immediately deliverable — no single-in-flight-per-key gating.
	leases, _ := s.broker.Pull("s", 10)
	s.Require().Len(leases, 2)
}

func (s *BrokerSuite) TestOrderingKeyPreservesOrderAfterNack() {
	opts := DefaultSubscriptionOptions()
	opts.EnableMessageOrdering = true
	opts.RetryPolicy = RetryPolicy{MinimumBackoff: 0, MaximumBackoff: 0}
	s.registerTopicAndSub("t", "s", opts)

	s.broker.Publish("t", []*StoredMessage{
		{Data: []byte("a"), OrderingKey: "k"},
		{Data: []byte("b"), OrderingKey: "k"},
	})

	first, _ := s.broker.Pull("s", 10)
	s.Require().Len(first, 1)
	s.NoError(s.broker.Nack(first[0].AckID))

	redelivered, _ := s.broker.Pull("s", 10)
	s.Require().Len(redelivered, 1)
	s.Equal("a", string(redelivered[0].Message.Data), "nacked message must be redelivered before its successor")
}

func (s *BrokerSuite) TestDeadLetterRoutingAfterMaxAttempts() {
	s.Require().NoError(s.broker.RegisterTopic("t", DefaultTopicOptions()))
	s.Require().NoError(s.broker.RegisterTopic("t-dlq", DefaultTopicOptions()))
	s.Require().NoError(s.broker.RegisterSubscription("t-dlq-sub", "t-dlq", DefaultSubscriptionOptions()))

	opts := DefaultSubscriptionOptions()
	opts.RetryPolicy = RetryPolicy{MinimumBackoff: 0, MaximumBackoff: 0}
	opts.DeadLetterPolicy = &DeadLetterPolicy{DeadLetterTopic: "t-dlq", MaxDeliveryAttempts: 5}
	s.Require().NoError(s.broker.RegisterSubscription("s", "t", opts))

	s.broker.Publish("t", []*StoredMessage{{Data: []byte("poison")}})

	for i := 0; i < 5; i++ {
		leases, err := s.broker.Pull("s", 1)
		s.Require().NoError(err)
		s.Require().Len(leases, 1)
		s.Require().NoError(s.broker.Nack(leases[0].AckID))
	}

	s.Empty(mustPull(s, "s"))
	dlqLeases, err := s.broker.Pull("t-dlq-sub", 1)
	s.Require().NoError(err)
	s.Require().Len(dlqLeases, 1)
	s.Equal("6", dlqLeases[0].Message.Attributes[sourceDeliveryCountAttribute])
}

func mustPull(s *BrokerSuite, sub string) []*Lease {
	leases, err := s.broker.Pull(sub, 10)
	s.Require().NoError(err)
	return leases
}

func (s *BrokerSuite) TestModifyAckDeadlineZeroBehavesLikeNack() {
	opts := DefaultSubscriptionOptions()
	opts.RetryPolicy = RetryPolicy{MinimumBackoff: 0, MaximumBackoff: 0}
	s.registerTopicAndSub("t", "s", opts)
	s.broker.Publish("t", []*StoredMessage{{Data: []byte("x")}})

	leases, _ := s.broker.Pull("s", 1)
	s.Require().NoError(s.broker.ModifyAckDeadline(leases[0].AckID, 0))

	redelivered, _ := s.broker.Pull("s", 1)
	s.Require().Len(redelivered, 1)
}

func (s *BrokerSuite) TestModifyAckDeadlineExtendsLease() {
	s.registerTopicAndSub("t", "s", DefaultSubscriptionOptions())
	s.broker.Publish("t", []*StoredMessage{{Data: []byte("x")}})

	leases, _ := s.broker.Pull("s", 1)
	before := leases[0].Deadline
	s.Require().NoError(s.broker.ModifyAckDeadline(leases[0].AckID, 30))

	entry, ok := s.broker.lookupAck(leases[0].AckID)
	s.Require().True(ok)
	s.True(entry.Lease.Deadline.After(before))
	s.Equal(1, entry.Lease.Extensions)
}

func (s *BrokerSuite) TestAckAfterSubscriptionDeletedIsFailedPrecondition() {
	s.registerTopicAndSub("t", "s", DefaultSubscriptionOptions())
	s.broker.Publish("t", []*StoredMessage{{Data: []byte("x")}})
	leases, _ := s.broker.Pull("s", 1)

	s.Require().NoError(s.broker.UnregisterSubscription("s"))

	err := s.broker.Ack(leases[0].AckID)
	s.Error(err)
	s.Equal(errors.CodeFailedPrecondition.GRPCCode(), errors.GRPCCodeOf(err))
}

func (s *BrokerSuite) TestOverCapacitySubscriptionDropsWithoutFailingPublish() {
	s.Require().NoError(s.broker.RegisterTopic("t", DefaultTopicOptions()))
	s.Require().NoError(s.broker.RegisterSubscription("s", "t", DefaultSubscriptionOptions()))

	q := s.broker.queueFor("s")
	q.mu.Lock()
	q.count = DefaultHousekeeperOptions().CapacityWarnMessages
	q.mu.Unlock()

	_, err := s.broker.Publish("t", []*StoredMessage{{Data: []byte("dropped")}})
	s.NoError(err, "publish must succeed even though the subscription itself drops the message")

	leases, _ := s.broker.Pull("s", 10)
	s.Empty(leases)
}

func (s *BrokerSuite) TestRetentionRemovesExpiredMessages() {
	opts := DefaultSubscriptionOptions()
	opts.RetentionDuration = 10 * time.Minute
	s.registerTopicAndSub("t", "s", opts)
	s.broker.Publish("t", []*StoredMessage{{Data: []byte("old")}})

	q := s.broker.queueFor("s")
	q.mu.Lock()
	removed := q.removeExpiredPendingAndOrdered(10*time.Minute, time.Now().Add(11*time.Minute))
	q.mu.Unlock()
	s.Equal(1, removed)

	leases, _ := s.broker.Pull("s", 10)
	s.Empty(leases)
}

func (s *BrokerSuite) TestInvalidArgumentOnOversizePayload() {
	s.Require().NoError(s.broker.RegisterTopic("t", DefaultTopicOptions()))
	_, err := s.broker.Publish("t", []*StoredMessage{{Data: make([]byte, MaxPayloadBytes+1)}})
	s.Error(err)
}

func (s *BrokerSuite) TestHousekeeperExpiresStaleLeases() {
	opts := DefaultSubscriptionOptions()
	opts.AckDeadlineSeconds = 10
	opts.RetryPolicy = RetryPolicy{MinimumBackoff: 0, MaximumBackoff: 0}
	s.registerTopicAndSub("t", "s", opts)
	s.broker.Publish("t", []*StoredMessage{{Data: []byte("x")}})

	leases, _ := s.broker.Pull("s", 1)
	s.Require().Len(leases, 1)

	entry, ok := s.broker.lookupAck(leases[0].AckID)
	s.Require().True(ok)
	entry.Lease.Deadline = time.Now().Add(-time.Second)

	hk := NewHousekeeper(s.broker, DefaultHousekeeperOptions())
	hk.expireLeases()

	redelivered, _ := s.broker.Pull("s", 1)
	s.Require().Len(redelivered, 1)
}
