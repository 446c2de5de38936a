package pubsubemu

import (
	"testing"
	"time"

	"github.com/chris-alexander-pop/pubsubemu/pkg/test"
)

type PublisherSuite struct {
	test.Suite
	broker *Broker
}

func (s *PublisherSuite) SetupTest() {
	s.Suite.SetupTest()
	s.broker = NewBroker()
	s.Require().NoError(s.broker.RegisterTopic("t", DefaultTopicOptions()))
	s.Require().NoError(s.broker.RegisterSubscription("s", "t", DefaultSubscriptionOptions()))
}

func TestPublisherSuite(t *testing.T) {
	test.Run(t, new(PublisherSuite))
}

func (s *PublisherSuite) TestPublishResolvesWithMessageID() {
	batching := DefaultBatchingOptions()
	batching.MaxMessages = 1 // flush as soon as the single message arrives
	p := NewPublisher(s.broker, "t", batching, DefaultPublisherFlowControlOptions())

	future, err := p.Publish(s.Ctx, &StoredMessage{Data: []byte("hello")})
	s.Require().NoError(err)

	id, err := future.Get(s.Ctx)
	s.Require().NoError(err)
	s.NotEmpty(id)

	leases, _ := s.broker.Pull("s", 1)
	s.Require().Len(leases, 1)
	s.Equal(id, leases[0].Message.ID)
}

func (s *PublisherSuite) TestBatchFlushesOnCount() {
	batching := DefaultBatchingOptions()
	batching.MaxMessages = 3
	batching.MaxMilliseconds = time.Hour // never fires on its own
	p := NewPublisher(s.broker, "t", batching, DefaultPublisherFlowControlOptions())

	var futures []*publishFuture
	for i := 0; i < 3; i++ {
		f, err := p.Publish(s.Ctx, &StoredMessage{Data: []byte("x")})
		s.Require().NoError(err)
		futures = append(futures, f)
	}

	for _, f := range futures {
		_, err := f.Get(s.Ctx)
		s.NoError(err)
	}

	leases, _ := s.broker.Pull("s", 10)
	s.Len(leases, 3)
}

func (s *PublisherSuite) TestFlushDispatchesPartialBatch() {
	batching := DefaultBatchingOptions()
	batching.MaxMessages = 100
	batching.MaxMilliseconds = time.Hour
	p := NewPublisher(s.broker, "t", batching, DefaultPublisherFlowControlOptions())

	future, err := p.Publish(s.Ctx, &StoredMessage{Data: []byte("x")})
	s.Require().NoError(err)

	p.Flush()
	_, err = future.Get(s.Ctx)
	s.NoError(err)
}

func (s *PublisherSuite) TestOrderingKeyPausesAfterNonRetryableFailure() {
	batching := DefaultBatchingOptions()
	batching.MaxMessages = 1
	p := NewPublisher(s.broker, "t", batching, DefaultPublisherFlowControlOptions())

	// topic is deleted mid-flight: the dispatch fails NotFound, a
	// non-retryable code, which must pause the ordering key.
	s.Require().NoError(s.broker.UnregisterTopic("t"))

	future, err := p.Publish(s.Ctx, &StoredMessage{Data: []byte("x"), OrderingKey: "k"})
	s.Require().NoError(err)
	_, err = future.Get(s.Ctx)
	s.Error(err)

	_, err = p.Publish(s.Ctx, &StoredMessage{Data: []byte("y"), OrderingKey: "k"})
	s.Error(err, "key must stay paused until Resume is called")

	p.Resume("k")
	s.Require().NoError(s.broker.RegisterTopic("t", DefaultTopicOptions()))

	future2, err := p.Publish(s.Ctx, &StoredMessage{Data: []byte("z"), OrderingKey: "k"})
	s.Require().NoError(err)
	_, err = future2.Get(s.Ctx)
	s.NoError(err)
}
