package pubsubemu

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chris-alexander-pop/pubsubemu/pkg/test"
)

type StreamingPullSuite struct {
	test.Suite
	broker *Broker
	leases *LeaseManager
}

func (s *StreamingPullSuite) SetupTest() {
	s.Suite.SetupTest()
	s.broker = NewBroker()
	s.leases = NewLeaseManager(s.broker, DefaultLeaseManagerOptions())
	s.Require().NoError(s.broker.RegisterTopic("t", DefaultTopicOptions()))
	s.Require().NoError(s.broker.RegisterSubscription("s", "t", DefaultSubscriptionOptions()))
}

func (s *StreamingPullSuite) TearDownTest() {
	s.leases.Stop()
}

func TestStreamingPullSuite(t *testing.T) {
	test.Run(t, new(StreamingPullSuite))
}

func fastStreamingOptions() StreamingOptions {
	opts := DefaultStreamingOptions()
	opts.MaxStreams = 2
	opts.PullInterval = 5 * time.Millisecond
	opts.MaxPullSize = 10
	return opts
}

func (s *StreamingPullSuite) TestDeliversAndAcksMessage() {
	_, err := s.broker.Publish("t", []*StoredMessage{{Data: []byte("hello")}})
	s.Require().NoError(err)

	received := make(chan *Message, 1)
	sp := NewStreamingPull(s.broker, "s", func(ctx context.Context, m *Message) {
		received <- m
		m.Ack()
	}, s.leases, fastStreamingOptions(), DefaultSubscriberFlowControlOptions(), DefaultCloseOptions())

	ctx, cancel := context.WithCancel(s.Ctx)
	defer cancel()
	sp.Start(ctx)
	defer sp.Stop()

	select {
	case m := <-received:
		s.Equal("hello", string(m.Data))
	case <-time.After(2 * time.Second):
		s.Fail("message was not delivered in time")
	}
}

func (s *StreamingPullSuite) TestNackRedeliversToAnotherHandlerCall() {
	opts := DefaultSubscriptionOptions()
	opts.RetryPolicy = RetryPolicy{MinimumBackoff: 0, MaximumBackoff: 0}
	s.Require().NoError(s.broker.RegisterSubscription("s2", "t", opts))
	_, err := s.broker.Publish("t", []*StoredMessage{{Data: []byte("retry-me")}})
	s.Require().NoError(err)

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	sp := NewStreamingPull(s.broker, "s2", func(ctx context.Context, m *Message) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			m.Nack()
			return
		}
		m.Ack()
		close(done)
	}, s.leases, fastStreamingOptions(), DefaultSubscriberFlowControlOptions(), DefaultCloseOptions())

	ctx, cancel := context.WithCancel(s.Ctx)
	defer cancel()
	sp.Start(ctx)
	defer sp.Stop()

	select {
	case <-done:
		mu.Lock()
		defer mu.Unlock()
		s.GreaterOrEqual(attempts, 2)
	case <-time.After(2 * time.Second):
		s.Fail("message was never redelivered after nack")
	}
}

func (s *StreamingPullSuite) TestSubscriberFlowControlBoundsInFlightMessages() {
	msgs := make([]*StoredMessage, 20)
	for i := range msgs {
		msgs[i] = &StoredMessage{Data: []byte("x")}
	}
	_, err := s.broker.Publish("t", msgs)
	s.Require().NoError(err)

	flow := DefaultSubscriberFlowControlOptions()
	flow.MaxMessages = 3

	var mu sync.Mutex
	maxConcurrent := 0
	current := 0
	release := make(chan struct{})

	sp := NewStreamingPull(s.broker, "s", func(ctx context.Context, m *Message) {
		mu.Lock()
		current++
		if current > maxConcurrent {
			maxConcurrent = current
		}
		mu.Unlock()

		<-release

		mu.Lock()
		current--
		mu.Unlock()
		m.Ack()
	}, s.leases, fastStreamingOptions(), flow, DefaultCloseOptions())

	ctx, cancel := context.WithCancel(s.Ctx)
	sp.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	close(release)
	cancel()
	sp.Stop()

	mu.Lock()
	defer mu.Unlock()
	s.LessOrEqual(maxConcurrent, 3)
}

func (s *StreamingPullSuite) TestPauseStopsNewPullsUntilResumed() {
	_, err := s.broker.Publish("t", []*StoredMessage{{Data: []byte("first")}})
	s.Require().NoError(err)

	received := make(chan *Message, 2)
	sp := NewStreamingPull(s.broker, "s", func(ctx context.Context, m *Message) {
		received <- m
		m.Ack()
	}, s.leases, fastStreamingOptions(), DefaultSubscriberFlowControlOptions(), DefaultCloseOptions())

	ctx, cancel := context.WithCancel(s.Ctx)
	defer cancel()
	sp.Start(ctx)
	defer sp.Stop()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		s.Fail("first message was not delivered in time")
	}

	sp.Pause()
	_, err = s.broker.Publish("t", []*StoredMessage{{Data: []byte("second")}})
	s.Require().NoError(err)

	select {
	case <-received:
		s.Fail("message was delivered while paused")
	case <-time.After(100 * time.Millisecond):
	}

	sp.Resume()
	select {
	case m := <-received:
		s.Equal("second", string(m.Data))
	case <-time.After(2 * time.Second):
		s.Fail("message was not delivered after resume")
	}
}

func (s *StreamingPullSuite) TestCloseNackImmediatelyNacksInFlightMessages() {
	opts := DefaultSubscriptionOptions()
	opts.RetryPolicy = RetryPolicy{MinimumBackoff: 0, MaximumBackoff: 0}
	s.Require().NoError(s.broker.RegisterSubscription("s3", "t", opts))
	_, err := s.broker.Publish("t", []*StoredMessage{{Data: []byte("stuck")}})
	s.Require().NoError(err)

	handling := make(chan struct{})
	block := make(chan struct{})
	sp := NewStreamingPull(s.broker, "s3", func(ctx context.Context, m *Message) {
		close(handling)
		<-block
		m.Ack() // arrives after Stop; settle's sync.Once means this is a no-op
	}, s.leases, fastStreamingOptions(), DefaultSubscriberFlowControlOptions(), CloseOptions{Behavior: CloseNack, Timeout: time.Second})

	ctx, cancel := context.WithCancel(s.Ctx)
	defer cancel()
	sp.Start(ctx)

	select {
	case <-handling:
	case <-time.After(2 * time.Second):
		s.Fail("handler never started")
	}

	sp.Stop()
	close(block)

	redelivered, err := s.broker.Pull("s3", 1)
	s.Require().NoError(err)
	s.Require().Len(redelivered, 1, "CloseNack must requeue the in-flight message instead of waiting for lease expiry")
	s.Equal("stuck", string(redelivered[0].Message.Data))
}
