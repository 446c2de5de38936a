package pubsubemu

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chris-alexander-pop/pubsubemu/pkg/concurrency"
	"github.com/chris-alexander-pop/pubsubemu/pkg/errors"
	"github.com/chris-alexander-pop/pubsubemu/pkg/logger"
)

// Handler processes one delivered message. It must call msg.Ack() or
// msg.Nack() exactly once — StreamingPull never auto-acknowledges.
type Handler func(ctx context.Context, msg *Message)

// StreamingPull drives MaxStreams concurrent pull loops against one
// subscription, handing every delivered message to Handler. Per-ordering-key
// single-in-flight is already guaranteed by the broker's queue (a second
// message for a leased key is simply not dequeued until the first settles),
// so this layer only needs to enforce subscriber-side flow control and
// auto-extend leases for as long as the handler is still working.
type StreamingPull struct {
	broker       *Broker
	subscription string
	handler      Handler
	leases       *LeaseManager
	opts         StreamingOptions
	flow         SubscriberFlowControlOptions
	closeOpts    CloseOptions

	messageSlots  *concurrency.Semaphore
	handlers      *concurrency.WorkerPool
	bytesInFlight int64
	paused        int32

	inFlight sync.Map // ackID (string) -> struct{}, delivered but not yet settled

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// handlerWorkers bounds how many deliveries run their Handler concurrently,
// independent of how many streams are pulling: a generous multiple of
// MaxStreams keeps pull loops from blocking on slow handlers while still
// capping total goroutines under load.
func handlerWorkers(opts StreamingOptions) int {
	n := opts.MaxStreams * 4
	if n < 1 {
		n = 1
	}
	return n
}

// NewStreamingPull builds a StreamingPull for an already-registered
// subscription. Call Start to begin pulling.
func NewStreamingPull(broker *Broker, subscription string, handler Handler, leases *LeaseManager, opts StreamingOptions, flow SubscriberFlowControlOptions, closeOpts CloseOptions) *StreamingPull {
	return &StreamingPull{
		broker:       broker,
		subscription: subscription,
		handler:      handler,
		leases:       leases,
		opts:         opts,
		flow:         flow,
		closeOpts:    closeOpts,
		messageSlots: concurrency.NewSemaphore(flow.MaxMessages),
		handlers:     concurrency.NewWorkerPool(handlerWorkers(opts), int(flow.MaxMessages)),
	}
}

// Start launches opts.MaxStreams concurrent pull loops.
func (s *StreamingPull) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	if s.opts.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, s.opts.Timeout)
		original := cancel
		cancel = func() { timeoutCancel(); original() }
	}
	s.cancel = cancel
	s.handlers.Start(ctx)

	s.wg.Add(s.opts.MaxStreams)
	for i := 0; i < s.opts.MaxStreams; i++ {
		concurrency.SafeGo(ctx, func() {
			defer s.wg.Done()
			s.pullLoop(ctx)
		})
	}
}

// Pause stops scheduling new pulls against the broker without tearing down
// the pull loops: in-flight leases already dispatched to the handler
// continue to be auto-extended and settled normally. Resume undoes it.
func (s *StreamingPull) Pause() {
	atomic.StoreInt32(&s.paused, 1)
}

// Resume lets paused pull loops start reserving slots and pulling again.
func (s *StreamingPull) Resume() {
	atomic.StoreInt32(&s.paused, 0)
}

func (s *StreamingPull) isPaused() bool {
	return atomic.LoadInt32(&s.paused) == 1
}

// Stop ends every pull loop. Under CloseWait it gives in-flight handlers up
// to closeOpts.Timeout to settle their lease before returning; under
// CloseNack it immediately nacks every delivered-but-unsettled message
// instead of waiting for the housekeeper to expire its lease.
func (s *StreamingPull) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	if s.closeOpts.Behavior == CloseNack {
		s.nackInFlight()
		return
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.handlers.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.closeOpts.Timeout):
	}
}

// nackInFlight nacks every ackID still tracked as delivered-but-unsettled.
// A concurrent settle (Ack/Nack from the handler) may win the race and
// already have terminated the lease by the time this runs; that expected
// "already settled" failure is swallowed rather than logged as an error.
func (s *StreamingPull) nackInFlight() {
	s.inFlight.Range(func(key, _ any) bool {
		ackID := key.(string)
		if err := s.broker.Nack(ackID); err != nil {
			code := errors.GRPCCodeOf(err)
			if code != errors.CodeNotFound.GRPCCode() && code != errors.CodeFailedPrecondition.GRPCCode() {
				logger.L().Warn("close-nack failed to nack in-flight message", "subscription", s.subscription, "ack_id", ackID, "error", err)
			}
		}
		return true
	})
}

func (s *StreamingPull) pullLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pullOnce(ctx)
		}
	}
}

// pullOnce reserves as many message slots as are immediately available (up
// to MaxPullSize), pulls that many leases from the broker, and returns any
// unused slots reserved-but-not-filled. Skips the tick entirely if the
// subscription is already at its byte limit and excess is disallowed.
func (s *StreamingPull) pullOnce(ctx context.Context) {
	if s.isPaused() {
		return
	}
	if s.flow.MaxBytes > 0 && !s.flow.AllowExcessMessages && atomic.LoadInt64(&s.bytesInFlight) >= s.flow.MaxBytes {
		return
	}

	var reserved int64
	for reserved < int64(s.opts.MaxPullSize) {
		if !s.messageSlots.TryAcquire(1) {
			break
		}
		reserved++
	}
	if reserved == 0 {
		return
	}

	leases, err := s.broker.Pull(s.subscription, int(reserved))
	if err != nil {
		s.messageSlots.Release(reserved)
		logger.L().ErrorContext(ctx, "pull failed", "subscription", s.subscription, "error", err)
		return
	}

	if unused := reserved - int64(len(leases)); unused > 0 {
		s.messageSlots.Release(unused)
	}

	for _, lease := range leases {
		if s.flow.MaxBytes > 0 && !s.flow.AllowExcessMessages && atomic.LoadInt64(&s.bytesInFlight)+lease.Message.Size() > s.flow.MaxBytes {
			// MaxBytes is enforced per lease, not just per tick: a lease
			// that would push bytesInFlight over budget is nacked
			// immediately for redelivery instead of being dispatched.
			s.messageSlots.Release(1)
			if err := s.broker.Nack(lease.AckID); err != nil {
				logger.L().Warn("nack over byte budget failed", "subscription", s.subscription, "ack_id", lease.AckID, "error", err)
			}
			continue
		}
		s.dispatch(ctx, lease)
	}
}

// dispatch hands one lease to the handler worker pool, starting lease
// auto-extension, recording the ack-id in inFlight so CloseNack can reach
// it, and wiring Ack/Nack to settle the lease exactly once, clear it from
// inFlight, release its flow-control slot, and stop auto-extension. Handler
// execution is bounded by handlers, not by one goroutine per message.
func (s *StreamingPull) dispatch(ctx context.Context, lease *Lease) {
	size := lease.Message.Size()
	atomic.AddInt64(&s.bytesInFlight, size)
	s.leases.Start(lease.AckID, time.Until(lease.Deadline))
	s.inFlight.Store(lease.AckID, struct{}{})

	var once sync.Once
	settle := func(terminal func(string) error) {
		once.Do(func() {
			s.leases.StopLease(lease.AckID)
			s.inFlight.Delete(lease.AckID)
			if err := terminal(lease.AckID); err != nil {
				logger.L().Warn("settling delivered message failed", "subscription", s.subscription, "ack_id", lease.AckID, "error", err)
			}
			atomic.AddInt64(&s.bytesInFlight, -size)
			s.messageSlots.Release(1)
		})
	}

	view := newMessageView(lease.AckID, lease.Message)
	view.ackFunc = func() { settle(s.broker.Ack) }
	view.nackFunc = func() { settle(s.broker.Nack) }

	s.handlers.Submit(func(ctx context.Context) { s.handler(ctx, view) })
}
