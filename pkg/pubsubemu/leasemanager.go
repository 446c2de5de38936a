package pubsubemu

import (
	"sync"
	"time"

	"github.com/chris-alexander-pop/pubsubemu/pkg/datastructures/timer/wheel"
)

// LeaseManager keeps an in-flight message's ack-deadline alive by
// periodically calling Broker.ModifyAckDeadline, without the application
// ever issuing a manual extension. It never nacks on its own — once
// MaxExtensionTime is spent, extensions simply stop and the lease is left
// to expire naturally so the Broker redelivers it.
//
// Scheduling is built on the hashed wheel timer (pkg/datastructures/timer/wheel):
// one cancellable task per in-flight ack-id. Ack/Nack always cancel the
// pending extension before it can fire, so the two never race.
type LeaseManager struct {
	broker *Broker
	opts   LeaseManagerOptions
	wheel  *wheel.Timer

	mu      sync.Mutex
	handles map[string]*wheel.Handle
	started map[string]time.Time
}

// NewLeaseManager builds a LeaseManager and starts its scheduling loop.
func NewLeaseManager(broker *Broker, opts LeaseManagerOptions) *LeaseManager {
	lm := &LeaseManager{
		broker:  broker,
		opts:    opts,
		wheel:   wheel.New(100*time.Millisecond, 512),
		handles: make(map[string]*wheel.Handle),
		started: make(map[string]time.Time),
	}
	lm.wheel.Start()
	return lm
}

// Stop shuts down the underlying timer loop.
func (lm *LeaseManager) Stop() {
	lm.wheel.Stop()
}

// Start begins auto-extending ackID's lease, whose initial deadline is
// ackDeadline from now. The first extension is scheduled at 90% of
// ackDeadline so it lands comfortably before expiry.
func (lm *LeaseManager) Start(ackID string, ackDeadline time.Duration) {
	lm.mu.Lock()
	lm.started[ackID] = time.Now()
	lm.mu.Unlock()
	lm.scheduleNext(ackID, ackDeadline)
}

// StopLease cancels the pending extension for ackID, if any. Called from
// the ack/nack path so the authoritative operation always wins the race
// against a scheduled extension, per spec §4.4.
func (lm *LeaseManager) StopLease(ackID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if h, ok := lm.handles[ackID]; ok {
		h.Cancel()
		delete(lm.handles, ackID)
	}
	delete(lm.started, ackID)
}

func (lm *LeaseManager) scheduleNext(ackID string, ackDeadline time.Duration) {
	extendAfter := ackDeadline - ackDeadline/10
	if extendAfter <= 0 {
		extendAfter = ackDeadline
	}
	handle := lm.wheel.ScheduleCancellable(extendAfter, func() {
		lm.extend(ackID, ackDeadline)
	})

	lm.mu.Lock()
	lm.handles[ackID] = handle
	lm.mu.Unlock()
}

func (lm *LeaseManager) extend(ackID string, ackDeadline time.Duration) {
	lm.mu.Lock()
	started, live := lm.started[ackID]
	lm.mu.Unlock()
	if !live {
		return // StopLease already ran: ack/nack won the race
	}
	if time.Since(started) >= lm.opts.MaxExtensionTime {
		return // cumulative cap reached; let the lease expire naturally
	}

	if err := lm.broker.ModifyAckDeadline(ackID, int(ackDeadline/time.Second)); err != nil {
		return // lease already gone
	}

	lm.scheduleNext(ackID, ackDeadline)
}
