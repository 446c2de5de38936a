package pubsubemu

import (
	"time"

	"github.com/chris-alexander-pop/pubsubemu/pkg/concurrency"
	"github.com/chris-alexander-pop/pubsubemu/pkg/datastructures/queue"
	"github.com/chris-alexander-pop/pubsubemu/pkg/datastructures/queue/delay"
)

// queuedItem wraps a keyed StoredMessage with the time it becomes eligible
// for delivery again after a nack or lease expiry. A zero eligibleAt means
// immediately eligible.
type queuedItem struct {
	msg        *StoredMessage
	eligibleAt time.Time
}

// SubscriptionQueue holds everything a subscription owns that is not
// currently leased: a FIFO for unkeyed messages, one FIFO per ordering
// key (gated on its head item's eligibility so nack-backoff never lets a
// later message for the same key jump ahead), and a delay queue that wakes
// unkeyed nacked/expired messages back into the plain FIFO once their
// backoff elapses. The per-key FIFOs are only populated when the owning
// subscription has EnableMessageOrdering set (see isOrderedKey) — when it
// is false, every message goes through pending/delayed exactly like an
// unkeyed one, so ordering keys never cause single-in-flight-per-key
// serialization unless the subscription actually asked for it.
//
// bytes/count track every message the subscription currently owns outside
// a lease — pending, ordered, and delayed — for capacity enforcement and
// housekeeper warnings.
type SubscriptionQueue struct {
	mu      *concurrency.SmartMutex
	pending *queue.Queue[*StoredMessage]
	ordered map[string]*queue.Queue[*queuedItem]
	delayed *delay.Queue[*StoredMessage]

	// orderingEnabled mirrors the owning Subscription's
	// EnableMessageOrdering. Keyed messages only get their own per-key
	// FIFO (and single-in-flight-per-key enforcement) when this is true;
	// otherwise a message with an ordering key is treated exactly like an
	// unkeyed one and goes straight into pending/delayed, per spec §4.3.
	orderingEnabled bool

	// leasedKey marks an ordering key as having a live lease outstanding.
	// It is the only thing enforcing single-in-flight-per-key while the
	// leased message is out of the ordered queue entirely; once the
	// message is acked (removed) or nacked/expired (reinserted at the
	// queue's head with a future eligibleAt), the FIFO + eligibility gate
	// in nextDeliverable takes over and this flag is cleared.
	leasedKey map[string]bool

	bytes int64
	count int64
}

func newSubscriptionQueue(name string, orderingEnabled bool) *SubscriptionQueue {
	return &SubscriptionQueue{
		mu:              concurrency.NewSmartMutex(concurrency.MutexConfig{Name: "subqueue:" + name}),
		pending:         queue.New[*StoredMessage](),
		ordered:         make(map[string]*queue.Queue[*queuedItem]),
		leasedKey:       make(map[string]bool),
		delayed:         delay.New[*StoredMessage](),
		orderingEnabled: orderingEnabled,
	}
}

// isOrderedKey reports whether key should be routed through the per-key
// ordered queue: only when ordering is enabled for this subscription and
// the message actually carries a key.
func (q *SubscriptionQueue) isOrderedKey(key string) bool {
	return q.orderingEnabled && key != ""
}

func (q *SubscriptionQueue) orderedQueue(key string) *queue.Queue[*queuedItem] {
	oq, ok := q.ordered[key]
	if !ok {
		oq = queue.New[*queuedItem]()
		q.ordered[key] = oq
	}
	return oq
}

// enqueue places a freshly published message into the right FIFO. Caller
// holds q.mu.
func (q *SubscriptionQueue) enqueue(m *StoredMessage) {
	if q.isOrderedKey(m.OrderingKey) {
		q.orderedQueue(m.OrderingKey).Enqueue(&queuedItem{msg: m})
	} else {
		q.pending.Enqueue(m)
	}
	q.bytes += m.Size()
	q.count++
}

// requeueKeyed reinserts a nacked or expired keyed message at the head of
// its key's queue with an eligibility time, preserving order against any
// later message for the same key. Caller holds q.mu.
func (q *SubscriptionQueue) requeueKeyed(m *StoredMessage, eligibleAt time.Time) {
	q.orderedQueue(m.OrderingKey).PushFront(&queuedItem{msg: m, eligibleAt: eligibleAt})
	q.bytes += m.Size()
	q.count++
}

// requeueUnkeyed schedules a nacked or expired unkeyed message to rejoin
// the plain pending FIFO once the delay elapses. Does not require q.mu:
// the delay queue guards its own state and the drain goroutine
// (broker.runDelayedDrain) re-acquires q.mu before touching pending.
func (q *SubscriptionQueue) requeueUnkeyed(m *StoredMessage, delayFor time.Duration) {
	q.mu.Lock()
	q.bytes += m.Size()
	q.count++
	q.mu.Unlock()
	q.delayed.Enqueue(m, delayFor)
}

// nextDeliverable pops the next message eligible for immediate delivery.
// An ordered key whose head item is not yet eligible (or whose queue is
// empty) is skipped entirely rather than falling through to a later
// message for the same key, so single-in-flight-per-key never reorders.
// Caller holds q.mu.
func (q *SubscriptionQueue) nextDeliverable(now time.Time) *StoredMessage {
	for key, oq := range q.ordered {
		if q.leasedKey[key] {
			continue
		}
		item, ok := oq.Peek()
		if !ok {
			continue
		}
		if item.eligibleAt.After(now) {
			continue
		}
		oq.Dequeue()
		q.bytes -= item.msg.Size()
		q.count--
		q.leasedKey[key] = true
		return item.msg
	}
	if m, ok := q.pending.Dequeue(); ok {
		q.bytes -= m.Size()
		q.count--
		return m
	}
	return nil
}

// removeExpiredPendingAndOrdered drops every pending/ordered message whose
// retention window has elapsed. In-flight leases and items already in the
// delay queue are untouched here; delayed items are checked for retention
// at the point they are about to rejoin pending (see
// broker.runDelayedDrain), since the delay queue offers no peek-all.
// Caller holds q.mu. Returns the number removed.
func (q *SubscriptionQueue) removeExpiredPendingAndOrdered(retention time.Duration, now time.Time) int {
	removed := 0

	var kept []*StoredMessage
	for {
		m, ok := q.pending.Dequeue()
		if !ok {
			break
		}
		kept = append(kept, m)
	}
	for _, m := range kept {
		if now.Sub(m.PublishTime) >= retention {
			q.bytes -= m.Size()
			q.count--
			removed++
			continue
		}
		q.pending.Enqueue(m)
	}

	for _, oq := range q.ordered {
		var keptItems []*queuedItem
		for {
			it, ok := oq.Dequeue()
			if !ok {
				break
			}
			keptItems = append(keptItems, it)
		}
		for _, it := range keptItems {
			if now.Sub(it.msg.PublishTime) >= retention {
				q.bytes -= it.msg.Size()
				q.count--
				removed++
				continue
			}
			oq.Enqueue(it)
		}
	}

	return removed
}

// Stats returns the current (count, bytes) owned by this subscription
// outside of any lease, for housekeeper capacity warnings.
func (q *SubscriptionQueue) Stats() (count, bytes int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count, q.bytes
}

// clearLeased releases the single-in-flight-per-key slot for an ordering
// key. Caller holds q.mu. No-op for the unkeyed case (key == "").
func (q *SubscriptionQueue) clearLeased(key string) {
	if key == "" {
		return
	}
	delete(q.leasedKey, key)
}
