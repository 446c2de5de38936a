package pubsubemu

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/pubsubemu/pkg/concurrency"
	"github.com/chris-alexander-pop/pubsubemu/pkg/logger"
)

// Housekeeper runs a periodic sweep: expired leases are requeued or
// dead-lettered, retention-expired messages are dropped, stale ack-ids are
// garbage-collected, and over-capacity subscriptions are logged. Every
// task runs under its own recover boundary — spec §4.5 requires that one
// task's failure never stops future sweeps.
type Housekeeper struct {
	broker *Broker
	opts   HousekeeperOptions
	cancel context.CancelFunc
}

// NewHousekeeper builds a Housekeeper. Call Start to begin sweeping.
func NewHousekeeper(broker *Broker, opts HousekeeperOptions) *Housekeeper {
	return &Housekeeper{broker: broker, opts: opts}
}

// Start launches the sweep loop in the background.
func (h *Housekeeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	concurrency.SafeGo(ctx, func() { h.loop(ctx) })
}

// Stop ends the sweep loop. Safe to call even if Start was never called.
func (h *Housekeeper) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Housekeeper) loop(ctx context.Context) {
	ticker := time.NewTicker(h.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOnce(ctx)
		}
	}
}

func (h *Housekeeper) sweepOnce(ctx context.Context) {
	h.runTask(ctx, "expire-leases", h.expireLeases)
	h.runTask(ctx, "enforce-retention", h.enforceRetention)
	h.runTask(ctx, "gc-ack-ids", h.gcAckIDs)
	h.runTask(ctx, "capacity-warnings", h.capacityWarnings)
}

func (h *Housekeeper) runTask(ctx context.Context, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().ErrorContext(ctx, "housekeeper task panicked, skipping this cycle", "task", name, "panic", r)
		}
	}()
	fn()
}

// expireLeases finds every lease whose deadline has passed without an
// ack/nack and requeues or dead-letters it, exactly like an
// application-issued Nack.
func (h *Housekeeper) expireLeases() {
	now := time.Now()
	var expired []string
	h.broker.leases.Range(func(ackID string, entry *ackEntry) bool {
		if !entry.terminated() && entry.Lease.Deadline.Before(now) {
			expired = append(expired, ackID)
		}
		return true
	})
	for _, ackID := range expired {
		entry, ok := h.broker.leases.Get(ackID)
		if !ok || entry.terminated() {
			continue // raced with an ack/nack between the scan and here
		}
		h.broker.expireLease(ackID, entry)
	}
}

// enforceRetention removes pending/ordered messages whose retention
// window has elapsed, on every live subscription.
func (h *Housekeeper) enforceRetention() {
	now := time.Now()

	type target struct {
		name string
		sub  *Subscription
		q    *SubscriptionQueue
	}

	h.broker.mu.RLock()
	targets := make([]target, 0, len(h.broker.subs))
	for name, sub := range h.broker.subs {
		if sub.Deleted {
			continue
		}
		targets = append(targets, target{name, sub, h.broker.queues[name]})
	}
	h.broker.mu.RUnlock()

	for _, t := range targets {
		t.q.mu.Lock()
		removed := t.q.removeExpiredPendingAndOrdered(t.sub.RetentionDuration, now)
		t.q.mu.Unlock()
		if removed > 0 {
			logger.L().Info("retention expired messages removed", "subscription", t.name, "count", removed)
		}
	}
}

// gcAckIDs drops terminated ack-id entries older than AckIDGCWindow,
// per spec invariant 7.
func (h *Housekeeper) gcAckIDs() {
	now := time.Now()
	var stale []string
	h.broker.leases.Range(func(ackID string, entry *ackEntry) bool {
		if entry.terminated() && now.Sub(entry.TerminatedAt) > h.opts.AckIDGCWindow {
			stale = append(stale, ackID)
		}
		return true
	})
	for _, ackID := range stale {
		h.broker.leases.Delete(ackID)
	}
}

// capacityWarnings logs, but never drops, subscriptions at or above the
// configured warning thresholds.
func (h *Housekeeper) capacityWarnings() {
	h.broker.mu.RLock()
	names := make([]string, 0, len(h.broker.subs))
	for name, sub := range h.broker.subs {
		if !sub.Deleted {
			names = append(names, name)
		}
	}
	h.broker.mu.RUnlock()

	for _, name := range names {
		q := h.broker.queueFor(name)
		if q == nil {
			continue
		}
		count, bytes := q.Stats()
		if count >= h.opts.CapacityWarnMessages || bytes >= h.opts.CapacityWarnBytes {
			logger.L().Warn("subscription over capacity", "subscription", name, "count", count, "bytes", bytes)
		}
	}
}
