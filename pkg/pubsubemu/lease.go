package pubsubemu

import "time"

// Lease represents the right to process one in-flight delivery attempt of
// one message. Its AckID is unique per delivery attempt — a redelivery of
// the same message allocates a fresh one.
type Lease struct {
	AckID        string
	Message      *StoredMessage
	Subscription string
	Deadline     time.Time
	Extensions   int
	CreatedAt    time.Time
}

// ackEntry is the broker's bookkeeping record for one allocated ack-id. It
// outlives the Lease itself (Lease == nil once acked/nacked/expired) so
// that a second ack/nack on the same id is a documented no-op rather than
// an "unknown ack-id" error, and so the housekeeper can garbage-collect it
// once TerminatedAt is older than HousekeeperOptions.AckIDGCWindow.
type ackEntry struct {
	Subscription string
	Lease        *Lease
	TerminatedAt time.Time
}

func (e *ackEntry) terminated() bool { return e.Lease == nil }
