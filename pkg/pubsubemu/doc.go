// Package pubsubemu implements an in-process publish/subscribe message
// broker emulating Google Cloud Pub/Sub's delivery semantics: topics and
// subscriptions, ack/nack with lease-based redelivery, per-ordering-key
// single-in-flight delivery, dead-letter routing, flow control on both the
// publish and pull paths, and automatic lease extension.
//
// The five moving parts are Broker (the single point of truth for topics,
// subscriptions, and queued messages), Publisher (batching and per-key
// pause/resume on the publish path), StreamingPull (concurrent pull loops
// and subscriber-side flow control), LeaseManager (background ack-deadline
// extension), and Housekeeper (the periodic sweep that expires leases,
// enforces retention, and garbage-collects terminated ack-ids).
//
// None of it talks to a network: this package models the protocol's
// behavior for use as an embedded broker, a test double for code written
// against Cloud Pub/Sub, or a starting point for a wire-compatible server.
package pubsubemu
