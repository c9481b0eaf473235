// Package session owns the push-channel connection state machine for one shard.
//
// Ownership boundary:
// - handshake selection (identify vs resume)
// - sequence tracking and validation
// - heartbeat schedule and missed-ack accounting
// - close code classification
//
// A Session performs no I/O. Every input returns a Result that the owning shard
// runner applies to its transport, and only that runner may touch the Session.
package session
