// Package shard drives one push-channel session end to end: dial, handshake,
// heartbeat, watchdog, reconnect with backoff, and the outbound command queue.
package shard
