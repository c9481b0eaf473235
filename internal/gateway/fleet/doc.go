// Package fleet owns every shard runner of one process: it staggers identify
// handshakes under the remote concurrency cap, supervises runners, and merges
// their events into one stream.
package fleet
