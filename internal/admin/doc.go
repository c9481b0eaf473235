// Package admin serves the operator HTTP surface of a running fleet: health,
// readiness, prometheus metrics, per-shard status, supervision conditions, and
// the REST dispatcher's in-flight and bucket views.
package admin
