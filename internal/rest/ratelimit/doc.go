// Package ratelimit tracks the flow-control buckets announced by the remote REST
// surface and the local windows that keep outbound traffic under them.
//
// A Store is owned by one client; nothing here is process-global.
package ratelimit
