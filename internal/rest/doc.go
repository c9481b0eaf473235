// Package rest dispatches request/response calls through a ratelimit.Store.
//
// Rate-limit rejections are absorbed by waiting; server failures are retried with
// backoff; any other client error is returned on the first attempt.
package rest
