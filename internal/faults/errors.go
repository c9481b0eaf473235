package faults

import (
	"context"
	"errors"
)

var (
	ErrTransport         = errors.New("faults: transport error")
	ErrProtocolViolation = errors.New("faults: protocol violation")
	ErrAuthentication    = errors.New("faults: authentication failure")
	ErrFatalConfig       = errors.New("faults: fatal configuration rejected by remote")
	ErrRateLimited       = errors.New("faults: rate limited")
	ErrRequestRejected   = errors.New("faults: request rejected")
	ErrCapacityExceeded  = errors.New("faults: capacity exceeded")
	ErrNotConnected      = errors.New("faults: not connected")
)

// Kind names one failure class.
type Kind string

const (
	KindNone              Kind = "none"
	KindTransport         Kind = "transport"
	KindProtocolViolation Kind = "protocol_violation"
	KindAuthentication    Kind = "authentication"
	KindFatalConfig       Kind = "fatal_config"
	KindRateLimited       Kind = "rate_limited"
	KindRequestRejected   Kind = "request_rejected"
	KindCapacityExceeded  Kind = "capacity_exceeded"
	KindNotConnected      Kind = "not_connected"
	KindCanceled          Kind = "canceled"
	KindUnknown           Kind = "unknown"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrAuthentication, KindAuthentication},
	{ErrFatalConfig, KindFatalConfig},
	{ErrProtocolViolation, KindProtocolViolation},
	{ErrRateLimited, KindRateLimited},
	{ErrRequestRejected, KindRequestRejected},
	{ErrCapacityExceeded, KindCapacityExceeded},
	{ErrNotConnected, KindNotConnected},
	{ErrTransport, KindTransport},
}

// Classify maps err onto its failure class. Fatal classes win over transient ones
// when an error wraps several sentinels.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// Fatal reports whether err must stop automatic recovery.
func Fatal(err error) bool {
	switch Classify(err) {
	case KindAuthentication, KindFatalConfig:
		return true
	default:
		return false
	}
}

// Retryable reports whether err is a transient class that local loops recover from.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTransport, KindProtocolViolation, KindRateLimited, KindUnknown:
		return true
	default:
		return false
	}
}
