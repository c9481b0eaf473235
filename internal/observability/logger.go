package observability

import (
	"github.com/danmuck/gatectl/internal/gateway/session"
	"github.com/rs/zerolog"
)

// LogEvent writes gateway lifecycle events. Dispatches and acks go to debug.
func LogEvent(logger zerolog.Logger, ev session.Event) {
	switch e := ev.(type) {
	case *session.Dispatch:
		logger.Debug().Int("shard", e.Shard).Int64("seq", e.Seq).Str("event", e.Name).Msg("dispatch")
	case *session.HeartbeatAcked:
		logger.Debug().Int("shard", e.Shard).Dur("latency", e.Latency).Msg("heartbeat_ack")
	case *session.StateChanged:
		logger.Debug().Int("shard", e.Shard).Str("from", e.From.String()).Str("to", e.To.String()).Msg("state")
	case *session.Connected:
		logger.Info().Int("shard", e.Shard).Str("session_id", e.SessionID).Bool("resumed", e.Resumed).Msg("connected")
	case *session.Disconnected:
		logger.Warn().Int("shard", e.Shard).Err(e.Reason).Bool("resume", e.Resume).Msg("disconnected")
	case *session.Fatal:
		logger.Error().Int("shard", e.Shard).Err(e.Err).Msg("fatally closed")
	}
}
