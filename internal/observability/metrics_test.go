package observability

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/gatectl/internal/gateway/session"
	"github.com/danmuck/gatectl/internal/rest"
	"github.com/danmuck/gatectl/internal/rest/ratelimit"
	"github.com/danmuck/gatectl/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestObserveEventUpdatesShardMetrics(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	ObserveEvent(&session.Dispatch{Shard: 3, Seq: 1, Name: "MESSAGE_CREATE"})
	ObserveEvent(&session.Dispatch{Shard: 3, Seq: 2, Name: "MESSAGE_CREATE"})
	ObserveEvent(&session.StateChanged{Shard: 3, From: session.StateIdentifying, To: session.StateConnected})
	ObserveEvent(&session.HeartbeatAcked{Shard: 3, Latency: 40 * time.Millisecond})

	if got := testutil.ToFloat64(dispatches.WithLabelValues("3", "MESSAGE_CREATE")); got != 2 {
		t.Fatalf("dispatch count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(shardState.WithLabelValues("3")); got != float64(session.StateConnected) {
		t.Fatalf("state gauge = %v", got)
	}

	ObserveEvent(&session.Fatal{Shard: 3, Err: errors.New("auth")})
	if got := testutil.ToFloat64(shardState.WithLabelValues("3")); got != float64(session.StateFatallyClosed) {
		t.Fatalf("state after fatal = %v", got)
	}
	if got := testutil.ToFloat64(shardFatal.WithLabelValues("3")); got != 1 {
		t.Fatalf("fatal count = %v", got)
	}
}

func TestRESTRecorders(t *testing.T) {
	testlog.Start(t)
	RecordRESTResponse(rest.ResponseEvent{Method: "GET", Route: "GET /channels/{channel.id}", Status: 200, Duration: time.Millisecond})
	RecordRESTResponse(rest.ResponseEvent{Method: "GET", Route: "GET /channels/{channel.id}", Err: errors.New("dial")})
	RecordRateLimit(rest.RateLimitEvent{Route: "GET /channels/{channel.id}", Global: true, RetryAfter: time.Second})
	RecordBucketWait(ratelimit.Wait{Key: "global", Global: true, Delay: 20 * time.Millisecond})
	RecordIdentifyWait(0, 5*time.Second)
	RecordCondition("shard_fatal")

	if got := testutil.ToFloat64(restRequests.WithLabelValues("GET", "GET /channels/{channel.id}", "error")); got != 1 {
		t.Fatalf("transport error count = %v", got)
	}
	if got := testutil.ToFloat64(rateLimited.WithLabelValues("GET /channels/{channel.id}", "true", "unknown")); got != 1 {
		t.Fatalf("rate limited count = %v", got)
	}
}

func TestLogEventLevels(t *testing.T) {
	testlog.Start(t)
	var buf strings.Builder
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)

	LogEvent(logger, &session.Dispatch{Shard: 0, Seq: 1, Name: "READY"})
	if buf.Len() != 0 {
		t.Fatalf("dispatch logged at info: %s", buf.String())
	}
	LogEvent(logger, &session.Connected{Shard: 1, SessionID: "abc"})
	LogEvent(logger, &session.Disconnected{Shard: 1, Reason: errors.New("eof"), Resume: true})
	out := buf.String()
	if !strings.Contains(out, `"session_id":"abc"`) || !strings.Contains(out, `"level":"warn"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}
