package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/gatectl/internal/backoff"
	"github.com/danmuck/gatectl/internal/faults"
	"github.com/danmuck/gatectl/internal/rest/ratelimit"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	cfg := Config{
		BaseURL: srv.URL,
		Token:   "bot-token",
		Backoff: backoff.Config{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond},
	}
	c, err := NewClient(cfg, opts...)
	require.NoError(t, err)
	return c
}

func TestDoAttachesCredentialAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot bot-token", r.Header.Get("Authorization"))
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "cleanup%20spam", r.Header.Get(headerAuditLogReason))
		assert.Equal(t, "/channels/123/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hi", body["content"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"999","content":"hi"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	route := NewRoute(http.MethodPost, "/channels/{channel.id}/messages")
	req, err := route.Request("123")
	require.NoError(t, err)
	req.Body = map[string]string{"content": "hi"}
	req.AuditLogReason = "cleanup spam"

	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, c.DoJSON(context.Background(), req, &out))
	assert.Equal(t, "999", out.ID)
	assert.Equal(t, 0, c.Inflight().Len())
}

func TestBucketExhaustionSuspendsSecondRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining := "4"
		if hits.Add(1) == 1 {
			remaining = "0"
		}
		w.Header().Set(ratelimit.HeaderLimit, "5")
		w.Header().Set(ratelimit.HeaderRemaining, remaining)
		w.Header().Set(ratelimit.HeaderResetAfter, "3")
		w.Header().Set(ratelimit.HeaderBucket, "msgs")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	store := ratelimit.NewStore(ratelimit.WithClock(clock))
	c := newTestClient(t, srv, WithStore(store))
	req := Request{Method: http.MethodDelete, Path: "/channels/42/messages/7"}

	_, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, store.Bucket(KeyForPath(req.Method, req.Path)).Remaining)

	start := clock.Now()
	done := make(chan error, 1)
	var finished time.Time
	go func() {
		_, err := c.Do(context.Background(), Request{Method: http.MethodDelete, Path: "/channels/42/messages/8"})
		finished = clock.Now()
		done <- err
	}()
	clock.BlockUntil(1)
	assert.Equal(t, int32(1), hits.Load())
	clock.Advance(3 * time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("suspended request never resumed")
	}
	assert.Equal(t, int32(2), hits.Load())
	assert.GreaterOrEqual(t, finished.Sub(start), 3*time.Second)
	assert.GreaterOrEqual(t, store.Bucket(KeyForPath(req.Method, req.Path)).Remaining, 0)
}

func TestRateLimitRejectionRetriedWithoutConsumingAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":2.0,"global":false}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	store := ratelimit.NewStore(ratelimit.WithClock(clock))
	var mu sync.Mutex
	var events []RateLimitEvent
	c := newTestClient(t, srv, WithStore(store), WithRateLimitHook(func(ev RateLimitEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))

	start := clock.Now()
	type result struct {
		resp *Response
		err  error
		at   time.Time
	}
	done := make(chan result, 1)
	go func() {
		resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/users/@me"})
		done <- result{resp, err, clock.Now()}
	}()
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("rate limited request never retried")
	}
	require.NoError(t, res.err)
	assert.Equal(t, int32(2), hits.Load())
	assert.GreaterOrEqual(t, res.at.Sub(start), 2*time.Second)
	assert.Equal(t, 1, res.resp.Attempts)
	assert.Equal(t, 1, res.resp.RateLimitRetries)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, 2*time.Second, events[0].RetryAfter)
	assert.False(t, events[0].Global)
}

func TestRateLimitRetriesAreCapped(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"retry_after":0.001}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Do(context.Background(), Request{Path: "/users/@me"})
	require.ErrorIs(t, err, ErrRateLimitRetriesExhausted)
	assert.ErrorIs(t, err, faults.ErrRateLimited)
	assert.Equal(t, int32(DefaultConfig().MaxRateLimitRetries+1), hits.Load())
}

func TestRequestRejectedReturnedOnFirstAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":50035,"message":"Invalid Form Body"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/channels/1/messages", Body: map[string]int{"bad": 1}})
	require.ErrorIs(t, err, faults.ErrRequestRejected)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, resp.Attempts)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 50035, httpErr.Code)
	assert.Equal(t, "Invalid Form Body", httpErr.Message)
	assert.False(t, faults.Retryable(err))
}

func TestAuthenticationFailureNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Do(context.Background(), Request{Path: "/users/@me"})
	require.ErrorIs(t, err, faults.ErrAuthentication)
	assert.Equal(t, faults.KindAuthentication, faults.Classify(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestServerErrorsRetriedUpToMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Do(context.Background(), Request{Path: "/gateway"})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)

	hits.Store(-10)
	_, err = c.Do(context.Background(), Request{Path: "/gateway"})
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, int32(-7), hits.Load())
}

func TestTransportErrorsExhaustAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(t, srv)
	srv.Close()

	_, err := c.Do(context.Background(), Request{Path: "/gateway"})
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.ErrorIs(t, err, faults.ErrTransport)
}

func TestGatewayBot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway/bot", r.URL.Path)
		_, _ = w.Write([]byte(`{"url":"wss://gateway.example.test","shards":4,"session_start_limit":{"total":1000,"remaining":999,"reset_after":14400000,"max_concurrency":2}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	gb, err := c.GatewayBot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.example.test", gb.URL)
	assert.Equal(t, 4, gb.Shards)
	assert.Equal(t, 2, gb.SessionStartLimit.MaxConcurrency)
	assert.Equal(t, 4*time.Hour, gb.SessionStartLimit.ResetIn())
}

func TestNewClientRequiresToken(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorIs(t, err, ErrTokenRequired)
}
