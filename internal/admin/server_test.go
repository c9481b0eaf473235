package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/gatectl/internal/gateway/fleet"
	"github.com/danmuck/gatectl/internal/gateway/session"
	"github.com/danmuck/gatectl/internal/gateway/shard"
	"github.com/danmuck/gatectl/internal/rest"
	"github.com/danmuck/gatectl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFleet struct {
	mu        sync.Mutex
	statuses  []shard.Status
	ready     bool
	restarted []int
	history   []fleet.Condition
}

func (f *fakeFleet) Status() []shard.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]shard.Status(nil), f.statuses...)
}

func (f *fakeFleet) ShardStatus(id int) (shard.Status, error) {
	for _, st := range f.Status() {
		if st.Shard.ID == id {
			return st, nil
		}
	}
	return shard.Status{}, fmt.Errorf("%w: %d", fleet.ErrUnknownShard, id)
}

func (f *fakeFleet) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeFleet) Restart(id int) error {
	if _, err := f.ShardStatus(id); err != nil {
		return err
	}
	f.mu.Lock()
	f.restarted = append(f.restarted, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeFleet) History() []fleet.Condition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fleet.Condition(nil), f.history...)
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		statuses: []shard.Status{
			{Shard: session.ShardInfo{ID: 0, Total: 2}, State: session.StateConnected, StateName: "connected", Running: true},
			{Shard: session.ShardInfo{ID: 1, Total: 2}, State: session.StateFatallyClosed, StateName: "fatally_closed"},
		},
		history: []fleet.Condition{{ID: "c1", Shard: 1, Kind: fleet.ConditionShardFatal, At: time.Unix(0, 0).UTC()}},
	}
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)
	fl := newFakeFleet()
	s := New(Config{}, fl)

	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = do(t, s.Handler(), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	fl.mu.Lock()
	fl.ready = true
	fl.mu.Unlock()
	rec = do(t, s.Handler(), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":true`)

	rec = do(t, s.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gatectl_admin_http_requests_total")
}

func TestShardEndpoints(t *testing.T) {
	testlog.Start(t)
	s := New(Config{}, newFakeFleet())

	rec := do(t, s.Handler(), http.MethodGet, "/shards", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Shards []struct {
			StateName string `json:"state"`
		} `json:"shards"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Shards, 2)
	assert.Equal(t, "connected", body.Shards[0].StateName)

	rec = do(t, s.Handler(), http.MethodGet, "/shards/1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fatally_closed")

	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/shards/9", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodGet, "/shards/x", "").Code)

	rec = do(t, s.Handler(), http.MethodGet, "/conditions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"shard_fatal"`)
}

func TestRestartRequiresToken(t *testing.T) {
	testlog.Start(t)
	fl := newFakeFleet()
	s := New(Config{Token: "op-secret"}, fl)

	assert.Equal(t, http.StatusUnauthorized, do(t, s.Handler(), http.MethodPost, "/shards/1/restart", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s.Handler(), http.MethodPost, "/shards/1/restart", "wrong").Code)
	assert.Equal(t, http.StatusAccepted, do(t, s.Handler(), http.MethodPost, "/shards/1/restart", "op-secret").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodPost, "/shards/5/restart", "op-secret").Code)
	assert.Equal(t, []int{1}, fl.restarted)
}

func TestRestViews(t *testing.T) {
	testlog.Start(t)
	s := New(Config{}, newFakeFleet())
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/rest/inflight", "").Code)

	client, err := rest.NewClient(rest.Config{BaseURL: "http://127.0.0.1:1", Token: "t"})
	require.NoError(t, err)
	client.Inflight().Begin(rest.PendingRequest{ID: "req-1", Method: http.MethodGet, Path: "/users/@me"})

	s = New(Config{}, newFakeFleet(), WithDispatcher(client))
	rec := do(t, s.Handler(), http.MethodGet, "/rest/inflight", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "req-1"), rec.Body.String())

	rec = do(t, s.Handler(), http.MethodGet, "/rest/buckets", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"buckets"`)
}
