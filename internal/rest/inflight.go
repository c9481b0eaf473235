package rest

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingRequest is one call that has not returned to its caller yet.
type PendingRequest struct {
	ID               string    `json:"id"`
	Method           string    `json:"method"`
	Path             string    `json:"path"`
	Bucket           string    `json:"bucket"`
	Attempts         int       `json:"attempts"`
	RateLimitRetries int       `json:"rate_limit_retries"`
	QueuedAt         time.Time `json:"queued_at"`
	LastAttemptAt    time.Time `json:"last_attempt_at"`
	LastError        string    `json:"last_error,omitempty"`
}

// Inflight stores pending requests by request id.
type Inflight struct {
	mu    sync.RWMutex
	items map[string]PendingRequest
}

func NewInflight() *Inflight {
	return &Inflight{items: make(map[string]PendingRequest)}
}

func (o *Inflight) Begin(item PendingRequest) {
	key := strings.TrimSpace(item.ID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
}

// MarkAttempt records one send. Rate-limited sends count separately.
func (o *Inflight) MarkAttempt(id string, at time.Time, rateLimited bool, lastErr string) (PendingRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[id]
	if !ok {
		return PendingRequest{}, false
	}
	if rateLimited {
		item.RateLimitRetries++
	} else {
		item.Attempts++
	}
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[id] = item
	return item, true
}

func (o *Inflight) Done(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, id)
}

func (o *Inflight) Get(id string) (PendingRequest, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[id]
	return item, ok
}

func (o *Inflight) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

func (o *Inflight) List() []PendingRequest {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingRequest, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}
