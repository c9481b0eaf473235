package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/gatectl/internal/backoff"
	"github.com/danmuck/gatectl/internal/faults"
	"github.com/danmuck/gatectl/internal/rest/ratelimit"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL   = "https://discord.com/api/v10"
	DefaultUserAgent = "DiscordBot (https://github.com/danmuck/gatectl, 0.1.0)"

	headerAuditLogReason = "X-Audit-Log-Reason"
)

var ErrTokenRequired = errors.New("rest: token required")

type Config struct {
	BaseURL             string
	Token               string
	UserAgent           string
	Timeout             time.Duration
	MaxAttempts         int
	MaxRateLimitRetries int
	Backoff             backoff.Config
}

func DefaultConfig() Config {
	return Config{
		BaseURL:             DefaultBaseURL,
		UserAgent:           DefaultUserAgent,
		Timeout:             30 * time.Second,
		MaxAttempts:         3,
		MaxRateLimitRetries: 5,
		Backoff: backoff.Config{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     10 * time.Second,
			Jitter:       true,
		},
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Token = strings.TrimSpace(c.Token)
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = def.BaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = def.UserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.MaxRateLimitRetries <= 0 {
		c.MaxRateLimitRetries = def.MaxRateLimitRetries
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// Request is one outbound call. Body is JSON-encoded unless it is []byte.
type Request struct {
	Method         string
	Path           string
	Query          url.Values
	Body           any
	ContentType    string
	Header         http.Header
	AuditLogReason string
}

type Response struct {
	RequestID        string
	Status           int
	Header           http.Header
	Body             []byte
	Attempts         int
	RateLimitRetries int
}

// RateLimitEvent describes one 429 absorbed by the client.
type RateLimitEvent struct {
	RequestID  string
	Bucket     string
	Route      string
	Global     bool
	Scope      string
	RetryAfter time.Duration
}

// ResponseEvent describes one completed send.
type ResponseEvent struct {
	RequestID string
	Method    string
	Route     string
	Status    int
	Duration  time.Duration
	Err       error
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithStore shares a bucket store between clients using the same credential.
func WithStore(s *ratelimit.Store) Option {
	return func(c *Client) {
		if s != nil {
			c.store = s
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithRateLimitHook(fn func(RateLimitEvent)) Option {
	return func(c *Client) {
		c.onRateLimit = fn
	}
}

func WithResponseHook(fn func(ResponseEvent)) Option {
	return func(c *Client) {
		c.onResponse = fn
	}
}

// Client is safe for concurrent use.
type Client struct {
	cfg         Config
	http        *http.Client
	store       *ratelimit.Store
	inflight    *Inflight
	logger      zerolog.Logger
	onRateLimit func(RateLimitEvent)
	onResponse  func(ResponseEvent)

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.WithDefaults()
	if cfg.Token == "" {
		return nil, ErrTokenRequired
	}
	c := &Client{
		cfg:      cfg,
		inflight: NewInflight(),
		logger:   log.Logger.With().Str("component", "rest").Logger(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	if c.store == nil {
		c.store = ratelimit.NewStore(ratelimit.WithLogger(c.logger))
	}
	return c, nil
}

func (c *Client) Store() *ratelimit.Store {
	return c.store
}

func (c *Client) Inflight() *Inflight {
	return c.inflight
}

// Do sends req, waiting on its bucket and retrying per the client policy.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Method = strings.ToUpper(req.Method)
	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}
	key := KeyForPath(req.Method, req.Path)
	clock := c.store.Clock()
	id := uuid.NewString()
	c.inflight.Begin(PendingRequest{
		ID:       id,
		Method:   req.Method,
		Path:     req.Path,
		Bucket:   key.String(),
		QueuedAt: clock.Now(),
	})
	defer c.inflight.Done(id)

	attempts, rateLimited := 0, 0
	for {
		if err := c.store.Acquire(ctx, key); err != nil {
			return nil, err
		}
		start := clock.Now()
		status, header, respBody, sendErr := c.send(ctx, req, body, contentType)
		c.observe(ResponseEvent{
			RequestID: id,
			Method:    req.Method,
			Route:     key.Route,
			Status:    status,
			Duration:  clock.Since(start),
			Err:       sendErr,
		})

		if sendErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			attempts++
			c.inflight.MarkAttempt(id, start, false, sendErr.Error())
			if attempts >= c.cfg.MaxAttempts {
				return nil, fmt.Errorf("%w: %s %s after %d attempts: %v", ErrAttemptsExhausted, req.Method, req.Path, attempts, sendErr)
			}
			if err := c.sleepBackoff(ctx, attempts); err != nil {
				return nil, err
			}
			continue
		}

		if h, err := ratelimit.ParseHeaders(header, clock.Now()); err != nil {
			c.logger.Warn().Err(err).Str("route", key.Route).Msg("rest.Do ignoring malformed rate limit headers")
		} else {
			c.store.Update(key, h)
		}

		if status == http.StatusTooManyRequests {
			rateLimited++
			c.inflight.MarkAttempt(id, start, true, "rate limited")
			wait, global, scope := retryAfter(header, respBody, clock.Now())
			c.store.Lockout(key, wait, global)
			c.notifyRateLimit(RateLimitEvent{
				RequestID:  id,
				Bucket:     c.store.Bucket(key).ID,
				Route:      key.Route,
				Global:     global,
				Scope:      scope,
				RetryAfter: wait,
			})
			if rateLimited > c.cfg.MaxRateLimitRetries {
				return nil, fmt.Errorf("%w: %s %s after %d rejections", ErrRateLimitRetriesExhausted, req.Method, req.Path, rateLimited)
			}
			continue
		}

		attempts++
		resp := &Response{
			RequestID:        id,
			Status:           status,
			Header:           header,
			Body:             respBody,
			Attempts:         attempts,
			RateLimitRetries: rateLimited,
		}
		switch {
		case status >= 200 && status < 300:
			return resp, nil
		case status >= 500:
			httpErr := newHTTPError(req, status, respBody)
			c.inflight.MarkAttempt(id, start, false, httpErr.Error())
			if attempts >= c.cfg.MaxAttempts {
				return resp, fmt.Errorf("%w: %w", ErrAttemptsExhausted, httpErr)
			}
			c.logger.Debug().Int("status", status).Int("attempt", attempts).Str("route", key.Route).Msg("rest.Do retrying server error")
			if err := c.sleepBackoff(ctx, attempts); err != nil {
				return nil, err
			}
		default:
			return resp, newHTTPError(req, status, respBody)
		}
	}
}

// DoJSON sends req and decodes a successful body into out, when out is non-nil.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 || resp.Status == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("rest: decode %s %s: %w", req.Method, req.Path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, req Request, body []byte, contentType string) (int, http.Header, []byte, error) {
	target := c.cfg.BaseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, rd)
	if err != nil {
		return 0, nil, nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Authorization", "Bot "+c.cfg.Token)
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if reason := strings.TrimSpace(req.AuditLogReason); reason != "" {
		httpReq.Header.Set(headerAuditLogReason, url.PathEscape(reason))
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %v", faults.ErrTransport, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: read body: %v", faults.ErrTransport, err)
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	c.rngMu.Lock()
	delay := backoff.Delay(c.cfg.Backoff, attempt, c.rng)
	c.rngMu.Unlock()
	timer := c.store.Clock().NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

func (c *Client) observe(ev ResponseEvent) {
	if c.onResponse != nil {
		c.onResponse(ev)
	}
}

func (c *Client) notifyRateLimit(ev RateLimitEvent) {
	c.logger.Warn().
		Str("request_id", ev.RequestID).
		Str("bucket", ev.Bucket).
		Bool("global", ev.Global).
		Dur("retry_after", ev.RetryAfter).
		Msg("rest.Do rate limited")
	if c.onRateLimit != nil {
		c.onRateLimit(ev)
	}
}

// retryAfter prefers the body's fractional seconds over the integer header.
func retryAfter(header http.Header, body []byte, now time.Time) (time.Duration, bool, string) {
	h, _ := ratelimit.ParseHeaders(header, now)
	wait := h.RetryAfter
	global := h.Global
	var rb rateLimitBody
	if json.Unmarshal(body, &rb) == nil {
		if rb.RetryAfter > 0 {
			wait = time.Duration(rb.RetryAfter * float64(time.Second))
		}
		global = global || rb.Global
	}
	if wait <= 0 {
		wait = time.Second
	}
	return wait, global, h.Scope
}

func encodeBody(req Request) ([]byte, string, error) {
	switch b := req.Body.(type) {
	case nil:
		return nil, req.ContentType, nil
	case []byte:
		ct := req.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		return b, ct, nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("rest: encode %s %s body: %w", req.Method, req.Path, err)
		}
		return raw, "application/json", nil
	}
}
