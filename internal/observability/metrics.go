package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/gatectl/internal/gateway/session"
	"github.com/danmuck/gatectl/internal/rest"
	"github.com/danmuck/gatectl/internal/rest/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gatectl"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admin_http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "admin_http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	shardState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "state",
			Help:      "Current session state per shard (0 disconnected .. 7 fatally closed).",
		},
		[]string{"shard"},
	)
	shardReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "disconnects_total",
			Help:      "Transport teardowns that will be retried.",
		},
		[]string{"shard", "resume"},
	)
	shardConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "handshakes_total",
			Help:      "Completed identify or resume handshakes.",
		},
		[]string{"shard", "resumed"},
	)
	shardFatal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "fatal_total",
			Help:      "Shards closed for good by the remote side.",
		},
		[]string{"shard"},
	)
	heartbeatLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "heartbeat_latency_seconds",
			Help:      "Time between a heartbeat and its acknowledgement.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"shard"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "dispatch_total",
			Help:      "Dispatch events received.",
		},
		[]string{"shard", "event"},
	)

	identifyWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "identify_wait_seconds",
			Help:      "Time shards waited for room in the identify window.",
			Buckets:   []float64{0, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	fleetConditions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "conditions_total",
			Help:      "Supervision conditions by kind.",
		},
		[]string{"kind"},
	)

	restRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "responses_total",
			Help:      "REST responses by route template and status.",
		},
		[]string{"method", "route", "status"},
	)
	restDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "request_duration_seconds",
			Help:      "REST round trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "rate_limited_total",
			Help:      "429 responses by route and scope.",
		},
		[]string{"route", "global", "scope"},
	)
	bucketWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "bucket_wait_seconds",
			Help:      "Time requests waited on a bucket before sending.",
			Buckets:   []float64{.005, .05, .25, 1, 5, 15, 60},
		},
		[]string{"global"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			shardState, shardReconnects, shardConnects, shardFatal, heartbeatLatency, dispatches,
			identifyWait, fleetConditions,
			restRequests, restDuration, rateLimited, bucketWait,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// ObserveEvent folds one gateway event into the shard metrics.
func ObserveEvent(ev session.Event) {
	RegisterMetrics()
	shard := strconv.Itoa(ev.ShardID())
	switch e := ev.(type) {
	case *session.Dispatch:
		dispatches.WithLabelValues(shard, e.Name).Inc()
	case *session.StateChanged:
		shardState.WithLabelValues(shard).Set(float64(e.To))
	case *session.Connected:
		shardConnects.WithLabelValues(shard, strconv.FormatBool(e.Resumed)).Inc()
	case *session.Disconnected:
		shardReconnects.WithLabelValues(shard, strconv.FormatBool(e.Resume)).Inc()
	case *session.HeartbeatAcked:
		heartbeatLatency.WithLabelValues(shard).Observe(e.Latency.Seconds())
	case *session.Fatal:
		shardFatal.WithLabelValues(shard).Inc()
		shardState.WithLabelValues(shard).Set(float64(session.StateFatallyClosed))
	}
}

func RecordIdentifyWait(_ int, waited time.Duration) {
	RegisterMetrics()
	identifyWait.Observe(waited.Seconds())
}

func RecordCondition(kind string) {
	RegisterMetrics()
	fleetConditions.WithLabelValues(kind).Inc()
}

// RecordRESTResponse is shaped to be passed to rest.WithResponseHook.
func RecordRESTResponse(ev rest.ResponseEvent) {
	RegisterMetrics()
	status := "error"
	if ev.Status > 0 {
		status = strconv.Itoa(ev.Status)
	}
	restRequests.WithLabelValues(ev.Method, ev.Route, status).Inc()
	restDuration.WithLabelValues(ev.Method, ev.Route).Observe(ev.Duration.Seconds())
}

// RecordRateLimit is shaped to be passed to rest.WithRateLimitHook.
func RecordRateLimit(ev rest.RateLimitEvent) {
	RegisterMetrics()
	scope := ev.Scope
	if scope == "" {
		scope = "unknown"
	}
	rateLimited.WithLabelValues(ev.Route, strconv.FormatBool(ev.Global), scope).Inc()
}

// RecordBucketWait is shaped to be passed to ratelimit.WithWaitHook.
func RecordBucketWait(w ratelimit.Wait) {
	RegisterMetrics()
	bucketWait.WithLabelValues(strconv.FormatBool(w.Global)).Observe(w.Delay.Seconds())
}
