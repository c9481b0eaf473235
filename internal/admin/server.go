package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/gatectl/internal/auth"
	"github.com/danmuck/gatectl/internal/gateway/fleet"
	"github.com/danmuck/gatectl/internal/gateway/shard"
	"github.com/danmuck/gatectl/internal/observability"
	"github.com/danmuck/gatectl/internal/rest"
	"github.com/danmuck/gatectl/internal/rest/ratelimit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Fleet is the slice of the fleet manager the admin surface reads and drives.
type Fleet interface {
	Status() []shard.Status
	ShardStatus(id int) (shard.Status, error)
	Ready() bool
	Restart(id int) error
	History() []fleet.Condition
}

// Dispatcher exposes the REST client's bookkeeping.
type Dispatcher interface {
	Inflight() *rest.Inflight
	Store() *ratelimit.Store
}

type Config struct {
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
	// Token guards POST endpoints. Empty leaves them open.
	Token string `toml:"token"`
}

type Server struct {
	cfg      Config
	fleet    Fleet
	rest     Dispatcher
	auth     auth.Validator
	logger   zerolog.Logger
	router   *gin.Engine
	started  time.Time
	shutdown time.Duration
}

type Option func(*Server)

func WithDispatcher(d Dispatcher) Option {
	return func(s *Server) {
		s.rest = d
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

func New(cfg Config, fl Fleet, opts ...Option) *Server {
	observability.RegisterMetrics()
	s := &Server{
		cfg:      cfg,
		fleet:    fl,
		auth:     auth.ForToken(cfg.Token),
		logger:   log.Logger.With().Str("component", "admin").Logger(),
		started:  time.Now(),
		shutdown: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.router = r
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx ends, then drains open requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("admin.Server listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) routes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"version": version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ready", func(c *gin.Context) {
		ready := s.fleet.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":  ready,
			"shards": len(s.fleet.Status()),
			"uptime": time.Since(s.started).String(),
		})
	})

	r.GET("/shards", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"shards": s.fleet.Status()})
	})
	r.GET("/shards/:id", func(c *gin.Context) {
		id, ok := shardParam(c)
		if !ok {
			return
		}
		st, err := s.fleet.ShardStatus(id)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	})
	r.POST("/shards/:id/restart", s.requireToken, func(c *gin.Context) {
		id, ok := shardParam(c)
		if !ok {
			return
		}
		if err := s.fleet.Restart(id); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		s.logger.Info().Int("shard", id).Msg("admin restart requested")
		c.JSON(http.StatusAccepted, gin.H{"shard": id, "restart": "scheduled"})
	})
	r.GET("/conditions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"conditions": s.fleet.History()})
	})

	r.GET("/rest/inflight", func(c *gin.Context) {
		if s.rest == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "rest dispatcher not attached"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"requests": s.rest.Inflight().List()})
	})
	r.GET("/rest/buckets", func(c *gin.Context) {
		if s.rest == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "rest dispatcher not attached"})
			return
		}
		store := s.rest.Store()
		body := gin.H{"buckets": store.Snapshot()}
		if until := store.GlobalLockedUntil(); !until.IsZero() {
			body["global_locked_until"] = until
		}
		c.JSON(http.StatusOK, body)
	})
}

func (s *Server) requireToken(c *gin.Context) {
	token, _ := auth.BearerToken(c.GetHeader("Authorization"))
	if err := s.auth.Validate(token); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}

func shardParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "shard id must be a non-negative integer"})
		return 0, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fleet.ErrUnknownShard):
		return http.StatusNotFound
	case errors.Is(err, fleet.ErrNotStarted), errors.Is(err, shard.ErrAlreadyRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
