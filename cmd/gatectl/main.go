package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/gatectl/internal/admin"
	"github.com/danmuck/gatectl/internal/gateway/fleet"
	"github.com/danmuck/gatectl/internal/gateway/shard"
	"github.com/danmuck/gatectl/internal/gateway/transport"
	"github.com/danmuck/gatectl/internal/logging"
	"github.com/danmuck/gatectl/internal/observability"
	"github.com/danmuck/gatectl/internal/rest"
	"github.com/danmuck/gatectl/internal/rest/ratelimit"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	path := flag.String("config", "cmd/gatectl/config.toml", "gatectl config path")
	flag.Parse()

	logging.ConfigureRuntime()
	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "gatectl: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	logger := logging.Component("gatectl")
	cfg, err := loadAppConfig(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := ratelimit.NewStore(
		ratelimit.WithGlobalLimit(cfg.GlobalLimit, time.Second),
		ratelimit.WithWaitHook(observability.RecordBucketWait),
	)
	client, err := rest.NewClient(cfg.REST,
		rest.WithStore(store),
		rest.WithRateLimitHook(observability.RecordRateLimit),
		rest.WithResponseHook(observability.RecordRESTResponse),
	)
	if err != nil {
		return err
	}

	if cfg.needsDiscovery() {
		gb, err := client.GatewayBot(ctx)
		if err != nil {
			return fmt.Errorf("discover gateway: %w", err)
		}
		cfg.applyDiscovery(gb)
		logger.Info().
			Str("url", gb.URL).
			Int("shards", gb.Shards).
			Int("max_concurrency", gb.SessionStartLimit.MaxConcurrency).
			Int("session_starts_remaining", gb.SessionStartLimit.Remaining).
			Msg("gateway discovered")
	}

	dialer, err := transport.NewDialer(cfg.Transport)
	if err != nil {
		return err
	}
	mgr, err := fleet.NewManager(cfg.fleetConfig(), shard.WebsocketDialer(dialer),
		fleet.WithIdentifyHook(observability.RecordIdentifyWait),
	)
	if err != nil {
		return err
	}
	srv := admin.New(cfg.Admin, mgr, admin.WithDispatcher(client))

	if err := mgr.Start(ctx); err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		for ev := range mgr.Events() {
			observability.ObserveEvent(ev)
			observability.LogEvent(logger, ev)
		}
		return nil
	})
	g.Go(func() error {
		for c := range mgr.Conditions() {
			observability.RecordCondition(string(c.Kind))
		}
		return nil
	})

	<-ctx.Done()
	logger.Info().Msg("gatectl shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		// The event streams only close once every runner is down.
		return fmt.Errorf("fleet shutdown: %w", err)
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
