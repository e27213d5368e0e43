// The opentext-service binary bridges NATS request/reply subjects to
// the OpenText API behind a rate limiter, a TTL cache, and a bounded
// batch orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/centerfuze/opentext-service/internal/batch"
	"github.com/centerfuze/opentext-service/internal/bus"
	"github.com/centerfuze/opentext-service/internal/cache"
	"github.com/centerfuze/opentext-service/internal/config"
	"github.com/centerfuze/opentext-service/internal/logging"
	"github.com/centerfuze/opentext-service/internal/opentext"
	"github.com/centerfuze/opentext-service/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "service failed: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.Service)
	logger.Info().Msg("starting service")

	clk := clock.New()

	var store *cache.Cache
	if cfg.Cache.Enabled {
		store = cache.New(cfg.Cache.DefaultTTL, cfg.Cache.CleanupInterval, clk, logger)
		defer store.Shutdown()
		logger.Info().Msg("cache initialized")
	}

	// The batch orchestrator and the client's feedback recorder share
	// one limiter instance; which one depends on the adaptive flag.
	var limiter batch.Limiter
	var limiterStats bus.LimiterStats
	var recorder opentext.Recorder
	if cfg.RateLimit.Adaptive {
		adaptive, err := ratelimit.NewAdaptiveLimiter(
			cfg.RateLimit.RequestsPerSecond,
			cfg.RateLimit.MinRPS,
			cfg.RateLimit.MaxRPS,
			cfg.RateLimit.AdaptationFactor,
			clk, logger,
		)
		if err != nil {
			return fmt.Errorf("build adaptive rate limiter: %w", err)
		}
		limiter, limiterStats, recorder = adaptive, adaptive, adaptive
		logger.Info().Msg("adaptive rate limiter initialized")
	} else {
		bucket, err := ratelimit.NewTokenBucket(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstCapacity, clk, logger)
		if err != nil {
			return fmt.Errorf("build rate limiter: %w", err)
		}
		limiter, limiterStats = bucket, bucket
		logger.Info().Msg("token bucket rate limiter initialized")
	}

	client, err := opentext.NewClient(opentext.ClientConfig{
		BaseURL:    cfg.OpenText.APIBaseURL,
		APIKey:     cfg.OpenText.APIKey,
		APISecret:  cfg.OpenText.APISecret,
		Timeout:    time.Duration(cfg.OpenText.Timeout) * time.Second,
		MaxRetries: cfg.OpenText.MaxRetries,
		RetryDelay: time.Duration(cfg.OpenText.RetryDelay) * time.Second,
	}, recorder, logger)
	if err != nil {
		return fmt.Errorf("build api client: %w", err)
	}

	var orchCache batch.Cache
	if store != nil {
		orchCache = store
	}
	orch, err := batch.New(cfg.Service.BatchSize, cfg.Service.MaxConcurrentRequests, limiter, orchCache, logger)
	if err != nil {
		return fmt.Errorf("build batch orchestrator: %w", err)
	}

	svc := opentext.NewService(client, orch, store, logger)

	nc, err := connectNATS(cfg, logger)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	controller, err := bus.NewController(nc, svc, store, limiterStats, logger)
	if err != nil {
		return fmt.Errorf("build bus controller: %w", err)
	}
	if err := controller.Subscribe(); err != nil {
		return fmt.Errorf("set up subscriptions: %w", err)
	}

	logger.Info().Msg("service is running")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info().Msg("shutdown initiated")

	controller.Close()
	if err := nc.Drain(); err != nil {
		logger.Error().Err(err).Msg("error draining NATS connection")
	}

	logger.Info().Msg("graceful shutdown completed")
	return nil
}

func connectNATS(cfg *config.Config, logger zerolog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Service.Name),
		nats.ReconnectWait(time.Duration(cfg.NATS.ReconnectTimeWait) * time.Second),
		nats.MaxReconnects(cfg.NATS.MaxReconnectAttempts),
		nats.PingInterval(time.Duration(cfg.NATS.PingInterval) * time.Second),
		nats.MaxPingsOutstanding(cfg.NATS.MaxOutstandingPings),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
	}

	if cfg.NATS.Token != "" {
		opts = append(opts, nats.Token(cfg.NATS.Token))
	} else if cfg.NATS.User != "" {
		opts = append(opts, nats.UserInfo(cfg.NATS.User, cfg.NATS.Password))
	}

	nc, err := nats.Connect(strings.Join(cfg.NATS.ServerList(), ","), opts...)
	if err != nil {
		return nil, err
	}

	logger.Info().Strs("servers", cfg.NATS.ServerList()).Msg("connected to NATS")
	return nc, nil
}
