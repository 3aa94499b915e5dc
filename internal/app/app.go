// Package app assembles the orchestrator components shared by the api and
// worker binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"query-orchestrator/internal/backfill"
	"query-orchestrator/internal/config"
	"query-orchestrator/internal/credential"
	"query-orchestrator/internal/execution"
	"query-orchestrator/internal/gateway"
	"query-orchestrator/internal/poller"
	"query-orchestrator/internal/queue"
	"query-orchestrator/internal/ratelimit"
	"query-orchestrator/internal/schedule"
	"query-orchestrator/internal/secrets"
	"query-orchestrator/internal/service"
	"query-orchestrator/internal/store"
	"query-orchestrator/internal/warehouse"
)

// App holds the wired components. Close releases the connections it opened.
type App struct {
	Store       store.Repository
	Redis       *redis.Client
	Credentials *credential.Service
	Platform    *gateway.HTTPClient
	Submitter   *execution.Submitter
	Poller      *poller.Poller
	Dispatcher  *schedule.Dispatcher
	Backfills   *backfill.Processor
	Warehouse   *warehouse.DuckDB
	SyncQueue   *queue.RedisQueue
	Pipeline    *warehouse.Pipeline
	Service     *service.Service
	APILimiter  *ratelimit.TokenBucket

	closers []func()
}

// New connects the store and Redis and builds every component from cfg.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{}

	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store; state is lost on restart")
		a.Store = store.NewMemory()
	default:
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.RunMigrations(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		a.Store = pg
	}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })

	cipher, err := secrets.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	renewer := credential.NewOAuth2Renewer(cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthTokenURL, cfg.GatewayTimeout)
	a.Credentials = credential.NewService(a.Store, cipher, renewer, logger, cfg.TokenMinValidity)

	a.Platform = gateway.NewHTTPClient(cfg.GatewayURL, cfg.GatewayRPS, cfg.GatewayBurst, cfg.GatewayTimeout, logger)
	results, err := gateway.NewS3Results(ctx, cfg.S3Region, cfg.S3Endpoint)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Warehouse = warehouse.NewDuckDB(logger)
	a.closers = append(a.closers, func() { _ = a.Warehouse.Close() })
	a.SyncQueue = queue.NewRedisQueue(a.Redis, cfg.SyncQueueName, cfg.SyncVisibilityTimeout)
	a.Pipeline = warehouse.NewPipeline(a.Store, results, a.Warehouse, a.SyncQueue, warehouse.Config{
		MaxAttempts: cfg.SyncMaxAttempts,
		BackoffBase: cfg.SyncBackoffBase,
		Lease:       cfg.SyncVisibilityTimeout,
	}, logger)

	a.Submitter = execution.NewSubmitter(a.Store, a.Credentials, a.Platform, logger)
	a.Poller = poller.New(a.Store, a.Credentials, a.Platform, results, a.Pipeline, poller.Config{
		Concurrency: cfg.PollConcurrency,
		MaxInFlight: cfg.MaxInFlight,
	}, logger)

	fireLimiter := ratelimit.NewTokenBucket(a.Redis, "fires", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	a.Dispatcher = schedule.NewDispatcher(a.Store, a.Submitter, fireLimiter, cfg.DedupWindow, logger)
	a.Backfills = backfill.NewProcessor(a.Store, a.Submitter, backfill.Config{
		MaxRuns:     cfg.BackfillMaxRuns,
		MaxSegments: cfg.BackfillMaxSegments,
		SegmentDays: cfg.BackfillSegmentDays,
		MaxRetries:  cfg.BackfillMaxRetries,
	}, logger)

	a.APILimiter = ratelimit.NewTokenBucket(a.Redis, "api", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	a.Service = service.New(a.Store, a.Credentials, a.Submitter, a.Platform, a.Backfills, a.Pipeline, logger)
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
