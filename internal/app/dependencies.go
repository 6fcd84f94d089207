package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/shop-reduction/internal/config"
	"github.com/noah-isme/shop-reduction/internal/db"
	"github.com/noah-isme/shop-reduction/internal/journal"
	"github.com/noah-isme/shop-reduction/internal/lock"
	"github.com/noah-isme/shop-reduction/internal/obs"
	"github.com/noah-isme/shop-reduction/internal/resilience"
	"github.com/noah-isme/shop-reduction/internal/savestore"
)

// Dependencies holds the connections and stores shared by the API and worker.
type Dependencies struct {
	DB      *pgxpool.Pool
	Redis   *redis.Client
	Saves   savestore.Store
	Journal journal.Recorder
	History journal.Store
	Tasks   *asynq.Client

	closers []func()
}

// Options tune Build for the calling binary.
type Options struct {
	ApplicationName string
	RedisMetrics    bool
	Migrate         bool
}

// Build connects to every backend cfg enables. On error everything opened so
// far is closed.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (_ *Dependencies, err error) {
	deps := &Dependencies{}
	defer func() {
		if err != nil {
			deps.Close()
		}
	}()

	deps.Redis, err = NewRedis(ctx, cfg.RedisURL, opts.RedisMetrics, logger)
	if err != nil {
		return nil, err
	}
	deps.onClose(func() {
		if err := deps.Redis.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	})

	if cfg.NeedsDatabase() {
		if opts.Migrate {
			if err = db.Migrate(cfg.DatabaseURL); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		deps.DB, err = NewPool(ctx, cfg.DatabaseURL, opts.ApplicationName)
		if err != nil {
			return nil, err
		}
		deps.onClose(deps.DB.Close)
	}

	saves, err := NewSaveStore(cfg, deps.Redis, deps.DB)
	if err != nil {
		return nil, err
	}
	if closer, ok := saves.(interface{ Close() error }); ok {
		deps.onClose(func() { _ = closer.Close() })
	}
	deps.Saves = savestore.Guarded{
		Store: saves,
		Breaker: resilience.NewBreaker(cfg.SaveBreakerMinRequests, cfg.SaveBreakerFailureRatio, cfg.SaveBreakerOpenFor).
			WithTarget("saves:" + cfg.SaveBackend).
			WithLogger(logger),
	}

	deps.Journal, deps.History = journal.Nop{}, nil
	if cfg.JournalEnabled {
		redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis uri for tasks: %w", err)
		}
		deps.Tasks = asynq.NewClient(redisOpt)
		deps.onClose(func() { _ = deps.Tasks.Close() })
		deps.Journal = journal.Enqueuer{
			Client:   deps.Tasks,
			Queue:    cfg.JournalQueue,
			MaxRetry: cfg.JournalMaxRetry,
			Logger:   logger,
		}
		deps.History = journal.PostgresStore{DB: deps.DB}
	}
	return deps, nil
}

func (d *Dependencies) onClose(fn func()) {
	d.closers = append(d.closers, fn)
}

// Close releases everything in reverse order of creation.
func (d *Dependencies) Close() {
	if d == nil {
		return
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// NewPool opens a pgx pool with query tracing and pings it.
func NewPool(ctx context.Context, databaseURL, applicationName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	if applicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewRedis opens a Redis client instrumented with OpenTelemetry and pings it.
func NewRedis(ctx context.Context, redisURL string, metrics bool, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewSaveStore returns the save backend selected by cfg.SaveBackend.
func NewSaveStore(cfg *config.Config, rdb *redis.Client, pool *pgxpool.Pool) (savestore.Store, error) {
	switch cfg.SaveBackend {
	case config.SaveBackendRedis, "":
		if rdb == nil {
			return nil, errors.New("redis save backend needs a redis client")
		}
		return savestore.RedisStore{
			Client:  rdb,
			Prefix:  cfg.SaveKeyPrefix,
			Locker:  lock.Locker{R: rdb, RetryBackoff: cfg.LockRetryBackoff},
			LockTTL: cfg.LockTTL,
		}, nil
	case config.SaveBackendPostgres:
		if pool == nil {
			return nil, errors.New("postgres save backend needs a database pool")
		}
		return savestore.PostgresStore{DB: pool}, nil
	case config.SaveBackendSQLite:
		return savestore.OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown save backend %q", cfg.SaveBackend)
	}
}
