package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/shop-reduction/internal/app"
	"github.com/noah-isme/shop-reduction/internal/config"
	"github.com/noah-isme/shop-reduction/internal/journal"
	"github.com/noah-isme/shop-reduction/internal/obs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	if !cfg.JournalEnabled {
		logger.Warn().Msg("journal disabled, nothing to process")
		return
	}
	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "reduction"), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	deps, err := app.Build(connectCtx, cfg, logger, app.Options{ApplicationName: "shop-reduction-worker"})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis uri")
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      map[string]int{cfg.JournalQueue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("task", task.Type()).Msg("task failed")
		}),
		ShutdownTimeout: 10 * time.Second,
	})

	mux := asynq.NewServeMux()
	mux.Handle(journal.TaskRuleChange, journal.Handler{
		Store:  journal.PostgresStore{DB: deps.DB},
		Logger: logger,
	})

	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	logger.Info().
		Str("queue", cfg.JournalQueue).
		Int("concurrency", cfg.WorkerConcurrency).
		Msg("worker starting")

	<-ctx.Done()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
