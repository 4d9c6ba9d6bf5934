package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HarsHvardhnn/content-summarization-schdl/internal/archive"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/cache"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/config"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/fetch"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/queue"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/ratelimit"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/reaper"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/store"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/summarize"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/telemetry"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	q := queue.NewRedisQueue(redisClient, cfg)
	resultCache := cache.New(redisClient, st, cfg.CacheTTL, logger)

	summarizer, err := summarize.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
	if err != nil {
		log.Fatalf("init summarizer: %v", err)
	}
	fetcher := fetch.NewHTTPFetcher(cfg.FetchTimeout, cfg.FetchMaxChars)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.DeliveryBurst, cfg.DeliveryRatePerSec, time.Hour)

	pool := worker.NewPool(cfg, q, st, resultCache, fetcher, summarizer, limiter, logger)
	if archiver, err := archive.NewS3Archiver(ctx, cfg); err != nil {
		log.Fatalf("init archive: %v", err)
	} else if archiver != nil {
		pool.WithArchiver(archiver)
		logger.Info("archiving extracted content", "bucket", cfg.ArchiveS3Bucket)
	}

	sweeper := reaper.New(st, q, cfg.ReaperInterval, cfg.StuckJobTimeout, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- pool.Run(ctx) }()
	go func() { errCh <- sweeper.Run(ctx) }()

	logger.Info("worker started",
		"concurrency", cfg.WorkerConcurrency,
		"lease", cfg.LeaseDuration.String(),
		"backoff_initial", cfg.BackoffInitial.String())

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		cancel()
		<-errCh
		os.Exit(1)
	}
	cancel()
	<-errCh
}
