package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"contentforge/internal/adapters"
	"contentforge/internal/artifacts"
	"contentforge/internal/config"
	"contentforge/internal/logging"
	"contentforge/internal/models"
	"contentforge/internal/notify"
	"contentforge/internal/pipeline"
	"contentforge/internal/queue"
	"contentforge/internal/ratelimit"
	"contentforge/internal/store"
	"contentforge/internal/telemetry"
	"contentforge/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.Env, "worker")

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
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	q := queue.NewRedisQueue(cfg)
	notifier := notify.NewService(cfg)
	orch := pipeline.New(pipeline.Stages(), st, q, notifier, log)

	artifactStore, err := artifacts.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init artifact store")
	}

	scrape, err := adapters.NewScrapeAdapter(cfg, artifactStore)
	if err != nil {
		log.Fatal().Err(err).Msg("init scrape adapter")
	}
	registry := map[string]adapters.Adapter{
		"scrape":    scrape,
		"textgen":   adapters.NewTextGenAdapter(cfg, artifactStore),
		"imagegen":  adapters.NewImageGenAdapter(cfg, artifactStore),
		"videogen":  adapters.NewVideoGenAdapter(cfg, artifactStore),
		"speechgen": adapters.NewSpeechGenAdapter(cfg, artifactStore),
		"publish":   adapters.NewPublishAdapter(cfg, artifactStore),
	}
	if len(registry) != len(pipeline.Stages()) {
		log.Fatal().Msg("adapter registry does not cover the stage table")
	}

	limiter := ratelimit.NewTokenBucket(q.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	executor := worker.NewExecutor(registry, limiter, log)
	processor := worker.NewProcessor(cfg, q, orch, executor, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Dur("visibility", cfg.VisibilityMargin).
		Str("first_stage", models.StageIngest).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("worker stopped")
	}
}
