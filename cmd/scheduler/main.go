package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"contentforge/internal/config"
	"contentforge/internal/logging"
	"contentforge/internal/notify"
	"contentforge/internal/pipeline"
	"contentforge/internal/queue"
	"contentforge/internal/scheduler"
	"contentforge/internal/store"
	"contentforge/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.Env, "scheduler")

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

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	sched := scheduler.New(cfg, st, orch, log)
	log.Info().
		Int("sources", len(cfg.SourceURLs)).
		Dur("source_scan", cfg.SourceScanInterval).
		Dur("stale_scan", cfg.StaleScanInterval).
		Msg("scheduler started")
	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("scheduler stopped")
	}
}
