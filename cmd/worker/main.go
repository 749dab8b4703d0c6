package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"enrichment-pipeline/internal/config"
	"enrichment-pipeline/internal/dispatch"
	"enrichment-pipeline/internal/enrich"
	"enrichment-pipeline/internal/pipeline"
	"enrichment-pipeline/internal/progress"
	"enrichment-pipeline/internal/queue"
	"enrichment-pipeline/internal/ratelimit"
	"enrichment-pipeline/internal/records"
	"enrichment-pipeline/internal/telemetry"
	"enrichment-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()

	log, err := newLogger(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	store, err := progress.New(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer store.Close()
	if err := store.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	stages := pipeline.Default()
	q := queue.NewRedisQueue(cfg, stages.Names())
	dispatcher := dispatch.New(stages, q, log)
	recordStore := records.New(store.Pool())

	limiter := ratelimit.NewSlidingWindow(cfg.RateWindow, cfg.RateMaxPerWindow, cfg.RateMinInterval)

	handlers := worker.NewHandlers(
		enrich.NewRegistryClient(cfg.RegistryBaseURL, cfg.ExternalTimeout),
		enrich.NewProberClient(cfg.ProberBaseURL, cfg.ExternalTimeout),
		enrich.NewDirectoryClient(cfg.DirectoryBaseURL, cfg.ExternalTimeout),
		enrich.NewLandRegistryClient(cfg.LandRegistryBaseURL, cfg.ExternalTimeout),
		limiter,
		dispatcher,
		recordStore,
		store,
		log,
	)

	processor := worker.NewProcessor(cfg, q, store, stages, log)
	handlers.Register(processor)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("worker started",
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Int("stage_concurrency", cfg.StageConcurrency))
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.Warn("worker stopped", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
