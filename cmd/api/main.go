package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"enrichment-pipeline/internal/api"
	"enrichment-pipeline/internal/archive"
	"enrichment-pipeline/internal/config"
	"enrichment-pipeline/internal/dispatch"
	"enrichment-pipeline/internal/pipeline"
	"enrichment-pipeline/internal/progress"
	"enrichment-pipeline/internal/queue"
	"enrichment-pipeline/internal/ratelimit"
	"enrichment-pipeline/internal/workflow"
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
	aggregator := workflow.NewAggregator(store, stages)

	archiver, err := newArchiver(ctx, cfg)
	if err != nil {
		log.Fatal("init archiver", zap.Error(err))
	}
	cleaner := workflow.NewCleaner(store.Pool(), store, archiver, log)

	throttleClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	throttle := ratelimit.NewSubmitBucket(throttleClient, cfg.SubmitBucketCapacity, cfg.SubmitBucketRefill, time.Hour)

	server := api.New(dispatcher, store, aggregator, cleaner, throttle, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// newArchiver picks the snapshot destination from config; nil means cleanup
// deletes without archiving.
func newArchiver(ctx context.Context, cfg config.Config) (workflow.Archiver, error) {
	if cfg.ArchiveBucket != "" {
		return archive.NewS3(ctx, cfg.ArchiveBucket, os.Getenv("AWS_REGION"))
	}
	if cfg.ArchiveDir != "" {
		return archive.NewLocal(cfg.ArchiveDir), nil
	}
	return nil, nil
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
