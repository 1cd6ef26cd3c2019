// Package main runs the indexing worker: it consumes embedding jobs from
// the Redis queue, writes vectors to Qdrant, and keeps the tracker ledger
// in step.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/facilityos/knowledge-engine/internal/config"
	"github.com/facilityos/knowledge-engine/internal/embedding"
	"github.com/facilityos/knowledge-engine/internal/queue"
	"github.com/facilityos/knowledge-engine/internal/store"
	"github.com/facilityos/knowledge-engine/internal/tracker"
	"github.com/facilityos/knowledge-engine/internal/worker"
)

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	client, err := embedding.NewClient()
	if err != nil {
		log.Fatalf("failed to create OpenAI client: %v", err)
	}
	embedder, err := embedding.NewOpenAIProvider(client, cfg.OpenAI.EmbeddingModel, cfg.OpenAI.EmbedBatchSize)
	if err != nil {
		log.Fatalf("failed to create embedding provider: %v", err)
	}

	// The collection is resolved from the active provider's dimension so a
	// provider switch lands in a fresh collection instead of corrupting the
	// old one.
	coll := store.ResolveCollection(cfg.Qdrant.CollectionBase, embedder.Dimension())
	vectorStore, err := store.New(cfg.Qdrant.Host, cfg.Qdrant.Port, coll, logger)
	if err != nil {
		log.Fatalf("failed to connect to Qdrant: %v", err)
	}
	defer vectorStore.Close()

	if err := vectorStore.EnsureCollection(ctx); err != nil {
		log.Fatalf("failed to ensure collection: %v", err)
	}

	ledger, err := tracker.Open(cfg.Tracker.Path)
	if err != nil {
		log.Fatalf("failed to open tracker ledger: %v", err)
	}
	defer ledger.Close()

	w := worker.New(embedder, vectorStore, ledger, cfg.Indexing.ContentPreviewRunes, logger)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency:    cfg.Indexing.WorkerConcurrency,
			Queues:         map[string]int{cfg.Indexing.Queue: 1},
			RetryDelayFunc: queue.ExponentialRetryDelay(cfg.Indexing.BaseDelay()),
			ErrorHandler:   asynq.ErrorHandlerFunc(logTaskError(logger)),
			Logger:         asynqLogger{logger},
		},
	)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down worker")
		srv.Shutdown()
	}()

	logger.Info("indexing worker starting",
		"queue", cfg.Indexing.Queue,
		"concurrency", cfg.Indexing.WorkerConcurrency,
		"collection", coll.Name,
		"embedding_model", cfg.OpenAI.EmbeddingModel,
	)
	if err := srv.Run(w.Mux()); err != nil {
		log.Fatalf("worker stopped: %v", err)
	}
}

// logTaskError reports each failed handler invocation; a job that has
// burned through its retry budget is abandoned, so that case is logged at
// error level for operator follow-up.
func logTaskError(logger *slog.Logger) func(ctx context.Context, task *asynq.Task, err error) {
	return func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried >= maxRetry {
			logger.Error("job abandoned after exhausting retries; entity stays un-indexed until the next sync",
				"type", task.Type(), "retries", retried, "error", err)
			return
		}
		logger.Warn("job failed; queue will retry",
			"type", task.Type(), "retried", retried, "max_retry", maxRetry, "error", err)
	}
}

// asynqLogger adapts slog to asynq's internal logger interface.
type asynqLogger struct {
	logger *slog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug(sprint(args)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info(sprint(args)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn(sprint(args)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error(sprint(args)) }
func (l asynqLogger) Fatal(args ...any) {
	l.logger.Error(sprint(args))
	os.Exit(1)
}

func sprint(args []any) string {
	return strings.TrimSpace(fmt.Sprintln(args...))
}
