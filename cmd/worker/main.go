package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/taskmesh/taskmesh/internal/artifact"
	"github.com/taskmesh/taskmesh/internal/broker"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/database"
	"github.com/taskmesh/taskmesh/internal/executor"
	"github.com/taskmesh/taskmesh/internal/runner"
	"github.com/taskmesh/taskmesh/internal/worker"
	"github.com/taskmesh/taskmesh/internal/workflow/service"
)

func main() {
	queueFlag := flag.String("queue", "", "queue to consume from (defaults to BROKER_DEFAULT_QUEUE)")
	flag.Parse()

	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database connection
	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := database.Close(db); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}()
	if err := database.Migrate(db); err != nil {
		log.Fatalf("database migration failed: %v", err)
	}

	// Initialize the artifact store and make sure the bucket exists
	store, err := artifact.NewStore(ctx, &cfg.Blob)
	if err != nil {
		log.Fatalf("failed to create artifact store: %v", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		log.Fatalf("failed to ensure artifact bucket: %v", err)
	}

	// Connect to the task broker
	b, err := broker.Dial(cfg.Broker.URL, cfg.Broker.DefaultQueue)
	if err != nil {
		log.Fatalf("failed to connect to broker: %v", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Error("failed to close broker", "error", err)
		}
	}()

	containerRunner, err := executor.NewContainerRunner(cfg.Registry)
	if err != nil {
		log.Fatalf("failed to create container runner: %v", err)
	}
	engine := executor.NewEngine(containerRunner, executor.NewHTTPRunner())
	taskRunner := runner.New(store, engine, cfg.Worker.Location())

	workflows := service.NewWorkflowService(db)
	tasks := service.NewTaskService(db)
	aggregator := service.NewAggregator(workflows, tasks)
	sink := worker.NewFailureSink(tasks, aggregator)

	w := worker.New(b, workflows, tasks, aggregator, taskRunner, sink, cfg.Worker.DataDir, cfg.Broker.MaxRetries)

	queue := b.QueueFor(*queueFlag)
	slog.Info("worker started", "queue", queue, "data_dir", cfg.Worker.DataDir)

	if err := b.Consume(ctx, queue, w.Handle); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("consumer stopped: %v", err)
	}

	slog.Info("worker stopped")
}
