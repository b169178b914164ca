package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/grievance-pipeline/internal/bootstrap"
	"github.com/cuongbtq/grievance-pipeline/internal/classifier"
	"github.com/cuongbtq/grievance-pipeline/internal/config"
	"github.com/cuongbtq/grievance-pipeline/internal/jobstore"
	"github.com/cuongbtq/grievance-pipeline/internal/notify"
	"github.com/cuongbtq/grievance-pipeline/internal/pipeline"
	"github.com/cuongbtq/grievance-pipeline/internal/queue"
	"github.com/cuongbtq/grievance-pipeline/internal/synchronizer"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	classes, err := cfg.QueueClasses()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL client
	dbClient, err := bootstrap.InitPostgreSQL(ctx, &cfg.Database, appLogger.Component("postgres"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	jobs := jobstore.NewPostgresStore(dbClient.GetDB(), appLogger.Component("jobstore"))
	correlations := synchronizer.NewPostgresStore(dbClient.GetDB(), appLogger.Component("correlations"))
	if err := bootstrap.EnsureSchemas(ctx, jobs, correlations); err != nil {
		return err
	}

	// Initialize RabbitMQ client
	rabbitClient, transport, err := bootstrap.InitTransport(&cfg.RabbitMQ, classes, appLogger.Component("rabbitmq"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	// Initialize Redis client for delayed retries and status fan-out
	rdb, err := bootstrap.InitRedis(&cfg.Redis, appLogger.Component("redis"))
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	defer rdb.Close()

	bus, err := notify.NewRedisBus(rdb, cfg.Notify.Channel, appLogger.Logger)
	if err != nil {
		return err
	}

	scheduler := queue.NewRedisScheduler(rdb, transport, queue.RedisSchedulerConfig{
		Classes:   bootstrap.Classes(classes),
		Interval:  cfg.Scheduler.Interval,
		Batch:     cfg.Scheduler.Batch,
		KeyPrefix: cfg.Scheduler.KeyPrefix,
	}, appLogger.Component("scheduler"))

	executor, err := initExecutor(&cfg.Classifier)
	if err != nil {
		return fmt.Errorf("failed to initialize classifier: %w", err)
	}

	svc, err := pipeline.New(bootstrap.PipelineConfig(cfg, classes), pipeline.Dependencies{
		Logger:       appLogger.Logger,
		Store:        jobs,
		Transport:    transport,
		Scheduler:    scheduler,
		Executor:     executor,
		Correlations: correlations,
		Publisher:    bus,
	})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	if err := svc.StartWorkers(ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	appLogger.Info("Worker service started successfully",
		slog.Int("queue_classes", len(classes)),
	)

	<-ctx.Done()
	appLogger.Info("Received signal, shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit",
			slog.Any("error", err),
		)
	} else {
		appLogger.Info("Worker stopped gracefully")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initExecutor routes every job type to the remote classification service
func initExecutor(cfg *config.ClassifierConfig) (classifier.Executor, error) {
	httpExec, err := classifier.NewHTTPExecutor(classifier.HTTPOptions{
		BaseURL:           cfg.BaseURL,
		APIKey:            cfg.APIKey,
		Paths:             cfg.Paths,
		DefaultPath:       cfg.DefaultPath,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Timeout:           cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}

	registry := classifier.NewRegistry()
	registry.SetFallback(httpExec)
	return registry, nil
}
