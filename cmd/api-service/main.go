package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/grievance-pipeline/internal/api/handler"
	"github.com/cuongbtq/grievance-pipeline/internal/api/router"
	"github.com/cuongbtq/grievance-pipeline/internal/bootstrap"
	"github.com/cuongbtq/grievance-pipeline/internal/config"
	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/cuongbtq/grievance-pipeline/internal/jobstore"
	"github.com/cuongbtq/grievance-pipeline/internal/notify"
	"github.com/cuongbtq/grievance-pipeline/internal/pipeline"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
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

	appLogger.Info("Starting API service",
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

	// Initialize Redis client; the bus carries worker status into the local hub
	rdb, err := bootstrap.InitRedis(&cfg.Redis, appLogger.Component("redis"))
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	defer rdb.Close()

	bus, err := notify.NewRedisBus(rdb, cfg.Notify.Channel, appLogger.Logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	hub := notify.NewHub(appLogger.Logger, cfg.Notify.Buffer)
	if err := bus.StartForwarder(ctx, func(msg domain.StatusMessage) {
		_ = hub.Publish(ctx, msg)
	}); err != nil {
		return fmt.Errorf("failed to start status forwarder: %w", err)
	}

	svc, err := pipeline.New(bootstrap.PipelineConfig(cfg, classes), pipeline.Dependencies{
		Logger:       appLogger.Logger,
		Store:        jobs,
		Transport:    transport,
		Correlations: correlations,
		Publisher:    bus,
		Hub:          hub,
	})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:            appLogger.Logger,
		Pipeline:          svc,
		Hub:               hub,
		HeartbeatInterval: cfg.Notify.HeartbeatInterval,
		HealthChecks: map[string]func(context.Context) error{
			"postgres": dbClient.HealthCheck,
			"redis": func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			},
		},
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Pipeline shutdown incomplete", slog.Any("error", err))
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
