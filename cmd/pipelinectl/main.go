package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/grievance-pipeline/internal/bootstrap"
	"github.com/cuongbtq/grievance-pipeline/internal/cli"
	"github.com/cuongbtq/grievance-pipeline/internal/config"
	"github.com/cuongbtq/grievance-pipeline/internal/jobstore"
	"github.com/cuongbtq/grievance-pipeline/internal/synchronizer"
)

func main() {
	_ = godotenv.Load()

	if err := cli.NewRootCmd(openPostgres).ExecuteContext(context.Background()); err != nil {
		log.SetFlags(0)
		log.Println("error:", err)
		os.Exit(1)
	}
}

// openPostgres connects to the database named in the config file
func openPostgres(ctx context.Context, configPath string) (*cli.Backend, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateCLIConfig(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	// operator output goes to stdout; connection logs are dropped unless debugging
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if os.Getenv("PIPELINECTL_DEBUG") != "" {
		appLogger, err := bootstrap.InitLogger(&cfg.Logging)
		if err != nil {
			return nil, nil, err
		}
		logger = appLogger.Logger
	}

	dbClient, err := bootstrap.InitPostgreSQL(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}

	return &cli.Backend{
		Jobs:         jobstore.NewPostgresStore(dbClient.GetDB(), logger),
		Correlations: synchronizer.NewPostgresStore(dbClient.GetDB(), logger),
	}, func() { _ = dbClient.Close() }, nil
}
