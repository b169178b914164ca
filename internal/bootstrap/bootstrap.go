// Package bootstrap turns loaded configuration into connected clients and
// pipeline settings shared by the service binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/grievance-pipeline/internal/config"
	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/cuongbtq/grievance-pipeline/internal/pipeline"
	"github.com/cuongbtq/grievance-pipeline/internal/queue"
	"github.com/cuongbtq/grievance-pipeline/shared/logger"
	"github.com/cuongbtq/grievance-pipeline/shared/postgresql"
	"github.com/cuongbtq/grievance-pipeline/shared/rabbitmq"
	"github.com/cuongbtq/grievance-pipeline/shared/redis"
)

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.ConnectTimeout,
		ConnectRetries:  cfg.ConnectRetries,
		RetryInterval:   cfg.RetryInterval,
	}, logger)
}

// RabbitConfig maps the config file onto the client settings, declaring one
// queue per configured class routed by the class name
func RabbitConfig(cfg *config.RabbitMQConfig, classes map[domain.QueueClass]config.QueueClassConfig) *rabbitmq.Config {
	bindings := make([]rabbitmq.QueueBinding, 0, len(classes))
	for class, q := range classes {
		bindings = append(bindings, rabbitmq.QueueBinding{
			Name:       q.Queue,
			RoutingKey: string(class),
			Durable:    true,
		})
	}

	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		Queues:             bindings,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}

// InitTransport connects to RabbitMQ and returns the client with a transport over it
func InitTransport(cfg *config.RabbitMQConfig, classes map[domain.QueueClass]config.QueueClassConfig, logger *slog.Logger) (*rabbitmq.Client, *queue.RabbitTransport, error) {
	client, err := rabbitmq.NewClient(RabbitConfig(cfg, classes), logger)
	if err != nil {
		return nil, nil, err
	}

	queues := make(map[domain.QueueClass]queue.RabbitQueue, len(classes))
	for class, q := range classes {
		queues[class] = queue.RabbitQueue{Name: q.Queue, Prefetch: q.Prefetch}
	}
	return client, queue.NewRabbitTransport(client, queues, logger), nil
}

// InitRedis initializes the Redis client
func InitRedis(cfg *config.RedisConfig, logger *slog.Logger) (*goredis.Client, error) {
	return redis.NewClient(&redis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}, logger)
}

// PipelineConfig builds the service configuration from the loaded file
func PipelineConfig(cfg *config.Config, classes map[domain.QueueClass]config.QueueClassConfig) *pipeline.Config {
	queues := make(map[domain.QueueClass]pipeline.QueueConfig, len(classes))
	for class, q := range classes {
		queues[class] = pipeline.QueueConfig{
			Concurrency:       q.Concurrency,
			MaxAttempts:       q.MaxAttempts,
			BaseDelay:         q.BaseDelay,
			MaxDelay:          q.MaxDelay,
			SoftTimeout:       q.SoftTimeout,
			HardTimeout:       q.HardTimeout,
			LeaseDuration:     q.LeaseDuration,
			HeartbeatInterval: q.HeartbeatInterval,
		}
	}

	return &pipeline.Config{
		WorkerID:       cfg.Worker.ID,
		Queues:         queues,
		PollInterval:   cfg.Poller.Interval,
		SweepInterval:  cfg.Sweeper.Interval,
		StaleAfter:     cfg.Sweeper.StaleAfter,
		Retention:      cfg.Sweeper.Retention,
		SweepBatchSize: cfg.Sweeper.BatchSize,
	}
}

// Classes returns the sorted queue classes of a parsed queue map
func Classes(classes map[domain.QueueClass]config.QueueClassConfig) []domain.QueueClass {
	out := make([]domain.QueueClass, 0, len(classes))
	for _, class := range domain.QueueClasses() {
		if _, ok := classes[class]; ok {
			out = append(out, class)
		}
	}
	return out
}

// SchemaEnsurer is implemented by stores that create their own tables
type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// EnsureSchemas applies every store schema in order
func EnsureSchemas(ctx context.Context, stores ...SchemaEnsurer) error {
	for _, s := range stores {
		if err := s.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
