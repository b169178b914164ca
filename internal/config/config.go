package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/grievance-pipeline/internal/classifier"
	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/cuongbtq/grievance-pipeline/shared/logger"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration. Values come from
// the YAML file first; environment variables named in env tags override them.
type Config struct {
	App        AppConfig                   `yaml:"app"`
	Server     ServerConfig                `yaml:"server"`
	Database   DatabaseConfig              `yaml:"database"`
	RabbitMQ   RabbitMQConfig              `yaml:"rabbitmq"`
	Redis      RedisConfig                 `yaml:"redis"`
	Logging    LoggingConfig               `yaml:"logging"`
	Worker     WorkerConfig                `yaml:"worker"`
	Queues     map[string]QueueClassConfig `yaml:"queues"`
	Poller     PollerConfig                `yaml:"poller"`
	Sweeper    SweeperConfig               `yaml:"sweeper"`
	Scheduler  SchedulerConfig             `yaml:"scheduler"`
	Notify     NotifyConfig                `yaml:"notify"`
	Classifier ClassifierConfig            `yaml:"classifier"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"APP_ENV"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"DB_HOST"`
	Port            int           `yaml:"port" env:"DB_PORT"`
	User            string        `yaml:"user" env:"DB_USER"`
	Password        string        `yaml:"password" env:"DB_PASSWORD"`
	Database        string        `yaml:"database" env:"DB_NAME"`
	SSLMode         string        `yaml:"sslmode" env:"DB_SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ConnectRetries  int           `yaml:"connect_retries"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration.
// Queues are declared per queue class from the queues section.
type RabbitMQConfig struct {
	Host       string           `yaml:"host" env:"RABBITMQ_HOST"`
	Port       int              `yaml:"port" env:"RABBITMQ_PORT"`
	User       string           `yaml:"user" env:"RABBITMQ_USER"`
	Password   string           `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost      string           `yaml:"vhost" env:"RABBITMQ_VHOST"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// RedisConfig backs the delayed retry scheduler and the cross-process status bus
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"REDIS_ADDR"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB           int           `yaml:"db" env:"REDIS_DB"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LOG_LEVEL"`
	Format       string `yaml:"format" env:"LOG_FORMAT"`
	Output       string `yaml:"output" env:"LOG_OUTPUT"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string        `yaml:"id" env:"WORKER_ID"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// QueueClassConfig is the per queue class worker and retry configuration
type QueueClassConfig struct {
	Queue             string        `yaml:"queue"`
	Concurrency       int           `yaml:"concurrency"`
	Prefetch          int           `yaml:"prefetch"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	SoftTimeout       time.Duration `yaml:"soft_timeout"`
	HardTimeout       time.Duration `yaml:"hard_timeout"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// PollerConfig holds the fallback poller period
type PollerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// SweeperConfig holds lease recovery, republish and retention settings
type SweeperConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	Retention  time.Duration `yaml:"retention"`
	BatchSize  int           `yaml:"batch_size"`
}

// SchedulerConfig holds the Redis delayed retry settings
type SchedulerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Batch     int64         `yaml:"batch"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// NotifyConfig holds status fan-out settings
type NotifyConfig struct {
	Channel           string        `yaml:"channel" env:"NOTIFY_CHANNEL"`
	Buffer            int           `yaml:"buffer"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// ClassifierConfig holds the model endpoint settings
type ClassifierConfig struct {
	BaseURL           string            `yaml:"base_url" env:"CLASSIFIER_BASE_URL"`
	APIKey            string            `yaml:"api_key" env:"CLASSIFIER_API_KEY"`
	DefaultPath       string            `yaml:"default_path"`
	Paths             map[string]string `yaml:"paths"`
	Timeout           time.Duration     `yaml:"timeout"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
	Burst             int               `yaml:"burst"`
}

// Load reads and parses the configuration file, then applies environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return &config, nil
}

// QueueClasses returns the configured queue classes keyed by their parsed name
func (c *Config) QueueClasses() (map[domain.QueueClass]QueueClassConfig, error) {
	out := make(map[domain.QueueClass]QueueClassConfig, len(c.Queues))
	for name, q := range c.Queues {
		class, err := domain.ParseQueueClass(name)
		if err != nil {
			return nil, err
		}
		if q.Queue == "" {
			q.Queue = "pipeline." + name
		}
		out[class] = q
	}
	return out, nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return errors.Join(
		c.validateDatabase(),
		c.validateRabbitMQ(),
		c.validateRedis(),
		c.validateLogging(),
		c.validateQueues(),
	)
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Classifier.BaseURL == "" {
		return fmt.Errorf("classifier base_url is required")
	}
	if err := classifier.ValidateBaseURL(c.Classifier.BaseURL); err != nil {
		return fmt.Errorf("invalid classifier base_url: %w", err)
	}

	return errors.Join(
		c.validateDatabase(),
		c.validateRabbitMQ(),
		c.validateRedis(),
		c.validateLogging(),
		c.validateQueues(),
	)
}

// ValidateCLIConfig checks the settings the operator CLI needs
func (c *Config) ValidateCLIConfig() error {
	return c.validateDatabase()
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}
	return nil
}

func (c *Config) validateRedis() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !logger.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateQueues() error {
	if len(c.Queues) == 0 {
		return fmt.Errorf("at least one queue class must be configured")
	}

	classes, err := c.QueueClasses()
	if err != nil {
		return err
	}

	for class, q := range classes {
		if q.Concurrency <= 0 {
			return fmt.Errorf("queue %s: concurrency must be greater than 0", class)
		}
		if q.MaxAttempts < 0 {
			return fmt.Errorf("queue %s: max_attempts must not be negative", class)
		}
		if q.BaseDelay < 0 || q.MaxDelay < 0 {
			return fmt.Errorf("queue %s: retry delays must not be negative", class)
		}
		if q.MaxDelay > 0 && q.BaseDelay > q.MaxDelay {
			return fmt.Errorf("queue %s: base_delay must not exceed max_delay", class)
		}
		if q.SoftTimeout > 0 && q.HardTimeout > 0 && q.SoftTimeout >= q.HardTimeout {
			return fmt.Errorf("queue %s: soft_timeout must be shorter than hard_timeout", class)
		}
	}
	return nil
}
