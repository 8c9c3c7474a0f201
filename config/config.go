package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Bus       BusConfig
	JWT       JWTConfig
	Engine    EngineConfig
	Publisher PublisherConfig
	AWS       AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string `env:"PORT" envDefault:"8080"`
	ReadTimeout        int    `env:"READ_TIMEOUT_SEC" envDefault:"30"`
	WriteTimeout       int    `env:"WRITE_TIMEOUT_SEC" envDefault:"30"`
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000,http://localhost:3001"` // comma-separated, or "*"
}

// StoreConfig selects the roster store backend.
type StoreConfig struct {
	Driver     string `env:"STORE_DRIVER" envDefault:"postgres"` // postgres | sqlite
	SQLitePath string `env:"SQLITE_PATH" envDefault:"data/groups.db"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string `env:"DATABASE_URL"` // if set, used as-is
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName   string `env:"DB_NAME" envDefault:"groups"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"20"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// KafkaConfig holds Kafka producer settings.
type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS" envDefault:"kafka:9092" envSeparator:","`
}

// BusConfig selects where membership events are delivered.
type BusConfig struct {
	Driver       string `env:"BUS_DRIVER" envDefault:"kafka"` // kafka | redis | log
	TopicPrefix  string `env:"BUS_TOPIC_PREFIX"`
	StreamMaxLen int64  `env:"BUS_STREAM_MAXLEN" envDefault:"100000"`
}

// JWTConfig holds token validation settings. PublicKey switches validation to RS256.
type JWTConfig struct {
	Secret      string `env:"JWT_SECRET" envDefault:"change-me-in-production"`
	PublicKey   string `env:"JWT_PUBLIC_KEY"`
	ExpireHours int    `env:"JWT_EXPIRE_HOURS" envDefault:"24"`
}

// EngineConfig bounds membership transactions.
type EngineConfig struct {
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	MaxTries     uint          `env:"ENGINE_MAX_TRIES" envDefault:"3"`
}

// PublisherConfig controls the outbox drainer.
type PublisherConfig struct {
	Embedded       bool          `env:"PUBLISHER_EMBEDDED" envDefault:"false"`
	Consumer       string        `env:"PUBLISHER_CONSUMER" envDefault:"group-events"`
	BatchSize      int           `env:"PUBLISHER_BATCH_SIZE" envDefault:"100"`
	PollInterval   time.Duration `env:"PUBLISHER_POLL_INTERVAL" envDefault:"1s"`
	LeaseTTL       time.Duration `env:"PUBLISHER_LEASE_TTL" envDefault:"30s"`
	PublishTimeout time.Duration `env:"PUBLISHER_PUBLISH_TIMEOUT" envDefault:"5s"`
	RetryBackoff   time.Duration `env:"PUBLISHER_RETRY_BACKOFF" envDefault:"1s"`
	RetryMaxDelay  time.Duration `env:"PUBLISHER_RETRY_MAX_DELAY" envDefault:"5m"`
	UnhealthyAfter int           `env:"PUBLISHER_UNHEALTHY_AFTER" envDefault:"5"`
}

// AWSConfig holds AWS credentials and the audit export bucket.
type AWSConfig struct {
	Region               string `env:"AWS_REGION"`
	AccessKeyID          string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey      string `env:"AWS_SECRET_ACCESS_KEY"`
	AuditBucket          string `env:"AWS_S3_AUDIT_BUCKET" envDefault:"group-audit-exports"`
	PresignExpireMinutes int    `env:"AWS_PRESIGN_EXPIRE_MINUTES" envDefault:"15"`
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Store.Driver) {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	switch strings.ToLower(c.Bus.Driver) {
	case "kafka", "redis", "log":
	default:
		return fmt.Errorf("unknown BUS_DRIVER %q", c.Bus.Driver)
	}
	if c.Engine.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.Publisher.BatchSize <= 0 {
		return fmt.Errorf("PUBLISHER_BATCH_SIZE must be positive")
	}
	return nil
}
