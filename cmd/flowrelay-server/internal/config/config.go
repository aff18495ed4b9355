// Package config provides configuration management for the flowrelay server.
// It loads settings from environment variables, optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the flowrelay server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Bus      BusConfig
	Lock     LockConfig
	Relay    RelayConfig
	Topology string
	LogLevel string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string
	Port int
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string // mysql, postgres, sqlite3
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Prefix   string // Table prefix (default: "flowrelay_")
}

// BusConfig selects the message transport.
type BusConfig struct {
	Driver       string // memory, nats, kafka
	NATSURL      string
	KafkaBrokers []string
}

// LockConfig selects the cluster lock.
type LockConfig struct {
	Driver    string // memory, nats, redis
	RedisAddr string
	TTL       time.Duration
}

// RelayConfig holds relay and stage tuning.
type RelayConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	StageConcurrency int
	MaxAttempts      int // 0 = unlimited
	RetryDelay       time.Duration
}

// Load reads an optional .env file and loads configuration from environment variables.
// Follows 12-factor app principles - configuration via environment.
func Load() (*Config, error) {
	// a missing .env is fine; the environment alone is enough
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite3"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 3306),
			User:     getEnv("DB_USER", "flowrelay"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "flowrelay.db"),
			Prefix:   getEnv("DB_PREFIX", "flowrelay_"),
		},
		Bus: BusConfig{
			Driver:       getEnv("BUS_DRIVER", "memory"),
			NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
			KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		},
		Lock: LockConfig{
			Driver:    getEnv("LOCK_DRIVER", "memory"),
			RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
			TTL:       getEnvDuration("LOCK_TTL", 30*time.Second),
		},
		Relay: RelayConfig{
			PollInterval:     getEnvDuration("RELAY_POLL_INTERVAL", 100*time.Millisecond),
			BatchSize:        getEnvInt("RELAY_BATCH_SIZE", 20),
			StageConcurrency: getEnvInt("STAGE_CONCURRENCY", 5),
			MaxAttempts:      getEnvInt("RETRY_MAX_ATTEMPTS", 10),
			RetryDelay:       getEnvDuration("RETRY_DELAY", time.Second),
		},
		Topology: getEnv("TOPOLOGY_FILE", "topology.yaml"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.Database),
		validation.Field(&c.Bus),
		validation.Field(&c.Lock),
		validation.Field(&c.Relay),
		validation.Field(&c.Topology, validation.Required),
		validation.Field(&c.LogLevel, validation.In("trace", "debug", "info", "warn", "warning", "error")),
	)
}

// Validate checks the server configuration.
func (c ServerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// Validate checks the database configuration. Network databases need a password.
func (c DatabaseConfig) Validate() error {
	network := c.Driver != "sqlite3"
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required, validation.In("mysql", "postgres", "sqlite3")),
		validation.Field(&c.Database, validation.Required),
		validation.Field(&c.Password, validation.When(network, validation.Required.Error("DB_PASSWORD is required"))),
	)
}

// Validate checks the bus configuration.
func (c BusConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required, validation.In("memory", "nats", "kafka")),
		validation.Field(&c.NATSURL, validation.When(c.Driver == "nats", validation.Required)),
		validation.Field(&c.KafkaBrokers, validation.When(c.Driver == "kafka", validation.Required)),
	)
}

// Validate checks the lock configuration.
func (c LockConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required, validation.In("memory", "nats", "redis")),
		validation.Field(&c.RedisAddr, validation.When(c.Driver == "redis", validation.Required)),
		validation.Field(&c.TTL, validation.Min(time.Second)),
	)
}

// Validate checks relay tuning.
func (c RelayConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.PollInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.StageConcurrency, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxAttempts, validation.Min(0)),
		validation.Field(&c.RetryDelay, validation.Min(time.Duration(0))),
	)
}

// GetDSN returns the database connection string based on driver.
func (c *DatabaseConfig) GetDSN() string {
	switch strings.ToLower(c.Driver) {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database)
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Database)
	case "sqlite3":
		return c.Database + "?_foreign_keys=on&_busy_timeout=5000"
	default:
		return ""
	}
}

// getEnv retrieves environment variable or returns default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves environment variable as integer or returns default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration retrieves environment variable as duration or returns default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
