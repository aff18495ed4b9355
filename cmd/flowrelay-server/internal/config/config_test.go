package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "flowrelay_", cfg.Database.Prefix)
	assert.Equal(t, "memory", cfg.Bus.Driver)
	assert.Equal(t, 100*time.Millisecond, cfg.Relay.PollInterval)
	assert.Equal(t, 20, cfg.Relay.BatchSize)
	assert.Equal(t, 10, cfg.Relay.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Relay.RetryDelay)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("BUS_DRIVER", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("LOCK_DRIVER", "redis")
	t.Setenv("RELAY_POLL_INTERVAL", "250ms")
	t.Setenv("RETRY_MAX_ATTEMPTS", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Bus.KafkaBrokers)
	assert.Equal(t, 250*time.Millisecond, cfg.Relay.PollInterval)
	assert.Equal(t, 0, cfg.Relay.MaxAttempts)
	assert.Equal(t, "host=localhost port=5432 user=flowrelay password=secret dbname=flowrelay.db sslmode=disable",
		cfg.Database.GetDSN())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown db driver", env: map[string]string{"DB_DRIVER": "oracle"}},
		{name: "network db without password", env: map[string]string{"DB_DRIVER": "mysql"}},
		{name: "unknown bus", env: map[string]string{"BUS_DRIVER": "carrier-pigeon"}},
		{name: "unknown lock", env: map[string]string{"LOCK_DRIVER": "zookeeper"}},
		{name: "bad port", env: map[string]string{"SERVER_PORT": "70000"}},
		{name: "bad log level", env: map[string]string{"LOG_LEVEL": "loud"}},
		{name: "zero batch", env: map[string]string{"RELAY_BATCH_SIZE": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestGetDSN(t *testing.T) {
	db := DatabaseConfig{Driver: "mysql", Host: "h", Port: 3306, User: "u", Password: "p", Database: "d"}
	assert.Equal(t, "u:p@tcp(h:3306)/d?parseTime=true", db.GetDSN())

	db.Driver = "sqlite3"
	assert.Equal(t, "d?_foreign_keys=on&_busy_timeout=5000", db.GetDSN())
}
