package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	DBSource    string
	StoreDriver string
	Port        string
	Env         string
	LogLevel    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ReservationTTL    time.Duration
	IdempotencyWindow time.Duration

	TransferMaxAttempts  int
	TransferRetryBackoff time.Duration
	LedgerAppendAttempts int

	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads configuration from the environment. When CONFIG_FILE names a YAML
// file its keys are read first and environment variables override them.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		DBSource:             v.GetString("DB_SOURCE"),
		StoreDriver:          strings.ToLower(v.GetString("STORE_DRIVER")),
		Port:                 v.GetString("SERVER_PORT"),
		Env:                  v.GetString("ENVIRONMENT"),
		LogLevel:             v.GetString("LOG_LEVEL"),
		RedisAddr:            v.GetString("REDIS_ADDR"),
		RedisPassword:        v.GetString("REDIS_PASSWORD"),
		RedisDB:              v.GetInt("REDIS_DB"),
		ReservationTTL:       v.GetDuration("IDEMPOTENCY_RESERVATION_TTL"),
		IdempotencyWindow:    v.GetDuration("IDEMPOTENCY_WINDOW"),
		TransferMaxAttempts:  v.GetInt("TRANSFER_MAX_ATTEMPTS"),
		TransferRetryBackoff: v.GetDuration("TRANSFER_RETRY_BACKOFF"),
		LedgerAppendAttempts: v.GetInt("LEDGER_APPEND_ATTEMPTS"),
		KafkaBrokers:         splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:           v.GetString("KAFKA_TOPIC"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("IDEMPOTENCY_RESERVATION_TTL", time.Minute)
	v.SetDefault("IDEMPOTENCY_WINDOW", 10*time.Minute)
	v.SetDefault("TRANSFER_MAX_ATTEMPTS", 3)
	v.SetDefault("TRANSFER_RETRY_BACKOFF", time.Second)
	v.SetDefault("LEDGER_APPEND_ATTEMPTS", 5)
	v.SetDefault("KAFKA_TOPIC", "transaction-events")

	// Keys without a default are only seen by AutomaticEnv when bound.
	for _, key := range []string{"CONFIG_FILE", "DB_SOURCE", "REDIS_PASSWORD", "KAFKA_BROKERS"} {
		_ = v.BindEnv(key)
	}
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR environment variable is required")
	}
	if c.ReservationTTL <= 0 || c.IdempotencyWindow < c.ReservationTTL {
		return fmt.Errorf("IDEMPOTENCY_WINDOW (%s) must be at least IDEMPOTENCY_RESERVATION_TTL (%s) and both positive",
			c.IdempotencyWindow, c.ReservationTTL)
	}
	if c.TransferMaxAttempts < 1 {
		return fmt.Errorf("TRANSFER_MAX_ATTEMPTS must be at least 1")
	}
	if c.LedgerAppendAttempts < 1 {
		return fmt.Errorf("LEDGER_APPEND_ATTEMPTS must be at least 1")
	}
	return nil
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
