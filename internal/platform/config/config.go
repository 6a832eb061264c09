package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	StoreBackend       string `env:"STORE_BACKEND" default:"memory"`
	DatabaseURL        string `env:"DATABASE_URL"`
	RedisURL           string `env:"REDIS_URL"`
	RedisKeyPrefix     string `env:"REDIS_KEY_PREFIX" default:"shardcast"`
	RedisIngestChannel string `env:"REDIS_INGEST_CHANNEL"`

	ShardMaxConnections int           `env:"SHARD_MAX_CONNECTIONS" default:"100"`
	ShardCount          int           `env:"SHARD_COUNT" default:"100"`
	ShardNamePrefix     string        `env:"SHARD_NAME_PREFIX" default:"TOPIC"`
	KeepaliveInterval   time.Duration `env:"KEEPALIVE_INTERVAL" default:"1s"`
	DeliveryTimeout     time.Duration `env:"DELIVERY_TIMEOUT" default:"2s"`
	RecoveryInterval    time.Duration `env:"RECOVERY_INTERVAL" default:"1m"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"WS_MAX_PER_IP" default:"50"`
	WSRateLimit             float64 `env:"WS_RATE_LIMIT" default:"10"`
	WSRateBurst             int     `env:"WS_RATE_BURST" default:"20"`
	APIRateLimit            float64 `env:"API_RATE_LIMIT" default:"50"`
	APIRateBurst            int     `env:"API_RATE_BURST" default:"100"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func validate(cfg *Config) error {
	backends := []string{BackendMemory, BackendPostgres, BackendRedis}
	if !slices.Contains(backends, cfg.StoreBackend) {
		return fmt.Errorf("STORE_BACKEND must be one of %s, got %q", strings.Join(backends, ", "), cfg.StoreBackend)
	}

	required := map[string]string{
		"SHARD_NAME_PREFIX": cfg.ShardNamePrefix,
	}
	switch cfg.StoreBackend {
	case BackendPostgres:
		required["DATABASE_URL"] = cfg.DatabaseURL
	case BackendRedis:
		required["REDIS_URL"] = cfg.RedisURL
	}
	if cfg.RedisIngestChannel != "" {
		required["REDIS_URL"] = cfg.RedisURL
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	positive := map[string]int{
		"SHARD_MAX_CONNECTIONS":     cfg.ShardMaxConnections,
		"SHARD_COUNT":               cfg.ShardCount,
		"MAX_WEBSOCKET_CONNECTIONS": cfg.MaxWebSocketConnections,
		"WS_MAX_PER_IP":             cfg.MaxConnectionsPerIP,
		"WS_RATE_BURST":             cfg.WSRateBurst,
		"API_RATE_BURST":            cfg.APIRateBurst,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, value)
		}
	}

	if cfg.WSRateLimit <= 0 || cfg.APIRateLimit <= 0 {
		return errors.New("WS_RATE_LIMIT and API_RATE_LIMIT must be positive")
	}
	if cfg.KeepaliveInterval <= 0 || cfg.DeliveryTimeout <= 0 || cfg.RecoveryInterval <= 0 {
		return errors.New("KEEPALIVE_INTERVAL, DELIVERY_TIMEOUT and RECOVERY_INTERVAL must be positive")
	}

	if _, err := url.Parse(cfg.AppURL); err != nil {
		return fmt.Errorf("APP_URL is not a valid URL: %w", err)
	}

	if cfg.IsProduction() && cfg.StoreBackend == BackendPostgres {
		if err := checkSSLMode(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	return nil
}

func checkSSLMode(databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}

	mode := strings.ToLower(u.Query().Get("sslmode"))
	if mode == "disable" || mode == "allow" {
		return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
	}
	return nil
}
