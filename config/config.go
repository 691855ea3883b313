package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the environment driven configuration for the relay.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":3002"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage backend: memory, sqlite, filesystem or s3
	StorageType      string `env:"STORAGE_TYPE" envDefault:"memory"`
	LocalStoragePath string `env:"LOCAL_STORAGE_PATH" envDefault:"./data"`
	DataSourceName   string `env:"DATA_SOURCE_NAME" envDefault:"scenesync.db"`
	S3BucketName     string `env:"S3_BUCKET_NAME"`

	// Notifications fan out through redis when set, in process otherwise
	RedisURL string `env:"REDIS_URL"`

	// Base URL the controller page is served from; used for QR payloads
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:3002"`

	AuthSecret   string        `env:"AUTH_SECRET"`
	AuthTokenTTL time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"24h"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads an optional .env file and parses the environment into Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.StorageType = strings.ToLower(strings.TrimSpace(cfg.StorageType))
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")

	if cfg.StorageType == "s3" && cfg.S3BucketName == "" {
		return nil, fmt.Errorf("S3_BUCKET_NAME must be set for s3 storage")
	}
	if cfg.AuthTokenTTL <= 0 {
		cfg.AuthTokenTTL = 24 * time.Hour
	}
	return cfg, nil
}

// AuthEnabled reports whether write routes require a session token.
func (c *Config) AuthEnabled() bool {
	return c.AuthSecret != ""
}
