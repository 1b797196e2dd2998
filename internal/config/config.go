// Package config loads service settings from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/FairForge/assetvault/internal/blob"
	"github.com/FairForge/assetvault/internal/docstore"
	"github.com/FairForge/assetvault/internal/engine"
	"github.com/FairForge/assetvault/internal/health"
	"github.com/FairForge/assetvault/internal/resilience"
	"github.com/FairForge/assetvault/internal/sanitize"
	"gopkg.in/yaml.v3"
)

// Blob drivers
const (
	BlobMemory = "memory"
	BlobLocal  = "local"
	BlobS3     = "s3"
)

// Document store drivers
const (
	DocMemory   = "memory"
	DocSQLite   = "sqlite"
	DocPostgres = "postgres"
)

type Config struct {
	Server   ServerConfig             `yaml:"server"`
	Blob     BlobConfig               `yaml:"blob"`
	Docstore DocstoreConfig           `yaml:"docstore"`
	Breaker  resilience.BreakerConfig `yaml:"breaker"`
	Retry    resilience.RetryPolicy   `yaml:"retry"`
	Sanitize sanitize.Options         `yaml:"sanitize"`
	Health   HealthConfig             `yaml:"health"`
	Events   EventConfig              `yaml:"events"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type BlobConfig struct {
	Driver        string        `yaml:"driver"`
	KeyPrefix     string        `yaml:"key_prefix"`
	OwnedPrefixes []string      `yaml:"owned_prefixes"`
	ExternalHosts []string      `yaml:"external_hosts"`
	LocalPath     string        `yaml:"local_path"`
	S3            blob.S3Config `yaml:"s3"`
	Compression   int           `yaml:"compression"` // zstd level, 0 disables
	UploadRate    float64       `yaml:"upload_rate"` // puts per second, 0 is unlimited
	UploadBurst   int           `yaml:"upload_burst"`
	PoolSize      int           `yaml:"pool_size"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
}

type DocstoreConfig struct {
	Driver         string                  `yaml:"driver"`
	MaxRecordBytes int                     `yaml:"max_record_bytes"`
	SQLitePath     string                  `yaml:"sqlite_path"`
	Postgres       docstore.PostgresConfig `yaml:"postgres"`
	Timeout        time.Duration           `yaml:"timeout"`
	VerifyBlobs    bool                    `yaml:"verify_blobs"`
}

type HealthConfig struct {
	Thresholds       health.Thresholds `yaml:"thresholds"`
	RecoveryInterval time.Duration     `yaml:"recovery_interval"`
}

type EventConfig struct {
	MaxEvents int `yaml:"max_events"`
}

// Default returns a configuration that runs entirely in memory
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			LogLevel:        "info",
			ShutdownTimeout: 10 * time.Second,
		},
		Blob: BlobConfig{
			Driver:        BlobMemory,
			KeyPrefix:     "assets",
			LocalPath:     "data/blobs",
			PoolSize:      4,
			UploadTimeout: 30 * time.Second,
		},
		Docstore: DocstoreConfig{
			Driver:         DocMemory,
			MaxRecordBytes: docstore.DefaultMaxRecordBytes,
			SQLitePath:     "data/assetvault.db",
			Timeout:        10 * time.Second,
		},
		Breaker:  resilience.DefaultBreakerConfig(),
		Retry:    resilience.DefaultRetryPolicy(),
		Sanitize: sanitize.DefaultOptions(),
		Health: HealthConfig{
			Thresholds:       health.DefaultThresholds(),
			RecoveryInterval: 30 * time.Second,
		},
		Events: EventConfig{MaxEvents: 1000},
	}
}

// Load reads path over the defaults and then applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on settings the service cannot run with
func (c *Config) Validate() error {
	switch c.Blob.Driver {
	case BlobMemory:
	case BlobLocal:
		if c.Blob.LocalPath == "" {
			return engine.ErrConfig("blob.local_path", "required for the local driver")
		}
	case BlobS3:
		if c.Blob.S3.Bucket == "" {
			return engine.ErrConfig("blob.s3.bucket", "required for the s3 driver")
		}
	default:
		return engine.ErrConfig("blob.driver", "unknown driver %q", c.Blob.Driver)
	}
	if c.Blob.Compression < 0 || c.Blob.Compression > 19 {
		return engine.ErrConfig("blob.compression", "zstd level must be 0-19, got %d", c.Blob.Compression)
	}
	if c.Blob.UploadRate < 0 {
		return engine.ErrConfig("blob.upload_rate", "must not be negative")
	}
	if c.Blob.PoolSize < 1 {
		return engine.ErrConfig("blob.pool_size", "must be at least 1, got %d", c.Blob.PoolSize)
	}
	if c.Blob.UploadTimeout <= 0 {
		return engine.ErrConfig("blob.upload_timeout", "must be positive")
	}

	switch c.Docstore.Driver {
	case DocMemory:
	case DocSQLite:
		if c.Docstore.SQLitePath == "" {
			return engine.ErrConfig("docstore.sqlite_path", "required for the sqlite driver")
		}
	case DocPostgres:
		if c.Docstore.Postgres.Host == "" || c.Docstore.Postgres.Database == "" {
			return engine.ErrConfig("docstore.postgres", "host and database are required")
		}
	default:
		return engine.ErrConfig("docstore.driver", "unknown driver %q", c.Docstore.Driver)
	}
	if c.Docstore.MaxRecordBytes < 1 {
		return engine.ErrConfig("docstore.max_record_bytes", "must be positive")
	}
	if c.Docstore.Timeout < 0 {
		return engine.ErrConfig("docstore.timeout", "must not be negative")
	}

	if err := c.Breaker.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Sanitize.Validate(); err != nil {
		return err
	}
	if err := c.Health.Thresholds.Validate(); err != nil {
		return err
	}
	if c.Health.RecoveryInterval <= 0 {
		return engine.ErrConfig("health.recovery_interval", "must be positive")
	}
	if c.Events.MaxEvents < 1 {
		return engine.ErrConfig("events.max_events", "must be at least 1")
	}
	return nil
}
