package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/FairForge/assetvault/internal/engine"
)

const envPrefix = "ASSETVAULT_"

// LoadFromEnv applies ASSETVAULT_* overrides to cfg. Unparseable values
// are configuration errors rather than silently ignored.
func LoadFromEnv(cfg *Config) error {
	env := envReader{}

	env.str("ADDR", &cfg.Server.Addr)
	env.str("LOG_LEVEL", &cfg.Server.LogLevel)

	env.str("BLOB_DRIVER", &cfg.Blob.Driver)
	env.str("BLOB_KEY_PREFIX", &cfg.Blob.KeyPrefix)
	env.str("BLOB_LOCAL_PATH", &cfg.Blob.LocalPath)
	env.list("BLOB_OWNED_PREFIXES", &cfg.Blob.OwnedPrefixes)
	env.list("BLOB_EXTERNAL_HOSTS", &cfg.Blob.ExternalHosts)
	env.integer("BLOB_COMPRESSION", &cfg.Blob.Compression)
	env.integer("BLOB_POOL_SIZE", &cfg.Blob.PoolSize)
	env.duration("BLOB_UPLOAD_TIMEOUT", &cfg.Blob.UploadTimeout)

	// S3 settings
	env.str("S3_ENDPOINT", &cfg.Blob.S3.Endpoint)
	env.str("S3_REGION", &cfg.Blob.S3.Region)
	env.str("S3_BUCKET", &cfg.Blob.S3.Bucket)
	env.str("S3_ACCESS_KEY", &cfg.Blob.S3.AccessKey)
	env.str("S3_SECRET_KEY", &cfg.Blob.S3.SecretKey)
	env.boolean("S3_USE_PATH_STYLE", &cfg.Blob.S3.UsePathStyle)

	env.str("DOCSTORE_DRIVER", &cfg.Docstore.Driver)
	env.str("SQLITE_PATH", &cfg.Docstore.SQLitePath)
	env.integer("MAX_RECORD_BYTES", &cfg.Docstore.MaxRecordBytes)
	env.boolean("VERIFY_BLOBS", &cfg.Docstore.VerifyBlobs)

	// Postgres settings
	env.str("DB_HOST", &cfg.Docstore.Postgres.Host)
	env.integer("DB_PORT", &cfg.Docstore.Postgres.Port)
	env.str("DB_NAME", &cfg.Docstore.Postgres.Database)
	env.str("DB_USER", &cfg.Docstore.Postgres.User)
	env.str("DB_PASSWORD", &cfg.Docstore.Postgres.Password)
	env.str("DB_SSLMODE", &cfg.Docstore.Postgres.SSLMode)

	env.integer("BREAKER_FAILURE_THRESHOLD", &cfg.Breaker.FailureThreshold)
	env.duration("BREAKER_RECOVERY_TIMEOUT", &cfg.Breaker.RecoveryTimeout)
	env.integer("RETRY_MAX_RETRIES", &cfg.Retry.MaxRetries)
	env.duration("HEALTH_RECOVERY_INTERVAL", &cfg.Health.RecoveryInterval)

	return env.err
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader keeps the first parse error so callers check once
type envReader struct {
	err error
}

func (r *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || v == "" || r.err != nil {
		return "", false
	}
	return v, true
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.lookup(name); ok {
		*dst = v
	}
}

func (r *envReader) list(name string, dst *[]string) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (r *envReader) integer(name string, dst *int) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.err = engine.ErrConfig(envPrefix+name, "not an integer: %q", v)
		return
	}
	*dst = n
}

func (r *envReader) boolean(name string, dst *bool) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.err = engine.ErrConfig(envPrefix+name, "not a boolean: %q", v)
		return
	}
	*dst = b
}

func (r *envReader) duration(name string, dst *time.Duration) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.err = engine.ErrConfig(envPrefix+name, "not a duration: %q", v)
		return
	}
	*dst = d
}
