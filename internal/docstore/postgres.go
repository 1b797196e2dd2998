package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/assetvault/internal/engine"
	"github.com/FairForge/assetvault/internal/record"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresConfig holds connection settings
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN renders the lib/pq connection string
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslMode)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
    key        TEXT PRIMARY KEY,
    body       JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps documents in a jsonb column. jsonb does not keep
// object key order, so read-backs may differ in order but not content.
type PostgresStore struct {
	db       *sql.DB
	maxBytes int
	logger   *zap.Logger
}

// OpenPostgres connects and applies the schema
func OpenPostgres(ctx context.Context, cfg PostgresConfig, maxBytes int, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := NewPostgresStore(db, maxBytes, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an open handle
func NewPostgresStore(db *sql.DB, maxBytes int, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, maxBytes: ceiling(maxBytes), logger: logger}
}

func (s *PostgresStore) Name() string { return "postgres" }

// Migrate creates the documents table
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", classifyPQError(err))
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (record.Value, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE key = $1`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Null(), engine.ErrNotFound
	}
	if err != nil {
		return record.Null(), fmt.Errorf("get document %s: %w", key, classifyPQError(err))
	}
	return decodeDocument(key, body)
}

func (s *PostgresStore) Create(ctx context.Context, key string, v record.Value) error {
	body, err := encodeDocument(key, v, s.maxBytes)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (key, body) VALUES ($1, $2::jsonb) ON CONFLICT (key) DO NOTHING`,
		key, string(body))
	if err != nil {
		return fmt.Errorf("create document %s: %w", key, classifyPQError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create document %s: %w", key, err)
	}
	if n == 0 {
		return engine.ErrExists
	}

	s.logger.Debug("document created", zap.String("key", key), zap.Int("bytes", len(body)))
	return nil
}

// Update merges with jsonb ||. The size guard runs in the same statement,
// so no merged document above the ceiling is ever stored.
func (s *PostgresStore) Update(ctx context.Context, key string, partial record.Value) error {
	body, err := encodeDocument(key, partial, s.maxBytes)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
            SET body = body || $2::jsonb, updated_at = now()
          WHERE key = $1 AND octet_length((body || $2::jsonb)::text) <= $3`,
		key, string(body), s.maxBytes)
	if err != nil {
		return fmt.Errorf("update document %s: %w", key, classifyPQError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document %s: %w", key, err)
	}
	if n > 0 {
		s.logger.Debug("document updated", zap.String("key", key), zap.Int("bytes", len(body)))
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM documents WHERE key = $1)`, key).Scan(&exists); err != nil {
		return fmt.Errorf("update document %s: %w", key, classifyPQError(err))
	}
	if !exists {
		return engine.ErrNotFound
	}
	return fmt.Errorf("merged document %s exceeds %d bytes: %w", key, s.maxBytes, engine.ErrTooLarge)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// classifyPQError maps server error classes onto the engine taxonomy.
func classifyPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	class := pqErr.Code.Class()
	switch {
	case class == "28", pqErr.Code == "42501":
		return fmt.Errorf("%s: %w", pqErr.Message, engine.ErrUnauthorized)
	case class == "54":
		return fmt.Errorf("%s: %w", pqErr.Message, engine.ErrTooLarge)
	case class == "22":
		return fmt.Errorf("%s: %w", pqErr.Message, engine.ErrInvalidInput)
	case class == "08", class == "53", class == "57":
		return engine.Transient("postgres", err)
	}
	return err
}
