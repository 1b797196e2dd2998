package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/FairForge/assetvault/internal/engine"
	"github.com/FairForge/assetvault/internal/record"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
    key        TEXT PRIMARY KEY,
    body       TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
)`

// SQLiteStore is a single-file store for local runs. Bodies are stored as
// JSON text in their original key order.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	maxBytes int
	logger   *zap.Logger
}

// OpenSQLite opens or creates the database at path
func OpenSQLite(ctx context.Context, path string, maxBytes int, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps merge updates serialized.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path, maxBytes: ceiling(maxBytes), logger: logger}, nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Get(ctx context.Context, key string) (record.Value, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE key = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Null(), engine.ErrNotFound
	}
	if err != nil {
		return record.Null(), fmt.Errorf("get document %s: %w", key, err)
	}
	return decodeDocument(key, []byte(body))
}

func (s *SQLiteStore) Create(ctx context.Context, key string, v record.Value) error {
	body, err := encodeDocument(key, v, s.maxBytes)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (key, body, created_at, updated_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(key) DO NOTHING`,
		key, string(body), now, now)
	if err != nil {
		return fmt.Errorf("create document %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create document %s: %w", key, err)
	}
	if n == 0 {
		return engine.ErrExists
	}
	return nil
}

// Update reads, merges and writes in one transaction so key order of the
// stored document is kept.
func (s *SQLiteStore) Update(ctx context.Context, key string, partial record.Value) (err error) {
	if _, err := encodeDocument(key, partial, s.maxBytes); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update %s: %w", key, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT body FROM documents WHERE key = ?`, key).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read document %s: %w", key, err)
	}

	current, err := decodeDocument(key, []byte(existing))
	if err != nil {
		return err
	}
	body, err := encodeDocument(key, current.Merge(partial), s.maxBytes)
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE documents SET body = ?, updated_at = ? WHERE key = ?`,
		string(body), time.Now().UTC().Format(time.RFC3339Nano), key); err != nil {
		return fmt.Errorf("update document %s: %w", key, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit update %s: %w", key, err)
	}

	s.logger.Debug("document updated", zap.String("key", key), zap.Int("bytes", len(body)))
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
