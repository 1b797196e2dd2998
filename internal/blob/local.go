package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// LocalDriver stores blobs on the local filesystem
type LocalDriver struct {
	basePath string
	logger   *zap.Logger
}

// NewLocalDriver creates a new local filesystem driver
func NewLocalDriver(basePath string, logger *zap.Logger) *LocalDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalDriver{
		basePath: basePath,
		logger:   logger,
	}
}

func (d *LocalDriver) Name() string { return "local" }

// Put writes to a temp file and renames it into place, so readers never
// observe a partial blob.
func (d *LocalDriver) Put(ctx context.Context, key string, data io.Reader, opts ...PutOption) error {
	fullPath := filepath.Join(d.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to copy data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return fmt.Errorf("rename blob: %w", err)
	}

	d.logger.Debug("LocalDriver.Put", zap.String("key", key), zap.String("fullPath", fullPath))
	return nil
}

func (d *LocalDriver) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(d.basePath, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return f, err
}

func (d *LocalDriver) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(filepath.Join(d.basePath, filepath.FromSlash(key)))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (d *LocalDriver) Delete(ctx context.Context, key string) error {
	err := os.Remove(filepath.Join(d.basePath, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (d *LocalDriver) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(d.basePath)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("health check failed: %s is not a directory", d.basePath)
	}
	return nil
}
