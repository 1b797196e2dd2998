// Package docstore is the document database boundary: keyed records with
// create, read and top-level merge update, under a per-record size ceiling.
package docstore

import (
	"context"
	"fmt"

	"github.com/FairForge/assetvault/internal/engine"
	"github.com/FairForge/assetvault/internal/record"
)

// DefaultMaxRecordBytes is the per-record ceiling enforced by every backend
const DefaultMaxRecordBytes = 1 << 20

// ceiling resolves a configured limit; non-positive means the default.
func ceiling(n int) int {
	if n <= 0 {
		return DefaultMaxRecordBytes
	}
	return n
}

// Store persists records by key
type Store interface {
	Name() string
	// Get returns engine.ErrNotFound for unknown keys.
	Get(ctx context.Context, key string) (record.Value, error)
	// Create fails with engine.ErrExists if key is taken.
	Create(ctx context.Context, key string, v record.Value) error
	// Update overlays the top-level fields of partial onto the stored
	// record. Fields absent from partial are preserved.
	Update(ctx context.Context, key string, partial record.Value) error
}

// Pinger is implemented by stores backed by a connection
type Pinger interface {
	Ping(ctx context.Context) error
}

// encodeDocument validates key and v and returns the encoded body.
func encodeDocument(key string, v record.Value, maxBytes int) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("empty key: %w", engine.ErrInvalidInput)
	}
	if !v.IsMap() {
		return nil, fmt.Errorf("document %s must be a map, got %s: %w", key, v.Kind(), engine.ErrInvalidInput)
	}
	body, err := record.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode document %s: %w", key, err)
	}
	if err := checkSize(key, len(body), maxBytes); err != nil {
		return nil, err
	}
	return body, nil
}

func checkSize(key string, n, maxBytes int) error {
	if n > maxBytes {
		return fmt.Errorf("document %s is %d bytes, limit %d: %w", key, n, maxBytes, engine.ErrTooLarge)
	}
	return nil
}

func decodeDocument(key string, body []byte) (record.Value, error) {
	v, err := record.Decode(body)
	if err != nil {
		return record.Null(), fmt.Errorf("decode document %s: %w", key, err)
	}
	return v, nil
}
