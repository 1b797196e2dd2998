package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryDriver keeps objects in memory. Used in tests and local runs.
type MemoryDriver struct {
	mu      sync.RWMutex
	objects map[string]memObject

	failPut func(key string) error

	puts int
}

type memObject struct {
	data        []byte
	contentType string
}

// NewMemoryDriver creates an empty in-memory driver
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{objects: make(map[string]memObject)}
}

func (d *MemoryDriver) Name() string { return "memory" }

func (d *MemoryDriver) Put(ctx context.Context, key string, data io.Reader, opts ...PutOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.RLock()
	fail := d.failPut
	d.mu.RUnlock()
	if fail != nil {
		if err := fail(key); err != nil {
			return err
		}
	}

	buf, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	o := applyPutOptions(opts)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects[key] = memObject{data: buf, contentType: o.ContentType}
	d.puts++
	return nil
}

func (d *MemoryDriver) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	obj, ok := d.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (d *MemoryDriver) Exists(ctx context.Context, key string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.objects[key]
	return ok, nil
}

func (d *MemoryDriver) Delete(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.objects, key)
	return nil
}

func (d *MemoryDriver) HealthCheck(ctx context.Context) error { return nil }

// SetFailPut installs a hook consulted before every Put. nil clears it.
func (d *MemoryDriver) SetFailPut(fn func(key string) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failPut = fn
}

// Objects returns the number of stored objects.
func (d *MemoryDriver) Objects() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.objects)
}

// Puts returns the number of successful uploads.
func (d *MemoryDriver) Puts() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.puts
}

// ContentType returns the stored media type for key.
func (d *MemoryDriver) ContentType(key string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.objects[key].contentType
}
