package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// CompressedDriver zstd-compresses objects on the way into an inner
// driver and decompresses them transparently on Get. Keys and hashes are
// always computed over the uncompressed bytes.
type CompressedDriver struct {
	inner Driver
	level int

	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error
	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
}

// NewCompressedDriver wraps inner. level is a zstd level 1-19.
func NewCompressedDriver(inner Driver, level int) (*CompressedDriver, error) {
	if level < 1 || level > 19 {
		return nil, fmt.Errorf("zstd level must be 1-19, got %d", level)
	}
	return &CompressedDriver{inner: inner, level: level}, nil
}

func (d *CompressedDriver) getEncoder() (*zstd.Encoder, error) {
	d.encoderOnce.Do(func() {
		d.encoder, d.encoderErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(d.level)),
			zstd.WithEncoderConcurrency(1))
	})
	return d.encoder, d.encoderErr
}

func (d *CompressedDriver) getDecoder() (*zstd.Decoder, error) {
	d.decoderOnce.Do(func() {
		d.decoder, d.decoderErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(256*1024*1024))
	})
	return d.decoder, d.decoderErr
}

func (d *CompressedDriver) Name() string { return d.inner.Name() + "+zstd" }

func (d *CompressedDriver) Put(ctx context.Context, key string, data io.Reader, opts ...PutOption) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if len(raw) == 0 {
		return d.inner.Put(ctx, key, bytes.NewReader(raw), opts...)
	}
	enc, err := d.getEncoder()
	if err != nil {
		return fmt.Errorf("failed to get encoder: %w", err)
	}
	packed := enc.EncodeAll(raw, make([]byte, 0, len(raw)))
	return d.inner.Put(ctx, key, bytes.NewReader(packed), opts...)
}

func (d *CompressedDriver) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := d.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	packed, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	if len(packed) == 0 {
		return io.NopCloser(bytes.NewReader(packed)), nil
	}
	dec, err := d.getDecoder()
	if err != nil {
		return nil, fmt.Errorf("failed to get decoder: %w", err)
	}
	raw, err := dec.DecodeAll(packed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (d *CompressedDriver) Exists(ctx context.Context, key string) (bool, error) {
	return d.inner.Exists(ctx, key)
}

func (d *CompressedDriver) Delete(ctx context.Context, key string) error {
	return d.inner.Delete(ctx, key)
}

func (d *CompressedDriver) HealthCheck(ctx context.Context) error {
	return d.inner.HealthCheck(ctx)
}
