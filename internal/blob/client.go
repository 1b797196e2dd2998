package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrForeignReference is returned when asked to fetch a reference this
// store does not own.
var ErrForeignReference = errors.New("reference is not owned by this blob store")

// PutResult describes a completed Put
type PutResult struct {
	Reference string
	Hash      string
	Size      int
	// Created is false when the content already existed and no upload
	// happened.
	Created bool
}

// Client is the content-addressed front of a blob Driver. Put is
// idempotent: identical bytes always map to the same object and reference.
type Client struct {
	driver     Driver
	classifier *Classifier
	keyPrefix  string
	limiter    *rate.Limiter
	group      singleflight.Group
	logger     *zap.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithKeyPrefix sets the object key prefix inside the backend
func WithKeyPrefix(prefix string) ClientOption {
	return func(c *Client) {
		c.keyPrefix = prefix
	}
}

// WithClassifier sets the reference classifier
func WithClassifier(cl *Classifier) ClientOption {
	return func(c *Client) {
		c.classifier = cl
	}
}

// WithUploadRate limits uploads to perSecond with the given burst. A
// non-positive rate disables limiting.
func WithUploadRate(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithClientLogger adds logging
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client over driver
func NewClient(driver Driver, opts ...ClientOption) *Client {
	c := &Client{
		driver:    driver,
		keyPrefix: "assets",
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.classifier == nil {
		c.classifier = NewClassifier(nil, nil)
	}
	return c
}

// Classifier returns the classifier used to build references.
func (c *Client) Classifier() *Classifier { return c.classifier }

// DriverName names the underlying backend.
func (c *Client) DriverName() string { return c.driver.Name() }

// HealthCheck probes the backend.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.driver.HealthCheck(ctx)
}

// Put stores data unless an object with the same hash already exists.
// Concurrent puts of identical content share one upload.
func (c *Client) Put(ctx context.Context, data []byte, mediaType string) (PutResult, error) {
	hash := ContentHash(data)
	res, err, _ := c.group.Do(hash, func() (any, error) {
		return c.put(ctx, hash, data, mediaType)
	})
	if err != nil {
		return PutResult{}, err
	}
	return res.(PutResult), nil
}

func (c *Client) put(ctx context.Context, hash string, data []byte, mediaType string) (PutResult, error) {
	result := PutResult{Reference: c.classifier.Reference(hash), Hash: hash, Size: len(data)}
	key := ObjectKey(c.keyPrefix, hash)

	exists, err := c.driver.Exists(ctx, key)
	if err != nil {
		return PutResult{}, fmt.Errorf("check blob %s: %w", hash, err)
	}
	if exists {
		c.logger.Debug("blob already stored", zap.String("hash", hash))
		return result, nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return PutResult{}, fmt.Errorf("upload rate limit: %w", err)
		}
	}

	start := time.Now()
	if err := c.driver.Put(ctx, key, bytes.NewReader(data), WithContentType(mediaType)); err != nil {
		return PutResult{}, fmt.Errorf("upload blob %s: %w", hash, err)
	}
	result.Created = true

	c.logger.Debug("blob uploaded",
		zap.String("hash", hash),
		zap.Int("size", len(data)),
		zap.String("driver", c.driver.Name()),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

// Exists reports whether content with hash is stored.
func (c *Client) Exists(ctx context.Context, hash string) (bool, error) {
	return c.driver.Exists(ctx, ObjectKey(c.keyPrefix, hash))
}

// Get fetches the bytes behind an owned reference.
func (c *Client) Get(ctx context.Context, ref string) ([]byte, error) {
	hash, ok := c.classifier.HashOf(ref)
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrForeignReference)
	}
	rc, err := c.driver.Get(ctx, ObjectKey(c.keyPrefix, hash))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Resolve reports whether an owned reference points at a stored object.
func (c *Client) Resolve(ctx context.Context, ref string) (bool, error) {
	hash, ok := c.classifier.HashOf(ref)
	if !ok {
		return false, fmt.Errorf("%s: %w", ref, ErrForeignReference)
	}
	return c.Exists(ctx, hash)
}
