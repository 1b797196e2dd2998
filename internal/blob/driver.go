package blob

import (
	"context"
	"errors"
	"io"
	"path"
)

// ErrNotFound is returned by drivers for missing objects.
var ErrNotFound = errors.New("blob not found")

// PutOptions carries object metadata.
type PutOptions struct {
	ContentType string
}

// PutOption configures a put
type PutOption func(*PutOptions)

// WithContentType sets the stored media type
func WithContentType(ct string) PutOption {
	return func(o *PutOptions) {
		o.ContentType = ct
	}
}

func applyPutOptions(opts []PutOption) PutOptions {
	var o PutOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.ContentType == "" {
		o.ContentType = "application/octet-stream"
	}
	return o
}

// Driver is the common interface all blob backends must implement
type Driver interface {
	Name() string
	Put(ctx context.Context, key string, data io.Reader, opts ...PutOption) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) error
}

// ObjectKey shards a content hash under prefix: <prefix>/ab/abcdef...
func ObjectKey(prefix, hash string) string {
	shard := hash
	if len(hash) >= 2 {
		shard = hash[:2]
	}
	return path.Join(prefix, shard, hash)
}
