// Package transform replaces inline binary payloads anywhere in a record
// tree with references into the blob store.
package transform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/assetvault/internal/blob"
	"github.com/FairForge/assetvault/internal/engine"
	"github.com/FairForge/assetvault/internal/events"
	"github.com/FairForge/assetvault/internal/record"
	"github.com/FairForge/assetvault/internal/resilience"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OpBlobPut is the breaker identifier for uploads
const OpBlobPut = "blob.put"

// Uploader is the part of blob.Client the transformer needs
type Uploader interface {
	Put(ctx context.Context, data []byte, mediaType string) (blob.PutResult, error)
}

// Failure records one payload left in place
type Failure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result is produced once per Transform call
type Result struct {
	Record            record.Value `json:"record"`
	ExternalizedCount int          `json:"externalized_count"`
	FailedCount       int          `json:"failed_count"`
	Failures          []Failure    `json:"failures,omitempty"`
	// Uploaded counts distinct blobs created; Reused counts distinct
	// hashes that were already stored.
	Uploaded int           `json:"uploaded"`
	Reused   int           `json:"reused"`
	Duration time.Duration `json:"duration"`
}

// Err returns a PermanentAssetError listing every failed path, or nil.
func (r *Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	paths := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		paths[i] = f.Path
	}
	return &engine.PermanentAssetError{Paths: paths, Reason: "payload not externalized"}
}

// Transformer walks records and externalizes inline payloads
type Transformer struct {
	uploader Uploader
	executor *resilience.Executor
	poolSize int
	timeout  time.Duration
	bus      events.Bus
	logger   *zap.Logger
}

// Option configures the transformer
type Option func(*Transformer)

// WithPoolSize bounds concurrent uploads per Transform call
func WithPoolSize(n int) Option {
	return func(t *Transformer) {
		t.poolSize = n
	}
}

// WithUploadTimeout bounds each upload attempt
func WithUploadTimeout(d time.Duration) Option {
	return func(t *Transformer) {
		t.timeout = d
	}
}

// WithEventBus publishes transform.completed events
func WithEventBus(bus events.Bus) Option {
	return func(t *Transformer) {
		t.bus = bus
	}
}

// WithLogger adds logging
func WithLogger(logger *zap.Logger) Option {
	return func(t *Transformer) {
		t.logger = logger
	}
}

// New creates a transformer. The pool size is fixed; it does not grow with
// the input.
func New(uploader Uploader, executor *resilience.Executor, opts ...Option) (*Transformer, error) {
	t := &Transformer{
		uploader: uploader,
		executor: executor,
		poolSize: 4,
		timeout:  30 * time.Second,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}

	if uploader == nil || executor == nil {
		return nil, engine.ErrConfig("transform", "uploader and executor are required")
	}
	if t.poolSize < 1 {
		return nil, engine.ErrConfig("transform.pool_size", "must be at least 1, got %d", t.poolSize)
	}
	return t, nil
}

// site is one inline payload location found during the walk. ordinal
// counts payload-looking strings in pre-order so the rebuild can find the
// site again without relying on rendered paths being unique.
type site struct {
	ordinal int
	path    string
	payload *blob.Inline
}

// asset is one distinct piece of content to externalize
type asset struct {
	hash      string
	mediaType string
	data      []byte
	ref       string
	created   bool
	err       error
}

// Transform returns a copy of rec with every inline payload replaced by
// a blob reference. Individual upload failures never abort the call: the
// payload stays in place and a Failure is recorded. The error return is
// reserved for cancellation of the whole call.
func (t *Transformer) Transform(ctx context.Context, rec record.Value) (*Result, error) {
	start := time.Now()

	sites, malformed := collect(rec)
	assets, order := dedupe(sites)

	if err := t.externalize(ctx, assets, order); err != nil {
		return nil, err
	}

	result := &Result{Failures: malformed}
	result.FailedCount = len(malformed)
	for _, h := range order {
		a := assets[h]
		switch {
		case a.err != nil:
		case a.created:
			result.Uploaded++
		default:
			result.Reused++
		}
	}

	replacements := make(map[int]string, len(sites))
	for _, s := range sites {
		a := assets[s.payload.Hash]
		if a.err != nil {
			result.FailedCount++
			result.Failures = append(result.Failures, Failure{Path: s.path, Reason: a.err.Error()})
			continue
		}
		replacements[s.ordinal] = a.ref
		result.ExternalizedCount++
	}

	ordinal := 0
	result.Record = record.Rewrite(rec, func(p record.Path, v record.Value) (record.Value, bool) {
		s, ok := v.AsString()
		if !ok || !blob.LooksInline(s) {
			return record.Value{}, false
		}
		ref, ok := replacements[ordinal]
		ordinal++
		if !ok {
			return record.Value{}, false
		}
		return record.String(ref), true
	})
	result.Duration = time.Since(start)

	t.logger.Info("transform completed",
		zap.Int("externalized", result.ExternalizedCount),
		zap.Int("failed", result.FailedCount),
		zap.Int("uploaded", result.Uploaded),
		zap.Int("reused", result.Reused),
		zap.Duration("duration", result.Duration))
	t.publish(ctx, result)

	return result, nil
}

// collect walks rec synchronously. Strings that carry the payload prefix
// but do not decode are reported as failures and left untouched.
func collect(rec record.Value) ([]site, []Failure) {
	var sites []site
	var malformed []Failure
	ordinal := 0

	record.Walk(rec, func(p record.Path, v record.Value) bool {
		s, ok := v.AsString()
		if !ok || !blob.LooksInline(s) {
			return true
		}
		n := ordinal
		ordinal++
		in, err := blob.ParseInline(s)
		if err != nil {
			malformed = append(malformed, Failure{Path: p.String(), Reason: err.Error()})
			return true
		}
		sites = append(sites, site{ordinal: n, path: p.String(), payload: in})
		return true
	})
	return sites, malformed
}

// dedupe groups sites by content hash, keeping first-seen order.
func dedupe(sites []site) (map[string]*asset, []string) {
	assets := make(map[string]*asset, len(sites))
	var order []string
	for _, s := range sites {
		if _, ok := assets[s.payload.Hash]; ok {
			continue
		}
		assets[s.payload.Hash] = &asset{
			hash:      s.payload.Hash,
			mediaType: s.payload.MediaType,
			data:      s.payload.Data,
		}
		order = append(order, s.payload.Hash)
	}
	return assets, order
}

// externalize uploads each distinct asset on a bounded pool. Each worker
// writes only its own asset, so results land in their original slots
// regardless of completion order. Running uploads are allowed to drain
// when ctx is cancelled.
func (t *Transformer) externalize(ctx context.Context, assets map[string]*asset, order []string) error {
	g := new(errgroup.Group)
	g.SetLimit(t.poolSize)

	for _, h := range order {
		a := assets[h]
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			t.upload(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transform cancelled: %w", err)
	}
	return nil
}

func (t *Transformer) upload(ctx context.Context, a *asset) {
	out := resilience.Execute(ctx, t.executor, resilience.Call[blob.PutResult]{
		ID:      OpBlobPut,
		Timeout: t.timeout,
		Primary: func(ctx context.Context) (blob.PutResult, error) {
			return t.uploader.Put(ctx, a.data, a.mediaType)
		},
		Emergency: func(cause error) blob.PutResult {
			return blob.PutResult{Hash: a.hash}
		},
	})

	if out.Degraded() || out.Value.Reference == "" {
		cause := out.Err
		if cause == nil {
			cause = errors.New("upload produced no reference")
		}
		a.err = fmt.Errorf("upload failed after %d attempts: %w", out.Attempts, cause)
		t.logger.Warn("asset externalization failed",
			zap.String("hash", a.hash),
			zap.Int("size", len(a.data)),
			zap.Error(a.err))
		return
	}

	a.ref = out.Value.Reference
	a.created = out.Value.Created
}

func (t *Transformer) publish(ctx context.Context, r *Result) {
	if t.bus == nil {
		return
	}
	outcome := events.OutcomeSuccess
	if r.FailedCount > 0 {
		outcome = events.OutcomeFailure
	}
	_ = t.bus.Publish(ctx, events.New(events.TransformCompleted, OpBlobPut).
		WithOutcome(outcome).
		WithDuration(r.Duration).
		WithCount("externalized", r.ExternalizedCount).
		WithCount("failed", r.FailedCount).
		WithCount("uploaded", r.Uploaded).
		WithCount("reused", r.Reused))
}
