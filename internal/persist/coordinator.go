// Package persist writes sanitized records to the document store and
// verifies each write by reading it back.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/FairForge/assetvault/internal/blob"
	"github.com/FairForge/assetvault/internal/docstore"
	"github.com/FairForge/assetvault/internal/engine"
	"github.com/FairForge/assetvault/internal/events"
	"github.com/FairForge/assetvault/internal/record"
	"github.com/FairForge/assetvault/internal/resilience"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Breaker identifiers for store operations
const (
	OpGet         = "docstore.get"
	OpWrite       = "docstore.write"
	OpVerify      = "docstore.verify"
	OpBlobResolve = "blob.resolve"
)

// Resolver confirms owned blob references point at stored content
type Resolver interface {
	Resolve(ctx context.Context, ref string) (bool, error)
}

// PersistedRecord describes the outcome of one Save. Record holds the
// read-back when the write got that far.
type PersistedRecord struct {
	ID          uuid.UUID    `json:"id"`
	Key         string       `json:"key"`
	Record      record.Value `json:"record"`
	Status      State        `json:"status"`
	RefCount    int          `json:"ref_count"`
	Created     bool         `json:"created"`
	WrittenAt   time.Time    `json:"written_at,omitzero"`
	VerifiedAt  time.Time    `json:"verified_at,omitzero"`
	Transitions []State      `json:"transitions"`
}

// Coordinator runs existence check, write, read-back and verification
type Coordinator struct {
	store      docstore.Store
	executor   *resilience.Executor
	classifier *blob.Classifier
	resolver   Resolver
	timeout    time.Duration
	bus        events.Bus
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures the coordinator
type Option func(*Coordinator)

// WithClassifier sets how references are recognized when counting
func WithClassifier(c *blob.Classifier) Option {
	return func(co *Coordinator) {
		co.classifier = c
	}
}

// WithBlobVerification resolves every owned reference before a write is
// declared verified
func WithBlobVerification(r Resolver) Option {
	return func(co *Coordinator) {
		co.resolver = r
	}
}

// WithTimeout bounds each store attempt
func WithTimeout(d time.Duration) Option {
	return func(co *Coordinator) {
		co.timeout = d
	}
}

// WithEventBus publishes write.* events
func WithEventBus(bus events.Bus) Option {
	return func(co *Coordinator) {
		co.bus = bus
	}
}

// WithLogger adds logging
func WithLogger(logger *zap.Logger) Option {
	return func(co *Coordinator) {
		co.logger = logger
	}
}

// New creates a coordinator
func New(store docstore.Store, executor *resilience.Executor, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		store:      store,
		executor:   executor,
		classifier: blob.NewClassifier(nil, nil),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if store == nil || executor == nil {
		return nil, engine.ErrConfig("persist", "store and executor are required")
	}
	if c.timeout < 0 {
		return nil, engine.ErrConfig("persist.timeout", "must not be negative, got %s", c.timeout)
	}
	return c, nil
}

// CountReferences counts string values that are blob references, owned
// or external.
func CountReferences(v record.Value, classifier *blob.Classifier) int {
	n := 0
	record.Walk(v, func(_ record.Path, node record.Value) bool {
		if s, ok := node.AsString(); ok {
			switch classifier.ClassifyString(s) {
			case blob.OwnedReference, blob.ExternalReference:
				n++
			}
		}
		return true
	})
	return n
}

type lookup struct {
	value record.Value
	found bool
}

// Save persists rec under key. On failure the returned record still
// carries the state reached and the transitions taken. A ConsistencyError
// means the write may be incomplete; callers must rerun the whole pipeline
// from the original record rather than retry Save.
func (c *Coordinator) Save(ctx context.Context, key string, rec record.Value) (*PersistedRecord, error) {
	if key == "" || !rec.IsMap() {
		return nil, fmt.Errorf("save %q: need a key and a map record: %w", key, engine.ErrInvalidInput)
	}
	if paths := inlinePaths(rec); len(paths) > 0 {
		return nil, &engine.PermanentAssetError{
			Paths:  paths,
			Reason: "refusing to persist inline payloads",
			Err:    engine.ErrInlinePayload,
		}
	}

	start := c.now()
	lc := newLifecycle()
	pr := &PersistedRecord{ID: uuid.New(), Key: key}
	finish := func(err error) (*PersistedRecord, error) {
		if err != nil {
			lc.fail()
		}
		pr.Status = lc.state
		pr.Transitions = append([]State(nil), lc.history...)
		c.report(ctx, pr, c.now().Sub(start), err)
		return pr, err
	}

	existing := resilience.Execute(ctx, c.executor, resilience.Call[lookup]{
		ID:      OpGet,
		Timeout: c.timeout,
		Primary: func(ctx context.Context) (lookup, error) {
			v, err := c.store.Get(ctx, key)
			if errors.Is(err, engine.ErrNotFound) {
				return lookup{}, nil
			}
			if err != nil {
				return lookup{}, err
			}
			return lookup{value: v, found: true}, nil
		},
	})
	if existing.Degraded() {
		return finish(fmt.Errorf("existence check for %s: %w", key, existing.Err))
	}

	proposal := rec
	if existing.Value.found {
		proposal = existing.Value.value.Merge(rec)
	}
	pr.Created = !existing.Value.found

	if err := lc.advance(StateWriting); err != nil {
		return finish(err)
	}
	written := c.write(ctx, key, rec, existing.Value.found)
	if written.Degraded() {
		return finish(fmt.Errorf("write %s: %w", key, written.Err))
	}
	pr.WrittenAt = c.now()
	if err := lc.advance(StateWritten); err != nil {
		return finish(err)
	}

	readback := resilience.Execute(ctx, c.executor, resilience.Call[record.Value]{
		ID:      OpVerify,
		Timeout: c.timeout,
		Primary: func(ctx context.Context) (record.Value, error) {
			v, err := c.store.Get(ctx, key)
			if errors.Is(err, engine.ErrNotFound) {
				// Read-your-write must see the document; a miss is loss.
				return record.Null(), engine.Transient(OpVerify, err)
			}
			return v, err
		},
	})
	if readback.Degraded() {
		return finish(fmt.Errorf("read back %s: %w", key, readback.Err))
	}
	pr.Record = readback.Value

	expected := CountReferences(proposal, c.classifier)
	actual := CountReferences(readback.Value, c.classifier)
	pr.RefCount = actual
	if expected != actual {
		_ = lc.advance(StateMismatched)
		c.logger.Error("write verification mismatch",
			zap.String("key", key),
			zap.Int("expected_refs", expected),
			zap.Int("actual_refs", actual))
		return finish(&engine.ConsistencyError{Key: key, Expected: expected, Actual: actual})
	}

	if c.resolver != nil {
		if err := c.verifyBlobs(ctx, key, readback.Value); err != nil {
			var consistency *engine.ConsistencyError
			if errors.As(err, &consistency) {
				_ = lc.advance(StateMismatched)
			}
			return finish(err)
		}
	}

	pr.VerifiedAt = c.now()
	if err := lc.advance(StateVerified); err != nil {
		return finish(err)
	}
	c.logger.Info("write verified",
		zap.String("key", key),
		zap.Bool("created", pr.Created),
		zap.Int("refs", actual),
		zap.Duration("duration", c.now().Sub(start)))
	return finish(nil)
}

// write creates or merges. A create retried after an ambiguous failure may
// find its own earlier attempt, so later attempts fall through to an update.
func (c *Coordinator) write(ctx context.Context, key string, rec record.Value, exists bool) resilience.Outcome[struct{}] {
	var attempt atomic.Int32
	return resilience.Execute(ctx, c.executor, resilience.Call[struct{}]{
		ID:      OpWrite,
		Timeout: c.timeout,
		Primary: func(ctx context.Context) (struct{}, error) {
			n := attempt.Add(1)
			if exists {
				return struct{}{}, c.store.Update(ctx, key, rec)
			}
			err := c.store.Create(ctx, key, rec)
			if errors.Is(err, engine.ErrExists) && n > 1 {
				err = c.store.Update(ctx, key, rec)
			}
			return struct{}{}, err
		},
	})
}

// verifyBlobs resolves every owned reference in v.
func (c *Coordinator) verifyBlobs(ctx context.Context, key string, v record.Value) error {
	var refs []string
	record.Walk(v, func(_ record.Path, node record.Value) bool {
		if s, ok := node.AsString(); ok && c.classifier.ClassifyString(s) == blob.OwnedReference {
			refs = append(refs, s)
		}
		return true
	})

	resolved := 0
	for _, ref := range refs {
		out := resilience.Execute(ctx, c.executor, resilience.Call[bool]{
			ID:      OpBlobResolve,
			Timeout: c.timeout,
			Primary: func(ctx context.Context) (bool, error) {
				return c.resolver.Resolve(ctx, ref)
			},
		})
		if out.Degraded() {
			return fmt.Errorf("resolve %s: %w", ref, out.Err)
		}
		if out.Value {
			resolved++
		} else {
			c.logger.Error("dangling blob reference", zap.String("key", key), zap.String("ref", ref))
		}
	}
	if resolved != len(refs) {
		return &engine.ConsistencyError{Key: key, Expected: len(refs), Actual: resolved}
	}
	return nil
}

func inlinePaths(v record.Value) []string {
	var paths []string
	record.Walk(v, func(p record.Path, node record.Value) bool {
		if s, ok := node.AsString(); ok && blob.LooksInline(s) {
			paths = append(paths, p.String())
		}
		return true
	})
	return paths
}

func (c *Coordinator) report(ctx context.Context, pr *PersistedRecord, d time.Duration, err error) {
	if err != nil && pr.Status != StateMismatched {
		c.logger.Warn("write failed",
			zap.String("key", pr.Key),
			zap.Stringer("status", pr.Status),
			zap.Error(err))
	}
	if c.bus == nil {
		return
	}

	var t events.Type
	switch pr.Status {
	case StateVerified:
		t = events.WriteVerified
	case StateMismatched:
		t = events.WriteMismatched
	default:
		t = events.WriteFailed
	}
	_ = c.bus.Publish(ctx, events.New(t, OpWrite).
		WithKey(pr.Key).
		WithDuration(d).
		WithCount("refs", pr.RefCount).
		WithError(err))
}
