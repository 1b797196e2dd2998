// Package pipeline chains externalization, sanitization and verified
// persistence for a single record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/assetvault/internal/engine"
	"github.com/FairForge/assetvault/internal/events"
	"github.com/FairForge/assetvault/internal/persist"
	"github.com/FairForge/assetvault/internal/record"
	"github.com/FairForge/assetvault/internal/sanitize"
	"github.com/FairForge/assetvault/internal/transform"
	"go.uber.org/zap"
)

// Stage names
const (
	StageTransform = "transform"
	StageSanitize  = "sanitize"
	StagePersist   = "persist"
)

// Generator produces raw records, typically from a content generation
// service. Its output may contain inline payloads of any size.
type Generator interface {
	Generate(ctx context.Context) (record.Value, error)
}

// GeneratorFunc adapts a function to Generator
type GeneratorFunc func(ctx context.Context) (record.Value, error)

func (f GeneratorFunc) Generate(ctx context.Context) (record.Value, error) { return f(ctx) }

// StageTiming records how long one stage ran
type StageTiming struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// Result collects everything the stages produced. Fields for stages
// that did not run are nil.
type Result struct {
	Key         string                   `json:"key"`
	Transform   *transform.Result        `json:"transform,omitempty"`
	Persisted   *persist.PersistedRecord `json:"persisted,omitempty"`
	Stages      []StageTiming            `json:"stages"`
	FailedStage string                   `json:"failed_stage,omitempty"`
	Duration    time.Duration            `json:"duration"`
}

// Verified reports whether the record reached the store intact
func (r *Result) Verified() bool {
	return r.Persisted != nil && r.Persisted.Status == persist.StateVerified
}

// Pipeline runs Transform, Sanitize and Save in order
type Pipeline struct {
	transformer *transform.Transformer
	sanitizer   *sanitize.Sanitizer
	coordinator *persist.Coordinator
	bus         events.Bus
	logger      *zap.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithEventBus publishes sanitize.completed events to bus
func WithEventBus(bus events.Bus) Option {
	return func(p *Pipeline) {
		p.bus = bus
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a pipeline. A nil sanitizer uses the default options.
func New(t *transform.Transformer, s *sanitize.Sanitizer, c *persist.Coordinator, opts ...Option) (*Pipeline, error) {
	if t == nil {
		return nil, engine.ErrConfig("pipeline.transformer", "required")
	}
	if c == nil {
		return nil, engine.ErrConfig("pipeline.coordinator", "required")
	}
	if s == nil {
		var err error
		if s, err = sanitize.New(sanitize.DefaultOptions()); err != nil {
			return nil, err
		}
	}
	p := &Pipeline{
		transformer: t,
		sanitizer:   s,
		coordinator: c,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Persist externalizes, cleans and stores raw under key. It stops at the
// first failing stage and returns the partial Result alongside the
// error. A ConsistencyError means the write may be incomplete; callers
// should rerun Persist from the original record. Persist itself never
// retries it.
func (p *Pipeline) Persist(ctx context.Context, key string, raw record.Value) (*Result, error) {
	start := time.Now()
	res := &Result{Key: key}
	defer func() { res.Duration = time.Since(start) }()

	tr, err := timed(res, StageTransform, func() (*transform.Result, error) {
		return p.transformer.Transform(ctx, raw)
	})
	if err != nil {
		return res, p.fail(res, StageTransform, err)
	}
	res.Transform = tr

	clean, err := timed(res, StageSanitize, func() (record.Value, error) {
		return p.sanitizer.Sanitize(tr.Record, tr.Failures)
	})
	p.publishSanitize(ctx, key, res.Stages[len(res.Stages)-1].Duration, err)
	if err != nil {
		return res, p.fail(res, StageSanitize, err)
	}

	pr, err := timed(res, StagePersist, func() (*persist.PersistedRecord, error) {
		return p.coordinator.Save(ctx, key, clean)
	})
	res.Persisted = pr
	if err != nil {
		return res, p.fail(res, StagePersist, err)
	}

	p.logger.Info("record persisted",
		zap.String("key", key),
		zap.Int("externalized", tr.ExternalizedCount),
		zap.Int("refs", pr.RefCount),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// PersistGenerated pulls one record from gen and persists it under key
func (p *Pipeline) PersistGenerated(ctx context.Context, gen Generator, key string) (*Result, error) {
	raw, err := gen.Generate(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", key, err)
	}
	return p.Persist(ctx, key, raw)
}

func timed[T any](res *Result, stage string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	st := StageTiming{Name: stage, Duration: time.Since(start)}
	if err != nil {
		st.Err = err.Error()
	}
	res.Stages = append(res.Stages, st)
	return v, err
}

func (p *Pipeline) fail(res *Result, stage string, err error) error {
	res.FailedStage = stage
	fields := []zap.Field{
		zap.String("key", res.Key),
		zap.String("stage", stage),
		zap.Error(err),
	}
	var consistency *engine.ConsistencyError
	if errors.As(err, &consistency) {
		p.logger.Error("write not verified, rerun from the original record", fields...)
	} else {
		p.logger.Warn("pipeline stage failed", fields...)
	}
	return fmt.Errorf("stage %s failed: %w", stage, err)
}

func (p *Pipeline) publishSanitize(ctx context.Context, key string, d time.Duration, err error) {
	if p.bus == nil {
		return
	}
	e := events.New(events.SanitizeCompleted, StageSanitize).
		WithKey(key).
		WithDuration(d)
	if err != nil {
		e = e.WithError(err)
	}
	_ = p.bus.Publish(ctx, e)
}
