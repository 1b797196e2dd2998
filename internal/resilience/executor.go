package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/assetvault/internal/engine"
	"go.uber.org/zap"
)

// Tier identifies which layer produced an Outcome
type Tier int

const (
	TierPrimary Tier = iota
	TierFallback
	TierEmergency
)

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierFallback:
		return "fallback"
	default:
		return "emergency"
	}
}

// Attempt is reported to observers after every primary or fallback try
type Attempt struct {
	Operation string
	Number    int
	Tier      Tier
	Duration  time.Duration
	Err       error
	Timestamp time.Time
}

// Observer receives attempt outcomes
type Observer interface {
	ObserveAttempt(a Attempt)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(a Attempt)

func (f ObserverFunc) ObserveAttempt(a Attempt) { f(a) }

// Call describes one protected operation.
//
// Primary is retried under the breaker for ID. Fallback, if set, runs once
// when Primary is exhausted and receives the last primary error; it is not
// guarded by the breaker. Emergency, if set, must not fail: it builds the
// degraded value returned when both tiers fail.
type Call[T any] struct {
	ID         string
	Primary    func(ctx context.Context) (T, error)
	Fallback   func(ctx context.Context, cause error) (T, error)
	Emergency  func(cause error) T
	Timeout    time.Duration
	MaxRetries *int
}

// Outcome is always returned; Execute never panics or returns an error
// of its own. Err holds the last primary error when Tier is not primary.
type Outcome[T any] struct {
	Value    T
	Tier     Tier
	Attempts int
	Err      error
}

// Degraded reports whether the value came from a fallback or emergency tier
func (o Outcome[T]) Degraded() bool { return o.Tier != TierPrimary }

// Executor runs Calls with timeout, retry and circuit breaking
type Executor struct {
	registry  *Registry
	retry     RetryPolicy
	timeout   time.Duration
	observers []Observer
	logger    *zap.Logger
}

// ExecutorOption configures the executor
type ExecutorOption func(*Executor)

// WithRetryPolicy sets the default retry policy
func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) {
		e.retry = p
	}
}

// WithDefaultTimeout sets the per-attempt timeout used when a Call has none
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithObserver adds an attempt observer
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) {
		e.observers = append(e.observers, o)
	}
}

// WithExecutorLogger adds logging
func WithExecutorLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor over registry
func NewExecutor(registry *Registry, opts ...ExecutorOption) (*Executor, error) {
	e := &Executor{
		registry: registry,
		retry:    DefaultRetryPolicy(),
		timeout:  30 * time.Second,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if registry == nil {
		return nil, engine.ErrConfig("resilience.registry", "required")
	}
	if err := e.retry.Validate(); err != nil {
		return nil, err
	}
	if e.timeout <= 0 {
		return nil, engine.ErrConfig("resilience.timeout", "must be positive, got %s", e.timeout)
	}
	return e, nil
}

// Registry returns the breaker registry
func (e *Executor) Registry() *Registry { return e.registry }

// AddObserver registers an observer after construction
func (e *Executor) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

// Execute runs call through primary, fallback and emergency tiers.
func Execute[T any](ctx context.Context, e *Executor, call Call[T]) Outcome[T] {
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	maxRetries := e.retry.MaxRetries
	if call.MaxRetries != nil {
		maxRetries = *call.MaxRetries
	}

	breaker := e.registry.Breaker(call.ID)
	var lastErr error
	attempts := 0

retry:
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		if err := breaker.Allow(); err != nil {
			lastErr = fmt.Errorf("%s: %w", call.ID, err)
			e.logger.Debug("short-circuited", zap.String("operation", call.ID))
			break
		}

		attempts++
		start := time.Now()
		v, err := runAttempt(ctx, timeout, call.Primary)
		e.observe(Attempt{
			Operation: call.ID,
			Number:    attempts,
			Tier:      TierPrimary,
			Duration:  time.Since(start),
			Err:       err,
			Timestamp: start,
		})

		if err == nil {
			breaker.Success()
			if attempt > 0 {
				e.logger.Debug("operation succeeded after retry",
					zap.String("operation", call.ID),
					zap.Int("attempt", attempts))
			}
			return Outcome[T]{Value: v, Tier: TierPrimary, Attempts: attempts}
		}

		lastErr = err
		if errors.Is(ctx.Err(), context.Canceled) {
			// Caller gave up; not the dependency's fault.
			breaker.Release()
			break
		}
		breaker.Failure(err)
		if ctx.Err() != nil {
			break
		}

		if !engine.IsRetryable(err) {
			e.logger.Debug("non-retryable error",
				zap.String("operation", call.ID),
				zap.Error(err))
			break
		}
		if attempt == maxRetries {
			break
		}

		delay := e.retry.Delay(attempt)
		e.logger.Debug("operation failed, retrying",
			zap.String("operation", call.ID),
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retry
		}
	}

	e.logger.Warn("primary exhausted",
		zap.String("operation", call.ID),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))

	if call.Fallback != nil {
		start := time.Now()
		v, err := runAttempt(ctx, timeout, func(actx context.Context) (T, error) {
			return call.Fallback(actx, lastErr)
		})
		e.observe(Attempt{
			Operation: call.ID,
			Number:    attempts + 1,
			Tier:      TierFallback,
			Duration:  time.Since(start),
			Err:       err,
			Timestamp: start,
		})
		if err == nil {
			return Outcome[T]{Value: v, Tier: TierFallback, Attempts: attempts, Err: lastErr}
		}
		e.logger.Warn("fallback failed",
			zap.String("operation", call.ID),
			zap.Error(err))
	}

	var v T
	if call.Emergency != nil {
		v = call.Emergency(lastErr)
	}
	return Outcome[T]{Value: v, Tier: TierEmergency, Attempts: attempts, Err: lastErr}
}

// runAttempt bounds fn by timeout. A function that ignores its context is
// abandoned when the deadline passes and its late result discarded.
func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(actx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return r.v, engine.Transient("attempt", fmt.Errorf("%w after %s", engine.ErrTimeout, timeout))
		}
		return r.v, r.err
	case <-actx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, engine.Transient("attempt", fmt.Errorf("%w after %s", engine.ErrTimeout, timeout))
	}
}

func (e *Executor) observe(a Attempt) {
	for _, o := range e.observers {
		o.ObserveAttempt(a)
	}
}

// Retries returns a pointer for Call.MaxRetries
func Retries(n int) *int { return &n }
