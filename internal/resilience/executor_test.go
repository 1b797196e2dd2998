package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FairForge/assetvault/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:   retries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Jitter:       true,
	}
}

func newTestExecutor(t *testing.T, threshold, retries int, opts ...ExecutorOption) *Executor {
	t.Helper()
	r := newTestRegistry(t, newFakeClock(), threshold, time.Minute)
	opts = append([]ExecutorOption{WithRetryPolicy(fastPolicy(retries)), WithDefaultTimeout(time.Second)}, opts...)
	e, err := NewExecutor(r, opts...)
	require.NoError(t, err)
	return e
}

func TestExecute_Primary(t *testing.T) {
	t.Run("retries transient failures", func(t *testing.T) {
		e := newTestExecutor(t, 10, 5)
		attempts := 0

		out := Execute(context.Background(), e, Call[string]{
			ID: "blob.put",
			Primary: func(ctx context.Context) (string, error) {
				attempts++
				if attempts < 3 {
					return "", errors.New("transient error")
				}
				return "ref", nil
			},
		})

		assert.Equal(t, TierPrimary, out.Tier)
		assert.Equal(t, "ref", out.Value)
		assert.Equal(t, 3, out.Attempts)
		assert.NoError(t, out.Err)
		assert.False(t, out.Degraded())
	})

	t.Run("stops on non-retryable errors", func(t *testing.T) {
		e := newTestExecutor(t, 10, 5)
		attempts := 0

		out := Execute(context.Background(), e, Call[int]{
			ID: "blob.put",
			Primary: func(ctx context.Context) (int, error) {
				attempts++
				return 0, engine.ErrUnauthorized
			},
			Emergency: func(error) int { return -1 },
		})

		assert.Equal(t, 1, attempts)
		assert.Equal(t, TierEmergency, out.Tier)
		assert.Equal(t, -1, out.Value)
		assert.ErrorIs(t, out.Err, engine.ErrUnauthorized)
	})

	t.Run("stops early once the breaker opens", func(t *testing.T) {
		e := newTestExecutor(t, 2, 10)
		attempts := 0

		out := Execute(context.Background(), e, Call[int]{
			ID: "docstore.write",
			Primary: func(ctx context.Context) (int, error) {
				attempts++
				return 0, errors.New("unavailable")
			},
		})

		assert.Equal(t, 2, attempts)
		assert.ErrorIs(t, out.Err, ErrCircuitOpen)
		assert.Equal(t, StateOpen, e.Registry().Breaker("docstore.write").State())

		// Next call is short-circuited without touching the dependency.
		out = Execute(context.Background(), e, Call[int]{
			ID: "docstore.write",
			Primary: func(ctx context.Context) (int, error) {
				attempts++
				return 1, nil
			},
		})
		assert.Equal(t, 2, attempts)
		assert.Equal(t, 0, out.Attempts)
		assert.Equal(t, TierEmergency, out.Tier)
	})

	t.Run("per-attempt timeout counts as a failure", func(t *testing.T) {
		e := newTestExecutor(t, 10, 1)
		release := make(chan struct{})
		defer close(release)

		out := Execute(context.Background(), e, Call[int]{
			ID:      "docstore.get",
			Timeout: 10 * time.Millisecond,
			Primary: func(ctx context.Context) (int, error) {
				select {
				case <-ctx.Done():
					return 0, ctx.Err()
				case <-release:
					return 1, nil
				}
			},
		})

		assert.Equal(t, 2, out.Attempts)
		assert.ErrorIs(t, out.Err, engine.ErrTimeout)
		var transient *engine.TransientIOError
		assert.ErrorAs(t, out.Err, &transient)
		assert.Equal(t, 2, e.Registry().Breaker("docstore.get").Snapshot().FailureCount)
	})

	t.Run("caller cancellation is not charged to the breaker", func(t *testing.T) {
		e := newTestExecutor(t, 1, 3)
		ctx, cancel := context.WithCancel(context.Background())

		out := Execute(ctx, e, Call[int]{
			ID: "blob.put",
			Primary: func(ctx context.Context) (int, error) {
				cancel()
				<-ctx.Done()
				return 0, ctx.Err()
			},
		})

		assert.ErrorIs(t, out.Err, context.Canceled)
		assert.Equal(t, StateClosed, e.Registry().Breaker("blob.put").State())
	})

	t.Run("cancelled half-open trial is handed back", func(t *testing.T) {
		clock := newFakeClock()
		e, err := NewExecutor(newTestRegistry(t, clock, 1, time.Minute),
			WithRetryPolicy(fastPolicy(0)), WithDefaultTimeout(time.Second))
		require.NoError(t, err)
		b := e.Registry().Breaker("blob.put")
		require.NoError(t, b.Allow())
		b.Failure(errors.New("unavailable"))
		require.Equal(t, StateOpen, b.State())
		clock.Advance(2 * time.Minute)

		ctx, cancel := context.WithCancel(context.Background())
		out := Execute(ctx, e, Call[int]{
			ID: "blob.put",
			Primary: func(ctx context.Context) (int, error) {
				cancel()
				<-ctx.Done()
				return 0, ctx.Err()
			},
		})
		assert.ErrorIs(t, out.Err, context.Canceled)
		assert.Equal(t, StateHalfOpen, b.State())

		calls := 0
		out = Execute(context.Background(), e, Call[int]{
			ID: "blob.put",
			Primary: func(ctx context.Context) (int, error) {
				calls++
				return 7, nil
			},
		})
		assert.Equal(t, 1, calls)
		assert.Equal(t, TierPrimary, out.Tier)
		assert.Equal(t, 7, out.Value)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("explicit retry count overrides the policy", func(t *testing.T) {
		e := newTestExecutor(t, 10, 5)
		attempts := 0
		Execute(context.Background(), e, Call[int]{
			ID:         "op",
			MaxRetries: Retries(0),
			Primary: func(ctx context.Context) (int, error) {
				attempts++
				return 0, errors.New("x")
			},
		})
		assert.Equal(t, 1, attempts)
	})
}

func TestExecute_Tiers(t *testing.T) {
	failing := func(ctx context.Context) (string, error) { return "", errors.New("primary down") }

	t.Run("fallback receives the primary error", func(t *testing.T) {
		e := newTestExecutor(t, 10, 1)
		var cause error

		out := Execute(context.Background(), e, Call[string]{
			ID:      "blob.put",
			Primary: failing,
			Fallback: func(ctx context.Context, err error) (string, error) {
				cause = err
				return "from-fallback", nil
			},
		})

		assert.Equal(t, TierFallback, out.Tier)
		assert.Equal(t, "from-fallback", out.Value)
		assert.True(t, out.Degraded())
		assert.EqualError(t, cause, "primary down")
	})

	t.Run("emergency value when everything fails", func(t *testing.T) {
		e := newTestExecutor(t, 10, 1)

		out := Execute(context.Background(), e, Call[string]{
			ID:       "blob.put",
			Primary:  failing,
			Fallback: func(ctx context.Context, err error) (string, error) { return "", errors.New("fallback down") },
			Emergency: func(err error) string {
				return "degraded:" + err.Error()
			},
		})

		assert.Equal(t, TierEmergency, out.Tier)
		assert.Equal(t, "degraded:primary down", out.Value)
		assert.EqualError(t, out.Err, "primary down")
	})

	t.Run("no emergency yields the zero value", func(t *testing.T) {
		e := newTestExecutor(t, 10, 0)
		out := Execute(context.Background(), e, Call[string]{ID: "x", Primary: failing})
		assert.Equal(t, TierEmergency, out.Tier)
		assert.Empty(t, out.Value)
		assert.Error(t, out.Err)
	})
}

func TestExecute_Observers(t *testing.T) {
	var mu sync.Mutex
	var seen []Attempt
	obs := ObserverFunc(func(a Attempt) {
		mu.Lock()
		seen = append(seen, a)
		mu.Unlock()
	})
	e := newTestExecutor(t, 10, 2, WithObserver(obs))

	var calls atomic.Int32
	Execute(context.Background(), e, Call[int]{
		ID: "docstore.verify",
		Primary: func(ctx context.Context) (int, error) {
			if calls.Add(1) == 1 {
				return 0, errors.New("flaky")
			}
			return 1, nil
		},
	})

	require.Len(t, seen, 2)
	assert.Error(t, seen[0].Err)
	assert.NoError(t, seen[1].Err)
	assert.Equal(t, "docstore.verify", seen[1].Operation)
	assert.Equal(t, 2, seen[1].Number)
}

func TestExecute_ConcurrentCallersShareBreaker(t *testing.T) {
	e := newTestExecutor(t, 1000, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Execute(context.Background(), e, Call[int]{
				ID:      "blob.put",
				Primary: func(ctx context.Context) (int, error) { return 0, errors.New("x") },
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, e.Registry().Breaker("blob.put").Snapshot().FailureCount)
}

func TestNewExecutor_Validation(t *testing.T) {
	_, err := NewExecutor(nil)
	var cfgErr *engine.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	r := newTestRegistry(t, newFakeClock(), 1, time.Second)
	_, err = NewExecutor(r, WithDefaultTimeout(0))
	assert.ErrorAs(t, err, &cfgErr)
}
