package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/FairForge/assetvault/internal/events"
	"github.com/FairForge/assetvault/internal/resilience"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Attempts(t *testing.T) {
	m := New()

	m.ObserveAttempt(resilience.Attempt{Operation: "blob.put", Duration: 10 * time.Millisecond})
	m.ObserveAttempt(resilience.Attempt{Operation: "blob.put", Err: errors.New("x")})
	m.ObserveAttempt(resilience.Attempt{Operation: "blob.put", Tier: resilience.TierFallback})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("blob.put", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("blob.put", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("blob.put", "fallback_success")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Duration))
}

func TestMetrics_BreakerGauge(t *testing.T) {
	m := New()
	r, err := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold:  1,
		RecoveryTimeout:   time.Minute,
		HalfOpenMaxTrials: 1,
	}, resilience.WithStateListener(m.OnBreakerTransition))
	require.NoError(t, err)

	r.Breaker("docstore.write").Failure(errors.New("down"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("docstore.write")))

	r.Reset("docstore.write")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("docstore.write")))
}

func TestMetrics_Events(t *testing.T) {
	m := New()
	bus := events.NewMemoryBus()
	require.NoError(t, m.Attach(bus))
	ctx := context.Background()

	_ = bus.Publish(ctx, events.New(events.TransformCompleted, "blob.put").
		WithCount("externalized", 3).WithCount("failed", 1))
	_ = bus.Publish(ctx, events.New(events.WriteVerified, "docstore.write"))
	_ = bus.Publish(ctx, events.New(events.WriteVerified, "docstore.write"))
	_ = bus.Publish(ctx, events.New(events.WriteMismatched, "docstore.write"))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Externalized))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Writes.WithLabelValues("verified")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Writes.WithLabelValues("mismatched")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Externalized.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "assetvault_assets_externalized_total 1")

	// Independent instances do not share state.
	assert.Equal(t, 0.0, testutil.ToFloat64(New().Externalized))
}
