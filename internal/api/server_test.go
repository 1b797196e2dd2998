package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/FairForge/assetvault/internal/blob"
	"github.com/FairForge/assetvault/internal/docstore"
	"github.com/FairForge/assetvault/internal/engine"
	"github.com/FairForge/assetvault/internal/health"
	"github.com/FairForge/assetvault/internal/metrics"
	"github.com/FairForge/assetvault/internal/persist"
	"github.com/FairForge/assetvault/internal/pipeline"
	"github.com/FairForge/assetvault/internal/resilience"
	"github.com/FairForge/assetvault/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server   *Server
	store    *docstore.MemoryStore
	blobs    *blob.Client
	registry *resilience.Registry
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	m := metrics.New()
	registry, err := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold:  1,
		RecoveryTimeout:   time.Minute,
		HalfOpenMaxTrials: 1,
	}, resilience.WithStateListener(m.OnBreakerTransition))
	require.NoError(t, err)
	exec, err := resilience.NewExecutor(registry,
		resilience.WithRetryPolicy(resilience.RetryPolicy{MaxRetries: 0, Multiplier: 1}),
		resilience.WithObserver(m))
	require.NoError(t, err)

	store := docstore.NewMemoryStore()
	blobs := blob.NewClient(blob.NewMemoryDriver())
	tr, err := transform.New(blobs, exec)
	require.NoError(t, err)
	coord, err := persist.New(store, exec)
	require.NoError(t, err)
	p, err := pipeline.New(tr, nil, coord)
	require.NoError(t, err)
	monitor, err := health.NewMonitor(registry)
	require.NoError(t, err)

	s, err := NewServer(":0", Deps{
		Pipeline: p,
		Monitor:  monitor,
		Registry: registry,
		Metrics:  m,
		Blobs:    blobs,
	}, 1<<20, nil)
	require.NoError(t, err)
	return &testEnv{server: s, store: store, blobs: blobs, registry: registry}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, httptest.NewRequest(method, path, r))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestPersistRecord(t *testing.T) {
	env := newTestServer(t)
	inline := blob.EncodeInline("image/jpeg", []byte("jpeg bytes"))

	w := env.do(t, http.MethodPost, "/records/scene-1", `{"frame":{"image":"`+inline+`"},"note":null}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode(t, w)
	persisted := resp["persisted"].(map[string]any)
	assert.Equal(t, "verified", persisted["status"])
	assert.Equal(t, float64(1), persisted["ref_count"])

	stored, err := env.store.Get(t.Context(), "scene-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"frame"}, stored.Keys())

	// A second save of the same content updates in place.
	w = env.do(t, http.MethodPost, "/records/scene-1", `{"frame":{"image":"`+inline+`"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPersistRecord_Errors(t *testing.T) {
	env := newTestServer(t)

	t.Run("invalid json", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/records/doc", `{"a":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed payload", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/records/doc", `{"thumb":"data:image/png;base64,not*base64"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		resp := decode(t, w)
		assert.Equal(t, []any{"thumb"}, resp["paths"])
		assert.Equal(t, "sanitize", resp["result"].(map[string]any)["failed_stage"])
	})

	t.Run("body too large", func(t *testing.T) {
		big := `{"blob":"` + strings.Repeat("x", 1<<20) + `"}`
		w := env.do(t, http.MethodPost, "/records/doc", big)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&engine.ConsistencyError{Key: "k", Expected: 1}, http.StatusConflict},
		{&engine.PermanentAssetError{Paths: []string{"a"}}, http.StatusUnprocessableEntity},
		{engine.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{engine.ErrCircuitOpen, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestBreakers(t *testing.T) {
	env := newTestServer(t)
	env.registry.Breaker("docstore.write").Failure(errors.New("down"))

	w := env.do(t, http.MethodGet, "/breakers", "")
	require.Equal(t, http.StatusOK, w.Code)
	var states []map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&states))
	require.Len(t, states, 1)
	assert.Equal(t, "docstore.write", states[0]["id"])
	assert.Equal(t, "open", states[0]["state"])

	w = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode(t, w)["status"])

	w = env.do(t, http.MethodPost, "/breakers/docstore.write/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "closed", decode(t, w)["state"])

	w = env.do(t, http.MethodPost, "/breakers/nope/reset", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealth_CountsRequests(t *testing.T) {
	env := newTestServer(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/version", "").Code)

	w := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["requests"])
	assert.Equal(t, float64(0), body["errors"])
}

func TestGetBlob(t *testing.T) {
	env := newTestServer(t)
	put, err := env.blobs.Put(t.Context(), []byte("png bytes"), "image/png")
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/blobs/"+put.Hash, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "png bytes", w.Body.String())

	w = env.do(t, http.MethodGet, "/blobs/"+blob.ContentHash([]byte("missing")), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/blobs/not-a-hash", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestServer(t)
	inline := blob.EncodeInline("image/png", []byte("png"))
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/records/doc", `{"i":"`+inline+`"}`).Code)

	w := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `assetvault_attempts_total{operation="blob.put",outcome="success"} 1`)
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(":0", Deps{}, 1, nil)
	var cfgErr *engine.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
