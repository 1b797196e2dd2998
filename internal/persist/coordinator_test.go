package persist

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FairForge/assetvault/internal/blob"
	"github.com/FairForge/assetvault/internal/docstore"
	"github.com/FairForge/assetvault/internal/engine"
	"github.com/FairForge/assetvault/internal/events"
	"github.com/FairForge/assetvault/internal/record"
	"github.com/FairForge/assetvault/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testRetries = 2

func newTestExecutor(t *testing.T) *resilience.Executor {
	t.Helper()
	registry, err := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold:  50,
		RecoveryTimeout:   time.Minute,
		HalfOpenMaxTrials: 1,
	})
	require.NoError(t, err)
	exec, err := resilience.NewExecutor(registry,
		resilience.WithRetryPolicy(resilience.RetryPolicy{
			MaxRetries:   testRetries,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		}),
		resilience.WithDefaultTimeout(time.Second))
	require.NoError(t, err)
	return exec
}

func newTestCoordinator(t *testing.T, store docstore.Store, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(store, newTestExecutor(t), opts...)
	require.NoError(t, err)
	return c
}

var classifier = blob.NewClassifier(nil, nil)

func ref(content string) string {
	return classifier.Reference(blob.ContentHash([]byte(content)))
}

func frameRecord(image string) record.Value {
	return record.Map(record.F("frame", record.Map(record.F("image", record.String(image)))))
}

func TestSave_CreateIsVerified(t *testing.T) {
	store := docstore.NewMemoryStore()
	c := newTestCoordinator(t, store)

	pr, err := c.Save(context.Background(), "doc-1", frameRecord(ref("jpeg")))
	require.NoError(t, err)

	assert.Equal(t, StateVerified, pr.Status)
	assert.True(t, pr.Created)
	assert.Equal(t, 1, pr.RefCount)
	assert.Equal(t, []State{StateNotExists, StateWriting, StateWritten, StateVerified}, pr.Transitions)
	assert.NotEqual(t, [16]byte{}, [16]byte(pr.ID))
	assert.False(t, pr.WrittenAt.IsZero())
	assert.False(t, pr.VerifiedAt.IsZero())
	assert.True(t, record.Identical(frameRecord(ref("jpeg")), pr.Record))
	assert.Equal(t, 1, store.Writes())
}

func TestSave_UpdateMergesExisting(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	require.NoError(t, store.Create(ctx, "doc-1", record.Map(
		record.F("title", record.String("Pilot")),
		record.F("poster", record.String("https://replicate.delivery/p/poster.png")),
	)))
	c := newTestCoordinator(t, store)

	pr, err := c.Save(ctx, "doc-1", frameRecord(ref("jpeg")))
	require.NoError(t, err)

	assert.False(t, pr.Created)
	assert.Equal(t, StateVerified, pr.Status)
	assert.Equal(t, 2, pr.RefCount, "existing references count towards the merge")
	assert.Equal(t, []string{"title", "poster", "frame"}, pr.Record.Keys())
}

func TestSave_VerificationCatchesLoss(t *testing.T) {
	store := docstore.NewMemoryStore(docstore.WithWriteHook(docstore.DropField("frame")))
	bus := events.NewMemoryBus()
	c := newTestCoordinator(t, store, WithEventBus(bus))

	pr, err := c.Save(context.Background(), "doc-1", record.Map(
		record.F("title", record.String("Pilot")),
		record.F("frame", record.Map(record.F("image", record.String(ref("jpeg"))))),
	))

	var consistency *engine.ConsistencyError
	require.ErrorAs(t, err, &consistency)
	assert.Equal(t, "doc-1", consistency.Key)
	assert.Equal(t, 1, consistency.Expected)
	assert.Equal(t, 0, consistency.Actual)
	assert.False(t, engine.IsRetryable(err))

	require.NotNil(t, pr)
	assert.Equal(t, StateMismatched, pr.Status)
	assert.NotEqual(t, StateVerified, pr.Status)
	assert.Equal(t, 1, store.Writes(), "a mismatch is never retried")

	recent := bus.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, events.WriteMismatched, recent[0].Type)
}

func TestSave_RefusesInlinePayloads(t *testing.T) {
	store := docstore.NewMemoryStore()
	c := newTestCoordinator(t, store)

	_, err := c.Save(context.Background(), "doc-1", frameRecord(blob.EncodeInline("image/jpeg", []byte("raw"))))

	assert.ErrorIs(t, err, engine.ErrInlinePayload)
	var permanent *engine.PermanentAssetError
	require.ErrorAs(t, err, &permanent)
	assert.Equal(t, []string{"frame.image"}, permanent.Paths)
	assert.Equal(t, 0, store.Writes())
	assert.Equal(t, 0, store.Reads())
}

func TestSave_InvalidInput(t *testing.T) {
	c := newTestCoordinator(t, docstore.NewMemoryStore())
	_, err := c.Save(context.Background(), "", record.Map())
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = c.Save(context.Background(), "doc", record.Null())
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestSave_WriteFailures(t *testing.T) {
	t.Run("exhausted retries end in failed", func(t *testing.T) {
		store := docstore.NewMemoryStore()
		store.SetFailWrites(func(string) error { return errors.New("store unavailable") })
		c := newTestCoordinator(t, store)

		pr, err := c.Save(context.Background(), "doc-1", frameRecord(ref("jpeg")))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store unavailable")
		assert.Equal(t, StateFailed, pr.Status)
		assert.Equal(t, []State{StateNotExists, StateWriting, StateFailed}, pr.Transitions)
		assert.Equal(t, testRetries+1, store.Writes())

		snap := c.executor.Registry().Breaker(OpWrite).Snapshot()
		assert.Equal(t, testRetries+1, snap.FailureCount)
	})

	t.Run("transient failure then success", func(t *testing.T) {
		store := docstore.NewMemoryStore()
		var calls atomic.Int32
		store.SetFailWrites(func(string) error {
			if calls.Add(1) == 1 {
				return engine.Transient("docstore", errors.New("connection reset"))
			}
			return nil
		})
		c := newTestCoordinator(t, store)

		pr, err := c.Save(context.Background(), "doc-1", frameRecord(ref("jpeg")))
		require.NoError(t, err)
		assert.Equal(t, StateVerified, pr.Status)
		assert.Equal(t, 2, store.Writes())
	})

	t.Run("existence check failure", func(t *testing.T) {
		store := docstore.NewMemoryStore()
		store.SetFailReads(func(string) error { return engine.ErrUnauthorized })
		c := newTestCoordinator(t, store)

		pr, err := c.Save(context.Background(), "doc-1", frameRecord(ref("jpeg")))
		assert.ErrorIs(t, err, engine.ErrUnauthorized)
		assert.Equal(t, StateFailed, pr.Status)
		assert.Equal(t, 0, store.Writes())
	})
}

func TestSave_VerifyBlobs(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewClient(blob.NewMemoryDriver())

	t.Run("dangling reference is a mismatch", func(t *testing.T) {
		c := newTestCoordinator(t, docstore.NewMemoryStore(), WithBlobVerification(blobs))

		pr, err := c.Save(ctx, "doc-1", frameRecord(ref("never-uploaded")))
		var consistency *engine.ConsistencyError
		require.ErrorAs(t, err, &consistency)
		assert.Equal(t, 1, consistency.Expected)
		assert.Equal(t, 0, consistency.Actual)
		assert.Equal(t, StateMismatched, pr.Status)
	})

	t.Run("stored reference verifies", func(t *testing.T) {
		put, err := blobs.Put(ctx, []byte("jpeg"), "image/jpeg")
		require.NoError(t, err)
		c := newTestCoordinator(t, docstore.NewMemoryStore(), WithBlobVerification(blobs))

		pr, err := c.Save(ctx, "doc-2", frameRecord(put.Reference))
		require.NoError(t, err)
		assert.Equal(t, StateVerified, pr.Status)
	})

	t.Run("external references are not resolved", func(t *testing.T) {
		c := newTestCoordinator(t, docstore.NewMemoryStore(), WithBlobVerification(blobs))
		pr, err := c.Save(ctx, "doc-3", frameRecord("https://storage.googleapis.com/b/x.png"))
		require.NoError(t, err)
		assert.Equal(t, 1, pr.RefCount)
	})
}

func TestSave_PublishesVerified(t *testing.T) {
	bus := events.NewMemoryBus()
	c := newTestCoordinator(t, docstore.NewMemoryStore(), WithEventBus(bus))

	_, err := c.Save(context.Background(), "doc-1", frameRecord(ref("jpeg")))
	require.NoError(t, err)

	recent := bus.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, events.WriteVerified, recent[0].Type)
	assert.Equal(t, "doc-1", recent[0].Key)
	assert.Equal(t, 1, recent[0].Counts["refs"])
}

func TestCountReferences(t *testing.T) {
	v := record.Map(
		record.F("a", record.String(ref("x"))),
		record.F("b", record.Array(
			record.String("https://firebasestorage.googleapis.com/v0/b/app/o/img.png"),
			record.String("plain text"),
			record.String("https://example.com/not-recognized.png"),
		)),
		record.F("c", record.Number(1)),
	)
	assert.Equal(t, 2, CountReferences(v, classifier))
	assert.Equal(t, 0, CountReferences(record.Null(), classifier))
}

func TestLifecycle(t *testing.T) {
	lc := newLifecycle()
	assert.Error(t, lc.advance(StateVerified), "cannot verify before writing")
	require.NoError(t, lc.advance(StateWriting))
	require.NoError(t, lc.advance(StateWritten))
	require.NoError(t, lc.advance(StateMismatched))
	assert.True(t, lc.state.Terminal())
	assert.Error(t, lc.advance(StateVerified))

	lc.fail()
	assert.Equal(t, StateMismatched, lc.state, "terminal states are kept")
	assert.Equal(t, "mismatched", lc.state.String())

	text, err := StateWritten.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "written", string(text))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, newTestExecutor(t))
	var cfgErr *engine.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
