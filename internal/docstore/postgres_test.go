package docstore

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/FairForge/assetvault/internal/engine"
	"github.com/FairForge/assetvault/internal/record"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewPostgresStore(db, DefaultMaxRecordBytes, nil), mock
}

func TestPostgresStore_Get(t *testing.T) {
	ctx := context.Background()
	query := regexp.QuoteMeta(`SELECT body FROM documents WHERE key = $1`)

	t.Run("found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(query).WithArgs("doc-1").
			WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow([]byte(`{"frame":{"image":"https://blobs/abc"}}`)))

		v, err := s.Get(ctx, "doc-1")
		require.NoError(t, err)
		img, ok := record.Lookup(v, record.Path{}.Key("frame").Key("image"))
		require.True(t, ok)
		assert.Equal(t, record.String("https://blobs/abc"), img)
	})

	t.Run("not found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(query).WithArgs("missing").WillReturnError(sql.ErrNoRows)

		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, engine.ErrNotFound)
	})

	t.Run("auth failure is not retryable", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(query).WithArgs("doc-1").
			WillReturnError(&pq.Error{Code: "28P01", Message: "password authentication failed"})

		_, err := s.Get(ctx, "doc-1")
		assert.ErrorIs(t, err, engine.ErrUnauthorized)
		assert.False(t, engine.IsRetryable(err))
	})

	t.Run("connection failure is transient", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(query).WithArgs("doc-1").
			WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})

		_, err := s.Get(ctx, "doc-1")
		var transient *engine.TransientIOError
		assert.ErrorAs(t, err, &transient)
		assert.True(t, engine.IsRetryable(err))
	})
}

func TestPostgresStore_Create(t *testing.T) {
	ctx := context.Background()
	insert := regexp.QuoteMeta(`INSERT INTO documents (key, body) VALUES ($1, $2::jsonb) ON CONFLICT (key) DO NOTHING`)
	v := record.Map(record.F("title", record.String("Pilot")))

	t.Run("inserted", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(insert).WithArgs("doc-1", `{"title":"Pilot"}`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		assert.NoError(t, s.Create(ctx, "doc-1", v))
	})

	t.Run("conflict", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(insert).WithArgs("doc-1", `{"title":"Pilot"}`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		assert.ErrorIs(t, s.Create(ctx, "doc-1", v), engine.ErrExists)
	})

	t.Run("server side size limit", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(insert).
			WillReturnError(&pq.Error{Code: "54000", Message: "total size of jsonb object elements exceeds the maximum"})
		assert.ErrorIs(t, s.Create(ctx, "doc-1", v), engine.ErrTooLarge)
	})

	t.Run("client side ceiling skips the round trip", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		s := NewPostgresStore(db, 8, nil)

		assert.ErrorIs(t, s.Create(ctx, "doc-1", v), engine.ErrTooLarge)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_Update(t *testing.T) {
	ctx := context.Background()
	update := regexp.QuoteMeta(`UPDATE documents`)
	exists := regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM documents WHERE key = $1)`)
	partial := record.Map(record.F("cover", record.String("https://blobs/abc")))

	t.Run("merged", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(update).WithArgs("doc-1", `{"cover":"https://blobs/abc"}`, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		assert.NoError(t, s.Update(ctx, "doc-1", partial))
	})

	t.Run("missing key", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(exists).WithArgs("doc-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		assert.ErrorIs(t, s.Update(ctx, "doc-1", partial), engine.ErrNotFound)
	})

	t.Run("merge would exceed the ceiling", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(exists).WithArgs("doc-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		assert.ErrorIs(t, s.Update(ctx, "doc-1", partial), engine.ErrTooLarge)
	})

	t.Run("driver error", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(update).WillReturnError(errors.New("broken pipe"))
		err := s.Update(ctx, "doc-1", partial)
		assert.ErrorContains(t, err, "broken pipe")
		assert.True(t, engine.IsRetryable(err))
	})
}

func TestPostgresStore_UnsetCeilingUsesDefault(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStore(db, 0, nil)

	huge := record.Map(record.F("blob", record.String(strings.Repeat("x", DefaultMaxRecordBytes))))
	assert.ErrorIs(t, s.Create(ctx, "doc-1", huge), engine.ErrTooLarge)
	assert.ErrorIs(t, s.Update(ctx, "doc-1", huge), engine.ErrTooLarge)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE documents`)).
		WithArgs("doc-1", `{"a":1}`, DefaultMaxRecordBytes).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, s.Update(ctx, "doc-1", record.Map(record.F("a", record.Number(1)))))
	assert.NoError(t, mock.ExpectationsWereMet())

	mem := NewMemoryStore(WithMemoryMaxBytes(0))
	assert.ErrorIs(t, mem.Create(ctx, "doc-1", huge), engine.ErrTooLarge)
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS documents`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestPostgresConfig_DSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Database: "assets", User: "svc", Password: "pw"}
	assert.Equal(t, "host=db port=5432 user=svc password=pw dbname=assets sslmode=disable", cfg.DSN())
}
