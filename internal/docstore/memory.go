package docstore

import (
	"context"
	"sync"

	"github.com/FairForge/assetvault/internal/engine"
	"github.com/FairForge/assetvault/internal/record"
)

// WriteHook may alter a document on its way into the memory store. It
// receives the full document that will be stored.
type WriteHook func(key string, v record.Value) record.Value

// DropField returns a hook that silently removes a top-level field, the
// way a misbehaving store or proxy might.
func DropField(field string) WriteHook {
	return func(key string, v record.Value) record.Value {
		fields := make([]record.Field, 0, v.Len())
		for _, f := range v.Fields() {
			if f.Key != field {
				fields = append(fields, f)
			}
		}
		return record.Map(fields...)
	}
}

// MemoryStore keeps encoded documents in memory
type MemoryStore struct {
	mu        sync.Mutex
	docs      map[string][]byte
	maxBytes  int
	hook      WriteHook
	failWrite func(key string) error
	failRead  func(key string) error
	writes    int
	reads     int
}

// MemoryOption configures the memory store
type MemoryOption func(*MemoryStore)

// WithMemoryMaxBytes overrides the size ceiling
func WithMemoryMaxBytes(n int) MemoryOption {
	return func(s *MemoryStore) {
		s.maxBytes = ceiling(n)
	}
}

// WithWriteHook installs a hook applied to every stored document
func WithWriteHook(h WriteHook) MemoryOption {
	return func(s *MemoryStore) {
		s.hook = h
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		docs:     make(map[string][]byte),
		maxBytes: DefaultMaxRecordBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Get(ctx context.Context, key string) (record.Value, error) {
	if err := ctx.Err(); err != nil {
		return record.Null(), err
	}
	s.mu.Lock()
	s.reads++
	fail := s.failRead
	body, ok := s.docs[key]
	s.mu.Unlock()

	if fail != nil {
		if err := fail(key); err != nil {
			return record.Null(), err
		}
	}
	if !ok {
		return record.Null(), engine.ErrNotFound
	}
	return decodeDocument(key, body)
}

func (s *MemoryStore) Create(ctx context.Context, key string, v record.Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encodeDocument(key, v, s.maxBytes)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWrite(key); err != nil {
		return err
	}
	if _, ok := s.docs[key]; ok {
		return engine.ErrExists
	}
	return s.store(key, v, body)
}

func (s *MemoryStore) Update(ctx context.Context, key string, partial record.Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := encodeDocument(key, partial, 0); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWrite(key); err != nil {
		return err
	}
	existing, ok := s.docs[key]
	if !ok {
		return engine.ErrNotFound
	}
	current, err := decodeDocument(key, existing)
	if err != nil {
		return err
	}
	merged := current.Merge(partial)
	body, err := encodeDocument(key, merged, s.maxBytes)
	if err != nil {
		return err
	}
	return s.store(key, merged, body)
}

// checkWrite runs the failure hook. Callers hold mu.
func (s *MemoryStore) checkWrite(key string) error {
	s.writes++
	if s.failWrite != nil {
		return s.failWrite(key)
	}
	return nil
}

// store applies the write hook and saves. Callers hold mu.
func (s *MemoryStore) store(key string, v record.Value, body []byte) error {
	if s.hook != nil {
		altered, err := record.Encode(s.hook(key, v))
		if err != nil {
			return err
		}
		body = altered
	}
	s.docs[key] = body
	return nil
}

// SetWriteHook replaces the write hook; nil removes it.
func (s *MemoryStore) SetWriteHook(h WriteHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// SetFailWrites makes Create and Update return fn's error when non-nil.
func (s *MemoryStore) SetFailWrites(fn func(key string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrite = fn
}

// SetFailReads makes Get return fn's error when non-nil.
func (s *MemoryStore) SetFailReads(fn func(key string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRead = fn
}

// Writes returns the number of Create and Update calls that reached the store
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Reads returns the number of Get calls
func (s *MemoryStore) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Len returns the number of stored documents
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }
