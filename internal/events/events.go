package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Bus publishes pipeline events to in-process subscribers
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(pattern string, handler Handler) error
	Replay(from, to time.Time) ([]Event, error)
}

// Type categorizes events
type Type string

const (
	TransformCompleted  Type = "transform.completed"
	SanitizeCompleted   Type = "sanitize.completed"
	WriteVerified       Type = "write.verified"
	WriteMismatched     Type = "write.mismatched"
	WriteFailed         Type = "write.failed"
	BreakerStateChanged Type = "breaker.state_changed"
	RecoveryAttempted   Type = "recovery.attempted"
)

// Outcome of the operation the event describes
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event represents something that happened in the pipeline
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Operation string         `json:"operation,omitempty"`
	Key       string         `json:"key,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Outcome   Outcome        `json:"outcome,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New creates an event with a fresh ID and timestamp
func New(t Type, operation string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Operation: operation,
		Outcome:   OutcomeSuccess,
		Timestamp: time.Now(),
	}
}

func (e Event) WithKey(key string) Event {
	e.Key = key
	return e
}

func (e Event) WithOutcome(o Outcome) Event {
	e.Outcome = o
	return e
}

func (e Event) WithDuration(d time.Duration) Event {
	e.Duration = d
	return e
}

func (e Event) WithDetail(detail string) Event {
	e.Detail = detail
	return e
}

// WithCount copies the count map so events sharing a base stay independent.
func (e Event) WithCount(name string, n int) Event {
	counts := make(map[string]int, len(e.Counts)+1)
	for k, v := range e.Counts {
		counts[k] = v
	}
	counts[name] = n
	e.Counts = counts
	return e
}

// WithError marks the event as a failure
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
		e.Outcome = OutcomeFailure
	}
	return e
}

// Handler processes events
type Handler func(ctx context.Context, event Event) error

type subscription struct {
	pattern string
	handler Handler
}

// MemoryBus is an in-memory Bus. Handlers run synchronously in publish
// order; a failing handler does not stop the others.
type MemoryBus struct {
	mu        sync.RWMutex
	subs      []subscription
	events    []Event
	maxEvents int
	logger    *zap.Logger
}

// BusOption configures the bus
type BusOption func(*MemoryBus)

// WithMaxEvents bounds the replay buffer
func WithMaxEvents(n int) BusOption {
	return func(b *MemoryBus) {
		b.maxEvents = n
	}
}

// WithLogger logs every published event
func WithLogger(logger *zap.Logger) BusOption {
	return func(b *MemoryBus) {
		b.logger = logger
	}
}

// NewMemoryBus creates a bus keeping the last 1000 events by default
func NewMemoryBus(opts ...BusOption) *MemoryBus {
	b := &MemoryBus{
		maxEvents: 1000,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxEvents < 1 {
		b.maxEvents = 1
	}
	return b
}

// Publish stores the event for replay, then notifies matching handlers.
// Handler errors are joined into the return value.
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.events = append(b.events, event)
	if over := len(b.events) - b.maxEvents; over > 0 {
		b.events = append(b.events[:0:0], b.events[over:]...)
	}
	var handlers []Handler
	for _, s := range b.subs {
		if matchesPattern(string(event.Type), s.pattern) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.Unlock()

	logEvent(b.logger, event)

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers a handler for an exact type, a "prefix.*" pattern
// or "*".
func (b *MemoryBus) Subscribe(pattern string, handler Handler) error {
	if pattern == "" || handler == nil {
		return errors.New("events: pattern and handler are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, handler: handler})
	return nil
}

// Replay returns buffered events with from <= timestamp < to
func (b *MemoryBus) Replay(from, to time.Time) ([]Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events {
		if !event.Timestamp.Before(from) && event.Timestamp.Before(to) {
			result = append(result, event)
		}
	}
	return result, nil
}

// Recent returns up to n of the newest events, oldest first
func (b *MemoryBus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n = max(0, min(n, len(b.events)))
	out := make([]Event, n)
	copy(out, b.events[len(b.events)-n:])
	return out
}

func matchesPattern(eventType, pattern string) bool {
	if pattern == "*" || eventType == pattern {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}
