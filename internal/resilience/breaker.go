// Package resilience provides per-operation circuit breakers, retry with
// backoff, and a three-tier primary/fallback/emergency executor.
package resilience

import (
	"sync"
	"time"

	"github.com/FairForge/assetvault/internal/engine"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = engine.ErrCircuitOpen

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, requests blocked
	StateHalfOpen              // Testing if service recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Clock abstracts time for tests
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// BreakerConfig configures every breaker created by a Registry
type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxTrials int           `yaml:"half_open_max_trials"`
}

// DefaultBreakerConfig returns production defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   60 * time.Second,
		HalfOpenMaxTrials: 1,
	}
}

// Validate checks configuration
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return engine.ErrConfig("breaker.failure_threshold", "must be at least 1, got %d", c.FailureThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return engine.ErrConfig("breaker.recovery_timeout", "must be positive, got %s", c.RecoveryTimeout)
	}
	if c.HalfOpenMaxTrials < 1 {
		return engine.ErrConfig("breaker.half_open_max_trials", "must be at least 1, got %d", c.HalfOpenMaxTrials)
	}
	return nil
}

// CircuitState is a point-in-time copy of one breaker
type CircuitState struct {
	ID              string    `json:"id"`
	State           State     `json:"-"`
	StateName       string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitzero"`
	NextAttemptTime time.Time `json:"next_attempt_time,omitzero"`
}

// StateListener is told about every transition
type StateListener func(id string, from, to State)

// Breaker protects one operation identifier against cascading failures
type Breaker struct {
	mu sync.Mutex

	id       string
	cfg      BreakerConfig
	clock    Clock
	logger   *zap.Logger
	listener StateListener

	state           State
	failures        int
	trials          int
	lastFailureTime time.Time
	nextAttemptTime time.Time

	pending []transitionEvent
}

type transitionEvent struct{ from, to State }

func newBreaker(id string, cfg BreakerConfig, clock Clock, logger *zap.Logger, listener StateListener) *Breaker {
	return &Breaker{
		id:       id,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		listener: listener,
		state:    StateClosed,
	}
}

// Allow reserves permission for one attempt. An open breaker whose
// recovery timeout has elapsed moves to half-open and admits up to
// HalfOpenMaxTrials attempts.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.clock.Now().Before(b.nextAttemptTime) {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.trials = 0
	}

	// Half-open
	if b.trials >= b.cfg.HalfOpenMaxTrials {
		return ErrCircuitOpen
	}
	b.trials++
	return nil
}

// Success records a successful attempt
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.trials = 0
		b.transition(StateClosed)
	}
}

// Release hands back an attempt reserved by Allow that produced no
// verdict, such as one abandoned by its caller. State is unchanged.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.unlock()

	if b.state == StateHalfOpen && b.trials > 0 {
		b.trials--
	}
}

// Failure records a failed attempt
func (b *Breaker) Failure(err error) {
	b.mu.Lock()
	defer b.unlock()

	now := b.clock.Now()
	b.failures++
	b.lastFailureTime = now

	switch b.state {
	case StateHalfOpen:
		b.open(now, err)
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.open(now, err)
		}
	}
}

func (b *Breaker) open(now time.Time, err error) {
	b.nextAttemptTime = now.Add(b.cfg.RecoveryTimeout)
	b.trials = 0
	b.transition(StateOpen)
	b.logger.Error("circuit breaker opened",
		zap.String("operation", b.id),
		zap.Int("failures", b.failures),
		zap.Time("next_attempt", b.nextAttemptTime),
		zap.Error(err))
}

// transition must be called with mu held; the listener runs in unlock.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to != StateOpen {
		b.logger.Info("circuit breaker state change",
			zap.String("operation", b.id),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	}
	if b.listener != nil {
		b.pending = append(b.pending, transitionEvent{from: from, to: to})
	}
}

// unlock releases mu and then notifies the listener, so listeners may
// read breaker state without deadlocking.
func (b *Breaker) unlock() {
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, ev := range pending {
		b.listener(b.id, ev.from, ev.to)
	}
}

// State returns the current circuit breaker state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot copies the breaker state
func (b *Breaker) Snapshot() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitState{
		ID:              b.id,
		State:           b.state,
		StateName:       b.state.String(),
		FailureCount:    b.failures,
		LastFailureTime: b.lastFailureTime,
		NextAttemptTime: b.nextAttemptTime,
	}
}

// Reset manually closes the circuit breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.unlock()

	b.failures = 0
	b.trials = 0
	b.nextAttemptTime = time.Time{}
	b.transition(StateClosed)
	b.logger.Info("circuit breaker reset", zap.String("operation", b.id))
}
