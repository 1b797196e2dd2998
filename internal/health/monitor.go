// Package health turns breaker state and attempt outcomes into a system
// health signal and drives recovery strategies.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FairForge/assetvault/internal/engine"
	"github.com/FairForge/assetvault/internal/events"
	"github.com/FairForge/assetvault/internal/resilience"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status represents subsystem or overall health
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	}
	return 0
}

func worse(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// StrategyResetBreaker is registered for every subsystem with a probe
const StrategyResetBreaker = "reset-breaker"

// Probe checks whether a dependency answers
type Probe func(ctx context.Context) error

// Strategy attempts to restore a subsystem
type Strategy func(ctx context.Context, subsystem string) error

// Thresholds decide when error rates degrade health
type Thresholds struct {
	Window             int     `yaml:"window"`
	MinSamples         int     `yaml:"min_samples"`
	DegradedErrorRate  float64 `yaml:"degraded_error_rate"`
	UnhealthyErrorRate float64 `yaml:"unhealthy_error_rate"`
	HistorySize        int     `yaml:"history_size"`
}

// DefaultThresholds returns production settings
func DefaultThresholds() Thresholds {
	return Thresholds{
		Window:             50,
		MinSamples:         5,
		DegradedErrorRate:  0.2,
		UnhealthyErrorRate: 0.5,
		HistorySize:        10,
	}
}

// Validate checks threshold bounds
func (t Thresholds) Validate() error {
	switch {
	case t.Window < 1:
		return engine.ErrConfig("health.window", "must be at least 1, got %d", t.Window)
	case t.MinSamples < 1:
		return engine.ErrConfig("health.min_samples", "must be at least 1, got %d", t.MinSamples)
	case t.DegradedErrorRate <= 0 || t.DegradedErrorRate > 1:
		return engine.ErrConfig("health.degraded_error_rate", "must be in (0, 1], got %v", t.DegradedErrorRate)
	case t.UnhealthyErrorRate < t.DegradedErrorRate || t.UnhealthyErrorRate > 1:
		return engine.ErrConfig("health.unhealthy_error_rate", "must be in [degraded rate, 1], got %v", t.UnhealthyErrorRate)
	case t.HistorySize < 1:
		return engine.ErrConfig("health.history_size", "must be at least 1, got %d", t.HistorySize)
	}
	return nil
}

// RecoveryAttempt is an immutable log entry
type RecoveryAttempt struct {
	ID        string        `json:"id"`
	Subsystem string        `json:"subsystem"`
	Strategy  string        `json:"strategy"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// SubsystemStats summarizes the outcome window of one operation id
type SubsystemStats struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Samples     int       `json:"samples"`
	Failures    int       `json:"failures"`
	ErrorRate   float64   `json:"error_rate"`
	Total       int64     `json:"total"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitzero"`
}

// Report is the full health picture
type Report struct {
	Status            Status                       `json:"status"`
	Subsystems        map[string]SubsystemStats    `json:"subsystems"`
	Breakers          []resilience.CircuitState    `json:"breakers"`
	LastWriteVerified *bool                        `json:"last_write_verified,omitempty"`
	LastWriteKey      string                       `json:"last_write_key,omitempty"`
	Recoveries        map[string][]RecoveryAttempt `json:"recoveries,omitempty"`
	Timestamp         time.Time                    `json:"timestamp"`
}

type window struct {
	outcomes []bool // true = failure
	next     int
	full     bool
	total    int64
	lastErr  string
	lastAt   time.Time
}

func (w *window) add(failed bool, size int) {
	if len(w.outcomes) != size {
		w.outcomes = make([]bool, size)
		w.next, w.full = 0, false
	}
	w.outcomes[w.next] = failed
	w.next = (w.next + 1) % size
	if w.next == 0 {
		w.full = true
	}
	w.total++
}

func (w *window) counts() (samples, failures int) {
	samples = w.next
	if w.full {
		samples = len(w.outcomes)
	}
	for i := 0; i < samples; i++ {
		if w.outcomes[i] {
			failures++
		}
	}
	return samples, failures
}

type namedStrategy struct {
	name string
	fn   Strategy
}

// Monitor implements resilience.Observer
type Monitor struct {
	mu         sync.Mutex
	registry   *resilience.Registry
	thresholds Thresholds
	windows    map[string]*window
	strategies map[string][]namedStrategy
	probes     map[string]Probe
	history    map[string][]RecoveryAttempt
	lastWrite  *bool
	lastKey    string
	bus        events.Bus
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures the monitor
type Option func(*Monitor)

// WithThresholds overrides DefaultThresholds
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) {
		m.thresholds = t
	}
}

// WithEventBus tracks write outcomes from bus and publishes breaker and
// recovery events to it
func WithEventBus(bus events.Bus) Option {
	return func(m *Monitor) {
		m.bus = bus
	}
}

// WithLogger adds logging
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a monitor over registry
func NewMonitor(registry *resilience.Registry, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		registry:   registry,
		thresholds: DefaultThresholds(),
		windows:    make(map[string]*window),
		strategies: make(map[string][]namedStrategy),
		probes:     make(map[string]Probe),
		history:    make(map[string][]RecoveryAttempt),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if registry == nil {
		return nil, engine.ErrConfig("health.registry", "required")
	}
	if err := m.thresholds.Validate(); err != nil {
		return nil, err
	}

	if m.bus != nil {
		if err := m.bus.Subscribe("write.*", m.onWrite); err != nil {
			return nil, fmt.Errorf("subscribe to write events: %w", err)
		}
		registry.Subscribe(m.onTransition)
	}
	return m, nil
}

// ObserveAttempt records one primary or fallback outcome
func (m *Monitor) ObserveAttempt(a resilience.Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[a.Operation]
	if !ok {
		w = &window{}
		m.windows[a.Operation] = w
	}
	w.add(a.Err != nil, m.thresholds.Window)
	if a.Err != nil {
		w.lastErr = a.Err.Error()
		w.lastAt = a.Timestamp
	}
}

// RegisterProbe enables the reset-breaker strategy for subsystem
func (m *Monitor) RegisterProbe(subsystem string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[subsystem] = probe
}

// RegisterStrategy adds a recovery strategy; strategies run in
// registration order after reset-breaker.
func (m *Monitor) RegisterStrategy(subsystem, name string, fn Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[subsystem] = append(m.strategies[subsystem], namedStrategy{name: name, fn: fn})
}

// Status returns the overall health
func (m *Monitor) Status() Status {
	return m.Report().Status
}

// Report builds a snapshot of every subsystem
func (m *Monitor) Report() Report {
	breakers := m.registry.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()

	report := Report{
		Status:     StatusHealthy,
		Subsystems: m.subsystemsLocked(breakers),
		Breakers:   breakers,
		Recoveries: make(map[string][]RecoveryAttempt, len(m.history)),
		Timestamp:  m.now(),
	}
	for _, s := range report.Subsystems {
		report.Status = worse(report.Status, s.Status)
	}
	if m.lastWrite != nil {
		verified := *m.lastWrite
		report.LastWriteVerified = &verified
		report.LastWriteKey = m.lastKey
		if !verified {
			report.Status = worse(report.Status, StatusDegraded)
		}
	}
	for sub, h := range m.history {
		report.Recoveries[sub] = append([]RecoveryAttempt(nil), h...)
	}
	return report
}

// subsystemsLocked merges breaker state and outcome windows. Callers hold mu.
func (m *Monitor) subsystemsLocked(breakers []resilience.CircuitState) map[string]SubsystemStats {
	out := make(map[string]SubsystemStats)
	for name, w := range m.windows {
		samples, failures := w.counts()
		s := SubsystemStats{
			Name:        name,
			Status:      StatusHealthy,
			Samples:     samples,
			Failures:    failures,
			Total:       w.total,
			LastError:   w.lastErr,
			LastErrorAt: w.lastAt,
		}
		if samples > 0 {
			s.ErrorRate = float64(failures) / float64(samples)
		}
		if samples >= m.thresholds.MinSamples {
			switch {
			case s.ErrorRate >= m.thresholds.UnhealthyErrorRate:
				s.Status = StatusUnhealthy
			case s.ErrorRate >= m.thresholds.DegradedErrorRate:
				s.Status = StatusDegraded
			}
		}
		out[name] = s
	}

	for _, b := range breakers {
		s, ok := out[b.ID]
		if !ok {
			s = SubsystemStats{Name: b.ID, Status: StatusHealthy}
		}
		switch b.State {
		case resilience.StateOpen:
			s.Status = StatusUnhealthy
		case resilience.StateHalfOpen:
			s.Status = worse(s.Status, StatusDegraded)
		}
		out[b.ID] = s
	}
	return out
}

// Recover runs strategies for every subsystem that is not healthy. For
// each subsystem strategies run in order until one succeeds.
func (m *Monitor) Recover(ctx context.Context) []RecoveryAttempt {
	report := m.Report()
	names := make([]string, 0, len(report.Subsystems))
	for name, s := range report.Subsystems {
		if s.Status != StatusHealthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var attempts []RecoveryAttempt
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		for _, st := range m.strategiesFor(name) {
			a := m.attempt(ctx, name, st)
			attempts = append(attempts, a)
			if a.Success {
				break
			}
		}
	}
	return attempts
}

func (m *Monitor) strategiesFor(subsystem string) []namedStrategy {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []namedStrategy
	if probe, ok := m.probes[subsystem]; ok {
		out = append(out, namedStrategy{name: StrategyResetBreaker, fn: m.resetBreaker(probe)})
	}
	return append(out, m.strategies[subsystem]...)
}

// resetBreaker closes the subsystem's breaker when its probe passes.
func (m *Monitor) resetBreaker(probe Probe) Strategy {
	return func(ctx context.Context, subsystem string) error {
		if err := probe(ctx); err != nil {
			return fmt.Errorf("probe failed: %w", err)
		}
		m.registry.Reset(subsystem)
		return nil
	}
}

func (m *Monitor) attempt(ctx context.Context, subsystem string, st namedStrategy) RecoveryAttempt {
	start := m.now()
	err := runStrategy(ctx, st.fn, subsystem)

	a := RecoveryAttempt{
		ID:        uuid.NewString(),
		Subsystem: subsystem,
		Strategy:  st.name,
		Success:   err == nil,
		Duration:  m.now().Sub(start),
		Timestamp: start,
	}
	if err != nil {
		a.Error = err.Error()
	}

	m.mu.Lock()
	h := append(m.history[subsystem], a)
	if over := len(h) - m.thresholds.HistorySize; over > 0 {
		h = append([]RecoveryAttempt(nil), h[over:]...)
	}
	m.history[subsystem] = h
	if a.Success {
		// Outcomes before recovery no longer describe the subsystem.
		delete(m.windows, subsystem)
	}
	m.mu.Unlock()

	if a.Success {
		m.logger.Info("recovery succeeded",
			zap.String("subsystem", subsystem),
			zap.String("strategy", st.name),
			zap.Duration("duration", a.Duration))
	} else {
		m.logger.Warn("recovery failed",
			zap.String("subsystem", subsystem),
			zap.String("strategy", st.name),
			zap.Error(err))
	}
	if m.bus != nil {
		_ = m.bus.Publish(ctx, events.New(events.RecoveryAttempted, subsystem).
			WithDetail(st.name).
			WithDuration(a.Duration).
			WithError(err))
	}
	return a
}

// runStrategy converts panics into errors so one bad strategy cannot take
// down the monitor loop.
func runStrategy(ctx context.Context, fn Strategy, subsystem string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panicked: %v", r)
		}
	}()
	return fn(ctx, subsystem)
}

// History returns recent recovery attempts for subsystem, oldest first
func (m *Monitor) History(subsystem string) []RecoveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecoveryAttempt(nil), m.history[subsystem]...)
}

// Run calls Recover every interval until ctx is done
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return engine.ErrConfig("health.interval", "must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if attempts := m.Recover(ctx); len(attempts) > 0 {
				m.logger.Debug("recovery pass", zap.Int("attempts", len(attempts)))
			}
		}
	}
}

func (m *Monitor) onWrite(ctx context.Context, e events.Event) error {
	var verified bool
	switch e.Type {
	case events.WriteVerified:
		verified = true
	case events.WriteMismatched, events.WriteFailed:
	default:
		return nil
	}
	m.mu.Lock()
	m.lastWrite = &verified
	m.lastKey = e.Key
	m.mu.Unlock()
	return nil
}

func (m *Monitor) onTransition(id string, from, to resilience.State) {
	e := events.New(events.BreakerStateChanged, id).WithDetail(from.String() + "->" + to.String())
	if to == resilience.StateOpen {
		e = e.WithOutcome(events.OutcomeFailure)
	}
	_ = m.bus.Publish(context.Background(), e)
}
