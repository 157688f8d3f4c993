// Package concurrency bounds in-flight work and isolates failing sources. The
// Manager combines a global slot budget, a CPU worker category, per-source
// circuit breakers, per-source rate limits and an error aggregator.
package concurrency

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
	"github.com/JakeFAU/listing-photo-ingest/internal/metrics"
	"github.com/JakeFAU/listing-photo-ingest/internal/policy/ratelimit"
)

// Config sizes the manager.
type Config struct {
	// MaxConcurrent bounds every in-flight operation. Zero means four per CPU.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// CPUWorkers bounds decode and re-encode work. Zero means one per CPU.
	CPUWorkers  int     `mapstructure:"cpu_workers"`
	SourceRPS   float64 `mapstructure:"source_rps"`
	SourceBurst int     `mapstructure:"source_burst"`
	// SourceOverrides paces individual sources differently from the default.
	SourceOverrides map[string]ratelimit.Override `mapstructure:"-"`
}

// DefaultConfig sizes the pool for I/O bound work.
func DefaultConfig() Config {
	procs := runtime.GOMAXPROCS(0)
	return Config{MaxConcurrent: 4 * procs, CPUWorkers: procs}
}

// Manager is the single facade the orchestrator uses for admission control.
type Manager struct {
	cfg      Config
	slots    *semaphore.Weighted
	cpu      *semaphore.Weighted
	breakers *Breakers
	errors   *ErrorAggregator
	limiter  *ratelimit.Limiter
	logger   *zap.Logger

	inflight atomic.Int64
	peak     atomic.Int64
}

// NewManager wires the mechanisms together. A nil clock uses time.Now.
func NewManager(cfg Config, breakerCfg BreakerConfig, errCfg ErrorConfig, now func() time.Time, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.CPUWorkers <= 0 {
		cfg.CPUWorkers = def.CPUWorkers
	}
	if cfg.CPUWorkers > cfg.MaxConcurrent {
		cfg.CPUWorkers = cfg.MaxConcurrent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.SourceRPS,
		DefaultBurst: cfg.SourceBurst,
		Overrides:    cfg.SourceOverrides,
	})
	return &Manager{
		cfg:      cfg,
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cpu:      semaphore.NewWeighted(int64(cfg.CPUWorkers)),
		breakers: NewBreakers(breakerCfg, now),
		errors:   NewErrorAggregator(errCfg),
		limiter:  limiter,
		logger:   logger,
	}
}

// MaxConcurrent returns the configured slot ceiling.
func (m *Manager) MaxConcurrent() int { return m.cfg.MaxConcurrent }

// AcquireSlot blocks until an operation slot is free or ctx is done. The
// returned release func must be called exactly once.
func (m *Manager) AcquireSlot(ctx context.Context) (func(), error) {
	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire slot: %w", err)
	}
	m.enter()
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			m.leave()
			m.slots.Release(1)
		}
	}, nil
}

// AcquireCPU takes a global slot and a CPU worker slot, in that order.
func (m *Manager) AcquireCPU(ctx context.Context) (func(), error) {
	releaseSlot, err := m.AcquireSlot(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.cpu.Acquire(ctx, 1); err != nil {
		releaseSlot()
		return nil, fmt.Errorf("acquire cpu worker: %w", err)
	}
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			m.cpu.Release(1)
			releaseSlot()
		}
	}, nil
}

func (m *Manager) enter() {
	n := m.inflight.Add(1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	metrics.SetInflight(n)
}

func (m *Manager) leave() {
	metrics.SetInflight(m.inflight.Add(-1))
}

// InFlight returns the number of operations currently holding a slot.
func (m *Manager) InFlight() int64 { return m.inflight.Load() }

// PeakInFlight returns the highest concurrent slot usage observed.
func (m *Manager) PeakInFlight() int64 { return m.peak.Load() }

// IsAvailable reports whether source's breaker admits calls. It has no side
// effects.
func (m *Manager) IsAvailable(source string) bool {
	return m.breakers.IsAvailable(source)
}

// AdmitSource claims admission for one call to source. A half-open source
// admits a single probe until its outcome is recorded or released.
func (m *Manager) AdmitSource(source string) error {
	if !m.breakers.TryAcquire(source) {
		return fmt.Errorf("%s: %w", source, ingest.ErrSourceUnavailable)
	}
	return nil
}

// ReleaseSource abandons an admitted call without recording an outcome.
func (m *Manager) ReleaseSource(source string) {
	m.breakers.Release(source)
}

// RecordFailure feeds source's breaker and reports whether it is now open.
func (m *Manager) RecordFailure(source string) bool {
	before := m.breakers.State(source)
	open := m.breakers.RecordFailure(source)
	if open && before != StateOpen {
		metrics.ObserveBreakerOpen(source)
		m.logger.Warn("circuit opened", zap.String("source", source))
	}
	return open
}

// RecordSuccess feeds source's breaker.
func (m *Manager) RecordSuccess(source string) {
	before := m.breakers.State(source)
	m.breakers.RecordSuccess(source)
	if before == StateHalfOpen && m.breakers.State(source) == StateClosed {
		m.logger.Info("circuit closed", zap.String("source", source))
	}
}

// BreakerState returns the effective state of source's circuit.
func (m *Manager) BreakerState(source string) BreakerState {
	return m.breakers.State(source)
}

// Breakers returns a snapshot of all circuits.
func (m *Manager) Breakers() []CircuitSnapshot {
	return m.breakers.Snapshot()
}

// RecordError counts msg and reports whether similar errors should be logged
// quietly from now on.
func (m *Manager) RecordError(msg string) bool {
	return m.errors.RecordError(msg)
}

// TopErrors returns the most frequent error patterns.
func (m *Manager) TopErrors(n int) []ErrorCount {
	return m.errors.TopErrors(n)
}

// Wait paces calls to source according to its rate limit.
func (m *Manager) Wait(ctx context.Context, source string) error {
	return m.limiter.Wait(ctx, source)
}
