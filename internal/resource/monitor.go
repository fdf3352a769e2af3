// Package resource tracks concurrent-task admission against a configured
// ceiling and throttles that ceiling when host CPU or memory crosses a
// high-water mark. Admission counters are the only state in the system
// mutated from multiple workers concurrently; all mutation goes through the
// atomic reserve/release pair here.
package resource

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// HostStats is one host usage sample.
type HostStats struct {
	CPUPercent float64
	MemPercent float64
}

// Sampler reports current host usage. The default is gopsutil-backed; tests
// substitute a stub.
type Sampler func(ctx context.Context) (HostStats, error)

// ThrottleFunc observes throttle state changes so callers can audit them.
type ThrottleFunc func(engaged bool, stats HostStats, effectiveLimit int64)

type Config struct {
	MaxConcurrent  int
	CPUHighWater   float64
	CPULowWater    float64
	MemHighWater   float64
	MemLowWater    float64
	SampleInterval time.Duration
}

// Budget is a point-in-time snapshot of admission capacity. Never persisted.
type Budget struct {
	MaxConcurrent  int64     `json:"max_concurrent"`
	EffectiveLimit int64     `json:"effective_limit"`
	InUse          int64     `json:"in_use"`
	Throttled      bool      `json:"throttled"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemPercent     float64   `json:"mem_percent"`
	SampledAt      time.Time `json:"sampled_at,omitempty"`
}

type Monitor struct {
	maxConcurrent int64
	limit         atomic.Int64
	inUse         atomic.Int64
	throttled     atomic.Bool

	cfg        Config
	sampler    Sampler
	onThrottle ThrottleFunc
	logger     zerolog.Logger

	mu        sync.Mutex
	lastStats HostStats
	sampledAt time.Time
}

func NewMonitor(cfg Config, sampler Sampler, onThrottle ThrottleFunc, logger zerolog.Logger) (*Monitor, error) {
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent must be > 0")
	}
	if cfg.CPUHighWater > 0 && cfg.CPULowWater >= cfg.CPUHighWater {
		return nil, fmt.Errorf("cpu low water must be below high water")
	}
	if cfg.MemHighWater > 0 && cfg.MemLowWater >= cfg.MemHighWater {
		return nil, fmt.Errorf("mem low water must be below high water")
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if sampler == nil {
		sampler = HostSampler
	}
	m := &Monitor{
		maxConcurrent: int64(cfg.MaxConcurrent),
		cfg:           cfg,
		sampler:       sampler,
		onThrottle:    onThrottle,
		logger:        logger,
	}
	m.limit.Store(m.maxConcurrent)
	return m, nil
}

// Admit reserves one execution slot if capacity remains. Non-blocking; a
// false return is a backoff signal, not an error.
func (m *Monitor) Admit() bool {
	for {
		current := m.inUse.Load()
		if current >= m.limit.Load() {
			return false
		}
		if m.inUse.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release returns a slot reserved by a successful Admit. The counter never
// goes below zero, so a release without a matching Admit cannot wipe a
// concurrent reservation.
func (m *Monitor) Release() {
	for {
		current := m.inUse.Load()
		if current <= 0 {
			m.logger.Error().Msg("resource release without matching admit")
			return
		}
		if m.inUse.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func (m *Monitor) Budget() Budget {
	m.mu.Lock()
	stats := m.lastStats
	sampledAt := m.sampledAt
	m.mu.Unlock()
	return Budget{
		MaxConcurrent:  m.maxConcurrent,
		EffectiveLimit: m.limit.Load(),
		InUse:          m.inUse.Load(),
		Throttled:      m.throttled.Load(),
		CPUPercent:     stats.CPUPercent,
		MemPercent:     stats.MemPercent,
		SampledAt:      sampledAt,
	}
}

// Run samples host usage until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	stats, err := m.sampler(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("host resource sample failed")
		return
	}
	m.mu.Lock()
	m.lastStats = stats
	m.sampledAt = time.Now().UTC()
	m.mu.Unlock()
	m.evaluate(stats)
}

// evaluate applies hysteresis: throttle above the high-water mark, restore
// only once usage falls back below the low-water mark.
func (m *Monitor) evaluate(stats HostStats) {
	overHigh := (m.cfg.CPUHighWater > 0 && stats.CPUPercent >= m.cfg.CPUHighWater) ||
		(m.cfg.MemHighWater > 0 && stats.MemPercent >= m.cfg.MemHighWater)
	underLow := (m.cfg.CPUHighWater <= 0 || stats.CPUPercent <= m.cfg.CPULowWater) &&
		(m.cfg.MemHighWater <= 0 || stats.MemPercent <= m.cfg.MemLowWater)

	if overHigh && !m.throttled.Load() {
		reduced := m.maxConcurrent / 2
		if reduced < 1 {
			reduced = 1
		}
		m.limit.Store(reduced)
		m.throttled.Store(true)
		m.logger.Warn().Float64("cpu", stats.CPUPercent).Float64("mem", stats.MemPercent).Int64("effective_limit", reduced).Msg("resource throttle engaged")
		if m.onThrottle != nil {
			m.onThrottle(true, stats, reduced)
		}
		return
	}
	if underLow && m.throttled.Load() {
		m.limit.Store(m.maxConcurrent)
		m.throttled.Store(false)
		m.logger.Info().Float64("cpu", stats.CPUPercent).Float64("mem", stats.MemPercent).Int64("effective_limit", m.maxConcurrent).Msg("resource throttle released")
		if m.onThrottle != nil {
			m.onThrottle(false, stats, m.maxConcurrent)
		}
	}
}
