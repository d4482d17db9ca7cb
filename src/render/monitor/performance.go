// Package monitor tracks operation timings and memory pressure.
package monitor

import (
	"sort"
	"sync"
	"time"

	"viewport-engine/src/internal/constants"
	"viewport-engine/src/render/clock"
)

// Operation names recorded by the engine
const (
	OpMaterialize = "materialize"
	OpPrepare     = "prepare"
	OpFinalize    = "finalize"
	OpFrame       = "frame"
	OpNavigation  = "navigation"
)

// Status classifies recent performance
type Status int32

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusCritical
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the name in snapshots
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Thresholds are per-operation average durations. Above Target is degraded,
// at or above Critical is critical.
type Thresholds struct {
	Target   time.Duration `yaml:"target" json:"target"`
	Critical time.Duration `yaml:"critical" json:"critical"`
}

// PerformanceConfig configures the performance monitor
type PerformanceConfig struct {
	WindowSize     int                   `yaml:"window_size" json:"window_size"`
	ClassifyWindow int                   `yaml:"classify_window" json:"classify_window"`
	MaxSampleAge   time.Duration         `yaml:"max_sample_age" json:"max_sample_age"`
	Thresholds     map[string]Thresholds `yaml:"thresholds" json:"thresholds"`
}

// DefaultPerformanceConfig returns defaults for the engine's operations
func DefaultPerformanceConfig() PerformanceConfig {
	return PerformanceConfig{
		WindowSize:     constants.DefaultSampleWindowSize,
		ClassifyWindow: constants.DefaultClassifyWindow,
		MaxSampleAge:   constants.DefaultMaxSampleAge,
		Thresholds: map[string]Thresholds{
			OpMaterialize: {Target: constants.DefaultMaterializeTarget, Critical: constants.DefaultMaterializeCritical},
			OpFrame:       {Target: constants.DefaultFrameTarget, Critical: constants.DefaultFrameCritical},
			OpNavigation:  {Target: constants.DefaultNavigationTarget, Critical: constants.DefaultNavigationCritical},
		},
	}
}

// Sample is one recorded duration
type Sample struct {
	Duration time.Duration
	At       time.Time
}

// OperationStats are cumulative over the monitor's lifetime
type OperationStats struct {
	Count int64         `json:"count" yaml:"count"`
	Avg   time.Duration `json:"avg" yaml:"avg"`
	Min   time.Duration `json:"min" yaml:"min"`
	Max   time.Duration `json:"max" yaml:"max"`
	total time.Duration
}

type window struct {
	samples []Sample
	next    int
	size    int
}

func newWindow(capacity int) *window {
	return &window{samples: make([]Sample, capacity)}
}

func (w *window) add(s Sample) {
	w.samples[w.next] = s
	w.next = (w.next + 1) % len(w.samples)
	if w.size < len(w.samples) {
		w.size++
	}
}

// recent returns up to n samples, oldest first
func (w *window) recent(n int) []Sample {
	if n <= 0 || n > w.size {
		n = w.size
	}
	out := make([]Sample, n)
	start := (w.next - n + len(w.samples)) % len(w.samples)
	for i := 0; i < n; i++ {
		out[i] = w.samples[(start+i)%len(w.samples)]
	}
	return out
}

// PerformanceMonitor keeps a bounded window of durations per operation
type PerformanceMonitor struct {
	mu      sync.Mutex
	config  PerformanceConfig
	clock   clock.Clock
	windows map[string]*window
	totals  map[string]*OperationStats
	metrics *Metrics
}

// NewPerformanceMonitor creates a monitor. metrics may be nil.
func NewPerformanceMonitor(config PerformanceConfig, clk clock.Clock, metrics *Metrics) *PerformanceMonitor {
	if config.WindowSize <= 0 {
		config.WindowSize = constants.DefaultSampleWindowSize
	}
	if config.ClassifyWindow <= 0 || config.ClassifyWindow > config.WindowSize {
		config.ClassifyWindow = config.WindowSize
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &PerformanceMonitor{
		config:  config,
		clock:   clk,
		windows: make(map[string]*window),
		totals:  make(map[string]*OperationStats),
		metrics: metrics,
	}
}

// Record adds a duration sample for op
func (pm *PerformanceMonitor) Record(op string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	now := pm.clock.Now()

	pm.mu.Lock()
	w, ok := pm.windows[op]
	if !ok {
		w = newWindow(pm.config.WindowSize)
		pm.windows[op] = w
	}
	w.add(Sample{Duration: d, At: now})

	st, ok := pm.totals[op]
	if !ok {
		st = &OperationStats{Min: d, Max: d}
		pm.totals[op] = st
	}
	st.Count++
	st.total += d
	st.Avg = st.total / time.Duration(st.Count)
	if d < st.Min {
		st.Min = d
	}
	if d > st.Max {
		st.Max = d
	}
	pm.mu.Unlock()

	pm.metrics.ObserveOperation(op, d)
}

// Measure starts timing op; call the returned function when it completes
func (pm *PerformanceMonitor) Measure(op string) func() time.Duration {
	start := pm.clock.Now()
	return func() time.Duration {
		d := clock.Since(pm.clock, start)
		pm.Record(op, d)
		return d
	}
}

// Recent returns up to n non-stale samples of op, oldest first
func (pm *PerformanceMonitor) Recent(op string, n int) []Sample {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.recentLocked(op, n)
}

func (pm *PerformanceMonitor) recentLocked(op string, n int) []Sample {
	w, ok := pm.windows[op]
	if !ok {
		return nil
	}
	samples := w.recent(n)
	if pm.config.MaxSampleAge <= 0 {
		return samples
	}
	cutoff := pm.clock.Now().Add(-pm.config.MaxSampleAge)
	fresh := samples[:0]
	for _, s := range samples {
		if !s.At.Before(cutoff) {
			fresh = append(fresh, s)
		}
	}
	return fresh
}

// RecentAverage averages the last n non-stale samples of op
func (pm *PerformanceMonitor) RecentAverage(op string, n int) (time.Duration, bool) {
	return average(pm.Recent(op, n))
}

func average(samples []Sample) (time.Duration, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, s := range samples {
		total += s.Duration
	}
	return total / time.Duration(len(samples)), true
}

// StatusOf classifies one operation against its thresholds
func (pm *PerformanceMonitor) StatusOf(op string) Status {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.statusLocked(op)
}

func (pm *PerformanceMonitor) statusLocked(op string) Status {
	th, ok := pm.config.Thresholds[op]
	if !ok {
		return StatusHealthy
	}
	avg, ok := average(pm.recentLocked(op, pm.config.ClassifyWindow))
	if !ok {
		return StatusHealthy
	}
	switch {
	case th.Critical > 0 && avg >= th.Critical:
		return StatusCritical
	case th.Target > 0 && avg > th.Target:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Classify returns the worst status across operations with thresholds
func (pm *PerformanceMonitor) Classify() Status {
	pm.mu.Lock()
	worst := StatusHealthy
	for op := range pm.config.Thresholds {
		if s := pm.statusLocked(op); s > worst {
			worst = s
		}
	}
	pm.mu.Unlock()

	pm.metrics.SetPerformanceStatus(worst)
	return worst
}

// Snapshot returns cumulative statistics per operation
func (pm *PerformanceMonitor) Snapshot() map[string]OperationStats {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make(map[string]OperationStats, len(pm.totals))
	for op, st := range pm.totals {
		out[op] = *st
	}
	return out
}

// Operations returns the recorded operation names, sorted
func (pm *PerformanceMonitor) Operations() []string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	ops := make([]string, 0, len(pm.windows))
	for op := range pm.windows {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Reset clears windows and totals
func (pm *PerformanceMonitor) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.windows = make(map[string]*window)
	pm.totals = make(map[string]*OperationStats)
}
