package monitor

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"viewport-engine/src/internal/common"
	"viewport-engine/src/internal/constants"
	engerrors "viewport-engine/src/internal/errors"
	"viewport-engine/src/render/clock"
)

// PressureLevel classifies memory usage
type PressureLevel int32

const (
	PressureNormal PressureLevel = iota
	PressureWarning
	PressureCritical
)

func (p PressureLevel) String() string {
	switch p {
	case PressureNormal:
		return "normal"
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the name in snapshots
func (p PressureLevel) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Usage is one memory reading in bytes
type Usage struct {
	Used  uint64 `json:"used" yaml:"used"`
	Limit uint64 `json:"limit" yaml:"limit"`
}

// Ratio returns Used/Limit, or 0 when no limit is known
func (u Usage) Ratio() float64 {
	if u.Limit == 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Limit)
}

// Sampler reads current memory usage
type Sampler interface {
	Sample() (Usage, error)
}

// SamplerFunc adapts a function to Sampler
type SamplerFunc func() (Usage, error)

func (f SamplerFunc) Sample() (Usage, error) { return f() }

// RuntimeSampler reads the Go heap against Limit, or against the runtime
// soft memory limit when Limit is zero.
type RuntimeSampler struct {
	Limit uint64
}

func (s RuntimeSampler) Sample() (Usage, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	limit := s.Limit
	if limit == 0 {
		if soft := debug.SetMemoryLimit(-1); soft > 0 && soft < math.MaxInt64 {
			limit = uint64(soft)
		}
	}
	return Usage{Used: m.HeapAlloc, Limit: limit}, nil
}

// MemoryConfig configures the memory pressure monitor
type MemoryConfig struct {
	WarningThreshold  float64       `yaml:"warning_threshold" json:"warning_threshold"`
	CriticalThreshold float64       `yaml:"critical_threshold" json:"critical_threshold"`
	SampleInterval    time.Duration `yaml:"sample_interval" json:"sample_interval"`
	CleanupCooldown   time.Duration `yaml:"cleanup_cooldown" json:"cleanup_cooldown"`
}

// DefaultMemoryConfig returns default memory thresholds
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		WarningThreshold:  constants.DefaultMemoryWarningThreshold,
		CriticalThreshold: constants.DefaultMemoryCriticalThreshold,
		SampleInterval:    constants.DefaultMemorySampleInterval,
		CleanupCooldown:   constants.DefaultCleanupCooldown,
	}
}

// MemoryMonitor samples usage at a bounded rate and runs cleanup callbacks
// when pressure is critical
type MemoryMonitor struct {
	mu        sync.Mutex
	config    MemoryConfig
	sampler   Sampler
	clock     clock.Clock
	logger    *common.SafeLogger
	metrics   *Metrics
	sampleLim *rate.Limiter
	cleanLim  *rate.Limiter
	level     PressureLevel
	usage     Usage
	cleanups  []func()
	cleanRuns int64
}

// NewMemoryMonitor creates a monitor; a nil sampler uses RuntimeSampler{}
func NewMemoryMonitor(config MemoryConfig, sampler Sampler, clk clock.Clock, logger *common.SafeLogger, metrics *Metrics) *MemoryMonitor {
	if sampler == nil {
		sampler = RuntimeSampler{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = common.NewSafeLogger("memory")
	}
	return &MemoryMonitor{
		config:    config,
		sampler:   sampler,
		clock:     clk,
		logger:    logger,
		metrics:   metrics,
		sampleLim: rate.NewLimiter(every(config.SampleInterval), 1),
		cleanLim:  rate.NewLimiter(every(config.CleanupCooldown), 1),
	}
}

func every(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// OnCritical registers a cleanup callback run when pressure turns critical
func (mm *MemoryMonitor) OnCritical(fn func()) {
	if fn == nil {
		return
	}
	mm.mu.Lock()
	mm.cleanups = append(mm.cleanups, fn)
	mm.mu.Unlock()
}

// Sample reads usage if the sample interval has elapsed and returns the current level
func (mm *MemoryMonitor) Sample() PressureLevel {
	if !mm.sampleLim.AllowN(mm.clock.Now(), 1) {
		return mm.Level()
	}
	return mm.sample()
}

// ForceSample reads usage now, ignoring the sample interval
func (mm *MemoryMonitor) ForceSample() PressureLevel {
	return mm.sample()
}

func (mm *MemoryMonitor) sample() PressureLevel {
	usage, err := mm.sampler.Sample()
	if err != nil {
		mm.logger.Warn("%v", engerrors.NewResourceSamplingError(err))
		mm.mu.Lock()
		mm.level = PressureNormal
		mm.mu.Unlock()
		mm.metrics.SetMemoryPressure(PressureNormal, 0)
		return PressureNormal
	}

	level := mm.classify(usage.Ratio())

	mm.mu.Lock()
	prev := mm.level
	mm.level = level
	mm.usage = usage
	var cleanups []func()
	cleanupDue := level == PressureCritical && mm.cleanLim.AllowN(mm.clock.Now(), 1)
	if cleanupDue {
		cleanups = append(cleanups, mm.cleanups...)
		mm.cleanRuns++
	}
	mm.mu.Unlock()

	mm.metrics.SetMemoryPressure(level, usage.Ratio())
	if level != prev {
		mm.logger.Info("Memory pressure %s -> %s (%.0f%% of %d bytes)", prev, level, usage.Ratio()*100, usage.Limit)
	}
	if cleanupDue {
		mm.metrics.IncCleanups()
		for _, fn := range cleanups {
			mm.runCleanup(fn)
		}
	}
	return level
}

func (mm *MemoryMonitor) runCleanup(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			mm.logger.Error("Memory cleanup callback panicked: %v", r)
		}
	}()
	fn()
}

func (mm *MemoryMonitor) classify(ratio float64) PressureLevel {
	switch {
	case mm.config.CriticalThreshold > 0 && ratio >= mm.config.CriticalThreshold:
		return PressureCritical
	case mm.config.WarningThreshold > 0 && ratio >= mm.config.WarningThreshold:
		return PressureWarning
	default:
		return PressureNormal
	}
}

// Level returns the most recently sampled level
func (mm *MemoryMonitor) Level() PressureLevel {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.level
}

// Usage returns the most recent successful reading
func (mm *MemoryMonitor) Usage() Usage {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.usage
}

// CleanupRuns returns how many times cleanup callbacks were invoked
func (mm *MemoryMonitor) CleanupRuns() int64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.cleanRuns
}
