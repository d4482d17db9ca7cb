// Package scheduler sizes materialization batches from recent timings.
package scheduler

import (
	"fmt"
	"math"
	"sync"
	"time"

	"viewport-engine/src/internal/constants"
	"viewport-engine/src/render/monitor"
)

// Mode describes how the last plan was derived
type Mode int

const (
	ModeBase Mode = iota
	ModeGrow
	ModeShrink
)

func (m Mode) String() string {
	switch m {
	case ModeBase:
		return "base"
	case ModeGrow:
		return "grow"
	case ModeShrink:
		return "shrink"
	default:
		return "unknown"
	}
}

// MarshalText renders the name in snapshots
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// History is the timing source consulted for each plan
type History interface {
	RecentAverage(op string, n int) (time.Duration, bool)
}

// Config holds batch scheduling bounds
type Config struct {
	MinBatchSize  int           `yaml:"min_batch_size" json:"min_batch_size"`
	BaseBatchSize int           `yaml:"base_batch_size" json:"base_batch_size"`
	MaxBatchSize  int           `yaml:"max_batch_size" json:"max_batch_size"`
	BaseDelay     time.Duration `yaml:"base_delay" json:"base_delay"`
	MinDelay      time.Duration `yaml:"min_delay" json:"min_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
	FastThreshold time.Duration `yaml:"fast_threshold" json:"fast_threshold"`
	SlowThreshold time.Duration `yaml:"slow_threshold" json:"slow_threshold"`
	GrowthFactor  float64       `yaml:"growth_factor" json:"growth_factor"`
	ShrinkFactor  float64       `yaml:"shrink_factor" json:"shrink_factor"`
	SampleWindow  int           `yaml:"sample_window" json:"sample_window"`
	// Operation whose timings drive the plan, monitor.OpMaterialize by default
	Operation string `yaml:"operation" json:"operation"`
}

// DefaultConfig returns the default scheduling bounds
func DefaultConfig() Config {
	return Config{
		MinBatchSize:  constants.DefaultMinBatchSize,
		BaseBatchSize: constants.DefaultBaseBatchSize,
		MaxBatchSize:  constants.DefaultMaxBatchSize,
		BaseDelay:     constants.DefaultBaseDelay,
		MinDelay:      constants.DefaultMinDelay,
		MaxDelay:      constants.DefaultMaxDelay,
		FastThreshold: constants.DefaultFastThreshold,
		SlowThreshold: constants.DefaultSlowThreshold,
		GrowthFactor:  constants.DefaultGrowthFactor,
		ShrinkFactor:  constants.DefaultShrinkFactor,
		SampleWindow:  constants.DefaultSchedulerWindow,
		Operation:     monitor.OpMaterialize,
	}
}

// Validate reports inconsistent bounds
func (c Config) Validate() error {
	if c.MinBatchSize < 1 {
		return fmt.Errorf("min batch size must be at least 1, got %d", c.MinBatchSize)
	}
	if c.MaxBatchSize < c.MinBatchSize {
		return fmt.Errorf("max batch size %d below min batch size %d", c.MaxBatchSize, c.MinBatchSize)
	}
	if c.MinDelay < 0 || c.MaxDelay < c.MinDelay {
		return fmt.Errorf("invalid delay bounds [%v, %v]", c.MinDelay, c.MaxDelay)
	}
	if c.SlowThreshold > 0 && c.FastThreshold > c.SlowThreshold {
		return fmt.Errorf("fast threshold %v above slow threshold %v", c.FastThreshold, c.SlowThreshold)
	}
	if c.GrowthFactor <= 1 {
		return fmt.Errorf("growth factor must be greater than 1, got %v", c.GrowthFactor)
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		return fmt.Errorf("shrink factor must be in (0, 1), got %v", c.ShrinkFactor)
	}
	return nil
}

// BatchPlan is recomputed every cycle and never persisted
type BatchPlan struct {
	BatchSize       int           `json:"batch_size" yaml:"batch_size"`
	InterBatchDelay time.Duration `json:"inter_batch_delay" yaml:"inter_batch_delay"`
	Mode            Mode          `json:"mode" yaml:"mode"`
	Average         time.Duration `json:"average" yaml:"average"`
}

// Scheduler grows batches while materialization is fast and shrinks them while it is slow
type Scheduler struct {
	mu      sync.Mutex
	config  Config
	plan    BatchPlan
	metrics *monitor.Metrics
}

// New creates a scheduler. Invalid bounds fall back to defaults.
func New(config Config, metrics *monitor.Metrics) *Scheduler {
	if err := config.Validate(); err != nil {
		config = DefaultConfig()
	}
	if config.Operation == "" {
		config.Operation = monitor.OpMaterialize
	}
	if config.SampleWindow <= 0 {
		config.SampleWindow = constants.DefaultSchedulerWindow
	}
	s := &Scheduler{config: config, metrics: metrics}
	s.plan = s.basePlan()
	return s
}

func (s *Scheduler) basePlan() BatchPlan {
	return BatchPlan{
		BatchSize:       s.clampSize(s.config.BaseBatchSize),
		InterBatchDelay: s.clampDelay(s.config.BaseDelay),
		Mode:            ModeBase,
	}
}

// NextPlan derives the plan for the coming cycle. Growth and shrinkage
// compound from the previous plan; a normal average returns to base.
func (s *Scheduler) NextPlan(history History) BatchPlan {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg time.Duration
	ok := false
	if history != nil {
		avg, ok = history.RecentAverage(s.config.Operation, s.config.SampleWindow)
	}

	prev := s.plan
	next := s.basePlan()
	switch {
	case !ok:
	case avg < s.config.FastThreshold:
		next = BatchPlan{
			BatchSize:       s.clampSize(int(math.Ceil(float64(prev.BatchSize) * s.config.GrowthFactor))),
			InterBatchDelay: s.clampDelay(scale(prev.InterBatchDelay, s.config.ShrinkFactor)),
			Mode:            ModeGrow,
		}
	case avg > s.config.SlowThreshold:
		next = BatchPlan{
			BatchSize:       s.clampSize(int(math.Floor(float64(prev.BatchSize) * s.config.ShrinkFactor))),
			InterBatchDelay: s.clampDelay(scale(prev.InterBatchDelay, s.config.GrowthFactor)),
			Mode:            ModeShrink,
		}
	}
	next.Average = avg

	s.plan = next
	s.metrics.SetBatch(next.BatchSize, next.InterBatchDelay)
	return next
}

// Current returns the last computed plan
func (s *Scheduler) Current() BatchPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// Reset returns to the base plan
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = s.basePlan()
}

// Config returns the effective configuration
func (s *Scheduler) Config() Config {
	return s.config
}

func scale(d time.Duration, f float64) time.Duration {
	if d <= 0 {
		// a zero delay cannot grow by multiplication
		d = time.Millisecond
	}
	return time.Duration(float64(d) * f)
}

func (s *Scheduler) clampSize(n int) int {
	if n < s.config.MinBatchSize {
		return s.config.MinBatchSize
	}
	if n > s.config.MaxBatchSize {
		return s.config.MaxBatchSize
	}
	return n
}

func (s *Scheduler) clampDelay(d time.Duration) time.Duration {
	if d < s.config.MinDelay {
		return s.config.MinDelay
	}
	if d > s.config.MaxDelay {
		return s.config.MaxDelay
	}
	return d
}
