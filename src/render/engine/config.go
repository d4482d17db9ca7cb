package engine

import (
	"time"

	"viewport-engine/src/config"
	"viewport-engine/src/internal/constants"
	"viewport-engine/src/render/degrade"
	"viewport-engine/src/render/materializer"
	"viewport-engine/src/render/monitor"
	"viewport-engine/src/render/pool"
	"viewport-engine/src/render/scheduler"
	"viewport-engine/src/render/viewport"
)

// Config aggregates the configuration of every component the coordinator owns
type Config struct {
	Scheduler    scheduler.Config          `yaml:"scheduler" json:"scheduler"`
	Materializer materializer.Config       `yaml:"materializer" json:"materializer"`
	Pool         pool.Config               `yaml:"pool" json:"pool"`
	Performance  monitor.PerformanceConfig `yaml:"performance" json:"performance"`
	Memory       monitor.MemoryConfig      `yaml:"memory" json:"memory"`
	Tracker      viewport.TrackerConfig    `yaml:"tracker" json:"tracker"`
	Debounce     viewport.DebounceConfig   `yaml:"debounce" json:"debounce"`
	Degrade      degrade.Config            `yaml:"degrade" json:"degrade"`

	// MemoryLimit is the byte limit of the default runtime sampler. 0 uses the Go soft limit.
	MemoryLimit uint64 `yaml:"memory_limit" json:"memory_limit"`
	// FrameBudget bounds finalization work per Tick
	FrameBudget time.Duration `yaml:"frame_budget" json:"frame_budget"`
	// InitialSyncBound caps synchronous materializations on SetCollection and JumpToSection
	InitialSyncBound int `yaml:"initial_sync_bound" json:"initial_sync_bound"`
	// CriticalPoolKeep is the free handles per shape kept when memory is critical
	CriticalPoolKeep int `yaml:"critical_pool_keep" json:"critical_pool_keep"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		Scheduler:        scheduler.DefaultConfig(),
		Materializer:     materializer.DefaultConfig(),
		Pool:             pool.DefaultConfig(),
		Performance:      monitor.DefaultPerformanceConfig(),
		Memory:           monitor.DefaultMemoryConfig(),
		Tracker:          viewport.DefaultTrackerConfig(),
		Debounce:         viewport.DefaultDebounceConfig(),
		Degrade:          degrade.DefaultConfig(),
		FrameBudget:      constants.DefaultFrameBudget,
		InitialSyncBound: constants.DefaultInitialSyncBound,
		CriticalPoolKeep: constants.DefaultCriticalPoolKeep,
	}
}

// FromConfig converts the flat file configuration into per-component configuration
func FromConfig(ec *config.EngineConfig) Config {
	cfg := DefaultConfig()
	if ec == nil {
		return cfg
	}

	cfg.Scheduler.MinBatchSize = ec.MinBatchSize
	cfg.Scheduler.BaseBatchSize = ec.BaseBatchSize
	cfg.Scheduler.MaxBatchSize = ec.MaxBatchSize
	cfg.Scheduler.BaseDelay = ec.BaseDelay
	cfg.Scheduler.MinDelay = ec.MinDelay
	cfg.Scheduler.MaxDelay = ec.MaxDelay
	cfg.Scheduler.FastThreshold = ec.FastThreshold
	cfg.Scheduler.SlowThreshold = ec.SlowThreshold

	cfg.Materializer.Workers = ec.Workers
	cfg.Materializer.QueueSize = ec.MaxBatchSize
	cfg.Materializer.PrepareTimeout = ec.PrepareTimeout
	cfg.Materializer.FinalizeTimeout = ec.FinalizeTimeout
	cfg.Materializer.PayloadCacheSize = ec.PayloadCacheSize
	cfg.Materializer.Breaker = materializer.BreakerConfig{
		FailureThreshold: ec.FailureThreshold,
		RecoveryTimeout:  ec.RecoveryTimeout,
	}

	cfg.Pool.CapacityPerShape = ec.PoolCapacityPerShape
	cfg.Pool.MaxLivePerShape = ec.MaxLivePerShape
	cfg.CriticalPoolKeep = ec.CriticalPoolKeep

	cfg.Performance.WindowSize = ec.SampleWindowSize
	cfg.Performance.ClassifyWindow = ec.ClassifyWindow
	cfg.Performance.Thresholds = map[string]monitor.Thresholds{
		monitor.OpMaterialize: {Target: ec.MaterializeTarget, Critical: ec.MaterializeCritical},
		monitor.OpFrame:       {Target: ec.FrameTarget, Critical: ec.FrameCritical},
		monitor.OpNavigation:  {Target: ec.NavigationTarget, Critical: ec.NavigationCritical},
	}

	cfg.Memory.WarningThreshold = ec.MemoryWarningThreshold
	cfg.Memory.CriticalThreshold = ec.MemoryCriticalThreshold
	cfg.Memory.SampleInterval = ec.MemorySampleInterval
	cfg.Memory.CleanupCooldown = ec.CleanupCooldown
	cfg.MemoryLimit = ec.MemoryLimitBytes

	cfg.Tracker.PrefetchMargin = ec.PrefetchMargin
	cfg.Tracker.ReleaseGrace = ec.ReleaseGrace
	cfg.Tracker.Geometry = viewport.Geometry{
		ItemExtent:     ec.ItemExtent,
		ViewportExtent: ec.ViewportExtent,
		Columns:        ec.Columns,
	}

	cfg.Debounce = viewport.DebounceConfig{
		MinInterval:  ec.DebounceMinInterval,
		MaxInterval:  ec.DebounceMaxInterval,
		MaxWait:      ec.DebounceMaxWait,
		FastVelocity: ec.FastVelocity,
	}

	cfg.Degrade = degrade.Config{
		WarningCap:          ec.WarningCap,
		CriticalCap:         ec.CriticalCap,
		RecoveryEvaluations: ec.RecoveryEvaluations,
	}

	cfg.FrameBudget = ec.FrameBudget
	cfg.InitialSyncBound = ec.InitialSyncBound
	return cfg
}
