package constants

import "time"

// Batch scheduling defaults
const (
	DefaultMinBatchSize  = 4
	DefaultBaseBatchSize = 16
	DefaultMaxBatchSize  = 64

	DefaultBaseDelay = 16 * time.Millisecond
	DefaultMinDelay  = 4 * time.Millisecond
	DefaultMaxDelay  = 100 * time.Millisecond

	// Average materialization durations that switch the scheduler between modes
	DefaultFastThreshold = 2 * time.Millisecond
	DefaultSlowThreshold = 8 * time.Millisecond

	DefaultGrowthFactor = 2.0
	DefaultShrinkFactor = 0.5
)

// Materialization defaults
const (
	DefaultWorkers          = 4
	DefaultPrepareTimeout   = 250 * time.Millisecond
	DefaultFinalizeTimeout  = 16 * time.Millisecond
	DefaultFrameBudget      = 8 * time.Millisecond
	DefaultInitialSyncBound = 32
	DefaultPayloadCacheSize = 2048

	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 5 * time.Second
)

// Viewport defaults
const (
	DefaultPrefetchMargin = 4
	DefaultReleaseGrace   = 150 * time.Millisecond
	DefaultItemExtent     = 48.0
	DefaultViewportExtent = 768.0
	DefaultColumns        = 1

	DefaultDebounceMinInterval = 8 * time.Millisecond
	DefaultDebounceMaxInterval = 50 * time.Millisecond
	DefaultDebounceMaxWait     = 100 * time.Millisecond

	// Scroll velocity (extent units per second) at which the debounce interval bottoms out
	DefaultFastVelocity = 3000.0
)

// Pool defaults
const (
	DefaultPoolCapacityPerShape = 64
	DefaultMaxLivePerShape      = 0 // unbounded
	DefaultCriticalPoolKeep     = 8
)

// Monitoring defaults
const (
	DefaultSampleWindowSize = 120
	DefaultClassifyWindow   = 30
	DefaultSchedulerWindow  = 20
	DefaultMaxSampleAge     = 30 * time.Second

	DefaultMaterializeTarget   = 4 * time.Millisecond
	DefaultMaterializeCritical = 16 * time.Millisecond
	DefaultFrameTarget         = 16 * time.Millisecond
	DefaultFrameCritical       = 33 * time.Millisecond
	DefaultNavigationTarget    = 50 * time.Millisecond
	DefaultNavigationCritical  = 200 * time.Millisecond

	DefaultMemoryWarningThreshold  = 0.80
	DefaultMemoryCriticalThreshold = 0.90
	DefaultMemorySampleInterval    = 2 * time.Second
	DefaultCleanupCooldown         = 10 * time.Second
)

// Degradation defaults
const (
	DefaultWarningCap          = 2
	DefaultCriticalCap         = 5
	DefaultRecoveryEvaluations = 3
)

// Metrics defaults
const (
	DefaultMetricsNamespace = "viewport_engine"
	DefaultMetricsAddress   = ":9090"
)
