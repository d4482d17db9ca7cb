package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
	"viewport-engine/src/internal/common"
	"viewport-engine/src/internal/constants"
)

// Config contains the engine, logging and metrics configuration
type Config struct {
	Engine  *EngineConfig  `yaml:"engine"`
	Logging *LoggingConfig `yaml:"logging,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// EngineConfig enumerates every tunable of the rendering engine
type EngineConfig struct {
	// Batch scheduling
	MinBatchSize  int           `yaml:"min_batch_size"`
	BaseBatchSize int           `yaml:"base_batch_size"`
	MaxBatchSize  int           `yaml:"max_batch_size"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MinDelay      time.Duration `yaml:"min_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	FastThreshold time.Duration `yaml:"fast_threshold"`
	SlowThreshold time.Duration `yaml:"slow_threshold"`

	// Materialization
	Workers          int           `yaml:"workers"`
	PrepareTimeout   time.Duration `yaml:"prepare_timeout"`
	FinalizeTimeout  time.Duration `yaml:"finalize_timeout"`
	FrameBudget      time.Duration `yaml:"frame_budget"`
	InitialSyncBound int           `yaml:"initial_sync_bound"`
	PayloadCacheSize int           `yaml:"payload_cache_size"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`

	// Viewport
	PrefetchMargin      int           `yaml:"prefetch_margin"`
	ReleaseGrace        time.Duration `yaml:"release_grace"`
	ItemExtent          float64       `yaml:"item_extent"`
	ViewportExtent      float64       `yaml:"viewport_extent"`
	Columns             int           `yaml:"columns"`
	DebounceMinInterval time.Duration `yaml:"debounce_min_interval"`
	DebounceMaxInterval time.Duration `yaml:"debounce_max_interval"`
	DebounceMaxWait     time.Duration `yaml:"debounce_max_wait"`
	FastVelocity        float64       `yaml:"fast_velocity"`

	// Pool
	PoolCapacityPerShape int `yaml:"pool_capacity_per_shape"`
	MaxLivePerShape      int `yaml:"max_live_per_shape"`
	CriticalPoolKeep     int `yaml:"critical_pool_keep"`

	// Monitoring
	SampleWindowSize        int           `yaml:"sample_window_size"`
	ClassifyWindow          int           `yaml:"classify_window"`
	MaterializeTarget       time.Duration `yaml:"materialize_target"`
	MaterializeCritical     time.Duration `yaml:"materialize_critical"`
	FrameTarget             time.Duration `yaml:"frame_target"`
	FrameCritical           time.Duration `yaml:"frame_critical"`
	NavigationTarget        time.Duration `yaml:"navigation_target"`
	NavigationCritical      time.Duration `yaml:"navigation_critical"`
	MemoryWarningThreshold  float64       `yaml:"memory_warning_threshold"`
	MemoryCriticalThreshold float64       `yaml:"memory_critical_threshold"`
	MemoryLimitBytes        uint64        `yaml:"memory_limit_bytes,omitempty"`
	MemorySampleInterval    time.Duration `yaml:"memory_sample_interval"`
	CleanupCooldown         time.Duration `yaml:"cleanup_cooldown"`

	// Degradation
	WarningCap          int `yaml:"warning_cap"`
	CriticalCap         int `yaml:"critical_cap"`
	RecoveryEvaluations int `yaml:"recovery_evaluations"`
}

// LoggingConfig selects the log level and encoding
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Address   string `yaml:"address"`
}

// LoadConfig loads configuration from a YAML file. Keys missing from the
// file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig decodes YAML over the default configuration and validates the result
func ParseConfig(data []byte) (*Config, error) {
	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.fillMissing()

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateDefaultConfig generates a default configuration file
func GenerateDefaultConfig(path string) error {
	return SaveConfig(GetDefaultConfig(), path)
}

// fillMissing restores sections that the YAML explicitly nulled out
func (c *Config) fillMissing() {
	defaults := GetDefaultConfig()
	if c.Engine == nil {
		c.Engine = defaults.Engine
	}
	if c.Logging == nil {
		c.Logging = defaults.Logging
	}
	if c.Metrics == nil {
		c.Metrics = defaults.Metrics
	}
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Engine == nil {
		return fmt.Errorf("engine configuration is required")
	}
	e := config.Engine

	if e.MinBatchSize < 1 {
		return fmt.Errorf("min_batch_size must be at least 1, got %d", e.MinBatchSize)
	}
	if e.BaseBatchSize < e.MinBatchSize || e.BaseBatchSize > e.MaxBatchSize {
		return fmt.Errorf("base_batch_size %d must lie within [%d, %d]", e.BaseBatchSize, e.MinBatchSize, e.MaxBatchSize)
	}
	if e.MinDelay < 0 || e.BaseDelay < e.MinDelay || e.BaseDelay > e.MaxDelay {
		return fmt.Errorf("base_delay %v must lie within [%v, %v]", e.BaseDelay, e.MinDelay, e.MaxDelay)
	}
	if e.FastThreshold > e.SlowThreshold {
		return fmt.Errorf("fast_threshold %v exceeds slow_threshold %v", e.FastThreshold, e.SlowThreshold)
	}
	if e.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", e.Workers)
	}
	if e.PrepareTimeout <= 0 || e.FinalizeTimeout <= 0 || e.FrameBudget <= 0 {
		return fmt.Errorf("prepare_timeout, finalize_timeout and frame_budget must be positive")
	}
	if e.InitialSyncBound < 0 {
		return fmt.Errorf("initial_sync_bound cannot be negative")
	}
	if e.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1, got %d", e.FailureThreshold)
	}
	if e.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery_timeout must be positive")
	}
	if e.PrefetchMargin < 0 {
		return fmt.Errorf("prefetch_margin cannot be negative")
	}
	if e.ItemExtent <= 0 || e.ViewportExtent <= 0 {
		return fmt.Errorf("item_extent and viewport_extent must be positive")
	}
	if e.Columns < 1 {
		return fmt.Errorf("columns must be at least 1, got %d", e.Columns)
	}
	if e.DebounceMinInterval > e.DebounceMaxInterval {
		return fmt.Errorf("debounce_min_interval %v exceeds debounce_max_interval %v", e.DebounceMinInterval, e.DebounceMaxInterval)
	}
	if e.PoolCapacityPerShape < 0 || e.MaxLivePerShape < 0 || e.CriticalPoolKeep < 0 {
		return fmt.Errorf("pool sizes cannot be negative")
	}
	if e.MemoryWarningThreshold <= 0 || e.MemoryCriticalThreshold > 1 ||
		e.MemoryWarningThreshold >= e.MemoryCriticalThreshold {
		return fmt.Errorf("memory thresholds must satisfy 0 < warning (%.2f) < critical (%.2f) <= 1",
			e.MemoryWarningThreshold, e.MemoryCriticalThreshold)
	}
	if e.WarningCap < 0 || e.CriticalCap < e.WarningCap {
		return fmt.Errorf("warning_cap %d must not exceed critical_cap %d", e.WarningCap, e.CriticalCap)
	}
	if e.RecoveryEvaluations < 1 {
		return fmt.Errorf("recovery_evaluations must be at least 1")
	}

	if config.Metrics != nil && config.Metrics.Enabled && config.Metrics.Address == "" {
		return fmt.Errorf("metrics address is required when metrics are enabled")
	}

	return nil
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		common.CLILogger.Warn("Failed to resolve home directory: %v", err)
	}
	return filepath.Join(home, ".viewport-engine", "config.yaml")
}

// GetDefaultConfig returns a configuration populated from the engine defaults
func GetDefaultConfig() *Config {
	return &Config{
		Engine: GetDefaultEngineConfig(),
		Logging: &LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: &MetricsConfig{
			Enabled:   false,
			Namespace: constants.DefaultMetricsNamespace,
			Address:   constants.DefaultMetricsAddress,
		},
	}
}

// GetDefaultEngineConfig returns the default engine tunables
func GetDefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MinBatchSize:  constants.DefaultMinBatchSize,
		BaseBatchSize: constants.DefaultBaseBatchSize,
		MaxBatchSize:  constants.DefaultMaxBatchSize,
		BaseDelay:     constants.DefaultBaseDelay,
		MinDelay:      constants.DefaultMinDelay,
		MaxDelay:      constants.DefaultMaxDelay,
		FastThreshold: constants.DefaultFastThreshold,
		SlowThreshold: constants.DefaultSlowThreshold,

		Workers:          constants.DefaultWorkers,
		PrepareTimeout:   constants.DefaultPrepareTimeout,
		FinalizeTimeout:  constants.DefaultFinalizeTimeout,
		FrameBudget:      constants.DefaultFrameBudget,
		InitialSyncBound: constants.DefaultInitialSyncBound,
		PayloadCacheSize: constants.DefaultPayloadCacheSize,
		FailureThreshold: constants.DefaultFailureThreshold,
		RecoveryTimeout:  constants.DefaultRecoveryTimeout,

		PrefetchMargin:      constants.DefaultPrefetchMargin,
		ReleaseGrace:        constants.DefaultReleaseGrace,
		ItemExtent:          constants.DefaultItemExtent,
		ViewportExtent:      constants.DefaultViewportExtent,
		Columns:             constants.DefaultColumns,
		DebounceMinInterval: constants.DefaultDebounceMinInterval,
		DebounceMaxInterval: constants.DefaultDebounceMaxInterval,
		DebounceMaxWait:     constants.DefaultDebounceMaxWait,
		FastVelocity:        constants.DefaultFastVelocity,

		PoolCapacityPerShape: constants.DefaultPoolCapacityPerShape,
		MaxLivePerShape:      constants.DefaultMaxLivePerShape,
		CriticalPoolKeep:     constants.DefaultCriticalPoolKeep,

		SampleWindowSize:        constants.DefaultSampleWindowSize,
		ClassifyWindow:          constants.DefaultClassifyWindow,
		MaterializeTarget:       constants.DefaultMaterializeTarget,
		MaterializeCritical:     constants.DefaultMaterializeCritical,
		FrameTarget:             constants.DefaultFrameTarget,
		FrameCritical:           constants.DefaultFrameCritical,
		NavigationTarget:        constants.DefaultNavigationTarget,
		NavigationCritical:      constants.DefaultNavigationCritical,
		MemoryWarningThreshold:  constants.DefaultMemoryWarningThreshold,
		MemoryCriticalThreshold: constants.DefaultMemoryCriticalThreshold,
		MemorySampleInterval:    constants.DefaultMemorySampleInterval,
		CleanupCooldown:         constants.DefaultCleanupCooldown,

		WarningCap:          constants.DefaultWarningCap,
		CriticalCap:         constants.DefaultCriticalCap,
		RecoveryEvaluations: constants.DefaultRecoveryEvaluations,
	}
}
