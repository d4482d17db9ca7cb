// Package degrade switches optional engine features off under load and back on with hysteresis.
package degrade

import (
	"strings"
	"sync"

	"viewport-engine/src/internal/common"
	"viewport-engine/src/internal/constants"
	"viewport-engine/src/render/monitor"
)

// Feature is an optional engine behavior
type Feature uint8

// Features from least to most essential
const (
	FeatureAnimation Feature = iota
	FeatureVisualEffects
	FeaturePrefetch
	FeatureBackgroundPreparation
	FeatureCaching
	FeatureCoreInteraction
)

// Order lists features from least to most essential
var Order = []Feature{
	FeatureAnimation,
	FeatureVisualEffects,
	FeaturePrefetch,
	FeatureBackgroundPreparation,
	FeatureCaching,
	FeatureCoreInteraction,
}

// maxDisabled keeps core interaction always on
var maxDisabled = len(Order) - 1

var featureNames = map[Feature]string{
	FeatureAnimation:             "animation",
	FeatureVisualEffects:         "visual_effects",
	FeaturePrefetch:              "prefetch",
	FeatureBackgroundPreparation: "background_preparation",
	FeatureCaching:               "caching",
	FeatureCoreInteraction:       "core_interaction",
}

func (f Feature) String() string {
	if name, ok := featureNames[f]; ok {
		return name
	}
	return "unknown"
}

// FeatureSet is a set of disabled features
type FeatureSet uint32

// Has reports whether f is in the set
func (s FeatureSet) Has(f Feature) bool {
	return s&(1<<f) != 0
}

// With returns the set plus f
func (s FeatureSet) With(f Feature) FeatureSet {
	return s | 1<<f
}

// Len returns the number of features in the set
func (s FeatureSet) Len() int {
	n := 0
	for _, f := range Order {
		if s.Has(f) {
			n++
		}
	}
	return n
}

// Features lists the set's members least essential first
func (s FeatureSet) Features() []Feature {
	out := make([]Feature, 0, len(Order))
	for _, f := range Order {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (s FeatureSet) String() string {
	names := make([]string, 0, len(Order))
	for _, f := range s.Features() {
		names = append(names, f.String())
	}
	return strings.Join(names, ",")
}

// MarshalText renders the set as a comma separated list
func (s FeatureSet) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Severity combines performance status and memory pressure
type Severity int

const (
	SeverityNormal Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNormal:
		return "normal"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// SeverityOf returns the worse of the two signals
func SeverityOf(perf monitor.Status, mem monitor.PressureLevel) Severity {
	switch {
	case perf == monitor.StatusCritical || mem == monitor.PressureCritical:
		return SeverityCritical
	case perf == monitor.StatusDegraded || mem == monitor.PressureWarning:
		return SeverityWarning
	default:
		return SeverityNormal
	}
}

// Config bounds how many features each severity disables
type Config struct {
	// WarningCap features are disabled under warning
	WarningCap int `yaml:"warning_cap" json:"warning_cap"`
	// CriticalCap bounds escalation under sustained critical
	CriticalCap int `yaml:"critical_cap" json:"critical_cap"`
	// RecoveryEvaluations calmer evaluations re-enable one feature
	RecoveryEvaluations int `yaml:"recovery_evaluations" json:"recovery_evaluations"`
}

// DefaultConfig returns the default degradation policy
func DefaultConfig() Config {
	return Config{
		WarningCap:          constants.DefaultWarningCap,
		CriticalCap:         constants.DefaultCriticalCap,
		RecoveryEvaluations: constants.DefaultRecoveryEvaluations,
	}
}

// Manager tracks how many of the least essential features are disabled
type Manager struct {
	mu             sync.Mutex
	config         Config
	disabled       int
	criticalStreak int
	calmStreak     int
	logger         *common.SafeLogger
	metrics        *monitor.Metrics
}

// NewManager creates a manager with every feature enabled
func NewManager(config Config, logger *common.SafeLogger, metrics *monitor.Metrics) *Manager {
	config.CriticalCap = clamp(config.CriticalCap, 0, maxDisabled)
	config.WarningCap = clamp(config.WarningCap, 0, config.CriticalCap)
	if config.RecoveryEvaluations < 1 {
		config.RecoveryEvaluations = 1
	}
	if logger == nil {
		logger = common.NewSafeLogger("degrade")
	}
	return &Manager{config: config, logger: logger, metrics: metrics}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Evaluate folds one observation into the policy and returns the disabled set.
// Escalation is immediate; recovery re-enables one feature per
// RecoveryEvaluations consecutive calmer evaluations, most essential first.
func (m *Manager) Evaluate(perf monitor.Status, mem monitor.PressureLevel) FeatureSet {
	m.mu.Lock()
	severity := SeverityOf(perf, mem)

	target := 0
	switch severity {
	case SeverityCritical:
		m.criticalStreak++
		target = clamp(m.config.WarningCap+m.criticalStreak, 0, m.config.CriticalCap)
	case SeverityWarning:
		m.criticalStreak = 0
		target = m.config.WarningCap
	default:
		m.criticalStreak = 0
	}

	before := m.disabled
	switch {
	case target > m.disabled:
		m.disabled = target
		m.calmStreak = 0
	case target < m.disabled:
		m.calmStreak++
		if m.calmStreak >= m.config.RecoveryEvaluations {
			m.disabled--
			m.calmStreak = 0
		}
	default:
		m.calmStreak = 0
	}
	after := m.disabled
	set := m.setLocked()
	m.mu.Unlock()

	if after != before {
		m.logger.Info("Degradation %s: %d -> %d features disabled [%s]", severity, before, after, set)
		m.metrics.SetDisabledFeatures(after)
	}
	return set
}

func (m *Manager) setLocked() FeatureSet {
	var s FeatureSet
	for i := 0; i < m.disabled; i++ {
		s = s.With(Order[i])
	}
	return s
}

// Disabled returns the currently disabled features
func (m *Manager) Disabled() FeatureSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked()
}

// Enabled reports whether f is currently on
func (m *Manager) Enabled(f Feature) bool {
	return !m.Disabled().Has(f)
}

// Reset re-enables everything
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled = 0
	m.criticalStreak = 0
	m.calmStreak = 0
}
