package degrade

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewport-engine/src/render/monitor"
)

func TestSeverityOf(t *testing.T) {
	tests := []struct {
		perf monitor.Status
		mem  monitor.PressureLevel
		want Severity
	}{
		{monitor.StatusHealthy, monitor.PressureNormal, SeverityNormal},
		{monitor.StatusDegraded, monitor.PressureNormal, SeverityWarning},
		{monitor.StatusHealthy, monitor.PressureWarning, SeverityWarning},
		{monitor.StatusHealthy, monitor.PressureCritical, SeverityCritical},
		{monitor.StatusCritical, monitor.PressureWarning, SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, SeverityOf(tt.perf, tt.mem))
		})
	}
}

func TestWarningDisablesLeastEssentialFirst(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil)

	set := m.Evaluate(monitor.StatusDegraded, monitor.PressureNormal)
	assert.Equal(t, []Feature{FeatureAnimation, FeatureVisualEffects}, set.Features())
	assert.True(t, m.Enabled(FeaturePrefetch))
}

func TestCriticalEscalatesUpToCap(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil)

	set := m.Evaluate(monitor.StatusHealthy, monitor.PressureCritical)
	assert.True(t, set.Has(FeatureAnimation))
	assert.Equal(t, 3, set.Len())

	for i := 0; i < 10; i++ {
		set = m.Evaluate(monitor.StatusCritical, monitor.PressureCritical)
	}
	assert.Equal(t, 5, set.Len())
	assert.False(t, set.Has(FeatureCoreInteraction))
	assert.True(t, set.Has(FeatureCaching))
}

func TestCoreInteractionNeverDisabled(t *testing.T) {
	m := NewManager(Config{WarningCap: 9, CriticalCap: 9, RecoveryEvaluations: 1}, nil, nil)
	for i := 0; i < 20; i++ {
		m.Evaluate(monitor.StatusCritical, monitor.PressureCritical)
	}
	assert.True(t, m.Enabled(FeatureCoreInteraction))
	assert.Equal(t, len(Order)-1, m.Disabled().Len())
}

func TestRecoveryHysteresis(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil)
	m.Evaluate(monitor.StatusDegraded, monitor.PressureNormal)
	require.Equal(t, 2, m.Disabled().Len())

	// a single good sample does not re-enable anything
	m.Evaluate(monitor.StatusHealthy, monitor.PressureNormal)
	m.Evaluate(monitor.StatusHealthy, monitor.PressureNormal)
	assert.Equal(t, 2, m.Disabled().Len())

	set := m.Evaluate(monitor.StatusHealthy, monitor.PressureNormal)
	assert.Equal(t, []Feature{FeatureAnimation}, set.Features(), "most essential disabled feature comes back first")

	// a bad sample interrupts the calm streak
	m.Evaluate(monitor.StatusHealthy, monitor.PressureNormal)
	m.Evaluate(monitor.StatusHealthy, monitor.PressureNormal)
	m.Evaluate(monitor.StatusDegraded, monitor.PressureNormal)
	assert.Equal(t, 2, m.Disabled().Len())

	for i := 0; i < 6; i++ {
		m.Evaluate(monitor.StatusHealthy, monitor.PressureNormal)
	}
	assert.Equal(t, 0, m.Disabled().Len())
}

func TestNoOscillationUnderAlternatingSignals(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil)
	changes := 0
	prev := m.Disabled()
	for i := 0; i < 40; i++ {
		perf := monitor.StatusHealthy
		if i%2 == 0 {
			perf = monitor.StatusDegraded
		}
		set := m.Evaluate(perf, monitor.PressureNormal)
		if set != prev {
			changes++
		}
		prev = set
	}
	assert.Equal(t, 1, changes)
}

func TestFeatureSetText(t *testing.T) {
	set := FeatureSet(0).With(FeaturePrefetch).With(FeatureAnimation)
	assert.Equal(t, "animation,prefetch", set.String())

	data, err := json.Marshal(map[string]FeatureSet{"disabled": set})
	require.NoError(t, err)
	assert.JSONEq(t, `{"disabled":"animation,prefetch"}`, string(data))
}
