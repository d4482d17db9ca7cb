package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"viewport-engine/src/internal/common"
	"viewport-engine/src/render/clock"
)

type fakeSampler struct {
	usage Usage
	err   error
	calls int
}

func (f *fakeSampler) Sample() (Usage, error) {
	f.calls++
	return f.usage, f.err
}

func TestPressureClassification(t *testing.T) {
	tests := []struct {
		name string
		used uint64
		want PressureLevel
	}{
		{"low", 10, PressureNormal},
		{"warning boundary", 80, PressureWarning},
		{"warning", 85, PressureWarning},
		{"critical boundary", 90, PressureCritical},
		{"over limit", 140, PressureCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSampler{usage: Usage{Used: tt.used, Limit: 100}}
			mm := NewMemoryMonitor(DefaultMemoryConfig(), s, clock.NewManual(time.Unix(0, 0)), nil, nil)
			assert.Equal(t, tt.want, mm.ForceSample())
			assert.Equal(t, tt.want, mm.Level())
		})
	}
}

func TestSamplingFailureFailsOpen(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := &fakeSampler{usage: Usage{Used: 95, Limit: 100}}
	mm := NewMemoryMonitor(DefaultMemoryConfig(), s, clock.NewManual(time.Unix(0, 0)), common.FromZap(zap.New(core), "memory"), nil)

	require.Equal(t, PressureCritical, mm.ForceSample())

	s.err = errors.New("permission denied")
	assert.Equal(t, PressureNormal, mm.ForceSample())
	require.Equal(t, 1, logs.FilterMessageSnippet("resource sampling failed").Len())
}

func TestCheckRespectsSampleInterval(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	s := &fakeSampler{usage: Usage{Used: 10, Limit: 100}}
	cfg := DefaultMemoryConfig()
	cfg.SampleInterval = time.Second
	mm := NewMemoryMonitor(cfg, s, clk, nil, nil)

	mm.Sample()
	mm.Sample()
	assert.Equal(t, 1, s.calls)

	s.usage.Used = 95
	clk.Advance(time.Second)
	assert.Equal(t, PressureCritical, mm.Sample())
	assert.Equal(t, 2, s.calls)
}

func TestCleanupCooldown(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	s := &fakeSampler{usage: Usage{Used: 95, Limit: 100}}
	cfg := DefaultMemoryConfig()
	cfg.CleanupCooldown = 10 * time.Second
	mm := NewMemoryMonitor(cfg, s, clk, nil, nil)

	runs := 0
	mm.OnCritical(func() { runs++ })
	mm.OnCritical(func() { panic("cleanup bug") })
	mm.OnCritical(nil)

	mm.ForceSample()
	mm.ForceSample()
	assert.Equal(t, 1, runs)

	clk.Advance(10 * time.Second)
	mm.ForceSample()
	assert.Equal(t, 2, runs)
	assert.Equal(t, int64(2), mm.CleanupRuns())
}

func TestNoLimitIsNormal(t *testing.T) {
	assert.Equal(t, 0.0, Usage{Used: 100}.Ratio())
	mm := NewMemoryMonitor(DefaultMemoryConfig(), SamplerFunc(func() (Usage, error) {
		return Usage{Used: 1 << 30}, nil
	}), nil, nil, nil)
	assert.Equal(t, PressureNormal, mm.ForceSample())
}

func TestRuntimeSampler(t *testing.T) {
	u, err := RuntimeSampler{Limit: 1 << 40}.Sample()
	require.NoError(t, err)
	assert.Greater(t, u.Used, uint64(0))
	assert.Equal(t, uint64(1<<40), u.Limit)
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)
	clk := clock.NewManual(time.Unix(0, 0))

	mm := NewMemoryMonitor(DefaultMemoryConfig(), &fakeSampler{usage: Usage{Used: 92, Limit: 100}}, clk, nil, m)
	mm.ForceSample()
	assert.Equal(t, float64(PressureCritical), testutil.ToFloat64(m.MemoryPressure))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CleanupRuns))

	pm := NewPerformanceMonitor(DefaultPerformanceConfig(), clk, m)
	pm.Record(OpFrame, 40*time.Millisecond)
	assert.Equal(t, StatusCritical, pm.Classify())
	assert.Equal(t, float64(StatusCritical), testutil.ToFloat64(m.PerformanceStatus))
	assert.Equal(t, 1, testutil.CollectAndCount(m.OperationDuration))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.SetBatch(4, time.Millisecond)
		nilMetrics.IncMaterialization("ok")
	})
}
