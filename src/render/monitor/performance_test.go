package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewport-engine/src/render/clock"
)

func newTestPerformance(cfg PerformanceConfig) (*PerformanceMonitor, *clock.Manual) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	return NewPerformanceMonitor(cfg, clk, nil), clk
}

func TestWindowKeepsMostRecent(t *testing.T) {
	pm, _ := newTestPerformance(PerformanceConfig{WindowSize: 3})

	for i := 1; i <= 5; i++ {
		pm.Record(OpMaterialize, time.Duration(i)*time.Millisecond)
	}

	samples := pm.Recent(OpMaterialize, 0)
	require.Len(t, samples, 3)
	assert.Equal(t, 3*time.Millisecond, samples[0].Duration)
	assert.Equal(t, 5*time.Millisecond, samples[2].Duration)

	avg, ok := pm.RecentAverage(OpMaterialize, 2)
	require.True(t, ok)
	assert.Equal(t, 4500*time.Microsecond, avg)

	_, ok = pm.RecentAverage("unknown", 2)
	assert.False(t, ok)
}

func TestSnapshotIsCumulative(t *testing.T) {
	pm, _ := newTestPerformance(PerformanceConfig{WindowSize: 2})
	pm.Record(OpFrame, 10*time.Millisecond)
	pm.Record(OpFrame, 2*time.Millisecond)
	pm.Record(OpFrame, 6*time.Millisecond)

	st := pm.Snapshot()[OpFrame]
	assert.Equal(t, int64(3), st.Count)
	assert.Equal(t, 6*time.Millisecond, st.Avg)
	assert.Equal(t, 2*time.Millisecond, st.Min)
	assert.Equal(t, 10*time.Millisecond, st.Max)
	assert.Equal(t, []string{OpFrame}, pm.Operations())
}

func TestStaleSamplesExcluded(t *testing.T) {
	pm, clk := newTestPerformance(PerformanceConfig{WindowSize: 10, MaxSampleAge: time.Second})
	pm.Record(OpMaterialize, 50*time.Millisecond)
	clk.Advance(2 * time.Second)
	pm.Record(OpMaterialize, time.Millisecond)

	avg, ok := pm.RecentAverage(OpMaterialize, 10)
	require.True(t, ok)
	assert.Equal(t, time.Millisecond, avg)
}

func TestStatusWorstOperationWins(t *testing.T) {
	cfg := DefaultPerformanceConfig()
	pm, _ := newTestPerformance(cfg)

	assert.Equal(t, StatusHealthy, pm.Classify())

	tests := []struct {
		name string
		op   string
		d    time.Duration
		want Status
	}{
		{"fast materialize", OpMaterialize, time.Millisecond, StatusHealthy},
		{"slow frame", OpFrame, 20 * time.Millisecond, StatusDegraded},
		{"critical navigation", OpNavigation, 300 * time.Millisecond, StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < cfg.ClassifyWindow; i++ {
				pm.Record(tt.op, tt.d)
			}
			assert.Equal(t, tt.want, pm.StatusOf(tt.op))
			assert.Equal(t, tt.want, pm.Classify())
		})
	}

	pm.Reset()
	assert.Equal(t, StatusHealthy, pm.Classify())
	assert.Empty(t, pm.Snapshot())
}

func TestMeasureUsesClock(t *testing.T) {
	pm, clk := newTestPerformance(PerformanceConfig{WindowSize: 4})
	stop := pm.Measure(OpNavigation)
	clk.Advance(40 * time.Millisecond)
	assert.Equal(t, 40*time.Millisecond, stop())
	assert.Equal(t, int64(1), pm.Snapshot()[OpNavigation].Count)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "healthy", StatusHealthy.String())
	assert.Equal(t, "critical", StatusCritical.String())
	assert.Equal(t, "unknown", Status(9).String())
}
