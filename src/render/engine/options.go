package engine

import (
	"fmt"
	"strings"

	"viewport-engine/src/internal/common"
	engerrors "viewport-engine/src/internal/errors"
	"viewport-engine/src/render/clock"
	"viewport-engine/src/render/materializer"
	"viewport-engine/src/render/monitor"
	"viewport-engine/src/render/pool"
)

// Host is the set of functions the embedding application supplies
type Host struct {
	// Prepare builds a payload off the coordinating goroutine
	Prepare materializer.PrepareFunc
	// Finalize binds a payload into a pooled handle on the coordinating goroutine
	Finalize materializer.FinalizeFunc
	// NewHandle creates a blank handle of a shape when the pool is empty
	NewHandle pool.Factory
}

func (h Host) validate() error {
	var missing []string
	if h.Prepare == nil {
		missing = append(missing, "Prepare")
	}
	if h.Finalize == nil {
		missing = append(missing, "Finalize")
	}
	if h.NewHandle == nil {
		missing = append(missing, "NewHandle")
	}
	if len(missing) > 0 {
		return fmt.Errorf("host %s: %w", strings.Join(missing, ", "), engerrors.ErrMissingHostFunc)
	}
	return nil
}

// Option configures a Coordinator during creation
type Option func(*options)

type options struct {
	clock   clock.Clock
	sampler monitor.Sampler
	logger  *common.SafeLogger
	metrics *monitor.Metrics
	perf    *monitor.PerformanceMonitor
	memory  *monitor.MemoryMonitor
}

// WithClock replaces the wall clock, e.g. with clock.NewManual in tests
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithSampler sets the memory sampler of the default memory monitor
func WithSampler(s monitor.Sampler) Option {
	return func(o *options) {
		o.sampler = s
	}
}

// WithLogger sets the logger components derive their named loggers from
func WithLogger(l *common.SafeLogger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics enables Prometheus collectors
func WithMetrics(m *monitor.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithPerformanceMonitor shares an existing performance monitor
func WithPerformanceMonitor(pm *monitor.PerformanceMonitor) Option {
	return func(o *options) {
		o.perf = pm
	}
}

// WithMemoryMonitor shares an existing memory monitor. WithSampler is ignored.
func WithMemoryMonitor(mm *monitor.MemoryMonitor) Option {
	return func(o *options) {
		o.memory = mm
	}
}
