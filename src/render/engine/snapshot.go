package engine

import (
	"viewport-engine/src/render/degrade"
	"viewport-engine/src/render/materializer"
	"viewport-engine/src/render/monitor"
	"viewport-engine/src/render/pool"
	"viewport-engine/src/render/scheduler"
	"viewport-engine/src/render/viewport"
)

// Snapshot is a serializable view of the coordinator's state
type Snapshot struct {
	Generation     string                            `json:"generation" yaml:"generation"`
	Items          int                               `json:"items" yaml:"items"`
	Sections       int                               `json:"sections" yaml:"sections"`
	IndexFailures  int                               `json:"index_failures" yaml:"index_failures"`
	Section        string                            `json:"section,omitempty" yaml:"section,omitempty"`
	Viewport       viewport.State                    `json:"viewport" yaml:"viewport"`
	Held           int                               `json:"held" yaml:"held"`
	Placeholders   int                               `json:"placeholders" yaml:"placeholders"`
	Queued         int                               `json:"queued" yaml:"queued"`
	InFlight       int                               `json:"in_flight" yaml:"in_flight"`
	CachedPayloads int                               `json:"cached_payloads" yaml:"cached_payloads"`
	Plan           scheduler.BatchPlan               `json:"plan" yaml:"plan"`
	Circuit        materializer.CircuitState         `json:"circuit" yaml:"circuit"`
	Breaker        materializer.BreakerMetrics       `json:"breaker" yaml:"breaker"`
	Performance    monitor.Status                    `json:"performance" yaml:"performance"`
	Memory         monitor.PressureLevel             `json:"memory" yaml:"memory"`
	MemoryUsage    monitor.Usage                     `json:"memory_usage" yaml:"memory_usage"`
	Disabled       degrade.FeatureSet                `json:"disabled" yaml:"disabled"`
	Operations     map[string]monitor.OperationStats `json:"operations" yaml:"operations"`
	Pool           []pool.ShapeStats                 `json:"pool" yaml:"pool"`
	Closed         bool                              `json:"closed" yaml:"closed"`
}

// Snapshot captures the current state
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Generation:  c.generation,
		Section:     c.section,
		Viewport:    c.tracker.State(),
		Held:        len(c.active),
		Queued:      c.queue.Len(),
		Plan:        c.scheduler.Current(),
		Performance: c.perf.Classify(),
		Memory:      c.memory.Level(),
		MemoryUsage: c.memory.Usage(),
		Disabled:    c.disabled,
		Operations:  c.perf.Snapshot(),
		Pool:        c.pool.Stats(),
		Closed:      c.closed.Load(),
	}
	for _, h := range c.active {
		if h.placeholder {
			snap.Placeholders++
		}
	}
	if c.index != nil {
		snap.Items = c.index.Len()
		snap.Sections = len(c.index.KeysInOrder())
		snap.IndexFailures = c.index.Failures()
	}
	if c.mat != nil {
		snap.InFlight = c.mat.Pending()
		snap.CachedPayloads = c.mat.CacheLen()
		snap.Circuit = c.mat.Breaker().State()
		snap.Breaker = c.mat.Breaker().Metrics()
	}
	return snap
}
