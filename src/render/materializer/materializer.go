// Package materializer turns collection items into render handles in two
// phases: preparation on a bounded worker pool and finalization on the
// coordinating goroutine, behind a circuit breaker.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"viewport-engine/src/internal/common"
	"viewport-engine/src/internal/constants"
	engerrors "viewport-engine/src/internal/errors"
	"viewport-engine/src/render/clock"
	"viewport-engine/src/render/monitor"
	"viewport-engine/src/render/pool"
	"viewport-engine/src/render/types"
)

// DefaultShape is used for payloads that do not name a shape
const DefaultShape = "item"

// ErrInFlight is returned by Materialize when the item already has a request in flight
var ErrInFlight = errors.New("materialization already in flight")

// FinalizeFunc is the host finalization phase: bind payload into a pooled handle.
// It always runs on the coordinating goroutine.
type FinalizeFunc func(handle types.RenderHandle, payload types.Payload) error

// Materialization outcomes reported to metrics
const (
	OutcomeOK          = "ok"
	OutcomeCached      = "cached"
	OutcomeFailure     = "failure"
	OutcomeTimeout     = "timeout"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeCancelled   = "cancelled"
	OutcomePrefetched  = "prefetched"
)

// Config configures the materializer
type Config struct {
	Workers          int           `yaml:"workers" json:"workers"`
	QueueSize        int           `yaml:"queue_size" json:"queue_size"`
	PrepareTimeout   time.Duration `yaml:"prepare_timeout" json:"prepare_timeout"`
	FinalizeTimeout  time.Duration `yaml:"finalize_timeout" json:"finalize_timeout"`
	PayloadCacheSize int           `yaml:"payload_cache_size" json:"payload_cache_size"`
	Breaker          BreakerConfig `yaml:"breaker" json:"breaker"`
}

// DefaultConfig returns the default materializer configuration
func DefaultConfig() Config {
	return Config{
		Workers:          constants.DefaultWorkers,
		QueueSize:        constants.DefaultMaxBatchSize,
		PrepareTimeout:   constants.DefaultPrepareTimeout,
		FinalizeTimeout:  constants.DefaultFinalizeTimeout,
		PayloadCacheSize: constants.DefaultPayloadCacheSize,
		Breaker:          DefaultBreakerConfig(),
	}
}

// Outcome is one finalized item: a real handle or a placeholder with the error that caused it
type Outcome struct {
	Index  int
	ItemID string
	Handle types.RenderHandle
	Err    error
}

// Placeholder reports whether the outcome holds the fallback handle
func (o Outcome) Placeholder() bool {
	return types.IsPlaceholder(o.Handle)
}

type request struct {
	index     int
	item      types.Item
	cancelled bool
	prefetch  bool
	probe     bool
}

// Materializer owns the tracking set guaranteeing at most one in-flight
// preparation per item id. Everything except the workers runs on the
// coordinating goroutine.
type Materializer struct {
	config     Config
	prepare    PrepareFunc
	finalize   FinalizeFunc
	pool       *pool.Pool
	breaker    *CircuitBreaker
	cache      *payloadCache
	workers    *workerPool
	clock      clock.Clock
	perf       *monitor.PerformanceMonitor
	metrics    *monitor.Metrics
	logger     *common.SafeLogger
	generation uint64
	tracking   map[string]*request
	arrived    []prepared
	closed     bool
}

// Deps are the collaborators a materializer needs
type Deps struct {
	Pool    *pool.Pool
	Clock   clock.Clock
	Perf    *monitor.PerformanceMonitor
	Metrics *monitor.Metrics
	Logger  *common.SafeLogger
}

// New creates a materializer and starts its workers
func New(config Config, prepare PrepareFunc, finalize FinalizeFunc, deps Deps) (*Materializer, error) {
	if prepare == nil {
		return nil, fmt.Errorf("materializer: prepare function: %w", engerrors.ErrMissingHostFunc)
	}
	if finalize == nil {
		return nil, fmt.Errorf("materializer: finalize function: %w", engerrors.ErrMissingHostFunc)
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("materializer: pool is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = common.NewSafeLogger("materializer")
	}
	if config.Workers <= 0 {
		config.Workers = constants.DefaultWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = constants.DefaultMaxBatchSize
	}

	m := &Materializer{
		config:   config,
		prepare:  prepare,
		finalize: finalize,
		pool:     deps.Pool,
		breaker:  NewCircuitBreaker(config.Breaker, deps.Clock),
		cache:    newPayloadCache(config.PayloadCacheSize),
		clock:    deps.Clock,
		perf:     deps.Perf,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		tracking: make(map[string]*request),
	}
	m.workers = newWorkerPool(config.Workers, config.QueueSize, prepare, config.PrepareTimeout, deps.Clock)

	m.breaker.OnStateChange(func(from, to CircuitState) {
		m.logger.Warn("Materialization circuit %s -> %s", from, to)
		m.metrics.SetCircuitState(int32(to))
	})
	return m, nil
}

// Breaker exposes the circuit breaker
func (m *Materializer) Breaker() *CircuitBreaker {
	return m.breaker
}

// Request dispatches the preparation phase for item. It reports whether the
// item now has a request in flight; a duplicate request for an in-flight item
// is accepted without a second preparation. False means the circuit or the
// queue refused it and the caller should retry later.
func (m *Materializer) Request(index int, item types.Item) bool {
	if m.closed || item == nil {
		return false
	}
	id := item.ItemID()

	if r, ok := m.tracking[id]; ok {
		r.index = index
		r.cancelled = false
		r.prefetch = false
		return true
	}

	cached := m.cache.contains(id)
	if !cached && m.workers.full() {
		return false
	}
	if !m.breaker.Allow() {
		m.metrics.IncMaterialization(OutcomeCircuitOpen)
		return false
	}
	probe := m.breaker.State() == CircuitHalfOpen

	if payload, ok := m.cache.get(id); ok {
		m.tracking[id] = &request{index: index, item: item, probe: probe}
		m.arrived = append(m.arrived, prepared{
			job:     job{itemID: id, item: item, generation: m.generation},
			payload: payload,
		})
		m.metrics.IncMaterialization(OutcomeCached)
		return true
	}

	if !m.workers.trySubmit(job{itemID: id, item: item, generation: m.generation}) {
		if probe {
			m.breaker.ReleaseProbe()
		}
		return false
	}
	m.tracking[id] = &request{index: index, item: item, probe: probe}
	m.metrics.SetInFlight(len(m.tracking))
	return true
}

// Prefetch prepares item into the payload cache without finalizing it.
// It only runs while caching is enabled and the circuit is closed.
func (m *Materializer) Prefetch(item types.Item) bool {
	if m.closed || item == nil || !m.cache.enabled || m.breaker.State() != CircuitClosed {
		return false
	}
	id := item.ItemID()
	if _, ok := m.tracking[id]; ok || m.cache.contains(id) {
		return false
	}
	if !m.workers.trySubmit(job{itemID: id, item: item, generation: m.generation}) {
		return false
	}
	m.tracking[id] = &request{index: -1, item: item, prefetch: true}
	m.metrics.SetInFlight(len(m.tracking))
	return true
}

// Cancel marks an in-flight request cancelled. Its prepared payload is
// discarded on arrival and never finalized.
func (m *Materializer) Cancel(itemID string) bool {
	r, ok := m.tracking[itemID]
	if !ok || r.prefetch || r.cancelled {
		return false
	}
	r.cancelled = true
	return true
}

// InFlight reports whether itemID has an uncancelled request in flight
func (m *Materializer) InFlight(itemID string) bool {
	r, ok := m.tracking[itemID]
	return ok && !r.cancelled && !r.prefetch
}

// Pending returns the number of tracked requests, prefetches included
func (m *Materializer) Pending() int {
	return len(m.tracking)
}

// Collect finalizes prepared results on the calling goroutine. Results that
// would overrun budget are kept for the next call; at least one is finalized
// per call so progress is guaranteed.
func (m *Materializer) Collect(budget time.Duration) []Outcome {
	m.arrived = m.workers.drain(m.arrived)
	if len(m.arrived) == 0 {
		return nil
	}
	sort.SliceStable(m.arrived, func(i, j int) bool {
		return m.indexOf(m.arrived[i]) < m.indexOf(m.arrived[j])
	})

	start := m.clock.Now()
	estimate := m.finalizeEstimate()
	var outcomes []Outcome
	consumed := 0
	for _, res := range m.arrived {
		r, ok := m.tracking[res.itemID]
		if !ok || res.generation != m.generation {
			consumed++
			continue
		}

		if res.err == nil {
			m.cache.add(res.payload)
		}
		if r.prefetch {
			delete(m.tracking, res.itemID)
			m.metrics.IncMaterialization(OutcomePrefetched)
			consumed++
			continue
		}
		if r.cancelled {
			delete(m.tracking, res.itemID)
			if r.probe {
				m.breaker.ReleaseProbe()
			}
			m.metrics.IncMaterialization(OutcomeCancelled)
			consumed++
			continue
		}

		if len(outcomes) > 0 && budget > 0 && clock.Since(m.clock, start)+estimate > budget {
			break
		}

		delete(m.tracking, res.itemID)
		consumed++
		outcomes = append(outcomes, m.complete(r, res))
	}
	m.arrived = append(m.arrived[:0], m.arrived[consumed:]...)
	m.metrics.SetInFlight(len(m.tracking))
	return outcomes
}

func (m *Materializer) indexOf(res prepared) int {
	if r, ok := m.tracking[res.itemID]; ok {
		return r.index
	}
	return -1
}

func (m *Materializer) finalizeEstimate() time.Duration {
	if m.perf == nil {
		return 0
	}
	avg, _ := m.perf.RecentAverage(monitor.OpFinalize, 10)
	return avg
}

func (m *Materializer) complete(r *request, res prepared) Outcome {
	id := res.itemID
	if m.perf != nil && res.elapsed > 0 {
		m.perf.Record(monitor.OpPrepare, res.elapsed)
	}
	if res.err != nil {
		return m.fail(r.index, id, res.err)
	}

	handle, finalizeElapsed, err := m.finalizeOne(r.index, id, res.payload)
	if m.perf != nil {
		m.perf.Record(monitor.OpMaterialize, res.elapsed+finalizeElapsed)
	}
	return Outcome{Index: r.index, ItemID: id, Handle: handle, Err: err}
}

// Materialize runs both phases synchronously; used for the initial viewport
// and for jumps. On failure, timeout or open circuit it returns a placeholder
// together with the error.
func (m *Materializer) Materialize(ctx context.Context, index int, item types.Item) (types.RenderHandle, error) {
	if m.closed {
		return nil, engerrors.ErrShutdown
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if item == nil {
		return nil, fmt.Errorf("materializer: nil item at index %d", index)
	}
	id := item.ItemID()

	if r, ok := m.tracking[id]; ok {
		r.index = index
		r.cancelled = false
		r.prefetch = false
		return nil, ErrInFlight
	}

	if !m.breaker.Allow() {
		m.metrics.IncMaterialization(OutcomeCircuitOpen)
		return m.placeholder(index, id), engerrors.ErrCircuitOpen
	}
	probe := m.breaker.State() == CircuitHalfOpen

	if payload, ok := m.cache.get(id); ok {
		m.metrics.IncMaterialization(OutcomeCached)
		h, _, err := m.finalizeOne(index, id, payload)
		return h, err
	}

	payload, prepElapsed, err := prepareWithDeadline(ctx, m.prepare, item, m.config.PrepareTimeout, m.clock)
	if m.perf != nil {
		m.perf.Record(monitor.OpPrepare, prepElapsed)
	}
	if err != nil {
		if ctx.Err() != nil {
			if probe {
				m.breaker.ReleaseProbe()
			}
			return m.placeholder(index, id), err
		}
		out := m.fail(index, id, err)
		return out.Handle, out.Err
	}
	m.cache.add(payload)

	h, finalizeElapsed, err := m.finalizeOne(index, id, payload)
	if m.perf != nil {
		m.perf.Record(monitor.OpMaterialize, prepElapsed+finalizeElapsed)
	}
	return h, err
}

func (m *Materializer) fail(index int, id string, err error) Outcome {
	m.breaker.RecordFailure()
	if engerrors.IsTimeoutError(err) {
		m.metrics.IncMaterialization(OutcomeTimeout)
	} else {
		m.metrics.IncMaterialization(OutcomeFailure)
	}
	m.logger.Warn("%v", err)
	return Outcome{Index: index, ItemID: id, Handle: m.placeholder(index, id), Err: err}
}

func (m *Materializer) finalizeOne(index int, id string, payload types.Payload) (types.RenderHandle, time.Duration, error) {
	shape := payload.Shape
	if shape == "" {
		shape = DefaultShape
	}
	h, err := m.pool.Acquire(shape)
	if err != nil {
		out := m.fail(index, id, engerrors.NewFailureError(id, engerrors.PhaseFinalize, err))
		return out.Handle, 0, out.Err
	}

	start := m.clock.Now()
	err = safeFinalize(m.finalize, h, payload)
	elapsed := clock.Since(m.clock, start)
	if m.perf != nil {
		m.perf.Record(monitor.OpFinalize, elapsed)
	}

	if err == nil && m.config.FinalizeTimeout > 0 && elapsed > m.config.FinalizeTimeout {
		err = engerrors.NewTimeoutError(id, engerrors.PhaseFinalize, m.config.FinalizeTimeout, elapsed)
	} else if err != nil {
		err = engerrors.NewFailureError(id, engerrors.PhaseFinalize, err)
	}
	if err != nil {
		if relErr := m.pool.Release(h); relErr != nil {
			m.logger.Warn("Failed to release handle for %s: %v", id, relErr)
		}
		out := m.fail(index, id, err)
		return out.Handle, elapsed, out.Err
	}

	m.breaker.RecordSuccess()
	m.metrics.IncMaterialization(OutcomeOK)
	return h, elapsed, nil
}

func safeFinalize(finalize FinalizeFunc, h types.RenderHandle, payload types.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("finalize panicked: %v", r)
		}
	}()
	return finalize(h, payload)
}

func (m *Materializer) placeholder(index int, id string) types.RenderHandle {
	h, err := m.pool.Acquire(types.PlaceholderShape)
	if err != nil {
		h = types.NewPlaceholder()
	}
	if p, ok := h.(*types.Placeholder); ok {
		p.Bind(id, index)
	}
	return h
}

// Placeholder returns a bound fallback handle without attempting materialization
func (m *Materializer) Placeholder(index int, itemID string) types.RenderHandle {
	return m.placeholder(index, itemID)
}

// SetCaching enables or disables the payload cache. Disabling purges it.
func (m *Materializer) SetCaching(enabled bool) {
	m.cache.setEnabled(enabled)
}

// PurgeCache drops every cached payload
func (m *Materializer) PurgeCache() {
	m.cache.purge()
}

// Cached reports whether itemID has a prepared payload in the cache
func (m *Materializer) Cached(itemID string) bool {
	return m.cache.contains(itemID)
}

// CacheLen returns the number of cached payloads
func (m *Materializer) CacheLen() int {
	return m.cache.size()
}

// Reset forgets every in-flight request and cached payload. Results from the
// previous generation are dropped on arrival.
func (m *Materializer) Reset() {
	m.generation++
	m.releaseProbes()
	m.tracking = make(map[string]*request)
	m.arrived = nil
	m.cache.purge()
	m.metrics.SetInFlight(0)
}

// releaseProbes hands back the HalfOpen probe of any request about to be
// forgotten; its outcome would otherwise never be recorded.
func (m *Materializer) releaseProbes() {
	for _, r := range m.tracking {
		if r.probe {
			m.breaker.ReleaseProbe()
		}
	}
}

// Close stops the workers. Pending results are dropped.
func (m *Materializer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.releaseProbes()
	m.tracking = make(map[string]*request)
	m.arrived = nil
	return m.workers.stop()
}
