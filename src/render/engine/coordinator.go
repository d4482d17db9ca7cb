// Package engine composes the section index, viewport tracker, materializer,
// pool, scheduler and monitors into the progressive rendering coordinator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"viewport-engine/src/internal/common"
	engerrors "viewport-engine/src/internal/errors"
	"viewport-engine/src/render/clock"
	"viewport-engine/src/render/degrade"
	"viewport-engine/src/render/events"
	"viewport-engine/src/render/materializer"
	"viewport-engine/src/render/monitor"
	"viewport-engine/src/render/pool"
	"viewport-engine/src/render/scheduler"
	"viewport-engine/src/render/section"
	"viewport-engine/src/render/types"
	"viewport-engine/src/render/viewport"
)

// Events are the typed notifications a coordinator publishes to its host.
// Handlers run on the goroutine that called the coordinator, after its lock is released.
type Events struct {
	SectionChanged       events.Topic[string]
	ViewportMaterialized events.Topic[[]int]
	Degraded             events.Topic[degrade.FeatureSet]
}

// TickReport summarizes the work done by one Tick
type TickReport struct {
	Scrolled     bool                  `json:"scrolled" yaml:"scrolled"`
	Cancelled    int                   `json:"cancelled" yaml:"cancelled"`
	Released     int                   `json:"released" yaml:"released"`
	Dispatched   int                   `json:"dispatched" yaml:"dispatched"`
	Upgraded     int                   `json:"upgraded" yaml:"upgraded"`
	Prefetched   int                   `json:"prefetched" yaml:"prefetched"`
	Finalized    []int                 `json:"finalized,omitempty" yaml:"finalized,omitempty"`
	Placeholders int                   `json:"placeholders" yaml:"placeholders"`
	Queued       int                   `json:"queued" yaml:"queued"`
	Plan         scheduler.BatchPlan   `json:"plan" yaml:"plan"`
	Performance  monitor.Status        `json:"performance" yaml:"performance"`
	Memory       monitor.PressureLevel `json:"memory" yaml:"memory"`
	Disabled     degrade.FeatureSet    `json:"disabled" yaml:"disabled"`
	Frame        time.Duration         `json:"frame" yaml:"frame"`
}

type scrollEvent struct {
	position float64
	velocity float64
}

type heldHandle struct {
	itemID      string
	handle      types.RenderHandle
	placeholder bool
	// breaker epoch at the time the handle was bound
	epoch uint64
}

// Coordinator is the single owner of the viewport, the section index, the
// active handle set and all finalization. Its methods are meant to be called
// from the host's coordinating goroutine; debounced scroll positions reach it
// through a channel drained by Tick.
type Coordinator struct {
	mu      sync.Mutex
	config  Config
	host    Host
	clock   clock.Clock
	logger  *common.SafeLogger
	log     *common.SafeLogger
	metrics *monitor.Metrics

	perf      *monitor.PerformanceMonitor
	memory    *monitor.MemoryMonitor
	scheduler *scheduler.Scheduler
	pool      *pool.Pool
	mat       *materializer.Materializer
	tracker   *viewport.Tracker
	debouncer *viewport.Debouncer
	degrade   *degrade.Manager

	index      *section.Index
	generation string
	active     map[int]*heldHandle
	queue      *btree.BTreeG[int]
	nextBatch  time.Time
	disabled   degrade.FeatureSet
	prefetchAt int
	section    string

	inbox  chan scrollEvent
	closed *atomic.Bool
	events *Events
	outbox []func()
}

// New creates a coordinator. Host functions are validated by SetCollection.
func New(config Config, host Host, opts ...Option) *Coordinator {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.logger == nil {
		o.logger = common.NewSafeLogger("engine")
	}
	if o.perf == nil {
		o.perf = monitor.NewPerformanceMonitor(config.Performance, o.clock, o.metrics)
	}
	if o.memory == nil {
		sampler := o.sampler
		if sampler == nil {
			sampler = monitor.RuntimeSampler{Limit: config.MemoryLimit}
		}
		o.memory = monitor.NewMemoryMonitor(config.Memory, sampler, o.clock, o.logger.Named("memory"), o.metrics)
	}
	if config.InitialSyncBound < 0 {
		config.InitialSyncBound = 0
	}

	c := &Coordinator{
		config:    config,
		host:      host,
		clock:     o.clock,
		logger:    o.logger,
		log:       o.logger,
		metrics:   o.metrics,
		perf:      o.perf,
		memory:    o.memory,
		scheduler: scheduler.New(config.Scheduler, o.metrics),
		pool:      pool.New(config.Pool, host.NewHandle, o.logger.Named("pool")),
		tracker:   viewport.NewTracker(config.Tracker),
		degrade:   degrade.NewManager(config.Degrade, o.logger.Named("degrade"), o.metrics),
		active:    make(map[int]*heldHandle),
		queue:     btree.NewOrderedG[int](32),
		inbox:     make(chan scrollEvent, 1),
		closed:    atomic.NewBool(false),
		events:    &Events{},
	}
	c.debouncer = viewport.NewDebouncer(config.Debounce, o.clock, c.deliver)
	c.memory.OnCritical(c.relieveMemory)
	return c
}

// unlock releases the lock and then publishes events queued while it was held
func (c *Coordinator) unlock() {
	pending := c.outbox
	c.outbox = nil
	c.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// deliver hands the latest debounced position to the coordinating goroutine.
// Only the newest position is kept.
func (c *Coordinator) deliver(position, velocity float64) {
	if math.IsInf(velocity, 1) {
		velocity = math.MaxFloat64
	}
	ev := scrollEvent{position: position, velocity: velocity}
	for {
		select {
		case c.inbox <- ev:
			return
		default:
		}
		select {
		case <-c.inbox:
		default:
		}
	}
}

func (c *Coordinator) takeScroll() (scrollEvent, bool) {
	var ev scrollEvent
	got := false
	for {
		select {
		case e := <-c.inbox:
			ev, got = e, true
		default:
			return ev, got
		}
	}
}

func (c *Coordinator) ensureMaterializer() error {
	if err := c.host.validate(); err != nil {
		return err
	}
	if c.mat != nil {
		return nil
	}
	m, err := materializer.New(c.config.Materializer, c.host.Prepare, c.host.Finalize, materializer.Deps{
		Pool:    c.pool,
		Clock:   c.clock,
		Perf:    c.perf,
		Metrics: c.metrics,
		Logger:  c.logger.Named("materializer"),
	})
	if err != nil {
		return err
	}
	m.SetCaching(!c.disabled.Has(degrade.FeatureCaching))
	c.mat = m
	return nil
}

// SetCollection replaces the collection. In-flight work is cancelled, held
// handles go back to the pool, the index is rebuilt and the viewport returns
// to the top with its first items materialized synchronously.
func (c *Coordinator) SetCollection(items []types.Item, keyFn section.GroupKeyFunc, sortFn section.SortFunc) error {
	c.mu.Lock()
	defer c.unlock()

	if c.closed.Load() {
		return engerrors.ErrShutdown
	}
	if err := c.ensureMaterializer(); err != nil {
		return fmt.Errorf("set collection: %w", err)
	}

	now := c.clock.Now()
	c.debouncer.Cancel()
	c.takeScroll()
	c.mat.Reset()
	if err := c.releaseAll(); err != nil {
		c.log.Warn("Failed to release handles of the previous collection: %v", err)
	}
	c.queue.Clear(false)
	c.scheduler.Reset()

	c.index = section.Build(items, keyFn, sortFn)
	c.generation = uuid.NewString()
	c.log = c.logger.With("generation", c.generation)
	if err := c.index.Validate(); err != nil {
		c.log.Error("Section index failed validation: %v", err)
	}

	ix := c.index
	c.tracker.SetCollection(ix.Len(), func(i int) string {
		if it, ok := ix.Item(i); ok {
			return it.ItemID()
		}
		return ""
	})
	c.debouncer.Anchor(0)
	c.prefetchAt = 0
	c.nextBatch = now
	c.section = ""

	state := c.tracker.StateAt(0, 0)
	diff := c.tracker.Update(state, now)
	materialized := c.applyDiff(diff, state, c.config.InitialSyncBound)
	c.noteSection(state)
	c.publishMaterialized(materialized)

	c.log.Info("Collection set: %d items in %d sections, %d materialized synchronously, %d queued",
		ix.Len(), len(ix.KeysInOrder()), len(materialized), c.queue.Len())
	return nil
}

// OnScroll feeds a raw scroll position. It is debounced and applied by a later Tick.
func (c *Coordinator) OnScroll(position float64) {
	if c.closed.Load() {
		return
	}
	c.debouncer.OnPositionChanged(position)
}

// FlushScroll emits a pending debounced position immediately, e.g. when the host sees the scroll end
func (c *Coordinator) FlushScroll() bool {
	if c.closed.Load() {
		return false
	}
	return c.debouncer.Flush()
}

// JumpToSection moves the viewport so its first index is the first item of
// key and materializes that region synchronously. Pending debounced scrolls
// are discarded.
func (c *Coordinator) JumpToSection(key string) (int, error) {
	c.mu.Lock()
	defer c.unlock()

	if c.closed.Load() {
		return -1, engerrors.ErrShutdown
	}
	if c.index == nil {
		return -1, engerrors.ErrNoCollection
	}

	stop := c.perf.Measure(monitor.OpNavigation)
	defer stop()

	first, ok := c.index.First(key)
	if !ok {
		return -1, fmt.Errorf("jump to %q: %w", key, engerrors.ErrUnknownSection)
	}

	c.debouncer.Cancel()
	c.takeScroll()
	c.debouncer.Anchor(c.tracker.PositionOf(first))

	state := c.tracker.StateAtIndex(first)
	diff := c.tracker.Update(state, c.clock.Now())
	materialized := c.applyDiff(diff, state, c.config.InitialSyncBound)

	c.section = key
	c.outbox = append(c.outbox, func() { c.events.SectionChanged.Publish(key) })
	c.publishMaterialized(materialized)

	c.log.Debug("Jumped to section %s at index %d, %d materialized synchronously", key, first, len(materialized))
	return first, nil
}

// Tick runs one coordination cycle: apply the latest debounced position,
// release before materializing, sample memory, evaluate degradation, plan and
// dispatch a batch, then finalize arrived payloads within the frame budget.
func (c *Coordinator) Tick() TickReport {
	c.mu.Lock()
	defer c.unlock()

	if c.closed.Load() || c.index == nil {
		return TickReport{}
	}

	stop := c.perf.Measure(monitor.OpFrame)
	now := c.clock.Now()
	var report TickReport

	if ev, ok := c.takeScroll(); ok {
		state := c.tracker.StateAt(ev.position, ev.velocity)
		diff := c.tracker.Update(state, now)
		c.applyDiff(diff, state, 0)
		report.count(diff)
		report.Scrolled = true
		c.noteSection(state)
	} else if due := c.tracker.Due(now); len(due) > 0 {
		for _, ref := range due {
			c.release(ref.Index)
		}
		report.Released += len(due)
	}

	report.Memory = c.memory.Sample()
	report.Performance = c.perf.Classify()
	if set := c.degrade.Evaluate(report.Performance, report.Memory); set != c.disabled {
		report.count(c.applyFeatures(set, now))
	}
	report.Disabled = c.disabled

	plan := c.scheduler.NextPlan(c.perf)
	report.Plan = plan
	if !now.Before(c.nextBatch) {
		report.Dispatched, report.Placeholders = c.dispatch(plan.BatchSize)
		budget := plan.BatchSize - report.Dispatched - report.Placeholders
		report.Upgraded = c.upgradePlaceholders(budget)
		budget -= report.Upgraded
		if c.backgroundPreparation() {
			report.Prefetched = c.prefetch(budget)
		}
		if report.Dispatched+report.Placeholders+report.Upgraded+report.Prefetched > 0 {
			c.nextBatch = now.Add(plan.InterBatchDelay)
		}
	}

	finalized, placeholders := c.collect()
	report.Finalized = finalized
	report.Placeholders += placeholders
	report.Queued = c.queue.Len()

	c.metrics.SetQueueDepth(report.Queued)
	for _, st := range c.pool.Stats() {
		c.metrics.SetPooledHandles(st.Shape, st.Free)
	}
	report.Frame = stop()
	c.publishMaterialized(finalized)
	return report
}

func (r *TickReport) count(diff viewport.Diff) {
	r.Cancelled += len(diff.Cancel)
	r.Released += len(diff.Release)
}

// applyDiff cancels and releases first, then materializes. Up to syncBound
// indices are materialized synchronously, visible ones before margin ones;
// the rest are queued.
func (c *Coordinator) applyDiff(diff viewport.Diff, visible viewport.State, syncBound int) []int {
	for _, ref := range diff.Cancel {
		c.queue.Delete(ref.Index)
		c.mat.Cancel(ref.ItemID)
	}
	for _, ref := range diff.Release {
		c.release(ref.Index)
	}

	order := make([]int, 0, len(diff.Materialize))
	var margin []int
	for _, idx := range diff.Materialize {
		if idx >= visible.First && idx <= visible.Last {
			order = append(order, idx)
		} else {
			margin = append(margin, idx)
		}
	}
	order = append(order, margin...)

	var materialized []int
	for i, idx := range order {
		if i < syncBound {
			if c.materializeSync(idx) {
				materialized = append(materialized, idx)
			}
			continue
		}
		c.queue.ReplaceOrInsert(idx)
	}
	sort.Ints(materialized)
	return materialized
}

func (c *Coordinator) materializeSync(idx int) bool {
	item, ok := c.index.Item(idx)
	if !ok {
		c.tracker.Forget(idx)
		return false
	}
	h, err := c.mat.Materialize(context.Background(), idx, item)
	if errors.Is(err, materializer.ErrInFlight) {
		return false
	}
	if h == nil {
		c.log.Error("Materialization of %s produced no handle: %v", item.ItemID(), err)
		c.tracker.Forget(idx)
		return false
	}
	c.hold(idx, item.ItemID(), h)
	return true
}

// dispatch requests queued indices in ascending order. While the circuit is
// not closed, refused items are bound to placeholders instead.
func (c *Coordinator) dispatch(limit int) (dispatched, placeholders int) {
	var done []int
	c.queue.Ascend(func(idx int) bool {
		if dispatched+placeholders >= limit {
			return false
		}
		if !c.tracker.Requested(idx) {
			done = append(done, idx)
			return true
		}
		item, ok := c.index.Item(idx)
		if !ok {
			c.tracker.Forget(idx)
			done = append(done, idx)
			return true
		}
		if c.mat.Request(idx, item) {
			dispatched++
			done = append(done, idx)
			return true
		}
		if c.mat.Breaker().State() == materializer.CircuitClosed {
			// worker queue is full
			return false
		}
		c.hold(idx, item.ItemID(), c.mat.Placeholder(idx, item.ItemID()))
		placeholders++
		done = append(done, idx)
		return true
	})
	for _, idx := range done {
		c.queue.Delete(idx)
	}
	return dispatched, placeholders
}

// upgradePlaceholders re-requests placeholders bound before the circuit last
// closed. While the circuit is not closed a single request goes out as the
// recovery probe.
func (c *Coordinator) upgradePlaceholders(limit int) int {
	if limit <= 0 {
		return 0
	}
	breaker := c.mat.Breaker()
	epoch := breaker.Epoch()
	closed := breaker.State() == materializer.CircuitClosed
	if !closed {
		limit = 1
	}

	var stale []int
	for idx, h := range c.active {
		if h.placeholder && (!closed || h.epoch < epoch) {
			stale = append(stale, idx)
		}
	}
	sort.Ints(stale)

	upgraded := 0
	for _, idx := range stale {
		if upgraded >= limit {
			break
		}
		item, ok := c.index.Item(idx)
		if !ok {
			continue
		}
		if !c.mat.Request(idx, item) {
			break
		}
		c.active[idx].epoch = epoch
		upgraded++
	}
	return upgraded
}

func (c *Coordinator) backgroundPreparation() bool {
	return !c.disabled.Has(degrade.FeatureBackgroundPreparation) && !c.disabled.Has(degrade.FeatureCaching)
}

// prefetch prepares the rest of the collection into the payload cache, in index order
func (c *Coordinator) prefetch(limit int) int {
	items := c.index.Items()
	n := 0
	for c.prefetchAt < len(items) && n < limit {
		idx := c.prefetchAt
		id := items[idx].ItemID()
		if c.tracker.Held(idx) || c.tracker.Requested(idx) || c.mat.Cached(id) || c.mat.InFlight(id) {
			c.prefetchAt++
			continue
		}
		if !c.mat.Prefetch(items[idx]) {
			break
		}
		c.prefetchAt++
		n++
	}
	return n
}

func (c *Coordinator) collect() (finalized []int, placeholders int) {
	for _, o := range c.mat.Collect(c.config.FrameBudget) {
		if !c.tracker.Requested(o.Index) && !c.tracker.Held(o.Index) {
			c.releaseHandle(o.ItemID, o.Handle)
			continue
		}
		c.hold(o.Index, o.ItemID, o.Handle)
		finalized = append(finalized, o.Index)
		if o.Placeholder() {
			placeholders++
		}
	}
	return finalized, placeholders
}

// applyFeatures pushes a new disabled set into the components it affects
func (c *Coordinator) applyFeatures(set degrade.FeatureSet, now time.Time) viewport.Diff {
	c.disabled = set
	c.tracker.SetPrefetch(!set.Has(degrade.FeaturePrefetch))
	c.mat.SetCaching(!set.Has(degrade.FeatureCaching))

	diff := c.tracker.Refresh(now)
	c.applyDiff(diff, c.tracker.State(), 0)

	c.outbox = append(c.outbox, func() { c.events.Degraded.Publish(set) })
	return diff
}

// relieveMemory runs from MemoryMonitor.Sample inside Tick, with the lock held
func (c *Coordinator) relieveMemory() {
	if err := c.pool.Shrink(c.config.CriticalPoolKeep); err != nil {
		c.log.Warn("Failed to destroy pooled handles: %v", err)
	}
	if c.mat != nil {
		c.mat.PurgeCache()
	}
	c.prefetchAt = 0
	c.log.Warn("Memory pressure critical: pool trimmed to %d handles per shape, payload cache purged",
		c.config.CriticalPoolKeep)
}

func (c *Coordinator) hold(idx int, itemID string, h types.RenderHandle) {
	if prev, ok := c.active[idx]; ok && prev.handle != h {
		c.releaseHandle(prev.itemID, prev.handle)
	}
	c.active[idx] = &heldHandle{
		itemID:      itemID,
		handle:      h,
		placeholder: types.IsPlaceholder(h),
		epoch:       c.mat.Breaker().Epoch(),
	}
	c.tracker.MarkHeld(idx)
}

func (c *Coordinator) release(idx int) {
	h, ok := c.active[idx]
	if !ok {
		return
	}
	delete(c.active, idx)
	c.mat.Cancel(h.itemID)
	c.releaseHandle(h.itemID, h.handle)
}

func (c *Coordinator) releaseHandle(itemID string, h types.RenderHandle) {
	if err := c.pool.Release(h); err != nil {
		c.log.Warn("Failed to release handle of %s: %v", itemID, err)
	}
}

func (c *Coordinator) releaseAll() error {
	var errs error
	for idx, h := range c.active {
		errs = multierr.Append(errs, c.pool.Release(h.handle))
		delete(c.active, idx)
	}
	return errs
}

func (c *Coordinator) noteSection(state viewport.State) {
	if state.Empty() {
		return
	}
	key := c.index.KeyAt(state.First)
	if key == "" || key == c.section {
		return
	}
	c.section = key
	c.outbox = append(c.outbox, func() { c.events.SectionChanged.Publish(key) })
}

func (c *Coordinator) publishMaterialized(indices []int) {
	if len(indices) == 0 {
		return
	}
	out := append([]int(nil), indices...)
	c.outbox = append(c.outbox, func() { c.events.ViewportMaterialized.Publish(out) })
}

// Shutdown stops the workers, returns every held handle to the pool and drains it.
// Calling it again is a no-op.
func (c *Coordinator) Shutdown() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.unlock()

	c.debouncer.Cancel()
	c.takeScroll()

	var errs error
	if c.mat != nil {
		errs = multierr.Append(errs, c.mat.Close())
	}
	errs = multierr.Append(errs, c.releaseAll())
	c.queue.Clear(false)
	errs = multierr.Append(errs, c.pool.Drain())

	c.log.Info("Engine shut down")
	return errs
}

// Index returns the current section index, nil before the first SetCollection
func (c *Coordinator) Index() *section.Index {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// Viewport returns the last applied viewport state
func (c *Coordinator) Viewport() viewport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.State()
}

// Held returns the indices that currently hold a handle, ascending
func (c *Coordinator) Held() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := make([]int, 0, len(c.active))
	for idx := range c.active {
		held = append(held, idx)
	}
	sort.Ints(held)
	return held
}

// Handle returns the handle bound to index, if any
func (c *Coordinator) Handle(index int) (types.RenderHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.active[index]
	if !ok {
		return nil, false
	}
	return h.handle, true
}

// Disabled returns the features currently disabled by degradation
func (c *Coordinator) Disabled() degrade.FeatureSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// Events returns the coordinator's event topics
func (c *Coordinator) Events() *Events {
	return c.events
}

// Generation returns the id of the current collection build
func (c *Coordinator) Generation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}
