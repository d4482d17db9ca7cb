package viewport

import (
	"math"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"

	"viewport-engine/src/internal/constants"
)

// State is the visible index range, Last inclusive. Empty when Last < First.
type State struct {
	First    int     `json:"first" yaml:"first"`
	Last     int     `json:"last" yaml:"last"`
	Velocity float64 `json:"velocity" yaml:"velocity"`
}

// Empty reports whether the state covers no index
func (s State) Empty() bool {
	return s.Last < s.First
}

// Geometry maps scroll positions to indices
type Geometry struct {
	ItemExtent     float64 `yaml:"item_extent" json:"item_extent"`
	ViewportExtent float64 `yaml:"viewport_extent" json:"viewport_extent"`
	Columns        int     `yaml:"columns" json:"columns"`
}

// TrackerConfig configures the viewport tracker
type TrackerConfig struct {
	PrefetchMargin int           `yaml:"prefetch_margin" json:"prefetch_margin"`
	ReleaseGrace   time.Duration `yaml:"release_grace" json:"release_grace"`
	Geometry       Geometry      `yaml:"geometry" json:"geometry"`
}

// DefaultTrackerConfig returns the default tracker configuration
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		PrefetchMargin: constants.DefaultPrefetchMargin,
		ReleaseGrace:   constants.DefaultReleaseGrace,
		Geometry: Geometry{
			ItemExtent:     constants.DefaultItemExtent,
			ViewportExtent: constants.DefaultViewportExtent,
			Columns:        constants.DefaultColumns,
		},
	}
}

// Ref identifies an item by position and id
type Ref struct {
	Index  int    `json:"index" yaml:"index"`
	ItemID string `json:"item_id" yaml:"item_id"`
}

// Diff is the work implied by a viewport change. Materialize is ascending.
// Cancel lists requested-but-unheld items that left the range; Release lists
// held items whose grace period has expired.
type Diff struct {
	Materialize []int
	Cancel      []Ref
	Release     []Ref
}

// Empty reports whether the diff implies no work
func (d Diff) Empty() bool {
	return len(d.Materialize) == 0 && len(d.Cancel) == 0 && len(d.Release) == 0
}

// Tracker owns the held and requested index sets of one collection.
// It is used from the coordinating goroutine only.
type Tracker struct {
	config    TrackerConfig
	margin    int
	count     int
	idOf      func(int) string
	state     State
	held      *roaring.Bitmap
	requested *roaring.Bitmap
	releaseAt map[uint32]time.Time
}

// NewTracker creates a tracker with no collection
func NewTracker(config TrackerConfig) *Tracker {
	if config.Geometry.Columns <= 0 {
		config.Geometry.Columns = 1
	}
	if config.Geometry.ItemExtent <= 0 {
		config.Geometry.ItemExtent = constants.DefaultItemExtent
	}
	if config.PrefetchMargin < 0 {
		config.PrefetchMargin = 0
	}
	return &Tracker{
		config:    config,
		margin:    config.PrefetchMargin,
		idOf:      func(int) string { return "" },
		state:     State{First: 0, Last: -1},
		held:      roaring.New(),
		requested: roaring.New(),
		releaseAt: make(map[uint32]time.Time),
	}
}

// SetCollection forgets all held and requested indices and points the tracker at a new collection
func (t *Tracker) SetCollection(count int, idOf func(int) string) {
	if idOf == nil {
		idOf = func(int) string { return "" }
	}
	t.count = count
	t.idOf = idOf
	t.state = State{First: 0, Last: -1}
	t.held.Clear()
	t.requested.Clear()
	t.releaseAt = make(map[uint32]time.Time)
}

// SetPrefetch turns the prefetch margin on or off
func (t *Tracker) SetPrefetch(enabled bool) {
	if enabled {
		t.margin = t.config.PrefetchMargin
	} else {
		t.margin = 0
	}
}

// Margin returns the margin currently applied on each side
func (t *Tracker) Margin() int {
	return t.margin
}

// StateAt derives the visible range from a scroll offset
func (t *Tracker) StateAt(position, velocity float64) State {
	g := t.config.Geometry
	if t.count == 0 {
		return State{First: 0, Last: -1, Velocity: velocity}
	}
	if position < 0 || math.IsNaN(position) {
		position = 0
	}
	firstRow := int(math.Floor(position / g.ItemExtent))
	lastRow := int(math.Ceil((position+g.ViewportExtent)/g.ItemExtent)) - 1
	if lastRow < firstRow {
		lastRow = firstRow
	}

	first := firstRow * g.Columns
	last := (lastRow+1)*g.Columns - 1
	if last >= t.count {
		last = t.count - 1
	}
	if first > last {
		first = last
	}
	return State{First: first, Last: last, Velocity: velocity}
}

// StateAtIndex returns the state whose first visible index is the row start of index
func (t *Tracker) StateAtIndex(index int) State {
	return t.StateAt(t.PositionOf(index), 0)
}

// PositionOf returns the scroll offset that puts index's row at the top
func (t *Tracker) PositionOf(index int) float64 {
	if index < 0 {
		index = 0
	}
	return float64(index/t.config.Geometry.Columns) * t.config.Geometry.ItemExtent
}

// State returns the last applied viewport state
func (t *Tracker) State() State {
	return t.state
}

// Wanted returns the range kept materialized: visible plus margin, clamped
func (t *Tracker) Wanted() (lo, hi int) {
	if t.state.Empty() || t.count == 0 {
		return 0, -1
	}
	lo = t.state.First - t.margin
	if lo < 0 {
		lo = 0
	}
	hi = t.state.Last + t.margin
	if hi >= t.count {
		hi = t.count - 1
	}
	return lo, hi
}

func (t *Tracker) wantedBitmap() *roaring.Bitmap {
	bm := roaring.New()
	if lo, hi := t.Wanted(); lo <= hi {
		bm.AddRange(uint64(lo), uint64(hi)+1)
	}
	return bm
}

// Update applies a new viewport state
func (t *Tracker) Update(state State, now time.Time) Diff {
	t.state = state
	return t.reconcile(now)
}

// Refresh recomputes the diff for the current state, e.g. after the margin changed
func (t *Tracker) Refresh(now time.Time) Diff {
	return t.reconcile(now)
}

func (t *Tracker) reconcile(now time.Time) Diff {
	wanted := t.wantedBitmap()
	var diff Diff

	// items coming back inside the range keep their handles
	for idx := range t.releaseAt {
		if wanted.Contains(idx) {
			delete(t.releaseAt, idx)
		}
	}

	leaving := roaring.AndNot(t.requested, wanted)
	it := leaving.Iterator()
	for it.HasNext() {
		idx := it.Next()
		diff.Cancel = append(diff.Cancel, t.ref(idx))
	}
	t.requested.AndNot(leaving)

	stale := roaring.AndNot(t.held, wanted)
	it = stale.Iterator()
	for it.HasNext() {
		idx := it.Next()
		if _, scheduled := t.releaseAt[idx]; !scheduled {
			t.releaseAt[idx] = now.Add(t.config.ReleaseGrace)
		}
	}

	missing := roaring.AndNot(wanted, roaring.Or(t.held, t.requested))
	it = missing.Iterator()
	for it.HasNext() {
		idx := it.Next()
		diff.Materialize = append(diff.Materialize, int(idx))
	}
	t.requested.Or(missing)

	diff.Release = t.Due(now)
	return diff
}

// Due removes and returns held items whose release grace expired, ascending
func (t *Tracker) Due(now time.Time) []Ref {
	var due []uint32
	for idx, at := range t.releaseAt {
		if !now.Before(at) {
			due = append(due, idx)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })

	refs := make([]Ref, 0, len(due))
	for _, idx := range due {
		delete(t.releaseAt, idx)
		t.held.Remove(idx)
		refs = append(refs, t.ref(idx))
	}
	return refs
}

func (t *Tracker) ref(idx uint32) Ref {
	return Ref{Index: int(idx), ItemID: t.idOf(int(idx))}
}

// MarkHeld records that index now has a handle
func (t *Tracker) MarkHeld(index int) {
	if index < 0 {
		return
	}
	t.requested.Remove(uint32(index))
	t.held.Add(uint32(index))
}

// Forget drops index from both sets without producing work
func (t *Tracker) Forget(index int) {
	if index < 0 {
		return
	}
	t.requested.Remove(uint32(index))
	t.held.Remove(uint32(index))
	delete(t.releaseAt, uint32(index))
}

// Requested reports whether index awaits a handle
func (t *Tracker) Requested(index int) bool {
	return index >= 0 && t.requested.Contains(uint32(index))
}

// Held reports whether index has a handle
func (t *Tracker) Held(index int) bool {
	return index >= 0 && t.held.Contains(uint32(index))
}

// HeldIndices returns held indices ascending
func (t *Tracker) HeldIndices() []int {
	return toInts(t.held)
}

// RequestedIndices returns requested indices ascending
func (t *Tracker) RequestedIndices() []int {
	return toInts(t.requested)
}

// HeldCount returns the number of held indices
func (t *Tracker) HeldCount() int {
	return int(t.held.GetCardinality())
}

// PendingReleases returns the number of held items awaiting their grace expiry
func (t *Tracker) PendingReleases() int {
	return len(t.releaseAt)
}

// Converged reports whether held equals the wanted range exactly
func (t *Tracker) Converged() bool {
	return t.held.Equals(t.wantedBitmap()) && t.requested.IsEmpty()
}

func toInts(bm *roaring.Bitmap) []int {
	out := make([]int, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}
