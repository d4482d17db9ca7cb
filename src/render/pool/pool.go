// Package pool recycles render handles per shape so a scroll session allocates
// a bounded number of them.
package pool

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"viewport-engine/src/internal/common"
	"viewport-engine/src/internal/constants"
	engerrors "viewport-engine/src/internal/errors"
	"viewport-engine/src/render/types"
)

// Factory creates a fresh handle of the given shape. Supplied by the host.
type Factory func(shape string) (types.RenderHandle, error)

// Config holds pool limits
type Config struct {
	// CapacityPerShape bounds each free list; released handles beyond it are destroyed
	CapacityPerShape int `yaml:"capacity_per_shape" json:"capacity_per_shape"`
	// MaxLivePerShape warns and allocates directly once exceeded. 0 means unbounded.
	MaxLivePerShape int `yaml:"max_live_per_shape" json:"max_live_per_shape"`
}

// DefaultConfig returns the default pool limits
func DefaultConfig() Config {
	return Config{
		CapacityPerShape: constants.DefaultPoolCapacityPerShape,
		MaxLivePerShape:  constants.DefaultMaxLivePerShape,
	}
}

// ShapeStats reports usage of one shape
type ShapeStats struct {
	Shape     string `json:"shape" yaml:"shape"`
	Free      int    `json:"free" yaml:"free"`
	Live      int    `json:"live" yaml:"live"`
	PeakLive  int    `json:"peak_live" yaml:"peak_live"`
	Created   int64  `json:"created" yaml:"created"`
	Reused    int64  `json:"reused" yaml:"reused"`
	Destroyed int64  `json:"destroyed" yaml:"destroyed"`
	Overflow  int64  `json:"overflow" yaml:"overflow"`
}

type shapePool struct {
	free  []types.RenderHandle
	stats ShapeStats
}

// Pool keeps free lists of reset handles keyed by shape
type Pool struct {
	mu      sync.Mutex
	config  Config
	factory Factory
	shapes  map[string]*shapePool
	logger  *common.SafeLogger
}

// New creates a pool. Placeholders are always allocated by the pool itself;
// every other shape needs factory.
func New(config Config, factory Factory, logger *common.SafeLogger) *Pool {
	if config.CapacityPerShape < 0 {
		config.CapacityPerShape = 0
	}
	if logger == nil {
		logger = common.NewSafeLogger("pool")
	}
	return &Pool{
		config:  config,
		factory: factory,
		shapes:  make(map[string]*shapePool),
		logger:  logger,
	}
}

func (p *Pool) shapeLocked(shape string) *shapePool {
	sp, ok := p.shapes[shape]
	if !ok {
		sp = &shapePool{stats: ShapeStats{Shape: shape}}
		p.shapes[shape] = sp
	}
	return sp
}

// Acquire returns a reset handle of the shape, reusing a released one when available
func (p *Pool) Acquire(shape string) (types.RenderHandle, error) {
	p.mu.Lock()
	sp := p.shapeLocked(shape)
	if n := len(sp.free); n > 0 {
		h := sp.free[n-1]
		sp.free[n-1] = nil
		sp.free = sp.free[:n-1]
		sp.stats.Reused++
		p.markLiveLocked(sp)
		p.mu.Unlock()
		return h, nil
	}

	if limit := p.config.MaxLivePerShape; limit > 0 && sp.stats.Live >= limit {
		sp.stats.Overflow++
		p.logger.Warn("%v", engerrors.NewPoolExhaustionError(shape, sp.stats.Live, limit))
	}
	p.mu.Unlock()

	h, err := p.create(shape)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	sp.stats.Created++
	p.markLiveLocked(sp)
	p.mu.Unlock()
	return h, nil
}

func (p *Pool) markLiveLocked(sp *shapePool) {
	sp.stats.Live++
	if sp.stats.Live > sp.stats.PeakLive {
		sp.stats.PeakLive = sp.stats.Live
	}
}

func (p *Pool) create(shape string) (types.RenderHandle, error) {
	if shape == types.PlaceholderShape {
		return types.NewPlaceholder(), nil
	}
	if p.factory == nil {
		return nil, fmt.Errorf("pool: create %s handle: %w", shape, engerrors.ErrMissingHostFunc)
	}
	h, err := p.factory(shape)
	if err != nil {
		return nil, fmt.Errorf("pool: create %s handle: %w", shape, err)
	}
	if h == nil {
		return nil, fmt.Errorf("pool: factory returned nil %s handle", shape)
	}
	return h, nil
}

// Release resets h and returns it to its free list. Handles beyond the
// per-shape capacity are destroyed. Releasing the same handle twice is a caller bug.
func (p *Pool) Release(h types.RenderHandle) error {
	if h == nil {
		return nil
	}
	h.Reset()
	shape := h.Shape()

	p.mu.Lock()
	sp := p.shapeLocked(shape)
	if sp.stats.Live > 0 {
		sp.stats.Live--
	}
	if len(sp.free) < p.config.CapacityPerShape {
		sp.free = append(sp.free, h)
		p.mu.Unlock()
		return nil
	}
	sp.stats.Destroyed++
	p.mu.Unlock()

	return destroy(h)
}

func destroy(h types.RenderHandle) error {
	if d, ok := h.(types.Destroyer); ok {
		if err := d.Destroy(); err != nil {
			return fmt.Errorf("pool: destroy %s handle: %w", h.Shape(), err)
		}
	}
	return nil
}

// Shrink destroys free handles until each shape keeps at most keep of them
func (p *Pool) Shrink(keep int) error {
	if keep < 0 {
		keep = 0
	}

	p.mu.Lock()
	var victims []types.RenderHandle
	for _, sp := range p.shapes {
		if len(sp.free) <= keep {
			continue
		}
		victims = append(victims, sp.free[keep:]...)
		sp.stats.Destroyed += int64(len(sp.free) - keep)
		for i := keep; i < len(sp.free); i++ {
			sp.free[i] = nil
		}
		sp.free = sp.free[:keep]
	}
	p.mu.Unlock()

	var errs error
	for _, h := range victims {
		errs = multierr.Append(errs, destroy(h))
	}
	if len(victims) > 0 {
		p.logger.Debug("Shrunk pool to %d free handles per shape, destroyed %d", keep, len(victims))
	}
	return errs
}

// Drain destroys every free handle
func (p *Pool) Drain() error {
	return p.Shrink(0)
}

// Stats returns per-shape statistics ordered by shape
func (p *Pool) Stats() []ShapeStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ShapeStats, 0, len(p.shapes))
	for _, sp := range p.shapes {
		s := sp.stats
		s.Free = len(sp.free)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shape < out[j].Shape })
	return out
}

// FreeCount returns the number of pooled handles across shapes
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, sp := range p.shapes {
		n += len(sp.free)
	}
	return n
}

// LiveCount returns the number of handles currently handed out
func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, sp := range p.shapes {
		n += sp.stats.Live
	}
	return n
}
