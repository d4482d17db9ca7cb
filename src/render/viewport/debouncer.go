// Package viewport turns scroll positions into visible index ranges and the
// materialize/cancel/release work they imply.
package viewport

import (
	"math"
	"sync"
	"time"

	"viewport-engine/src/internal/constants"
	"viewport-engine/src/render/clock"
)

// DebounceConfig bounds the adaptive debounce interval
type DebounceConfig struct {
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval" json:"max_interval"`
	// MaxWait caps how long a continuously restarted timer may defer emission. 0 disables.
	MaxWait time.Duration `yaml:"max_wait" json:"max_wait"`
	// FastVelocity is the speed (extent units per second) at which MinInterval applies
	FastVelocity float64 `yaml:"fast_velocity" json:"fast_velocity"`
}

// DefaultDebounceConfig returns default debounce bounds
func DefaultDebounceConfig() DebounceConfig {
	return DebounceConfig{
		MinInterval:  constants.DefaultDebounceMinInterval,
		MaxInterval:  constants.DefaultDebounceMaxInterval,
		MaxWait:      constants.DefaultDebounceMaxWait,
		FastVelocity: constants.DefaultFastVelocity,
	}
}

// EmitFunc receives a coalesced position and the velocity measured for it.
// It is called from the clock's timer goroutine.
type EmitFunc func(position, velocity float64)

// Debouncer coalesces raw position events. Every event restarts a single-shot
// timer; only the last pending position is emitted when it fires.
type Debouncer struct {
	mu     sync.Mutex
	config DebounceConfig
	clock  clock.Clock
	emit   EmitFunc

	timer        clock.Timer
	seq          uint64
	pending      bool
	pendingPos   float64
	pendingSince time.Time

	hasLast  bool
	lastPos  float64
	lastAt   time.Time
	velocity float64
	emitted  int64
}

// NewDebouncer creates a debouncer delivering to emit
func NewDebouncer(config DebounceConfig, clk clock.Clock, emit EmitFunc) *Debouncer {
	if config.MaxInterval < config.MinInterval {
		config.MaxInterval = config.MinInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Debouncer{config: config, clock: clk, emit: emit}
}

// IntervalFor maps a velocity to a debounce interval: stationary gets
// MaxInterval, FastVelocity and above get MinInterval, linear in between.
func (d *Debouncer) IntervalFor(velocity float64) time.Duration {
	lo, hi := d.config.MinInterval, d.config.MaxInterval
	if d.config.FastVelocity <= 0 {
		return lo
	}
	ratio := math.Abs(velocity) / d.config.FastVelocity
	if ratio >= 1 || math.IsNaN(ratio) {
		return lo
	}
	return hi - time.Duration(ratio*float64(hi-lo))
}

// OnPositionChanged records a raw position event
func (d *Debouncer) OnPositionChanged(position float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	velocity := 0.0
	if d.hasLast {
		if dt := now.Sub(d.lastAt).Seconds(); dt > 0 {
			velocity = math.Abs(position-d.lastPos) / dt
		} else if position != d.lastPos {
			velocity = math.Inf(1)
		}
	}
	d.velocity = velocity

	if !d.pending {
		d.pending = true
		d.pendingSince = now
	}
	d.pendingPos = position

	interval := d.IntervalFor(velocity)
	if d.config.MaxWait > 0 {
		remaining := d.pendingSince.Add(d.config.MaxWait).Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if interval > remaining {
			interval = remaining
		}
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = d.clock.AfterFunc(interval, func() { d.fire(seq) })
}

func (d *Debouncer) fire(seq uint64) {
	d.mu.Lock()
	if seq != d.seq || !d.pending {
		d.mu.Unlock()
		return
	}
	pos, velocity := d.takeLocked()
	d.mu.Unlock()

	if d.emit != nil {
		d.emit(pos, velocity)
	}
}

func (d *Debouncer) takeLocked() (float64, float64) {
	pos := d.pendingPos
	d.pending = false
	d.timer = nil
	d.hasLast = true
	d.lastPos = pos
	d.lastAt = d.clock.Now()
	d.emitted++
	return pos, d.velocity
}

// Flush emits a pending position immediately. It reports whether one was pending.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	pos, velocity := d.takeLocked()
	d.mu.Unlock()

	if d.emit != nil {
		d.emit(pos, velocity)
	}
	return true
}

// Cancel drops a pending position without emitting it
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	d.pending = false
}

// Anchor records position as processed without emitting, so the next
// velocity is measured from it. Used after jumps.
func (d *Debouncer) Anchor(position float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hasLast = true
	d.lastPos = position
	d.lastAt = d.clock.Now()
}

// Pending reports whether a position is waiting for its timer
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Velocity returns the most recently measured velocity
func (d *Debouncer) Velocity() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.velocity
}

// Emitted returns how many positions have been emitted
func (d *Debouncer) Emitted() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.emitted
}
