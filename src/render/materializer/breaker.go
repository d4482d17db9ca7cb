package materializer

import (
	"sync"
	"time"

	"viewport-engine/src/internal/constants"
	"viewport-engine/src/render/clock"
)

// CircuitState represents the state of the materialization circuit
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

const (
	StateStringClosed   = "closed"
	StateStringOpen     = "open"
	StateStringHalfOpen = "half-open"
	StateStringUnknown  = "unknown"
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return StateStringClosed
	case CircuitOpen:
		return StateStringOpen
	case CircuitHalfOpen:
		return StateStringHalfOpen
	default:
		return StateStringUnknown
	}
}

// MarshalText renders the state name in JSON and YAML snapshots
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig contains configuration for the circuit breaker
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
}

// DefaultBreakerConfig returns default circuit breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: constants.DefaultFailureThreshold,
		RecoveryTimeout:  constants.DefaultRecoveryTimeout,
	}
}

// BreakerMetrics tracks circuit breaker activity
type BreakerMetrics struct {
	TotalRequests      int64     `json:"total_requests" yaml:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests" yaml:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests" yaml:"failed_requests"`
	RejectedRequests   int64     `json:"rejected_requests" yaml:"rejected_requests"`
	StateChangeCount   int64     `json:"state_change_count" yaml:"state_change_count"`
	LastStateChange    time.Time `json:"last_state_change" yaml:"last_state_change"`
	LastFailureTime    time.Time `json:"last_failure_time" yaml:"last_failure_time"`
	LastSuccessTime    time.Time `json:"last_success_time" yaml:"last_success_time"`
}

// StateChangeFunc observes circuit transitions
type StateChangeFunc func(from, to CircuitState)

// CircuitBreaker stops attempting real materialization after consecutive failures.
// Open admits nothing until RecoveryTimeout has passed since the last failure,
// then exactly one probe runs in HalfOpen.
type CircuitBreaker struct {
	mu          sync.Mutex
	config      BreakerConfig
	clock       clock.Clock
	state       CircuitState
	failures    int
	lastFailure time.Time
	probing     bool
	epoch       uint64
	metrics     BreakerMetrics
	listeners   []StateChangeFunc
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(config BreakerConfig, clk clock.Clock) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = constants.DefaultFailureThreshold
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &CircuitBreaker{
		config:  config,
		clock:   clk,
		state:   CircuitClosed,
		metrics: BreakerMetrics{LastStateChange: clk.Now()},
	}
}

// OnStateChange registers a transition listener. Listeners run outside the breaker lock.
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	if fn == nil {
		return
	}
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, fn)
	cb.mu.Unlock()
}

// Allow reports whether a real materialization may be attempted.
// An Open circuit whose recovery timeout elapsed moves to HalfOpen and admits one probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	cb.metrics.TotalRequests++

	var notify func()
	allowed := false
	switch cb.state {
	case CircuitClosed:
		allowed = true
	case CircuitOpen:
		if cb.clock.Now().Sub(cb.lastFailure) >= cb.config.RecoveryTimeout {
			notify = cb.transitionLocked(CircuitHalfOpen)
			cb.probing = true
			allowed = true
		}
	case CircuitHalfOpen:
		if !cb.probing {
			cb.probing = true
			allowed = true
		}
	}
	if !allowed {
		cb.metrics.RejectedRequests++
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
	return allowed
}

// RecordSuccess records a successful materialization
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.metrics.SuccessfulRequests++
	cb.metrics.LastSuccessTime = cb.clock.Now()

	var notify func()
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.failures = 0
		cb.probing = false
		notify = cb.transitionLocked(CircuitClosed)
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// RecordFailure records a failed or timed-out materialization
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	now := cb.clock.Now()
	cb.metrics.FailedRequests++
	cb.metrics.LastFailureTime = now

	var notify func()
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		cb.lastFailure = now
		if cb.failures >= cb.config.FailureThreshold {
			notify = cb.transitionLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		// the recovery timer restarts from the failed probe
		cb.lastFailure = now
		cb.probing = false
		notify = cb.transitionLocked(CircuitOpen)
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// ReleaseProbe gives back an admitted HalfOpen probe whose outcome will never be recorded
func (cb *CircuitBreaker) ReleaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.probing = false
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.metrics.StateChangeCount++
	cb.metrics.LastStateChange = cb.clock.Now()
	if to == CircuitClosed {
		cb.epoch++
	}

	listeners := make([]StateChangeFunc, len(cb.listeners))
	copy(listeners, cb.listeners)
	return func() {
		for _, fn := range listeners {
			fn(from, to)
		}
	}
}

// State returns the current circuit state without side effects
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Epoch increments every time the circuit closes after being open
func (cb *CircuitBreaker) Epoch() uint64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.epoch
}

// Failures returns the consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Metrics returns a copy of the breaker metrics
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.metrics
}

// Reset closes the circuit and clears counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.probing = false
	notify := cb.transitionLocked(CircuitClosed)
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}
