package materializer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"viewport-engine/src/render/clock"
)

func TestBreakerTransitions(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, RecoveryTimeout: 5 * time.Second}, clk)

	var transitions []string
	cb.OnStateChange(func(from, to CircuitState) {
		transitions = append(transitions, from.String()+">"+to.String())
	})

	for i := 0; i < 3; i++ {
		assert.True(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow(), "open circuit rejects before recovery timeout")

	clk.Advance(5 * time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "half-open admits a single probe")

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
	assert.Equal(t, uint64(1), cb.Epoch())

	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Second}, clk)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	clk.Advance(2 * time.Second)
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	clk.Advance(500 * time.Millisecond)
	assert.False(t, cb.Allow(), "recovery timer restarts from the failed probe")
	clk.Advance(500 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.Equal(t, uint64(0), cb.Epoch())
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Second}, clock.NewManual(time.Unix(0, 0)))
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 2, cb.Failures())

	m := cb.Metrics()
	assert.Equal(t, int64(4), m.FailedRequests)
	assert.Equal(t, int64(1), m.SuccessfulRequests)
}

func TestBreakerReleaseProbe(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second}, clk)
	cb.RecordFailure()
	clk.Advance(time.Second)

	assert.True(t, cb.Allow())
	cb.ReleaseProbe()
	assert.True(t, cb.Allow(), "a released probe slot can be reused")

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, uint64(1), cb.Epoch())
}

func TestCircuitStateText(t *testing.T) {
	text, err := CircuitHalfOpen.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "half-open", string(text))
	assert.Equal(t, StateStringUnknown, CircuitState(7).String())
}
