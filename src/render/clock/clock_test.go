package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualFiresInDeadlineOrder(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewManual(start)

	var fired []string
	m.AfterFunc(30*time.Millisecond, func() { fired = append(fired, "c") })
	m.AfterFunc(10*time.Millisecond, func() { fired = append(fired, "a") })
	m.AfterFunc(20*time.Millisecond, func() { fired = append(fired, "b") })

	m.Advance(15 * time.Millisecond)
	assert.Equal(t, []string{"a"}, fired)
	assert.Equal(t, 2, m.Pending())

	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, start.Add(15*time.Millisecond+time.Second), m.Now())
}

func TestManualStop(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	called := false
	timer := m.AfterFunc(time.Millisecond, func() { called = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	m.Advance(time.Second)
	assert.False(t, called)
}

func TestManualCallbackSeesDeadline(t *testing.T) {
	start := time.Unix(50, 0)
	m := NewManual(start)
	var seen time.Time
	m.AfterFunc(40*time.Millisecond, func() { seen = m.Now() })

	m.Advance(time.Second)
	assert.Equal(t, start.Add(40*time.Millisecond), seen)
}

func TestManualTimerArmedFromCallback(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	count := 0
	var rearm func()
	rearm = func() {
		count++
		if count < 3 {
			m.AfterFunc(10*time.Millisecond, rearm)
		}
	}
	m.AfterFunc(10*time.Millisecond, rearm)

	m.Advance(100 * time.Millisecond)
	assert.Equal(t, 3, count)
}
