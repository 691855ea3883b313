package timing

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncer_OnlyTrailingCallRuns(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(40*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 10; i++ {
		d.Trigger()
		time.Sleep(5 * time.Millisecond)
	}
	assert.Zero(t, calls.Load(), "no call while triggers keep arriving")

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, d.Pending())
}

func TestDebouncer_FlushAndStop(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(time.Hour, func() { calls.Add(1) })

	assert.False(t, d.Flush())
	d.Trigger()
	assert.True(t, d.Pending())
	assert.True(t, d.Flush())
	assert.Equal(t, int32(1), calls.Load())

	d.Trigger()
	d.Stop()
	assert.False(t, d.Pending())
	assert.False(t, d.Flush())
	assert.Equal(t, int32(1), calls.Load())
}

func TestThrottle_LeadingEdge(t *testing.T) {
	th := PerSecond(30)
	start := time.Now()

	assert.True(t, th.AllowAt(start), "first event passes immediately")
	assert.False(t, th.AllowAt(start.Add(10*time.Millisecond)))
	assert.False(t, th.AllowAt(start.Add(30*time.Millisecond)))
	assert.True(t, th.AllowAt(start.Add(34*time.Millisecond)))
	assert.False(t, th.AllowAt(start.Add(40*time.Millisecond)))
}

func TestThrottle_BoundsRate(t *testing.T) {
	th := PerSecond(30)
	start := time.Now()
	allowed := 0
	for ms := 0; ms < 1000; ms++ {
		if th.AllowAt(start.Add(time.Duration(ms) * time.Millisecond)) {
			allowed++
		}
	}
	assert.LessOrEqual(t, allowed, 31)
	assert.GreaterOrEqual(t, allowed, 29)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second}

	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 800*time.Millisecond, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(5))
	assert.Equal(t, time.Second, b.Delay(50))
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}
