// Package timing holds the deferral primitives of the sync protocol. The
// debouncer is trailing-edge and the throttle is leading-edge.
package timing

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Debouncer runs fn once, interval after the most recent Trigger.
type Debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func()
	timer    *time.Timer
	seq      uint64
}

func NewDebouncer(interval time.Duration, fn func()) *Debouncer {
	return &Debouncer{interval: interval, fn: fn}
}

// Trigger cancels any pending run and schedules a new one.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		if seq != d.seq {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		d.fn()
	})
}

// Pending reports whether a run is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Flush runs a pending call immediately. It reports whether one was pending.
func (d *Debouncer) Flush() bool {
	if !d.cancel() {
		return false
	}
	d.fn()
	return true
}

// Stop drops a pending call.
func (d *Debouncer) Stop() {
	d.cancel()
}

func (d *Debouncer) cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	d.seq++
	return true
}

// Throttle admits at most one event per interval and drops the rest.
type Throttle struct {
	limiter *rate.Limiter
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// PerSecond builds a throttle admitting n events per second.
func PerSecond(n int) *Throttle {
	return NewThrottle(time.Second / time.Duration(n))
}

func (t *Throttle) Allow() bool {
	return t.limiter.Allow()
}

// AllowAt is Allow evaluated at the given instant.
func (t *Throttle) AllowAt(now time.Time) bool {
	return t.limiter.AllowN(now, 1)
}

// Backoff computes exponential reconnect delays with jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter is the fraction (0-1) of each delay that is randomized.
	Jitter float64
}

// DefaultBackoff reconnects after 250ms, doubling up to 10s.
var DefaultBackoff = Backoff{Initial: 250 * time.Millisecond, Max: 10 * time.Second, Jitter: 0.2}

// Delay returns the wait before reconnect attempt n, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		b = DefaultBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Initial) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		spread := delay * b.Jitter
		delay = delay - spread + rand.Float64()*2*spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
