package watcher

import (
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// fakeClock is a manual scheduler for RateLimiter tests.
type fakeClock struct {
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *fakeClock) schedule(d time.Duration, f func()) stopper {
	t := &fakeTimer{at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// advance moves the clock to to, firing due timers in order.
func (c *fakeClock) advance(to time.Duration) {
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at > to {
				continue
			}
			if next == nil || t.at < next.at {
				next = t
			}
		}
		if next == nil {
			break
		}
		c.now = next.at
		next.fired = true
		next.f()
	}
	c.now = to
}

func newFakeLimiter(window time.Duration, fn func()) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{}
	r := NewRateLimiter(window, fn)
	r.schedule = clock.schedule
	return r, clock
}

func TestRateLimiter_BurstFiresOnce(t *testing.T) {
	var fires int
	r, clock := newFakeLimiter(5*time.Second, func() { fires++ })

	assert.True(t, r.Trigger())
	for i := 1; i < 10; i++ {
		clock.advance(time.Duration(i) * 400 * time.Millisecond)
		assert.False(t, r.Trigger())
	}
	assert.Equal(t, 10, r.Pending())
	assert.Equal(t, 0, fires)

	clock.advance(5 * time.Second)
	assert.Equal(t, 1, fires)
	assert.Equal(t, 0, r.Pending())

	clock.advance(20 * time.Second)
	assert.Equal(t, 1, fires)
}

func TestRateLimiter_WindowIsNotExtended(t *testing.T) {
	var fires []time.Duration
	var r *RateLimiter
	var clock *fakeClock
	r, clock = newFakeLimiter(5*time.Second, func() { fires = append(fires, clock.now) })

	r.Trigger()
	clock.advance(4900 * time.Millisecond)
	r.Trigger()
	clock.advance(5 * time.Second)

	assert.Equal(t, []time.Duration{5 * time.Second}, fires)

	// A trigger after the window opens a new one.
	clock.advance(6 * time.Second)
	assert.True(t, r.Trigger())
	clock.advance(11 * time.Second)
	assert.Equal(t, []time.Duration{5 * time.Second, 11 * time.Second}, fires)
}

func TestRateLimiter_Stop(t *testing.T) {
	var fires int
	r, clock := newFakeLimiter(time.Second, func() { fires++ })

	r.Trigger()
	r.Stop()
	clock.advance(2 * time.Second)
	assert.Equal(t, 0, fires)

	assert.False(t, r.Trigger())
	clock.advance(4 * time.Second)
	assert.Equal(t, 0, fires)

	// Stop is idempotent.
	r.Stop()
}

func TestRateLimiter_DefaultWindow(t *testing.T) {
	assert.Equal(t, DefaultRateLimit, NewRateLimiter(0, func() {}).Window())
	assert.Equal(t, time.Second, NewRateLimiter(time.Second, func() {}).Window())
}

func TestRateLimiter_RealTimer(t *testing.T) {
	var fires atomic.Int32
	r := NewRateLimiter(50*time.Millisecond, func() { fires.Add(1) })

	for i := 0; i < 20; i++ {
		r.Trigger()
	}

	assert.Eventually(t, func() bool { return fires.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return fires.Load() > 1 }, 150*time.Millisecond, 10*time.Millisecond)
}

// TestRateLimiter_Properties checks the window semantics against a model:
// every trigger is covered by exactly one fire at most one window later,
// and fires are at least one window apart.
func TestRateLimiter_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		window := time.Duration(rapid.IntRange(1, 50).Draw(t, "window")) * time.Millisecond
		offsets := rapid.SliceOfN(rapid.IntRange(0, 500), 0, 60).Draw(t, "offsets")
		sort.Ints(offsets)

		var fires []time.Duration
		var clock *fakeClock
		r, clock := newFakeLimiter(window, func() { fires = append(fires, clock.now) })

		// Model: a window opens at the first trigger not covered by the
		// previous window.
		var want []time.Duration
		for _, off := range offsets {
			at := time.Duration(off) * time.Millisecond
			clock.advance(at)
			r.Trigger()

			if len(want) == 0 || at >= want[len(want)-1] {
				want = append(want, at+window)
			}
		}
		clock.advance(time.Hour)

		if len(fires) != len(want) {
			t.Fatalf("got %d fires %v, want %d %v", len(fires), fires, len(want), want)
		}
		for i := range want {
			if fires[i] != want[i] {
				t.Fatalf("fire %d at %v, want %v", i, fires[i], want[i])
			}
			if i > 0 && fires[i]-fires[i-1] < window {
				t.Fatalf("fires %v and %v closer than window %v", fires[i-1], fires[i], window)
			}
		}
		if r.Pending() != 0 {
			t.Fatalf("pending %d after all windows closed", r.Pending())
		}
	})
}
