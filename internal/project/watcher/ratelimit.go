package watcher

import (
	"sync"
	"time"
)

// DefaultRateLimit is the window used for descriptor changes.
const DefaultRateLimit = 5 * time.Second

// stopper is the part of *time.Timer the limiter needs.
type stopper interface {
	Stop() bool
}

// scheduler runs f after d. Replaced in tests.
type scheduler func(d time.Duration, f func()) stopper

func realScheduler(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// RateLimiter turns bursts of triggers into at most one call per window.
//
// The first Trigger opens a window of fixed length. Triggers inside the
// window are absorbed. When the window closes fn runs once, and the next
// Trigger opens a new window. The window is not extended by later triggers.
type RateLimiter struct {
	window   time.Duration
	fn       func()
	schedule scheduler

	mu      sync.Mutex
	timer   stopper
	pending int
	stopped bool
}

// NewRateLimiter creates a limiter calling fn at the end of each window.
// A non-positive window uses DefaultRateLimit.
func NewRateLimiter(window time.Duration, fn func()) *RateLimiter {
	if window <= 0 {
		window = DefaultRateLimit
	}
	return &RateLimiter{
		window:   window,
		fn:       fn,
		schedule: realScheduler,
	}
}

// Trigger records one raw event. It reports whether the event opened a
// new window.
func (r *RateLimiter) Trigger() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return false
	}
	r.pending++
	if r.timer != nil {
		return false
	}
	r.timer = r.schedule(r.window, r.fire)
	return true
}

// Pending returns the number of triggers absorbed by the open window.
func (r *RateLimiter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// Window returns the window length.
func (r *RateLimiter) Window() time.Duration {
	return r.window
}

// Stop cancels an open window without calling fn. Later triggers are ignored.
func (r *RateLimiter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	r.pending = 0
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *RateLimiter) fire() {
	r.mu.Lock()
	if r.stopped || r.timer == nil {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.pending = 0
	r.mu.Unlock()

	r.fn()
}
