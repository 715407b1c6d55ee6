// Package clock provides the runtime's monotonic step/tick counter and ID
// generation, backed by clockwork.Clock so pause/resume offset accounting
// and timeout behavior are deterministic under test.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// NewID returns a globally unique opaque id for events and requests.
func NewID() string {
	return uuid.NewString()
}

// Clock tracks wall time plus accumulated paused duration, so that any
// interval measured "since" a point in time can be adjusted to exclude
// time spent paused.
type Clock struct {
	mu         sync.Mutex
	underlying clockwork.Clock
	pausedAt   time.Time
	paused     bool
	pausedFor  time.Duration
}

// New creates a Clock backed by the real wall clock.
func New() *Clock {
	return &Clock{underlying: clockwork.NewRealClock()}
}

// NewFake creates a Clock backed by a fake clock, for deterministic tests.
func NewFake() (*Clock, clockwork.FakeClock) {
	fc := clockwork.NewFakeClock()
	return &Clock{underlying: fc}, fc
}

// Now returns the current wall time.
func (c *Clock) Now() time.Time {
	return c.underlying.Now()
}

// Pause begins excluding elapsed time from Since() measurements.
// Idempotent.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.paused = true
	c.pausedAt = c.underlying.Now()
}

// Resume stops excluding elapsed time, folding the paused interval into
// the running total returned by PausedDuration. Idempotent.
func (c *Clock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	c.pausedFor += c.underlying.Now().Sub(c.pausedAt)
}

// PausedDuration returns the cumulative time spent paused so far,
// including any pause currently in progress.
func (c *Clock) PausedDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.pausedFor
	if c.paused {
		total += c.underlying.Now().Sub(c.pausedAt)
	}
	return total
}

// SinceExcludingPauses returns the wall-clock duration since t, minus any
// time the clock was paused during that interval. Used to measure
// bus_idle_timeout and the round idle timeout without paused time counting
// against them.
func (c *Clock) SinceExcludingPauses(t time.Time, pausedAtT time.Duration) time.Duration {
	raw := c.underlying.Now().Sub(t)
	pausedSince := c.PausedDuration() - pausedAtT
	if pausedSince < 0 {
		pausedSince = 0
	}
	adjusted := raw - pausedSince
	if adjusted < 0 {
		return 0
	}
	return adjusted
}

// Sleep blocks for d on the underlying clock (real or fake).
func (c *Clock) Sleep(d time.Duration) {
	c.underlying.Sleep(d)
}

// NewTicker returns a clockwork ticker so callers can be driven by a fake
// clock in tests.
func (c *Clock) NewTicker(d time.Duration) clockwork.Ticker {
	return c.underlying.NewTicker(d)
}

// Step is a monotonically increasing round/tick counter.
type Step struct {
	mu sync.Mutex
	n  uint64
}

// Current returns the current step value.
func (s *Step) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Advance increments and returns the new step value.
func (s *Step) Advance() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.n
}
