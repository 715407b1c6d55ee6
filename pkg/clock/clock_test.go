package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPauseResumeAccumulatesPausedDuration(t *testing.T) {
	c, fc := NewFake()

	start := c.Now()
	c.Pause()
	fc.Advance(5 * time.Second)
	c.Resume()

	assert.Equal(t, 5*time.Second, c.PausedDuration())
	assert.True(t, c.Now().After(start))
}

func TestPauseIdempotent(t *testing.T) {
	c, fc := NewFake()
	c.Pause()
	fc.Advance(2 * time.Second)
	c.Pause() // second call must not reset pausedAt
	fc.Advance(3 * time.Second)
	c.Resume()

	assert.Equal(t, 5*time.Second, c.PausedDuration())
}

func TestResumeWithoutPauseIsNoop(t *testing.T) {
	c, _ := NewFake()
	c.Resume()
	assert.Equal(t, time.Duration(0), c.PausedDuration())
}

func TestSinceExcludingPausesSubtractsPauseWindow(t *testing.T) {
	c, fc := NewFake()
	t0 := c.Now()

	fc.Advance(2 * time.Second)
	c.Pause()
	fc.Advance(3 * time.Second)
	c.Resume()
	fc.Advance(1 * time.Second)

	// total elapsed = 6s, of which 3s was paused, leaving 3s.
	got := c.SinceExcludingPauses(t0, 0)
	assert.Equal(t, 3*time.Second, got)
}

func TestSinceExcludingPausesNeverNegative(t *testing.T) {
	c, fc := NewFake()
	t0 := c.Now()
	fc.Advance(1 * time.Second)
	// pausedAtT larger than the actual paused duration clamps the paused
	// portion to zero, so the full 1s elapsed is returned.
	got := c.SinceExcludingPauses(t0, 10*time.Second)
	assert.Equal(t, time.Second, got)
}

func TestStepAdvanceIsMonotonic(t *testing.T) {
	var s Step
	assert.Equal(t, uint64(0), s.Current())
	assert.Equal(t, uint64(1), s.Advance())
	assert.Equal(t, uint64(2), s.Advance())
	assert.Equal(t, uint64(2), s.Current())
}

func TestNewIDIsUnique(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
