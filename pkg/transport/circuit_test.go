package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fenlake/swarmctl/pkg/clock"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	c, _ := clock.NewFake()
	bs := NewBreakers(c, WithFailureThreshold(3))

	for i := 0; i < 2; i++ {
		bs.RecordFailure("ep1")
		assert.True(t, bs.Allow("ep1"))
	}
	bs.RecordFailure("ep1")
	assert.Equal(t, Open, bs.StateOf("ep1"))
	assert.False(t, bs.Allow("ep1"))
}

func TestBreakerHalfOpensAfterRecoveryTimeout(t *testing.T) {
	c, fc := clock.NewFake()
	bs := NewBreakers(c, WithFailureThreshold(1), WithRecoveryTimeout(10*time.Second))

	bs.RecordFailure("ep1")
	assert.Equal(t, Open, bs.StateOf("ep1"))
	assert.False(t, bs.Allow("ep1"))

	fc.Advance(11 * time.Second)
	assert.True(t, bs.Allow("ep1"))
	assert.Equal(t, HalfOpen, bs.StateOf("ep1"))
}

func TestBreakerClosesAfterHalfOpenSuccesses(t *testing.T) {
	c, fc := clock.NewFake()
	bs := NewBreakers(c, WithFailureThreshold(1), WithRecoveryTimeout(time.Second), WithHalfOpenSuccesses(2))

	bs.RecordFailure("ep1")
	fc.Advance(2 * time.Second)
	require := assert.New(t)
	require.True(bs.Allow("ep1"))

	bs.RecordSuccess("ep1")
	require.Equal(HalfOpen, bs.StateOf("ep1"))

	bs.RecordSuccess("ep1")
	require.Equal(Closed, bs.StateOf("ep1"))
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	c, fc := clock.NewFake()
	bs := NewBreakers(c, WithFailureThreshold(1), WithRecoveryTimeout(time.Second))

	bs.RecordFailure("ep1")
	fc.Advance(2 * time.Second)
	bs.Allow("ep1") // transitions to HALF_OPEN
	bs.RecordFailure("ep1")

	assert.Equal(t, Open, bs.StateOf("ep1"))
}

func TestBreakerAllowsOnlyOneHalfOpenProbeAtATime(t *testing.T) {
	c, fc := clock.NewFake()
	bs := NewBreakers(c, WithFailureThreshold(1), WithRecoveryTimeout(time.Second))

	bs.RecordFailure("ep1")
	fc.Advance(2 * time.Second)

	assert.True(t, bs.Allow("ep1"), "first caller after recovery timeout gets the probe")
	assert.Equal(t, HalfOpen, bs.StateOf("ep1"))
	assert.False(t, bs.Allow("ep1"), "a second concurrent caller must not also get through")

	bs.RecordFailure("ep1")
	assert.Equal(t, Open, bs.StateOf("ep1"), "probe failure reopens the breaker")
}

func TestBreakerAllowsNewProbeAfterPriorOneResolves(t *testing.T) {
	c, fc := clock.NewFake()
	bs := NewBreakers(c, WithFailureThreshold(1), WithRecoveryTimeout(time.Second), WithHalfOpenSuccesses(2))

	bs.RecordFailure("ep1")
	fc.Advance(2 * time.Second)

	assert.True(t, bs.Allow("ep1"))
	bs.RecordSuccess("ep1")
	assert.Equal(t, HalfOpen, bs.StateOf("ep1"))
	assert.True(t, bs.Allow("ep1"), "a fresh probe is allowed once the prior one resolved")
}

func TestBreakersAreIndependentPerEndpoint(t *testing.T) {
	c, _ := clock.NewFake()
	bs := NewBreakers(c, WithFailureThreshold(1))

	bs.RecordFailure("ep1")
	assert.Equal(t, Open, bs.StateOf("ep1"))
	assert.Equal(t, Closed, bs.StateOf("ep2"))
}
