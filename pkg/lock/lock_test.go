package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenlake/swarmctl/pkg/clock"
)

func TestAcquireGrantsImmediatelyWhenFree(t *testing.T) {
	c, _ := clock.NewFake()
	a := NewLocal(c)

	grant, err := a.Acquire(context.Background(), "k1", "node-a", time.Minute, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), grant.FenceToken)
}

func TestFenceTokenIncreasesAcrossReacquisitions(t *testing.T) {
	c, _ := clock.NewFake()
	a := NewLocal(c)

	g1, err := a.Acquire(context.Background(), "k1", "node-a", time.Minute, time.Second)
	require.NoError(t, err)
	require.NoError(t, a.Release("k1", "node-a", g1.FenceToken))

	g2, err := a.Acquire(context.Background(), "k1", "node-b", time.Minute, time.Second)
	require.NoError(t, err)
	assert.Greater(t, g2.FenceToken, g1.FenceToken)
}

func TestReleaseGrantsNextQueuedWaiter(t *testing.T) {
	c, _ := clock.NewFake()
	a := NewLocal(c)

	g1, err := a.Acquire(context.Background(), "k1", "node-a", time.Minute, time.Second)
	require.NoError(t, err)

	type result struct {
		grant Grant
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		g, err := a.Acquire(context.Background(), "k1", "node-b", time.Minute, 2*time.Second)
		resultCh <- result{g, err}
	}()

	time.Sleep(50 * time.Millisecond) // let node-b queue up
	require.NoError(t, a.Release("k1", "node-a", g1.FenceToken))

	select {
	case r := <-resultCh:
		require.NoError(t, r.err)
		assert.Greater(t, r.grant.FenceToken, g1.FenceToken)
	case <-time.After(time.Second):
		t.Fatal("queued waiter was never granted")
	}
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	c, _ := clock.NewFake()
	a := NewLocal(c)

	_, err := a.Acquire(context.Background(), "k1", "node-a", time.Minute, time.Second)
	require.NoError(t, err)

	_, err = a.Acquire(context.Background(), "k1", "node-b", time.Minute, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestReleaseWithStaleFenceIsNoop(t *testing.T) {
	c, _ := clock.NewFake()
	a := NewLocal(c)

	g1, err := a.Acquire(context.Background(), "k1", "node-a", time.Minute, time.Second)
	require.NoError(t, err)

	require.NoError(t, a.Release("k1", "node-a", g1.FenceToken+99))

	// lock should still be held by node-a with the original token.
	assert.True(t, a.CheckFence("k1", g1.FenceToken))
}

func TestRenewExtendsDeadline(t *testing.T) {
	c, fc := clock.NewFake()
	a := NewLocal(c)

	g, err := a.Acquire(context.Background(), "k1", "node-a", time.Second, time.Second)
	require.NoError(t, err)

	fc.Advance(500 * time.Millisecond)
	require.NoError(t, a.Renew("k1", "node-a", g.FenceToken, time.Second))
}

func TestRenewRejectsStaleFence(t *testing.T) {
	c, _ := clock.NewFake()
	a := NewLocal(c)

	g, err := a.Acquire(context.Background(), "k1", "node-a", time.Minute, time.Second)
	require.NoError(t, err)

	err = a.Renew("k1", "node-a", g.FenceToken+1, time.Minute)
	assert.Error(t, err)
}

func TestFenceTokenSurvivesReleaseWithNoWaiters(t *testing.T) {
	c, _ := clock.NewFake()
	a := NewLocal(c)

	g1, err := a.Acquire(context.Background(), "k1", "node-a", time.Minute, time.Second)
	require.NoError(t, err)
	require.NoError(t, a.Release("k1", "node-a", g1.FenceToken))

	g2, err := a.Acquire(context.Background(), "k1", "node-b", time.Minute, time.Second)
	require.NoError(t, err)
	assert.Greater(t, g2.FenceToken, g1.FenceToken)

	// A resurrected node-a presenting its now-stale token must be rejected
	// even though the key went through a gap with no current holder.
	assert.False(t, a.CheckFence("k1", g1.FenceToken))
	assert.True(t, a.CheckFence("k1", g2.FenceToken))
}

func TestCheckFenceAcceptsUnknownKey(t *testing.T) {
	c, _ := clock.NewFake()
	a := NewLocal(c)
	assert.True(t, a.CheckFence("never-locked", 0))
}
