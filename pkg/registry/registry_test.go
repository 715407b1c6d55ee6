package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenlake/swarmctl/pkg/event"
)

func TestRegisterUnregisterIdempotent(t *testing.T) {
	r := New()
	h := NewHandle("agent-1", "forager")

	assert.True(t, r.Register(h))
	assert.False(t, r.Register(h), "registering the same id twice must fail")
	assert.Equal(t, 1, r.Len())

	r.Unregister("agent-1")
	r.Unregister("agent-1") // idempotent
	assert.Equal(t, 0, r.Len())

	_, ok := r.Get("agent-1")
	assert.False(t, ok)
}

func TestPushDeliversWithinCapacity(t *testing.T) {
	h := NewHandle("agent-1", "forager", WithInboxCapacity(2))

	e := event.New(event.KindTick, event.Env, "agent-1")
	delivered := h.Push(e, 100*time.Millisecond)
	assert.True(t, delivered)

	got := <-h.Inbox()
	assert.Equal(t, e.EventID, got.EventID)
}

func TestPushDropsNewestNonResponseWhenFull(t *testing.T) {
	h := NewHandle("agent-1", "forager", WithInboxCapacity(1))

	first := event.New(event.KindTick, event.Env, "agent-1")
	second := event.New(event.KindTick, event.Env, "agent-1")

	require.True(t, h.Push(first, 50*time.Millisecond))
	delivered := h.Push(second, 20*time.Millisecond)
	assert.False(t, delivered, "second push should be dropped once the inbox is saturated")
}

func TestPushNeverDropsResponseEvents(t *testing.T) {
	h := NewHandle("agent-1", "forager", WithInboxCapacity(1))

	resp := event.New(event.KindDataGetResponse, event.Env, "agent-1")
	delivered := h.Push(resp, 50*time.Millisecond)
	assert.True(t, delivered)

	got := <-h.Responses()
	assert.Equal(t, resp.EventID, got.EventID)
}

func TestRecordErrorExceedsBudgetWithinWindow(t *testing.T) {
	h := NewHandle("agent-1", "forager", WithErrorBudget(2, time.Minute))

	now := time.Now()
	assert.False(t, h.RecordError(now))
	assert.False(t, h.RecordError(now.Add(time.Second)))
	assert.True(t, h.RecordError(now.Add(2*time.Second)), "third error within the window should exceed the budget of 2")
}

func TestRecordErrorWindowSlides(t *testing.T) {
	h := NewHandle("agent-1", "forager", WithErrorBudget(1, 10*time.Second))

	base := time.Now()
	assert.False(t, h.RecordError(base))
	// Second error falls outside the 10s window relative to the first, so
	// the sliding window should have evicted it before this check.
	assert.False(t, h.RecordError(base.Add(20*time.Second)))
}

func TestStopIsIdempotent(t *testing.T) {
	h := NewHandle("agent-1", "forager")
	assert.False(t, h.Stopped())
	h.Stop()
	h.Stop()
	assert.True(t, h.Stopped())
}

func TestAllReturnsSnapshot(t *testing.T) {
	r := New()
	r.Register(NewHandle("a1", "forager"))
	r.Register(NewHandle("a2", "scout"))

	all := r.All()
	assert.Len(t, all, 2)
}
