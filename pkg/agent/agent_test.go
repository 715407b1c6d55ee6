package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenlake/swarmctl/pkg/bus"
	"github.com/fenlake/swarmctl/pkg/clock"
	"github.com/fenlake/swarmctl/pkg/event"
	"github.com/fenlake/swarmctl/pkg/registry"
)

func newTestAgent(t *testing.T, handlers map[event.Kind]Handler) (*Agent, *registry.Handle, *bus.Bus) {
	t.Helper()
	c := clock.New()
	reg := registry.New()
	b := bus.New(c, reg)
	b.Run()
	t.Cleanup(b.Stop)

	h := registry.NewHandle("agent-1", "forager")
	require.True(t, reg.Register(h))

	a := New("agent-1", "forager", h, b, handlers)
	return a, h, b
}

func TestAgentDispatchesToDeclaredHandler(t *testing.T) {
	called := make(chan event.Kind, 1)
	a, _, b := newTestAgent(t, map[event.Kind]Handler{
		event.KindTick: func(c *Context, e *event.Event) error {
			called <- e.EventKind
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, func() uint64 { return 1 })

	e := event.New(event.KindTick, event.Env, "agent-1")
	require.NoError(t, b.Dispatch(e))

	select {
	case kind := <-called:
		assert.Equal(t, event.KindTick, kind)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestAgentIgnoresUndeclaredKinds(t *testing.T) {
	called := make(chan struct{}, 1)
	a, h, b := newTestAgent(t, map[event.Kind]Handler{
		event.KindTick: func(c *Context, e *event.Event) error {
			called <- struct{}{}
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, func() uint64 { return 0 })

	// KindStart has no declared handler; it must be drained without panic
	// and without invoking the Tick handler.
	require.NoError(t, b.Dispatch(event.New(event.KindStart, event.Env, "agent-1")))
	require.NoError(t, b.Dispatch(event.New(event.KindTick, event.Env, "agent-1")))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("declared handler should still fire after an undeclared kind was drained")
	}
	assert.False(t, h.Stopped())
}

func TestAgentStopsAfterExceedingErrorBudget(t *testing.T) {
	a, h, b := newTestAgent(t, map[event.Kind]Handler{
		event.KindTick: func(c *Context, e *event.Event) error {
			return errors.New("boom")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, func() uint64 { return 0 })

	for i := 0; i < registry.DefaultMaxAgentErrors+1; i++ {
		require.NoError(t, b.Dispatch(event.New(event.KindTick, event.Env, "agent-1")))
	}

	require.Eventually(t, func() bool { return h.Stopped() }, time.Second, 10*time.Millisecond)
}
