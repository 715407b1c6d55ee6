package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenlake/swarmctl/pkg/clock"
	"github.com/fenlake/swarmctl/pkg/event"
	"github.com/fenlake/swarmctl/pkg/registry"
	"github.com/fenlake/swarmctl/pkg/rterr"
)

func newTestBus(t *testing.T) (*Bus, *registry.Registry) {
	t.Helper()
	c := clock.New()
	reg := registry.New()
	b := New(c, reg)
	b.Run()
	t.Cleanup(b.Stop)
	return b, reg
}

func TestDispatchBeforeRunIsRejected(t *testing.T) {
	c := clock.New()
	reg := registry.New()
	b := New(c, reg)
	e := event.New(event.KindTick, event.Env, "agent-1")
	err := b.Dispatch(e)
	assert.ErrorIs(t, err, rterr.ErrBusStopped)
}

func TestDispatchDeliversToRegisteredAgent(t *testing.T) {
	b, reg := newTestBus(t)
	h := registry.NewHandle("agent-1", "forager")
	require.True(t, reg.Register(h))

	e := event.New(event.KindTick, event.Env, "agent-1")
	require.NoError(t, b.Dispatch(e))

	select {
	case got := <-h.Inbox():
		assert.Equal(t, e.EventID, got.EventID)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestDispatchToUnknownAddresseeDoesNotBlockOrError(t *testing.T) {
	b, _ := newTestBus(t)
	e := event.New(event.KindTick, event.Env, "ghost")
	err := b.Dispatch(e)
	assert.NoError(t, err)
}

func TestDispatchDoesNotBlockOnFullInbox(t *testing.T) {
	b, reg := newTestBus(t)
	h := registry.NewHandle("agent-1", "forager", registry.WithInboxCapacity(1))
	reg.Register(h)

	require.NoError(t, b.Dispatch(event.New(event.KindTick, event.Env, "agent-1")))

	done := make(chan struct{})
	go func() {
		// The inbox now holds one event and nothing drains it; a second
		// Dispatch must still return immediately rather than blocking the
		// caller for pushDeadline.
		_ = b.Dispatch(event.New(event.KindTick, event.Env, "agent-1"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Dispatch blocked on a full inbox")
	}
}

func TestBroadcastReachesAllRegisteredAgents(t *testing.T) {
	b, reg := newTestBus(t)
	h1 := registry.NewHandle("a1", "forager")
	h2 := registry.NewHandle("a2", "forager")
	reg.Register(h1)
	reg.Register(h2)

	e := event.New(event.KindStart, event.Env, event.All)
	require.NoError(t, b.Dispatch(e))

	for _, h := range []*registry.Handle{h1, h2} {
		select {
		case got := <-h.Inbox():
			assert.Equal(t, e.EventID, got.EventID)
		case <-time.After(time.Second):
			t.Fatal("broadcast did not reach all agents")
		}
	}
}

func TestRequestCorrelatesResponse(t *testing.T) {
	b, reg := newTestBus(t)
	h := registry.NewHandle("agent-1", "forager")
	reg.Register(h)

	go func() {
		req := <-h.Inbox()
		resp := event.New(event.KindDataGetResponse, "agent-1", event.Env,
			event.WithParent(req.EventID),
			event.WithPayload(event.DataGetResponsePayload{RequestID: req.EventID, OK: true}))
		_ = b.Dispatch(resp)
	}()

	req := event.New(event.KindDataGet, event.Env, "agent-1")
	resp, err := b.Request(context.Background(), req, time.Second)
	require.NoError(t, err)

	var p event.DataGetResponsePayload
	require.NoError(t, resp.Unmarshal(&p))
	assert.True(t, p.OK)
}

func TestRequestTimesOutWithoutResponse(t *testing.T) {
	b, reg := newTestBus(t)
	reg.Register(registry.NewHandle("agent-1", "forager"))

	req := event.New(event.KindDataGet, event.Env, "agent-1")
	_, err := b.Request(context.Background(), req, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestEnvHandlerReceivesEventsAddressedToEnv(t *testing.T) {
	c := clock.New()
	reg := registry.New()
	received := make(chan *event.Event, 1)
	b := New(c, reg, WithEnvHandler(func(e *event.Event) { received <- e }))
	b.Run()
	defer b.Stop()

	e := event.New(event.KindDataSet, "agent-1", event.Env)
	require.NoError(t, b.Dispatch(e))

	select {
	case got := <-received:
		assert.Equal(t, e.EventID, got.EventID)
	case <-time.After(time.Second):
		t.Fatal("env handler was not invoked")
	}
}

func TestForwarderIsConsultedForUnknownAddressee(t *testing.T) {
	c := clock.New()
	reg := registry.New()
	forwarded := make(chan *event.Event, 1)
	b := New(c, reg, WithForwarder(func(ctx context.Context, e *event.Event) (bool, error) {
		forwarded <- e
		return true, nil
	}))
	b.Run()
	defer b.Stop()

	e := event.New(event.KindTick, event.Env, "remote-agent")
	require.NoError(t, b.Dispatch(e))

	select {
	case got := <-forwarded:
		assert.Equal(t, e.EventID, got.EventID)
	case <-time.After(time.Second):
		t.Fatal("forwarder was not consulted for unknown addressee")
	}
}

func TestForwarderNotConsultedForLocallyRegisteredAddressee(t *testing.T) {
	b, reg := newTestBus(t)
	h := registry.NewHandle("agent-1", "forager")
	reg.Register(h)

	called := false
	b.forwarder = func(ctx context.Context, e *event.Event) (bool, error) {
		called = true
		return true, nil
	}

	require.NoError(t, b.Dispatch(event.New(event.KindTick, event.Env, "agent-1")))

	select {
	case <-h.Inbox():
	case <-time.After(time.Second):
		t.Fatal("event was not delivered locally")
	}
	assert.False(t, called, "forwarder must not run for a locally registered addressee")
}

func TestBroadcastForwarderRunsAfterLocalFanOut(t *testing.T) {
	c := clock.New()
	reg := registry.New()
	forwarded := make(chan *event.Event, 1)
	b := New(c, reg, WithBroadcastForwarder(func(ctx context.Context, e *event.Event) { forwarded <- e }))
	b.Run()
	defer b.Stop()

	h := registry.NewHandle("agent-1", "forager")
	reg.Register(h)

	e := event.New(event.KindStart, event.Env, event.All)
	require.NoError(t, b.Dispatch(e))

	select {
	case <-h.Inbox():
	case <-time.After(time.Second):
		t.Fatal("local broadcast was not delivered")
	}
	select {
	case got := <-forwarded:
		assert.Equal(t, e.EventID, got.EventID)
	case <-time.After(time.Second):
		t.Fatal("broadcast forwarder was not invoked")
	}
}

func TestExportFlowsRecordsDispatchedEvents(t *testing.T) {
	b, reg := newTestBus(t)
	reg.Register(registry.NewHandle("agent-1", "forager"))

	e := event.New(event.KindTick, event.Env, "agent-1")
	require.NoError(t, b.Dispatch(e))

	flows := b.ExportFlows()
	require.Len(t, flows, 1)
	assert.Equal(t, e.EventID, flows[0].EventID)
}
