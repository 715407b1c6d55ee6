package env

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenlake/swarmctl/pkg/bus"
	"github.com/fenlake/swarmctl/pkg/clock"
	"github.com/fenlake/swarmctl/pkg/event"
	"github.com/fenlake/swarmctl/pkg/registry"
)

func newTestDriver(t *testing.T, cfg Config) (*Driver, *bus.Bus, *registry.Registry) {
	t.Helper()
	c := clock.New()
	reg := registry.New()

	var d *Driver
	b := bus.New(c, reg, bus.WithEnvHandler(func(e *event.Event) { d.HandleEnvEvent(e) }))
	d = New(cfg, c, b, nil, nil)

	b.Run()
	t.Cleanup(b.Stop)
	return d, b, reg
}

func TestStartTransitionsToRunning(t *testing.T) {
	// A registered agent that never acks, plus a long round idle timeout,
	// keeps the round loop blocked in waitRound rather than racing to
	// MaxSteps before the assertion below runs.
	d, _, reg := newTestDriver(t, Config{Mode: ModeRound, RoundIdleTimeout: time.Hour, MaxSteps: 1000})
	reg.Register(registry.NewHandle("agent-1", "forager"))

	require.NoError(t, d.Start(context.Background()))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, PhaseRunning, d.Phase())
	_ = d.Terminate()
}

func TestDataGetReturnsDefaultWhenUnset(t *testing.T) {
	d, b, _ := newTestDriver(t, Config{Mode: ModeRound, RoundIdleTimeout: time.Hour, MaxSteps: 1000})
	require.NoError(t, d.Start(context.Background()))
	defer d.Terminate()

	defRaw, _ := json.Marshal(0)
	req := event.New(event.KindDataGet, "agent-1", event.Env, event.WithPayload(event.DataGetPayload{
		TargetKind: "env", Key: "food", Default: defRaw,
	}))
	resp, err := b.Request(context.Background(), req, time.Second)
	require.NoError(t, err)

	var p event.DataGetResponsePayload
	require.NoError(t, resp.Unmarshal(&p))
	assert.True(t, p.OK)
	assert.JSONEq(t, "0", string(p.Value))
}

func TestDataSetThenDataGetReturnsStoredValue(t *testing.T) {
	d, b, _ := newTestDriver(t, Config{Mode: ModeRound, RoundIdleTimeout: time.Hour, MaxSteps: 1000})
	require.NoError(t, d.Start(context.Background()))
	defer d.Terminate()

	setReq := event.New(event.KindDataSet, "agent-1", event.Env, event.WithPayload(event.DataSetPayload{
		TargetKind: "env", Key: "weather", Value: json.RawMessage(`"rainy"`),
	}))
	_, err := b.Request(context.Background(), setReq, time.Second)
	require.NoError(t, err)

	getReq := event.New(event.KindDataGet, "agent-1", event.Env, event.WithPayload(event.DataGetPayload{
		TargetKind: "env", Key: "weather",
	}))
	resp, err := b.Request(context.Background(), getReq, time.Second)
	require.NoError(t, err)

	var p event.DataGetResponsePayload
	require.NoError(t, resp.Unmarshal(&p))
	assert.JSONEq(t, `"rainy"`, string(p.Value))
}

func TestTerminateIsTerminal(t *testing.T) {
	d, _, reg := newTestDriver(t, Config{Mode: ModeRound, RoundIdleTimeout: time.Hour, MaxSteps: 1000})
	reg.Register(registry.NewHandle("agent-1", "forager"))

	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Terminate())
	err := d.Resume()
	assert.Error(t, err)
}

func TestTicksCountAsBusActivity(t *testing.T) {
	d, _, _ := newTestDriver(t, Config{Mode: ModeTick, TickInterval: 10 * time.Millisecond, BusIdleTimeout: 30 * time.Millisecond, MaxSteps: 1000})
	require.NoError(t, d.Start(context.Background()))
	defer d.Terminate()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, PhaseRunning, d.Phase(), "ticks emitted faster than bus_idle_timeout must count as activity")
}

func TestPauseExcludesRoundIdleTimeout(t *testing.T) {
	d, _, reg := newTestDriver(t, Config{Mode: ModeRound, RoundIdleTimeout: 80 * time.Millisecond, MaxSteps: 1000})
	reg.Register(registry.NewHandle("agent-1", "forager"))

	require.NoError(t, d.Start(context.Background()))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, d.Pause())
	time.Sleep(150 * time.Millisecond) // well past RoundIdleTimeout, but paused
	require.NoError(t, d.Resume())
	time.Sleep(20 * time.Millisecond) // well under RoundIdleTimeout once resumed
	defer d.Terminate()

	assert.Equal(t, uint64(1), d.Step(), "time spent paused must not count toward round_idle_timeout")
}

func TestTickModeIgnoresRoundDoneAck(t *testing.T) {
	d, b, _ := newTestDriver(t, Config{Mode: ModeTick, TickInterval: 10 * time.Millisecond, BusIdleTimeout: time.Hour, MaxSteps: 1000})
	require.NoError(t, d.Start(context.Background()))
	defer d.Terminate()

	end := event.New(event.KindEnd, "agent-1", event.Env, event.WithPayload(event.EndPayload{Reason: "round_done"}))
	require.NoError(t, b.Dispatch(end))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, PhaseRunning, d.Phase(), "an ack-based round_done End must not affect TICK mode pacing")
}
