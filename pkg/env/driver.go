package env

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fenlake/swarmctl/pkg/bus"
	"github.com/fenlake/swarmctl/pkg/clock"
	"github.com/fenlake/swarmctl/pkg/event"
	"github.com/fenlake/swarmctl/pkg/log"
	"github.com/fenlake/swarmctl/pkg/rterr"
)

// Mode selects how the driver paces steps.
type Mode string

const (
	ModeRound Mode = "ROUND"
	ModeTick  Mode = "TICK"
)

// Config is the simulation's run configuration.
type Config struct {
	TrailID            string        `json:"trail_id"`
	Mode               Mode          `json:"mode"`
	TickInterval       time.Duration `json:"tick_interval,omitempty"`
	RoundIdleTimeout   time.Duration `json:"round_idle_timeout"`
	BusIdleTimeout     time.Duration `json:"bus_idle_timeout"`
	MaxSteps           uint64        `json:"max_steps,omitempty"`
	SnapshotEveryStep  bool          `json:"snapshot_every_step"`
}

// DefaultRoundIdleTimeout and DefaultBusIdleTimeout bound how long the
// driver waits for a round to close / the bus to go quiet before forcing
// progress.
const (
	DefaultRoundIdleTimeout = 30 * time.Second
	DefaultBusIdleTimeout   = 10 * time.Second
)

// Driver owns the simulation lifecycle: the FSM, the shared Store, and the
// ROUND/TICK pacing loop. It writes the Start/Tick events that pace agents
// and broadcasts End (reason "external") when terminated; agents' End
// acks flow back to it.
type Driver struct {
	cfg    Config
	clock  *clock.Clock
	step   clock.Step
	fsm    *FSM
	store  *Store
	bus    *bus.Bus
	layout *Layout
	async  *AsyncWriter

	mu           sync.Mutex
	pendingAcks  map[string]struct{} // agent ids that haven't acked End(round_done) this round
	lastActivity time.Time
	// lastActivityPaused is PausedDuration() as of lastActivity, so the
	// idle check below can exclude any pause straddling the interval
	// since, rather than measuring raw wall time.
	lastActivityPaused time.Duration

	stopCh chan struct{}
}

// New constructs a Driver. layout and async may be nil to disable
// persistence (useful for tests).
func New(cfg Config, c *clock.Clock, b *bus.Bus, layout *Layout, async *AsyncWriter) *Driver {
	if cfg.RoundIdleTimeout == 0 {
		cfg.RoundIdleTimeout = DefaultRoundIdleTimeout
	}
	if cfg.BusIdleTimeout == 0 {
		cfg.BusIdleTimeout = DefaultBusIdleTimeout
	}
	return &Driver{
		cfg:         cfg,
		clock:       c,
		fsm:         NewFSM(),
		store:       NewStore(),
		bus:         b,
		layout:      layout,
		async:       async,
		pendingAcks: make(map[string]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Phase returns the current lifecycle phase.
func (d *Driver) Phase() Phase { return d.fsm.Phase() }

// Store returns the shared hierarchical state store.
func (d *Driver) Store() *Store { return d.store }

// Step returns the current step counter.
func (d *Driver) Step() uint64 { return d.step.Current() }

// Start transitions INITIALIZED -> RUNNING and begins the pacing loop.
func (d *Driver) Start(ctx context.Context) error {
	if err := d.fsm.Transition(PhaseRunning); err != nil {
		return err
	}
	if d.layout != nil {
		if err := d.layout.WriteConfig(d.cfg); err != nil {
			log.WithComponent("env").Error().Err(err).Msg("failed to persist config")
		}
	}
	d.stampActivity()

	switch d.cfg.Mode {
	case ModeTick:
		go d.runTickLoop(ctx)
	default:
		go d.runRoundLoop(ctx)
	}
	return nil
}

// Pause transitions RUNNING -> PAUSED, freezing step progression.
func (d *Driver) Pause() error {
	if err := d.fsm.Transition(PhasePaused); err != nil {
		return err
	}
	d.clock.Pause()
	return nil
}

// Resume transitions PAUSED -> RUNNING, resuming step progression without
// counting the paused interval toward any timeout.
func (d *Driver) Resume() error {
	if err := d.fsm.Transition(PhaseRunning); err != nil {
		return err
	}
	d.clock.Resume()
	return nil
}

// Terminate forcibly ends the simulation from any non-terminal phase and
// broadcasts End with reason "external".
func (d *Driver) Terminate() error {
	if err := d.fsm.Transition(PhaseTerminated); err != nil {
		return err
	}
	end := event.New(event.KindEnd, event.Env, event.All, event.WithPayload(event.EndPayload{Reason: "external", Step: d.step.Current()}))
	if err := d.bus.Dispatch(end); err != nil {
		log.WithComponent("env").Error().Err(err).Msg("failed to broadcast end event")
	}
	close(d.stopCh)
	return nil
}

// complete transitions RUNNING -> COMPLETED, used internally once a
// termination condition (max_steps reached) is met.
func (d *Driver) complete() {
	if err := d.fsm.Transition(PhaseCompleted); err != nil {
		log.WithComponent("env").Warn().Err(err).Msg("completion transition rejected")
		return
	}
	close(d.stopCh)
}

// fail transitions to ERROR and emits a structured ErrorEvent broadcast.
func (d *Driver) fail(scope rterr.Scope, code, message string) {
	if err := d.fsm.Transition(PhaseError); err != nil {
		return
	}
	d.emitError(scope, code, message)
	close(d.stopCh)
}

func (d *Driver) emitError(scope rterr.Scope, code, message string) {
	payload := event.ErrorPayload{Code: code, Message: message, Scope: string(scope), Step: d.step.Current()}
	e := event.New(event.KindError, event.Env, event.All, event.WithPayload(payload))
	if err := d.bus.Dispatch(e); err != nil {
		log.WithComponent("env").Error().Err(err).Msg("failed to broadcast error event")
	}
}

// HandleDataGet answers a DataGet event addressed to event.Env, falling
// back from the requested kind to "env" scope when unset.
func (d *Driver) HandleDataGet(e *event.Event) {
	var req event.DataGetPayload
	if err := e.Unmarshal(&req); err != nil {
		return
	}
	value, ok := d.store.Get(req.TargetKind, req.Key)
	if !ok {
		value, ok = d.store.Get("env", req.Key)
	}
	resp := event.DataGetResponsePayload{RequestID: e.EventID, Key: req.Key, OK: ok}
	if ok {
		resp.Value = json.RawMessage(value)
	} else if len(req.Default) > 0 {
		resp.Value = req.Default
		resp.OK = true
	} else {
		resp.Err = "key not found"
	}
	reply := event.New(event.KindDataGetResponse, event.Env, e.FromID, event.WithParent(e.EventID), event.WithPayload(resp))
	_ = d.bus.Dispatch(reply)
}

// HandleDataSet applies a DataSet event addressed to event.Env.
func (d *Driver) HandleDataSet(e *event.Event) {
	var req event.DataSetPayload
	if err := e.Unmarshal(&req); err != nil {
		return
	}
	d.store.Set(req.TargetKind, req.Key, req.Value)
	resp := event.DataSetResponsePayload{RequestID: e.EventID, Key: req.Key, OK: true}
	reply := event.New(event.KindDataSetResponse, event.Env, e.FromID, event.WithParent(e.EventID), event.WithPayload(resp))
	_ = d.bus.Dispatch(reply)
}

// stampActivity records now, and the paused duration accumulated as of
// now, as the baseline for the next idle-timeout check. Called on every
// event that counts as bus activity: inbound ENV traffic and every tick
// the driver itself dispatches.
func (d *Driver) stampActivity() {
	d.mu.Lock()
	d.lastActivity = d.clock.Now()
	d.lastActivityPaused = d.clock.PausedDuration()
	d.mu.Unlock()
}

// HandleEnvEvent is the dispatcher-facing entry point: the bus's
// WithEnvHandler callback routes here.
func (d *Driver) HandleEnvEvent(e *event.Event) {
	d.stampActivity()

	switch e.EventKind {
	case event.KindDataGet:
		d.HandleDataGet(e)
	case event.KindDataSet:
		d.HandleDataSet(e)
	case event.KindEnd:
		d.handleEndAck(e)
	default:
		log.WithComponent("env").Debug().Str("kind", string(e.EventKind)).Msg("unhandled event addressed to environment")
	}
}

func (d *Driver) handleEndAck(e *event.Event) {
	if d.cfg.Mode == ModeTick {
		// TICK mode ignores round_done acknowledgements entirely: progress is
		// driven purely by the tick interval.
		return
	}
	var p event.EndPayload
	_ = e.Unmarshal(&p)
	if p.Reason != "round_done" {
		return
	}
	d.mu.Lock()
	delete(d.pendingAcks, e.FromID)
	d.mu.Unlock()
}

// runRoundLoop drives ROUND mode: broadcast Start/Tick-equivalent per
// round, wait for every registered agent to ack End(round_done) or the
// round idle timeout to elapse, then advance.
func (d *Driver) runRoundLoop(ctx context.Context) {
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if d.fsm.Phase() != PhaseRunning {
			d.clock.Sleep(50 * time.Millisecond)
			continue
		}

		step := d.step.Advance()
		d.snapshotStep(step)

		if d.cfg.MaxSteps > 0 && step >= d.cfg.MaxSteps {
			d.complete()
			return
		}

		d.beginRound(step)
		if !d.waitRound(ctx, step) {
			return
		}
	}
}

func (d *Driver) beginRound(step uint64) {
	pending := make(map[string]struct{})
	for _, id := range d.bus.AgentIDs() {
		pending[id] = struct{}{}
	}
	d.mu.Lock()
	d.pendingAcks = pending
	d.mu.Unlock()

	start := event.New(event.KindStart, event.Env, event.All, event.WithPayload(event.StartPayload{Step: step}))
	_ = d.bus.Dispatch(start)
}

// waitRound polls for round completion (empty pendingAcks) or the round
// idle timeout, returning false if the driver was stopped. The timeout is
// measured with SinceExcludingPauses off the round's start, so time spent
// in a Pause does not count toward it.
func (d *Driver) waitRound(ctx context.Context, step uint64) bool {
	start := d.clock.Now()
	startPaused := d.clock.PausedDuration()
	for {
		select {
		case <-d.stopCh:
			return false
		case <-ctx.Done():
			return false
		default:
		}

		d.mu.Lock()
		done := len(d.pendingAcks) == 0
		d.mu.Unlock()
		elapsed := d.clock.SinceExcludingPauses(start, startPaused)
		if done || elapsed >= d.cfg.RoundIdleTimeout {
			if !done {
				log.WithComponent("env").Warn().Uint64("step", step).Msg("round idle timeout, forcing advance")
			}
			return true
		}
		d.clock.Sleep(10 * time.Millisecond)
	}
}

// runTickLoop drives TICK mode: emit a Tick event on a fixed interval
// regardless of agent acknowledgement, detecting livelock via
// bus_idle_timeout (no dispatch activity at all).
func (d *Driver) runTickLoop(ctx context.Context) {
	ticker := d.clock.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		if d.fsm.Phase() != PhaseRunning {
			continue
		}

		d.mu.Lock()
		idle := d.clock.SinceExcludingPauses(d.lastActivity, d.lastActivityPaused)
		d.mu.Unlock()
		if idle >= d.cfg.BusIdleTimeout {
			d.fail(rterr.ScopeEnvironment, "bus_idle_timeout", "no bus activity within bus_idle_timeout")
			return
		}

		step := d.step.Advance()
		d.snapshotStep(step)

		if d.cfg.MaxSteps > 0 && step >= d.cfg.MaxSteps {
			d.complete()
			return
		}

		tick := event.New(event.KindTick, event.Env, event.All, event.WithPayload(event.TickPayload{Step: step}))
		_ = d.bus.Dispatch(tick)
		d.stampActivity()
	}
}

func (d *Driver) snapshotStep(step uint64) {
	if d.layout == nil || d.async == nil {
		return
	}
	if !d.cfg.SnapshotEveryStep {
		return
	}
	snapshot := d.store.Snapshot()
	d.async.Submit(func() error {
		return d.layout.WriteEnvState(step, snapshot)
	})
	flows := d.bus.ExportFlows()
	d.async.Submit(func() error {
		return d.layout.WriteEventFlows(flows)
	})
}
