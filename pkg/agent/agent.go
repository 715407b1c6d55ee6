// Package agent implements the Agent API surface: the context object
// handed to handler functions, and the Agent runtime that dispatches
// inbound events to a handler table declared once at construction time.
//
// Each agent runs one goroutine, pulling events off its own inbox and
// reacting to them through the handler table it was constructed with.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fenlake/swarmctl/pkg/bus"
	"github.com/fenlake/swarmctl/pkg/event"
	"github.com/fenlake/swarmctl/pkg/log"
	"github.com/fenlake/swarmctl/pkg/registry"
)

// DefaultRequestTimeout bounds Context.Request calls issued from within a
// handler.
const DefaultRequestTimeout = 5 * time.Second

// Context is the API surface exposed to a handler function: scoped reads
// and writes against the shared environment state, peer-to-peer data
// access, and the ability to emit events or request a response.
type Context struct {
	agentID   string
	agentType string
	bus       *bus.Bus
	step      uint64
}

// AgentID returns the owning agent's id.
func (c *Context) AgentID() string { return c.agentID }

// Step returns the simulation step the current event was dispatched on.
func (c *Context) Step() uint64 { return c.step }

// GetEnv reads key from the shared "env" scope, falling back to def if
// unset.
func (c *Context) GetEnv(ctx context.Context, key string, def any) (json.RawMessage, error) {
	return c.dataGet(ctx, "env", "env", key, def)
}

// SetEnv writes key into the shared "env" scope.
func (c *Context) SetEnv(ctx context.Context, key string, value any) error {
	return c.dataSet(ctx, "env", key, value)
}

// GetPeer reads key from another agent's (or agent type's) scope.
func (c *Context) GetPeer(ctx context.Context, targetKind, key string, def any) (json.RawMessage, error) {
	return c.dataGet(ctx, c.agentType, targetKind, key, def)
}

// SetPeer writes key into another agent's (or agent type's) scope.
func (c *Context) SetPeer(ctx context.Context, targetKind, key string, value any) error {
	return c.dataSetKind(ctx, targetKind, key, value)
}

func (c *Context) dataGet(ctx context.Context, sourceKind, targetKind, key string, def any) (json.RawMessage, error) {
	var defRaw json.RawMessage
	if def != nil {
		data, err := json.Marshal(def)
		if err != nil {
			return nil, err
		}
		defRaw = data
	}
	req := event.New(event.KindDataGet, c.agentID, event.Env, event.WithPayload(event.DataGetPayload{
		SourceKind: sourceKind, TargetKind: targetKind, Key: key, Default: defRaw,
	}))
	resp, err := c.bus.Request(ctx, req, DefaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	var p event.DataGetResponsePayload
	if err := resp.Unmarshal(&p); err != nil {
		return nil, err
	}
	return p.Value, nil
}

func (c *Context) dataSet(ctx context.Context, targetKind, key string, value any) error {
	return c.dataSetKind(ctx, targetKind, key, value)
}

func (c *Context) dataSetKind(ctx context.Context, targetKind, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	req := event.New(event.KindDataSet, c.agentID, event.Env, event.WithPayload(event.DataSetPayload{
		SourceKind: c.agentType, TargetKind: targetKind, Key: key, Value: data,
	}))
	_, err = c.bus.Request(ctx, req, DefaultRequestTimeout)
	return err
}

// Emit dispatches a fire-and-forget event to toID.
func (c *Context) Emit(kind event.Kind, toID string, payload any) error {
	opts := []event.Option{}
	if payload != nil {
		opts = append(opts, event.WithPayload(payload))
	}
	e := event.New(kind, c.agentID, toID, opts...)
	return c.bus.Dispatch(e)
}

// Request dispatches an event and blocks for its correlated response.
func (c *Context) Request(ctx context.Context, kind event.Kind, toID string, payload any, timeout time.Duration) (*event.Event, error) {
	opts := []event.Option{}
	if payload != nil {
		opts = append(opts, event.WithPayload(payload))
	}
	e := event.New(kind, c.agentID, toID, opts...)
	return c.bus.Request(ctx, e, timeout)
}

// Handler processes one inbound event for an agent.
type Handler func(ctx *Context, e *event.Event) error

// Agent runs a statically declared {event kind -> handler} table against
// its inbox. The table is fixed at construction; there is no dynamic
// hook registration at runtime.
type Agent struct {
	id        string
	agentType string
	handle    *registry.Handle
	bus       *bus.Bus
	handlers  map[event.Kind]Handler

	stopSelf chan struct{}
}

// New constructs an Agent with a fixed handler table. handlers maps event
// kinds this agent reacts to; kinds absent from the table are ignored
// (still consumed from the inbox, never left to fill it).
func New(id, agentType string, handle *registry.Handle, b *bus.Bus, handlers map[event.Kind]Handler) *Agent {
	return &Agent{
		id:        id,
		agentType: agentType,
		handle:    handle,
		bus:       b,
		handlers:  handlers,
		stopSelf:  make(chan struct{}),
	}
}

// Run consumes the agent's inbox until ctx is canceled, the handle is
// stopped, or the agent calls StopSelf from within a handler.
func (a *Agent) Run(ctx context.Context, stepper func() uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopSelf:
			a.handle.Stop()
			return
		case e, ok := <-a.handle.Inbox():
			if !ok {
				return
			}
			a.dispatch(e, stepper)
		case e, ok := <-a.handle.Responses():
			if !ok {
				return
			}
			a.dispatch(e, stepper)
		}
		if a.handle.Stopped() {
			return
		}
	}
}

func (a *Agent) dispatch(e *event.Event, stepper func() uint64) {
	h, ok := a.handlers[e.EventKind]
	if !ok {
		return
	}
	step := uint64(0)
	if stepper != nil {
		step = stepper()
	}
	c := &Context{agentID: a.id, agentType: a.agentType, bus: a.bus, step: step}
	if err := h(c, e); err != nil {
		if a.handle.RecordError(time.Now()) {
			log.WithComponent("agent").Error().Str("agent_id", a.id).Err(err).Msg("error budget exceeded, stopping agent")
			a.StopSelf()
			return
		}
		log.WithComponent("agent").Warn().Str("agent_id", a.id).Err(err).Str("event_kind", string(e.EventKind)).Msg("handler returned error")
	}
}

// StopSelf requests the agent stop processing further events. Dispatch
// calls it when the error budget is exceeded; any holder of the Agent may
// call it too. Context carries no reference to the Agent.
func (a *Agent) StopSelf() {
	select {
	case <-a.stopSelf:
	default:
		close(a.stopSelf)
	}
}
