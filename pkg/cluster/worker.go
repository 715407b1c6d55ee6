package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fenlake/swarmctl/pkg/bus"
	"github.com/fenlake/swarmctl/pkg/clock"
	"github.com/fenlake/swarmctl/pkg/event"
	"github.com/fenlake/swarmctl/pkg/log"
	"github.com/fenlake/swarmctl/pkg/transport"
)

// DefaultAgentRequestTimeout bounds how long an inbound request delivered
// to a locally hosted agent is given to produce its correlated reply.
const DefaultAgentRequestTimeout = 5 * time.Second

// Worker is a cluster node that hosts agents and reports heartbeats to
// the Master: a registration call followed by a heartbeat ticker loop.
type Worker struct {
	clock    *clock.Clock
	workerID string
	endpoint string

	masterEndpoint string
	pool           *transport.Pool
	routeCache     *RouteCache
}

// NewWorker constructs a Worker that will reach the master over pool.
func NewWorker(c *clock.Clock, workerID, endpoint, masterEndpoint string, pool *transport.Pool, routeCacheSize int) *Worker {
	return &Worker{
		clock:          c,
		workerID:       workerID,
		endpoint:       endpoint,
		masterEndpoint: masterEndpoint,
		pool:           pool,
		routeCache:     NewRouteCache(routeCacheSize),
	}
}

func (w *Worker) call(ctx context.Context, kind string, data any) (json.RawMessage, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	ke := kindEnvelope{Kind: kind, Data: payload}
	kePayload, err := json.Marshal(ke)
	if err != nil {
		return nil, err
	}
	req := event.New(event.Kind(kind), w.workerID, event.Env, event.WithPayload(json.RawMessage(kePayload)))
	reply, err := w.pool.Call(ctx, w.masterEndpoint, &transport.Envelope{RequestID: clock.NewID(), Event: req})
	if err != nil {
		return nil, err
	}
	if reply.Event == nil {
		return nil, fmt.Errorf("cluster: empty reply from master")
	}
	return reply.Event.Payload, nil
}

// Register announces this worker to the master.
func (w *Worker) Register(ctx context.Context) error {
	_, err := w.call(ctx, envelopeKindRegister, RegisterRequest{WorkerID: w.workerID, Endpoint: w.endpoint})
	if err != nil {
		return err
	}
	log.WithComponent("worker").Info().Str("worker_id", w.workerID).Msg("registered with master")
	return nil
}

// Heartbeat sends one liveness ping.
func (w *Worker) Heartbeat(ctx context.Context) error {
	_, err := w.call(ctx, envelopeKindHeartbeat, HeartbeatRequest{WorkerID: w.workerID})
	return err
}

// RunHeartbeatLoop pings the master on a fixed interval until ctx is
// canceled.
func (w *Worker) RunHeartbeatLoop(ctx context.Context, interval func() time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := w.Heartbeat(ctx); err != nil {
			log.WithComponent("worker").Warn().Err(err).Msg("heartbeat failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-w.clock.NewTicker(interval()).Chan():
		}
	}
}

// Locate resolves agentID's hosting endpoint, consulting the local route
// cache before falling back to the master.
func (w *Worker) Locate(ctx context.Context, agentID string) (string, error) {
	if endpoint, ok := w.routeCache.Get(agentID); ok {
		return endpoint, nil
	}
	raw, err := w.call(ctx, envelopeKindLocate, LocateRequest{AgentID: agentID})
	if err != nil {
		return "", err
	}
	var resp LocateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if !resp.Found {
		return "", fmt.Errorf("cluster: agent %s not found in directory", agentID)
	}
	w.routeCache.Put(agentID, resp.Endpoint, 0)
	return resp.Endpoint, nil
}

// AcquireLock requests a lease from the master's lock Authority.
func (w *Worker) AcquireLock(ctx context.Context, req LockRequest) (LockResponse, error) {
	req.Op = "acquire"
	req.RequesterID = w.workerID
	raw, err := w.call(ctx, envelopeKindLock, req)
	if err != nil {
		return LockResponse{}, err
	}
	var resp LockResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return LockResponse{}, err
	}
	return resp, nil
}

// Forward implements bus.Forwarder for a worker's local bus: it resolves
// e.ToID via Locate and relays e directly to the peer hosting it. A stale
// cache entry surfaces as a failed call, so the route is invalidated and
// the caller (the bus) logs the delivery as failed; the next Dispatch to
// the same addressee re-resolves from the master.
func (w *Worker) Forward(ctx context.Context, e *event.Event) (bool, error) {
	endpoint, err := w.Locate(ctx, e.ToID)
	if err != nil {
		return false, nil
	}
	_, err = w.pool.Call(ctx, endpoint, &transport.Envelope{RequestID: clock.NewID(), Event: e})
	if err != nil {
		w.routeCache.Invalidate(e.ToID)
		return false, err
	}
	return true, nil
}

// BroadcastForward implements bus.BroadcastForwarder: it asks the master
// to relay a locally-originated ALL event to every other worker, since
// only the master tracks the full alive-worker roster.
func (w *Worker) BroadcastForward(ctx context.Context, e *event.Event) {
	_, err := w.call(ctx, envelopeKindBroadcast, BroadcastRequest{WorkerID: w.workerID, Event: e})
	if err != nil {
		log.WithComponent("worker").Warn().Err(err).Str("event_id", e.EventID).Msg("broadcast relay to master failed")
	}
}

// ForwardEnvEvent relays an event addressed to event.Env to the master,
// whose Driver is the authoritative one in a distributed deployment, and
// dispatches any correlated reply back onto the local bus b so it
// completes the pending Request the originating agent is blocked on.
func (w *Worker) ForwardEnvEvent(ctx context.Context, e *event.Event, b *bus.Bus) {
	raw, err := w.call(ctx, envelopeKindAgentEvent, AgentEventRequest{WorkerID: w.workerID, Event: e})
	if err != nil {
		log.WithComponent("worker").Warn().Err(err).Str("event_id", e.EventID).Msg("env event relay to master failed")
		return
	}
	var resp AgentEventResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		log.WithComponent("worker").Warn().Err(err).Msg("malformed agent_event reply")
		return
	}
	if resp.Reply != nil {
		if err := b.Dispatch(resp.Reply); err != nil {
			log.WithComponent("worker").Warn().Err(err).Msg("failed to deliver env event reply locally")
		}
	}
}

// Assignments polls the master for the agent roster this worker should
// currently be hosting.
func (w *Worker) Assignments(ctx context.Context) ([]AgentSpec, error) {
	raw, err := w.call(ctx, envelopeKindAssignments, AssignmentsRequest{WorkerID: w.workerID})
	if err != nil {
		return nil, err
	}
	var resp AssignmentsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// ServeAgents mounts this worker's inbound agent-event handler, used by
// the master (or peer workers) to deliver events to agents hosted here.
func (w *Worker) ServeAgents(mux *http.ServeMux, path string, handler transport.Handler) {
	server := transport.NewServer(handler)
	mux.Handle(path, server)
}

// AgentHandler builds the default inbound handler for ServeAgents: it
// delivers the forwarded event onto b, addressed to a locally hosted
// agent or ALL/ENV. Only DataGet/DataSet produce a correlated response,
// so only those kinds wait on b.Request; every other kind (Start, End,
// Tick, Pause, Resume, ...) is fire-and-forget via b.Dispatch and returns
// no reply envelope, matching how pkg/bus itself distinguishes the two.
func (w *Worker) AgentHandler(b *bus.Bus, timeout time.Duration) transport.Handler {
	return func(ctx context.Context, in *transport.Envelope) (*transport.Envelope, error) {
		if in.Event == nil {
			return nil, fmt.Errorf("cluster: empty envelope")
		}

		switch in.Event.EventKind {
		case event.KindDataGet, event.KindDataSet:
			reply, err := b.Request(ctx, in.Event, timeout)
			if err != nil {
				return nil, err
			}
			return &transport.Envelope{Event: reply}, nil
		default:
			if err := b.Dispatch(in.Event); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}
}
