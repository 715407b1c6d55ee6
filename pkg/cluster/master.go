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
	"github.com/fenlake/swarmctl/pkg/lock"
	"github.com/fenlake/swarmctl/pkg/log"
	"github.com/fenlake/swarmctl/pkg/transport"
)

// RegisterRequest is sent by a worker to join the cluster.
type RegisterRequest struct {
	WorkerID string `json:"worker_id"`
	Endpoint string `json:"endpoint"`
}

// HeartbeatRequest is the periodic worker liveness ping.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

// LocateRequest asks the master which worker hosts an agent.
type LocateRequest struct {
	AgentID string `json:"agent_id"`
}

// LocateResponse answers a LocateRequest.
type LocateResponse struct {
	Endpoint string `json:"endpoint"`
	Found    bool   `json:"found"`
}

// LockRequest carries a lock operation to the master's Authority.
type LockRequest struct {
	Op          string        `json:"op"` // acquire | release | renew
	Key         string        `json:"key"`
	RequesterID string        `json:"requester_id"`
	FenceToken  uint64        `json:"fence_token,omitempty"`
	LeaseTTL    time.Duration `json:"lease_ttl,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// LockResponse answers a LockRequest.
type LockResponse struct {
	FenceToken uint64    `json:"fence_token"`
	Deadline   time.Time `json:"deadline"`
	Err        string    `json:"err,omitempty"`
}

// AgentEventRequest relays an event a worker-hosted agent emitted toward
// event.Env (the authoritative store lives on the master in distributed
// deployments) or toward a DataGet/DataSet-style peer lookup.
type AgentEventRequest struct {
	WorkerID string       `json:"worker_id"`
	Event    *event.Event `json:"event"`
}

// AgentEventResponse answers an AgentEventRequest. Reply is non-nil only
// when Event's kind produces a correlated response (DataGet/DataSet).
type AgentEventResponse struct {
	Reply *event.Event `json:"reply,omitempty"`
}

// BroadcastRequest relays an ALL-addressed event a worker's local bus
// already delivered to its own agents, asking the master to fan it out to
// every other worker.
type BroadcastRequest struct {
	WorkerID string       `json:"worker_id"`
	Event    *event.Event `json:"event"`
}

// AssignmentsRequest polls the master for the current agent roster a
// worker should be hosting.
type AssignmentsRequest struct {
	WorkerID string `json:"worker_id"`
}

// AssignmentsResponse answers an AssignmentsRequest.
type AssignmentsResponse struct {
	Agents []AgentSpec `json:"agents"`
}

const (
	envelopeKindRegister    = "register"
	envelopeKindHeartbeat   = "heartbeat"
	envelopeKindLocate      = "locate"
	envelopeKindLock        = "lock"
	envelopeKindAgentEvent  = "agent_event"
	envelopeKindBroadcast   = "broadcast"
	envelopeKindAssignments = "assignments"
)

// kindEnvelope is the JSON shape transport.Envelope.Event's payload takes
// for cluster-control messages, which ride outside the agent event model.
type kindEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Master is the cluster control-plane authority: it owns the directory,
// the distributed lock Authority, and the allocation algorithm. There is
// a single master process; no consensus layer backs it (see DESIGN.md
// for why raft was not wired in).
type Master struct {
	clock     *clock.Clock
	directory *Directory
	locks     *lock.Authority
	pool      *transport.Pool

	// bus is the authoritative event bus in a distributed deployment: the
	// simulation's Driver runs against it, and every worker-hosted agent's
	// ENV-addressed traffic is relayed here since workers do not run their
	// own Driver. Nil until SetBus is called (single-node deployments have
	// no Master at all).
	bus *bus.Bus

	heartbeatInterval time.Duration
	allocationSeed    int64
}

// NewMaster constructs a Master. pool is used to relay events and
// broadcasts to worker endpoints; it may be nil for tests that only
// exercise registration/heartbeat/locate/lock RPCs.
func NewMaster(c *clock.Clock, directory *Directory, locks *lock.Authority, pool *transport.Pool, heartbeatInterval time.Duration, allocationSeed int64) *Master {
	return &Master{
		clock:             c,
		directory:         directory,
		locks:             locks,
		pool:              pool,
		heartbeatInterval: heartbeatInterval,
		allocationSeed:    allocationSeed,
	}
}

// SetBus binds the authoritative bus the master's Driver runs against.
// Agent events relayed from workers are dispatched onto it; its own
// forwarder/broadcastForwarder hooks should be wired to Forward/
// BroadcastAll before the Driver starts.
func (m *Master) SetBus(b *bus.Bus) { m.bus = b }

// Handler returns the transport.Handler that serves this master's control
// RPCs over a websocket connection from a worker.
func (m *Master) Handler() transport.Handler {
	return func(ctx context.Context, in *transport.Envelope) (*transport.Envelope, error) {
		var ke kindEnvelope
		if in.Event == nil || len(in.Event.Payload) == 0 {
			return nil, fmt.Errorf("cluster: empty control envelope")
		}
		if err := json.Unmarshal(in.Event.Payload, &ke); err != nil {
			return nil, fmt.Errorf("cluster: malformed control envelope: %w", err)
		}

		var respData any
		var err error
		switch ke.Kind {
		case envelopeKindRegister:
			respData, err = m.handleRegister(ke.Data)
		case envelopeKindHeartbeat:
			respData, err = m.handleHeartbeat(ke.Data)
		case envelopeKindLocate:
			respData, err = m.handleLocate(ke.Data)
		case envelopeKindLock:
			respData, err = m.handleLock(ctx, ke.Data)
		case envelopeKindAgentEvent:
			respData, err = m.handleAgentEvent(ke.Data)
		case envelopeKindBroadcast:
			respData, err = m.handleBroadcast(ctx, ke.Data)
		case envelopeKindAssignments:
			respData, err = m.handleAssignments(ke.Data)
		default:
			return nil, fmt.Errorf("cluster: unknown control kind %q", ke.Kind)
		}
		if err != nil {
			return nil, err
		}

		payload, merr := json.Marshal(respData)
		if merr != nil {
			return nil, merr
		}
		reply := event.New(event.Kind(ke.Kind), event.Env, in.Event.FromID, event.WithPayload(json.RawMessage(payload)))
		return &transport.Envelope{Event: reply}, nil
	}
}

func (m *Master) handleRegister(data json.RawMessage) (any, error) {
	var req RegisterRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	m.directory.RegisterWorker(req.WorkerID, req.Endpoint)
	log.WithComponent("master").Info().Str("worker_id", req.WorkerID).Str("endpoint", req.Endpoint).Msg("worker registered")
	return struct {
		OK bool `json:"ok"`
	}{true}, nil
}

func (m *Master) handleHeartbeat(data json.RawMessage) (any, error) {
	var req HeartbeatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	ok := m.directory.Heartbeat(req.WorkerID)
	return struct {
		OK bool `json:"ok"`
	}{ok}, nil
}

func (m *Master) handleLocate(data json.RawMessage) (any, error) {
	var req LocateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	endpoint, found := m.directory.Locate(req.AgentID)
	return LocateResponse{Endpoint: endpoint, Found: found}, nil
}

func (m *Master) handleLock(ctx context.Context, data json.RawMessage) (any, error) {
	var req LockRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	switch req.Op {
	case "acquire":
		grant, err := m.locks.Acquire(ctx, req.Key, req.RequesterID, req.LeaseTTL, req.Timeout)
		if err != nil {
			return LockResponse{Err: err.Error()}, nil
		}
		return LockResponse{FenceToken: grant.FenceToken, Deadline: grant.Deadline}, nil
	case "release":
		if err := m.locks.Release(req.Key, req.RequesterID, req.FenceToken); err != nil {
			return LockResponse{Err: err.Error()}, nil
		}
		return LockResponse{}, nil
	case "renew":
		if err := m.locks.Renew(req.Key, req.RequesterID, req.FenceToken, req.LeaseTTL); err != nil {
			return LockResponse{Err: err.Error()}, nil
		}
		return LockResponse{}, nil
	default:
		return nil, fmt.Errorf("cluster: unknown lock op %q", req.Op)
	}
}

// handleAgentEvent relays an event a worker-hosted agent addressed to
// event.Env onto the master's authoritative bus. Only DataGet/DataSet
// produce a correlated reply; everything else is fire-and-forget.
func (m *Master) handleAgentEvent(data json.RawMessage) (any, error) {
	var req AgentEventRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if m.bus == nil {
		return nil, fmt.Errorf("cluster: master has no bus bound")
	}
	switch req.Event.EventKind {
	case event.KindDataGet, event.KindDataSet:
		reply, err := m.bus.Request(context.Background(), req.Event, DefaultAgentRequestTimeout)
		if err != nil {
			return nil, err
		}
		return AgentEventResponse{Reply: reply}, nil
	default:
		if err := m.bus.Dispatch(req.Event); err != nil {
			return nil, err
		}
		return AgentEventResponse{}, nil
	}
}

// handleBroadcast relays an ALL-addressed event a worker's local bus has
// already delivered to its own agents out to every other alive worker.
func (m *Master) handleBroadcast(ctx context.Context, data json.RawMessage) (any, error) {
	var req BroadcastRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	m.fanOutToWorkers(ctx, req.Event, req.WorkerID)
	return struct {
		OK bool `json:"ok"`
	}{true}, nil
}

// handleAssignments answers a worker's roster poll.
func (m *Master) handleAssignments(data json.RawMessage) (any, error) {
	var req AssignmentsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return AssignmentsResponse{Agents: m.directory.AgentsForWorker(req.WorkerID)}, nil
}

// Forward implements bus.Forwarder: it consults the directory for the
// worker hosting e.ToID and relays e there over the transport pool. It is
// wired as the master's own bus's forwarder so an agent-id address the
// master can't resolve locally (the master hosts no agents itself) still
// reaches the worker that does.
func (m *Master) Forward(ctx context.Context, e *event.Event) (bool, error) {
	endpoint, ok := m.directory.Locate(e.ToID)
	if !ok {
		return false, nil
	}
	if m.pool == nil {
		return false, fmt.Errorf("cluster: master has no transport pool")
	}
	if _, err := m.pool.Call(ctx, endpoint, wrapAgentEvent(e)); err != nil {
		return false, err
	}
	return true, nil
}

// BroadcastAll implements bus.BroadcastForwarder for events the master's
// own Driver originates: since the master never hosts agents locally,
// every alive worker needs the broadcast.
func (m *Master) BroadcastAll(ctx context.Context, e *event.Event) {
	m.fanOutToWorkers(ctx, e, "")
}

// fanOutToWorkers relays e to every alive worker except exceptWorkerID
// (the originating worker, whose own agents already received it locally).
func (m *Master) fanOutToWorkers(ctx context.Context, e *event.Event, exceptWorkerID string) {
	for _, w := range m.directory.AliveWorkers() {
		if w.WorkerID == exceptWorkerID {
			continue
		}
		if m.pool == nil {
			continue
		}
		if _, err := m.pool.Call(ctx, w.Endpoint, wrapAgentEvent(e)); err != nil {
			log.WithComponent("master").Warn().Err(err).Str("worker_id", w.WorkerID).Msg("broadcast relay failed")
		}
	}
}

func wrapAgentEvent(e *event.Event) *transport.Envelope {
	return &transport.Envelope{RequestID: e.EventID, Event: e}
}

// RunLivenessSweeper periodically sweeps worker liveness until ctx is
// canceled, logging transitions to DEAD and the agents orphaned by them so
// the allocator can be re-run by the caller.
func (m *Master) RunLivenessSweeper(ctx context.Context, onOrphaned func(agentIDs []string)) {
	ticker := m.clock.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			dead, orphaned := m.directory.SweepLiveness()
			for _, id := range dead {
				log.WithComponent("master").Warn().Str("worker_id", id).Msg("worker declared dead")
			}
			if len(orphaned) > 0 && onOrphaned != nil {
				onOrphaned(orphaned)
			}
		}
	}
}

// Reallocate runs the allocation algorithm for a set of agents against the
// currently alive workers and records the resulting plan in the
// directory.
func (m *Master) Reallocate(agents []AgentSpec, edges []Edge) Plan {
	workers := m.directory.AliveWorkers()
	workerIDs := make([]string, 0, len(workers))
	for _, w := range workers {
		workerIDs = append(workerIDs, w.WorkerID)
	}
	agentIDs := make([]string, 0, len(agents))
	agentTypes := make(map[string]string, len(agents))
	for _, spec := range agents {
		agentIDs = append(agentIDs, spec.ID)
		agentTypes[spec.ID] = spec.Type
	}
	plan := Allocate(agentIDs, edges, workerIDs, m.allocationSeed)
	for agentID, workerID := range plan {
		m.directory.AssignAgent(agentID, agentTypes[agentID], workerID)
	}
	return plan
}

// ServeMux mounts the master's control handler at path on mux.
func (m *Master) ServeMux(mux *http.ServeMux, path string) {
	server := transport.NewServer(m.Handler())
	mux.Handle(path, server)
}
