// Package bus implements the event bus: the central dispatcher that
// delivers events between agents and the environment, correlates
// request/response pairs, and tracks event flows for later export.
//
// Delivery fans out over buffered per-subscriber channels, generalized
// from plain broadcast to addressed point-to-point delivery plus
// request/response correlation.
package bus

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/fenlake/swarmctl/pkg/clock"
	"github.com/fenlake/swarmctl/pkg/event"
	"github.com/fenlake/swarmctl/pkg/log"
	"github.com/fenlake/swarmctl/pkg/registry"
	"github.com/fenlake/swarmctl/pkg/rterr"
)

// DefaultPushDeadline bounds how long the drain loop blocks trying to
// deliver a single event before applying the drop policy.
const DefaultPushDeadline = 2 * time.Second

// DefaultSweepInterval is how often pending requests are checked for
// timeout.
const DefaultSweepInterval = 500 * time.Millisecond

// DefaultQueueCapacity bounds how many dispatched events may be enqueued
// ahead of the drain loop before Dispatch applies its own drop policy.
const DefaultQueueCapacity = 4096

// FlowRecord is one edge in the exported causal flow graph: event id,
// its parent, and the wall time it was dispatched.
type FlowRecord struct {
	EventID       string    `json:"event_id"`
	ParentEventID string    `json:"parent_event_id,omitempty"`
	Kind          string    `json:"event_kind"`
	FromID        string    `json:"from_id"`
	ToID          string    `json:"to_id"`
	DispatchedAt  time.Time `json:"dispatched_at"`
}

// pendingRequest tracks an in-flight request() call awaiting its
// correlated response.
type pendingRequest struct {
	reply   chan *event.Event
	expires time.Time
}

// queuedEvent is one entry in the bus's internal delivery queue. handles is
// non-nil only for an ALL-addressed event: the recipient snapshot is taken
// at enqueue time so a broadcast's recipient list stays fixed even though
// the push itself happens later, off the caller's goroutine.
type queuedEvent struct {
	ev      *event.Event
	handles []*registry.Handle
}

// Bus is the runtime's central event dispatcher.
type Bus struct {
	clock    *clock.Clock
	registry *registry.Registry

	pushDeadline time.Duration

	mu      sync.Mutex
	running bool
	paused  bool

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	flowMu sync.Mutex
	flows  []FlowRecord

	sf singleflight.Group

	// envHandler delivers events addressed to event.Env (the environment
	// driver), which has no registry.Handle since it is not an agent.
	envHandler func(*event.Event)

	// forwarder is consulted when an addressee is not locally registered,
	// letting a cluster-aware bus relay the event to whichever node does
	// host it instead of logging it as unknown. Nil in single-node mode.
	forwarder Forwarder

	// broadcastForwarder relays a locally-originated ALL event to other
	// nodes after local delivery completes. Nil in single-node mode.
	broadcastForwarder BroadcastForwarder

	// queue separates Dispatch (enqueue) from actual delivery, which the
	// drain loop started by Run performs. This is what keeps Dispatch
	// non-blocking for a handler emitting from its own processing
	// goroutine.
	queue chan queuedEvent

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Forwarder relays an event to whichever node hosts e.ToID when the local
// registry does not. ok reports whether a remote host was found and the
// relay was attempted; when ok is false the bus logs the addressee as
// unknown, same as single-node mode.
type Forwarder func(ctx context.Context, e *event.Event) (ok bool, err error)

// BroadcastForwarder relays a locally-originated ALL event to the rest of
// the cluster after local delivery has completed.
type BroadcastForwarder func(ctx context.Context, e *event.Event)

// Option configures a Bus.
type Option func(*Bus)

// WithPushDeadline overrides DefaultPushDeadline.
func WithPushDeadline(d time.Duration) Option {
	return func(b *Bus) { b.pushDeadline = d }
}

// WithEnvHandler registers the callback invoked for events addressed to
// event.Env.
func WithEnvHandler(h func(*event.Event)) Option {
	return func(b *Bus) { b.envHandler = h }
}

// WithForwarder wires a cluster-aware fallback for addressees the local
// registry doesn't know about.
func WithForwarder(f Forwarder) Option {
	return func(b *Bus) { b.forwarder = f }
}

// WithBroadcastForwarder wires cross-node relay for locally-originated
// ALL events.
func WithBroadcastForwarder(f BroadcastForwarder) Option {
	return func(b *Bus) { b.broadcastForwarder = f }
}

// New constructs a Bus bound to a registry.
func New(c *clock.Clock, reg *registry.Registry, opts ...Option) *Bus {
	b := &Bus{
		clock:        c,
		registry:     reg,
		pushDeadline: DefaultPushDeadline,
		pending:      make(map[string]*pendingRequest),
		queue:        make(chan queuedEvent, DefaultQueueCapacity),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run starts the bus's drain loop and background sweep loop. Call once
// before Dispatch.
func (b *Bus) Run() {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := b.clock.NewTicker(DefaultSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case qe := <-b.queue:
				b.deliver(qe)
			case <-ticker.Chan():
				b.sweepTimeouts()
			}
		}
	}()
}

// Stop halts the bus permanently; subsequent Dispatch calls return
// ErrBusStopped.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()
	close(b.stopCh)
	b.wg.Wait()
}

// Pause suspends delivery: Dispatch still records flows but does not push
// into agent inboxes until Resume. In-flight round bookkeeping is frozen
// rather than discarded.
func (b *Bus) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

// Resume lifts a prior Pause.
func (b *Bus) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
}

func (b *Bus) isRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Bus) isPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// Dispatch enqueues e for delivery and returns without blocking on any
// addressee's inbox: the drain loop started by Run performs the actual
// push, so a handler calling Dispatch from its own processing goroutine
// never stalls behind a peer's full inbox. The only synchronous failure
// mode is the bus not running; everything else (unknown addressee, a
// saturated inbox) is logged by the drain loop instead of returned here.
func (b *Bus) Dispatch(e *event.Event) error {
	if !b.isRunning() {
		return rterr.ErrBusStopped
	}

	b.recordFlow(e)

	qe := queuedEvent{ev: e}
	if e.ToID == event.All {
		// Snapshot the recipient list now, at enqueue time, so an agent
		// that registers while this broadcast sits in the queue does not
		// receive it.
		qe.handles = b.registry.All()
	}

	select {
	case b.queue <- qe:
		return nil
	default:
	}

	if event.IsResponse(e.EventKind) {
		// Responses are not dropped on a momentarily saturated queue:
		// retry the enqueue in the background rather than blocking the
		// caller; past pushDeadline the response is dropped and logged.
		go func() {
			select {
			case b.queue <- qe:
			case <-time.After(b.pushDeadline):
				log.WithComponent("bus").Error().Str("event_id", e.EventID).Msg("response dropped: queue saturated past push deadline")
			case <-b.stopCh:
			}
		}()
		return nil
	}

	log.WithComponent("bus").Warn().Str("event_id", e.EventID).Str("to_id", e.ToID).Msg("event dropped: bus queue full")
	return nil
}

// deliver runs on the drain loop: it is where a response kind completes a
// pending request, where a pause holds delivery, and where ALL/ENV/
// addressed events are actually routed.
func (b *Bus) deliver(qe queuedEvent) {
	e := qe.ev

	if event.IsResponse(e.EventKind) {
		if b.completeIfPending(e) {
			return
		}
		// Fall through: an unsolicited response-kind event still gets
		// delivered to its addressee's response channel, e.g. a late
		// reply after the requester already timed out.
	}

	for b.isPaused() {
		// Hold this event, and everything queued behind it, until Resume.
		select {
		case <-b.stopCh:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}

	switch e.ToID {
	case event.Env:
		if b.envHandler != nil {
			b.envHandler(e)
		}
	case event.All:
		b.broadcast(e, qe.handles)
	default:
		b.deliverOne(e)
	}
}

func (b *Bus) deliverOne(e *event.Event) {
	h, ok := b.registry.Get(e.ToID)
	if ok {
		h.Push(e, b.pushDeadline)
		return
	}
	if b.forwarder != nil {
		forwarded, err := b.forwarder(context.Background(), e)
		if err != nil {
			log.WithComponent("bus").Warn().Err(err).Str("to_id", e.ToID).Str("event_id", e.EventID).Msg("forward failed")
			return
		}
		if forwarded {
			return
		}
	}
	log.WithComponent("bus").Warn().Str("to_id", e.ToID).Str("event_id", e.EventID).Msg("unknown addressee")
}

// broadcast fans e out to handles, the registry snapshot Dispatch took
// when e was enqueued, then relays to the rest of the cluster if this bus
// is cluster-aware.
func (b *Bus) broadcast(e *event.Event, handles []*registry.Handle) {
	g, _ := errgroup.WithContext(context.Background())
	for _, h := range handles {
		h := h
		g.Go(func() error {
			h.Push(e, b.pushDeadline)
			return nil
		})
	}
	_ = g.Wait()
	if b.broadcastForwarder != nil {
		b.broadcastForwarder(context.Background(), e)
	}
}

// Request dispatches e and blocks until a correlated response event
// arrives or timeout elapses.
func (b *Bus) Request(ctx context.Context, e *event.Event, timeout time.Duration) (*event.Event, error) {
	pr := &pendingRequest{
		reply:   make(chan *event.Event, 1),
		expires: b.clock.Now().Add(timeout),
	}
	b.pendingMu.Lock()
	b.pending[e.EventID] = pr
	b.pendingMu.Unlock()

	if err := b.Dispatch(e); err != nil {
		b.pendingMu.Lock()
		delete(b.pending, e.EventID)
		b.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-pr.reply:
		return resp, nil
	case <-ctx.Done():
		b.pendingMu.Lock()
		delete(b.pending, e.EventID)
		b.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-time.After(timeout):
		b.pendingMu.Lock()
		delete(b.pending, e.EventID)
		b.pendingMu.Unlock()
		return nil, rterr.ErrTimeout
	}
}

// RequestDeduped coalesces concurrent identical DataGet requests sharing
// dedupeKey into a single in-flight Request call, avoiding redundant
// fan-out reads.
func (b *Bus) RequestDeduped(ctx context.Context, dedupeKey string, e *event.Event, timeout time.Duration) (*event.Event, error) {
	v, err, _ := b.sf.Do(dedupeKey, func() (any, error) {
		return b.Request(ctx, e, timeout)
	})
	if err != nil {
		return nil, err
	}
	return v.(*event.Event), nil
}

// completeIfPending resolves a pending Request by parent_event_id,
// matching the response to the original request event it correlates to.
func (b *Bus) completeIfPending(e *event.Event) bool {
	if e.ParentEventID == "" {
		return false
	}
	b.pendingMu.Lock()
	pr, ok := b.pending[e.ParentEventID]
	if ok {
		delete(b.pending, e.ParentEventID)
	}
	b.pendingMu.Unlock()
	if !ok {
		return false
	}
	pr.reply <- e
	return true
}

func (b *Bus) sweepTimeouts() {
	now := b.clock.Now()
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for id, pr := range b.pending {
		if now.After(pr.expires) {
			delete(b.pending, id)
			// The blocked Request call's own time.After will also fire;
			// this sweep exists so abandoned (uncollected) requests don't
			// leak in the pending map forever.
		}
	}
}

func (b *Bus) recordFlow(e *event.Event) {
	b.flowMu.Lock()
	defer b.flowMu.Unlock()
	b.flows = append(b.flows, FlowRecord{
		EventID:       e.EventID,
		ParentEventID: e.ParentEventID,
		Kind:          string(e.EventKind),
		FromID:        e.FromID,
		ToID:          e.ToID,
		DispatchedAt:  b.clock.Now(),
	})
}

// ExportFlows returns a snapshot of every recorded flow record, intended
// to be serialized to event_flows.json by the environment driver.
func (b *Bus) ExportFlows() []FlowRecord {
	b.flowMu.Lock()
	defer b.flowMu.Unlock()
	out := make([]FlowRecord, len(b.flows))
	copy(out, b.flows)
	return out
}

// RegisterAgent adds h to the registry so it becomes addressable and
// eligible for broadcasts.
func (b *Bus) RegisterAgent(h *registry.Handle) bool {
	return b.registry.Register(h)
}

// UnregisterAgent removes agentID from the registry.
func (b *Bus) UnregisterAgent(agentID string) {
	b.registry.Unregister(agentID)
}

// AgentIDs returns a snapshot of every currently registered agent id.
func (b *Bus) AgentIDs() []string {
	handles := b.registry.All()
	ids := make([]string, 0, len(handles))
	for _, h := range handles {
		ids = append(ids, h.AgentID)
	}
	return ids
}
