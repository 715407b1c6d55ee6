// Package registry holds the process-local mapping of agent identity to
// agent handle: a bounded inbox, a separate response channel of the same
// capacity, and a sliding-window error budget per agent.
package registry

import (
	"sync"
	"time"

	"github.com/fenlake/swarmctl/pkg/event"
	"github.com/fenlake/swarmctl/pkg/log"
)

// DefaultInboxCapacity is the bound on a single agent's inbox.
const DefaultInboxCapacity = 256

// DefaultMaxAgentErrors is the error budget before an agent is forcibly
// stopped.
const DefaultMaxAgentErrors = 10

// DefaultErrorWindow bounds the sliding window over which errors are
// counted toward the budget.
const DefaultErrorWindow = 60 * time.Second

// Handle is the local representation of a running agent: its bounded
// inbox, a side channel for response events, and error accounting.
type Handle struct {
	AgentID   string
	AgentType string

	inbox     chan *event.Event
	responses chan *event.Event
	stopped   bool

	mu        sync.Mutex
	errTimes  []time.Time
	errBudget int
	errWindow time.Duration
}

// Option configures a Handle at construction.
type Option func(*Handle)

// WithInboxCapacity overrides DefaultInboxCapacity.
func WithInboxCapacity(n int) Option {
	return func(h *Handle) { h.inbox = make(chan *event.Event, n) }
}

// WithErrorBudget overrides the default max-errors/window policy.
func WithErrorBudget(max int, window time.Duration) Option {
	return func(h *Handle) {
		h.errBudget = max
		h.errWindow = window
	}
}

// NewHandle constructs an agent handle with a bounded inbox.
func NewHandle(agentID, agentType string, opts ...Option) *Handle {
	h := &Handle{
		AgentID:   agentID,
		AgentType: agentType,
		inbox:     make(chan *event.Event, DefaultInboxCapacity),
		responses: make(chan *event.Event, DefaultInboxCapacity),
		errBudget: DefaultMaxAgentErrors,
		errWindow: DefaultErrorWindow,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Inbox exposes the receive side of the agent's non-response inbox.
func (h *Handle) Inbox() <-chan *event.Event { return h.inbox }

// Responses exposes the receive side of the agent's response channel.
func (h *Handle) Responses() <-chan *event.Event { return h.responses }

// Push delivers e, honoring the bus's drop policy: response events go to
// the response channel (sized to match the inbox) and block up to
// deadline, after which the response is dropped and logged as an error;
// the channel is not resized. Non-response events block up to deadline,
// then the newest is dropped in favor of keeping the inbox draining.
func (h *Handle) Push(e *event.Event, deadline time.Duration) (delivered bool) {
	if event.IsResponse(e.EventKind) {
		select {
		case h.responses <- e:
			return true
		case <-time.After(deadline):
			log.WithComponent("registry").Error().
				Str("agent_id", h.AgentID).Str("event_id", e.EventID).
				Msg("response event dropped: receiver channel saturated")
			return false
		}
	}

	select {
	case h.inbox <- e:
		return true
	case <-time.After(deadline):
		log.WithComponent("registry").Warn().
			Str("agent_id", h.AgentID).Str("event_id", e.EventID).
			Msg("inbox full, dropping newest non-response event")
		return false
	}
}

// Stopped reports whether Stop has been called.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Stop marks the handle stopped; idempotent.
func (h *Handle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
}

// RecordError records a handler failure and reports whether the agent has
// now exceeded its error budget within the sliding window.
func (h *Handle) RecordError(now time.Time) (exceeded bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := now.Add(-h.errWindow)
	kept := h.errTimes[:0]
	for _, t := range h.errTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	h.errTimes = kept

	return len(h.errTimes) > h.errBudget
}

// Registry is the process-local id -> Handle map. Read-mostly; updates
// take a short write lock.
type Registry struct {
	mu       sync.RWMutex
	handles  map[string]*Handle
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register adds a handle. Returns false if the id is already registered.
func (r *Registry) Register(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[h.AgentID]; exists {
		return false
	}
	r.handles[h.AgentID] = h
	return true
}

// Unregister removes a handle. Registering then unregistering the same id
// leaves the registry unchanged.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, agentID)
}

// Get returns the handle for agentID, if registered.
func (r *Registry) Get(agentID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[agentID]
	return h, ok
}

// All returns a snapshot of every registered handle.
func (r *Registry) All() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
