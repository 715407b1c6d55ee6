// Package env implements the simulation environment driver: the lifecycle
// state machine, the shared hierarchical key-value state agents read and
// write through DataGet/DataSet, and the two dispatch modes (ROUND and
// TICK) that pace a simulation trail.
//
// The driver is the single authoritative owner of simulation state,
// guarding every transition through an explicit state machine rather
// than allowing ad hoc phase changes. Snapshots are written as
// newline-delimited JSON files rather than into a reopenable KV store,
// since they are meant to be read by external tooling.
package env

import (
	"fmt"
	"sync"

	"github.com/fenlake/swarmctl/pkg/rterr"
)

// Phase is the simulation lifecycle state.
type Phase string

const (
	PhaseInitialized Phase = "INITIALIZED"
	PhaseRunning     Phase = "RUNNING"
	PhasePaused      Phase = "PAUSED"
	PhaseCompleted   Phase = "COMPLETED"
	PhaseTerminated  Phase = "TERMINATED"
	PhaseError       Phase = "ERROR"
)

var validTransitions = map[Phase]map[Phase]bool{
	PhaseInitialized: {PhaseRunning: true, PhaseTerminated: true, PhaseError: true},
	PhaseRunning:     {PhasePaused: true, PhaseCompleted: true, PhaseTerminated: true, PhaseError: true},
	PhasePaused:      {PhaseRunning: true, PhaseTerminated: true, PhaseError: true},
	PhaseCompleted:   {},
	PhaseTerminated:  {},
	PhaseError:       {},
}

// FSM guards the simulation's lifecycle transitions.
type FSM struct {
	mu    sync.Mutex
	phase Phase
}

// NewFSM constructs an FSM in INITIALIZED.
func NewFSM() *FSM {
	return &FSM{phase: PhaseInitialized}
}

// Phase returns the current phase.
func (f *FSM) Phase() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

// Transition moves to next if legal, else returns ErrInvalidTransition.
func (f *FSM) Transition(next Phase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !validTransitions[f.phase][next] {
		return fmt.Errorf("%w: %s -> %s", rterr.ErrInvalidTransition, f.phase, next)
	}
	f.phase = next
	return nil
}

// HierKey addresses a value in the shared hierarchical store: a kind
// (e.g. "env", "agent_type:forager", "agent:a1") and a key within it.
type HierKey struct {
	Kind string
	Key  string
}

// Store is the shared hierarchical key-value state exposed to agents via
// DataGet/DataSet. Get reads exactly one kind and does not fall back; the
// fallback to "env" for an unset key is done by Driver.HandleDataGet.
type Store struct {
	mu   sync.RWMutex
	data map[HierKey][]byte
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{data: make(map[HierKey][]byte)}
}

// Get returns the raw JSON value at (kind, key), or ok=false if unset.
func (s *Store) Get(kind, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[HierKey{Kind: kind, Key: key}]
	return v, ok
}

// Set stores a raw JSON value at (kind, key).
func (s *Store) Set(kind, key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[HierKey{Kind: kind, Key: key}] = cp
}

// Snapshot returns every (kind, key) -> value pair currently stored,
// grouped by kind, for persistence.
func (s *Store) Snapshot() map[string]map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string][]byte)
	for hk, v := range s.data {
		m, ok := out[hk.Kind]
		if !ok {
			m = make(map[string][]byte)
			out[hk.Kind] = m
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		m[hk.Key] = cp
	}
	return out
}
