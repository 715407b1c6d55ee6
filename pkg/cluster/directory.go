// Package cluster implements the master-worker control plane: worker
// registration, heartbeat monitoring, the agent-location directory, and
// the allocation algorithm that assigns agents to workers.
//
// The directory is the single authoritative owner of worker and agent
// location state; heartbeats reset a worker to ALIVE and a periodic
// sweep ages stale workers through SUSPECT to DEAD.
package cluster

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fenlake/swarmctl/pkg/clock"
)

// WorkerStatus is a worker's liveness state as tracked by the Directory.
type WorkerStatus string

const (
	WorkerAlive    WorkerStatus = "ALIVE"
	WorkerSuspect  WorkerStatus = "SUSPECT"
	WorkerDead     WorkerStatus = "DEAD"
)

// DefaultHeartbeatInterval is how often a worker pings the master.
const DefaultHeartbeatInterval = 5 * time.Second

// DefaultSuspectMultiple and DefaultDeadMultiple scale the heartbeat
// interval into SUSPECT/DEAD thresholds: SUSPECT at 2x, DEAD at 5x, or an
// explicit worker_timeout override.
const (
	DefaultSuspectMultiple = 2
	DefaultDeadMultiple    = 5
)

// AgentSpec names one agent in the cluster's roster: its id and the agent
// type a hosting worker should instantiate for it.
type AgentSpec struct {
	ID   string `yaml:"id" json:"id"`
	Type string `yaml:"type" json:"type"`
}

// WorkerInfo is the master's view of one registered worker.
type WorkerInfo struct {
	WorkerID      string
	Endpoint      string
	Status        WorkerStatus
	LastHeartbeat time.Time
	Agents        map[string]string // agent id -> agent type
}

// Directory is the master's authoritative map of agent_id -> worker_id,
// plus the worker roster driving heartbeat-based liveness.
type Directory struct {
	clock *clock.Clock

	mu      sync.RWMutex
	workers map[string]*WorkerInfo
	agents  map[string]string // agent id -> worker id

	heartbeatInterval time.Duration
	workerTimeout     time.Duration // explicit override; 0 means use multiples
}

// DirOption configures a Directory.
type DirOption func(*Directory)

// WithHeartbeatInterval overrides DefaultHeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) DirOption {
	return func(dir *Directory) { dir.heartbeatInterval = d }
}

// WithWorkerTimeout sets an explicit DEAD threshold, overriding the
// heartbeat-interval multiple.
func WithWorkerTimeout(d time.Duration) DirOption {
	return func(dir *Directory) { dir.workerTimeout = d }
}

// NewDirectory constructs an empty Directory.
func NewDirectory(c *clock.Clock, opts ...DirOption) *Directory {
	d := &Directory{
		clock:             c,
		workers:           make(map[string]*WorkerInfo),
		agents:            make(map[string]string),
		heartbeatInterval: DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterWorker adds a worker to the roster in ALIVE status.
func (d *Directory) RegisterWorker(workerID, endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers[workerID] = &WorkerInfo{
		WorkerID:      workerID,
		Endpoint:      endpoint,
		Status:        WorkerAlive,
		LastHeartbeat: d.clock.Now(),
		Agents:        make(map[string]string),
	}
}

// Heartbeat records a liveness ping from workerID, resetting it to ALIVE
// regardless of its prior SUSPECT status.
func (d *Directory) Heartbeat(workerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.workers[workerID]
	if !ok {
		return false
	}
	w.LastHeartbeat = d.clock.Now()
	w.Status = WorkerAlive
	return true
}

func (d *Directory) deadThreshold() time.Duration {
	if d.workerTimeout > 0 {
		return d.workerTimeout
	}
	return d.heartbeatInterval * DefaultDeadMultiple
}

func (d *Directory) suspectThreshold() time.Duration {
	return d.heartbeatInterval * DefaultSuspectMultiple
}

// SweepLiveness transitions workers to SUSPECT or DEAD based on how long
// it has been since their last heartbeat. Agents assigned to a worker that
// transitions to DEAD are purged from the directory and returned so the
// caller can trigger reallocation.
func (d *Directory) SweepLiveness() (newlyDead []string, orphanedAgents []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	for id, w := range d.workers {
		if w.Status == WorkerDead {
			continue
		}
		since := now.Sub(w.LastHeartbeat)
		switch {
		case since >= d.deadThreshold():
			w.Status = WorkerDead
			newlyDead = append(newlyDead, id)
			for agentID := range w.Agents {
				delete(d.agents, agentID)
				orphanedAgents = append(orphanedAgents, agentID)
			}
			w.Agents = make(map[string]string)
		case since >= d.suspectThreshold():
			w.Status = WorkerSuspect
		}
	}
	return newlyDead, orphanedAgents
}

// AssignAgent records that agentID (of the given agentType) is hosted on
// workerID.
func (d *Directory) AssignAgent(agentID, agentType, workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.workers[workerID]
	if !ok {
		return
	}
	if prev, had := d.agents[agentID]; had {
		if prevW, ok := d.workers[prev]; ok {
			delete(prevW.Agents, agentID)
		}
	}
	d.agents[agentID] = workerID
	w.Agents[agentID] = agentType
}

// AgentsForWorker returns the roster of agents currently assigned to
// workerID, used to answer a worker's assignment-poll RPC.
func (d *Directory) AgentsForWorker(workerID string) []AgentSpec {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.workers[workerID]
	if !ok {
		return nil
	}
	out := make([]AgentSpec, 0, len(w.Agents))
	for id, typ := range w.Agents {
		out = append(out, AgentSpec{ID: id, Type: typ})
	}
	return out
}

// Locate returns the worker endpoint hosting agentID.
func (d *Directory) Locate(agentID string) (endpoint string, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	workerID, ok := d.agents[agentID]
	if !ok {
		return "", false
	}
	w, ok := d.workers[workerID]
	if !ok {
		return "", false
	}
	return w.Endpoint, true
}

// AliveWorkers returns a snapshot of every non-DEAD worker.
func (d *Directory) AliveWorkers() []*WorkerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*WorkerInfo, 0, len(d.workers))
	for _, w := range d.workers {
		if w.Status != WorkerDead {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out
}

// RouteCache is a worker-local, versioned read cache in front of
// directory lookups served by the master, avoiding a round trip for
// every locally-unresolvable addressee. Bounded via golang-lru.
type RouteCache struct {
	cache *lru.Cache[string, cachedRoute]
}

type cachedRoute struct {
	endpoint string
	version  uint64
}

// NewRouteCache constructs a bounded LRU route cache of the given size.
func NewRouteCache(size int) *RouteCache {
	c, err := lru.New[string, cachedRoute](size)
	if err != nil {
		panic(err) // size <= 0, caller error
	}
	return &RouteCache{cache: c}
}

// Get returns a cached route if present.
func (rc *RouteCache) Get(agentID string) (endpoint string, ok bool) {
	v, ok := rc.cache.Get(agentID)
	if !ok {
		return "", false
	}
	return v.endpoint, true
}

// Put records a freshly-resolved route, stamped with a version so a
// concurrent directory update for the same agent can supersede it.
func (rc *RouteCache) Put(agentID, endpoint string, version uint64) {
	if existing, ok := rc.cache.Get(agentID); ok && existing.version > version {
		return
	}
	rc.cache.Add(agentID, cachedRoute{endpoint: endpoint, version: version})
}

// Invalidate drops a cached route; Worker.Forward calls it after any
// failed call to the cached endpoint.
func (rc *RouteCache) Invalidate(agentID string) {
	rc.cache.Remove(agentID)
}
