// Package lock implements the per-key leased lock service: a single-node
// keyed-mutex mode, and a distributed mode where one authority (the
// master) grants leases with monotonic fencing tokens.
//
// When a bbolt database is supplied, lease state is stored in a single
// "locks" bucket keyed by lock key.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fenlake/swarmctl/pkg/clock"
	"github.com/fenlake/swarmctl/pkg/log"
	"github.com/fenlake/swarmctl/pkg/rterr"
)

// Record is the durable state of a single key's lease.
type Record struct {
	Key            string    `json:"key"`
	HolderNodeID   string    `json:"holder_node_id"`
	LeaseDeadline  time.Time `json:"lease_deadline"`
	FenceToken     uint64    `json:"fence_token"`
}

// waiter is a goroutine blocked in Acquire, parked in the per-key queue.
type waiter struct {
	requesterID string
	leaseTTL    time.Duration
	grant       chan Grant
}

// Grant is returned to a caller once it holds the lease.
type Grant struct {
	Key        string
	FenceToken uint64
	Deadline   time.Time
}

// Authority is the single source of truth for lock state. In single-node
// deployments it runs in-process; in distributed deployments only the
// master runs one, and workers reach it over pkg/transport (see
// pkg/cluster for the RPC wiring).
type Authority struct {
	clock *clock.Clock

	mu      sync.Mutex
	records map[string]*Record
	queues  map[string][]*waiter

	db     *bolt.DB
	bucket []byte
}

var bucketLocks = []byte("locks")

// NewAuthority creates a lock authority. If db is non-nil, lease state is
// persisted there (durable across master restarts); otherwise it is
// in-memory only, appropriate for single-node mode.
func NewAuthority(c *clock.Clock, db *bolt.DB) (*Authority, error) {
	a := &Authority{
		clock:   c,
		records: make(map[string]*Record),
		queues:  make(map[string][]*waiter),
		db:      db,
		bucket:  bucketLocks,
	}
	if db != nil {
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketLocks)
			return err
		}); err != nil {
			return nil, fmt.Errorf("lock: failed to create bucket: %w", err)
		}
		if err := a.loadAll(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Authority) loadAll() error {
	return a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(a.bucket)
		return b.ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			a.records[string(k)] = &r
			return nil
		})
	})
}

func (a *Authority) persist(r *Record) {
	if a.db == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(a.bucket).Put([]byte(r.Key), data)
	}); err != nil {
		log.WithComponent("lock").Error().Err(err).Str("key", r.Key).Msg("failed to persist lease")
	}
}

// Acquire blocks the caller until it is granted the lease for key, timeout
// elapses (ErrLockTimeout), or ctx is canceled. leaseTTL bounds how long
// the grant is valid before it must be renewed or released.
func (a *Authority) Acquire(ctx context.Context, key, requesterID string, leaseTTL, timeout time.Duration) (Grant, error) {
	a.mu.Lock()
	rec, exists := a.records[key]
	now := a.clock.Now()

	if !exists || now.After(rec.LeaseDeadline) {
		// Free, or the previous lease expired: grant immediately.
		token := uint64(1)
		if exists {
			token = rec.FenceToken + 1
		}
		rec = &Record{
			Key:           key,
			HolderNodeID:  requesterID,
			LeaseDeadline: now.Add(leaseTTL),
			FenceToken:    token,
		}
		a.records[key] = rec
		a.mu.Unlock()
		a.persist(rec)
		return Grant{Key: key, FenceToken: rec.FenceToken, Deadline: rec.LeaseDeadline}, nil
	}

	w := &waiter{requesterID: requesterID, leaseTTL: leaseTTL, grant: make(chan Grant, 1)}
	a.queues[key] = append(a.queues[key], w)
	a.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case g := <-w.grant:
		return g, nil
	case <-timer.C:
		a.removeWaiter(key, w)
		return Grant{}, rterr.ErrLockTimeout
	case <-ctx.Done():
		a.removeWaiter(key, w)
		return Grant{}, ctx.Err()
	}
}

func (a *Authority) removeWaiter(key string, target *waiter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := a.queues[key]
	for i, w := range q {
		if w == target {
			a.queues[key] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// Release releases the lease on key if held by requesterID with the given
// fence token. Idempotent and safe to call after a crash (an unreleased
// lease simply expires). The next queued waiter, if any, is granted
// immediately.
func (a *Authority) Release(key, requesterID string, fenceToken uint64) error {
	a.mu.Lock()
	rec, exists := a.records[key]
	if !exists || rec.HolderNodeID != requesterID || rec.FenceToken != fenceToken {
		a.mu.Unlock()
		return nil // idempotent: already released, expired, or stale caller
	}

	q := a.queues[key]
	if len(q) == 0 {
		// Keep the record as a tombstone rather than deleting it: its
		// FenceToken is the high-water mark a resurrected stale holder must
		// not be able to undercut by presenting an old token once the key
		// is briefly unheld. HolderNodeID is cleared so Acquire's
		// "free, or previous lease expired" check still grants immediately.
		rec.HolderNodeID = ""
		rec.LeaseDeadline = time.Time{}
		a.mu.Unlock()
		a.persist(rec)
		return nil
	}

	next := q[0]
	a.queues[key] = q[1:]
	newRec := &Record{
		Key:           key,
		HolderNodeID:  next.requesterID,
		LeaseDeadline: a.clock.Now().Add(next.leaseTTL),
		FenceToken:    rec.FenceToken + 1,
	}
	a.records[key] = newRec
	a.mu.Unlock()

	a.persist(newRec)
	next.grant <- Grant{Key: key, FenceToken: newRec.FenceToken, Deadline: newRec.LeaseDeadline}
	return nil
}

// Renew extends the lease deadline for the current holder. Returns
// ErrStaleFence if fenceToken does not match the current holder's token.
func (a *Authority) Renew(key, requesterID string, fenceToken uint64, leaseTTL time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, exists := a.records[key]
	if !exists || rec.HolderNodeID != requesterID || rec.FenceToken != fenceToken {
		return rterr.ErrStaleFence
	}
	rec.LeaseDeadline = a.clock.Now().Add(leaseTTL)
	a.persist(rec)
	return nil
}

// CheckFence reports whether token is still valid (>= the last observed
// token) for key, letting the authoritative store reject writes from
// resurrected stale holders.
func (a *Authority) CheckFence(key string, token uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, exists := a.records[key]
	if !exists {
		return true // no lock ever taken on this key
	}
	return token >= rec.FenceToken
}

// NewLocal builds the single-node keyed-mutex mode: an Authority with an
// in-memory store and no persistence, since a single process has nothing
// to recover from after a crash.
func NewLocal(c *clock.Clock) *Authority {
	a, err := NewAuthority(c, nil)
	if err != nil {
		panic(err) // NewAuthority(nil db) never errors
	}
	return a
}

// ErrAuthorityUnavailable names the case where the distributed lock
// authority (the master) cannot be reached; no code in this module returns
// it.
var ErrAuthorityUnavailable = errors.New("lock authority unavailable")
