// Package rterr defines the runtime's error taxonomy as wrapped sentinel
// errors rather than ad hoc strings, so callers can branch on errors.Is
// instead of parsing messages.
package rterr

import "errors"

var (
	// ErrBusStopped is returned by dispatch once the bus has been stopped.
	ErrBusStopped = errors.New("event bus stopped")
	// ErrTimeout covers any operation that exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrPeerGone indicates the remote worker or agent is gone mid-request.
	ErrPeerGone = errors.New("peer gone")
	// ErrCircuitOpen is returned immediately when a breaker is OPEN.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrLockTimeout is returned when a lock acquisition deadline elapses.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrInvalidTransition guards the simulation state machine.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStaleFence rejects a write whose fence token has been superseded.
	ErrStaleFence = errors.New("stale fence token")
	// ErrUnknownAddressee names an event whose addressee is not registered.
	// The bus logs that case without returning this sentinel or counting it.
	ErrUnknownAddressee = errors.New("unknown addressee")
	// ErrNotLeader names a lock or directory call made on a node that does
	// not run the authority (only the master does); no code in this module
	// returns it.
	ErrNotLeader = errors.New("not the lock authority")
)

// Scope values used by structured ErrorEvent payloads surfaced to
// control-API collaborators.
type Scope string

const (
	ScopeAgent       Scope = "agent"
	ScopeEnvironment Scope = "environment"
	ScopeCluster     Scope = "cluster"
	ScopeLock        Scope = "lock"
)

// Structured is the payload carried by an ErrorEvent, never a stack trace.
type Structured struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Scope   Scope  `json:"scope"`
	Step    uint64 `json:"step"`
}
