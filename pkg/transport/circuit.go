// Package transport provides the framed bi-directional RPC layer between
// cluster nodes, plus per-endpoint circuit breaking.
//
// The breaker state machine (CLOSED/OPEN/HALF_OPEN) is grounded on
// zkoranges-go-claw/internal/engine/failover.go's CircuitBreaker and
// FailoverBrain: a per-endpoint failure counter trips the breaker after a
// threshold, the breaker self-resets to HALF_OPEN after a cooldown, and a
// run of successes in HALF_OPEN closes it again.
package transport

import (
	"sync"
	"time"

	"github.com/fenlake/swarmctl/pkg/clock"
)

// State is a circuit breaker's current posture toward an endpoint.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// DefaultFailureThreshold is the consecutive-failure count that trips a
// breaker from CLOSED to OPEN.
const DefaultFailureThreshold = 5

// DefaultRecoveryTimeout is how long a breaker stays OPEN before probing
// with a HALF_OPEN trial.
const DefaultRecoveryTimeout = 30 * time.Second

// DefaultHalfOpenSuccesses is the number of consecutive HALF_OPEN
// successes required to close the breaker again.
const DefaultHalfOpenSuccesses = 2

// breaker tracks one endpoint's health.
type breaker struct {
	mu sync.Mutex

	state            State
	consecutiveFails int
	halfOpenSuccess  int
	halfOpenInFlight bool
	openedAt         time.Time

	failureThreshold  int
	recoveryTimeout   time.Duration
	halfOpenSuccesses int
}

// Breakers is a registry of per-endpoint circuit breakers.
type Breakers struct {
	clock *clock.Clock

	mu       sync.Mutex
	perEndpt map[string]*breaker

	failureThreshold  int
	recoveryTimeout   time.Duration
	halfOpenSuccesses int
}

// BreakerOption configures a Breakers registry.
type BreakerOption func(*Breakers)

// WithFailureThreshold overrides DefaultFailureThreshold.
func WithFailureThreshold(n int) BreakerOption {
	return func(b *Breakers) { b.failureThreshold = n }
}

// WithRecoveryTimeout overrides DefaultRecoveryTimeout.
func WithRecoveryTimeout(d time.Duration) BreakerOption {
	return func(b *Breakers) { b.recoveryTimeout = d }
}

// WithHalfOpenSuccesses overrides DefaultHalfOpenSuccesses.
func WithHalfOpenSuccesses(n int) BreakerOption {
	return func(b *Breakers) { b.halfOpenSuccesses = n }
}

// NewBreakers constructs a registry of per-endpoint circuit breakers.
func NewBreakers(c *clock.Clock, opts ...BreakerOption) *Breakers {
	b := &Breakers{
		clock:             c,
		perEndpt:          make(map[string]*breaker),
		failureThreshold:  DefaultFailureThreshold,
		recoveryTimeout:   DefaultRecoveryTimeout,
		halfOpenSuccesses: DefaultHalfOpenSuccesses,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (bs *Breakers) get(endpoint string) *breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	br, ok := bs.perEndpt[endpoint]
	if !ok {
		br = &breaker{
			failureThreshold:  bs.failureThreshold,
			recoveryTimeout:   bs.recoveryTimeout,
			halfOpenSuccesses: bs.halfOpenSuccesses,
		}
		bs.perEndpt[endpoint] = br
	}
	return br
}

// Allow reports whether a call to endpoint may proceed, transitioning OPEN
// to HALF_OPEN once the recovery timeout has elapsed. While HALF_OPEN, only
// one probe is allowed in flight at a time; concurrent callers are refused
// until that probe's outcome is recorded.
func (bs *Breakers) Allow(endpoint string) bool {
	br := bs.get(endpoint)
	br.mu.Lock()
	defer br.mu.Unlock()

	switch br.state {
	case Closed:
		return true
	case HalfOpen:
		if br.halfOpenInFlight {
			return false
		}
		br.halfOpenInFlight = true
		return true
	case Open:
		if bs.clock.Now().Sub(br.openedAt) >= br.recoveryTimeout {
			br.state = HalfOpen
			br.halfOpenSuccess = 0
			br.halfOpenInFlight = true
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess registers a successful call, closing the breaker if it was
// HALF_OPEN and the success run has reached the threshold.
func (bs *Breakers) RecordSuccess(endpoint string) {
	br := bs.get(endpoint)
	br.mu.Lock()
	defer br.mu.Unlock()

	switch br.state {
	case HalfOpen:
		br.halfOpenInFlight = false
		br.halfOpenSuccess++
		if br.halfOpenSuccess >= br.halfOpenSuccesses {
			br.state = Closed
			br.consecutiveFails = 0
		}
	case Closed:
		br.consecutiveFails = 0
	}
}

// RecordFailure registers a failed call, tripping the breaker to OPEN from
// CLOSED once the failure threshold is reached, or immediately from
// HALF_OPEN (a single probe failure reopens it).
func (bs *Breakers) RecordFailure(endpoint string) {
	br := bs.get(endpoint)
	br.mu.Lock()
	defer br.mu.Unlock()

	switch br.state {
	case HalfOpen:
		br.state = Open
		br.halfOpenInFlight = false
		br.openedAt = bs.clock.Now()
	case Closed:
		br.consecutiveFails++
		if br.consecutiveFails >= br.failureThreshold {
			br.state = Open
			br.openedAt = bs.clock.Now()
		}
	}
}

// StateOf returns the current state of endpoint's breaker, for diagnostics.
func (bs *Breakers) StateOf(endpoint string) State {
	br := bs.get(endpoint)
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.state
}
