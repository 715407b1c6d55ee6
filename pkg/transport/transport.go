package transport

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/fenlake/swarmctl/pkg/event"
	"github.com/fenlake/swarmctl/pkg/log"
	"github.com/fenlake/swarmctl/pkg/rterr"
)

// Envelope is the length-prefixed wire frame a Conn exchanges: gorilla's
// websocket library already frames messages, so the envelope only needs
// to carry the logical request id used to correlate asynchronous replies.
type Envelope struct {
	RequestID string       `json:"request_id"`
	Event     *event.Event `json:"event"`
}

// Handler processes an inbound Envelope and optionally returns a reply
// envelope to send back on the same connection. When it returns a nil
// reply, the Server answers with an envelope carrying only the request id,
// so the caller's Conn.Call still returns.
type Handler func(ctx context.Context, in *Envelope) (*Envelope, error)

// Conn wraps one framed websocket connection to a peer endpoint.
type Conn struct {
	endpoint string
	ws       *websocket.Conn
	mu       sync.Mutex // guards concurrent writes; gorilla requires single-writer

	pending   map[string]chan *Envelope
	pendingMu sync.Mutex
}

func newConn(endpoint string, ws *websocket.Conn) *Conn {
	c := &Conn{
		endpoint: endpoint,
		ws:       ws,
		pending:  make(map[string]chan *Envelope),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			c.failPending(err)
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[env.RequestID]
		if ok {
			delete(c.pending, env.RequestID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- &env
		}
	}
}

func (c *Conn) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	log.WithComponent("transport").Warn().Str("endpoint", c.endpoint).Err(err).Msg("connection read loop ended")
}

// Call sends env and blocks for the correlated reply, honoring ctx's
// deadline.
func (c *Conn) Call(ctx context.Context, env *Envelope) (*Envelope, error) {
	replyCh := make(chan *Envelope, 1)
	c.pendingMu.Lock()
	c.pending[env.RequestID] = replyCh
	c.pendingMu.Unlock()

	c.mu.Lock()
	err := c.ws.WriteJSON(env)
	c.mu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, env.RequestID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("transport: write failed: %w", err)
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, rterr.ErrPeerGone
		}
		return reply, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, env.RequestID)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// Close closes the underlying websocket connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Pool is a connection pool keyed by endpoint, with a circuit
// breaker guarding each endpoint and exponential backoff on connect
// retries.
type Pool struct {
	breakers *Breakers
	dialer   *websocket.Dialer

	mu    sync.RWMutex
	conns map[string]*Conn

	shards uint32
}

// NewPool constructs a connection pool. shards is the modulus Shard uses
// to map an endpoint to a lane (hash(endpoint) mod N). Dial, Call and Drop
// do not use the lane: all connections sit in one map under one lock, and
// backoff and circuit state are kept per endpoint.
func NewPool(breakers *Breakers, shards uint32) *Pool {
	if shards == 0 {
		shards = 1
	}
	return &Pool{
		breakers: breakers,
		dialer:   websocket.DefaultDialer,
		conns:    make(map[string]*Conn),
		shards:   shards,
	}
}

// Shard returns which shard lane endpoint falls into.
func (p *Pool) Shard(endpoint string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(endpoint))
	return h.Sum32() % p.shards
}

// Dial establishes (or reuses) a framed connection to endpoint, retrying
// with exponential backoff while the circuit for endpoint remains closed.
func (p *Pool) Dial(ctx context.Context, endpoint string, header http.Header) (*Conn, error) {
	p.mu.RLock()
	if c, ok := p.conns[endpoint]; ok {
		p.mu.RUnlock()
		return c, nil
	}
	p.mu.RUnlock()

	if !p.breakers.Allow(endpoint) {
		return nil, rterr.ErrCircuitOpen
	}

	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	var conn *Conn
	op := func() error {
		ws, _, err := p.dialer.DialContext(ctx, endpoint, header)
		if err != nil {
			p.breakers.RecordFailure(endpoint)
			if p.breakers.StateOf(endpoint) == Open {
				return backoff.Permanent(err)
			}
			return err
		}
		p.breakers.RecordSuccess(endpoint)
		conn = newConn(endpoint, ws)
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}

	p.mu.Lock()
	p.conns[endpoint] = conn
	p.mu.Unlock()
	return conn, nil
}

// Drop removes and closes a connection; Call uses it after a failed round
// trip.
func (p *Pool) Drop(endpoint string) {
	p.mu.Lock()
	c, ok := p.conns[endpoint]
	if ok {
		delete(p.conns, endpoint)
	}
	p.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// Call dials (if needed) and performs one request/response round trip
// against endpoint, recording the outcome against that endpoint's circuit
// breaker.
func (p *Pool) Call(ctx context.Context, endpoint string, env *Envelope) (*Envelope, error) {
	conn, err := p.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	reply, err := conn.Call(ctx, env)
	if err != nil {
		p.breakers.RecordFailure(endpoint)
		p.Drop(endpoint)
		return nil, err
	}
	p.breakers.RecordSuccess(endpoint)
	return reply, nil
}

// Server accepts inbound framed connections over plain upgraded HTTP and
// dispatches them to a Handler. Cluster nodes are assumed to run on a
// trusted network segment; nothing here mandates transport encryption.
type Server struct {
	upgrader websocket.Upgrader
	handler  Handler
}

// NewServer constructs a Server dispatching inbound envelopes to handler.
func NewServer(handler Handler) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		handler: handler,
	}
}

// ServeHTTP upgrades the connection and serves framed requests until the
// peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("transport").Error().Err(err).Msg("upgrade failed")
		return
	}
	defer ws.Close()

	ctx := r.Context()
	for {
		var in Envelope
		if err := ws.ReadJSON(&in); err != nil {
			return
		}
		reply, err := s.handler(ctx, &in)
		if err != nil {
			log.WithComponent("transport").Error().Err(err).Str("request_id", in.RequestID).Msg("handler failed")
			continue
		}
		if reply == nil {
			reply = &Envelope{}
		}
		reply.RequestID = in.RequestID
		if err := ws.WriteJSON(reply); err != nil {
			return
		}
	}
}

// RetryIdempotent runs op with exponential backoff until it succeeds or
// maxElapsed has passed; no code in this module calls it. It does not
// consult a circuit breaker; callers that want breaker gating should use
// Pool.Call instead.
func RetryIdempotent(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = maxElapsed
	return backoff.Retry(op, backoff.WithContext(eb, ctx))
}
