package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/bycanvas/locker/internal/logging"
	"github.com/bycanvas/locker/internal/membership"
	"github.com/bycanvas/locker/internal/wire"
)

var log = logging.Get("transport")

// connPool is a small per-destination connection pool: dial on demand,
// reuse on success, discard on error.
type connPool struct {
	addr string
	mu   sync.Mutex
	idle []net.Conn
}

func newConnPool(addr string) *connPool {
	return &connPool{addr: addr}
}

func (p *connPool) get(dialTimeout time.Duration) (net.Conn, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()
	return net.DialTimeout("tcp", p.addr, dialTimeout)
}

func (p *connPool) put(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= 10 {
		conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
}

// TCP is a Messaging implementation that frames wire.Envelope values
// over plain TCP connections, one request/reply round trip per Call,
// fire-and-forget for Cast.
type TCP struct {
	mu    sync.RWMutex
	pools map[membership.NodeID]*connPool
	addrs map[membership.NodeID]string
}

// NewTCP constructs a client-side messaging layer. addrs maps each
// node id this process will talk to onto its "host:port" peer
// address.
func NewTCP(addrs map[membership.NodeID]string) *TCP {
	t := &TCP{
		pools: make(map[membership.NodeID]*connPool),
		addrs: make(map[membership.NodeID]string, len(addrs)),
	}
	for id, addr := range addrs {
		t.addrs[id] = addr
		t.pools[id] = newConnPool(addr)
	}
	return t
}

// SetAddr adds or updates the peer address for a node id. Nothing in
// the set_nodes path calls it: a node id missing from the address map
// stays unreachable (Call returns an unknown-node error, Cast skips it).
func (t *TCP) SetAddr(id membership.NodeID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrs[id] = addr
	t.pools[id] = newConnPool(addr)
}

func (t *TCP) poolFor(dest membership.NodeID) (*connPool, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.pools[dest]
	return p, ok
}

// Call implements Messaging over a pooled TCP connection. The
// deadline on ctx, if any, is also applied to the socket so a hung
// peer cannot stall past the caller's timeout budget.
func (t *TCP) Call(ctx context.Context, dest membership.NodeID, env wire.Envelope) (wire.Envelope, error) {
	pool, ok := t.poolFor(dest)
	if !ok {
		return wire.Envelope{}, errUnknownNode(dest)
	}

	dialTimeout := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}

	conn, err := pool.get(dialTimeout)
	if err != nil {
		return wire.Envelope{}, err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	if err := wire.WriteEnvelope(conn, env); err != nil {
		conn.Close()
		return wire.Envelope{}, err
	}
	reply, err := wire.ReadEnvelope(conn)
	if err != nil {
		conn.Close()
		return wire.Envelope{}, err
	}
	conn.SetDeadline(time.Time{})
	pool.put(conn)
	return reply, nil
}

// Cast dials each destination and writes the envelope without waiting
// for a reply, matching the replication pump's asynchronous push
// semantics.
func (t *TCP) Cast(dests []membership.NodeID, env wire.Envelope) {
	for _, dest := range dests {
		pool, ok := t.poolFor(dest)
		if !ok {
			continue
		}
		go func(pool *connPool) {
			conn, err := pool.get(2 * time.Second)
			if err != nil {
				log.Warningf("cast dial failed: %v", err)
				return
			}
			if err := wire.WriteEnvelope(conn, env); err != nil {
				conn.Close()
				return
			}
			pool.put(conn)
		}(pool)
	}
}

type errUnknownNode membership.NodeID

func (e errUnknownNode) Error() string { return "locker: unknown node " + string(e) }

// Server accepts peer connections and dispatches each framed envelope
// to the local Node State Engine via a Dispatcher. Each connection runs
// its own read/dispatch/write loop until the peer disconnects.
type Server struct {
	listener   net.Listener
	dispatcher *Dispatcher
}

// Listen starts a Server bound to addr. Masters and replicas alike run
// a Server so they can receive Promise/Commit/.../ApplyLog calls.
func Listen(addr string, d *Dispatcher) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{listener: ln, dispatcher: d}, nil
}

// Addr returns the bound address, useful when addr was ":0".
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	for {
		env, err := wire.ReadEnvelope(conn)
		if err != nil {
			return
		}
		if env.Kind == wire.KindApplyLog {
			s.dispatcher.DispatchCast(env)
			continue
		}
		reply, ok := s.dispatcher.Dispatch(env)
		if !ok {
			continue
		}
		if err := wire.WriteEnvelope(conn, reply); err != nil {
			return
		}
	}
}
