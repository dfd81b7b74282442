// Package adapter bridges real sockets and logical connections carried by a
// multiplexer. Ingress accepts local SOCKS5 clients and opens logical
// connections; Egress receives them and dials the requested destinations.
//
// Each logical connection owns a mailbox: a FIFO of operations consumed by
// one goroutine, so socket writes (and on the egress side the initial dial)
// never run on the multiplexer's dispatch goroutine and always keep arrival
// order.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/ntun/internal/mux"
	"github.com/1ureka/ntun/internal/transport"
	"github.com/1ureka/ntun/internal/util"
)

// ErrUnknownConnection reports a message for an id with no live entry.
var ErrUnknownConnection = errors.New("adapter: unknown connection")

// ErrStopped is returned when starting a manager that was already stopped.
var ErrStopped = errors.New("adapter: stopped")

// Manager owns the logical connections of one side of a tunnel.
type Manager interface {
	// Start attaches the manager to mx and begins accepting work.
	Start(ctx context.Context, mx *mux.Multiplexer) error
	// Stop sends Close for every live connection and closes them all.
	Stop() error
}

// maxPayloadSize bounds each Data message read from a local socket. An
// encoded Data message must fit in one data channel message; the array type
// below stops compiling if it could not (msgpack adds under 64 bytes).
const maxPayloadSize = 16 * 1024

var _ [transport.MaxMessageSize - maxPayloadSize - 64]struct{}

// closeFlushTimeout is how long writes queued before a remote Close may take
// to drain. After it the local socket is closed regardless.
const closeFlushTimeout = time.Second

// core is the connection table shared by Ingress and Egress. The id map is
// the single source of truth for routing: whichever side removes an entry
// first decides whether a Close is sent.
type core struct {
	role         string
	flushTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	mx     *mux.Multiplexer

	mu      sync.Mutex
	conns   map[uint32]*logicalConn   // routable connections by id
	live    map[*logicalConn]struct{} // every connection not yet shut down
	started bool
	stopped bool
}

func newCore(role string) *core {
	return &core{
		role:         role,
		flushTimeout: closeFlushTimeout,
		conns:        make(map[uint32]*logicalConn),
		live:         make(map[*logicalConn]struct{}),
	}
}

// start binds the multiplexer and attaches h to it.
func (m *core) start(ctx context.Context, mx *mux.Multiplexer, h mux.Handler) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("adapter: %s already started", m.role)
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mx = mx
	m.mu.Unlock()

	mx.Attach(h)
	return nil
}

// stop claims every routable entry, notifies the peer and closes all local
// sockets. It does not wait for acknowledgement.
func (m *core) stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true

	ids := make([]uint32, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	clear(m.conns)

	live := make([]*logicalConn, 0, len(m.live))
	for c := range m.live {
		live = append(live, c)
	}
	mx, cancel := m.mx, m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if mx != nil {
		for _, id := range ids {
			mx.SendClose(id)
		}
	}
	for _, c := range live {
		c.shutdown()
	}

	if len(live) > 0 {
		util.LogInfo("%s stopped, closed %d connection(s)", m.role, len(live))
	}
}

// add registers c under its id. It fails if the id is taken or the manager
// is stopped.
func (m *core) add(c *logicalConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return false
	}
	if _, exists := m.conns[c.id]; exists {
		return false
	}
	m.conns[c.id] = c
	m.live[c] = struct{}{}
	util.Stats.AddConn()
	return true
}

// route returns the routable connection for id.
func (m *core) route(id uint32) (*logicalConn, error) {
	m.mu.Lock()
	c, ok := m.conns[id]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w [%08x]", ErrUnknownConnection, id)
	}
	return c, nil
}

// claim removes c from routing if it is still the entry for its id, and
// reports whether this call removed it.
func (m *core) claim(c *logicalConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conns[c.id] != c {
		return false
	}
	delete(m.conns, c.id)
	return true
}

// forget drops c from the live set once it is shut down.
func (m *core) forget(c *logicalConn) {
	m.mu.Lock()
	delete(m.live, c)
	m.mu.Unlock()
}

// liveLen returns the number of connections whose socket is still open.
func (m *core) liveLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Len returns the number of routable connections.
func (m *core) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// handleData queues payload for the connection's local socket.
func (m *core) handleData(id uint32, payload []byte) {
	c, err := m.route(id)
	if err != nil {
		util.LogDebug("%s: data dropped: %v", m.role, err)
		return
	}
	c.enqueue(op{kind: opWrite, payload: payload})
}

// handleClose claims the entry for the remote side and queues a teardown
// behind any pending writes. The socket is force-closed if those writes have
// not drained within flushTimeout. No Close is echoed back.
func (m *core) handleClose(id uint32) {
	c, err := m.route(id)
	if err != nil {
		util.LogDebug("%s: close dropped: %v", m.role, err)
		return
	}
	if m.claim(c) {
		util.ConnLog(id, "closed by peer")
		c.enqueue(op{kind: opTeardown})
		c.forceCloseAfter(m.flushTimeout)
	}
}
