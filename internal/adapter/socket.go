package adapter

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/1ureka/ntun/internal/util"
)

type opKind uint8

const (
	opDial     opKind = iota // egress only: open the destination socket
	opWrite                  // write payload to the local socket
	opTeardown               // close the local socket, no Close sent
)

type op struct {
	kind    opKind
	address string
	payload []byte
}

// dialFunc opens the local socket for an opDial.
type dialFunc func(ctx context.Context, address string) (net.Conn, error)

// logicalConn is one multiplexed connection and its local socket. Lifecycle:
// Connecting (egress, until the dial op completes) → Open → Closed.
type logicalConn struct {
	id  uint32
	mgr *core

	connMu sync.Mutex
	conn   net.Conn

	mu         sync.Mutex
	queue      []op
	wake       chan struct{}
	flushTimer *time.Timer

	done      chan struct{}
	closeOnce sync.Once
}

func newLogicalConn(mgr *core, id uint32, conn net.Conn) *logicalConn {
	return &logicalConn{
		id:   id,
		mgr:  mgr,
		conn: conn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// enqueue appends o to the mailbox. Ops for a closed connection are dropped.
func (c *logicalConn) enqueue(o op) {
	select {
	case <-c.done:
		return
	default:
	}

	c.mu.Lock()
	c.queue = append(c.queue, o)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// next blocks until an op is queued or the connection closes.
func (c *logicalConn) next() (op, bool) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			o := c.queue[0]
			c.queue[0] = op{}
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return o, true
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-c.done:
			return op{}, false
		}
	}
}

// runMailbox executes queued ops in order until teardown or shutdown.
func (c *logicalConn) runMailbox(ctx context.Context, dial dialFunc) {
	for {
		o, ok := c.next()
		if !ok {
			return
		}

		switch o.kind {
		case opDial:
			dctx, cancel := context.WithCancel(ctx)
			go func() {
				select {
				case <-c.done:
					cancel()
				case <-dctx.Done():
				}
			}()
			conn, err := dial(dctx, o.address)
			cancel()
			if err != nil {
				util.ConnLog(c.id, "dial %s failed: %v", o.address, err)
				c.closeLocal()
				continue
			}
			if !c.setConn(conn) {
				conn.Close()
				return
			}
			util.ConnLog(c.id, "connected to %s", o.address)
			go c.pump()

		case opWrite:
			conn := c.getConn()
			if conn == nil {
				continue
			}
			if _, err := conn.Write(o.payload); err != nil {
				util.ConnLog(c.id, "write error: %v", err)
				c.closeLocal()
			}

		case opTeardown:
			c.shutdown()
			return
		}
	}
}

// pump forwards bytes read from the local socket as Data messages until the
// socket ends.
func (c *logicalConn) pump() {
	conn := c.getConn()
	buf := make([]byte, maxPayloadSize)

	for {
		n, err := conn.Read(buf)

		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if serr := c.mgr.mx.SendData(c.id, payload); serr != nil {
				util.ConnLog(c.id, "send failed: %v", serr)
				c.closeLocal()
				return
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				util.ConnLog(c.id, "read error: %v", err)
			}
			c.closeLocal()
			return
		}
	}
}

// forceCloseAfter shuts c down once d elapses, unblocking a write stuck on a
// socket that stopped reading.
func (c *logicalConn) forceCloseAfter(d time.Duration) {
	t := time.AfterFunc(d, func() {
		select {
		case <-c.done:
			return
		default:
		}
		util.ConnLog(c.id, "pending writes not flushed within %s, closing", d)
		c.shutdown()
	})

	c.mu.Lock()
	c.flushTimer = t
	c.mu.Unlock()
}

// closeLocal handles the local socket ending or failing. If this side wins
// the entry it sends Close and shuts down; otherwise a remote Close already
// queued a teardown that flushes pending writes first.
func (c *logicalConn) closeLocal() {
	if !c.mgr.claim(c) {
		return
	}
	util.ConnLog(c.id, "closed locally")
	c.mgr.mx.SendClose(c.id)
	c.shutdown()
}

// shutdown closes the local socket and stops the mailbox. Idempotent.
func (c *logicalConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		c.queue = nil
		if c.flushTimer != nil {
			c.flushTimer.Stop()
		}
		c.mu.Unlock()

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connMu.Unlock()

		c.mgr.forget(c)
		util.Stats.RemoveConn()
	})
}

// setConn installs the dialed socket. It returns false if the connection was
// shut down while dialing.
func (c *logicalConn) setConn(conn net.Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	select {
	case <-c.done:
		return false
	default:
	}
	c.conn = conn
	return true
}

func (c *logicalConn) getConn() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}
