// Package transport provides the byte-buffer conduits that carry multiplexed
// frames between two peers: TCP, WebSocket and WebRTC data channel.
//
// Every variant shares one lifecycle: Start begins connecting (or listening),
// Ready is closed once when the physical link is up, Done is closed once when
// it is gone for good, and Err reports why. A Transport is single use; after
// Done a new instance is required.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Transport is the contract consumed by the multiplexer.
type Transport interface {
	// Start begins establishing the link in the background. The transport
	// stops when ctx is cancelled.
	Start(ctx context.Context) error
	// Stop tears the link down. Safe to call more than once.
	Stop() error
	// SendBuffer transmits one whole buffer; the peer receives it as one
	// buffer. Calls are safe from multiple goroutines and keep their order.
	SendBuffer(buf []byte) error
	// OnBuffer registers the receive handler. Buffers are delivered in
	// arrival order, one at a time, and never before a handler is set.
	OnBuffer(fn func([]byte))
	// Ready is closed when the link is connected.
	Ready() <-chan struct{}
	// Done is closed when the link is closed.
	Done() <-chan struct{}
	// Err returns the failure that closed the link, or nil for a clean close.
	Err() error
}

// Options tunes the transport variants. Zero values select defaults.
type Options struct {
	ChunkSize    int           // max bytes per physical write (stream, websocket)
	RateLimit    int64         // outbound bytes per second, 0 = unlimited (stream, websocket)
	RateInterval time.Duration // rate limiter accounting window
	ICEServers   []string      // STUN/TURN URLs (data channel)
}

var (
	ErrClosed         = errors.New("transport: closed")
	ErrNotConnected   = errors.New("transport: not connected")
	ErrAlreadyStarted = errors.New("transport: already started")
)

// Error is a failure of the physical medium.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "transport: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// session: lifecycle shared by all variants
// ---------------------------------------------------------------------------

type session struct {
	startOnce sync.Once
	started   bool

	ready     chan struct{}
	readyOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once

	errMu sync.Mutex
	err   error

	handlerMu   sync.RWMutex
	handler     func([]byte)
	handlerSet  chan struct{}
	handlerOnce sync.Once

	stopCtx func() bool
}

func newSession() *session {
	return &session{
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		handlerSet: make(chan struct{}),
	}
}

// begin marks the session started and ties it to ctx. It fails on a second
// call or after the session is closed.
func (s *session) begin(ctx context.Context, stop func()) error {
	first := false
	s.startOnce.Do(func() { first = true })
	if !first {
		return ErrAlreadyStarted
	}
	if s.closed() {
		return ErrClosed
	}
	s.stopCtx = context.AfterFunc(ctx, stop)
	return nil
}

func (s *session) Ready() <-chan struct{} { return s.ready }
func (s *session) Done() <-chan struct{}  { return s.done }

func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *session) OnBuffer(fn func([]byte)) {
	s.handlerMu.Lock()
	s.handler = fn
	s.handlerMu.Unlock()

	if fn != nil {
		s.handlerOnce.Do(func() { close(s.handlerSet) })
	}
}

func (s *session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// finish records err and closes Done. Only the first call has an effect; it
// reports whether this call was the one that closed the session.
func (s *session) finish(err error) bool {
	first := false
	s.doneOnce.Do(func() {
		first = true
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		if s.stopCtx != nil {
			s.stopCtx()
		}
		close(s.done)
	})
	return first
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// waitHandler blocks until a receive handler is registered. It returns false
// if the session closes first.
func (s *session) waitHandler() bool {
	select {
	case <-s.handlerSet:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) deliver(buf []byte) {
	s.handlerMu.RLock()
	fn := s.handler
	s.handlerMu.RUnlock()

	if fn != nil {
		fn(buf)
	}
}
