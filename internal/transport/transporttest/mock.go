// Package transporttest provides an in-memory transport pair for tests of
// the layers above the transport.
package transporttest

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/1ureka/ntun/internal/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Mock)(nil)

// Mock is one end of a linked pair. Buffers sent by one side reach the other
// side's handler in send order, optionally after a random per-buffer delay.
type Mock struct {
	peer   *Mock
	link   *link
	jitter time.Duration

	startOnce sync.Once
	ready     chan struct{}

	mu      sync.Mutex
	inbox   [][]byte
	handler func([]byte)
	wake    chan struct{}

	sentMu sync.Mutex
	sent   [][]byte
}

// link is the shared physical state of a pair.
type link struct {
	once sync.Once
	done chan struct{}
	err  error
}

// Option configures a pair.
type Option func(a, b *Mock)

// WithJitter delays each delivery by a random duration below max.
func WithJitter(max time.Duration) Option {
	return func(a, b *Mock) {
		a.jitter = max
		b.jitter = max
	}
}

// Pair returns two linked transports. Stopping either end closes both.
func Pair(opts ...Option) (a, b *Mock) {
	l := &link{done: make(chan struct{})}
	a = newMock(l)
	b = newMock(l)
	a.peer, b.peer = b, a
	for _, o := range opts {
		o(a, b)
	}
	return a, b
}

func newMock(l *link) *Mock {
	return &Mock{
		link:  l,
		ready: make(chan struct{}),
		wake:  make(chan struct{}, 1),
	}
}

func (m *Mock) Start(ctx context.Context) error {
	started := false
	m.startOnce.Do(func() { started = true })
	if !started {
		return transport.ErrAlreadyStarted
	}
	context.AfterFunc(ctx, func() { m.Stop() })
	close(m.ready)
	go m.deliverLoop()
	return nil
}

// Stop closes both ends cleanly.
func (m *Mock) Stop() error {
	m.Fail(nil)
	return nil
}

// Fail closes both ends with err as the recorded cause.
func (m *Mock) Fail(err error) {
	m.link.once.Do(func() {
		m.link.err = err
		close(m.link.done)
	})
}

func (m *Mock) Ready() <-chan struct{} { return m.ready }
func (m *Mock) Done() <-chan struct{}  { return m.link.done }

func (m *Mock) Err() error {
	select {
	case <-m.link.done:
		return m.link.err
	default:
		return nil
	}
}

func (m *Mock) SendBuffer(buf []byte) error {
	select {
	case <-m.link.done:
		return transport.ErrClosed
	default:
	}

	cp := append([]byte(nil), buf...)

	m.sentMu.Lock()
	m.sent = append(m.sent, cp)
	m.sentMu.Unlock()

	m.peer.push(cp)
	return nil
}

func (m *Mock) OnBuffer(fn func([]byte)) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
	m.signal()
}

// Sent returns a copy of every buffer this end has sent.
func (m *Mock) Sent() [][]byte {
	m.sentMu.Lock()
	defer m.sentMu.Unlock()
	return append([][]byte(nil), m.sent...)
}

// Inject queues buf for delivery to this end's handler as if the peer had
// sent it.
func (m *Mock) Inject(buf []byte) {
	m.push(append([]byte(nil), buf...))
}

func (m *Mock) push(buf []byte) {
	m.mu.Lock()
	m.inbox = append(m.inbox, buf)
	m.mu.Unlock()
	m.signal()
}

func (m *Mock) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mock) deliverLoop() {
	for {
		m.mu.Lock()
		var buf []byte
		fn := m.handler
		ok := fn != nil && len(m.inbox) > 0
		if ok {
			buf = m.inbox[0]
			m.inbox = m.inbox[1:]
		}
		m.mu.Unlock()

		if !ok {
			select {
			case <-m.wake:
				continue
			case <-m.link.done:
				return
			}
		}

		if m.jitter > 0 {
			select {
			case <-time.After(time.Duration(rand.Int64N(int64(m.jitter)))):
			case <-m.link.done:
				return
			}
		}
		fn(buf)
	}
}

// ErrInjected is a convenience cause for Fail in tests.
var ErrInjected = errors.New("transporttest: injected failure")
