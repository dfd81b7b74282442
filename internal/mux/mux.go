// Package mux interleaves the messages of many logical connections over one
// transport. Each message travels as exactly one transport buffer.
package mux

import (
	"errors"
	"sync"

	"github.com/1ureka/ntun/internal/protocol"
	"github.com/1ureka/ntun/internal/transport"
	"github.com/1ureka/ntun/internal/util"
)

// ErrReleased is returned by sends after Release.
var ErrReleased = errors.New("mux: released")

// Handler receives decoded messages. Calls happen synchronously on the
// transport's receive goroutine, one at a time, in arrival order; a handler
// that blocks stalls every connection.
type Handler interface {
	HandleConnect(id uint32, host string, port uint16)
	HandleClose(id uint32)
	HandleData(id uint32, payload []byte)
}

// Multiplexer encodes outbound messages and dispatches inbound ones.
type Multiplexer struct {
	tr transport.Transport

	mu       sync.RWMutex
	handler  Handler
	released bool

	failed   chan struct{}
	failOnce sync.Once
	err      error
}

// New wraps tr. Nothing is received until Attach.
func New(tr transport.Transport) *Multiplexer {
	return &Multiplexer{tr: tr, failed: make(chan struct{})}
}

// Attach subscribes h to inbound messages, replacing any previous handler.
func (m *Multiplexer) Attach(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()

	m.tr.OnBuffer(m.dispatch)
}

// Release detaches the handler. Later sends fail with ErrReleased and
// inbound buffers are ignored.
func (m *Multiplexer) Release() {
	m.mu.Lock()
	m.handler = nil
	m.released = true
	m.mu.Unlock()
}

// Failed is closed when an inbound buffer could not be decoded. The
// multiplexer stops dispatching from then on.
func (m *Multiplexer) Failed() <-chan struct{} { return m.failed }

// Err returns the *protocol.DecodeError that closed Failed, or nil.
func (m *Multiplexer) Err() error {
	select {
	case <-m.failed:
		return m.err
	default:
		return nil
	}
}

func (m *Multiplexer) SendConnect(id uint32, host string, port uint16) error {
	return m.send(protocol.Connect(id, host, port))
}

func (m *Multiplexer) SendClose(id uint32) error {
	return m.send(protocol.Close(id))
}

func (m *Multiplexer) SendData(id uint32, payload []byte) error {
	return m.send(protocol.Data(id, payload))
}

func (m *Multiplexer) send(msg *protocol.Message) error {
	m.mu.RLock()
	released := m.released
	m.mu.RUnlock()
	if released {
		return ErrReleased
	}

	buf, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := m.tr.SendBuffer(buf); err != nil {
		return err
	}

	util.Stats.AddSent(len(buf))
	return nil
}

func (m *Multiplexer) dispatch(buf []byte) {
	select {
	case <-m.failed:
		return
	default:
	}

	m.mu.RLock()
	h := m.handler
	m.mu.RUnlock()
	if h == nil {
		return
	}

	util.Stats.AddRecv(len(buf))

	msg, err := protocol.Decode(buf)
	if err != nil {
		util.LogError("dropping tunnel: %v", err)
		m.failOnce.Do(func() {
			m.err = err
			close(m.failed)
		})
		return
	}

	switch msg.Type {
	case protocol.TypeConnect:
		h.HandleConnect(msg.ID, msg.Host, msg.Port)
	case protocol.TypeClose:
		h.HandleClose(msg.ID)
	case protocol.TypeData:
		h.HandleData(msg.ID, msg.Payload)
	}
}
