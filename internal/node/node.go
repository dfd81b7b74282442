// Package node composes one side of a tunnel: a transport, the multiplexer
// over it and exactly one connection manager.
package node

import (
	"context"
	"errors"
	"sync"

	"github.com/1ureka/ntun/internal/adapter"
	"github.com/1ureka/ntun/internal/mux"
	"github.com/1ureka/ntun/internal/transport"
	"github.com/1ureka/ntun/internal/util"
)

var (
	ErrNoTransport     = errors.New("node: transport is required")
	ErrManagerRequired = errors.New("node: exactly one of ingress or egress is required")
	ErrAlreadyStarted  = errors.New("node: already started")
)

// Config selects the node's role by which manager is set.
type Config struct {
	Ingress   *adapter.Ingress
	Egress    *adapter.Egress
	Transport transport.Transport
}

// Node wires a Transport to its multiplexer and manager. The caller starts
// and stops the Transport; the Node only reacts to protocol failures.
type Node struct {
	tr      transport.Transport
	manager adapter.Manager
	role    string

	mu      sync.Mutex
	mx      *mux.Multiplexer
	started bool
	stopped bool

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func New(cfg Config) (*Node, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}

	n := &Node{tr: cfg.Transport, done: make(chan struct{})}
	switch {
	case cfg.Ingress != nil && cfg.Egress == nil:
		n.manager, n.role = cfg.Ingress, "ingress"
	case cfg.Egress != nil && cfg.Ingress == nil:
		n.manager, n.role = cfg.Egress, "egress"
	default:
		return nil, ErrManagerRequired
	}
	return n, nil
}

// Start builds the multiplexer over the transport and starts the manager.
// It does not start the transport.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.started = true
	mx := mux.New(n.tr)
	n.mx = mx
	n.mu.Unlock()

	if err := n.manager.Start(ctx, mx); err != nil {
		mx.Release()
		return err
	}

	go n.watch(ctx, mx)
	util.LogInfo("%s node started", n.role)
	return nil
}

// watch tears everything down on a protocol decode failure.
func (n *Node) watch(ctx context.Context, mx *mux.Multiplexer) {
	select {
	case <-mx.Failed():
		util.LogError("%s node: %v", n.role, mx.Err())
		n.finish(mx.Err())
		n.Stop()
		n.tr.Stop()
	case <-n.done:
	case <-ctx.Done():
	}
}

// Stop stops the manager, which sends Close for every live connection, and
// releases the multiplexer. Safe to call more than once.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	mx := n.mx
	n.mu.Unlock()

	err := n.manager.Stop()
	if mx != nil {
		mx.Release()
	}
	n.finish(nil)
	util.LogInfo("%s node stopped", n.role)
	return err
}

func (n *Node) finish(err error) {
	n.doneOnce.Do(func() {
		n.err = err
		close(n.done)
	})
}

// Done is closed once the node has stopped.
func (n *Node) Done() <-chan struct{} { return n.done }

// Err returns the *protocol.DecodeError that stopped the node, or nil.
func (n *Node) Err() error {
	select {
	case <-n.done:
		return n.err
	default:
		return nil
	}
}
