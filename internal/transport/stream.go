package transport

import (
	"context"
	"io"
	"net"

	"github.com/1ureka/ntun/internal/util"
)

// StreamClient is a framed transport over an outbound TCP connection.
type StreamClient struct {
	*framed
	addr   string
	dialer net.Dialer
}

func NewStreamClient(addr string, opts Options) *StreamClient {
	return &StreamClient{framed: newFramed(opts), addr: addr}
}

func (c *StreamClient) Start(ctx context.Context) error {
	if err := c.begin(ctx, func() { c.Stop() }); err != nil {
		return err
	}

	c.dialInBackground(ctx, "dial", func(ctx context.Context) (io.ReadWriteCloser, error) {
		conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return nil, err
		}
		util.LogInfo("stream transport connected %s --> %s", conn.LocalAddr(), conn.RemoteAddr())
		return conn, nil
	})
	return nil
}

// StreamServer is a framed transport over the first TCP connection accepted
// on its listen address. Later connections are closed immediately.
type StreamServer struct {
	*framed
	addr     string
	listener net.Listener
}

func NewStreamServer(addr string, opts Options) *StreamServer {
	return &StreamServer{framed: newFramed(opts), addr: addr}
}

// Start binds the listener synchronously, so bind errors are returned here.
func (s *StreamServer) Start(ctx context.Context) error {
	if err := s.begin(ctx, func() { s.Stop() }); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		err = &Error{Op: "listen", Err: err}
		s.shutdown(err)
		return err
	}
	s.listener = ln
	s.onShutdown(ln.Close)

	util.LogInfo("stream transport listening on %s", ln.Addr())
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *StreamServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *StreamServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed() {
				return
			}
			s.shutdown(&Error{Op: "accept", Err: err})
			return
		}

		if !s.attach(conn) {
			util.LogWarning("rejecting extra transport connection from %s", conn.RemoteAddr())
			conn.Close()
			continue
		}
		util.LogInfo("stream transport connected %s <-- %s", conn.LocalAddr(), conn.RemoteAddr())
	}
}
