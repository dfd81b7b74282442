package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/1ureka/ntun/internal/mux"
	"github.com/1ureka/ntun/internal/socks5"
	"github.com/1ureka/ntun/internal/util"
)

// handshakeTimeout bounds the SOCKS5 negotiation of each accepted client.
const handshakeTimeout = 10 * time.Second

// Ingress is a loopback SOCKS5 server (no auth, CONNECT only) that turns each
// accepted client into a logical connection.
type Ingress struct {
	*core
	port     int
	listener net.Listener
}

// NewIngress listens on 127.0.0.1:port once started. Port 0 picks a free
// port; see Addr.
func NewIngress(port int) *Ingress {
	return &Ingress{core: newCore("ingress"), port: port}
}

func (in *Ingress) Start(ctx context.Context, mx *mux.Multiplexer) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(in.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if err := in.start(ctx, mx, in); err != nil {
		ln.Close()
		return err
	}
	in.listener = ln

	util.LogInfo("SOCKS5 ingress listening on %s", ln.Addr())
	go in.acceptLoop(ln)
	return nil
}

func (in *Ingress) Stop() error {
	if in.listener != nil {
		in.listener.Close()
	}
	in.stop()
	return nil
}

// Addr returns the bound SOCKS5 address, or nil before Start.
func (in *Ingress) Addr() net.Addr {
	if in.listener == nil {
		return nil
	}
	return in.listener.Addr()
}

func (in *Ingress) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				util.LogError("ingress accept error: %v", err)
			}
			return
		}
		go in.handleClient(conn)
	}
}

func (in *Ingress) handleClient(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	if err := socks5.ServerNegotiateNoAuth(conn); err != nil {
		util.LogDebug("socks5 negotiation with %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	req, err := socks5.ServerReadRequest(conn)
	if err != nil {
		util.LogDebug("socks5 request from %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	if !req.IsConnect() {
		socks5.WriteCommandNotSupportedReply(conn, req.Atyp)
		conn.Close()
		return
	}

	id := util.ConnectionIDFromConn(conn)
	c := newLogicalConn(in.core, id, conn)
	if !in.add(c) {
		util.LogWarning("[%08x] connection id in use or ingress stopped, refusing %s", id, conn.RemoteAddr())
		socks5.WriteConnectionRefusedReply(conn, req.Atyp)
		conn.Close()
		return
	}

	if err := socks5.WriteSuccessReply(conn, conn.LocalAddr()); err != nil {
		util.ConnLog(id, "%v", err)
		c.closeLocal()
		return
	}
	conn.SetDeadline(time.Time{})

	util.ConnLog(id, "new connection from %s to %s:%d", conn.RemoteAddr(), req.Host, req.Port)
	if err := in.mx.SendConnect(id, req.Host, req.Port); err != nil {
		util.ConnLog(id, "send connect failed: %v", err)
		c.closeLocal()
		return
	}

	go c.runMailbox(in.ctx, nil)
	c.pump()
}

func (in *Ingress) HandleConnect(id uint32, host string, port uint16) {
	util.LogWarning("[%08x] ingress ignoring CONNECT to %s:%d", id, host, port)
}

func (in *Ingress) HandleClose(id uint32) { in.handleClose(id) }

func (in *Ingress) HandleData(id uint32, payload []byte) { in.handleData(id, payload) }
