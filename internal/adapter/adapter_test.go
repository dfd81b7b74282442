package adapter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/ntun/internal/mux"
	"github.com/1ureka/ntun/internal/protocol"
	"github.com/1ureka/ntun/internal/transport"
	"github.com/1ureka/ntun/internal/transport/transporttest"
	"github.com/1ureka/ntun/internal/util"
)

// TestEndToEndEcho exercises the full path:
//
//	[SOCKS5 client] <-> [Ingress] <-> [mock transport] <-> [Egress] <-> [echo server]
//
// Several concurrent connections each send a payload far larger than one
// Data message. The transport delivers with random delays, in order.
func TestEndToEndEcho(t *testing.T) {
	echoAddr := startEchoServer(t)
	tun := startTunnel(t, EgressConfig{DialTimeout: 5 * time.Second})

	const numConns = 8
	const dataSize = 256 * 1024

	var wg sync.WaitGroup
	for i := range numConns {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			conn, err := net.Dial("tcp", tun.ingress.Addr().String())
			if err != nil {
				t.Errorf("[conn %d] dial: %v", idx, err)
				return
			}
			defer conn.Close()

			if err := socksConnect(conn, echoAddr); err != nil {
				t.Errorf("[conn %d] socks5: %v", idx, err)
				return
			}

			sent := makeTestData(dataSize, byte(idx))

			// Write and read concurrently to avoid TCP buffer deadlock.
			errCh := make(chan error, 1)
			go func() {
				_, err := conn.Write(sent)
				errCh <- err
			}()

			got := make([]byte, dataSize)
			conn.SetReadDeadline(time.Now().Add(testTimeout))
			if _, err := io.ReadFull(conn, got); err != nil {
				t.Errorf("[conn %d] read echo: %v", idx, err)
				return
			}
			if err := <-errCh; err != nil {
				t.Errorf("[conn %d] write: %v", idx, err)
				return
			}
			if !bytes.Equal(sent, got) {
				t.Errorf("[conn %d] echoed data mismatch (sent %d bytes, got %d bytes)", idx, len(sent), len(got))
			}
		}(i)
	}
	wg.Wait()

	eventually(t, "ingress table to drain", func() bool { return tun.ingress.Len() == 0 })
	eventually(t, "egress table to drain", func() bool { return tun.egress.Len() == 0 })
}

// TestRequestResponseTeardown runs one HTTP-like exchange in which the
// destination closes first, and checks the client sees the whole response
// followed by EOF, with exactly one Close crossing the tunnel.
func TestRequestResponseTeardown(t *testing.T) {
	const response = "HTTP/1.0 200 OK\r\nContent-Length: 5\r\n\r\nhello"

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		r := bufio.NewReader(c)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		io.WriteString(c, response)
	}()

	tun := startTunnel(t, EgressConfig{})
	conn := tun.dial(t, ln.Addr().String())
	defer conn.Close()

	if _, err := io.WriteString(conn, "GET / HTTP/1.0\r\nHost: test\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != response {
		t.Fatalf("response = %q, want %q", got, response)
	}

	eventually(t, "ingress table to drain", func() bool { return tun.ingress.Len() == 0 })
	eventually(t, "egress table to drain", func() bool { return tun.egress.Len() == 0 })
	time.Sleep(50 * time.Millisecond)

	fromIngress := closesSent(t, tun.inTr)
	fromEgress := closesSent(t, tun.egTr)
	if len(fromEgress) != 1 {
		t.Fatalf("egress sent Close for %d ids, want 1", len(fromEgress))
	}
	for id, n := range fromEgress {
		if n != 1 || fromIngress[id] != 0 {
			t.Fatalf("[%08x] Close count: egress %d, ingress %d; want 1 and 0", id, n, fromIngress[id])
		}
	}
}

// TestClientCloseTearsDownDestination closes the SOCKS5 client first and
// checks the destination socket is closed by the egress.
func TestClientCloseTearsDownDestination(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	tun := startTunnel(t, EgressConfig{})
	conn := tun.dial(t, ln.Addr().String())

	var dest net.Conn
	select {
	case dest = <-accepted:
	case <-time.After(testTimeout):
		t.Fatal("destination never accepted")
	}
	defer dest.Close()

	conn.Close()

	dest.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := dest.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("destination read = %v, want EOF", err)
	}
	eventually(t, "tables to drain", func() bool {
		return tun.ingress.Len() == 0 && tun.egress.Len() == 0
	})

	time.Sleep(50 * time.Millisecond)
	if n := len(closesSent(t, tun.egTr)); n != 0 {
		t.Fatalf("egress echoed Close for %d ids", n)
	}
}

// TestUnreachableDestination checks a failed egress dial closes the client.
func TestUnreachableDestination(t *testing.T) {
	d := newPipeDialer(true)
	d.err = errRefused
	tun := startTunnel(t, EgressConfig{Dialer: d})

	conn := tun.dial(t, "unreachable.test:80")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("client read = %v, want EOF", err)
	}
	if got := d.dialed(); len(got) != 1 || got[0] != "unreachable.test:80" {
		t.Fatalf("dialed %v", got)
	}
}

func TestCoreRejectsDuplicateID(t *testing.T) {
	m := newCore("test")
	first := newLogicalConn(m, 42, nil)
	second := newLogicalConn(m, 42, nil)

	if !m.add(first) {
		t.Fatal("first add failed")
	}
	if m.add(second) {
		t.Fatal("duplicate id accepted")
	}
	if c, err := m.route(42); err != nil || c != first {
		t.Fatalf("route(42) = %v, %v", c, err)
	}

	if !m.claim(first) {
		t.Fatal("claim of the routed entry failed")
	}
	if m.claim(first) {
		t.Fatal("second claim succeeded")
	}
	if _, err := m.route(42); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("route after claim = %v, want ErrUnknownConnection", err)
	}
}

func TestStartAfterStop(t *testing.T) {
	a, _ := transporttest.Pair()
	e := NewEgress(EgressConfig{})
	e.Stop()
	if err := e.Start(context.Background(), mux.New(a)); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after Stop = %v, want ErrStopped", err)
	}
}

func TestStatsTrackConnections(t *testing.T) {
	echoAddr := startEchoServer(t)
	tun := startTunnel(t, EgressConfig{})

	before := util.Stats.TotalConns.Load()
	conn := tun.dial(t, echoAddr)
	io.WriteString(conn, "ping")
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	// One entry on each side of the tunnel.
	if got := util.Stats.TotalConns.Load() - before; got < 2 {
		t.Errorf("TotalConns grew by %d, want at least 2", got)
	}
	if string(buf) != "ping" {
		t.Errorf("echo = %q", buf)
	}
}

func TestMaxDataMessageFitsDataChannel(t *testing.T) {
	buf, err := protocol.Encode(protocol.Data(math.MaxUint32, make([]byte, maxPayloadSize)))
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) > transport.MaxMessageSize {
		t.Fatalf("encoded Data is %d bytes, data channel limit is %d", len(buf), transport.MaxMessageSize)
	}
}
