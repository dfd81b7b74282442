package adapter

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/ntun/internal/mux"
	"github.com/1ureka/ntun/internal/protocol"
	"github.com/1ureka/ntun/internal/socks5"
	"github.com/1ureka/ntun/internal/transport/transporttest"
)

const testTimeout = 10 * time.Second

// startEchoServer starts a TCP echo server that copies everything it receives
// back to the sender. Returns the address (host:port) it is listening on.
func startEchoServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo server: listen failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return l.Addr().String()
}

// makeTestData generates deterministic test data of the given size.
// Each byte is derived from its index XOR-ed with the seed, ensuring that
// different connections produce distinguishable payloads.
func makeTestData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

func startPair(t *testing.T, opts ...transporttest.Option) (*transporttest.Mock, *transporttest.Mock) {
	t.Helper()
	a, b := transporttest.Pair(opts...)
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Stop() })
	return a, b
}

// tunnel is an Ingress and an Egress joined by an in-memory transport pair.
type tunnel struct {
	ingress *Ingress
	egress  *Egress
	inTr    *transporttest.Mock
	egTr    *transporttest.Mock
}

func startTunnel(t *testing.T, cfg EgressConfig) *tunnel {
	t.Helper()
	inTr, egTr := startPair(t, transporttest.WithJitter(time.Millisecond))

	tun := &tunnel{
		ingress: NewIngress(0),
		egress:  NewEgress(cfg),
		inTr:    inTr,
		egTr:    egTr,
	}
	if err := tun.egress.Start(context.Background(), mux.New(egTr)); err != nil {
		t.Fatalf("egress Start: %v", err)
	}
	if err := tun.ingress.Start(context.Background(), mux.New(inTr)); err != nil {
		t.Fatalf("ingress Start: %v", err)
	}
	t.Cleanup(func() {
		tun.ingress.Stop()
		tun.egress.Stop()
	})
	return tun
}

// dial opens a SOCKS5 CONNECT to address through the tunnel's ingress.
func (tun *tunnel) dial(t *testing.T, address string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", tun.ingress.Addr().String())
	if err != nil {
		t.Fatalf("dial ingress: %v", err)
	}
	if err := socks5.ClientDial(conn, address); err != nil {
		conn.Close()
		t.Fatalf("socks5 CONNECT %s: %v", address, err)
	}
	return conn
}

// closesSent counts the Close messages m has sent, per id.
func closesSent(t *testing.T, m *transporttest.Mock) map[uint32]int {
	t.Helper()
	counts := make(map[uint32]int)
	for _, buf := range m.Sent() {
		msg, err := protocol.Decode(buf)
		if err != nil {
			t.Fatalf("sent buffer does not decode: %v", err)
		}
		if msg.Type == protocol.TypeClose {
			counts[msg.ID]++
		}
	}
	return counts
}

// eventually polls cond until it holds or the timeout elapses.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// msgLog is a mux.Handler that records every inbound message.
type msgLog struct {
	ch chan *protocol.Message
}

func newMsgLog() *msgLog {
	return &msgLog{ch: make(chan *protocol.Message, 1024)}
}

func (l *msgLog) HandleConnect(id uint32, host string, port uint16) {
	l.ch <- protocol.Connect(id, host, port)
}

func (l *msgLog) HandleClose(id uint32) {
	l.ch <- protocol.Close(id)
}

func (l *msgLog) HandleData(id uint32, payload []byte) {
	l.ch <- protocol.Data(id, payload)
}

func (l *msgLog) next(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case msg := <-l.ch:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func (l *msgLog) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-l.ch:
		t.Fatalf("unexpected message %s", msg)
	case <-time.After(wait):
	}
}

// pipeDialer hands out net.Pipe connections once released. The far ends are
// delivered on conns.
type pipeDialer struct {
	release chan struct{}
	err     error
	conns   chan net.Conn

	mu        sync.Mutex
	addresses []string
}

func newPipeDialer(released bool) *pipeDialer {
	d := &pipeDialer{release: make(chan struct{}), conns: make(chan net.Conn, 16)}
	if released {
		close(d.release)
	}
	return d
}

func (d *pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.addresses = append(d.addresses, address)
	d.mu.Unlock()

	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}

	near, far := net.Pipe()
	d.conns <- far
	return near, nil
}

func (d *pipeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addresses...)
}

func (d *pipeDialer) far(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

var errRefused = errors.New("connection refused")

// egressHarness drives an Egress from a bare multiplexer on the other end.
type egressHarness struct {
	egress *Egress
	driver *mux.Multiplexer
	log    *msgLog
	egTr   *transporttest.Mock
}

func startEgress(t *testing.T, cfg EgressConfig) *egressHarness {
	t.Helper()
	drTr, egTr := startPair(t)

	h := &egressHarness{
		egress: NewEgress(cfg),
		driver: mux.New(drTr),
		log:    newMsgLog(),
		egTr:   egTr,
	}
	h.driver.Attach(h.log)
	if err := h.egress.Start(context.Background(), mux.New(egTr)); err != nil {
		t.Fatalf("egress Start: %v", err)
	}
	t.Cleanup(func() { h.egress.Stop() })
	return h
}

func expectMessage(t *testing.T, got *protocol.Message, want *protocol.Message) {
	t.Helper()
	if got.String() != want.String() || string(got.Payload) != string(want.Payload) {
		t.Fatalf("got %s %q, want %s %q", got, got.Payload, want, want.Payload)
	}
}

func socksConnect(conn net.Conn, address string) error {
	return socks5.ClientDial(conn, address)
}

func newMux(m *transporttest.Mock) *mux.Multiplexer { return mux.New(m) }
