package node

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/1ureka/ntun/internal/adapter"
	"github.com/1ureka/ntun/internal/protocol"
	"github.com/1ureka/ntun/internal/socks5"
	"github.com/1ureka/ntun/internal/transport/transporttest"
)

const testTimeout = 5 * time.Second

func TestNewValidation(t *testing.T) {
	tr, _ := transporttest.Pair()

	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"no transport", Config{Ingress: adapter.NewIngress(0)}, ErrNoTransport},
		{"no manager", Config{Transport: tr}, ErrManagerRequired},
		{"both managers", Config{Transport: tr, Ingress: adapter.NewIngress(0), Egress: adapter.NewEgress(adapter.EgressConfig{})}, ErrManagerRequired},
		{"ingress", Config{Transport: tr, Ingress: adapter.NewIngress(0)}, nil},
		{"egress", Config{Transport: tr, Egress: adapter.NewEgress(adapter.EgressConfig{})}, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg)
			if !errors.Is(err, tc.want) {
				t.Fatalf("New = %v, want %v", err, tc.want)
			}
		})
	}
}

// startNodes builds an ingress node and an egress node over a linked pair of
// started mock transports.
func startNodes(t *testing.T) (in, eg *Node, ingress *adapter.Ingress, inTr, egTr *transporttest.Mock) {
	t.Helper()
	ctx := t.Context()

	inTr, egTr = transporttest.Pair()
	ingress = adapter.NewIngress(0)

	var err error
	in, err = New(Config{Ingress: ingress, Transport: inTr})
	if err != nil {
		t.Fatal(err)
	}
	eg, err = New(Config{Egress: adapter.NewEgress(adapter.EgressConfig{}), Transport: egTr})
	if err != nil {
		t.Fatal(err)
	}

	for _, tr := range []*transporttest.Mock{inTr, egTr} {
		if err := tr.Start(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if err := eg.Start(ctx); err != nil {
		t.Fatalf("egress Start: %v", err)
	}
	if err := in.Start(ctx); err != nil {
		t.Fatalf("ingress Start: %v", err)
	}
	t.Cleanup(func() {
		in.Stop()
		eg.Stop()
		inTr.Stop()
	})
	return in, eg, ingress, inTr, egTr
}

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestTunnelThroughNodes(t *testing.T) {
	echo := echoServer(t)
	_, _, ingress, _, _ := startNodes(t)

	conn, err := net.Dial("tcp", ingress.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := socks5.ClientDial(conn, echo); err != nil {
		t.Fatalf("socks5: %v", err)
	}

	io.WriteString(conn, "round trip")
	buf := make([]byte, len("round trip"))
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "round trip" {
		t.Fatalf("echo = %q", buf)
	}
}

func TestDecodeErrorStopsNode(t *testing.T) {
	_, eg, _, inTr, egTr := startNodes(t)

	if err := inTr.SendBuffer([]byte{0x93, 0x07}); err != nil { // truncated array
		t.Fatal(err)
	}

	select {
	case <-eg.Done():
	case <-time.After(testTimeout):
		t.Fatal("egress node still running after a malformed buffer")
	}

	var de *protocol.DecodeError
	if !errors.As(eg.Err(), &de) {
		t.Fatalf("Err = %v, want *protocol.DecodeError", eg.Err())
	}

	select {
	case <-egTr.Done():
	case <-time.After(testTimeout):
		t.Fatal("transport not stopped after a protocol failure")
	}
}

func TestStopClosesConnections(t *testing.T) {
	echo := echoServer(t)
	in, _, ingress, _, _ := startNodes(t)

	conn, err := net.Dial("tcp", ingress.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := socks5.ClientDial(conn, echo); err != nil {
		t.Fatal(err)
	}

	if err := in.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-in.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if in.Err() != nil {
		t.Fatalf("Err = %v, want nil", in.Err())
	}

	conn.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("client read after Stop = %v, want EOF", err)
	}
	if err := in.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStartTwice(t *testing.T) {
	tr, _ := transporttest.Pair()
	n, err := New(Config{Egress: adapter.NewEgress(adapter.EgressConfig{}), Transport: tr})
	if err != nil {
		t.Fatal(err)
	}
	defer n.Stop()

	if err := n.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := n.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
}
