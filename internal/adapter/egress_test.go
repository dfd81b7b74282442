package adapter

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/1ureka/ntun/internal/protocol"
)

// TestEgressOrderingUnderDelayedDial queues Data while the dial is still
// pending and checks it reaches the destination in order once it completes.
func TestEgressOrderingUnderDelayedDial(t *testing.T) {
	d := newPipeDialer(false)
	h := startEgress(t, EgressConfig{Dialer: d})

	h.driver.SendConnect(1, "dest.test", 8080)
	h.driver.SendData(1, []byte("one,"))
	h.driver.SendData(1, []byte("two,"))
	h.driver.SendData(1, []byte("three"))
	time.Sleep(50 * time.Millisecond)

	close(d.release)
	far := d.far(t)

	got := make([]byte, len("one,two,three"))
	far.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := io.ReadFull(far, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "one,two,three" {
		t.Fatalf("destination got %q", got)
	}
	if addrs := d.dialed(); len(addrs) != 1 || addrs[0] != "dest.test:8080" {
		t.Fatalf("dialed %v", addrs)
	}

	// Destination → tunnel, then destination closes.
	go far.Write([]byte("reply"))
	expectMessage(t, h.log.next(t), protocol.Data(1, []byte("reply")))

	far.Close()
	expectMessage(t, h.log.next(t), protocol.Close(1))
	eventually(t, "egress table to drain", func() bool { return h.egress.Len() == 0 })
}

// TestEgressRemoteCloseFlushesWrites sends Data then Close before the dial
// completes; the destination must still receive every byte, then EOF, and
// no Close is echoed back.
func TestEgressRemoteCloseFlushesWrites(t *testing.T) {
	d := newPipeDialer(false)
	h := startEgress(t, EgressConfig{Dialer: d})

	h.driver.SendConnect(2, "dest.test", 80)
	h.driver.SendData(2, []byte("A"))
	h.driver.SendData(2, []byte("B"))
	h.driver.SendClose(2)
	time.Sleep(20 * time.Millisecond)

	close(d.release)
	far := d.far(t)

	far.SetReadDeadline(time.Now().Add(testTimeout))
	got, err := io.ReadAll(far)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "AB" {
		t.Fatalf("destination got %q, want %q", got, "AB")
	}

	h.log.expectNone(t, 50*time.Millisecond)
	if n := closesSent(t, h.egTr)[2]; n != 0 {
		t.Fatalf("egress sent %d Close for a remotely closed id", n)
	}
}

func TestEgressDialFailureSendsClose(t *testing.T) {
	d := newPipeDialer(true)
	d.err = errRefused
	h := startEgress(t, EgressConfig{Dialer: d})

	h.driver.SendConnect(3, "down.test", 443)
	h.driver.SendData(3, []byte("lost"))

	expectMessage(t, h.log.next(t), protocol.Close(3))
	eventually(t, "egress table to drain", func() bool { return h.egress.Len() == 0 })
	h.log.expectNone(t, 50*time.Millisecond)
}

func TestEgressDialTimeout(t *testing.T) {
	d := newPipeDialer(false) // never released
	h := startEgress(t, EgressConfig{Dialer: d, DialTimeout: 50 * time.Millisecond})

	start := time.Now()
	h.driver.SendConnect(4, "slow.test", 80)
	expectMessage(t, h.log.next(t), protocol.Close(4))
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("Close after %v, before the dial timeout", elapsed)
	}
}

func TestEgressUnknownIDDropped(t *testing.T) {
	h := startEgress(t, EgressConfig{Dialer: newPipeDialer(true)})

	h.driver.SendData(99, []byte("stray"))
	h.driver.SendClose(99)
	h.log.expectNone(t, 50*time.Millisecond)

	if _, err := h.egress.route(99); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("route(99) = %v, want ErrUnknownConnection", err)
	}
}

func TestEgressDuplicateConnectIgnored(t *testing.T) {
	d := newPipeDialer(true)
	h := startEgress(t, EgressConfig{Dialer: d})

	h.driver.SendConnect(5, "dest.test", 80)
	h.driver.SendConnect(5, "other.test", 81)
	far := d.far(t)

	h.driver.SendData(5, []byte("x"))
	buf := make([]byte, 1)
	far.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := io.ReadFull(far, buf); err != nil {
		t.Fatal(err)
	}

	if addrs := d.dialed(); len(addrs) != 1 || addrs[0] != "dest.test:80" {
		t.Fatalf("dialed %v, want only dest.test:80", addrs)
	}
}

// TestEgressStopClosesEverything checks Stop sends one Close per live id and
// closes the destination sockets.
func TestEgressStopClosesEverything(t *testing.T) {
	d := newPipeDialer(true)
	h := startEgress(t, EgressConfig{Dialer: d})

	h.driver.SendConnect(6, "a.test", 80)
	farA := d.far(t)
	h.driver.SendConnect(7, "b.test", 80)
	farB := d.far(t)

	h.egress.Stop()

	seen := map[uint32]int{}
	for range 2 {
		msg := h.log.next(t)
		if msg.Type != protocol.TypeClose {
			t.Fatalf("got %s, want Close", msg)
		}
		seen[msg.ID]++
	}
	if seen[6] != 1 || seen[7] != 1 {
		t.Fatalf("Close per id = %v", seen)
	}

	for _, far := range []net.Conn{farA, farB} {
		far.SetReadDeadline(time.Now().Add(testTimeout))
		if _, err := far.Read(make([]byte, 1)); err != io.EOF {
			t.Fatalf("destination read = %v, want EOF", err)
		}
	}
	h.log.expectNone(t, 50*time.Millisecond)

	// Connects after Stop are refused silently.
	h.driver.SendConnect(8, "c.test", 80)
	h.log.expectNone(t, 50*time.Millisecond)
	if len(d.dialed()) != 2 {
		t.Fatalf("dialed after Stop: %v", d.dialed())
	}
}

func TestEgressStopCancelsPendingDial(t *testing.T) {
	d := newPipeDialer(false)
	h := startEgress(t, EgressConfig{Dialer: d})

	h.driver.SendConnect(9, "slow.test", 80)
	eventually(t, "dial to start", func() bool { return len(d.dialed()) == 1 })

	h.egress.Stop()
	expectMessage(t, h.log.next(t), protocol.Close(9))
	h.log.expectNone(t, 50*time.Millisecond)

	select {
	case c := <-d.conns:
		c.Close()
		t.Fatal("dial completed after Stop")
	default:
	}
}

var _ Dialer = (*net.Dialer)(nil)

// TestEgressRemoteCloseStalledDestination closes a destination that never
// reads while writes are still queued for it.
func TestEgressRemoteCloseStalledDestination(t *testing.T) {
	d := newPipeDialer(true)
	h := startEgress(t, EgressConfig{Dialer: d})

	h.driver.SendConnect(3, "dest.test", 80)
	far := d.far(t)
	h.driver.SendData(3, []byte("never"))
	h.driver.SendData(3, []byte("read"))
	h.driver.SendClose(3)

	eventually(t, "stalled destination to be closed", func() bool { return h.egress.liveLen() == 0 })

	far.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := io.ReadAll(far); err != nil {
		t.Fatalf("destination read after close: %v", err)
	}
	h.log.expectNone(t, 50*time.Millisecond)
}

// TestEgressRemoteCloseCancelsStuckDial closes a connection whose dial never
// completes.
func TestEgressRemoteCloseCancelsStuckDial(t *testing.T) {
	d := newPipeDialer(false)
	h := startEgress(t, EgressConfig{Dialer: d})

	h.driver.SendConnect(4, "dest.test", 80)
	h.driver.SendData(4, []byte("queued"))
	h.driver.SendClose(4)

	eventually(t, "pending dial to be abandoned", func() bool { return h.egress.liveLen() == 0 })
	h.log.expectNone(t, 50*time.Millisecond)
}
