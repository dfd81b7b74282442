package adapter

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/1ureka/ntun/internal/mux"
	"github.com/1ureka/ntun/internal/util"
)

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// EgressConfig tunes outbound dialing. Zero values select a plain net.Dialer
// and no dial timeout.
type EgressConfig struct {
	Dialer      Dialer
	DialTimeout time.Duration
}

// Egress opens a real connection for every Connect and relays its bytes.
type Egress struct {
	*core
	dialer      Dialer
	dialTimeout time.Duration
}

func NewEgress(cfg EgressConfig) *Egress {
	d := cfg.Dialer
	if d == nil {
		d = &net.Dialer{}
	}
	return &Egress{core: newCore("egress"), dialer: d, dialTimeout: cfg.DialTimeout}
}

func (e *Egress) Start(ctx context.Context, mx *mux.Multiplexer) error {
	return e.start(ctx, mx, e)
}

func (e *Egress) Stop() error {
	e.stop()
	return nil
}

func (e *Egress) dial(ctx context.Context, address string) (net.Conn, error) {
	if e.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.dialTimeout)
		defer cancel()
	}
	return e.dialer.DialContext(ctx, "tcp", address)
}

// HandleConnect registers the connection and queues its dial as the first
// mailbox op; Data and Close for the id queue behind it.
func (e *Egress) HandleConnect(id uint32, host string, port uint16) {
	c := newLogicalConn(e.core, id, nil)
	if !e.add(c) {
		util.LogWarning("[%08x] CONNECT ignored: id in use or egress stopped", id)
		return
	}

	address := net.JoinHostPort(host, strconv.Itoa(int(port)))
	util.ConnLog(id, "connecting to %s", address)
	c.enqueue(op{kind: opDial, address: address})
	go c.runMailbox(e.ctx, e.dial)
}

func (e *Egress) HandleClose(id uint32) { e.handleClose(id) }

func (e *Egress) HandleData(id uint32, payload []byte) { e.handleData(id, payload) }
