package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ntun/internal/secret"
	"github.com/1ureka/ntun/internal/transport"
	"github.com/1ureka/ntun/internal/util"
)

// openGrace is how long a closed signaling socket may precede the local
// channel opening.
const openGrace = 5 * time.Second

// Offerer returns a Signaler that serves signaling on listenAddr, waits for
// one answerer and sends the offer. The WebSocket is closed once the channel
// is open.
func Offerer(listenAddr string, box *secret.Box) transport.Signaler {
	return func(ctx context.Context, dc *transport.DataChannel) error {
		srv := newServer()
		if err := srv.start(listenAddr); err != nil {
			return err
		}
		defer srv.close()

		util.LogInfo("signaling server listening on ws://%s, waiting for peer", srv.listener.Addr())

		wsConn, err := srv.waitForClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to wait for peer: %w", err)
		}
		util.LogInfo("signaling peer connected from %s", wsConn.RemoteAddr())

		return exchange(ctx, dc, wsConn, box, true)
	}
}

// Answerer returns a Signaler that dials the offerer at url and answers its
// offer.
func Answerer(url string, box *secret.Box) transport.Signaler {
	return func(ctx context.Context, dc *transport.DataChannel) error {
		wsConn, err := connect(ctx, url)
		if err != nil {
			return err
		}
		util.LogInfo("signaling connected to %s", url)

		return exchange(ctx, dc, wsConn, box, false)
	}
}

// exchange trickles SDP and candidates over wsConn until dc opens, the
// WebSocket fails or ctx ends.
func exchange(ctx context.Context, dc *transport.DataChannel, wsConn *websocket.Conn, box *secret.Box, offer bool) error {
	ch := &channel{conn: wsConn, box: box}
	defer ch.close()

	s := newSession(dc, ch, offer)

	dc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		// Best effort: a lost candidate only narrows the candidate set.
		s.sendCandidate(string(data))
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.serve() // exits when ch is closed
	}()

	if offer {
		if err := s.sendOffer(); err != nil {
			return fmt.Errorf("failed to send offer: %w", err)
		}
	}

	select {
	case <-dc.Ready():
		util.LogInfo("DataChannel established, closing signaling")
		return nil

	case err := <-errCh:
		// The peer closes the WebSocket as soon as its side opens, which can
		// be slightly ahead of ours.
		select {
		case <-dc.Ready():
			return nil
		case <-time.After(openGrace):
			return fmt.Errorf("signaling failed (peer connection %s): %w", dc.ConnectionState(), err)
		case <-ctx.Done():
			return ctx.Err()
		}

	case <-ctx.Done():
		return ctx.Err()
	}
}
