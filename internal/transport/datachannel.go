package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/ntun/internal/util"
	"github.com/pion/webrtc/v4"
)

// MaxMessageSize is the largest buffer the data channel variant sends as a
// single message.
const MaxMessageSize = 64 * 1024

// Signaler performs the offer/answer and ICE exchange for dc. It runs on its
// own goroutine after Start and should return once dc is ready or ctx ends.
type Signaler func(ctx context.Context, dc *DataChannel) error

// DataChannel is a transport over one WebRTC PeerConnection and a
// pre-negotiated, ordered DataChannel. Channel messages already delimit
// buffers, so no length framing is applied.
//
// The lifecycle follows the DataChannel state: Ready when it opens, Done when
// it closes, the PeerConnection fails or the Start context is cancelled.
type DataChannel struct {
	*session
	opts   Options
	signal Signaler

	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	sender *sender

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

func NewDataChannel(signal Signaler, opts Options) *DataChannel {
	return &DataChannel{
		session: newSession(),
		opts:    opts,
		signal:  signal,
		pcState: webrtc.PeerConnectionStateNew,
	}
}

// Start creates the PeerConnection and channel, then runs the Signaler in
// the background.
func (t *DataChannel) Start(ctx context.Context) error {
	if err := t.begin(ctx, func() { t.Stop() }); err != nil {
		return err
	}

	pc, err := newPeerConnection(t.opts.ICEServers)
	if err != nil {
		err = &Error{Op: "peer connection", Err: err}
		t.finish(err)
		return err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		err = &Error{Op: "data channel", Err: err}
		t.finish(err)
		return err
	}

	t.mu.Lock()
	t.pc, t.dc = pc, dc
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	dc.OnOpen(func() {
		util.LogInfo("DataChannel open")
		t.markReady()
	})

	dc.OnClose(func() {
		util.LogInfo("DataChannel closed")
		t.shutdown(nil)
	})

	// pion delivers messages from a single goroutine, in order.
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !t.waitHandler() {
			return
		}
		t.deliver(msg.Data)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()

		if state == webrtc.PeerConnectionStateFailed {
			t.shutdown(&Error{Op: "ice", Err: errors.New("peer connection failed")})
		}
	})

	t.sender = newSender(t.ctx, dc, t.Ready(), func(err error) {
		t.shutdown(&Error{Op: "write", Err: err})
	})

	go func() {
		if err := t.signal(t.ctx, t); err != nil {
			if t.closed() {
				return
			}
			t.shutdown(&Error{Op: "signal", Err: err})
		}
	}()
	return nil
}

func (t *DataChannel) Stop() error {
	t.shutdown(nil)
	return nil
}

func (t *DataChannel) shutdown(err error) {
	if !t.finish(err) {
		return
	}

	t.mu.RLock()
	pc, dc, cancel := t.pc, t.dc, t.cancel
	t.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	// May run inside a pion callback; closing there can block on pion's own
	// locks.
	go func() {
		if dc != nil {
			dc.Close()
		}
		if pc != nil {
			pc.Close()
		}
	}()
}

// SendBuffer queues buf as one channel message. It blocks while the send
// queue is full.
func (t *DataChannel) SendBuffer(buf []byte) error {
	if t.closed() {
		return ErrClosed
	}
	if t.sender == nil {
		return ErrNotConnected
	}
	if len(buf) > MaxMessageSize {
		return fmt.Errorf("transport: message of %d bytes exceeds %d", len(buf), MaxMessageSize)
	}
	return t.sender.send(t.ctx, buf)
}

// ConnectionState returns the last observed PeerConnection state.
func (t *DataChannel) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Signaling hooks
// ---------------------------------------------------------------------------

func (t *DataChannel) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *DataChannel) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *DataChannel) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

func (t *DataChannel) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback for each gathered local candidate. A
// nil candidate marks the end of gathering.
func (t *DataChannel) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

// LocalDescription returns the applied local SDP, including candidates
// gathered so far.
func (t *DataChannel) LocalDescription() *webrtc.SessionDescription {
	return t.pc.LocalDescription()
}

// GatheringComplete is closed once ICE gathering finishes, for signalers
// that send a single SDP instead of trickling candidates.
func (t *DataChannel) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(t.pc)
}

func (t *DataChannel) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}
