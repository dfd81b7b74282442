package transport

import (
	"context"

	"github.com/pion/webrtc/v4"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing message channel capacity
)

// sender serializes all writes to one DataChannel behind an open gate and
// bufferedAmount backpressure.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
	onError     func(error)
}

// newSender wires the backpressure callbacks on dc and starts the loop. The
// loop exits when ctx is cancelled or a send fails.
func newSender(ctx context.Context, dc *webrtc.DataChannel, open <-chan struct{}, onError func(error)) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		onError:     onError,
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, open)
	return s
}

func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, open <-chan struct{}) {
	select {
	case <-open:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case buf := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.Send(buf); err != nil {
				s.onError(err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues buf, blocking while the inbox is full.
func (s *sender) send(ctx context.Context, buf []byte) error {
	select {
	case s.inbox <- buf:
		return nil
	case <-ctx.Done():
		return ErrClosed
	}
}
