package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/1ureka/ntun/internal/framing"
	"github.com/1ureka/ntun/internal/ratelimit"
	"github.com/gorilla/websocket"
)

// framed carries length-prefixed frames over one byte stream. It is the
// shared core of the stream and websocket variants; the owner supplies the
// physical connection through attach.
type framed struct {
	*session
	opts Options

	mu      sync.Mutex // guards conn, writer, limiter, closers
	conn    io.ReadWriteCloser
	writer  *framing.Writer
	limiter *ratelimit.Limiter
	closers []func() error

	writeMu sync.Mutex // serializes WriteFrame
}

func newFramed(opts Options) *framed {
	return &framed{session: newSession(), opts: opts}
}

// onShutdown registers fn to run when the transport closes.
func (f *framed) onShutdown(fn func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closers = append(f.closers, fn)
}

// attach installs conn as the physical link and starts the read loop. It
// returns false when a link is already attached or the transport is closed;
// the caller then owns conn.
func (f *framed) attach(conn io.ReadWriteCloser) bool {
	f.mu.Lock()
	if f.conn != nil || f.closed() {
		f.mu.Unlock()
		return false
	}

	f.conn = conn
	var w io.Writer = conn
	if f.opts.RateLimit > 0 {
		f.limiter = ratelimit.New(func(p []byte) error {
			_, err := conn.Write(p)
			return err
		}, ratelimit.Options{BytesPerSecond: f.opts.RateLimit, Interval: f.opts.RateInterval})
		w = limitedWriter{f.limiter}
	}
	f.writer = framing.NewWriter(w, f.opts.ChunkSize)
	f.mu.Unlock()

	f.markReady()
	go f.readLoop(conn)
	return true
}

func (f *framed) readLoop(conn io.Reader) {
	if !f.waitHandler() {
		return
	}

	r := framing.NewReader(conn)
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			f.shutdown(f.readError(err))
			return
		}
		f.deliver(frame)
	}
}

// readError maps a read failure to the transport's terminal error. A peer
// hanging up and our own Stop are clean closes.
func (f *framed) readError(err error) error {
	if f.closed() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return &Error{Op: "read", Err: err}
}

func (f *framed) SendBuffer(buf []byte) error {
	if f.closed() {
		return ErrClosed
	}

	f.mu.Lock()
	w := f.writer
	f.mu.Unlock()
	if w == nil {
		return ErrNotConnected
	}

	f.writeMu.Lock()
	err := w.WriteFrame(buf)
	f.writeMu.Unlock()

	if err == nil {
		return nil
	}

	var fe *framing.Error
	if errors.As(err, &fe) {
		return err
	}
	if f.closed() {
		return ErrClosed
	}

	err = &Error{Op: "write", Err: err}
	f.shutdown(err)
	return err
}

func (f *framed) Stop() error {
	f.shutdown(nil)
	return nil
}

// shutdown closes the transport with cause err. Only the first call closes
// the connection and runs the registered closers.
func (f *framed) shutdown(err error) {
	if !f.finish(err) {
		return
	}

	f.mu.Lock()
	conn, limiter, closers := f.conn, f.limiter, f.closers
	f.mu.Unlock()

	// Closing conn first unblocks a limiter drain stuck in Write.
	if conn != nil {
		conn.Close()
	}
	if limiter != nil {
		limiter.Stop()
	}
	for _, c := range closers {
		c()
	}
}

// limitedWriter routes writes through a rate limiter. The limiter keeps a
// reference to each chunk until it is sent, so the bytes are copied first.
type limitedWriter struct {
	l *ratelimit.Limiter
}

func (w limitedWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	if err := w.l.Send(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// dialInBackground runs dial on its own goroutine and attaches the result.
func (f *framed) dialInBackground(ctx context.Context, op string, dial func(context.Context) (io.ReadWriteCloser, error)) {
	go func() {
		conn, err := dial(ctx)
		if err != nil {
			if f.closed() || ctx.Err() != nil {
				f.shutdown(nil)
				return
			}
			f.shutdown(&Error{Op: op, Err: err})
			return
		}
		if !f.attach(conn) {
			conn.Close()
		}
	}()
}
