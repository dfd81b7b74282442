package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/1ureka/ntun/internal/util"
	"github.com/gorilla/websocket"
)

// WebSocketClient is a framed transport over an outbound WebSocket.
type WebSocketClient struct {
	*framed
	url    string
	dialer *websocket.Dialer
}

func NewWebSocketClient(url string, opts Options) *WebSocketClient {
	return &WebSocketClient{framed: newFramed(opts), url: url, dialer: websocket.DefaultDialer}
}

func (c *WebSocketClient) Start(ctx context.Context) error {
	if err := c.begin(ctx, func() { c.Stop() }); err != nil {
		return err
	}

	c.dialInBackground(ctx, "dial", func(ctx context.Context) (io.ReadWriteCloser, error) {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			return nil, err
		}
		util.LogInfo("websocket transport connected to %s", c.url)
		return newWSStream(conn), nil
	})
	return nil
}

// WebSocketServer is a framed transport over the first WebSocket upgraded on
// its listen address. Later peers get a policy-violation close frame.
type WebSocketServer struct {
	*framed
	addr     string
	listener net.Listener
	upgrader websocket.Upgrader
}

func NewWebSocketServer(addr string, opts Options) *WebSocketServer {
	return &WebSocketServer{
		framed: newFramed(opts),
		addr:   addr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start binds the listener synchronously, so bind errors are returned here.
func (s *WebSocketServer) Start(ctx context.Context) error {
	if err := s.begin(ctx, func() { s.Stop() }); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		err = &Error{Op: "listen", Err: err}
		s.shutdown(err)
		return err
	}
	s.listener = ln

	srv := &http.Server{
		Handler:           http.HandlerFunc(s.handleUpgrade),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.onShutdown(srv.Close)

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.shutdown(&Error{Op: "serve", Err: err})
		}
	}()

	util.LogInfo("websocket transport listening on ws://%s", ln.Addr())
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *WebSocketServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *WebSocketServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	if !s.attach(newWSStream(conn)) {
		util.LogWarning("rejecting extra websocket peer from %s", r.RemoteAddr)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "another peer is already connected")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	util.LogInfo("websocket transport connected from %s", r.RemoteAddr)
}

// wsStream exposes a WebSocket as a byte stream: every write is one binary
// message and reads run across message boundaries. Non-binary messages are
// skipped.
type wsStream struct {
	conn *websocket.Conn
	r    io.Reader
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			typ, r, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			s.r = r
		}

		n, err := s.r.Read(p)
		if err == io.EOF {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}
