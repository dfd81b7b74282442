package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/1ureka/ntun/internal/secret"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// server is the offerer-side WebSocket server. It hands out the first client
// and rejects the rest.
type server struct {
	listener net.Listener
	srv      *http.Server
	connCh   chan *websocket.Conn
}

func newServer() *server {
	return &server{connCh: make(chan *websocket.Conn, 1)}
}

// start begins listening on addr.
func (s *server) start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start WS server: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go s.srv.Serve(listener)
	return nil
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Only accept the first client.
	select {
	case s.connCh <- conn:
	default:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		conn.Close()
	}
}

// waitForClient blocks until a client connects or ctx is cancelled.
func (s *server) waitForClient(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// close shuts down the listener, preventing new connections.
func (s *server) close() {
	if s.srv != nil {
		s.srv.Close()
	}
}

// connect dials the offerer's WebSocket URL.
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}

// channel carries sealed JSON messages over a WebSocket.
type channel struct {
	conn *websocket.Conn
	box  *secret.Box
	mu   sync.Mutex
}

var errUnexpectedFrame = errors.New("signaling: unexpected text frame")

func (c *channel) send(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	sealed, err := c.box.Seal(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, sealed)
}

func (c *channel) recv() (message, error) {
	var msg message

	typ, sealed, err := c.conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if typ != websocket.BinaryMessage {
		return msg, errUnexpectedFrame
	}
	data, err := c.box.Open(sealed)
	if err != nil {
		return msg, err
	}
	err = json.Unmarshal(data, &msg)
	return msg, err
}

func (c *channel) close() error { return c.conn.Close() }
