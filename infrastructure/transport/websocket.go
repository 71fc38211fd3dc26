package transport

import (
	"chat-relay/contract"
	"chat-relay/errors"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const pingPeriod = 54 * time.Second

var _ contract.Transport = (*WebSocketTransport)(nil)

// WebSocketTransport carries the frame stream inside binary WebSocket
// messages. Message boundaries carry no meaning: a frame may span messages.
type WebSocketTransport struct {
	conn    *websocket.Conn
	addr    string
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func NewWebSocketTransport(conn *websocket.Conn, addr string) *WebSocketTransport {
	t := &WebSocketTransport{conn: conn, addr: addr, done: make(chan struct{})}
	go t.keepAlive()
	return t
}

func (t *WebSocketTransport) Send(b []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrTransport, err)
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrTransport, err)
	}
	return nil
}

// Receive returns the payload of the next binary message. A normal close
// from the peer reads as io.EOF.
func (t *WebSocketTransport) Receive() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, mapReadError(err)
		}
		if kind != websocket.BinaryMessage {
			return nil, fmt.Errorf("%w: text websocket messages are not supported", errors.ErrUnexpected)
		}
		if len(data) > 0 {
			return data, nil
		}
	}
}

func (t *WebSocketTransport) SetIdleDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *WebSocketTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *WebSocketTransport) RemoteAddr() string { return t.addr }

// keepAlive pings the peer so intermediaries keep the connection open.
func (t *WebSocketTransport) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// WebSocketHandler upgrades GET requests and serves each connection until it ends.
type WebSocketHandler struct {
	log            *slog.Logger
	ctx            context.Context
	upgrader       websocket.Upgrader
	maxMessageSize int64
	serve          func(ctx context.Context, t contract.Transport) error
}

func NewWebSocketHandler(ctx context.Context, log *slog.Logger, maxMessageSize int, serve func(ctx context.Context, t contract.Transport) error) *WebSocketHandler {
	return &WebSocketHandler{
		log: log,
		ctx: ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		maxMessageSize: int64(maxMessageSize),
		serve:          serve,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if h.maxMessageSize > 0 {
		conn.SetReadLimit(h.maxMessageSize)
	}

	t := NewWebSocketTransport(conn, r.RemoteAddr)
	if err := h.serve(h.ctx, t); err != nil {
		h.log.Debug("WebSocket connection ended", "remote", r.RemoteAddr, "error", err)
	}
}
