package transport

import (
	"chat-relay/contract"
	"chat-relay/errors"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func TestTCPTransport_Send_And_Receive(t *testing.T) {
	req := require.New(t)
	server, client := net.Pipe()
	defer client.Close()

	tr := NewTCPTransport(server)
	defer tr.Close()

	go func() { _, _ = client.Write([]byte("hello")) }()

	got, err := tr.Receive()
	req.NoError(err)
	req.Equal("hello", string(got))

	go func() { _ = tr.Send([]byte("world")) }()
	buf := make([]byte, 5)
	_, err = io.ReadFull(client, buf)
	req.NoError(err)
	req.Equal("world", string(buf))
}

func TestTCPTransport_Idle_Deadline(t *testing.T) {
	req := require.New(t)
	server, client := net.Pipe()
	defer client.Close()
	tr := NewTCPTransport(server)
	defer tr.Close()

	// Given a silent peer
	req.NoError(tr.SetIdleDeadline(time.Now().Add(20 * time.Millisecond)))

	// Then Receive reports the idle timeout
	_, err := tr.Receive()
	req.ErrorIs(err, errors.ErrIdleTimeout)
	req.ErrorIs(err, errors.ErrTransport)
}

func TestListener_Serves_Each_Connection(t *testing.T) {
	req := require.New(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	req.NoError(err)

	served := make(chan string, 2)
	l := NewListener(logs.GetLoggerFromLevel(slog.LevelDebug), ln, func(_ context.Context, tr contract.Transport) error {
		b, err := tr.Receive()
		if err != nil {
			return err
		}
		served <- string(b)
		return tr.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	for _, msg := range []string{"one", "two"} {
		conn, err := net.Dial("tcp", l.Addr().String())
		req.NoError(err)
		_, err = conn.Write([]byte(msg))
		req.NoError(err)
		req.Equal(msg, <-served)
		_ = conn.Close()
	}

	// When the context is cancelled the accept loop returns cleanly
	cancel()
	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(time.Second):
		req.Fail("listener should stop after cancel")
	}
}

func TestWebSocketTransport_Binary_Stream(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	received := make(chan []byte, 1)
	handler := NewWebSocketHandler(context.Background(), log, 1<<20, func(_ context.Context, tr contract.Transport) error {
		defer tr.Close()
		b, err := tr.Receive()
		if err != nil {
			return err
		}
		received <- b
		if err := tr.Send([]byte("pong")); err != nil {
			return err
		}
		// Wait for the client to hang up
		_, err = tr.Receive()
		return err
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	req.NoError(err)

	req.NoError(conn.WriteMessage(websocket.BinaryMessage, []byte("ping")))
	req.Equal([]byte("ping"), <-received)

	kind, data, err := conn.ReadMessage()
	req.NoError(err)
	req.Equal(websocket.BinaryMessage, kind)
	req.Equal("pong", string(data))

	req.NoError(conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()
}

func TestWebSocketTransport_Rejects_Text_Messages(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	result := make(chan error, 1)
	handler := NewWebSocketHandler(context.Background(), log, 1<<20, func(_ context.Context, tr contract.Transport) error {
		defer tr.Close()
		_, err := tr.Receive()
		result <- err
		return err
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	req.NoError(err)
	defer conn.Close()

	req.NoError(conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	req.ErrorIs(<-result, errors.ErrProtocol)
}
