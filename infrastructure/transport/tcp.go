// Package transport adapts network connections to contract.Transport.
package transport

import (
	"chat-relay/contract"
	"chat-relay/errors"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	readBufferSize = 32 * 1024
	writeTimeout   = 10 * time.Second
)

var _ contract.Transport = (*TCPTransport)(nil)

// TCPTransport is a raw TCP connection carrying the length prefixed frame stream.
type TCPTransport struct {
	conn net.Conn
	buf  []byte
}

func NewTCPTransport(conn net.Conn) *TCPTransport {
	return &TCPTransport{conn: conn, buf: make([]byte, readBufferSize)}
}

func (t *TCPTransport) Send(b []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrTransport, err)
	}
	if _, err := t.conn.Write(b); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrTransport, err)
	}
	return nil
}

// Receive returns whatever bytes arrived, copied out of the read buffer.
func (t *TCPTransport) Receive() ([]byte, error) {
	n, err := t.conn.Read(t.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, t.buf[:n])
		return out, nil
	}
	return nil, mapReadError(err)
}

func (t *TCPTransport) SetIdleDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *TCPTransport) Close() error { return t.conn.Close() }

func (t *TCPTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

// Listener accepts TCP clients and hands each one to serve in its own goroutine.
type Listener struct {
	log   *slog.Logger
	ln    net.Listener
	serve func(ctx context.Context, t contract.Transport) error
	wg    sync.WaitGroup
}

func NewListener(log *slog.Logger, ln net.Listener, serve func(ctx context.Context, t contract.Transport) error) *Listener {
	return &Listener{log: log, ln: ln, serve: serve}
}

// Serve accepts until ctx is cancelled, then waits for the connections it started.
// A failing connection never stops the accept loop.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				l.log.Warn("Accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			l.wg.Wait()
			return fmt.Errorf("%w: accept: %v", errors.ErrTransport, err)
		}
		backoff = 0

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			t := NewTCPTransport(conn)
			if err := l.serve(ctx, t); err != nil {
				l.log.Debug("Connection ended", "remote", t.RemoteAddr(), "error", err)
			}
		}()
	}
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func mapReadError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", errors.ErrIdleTimeout, err)
	}
	return err
}
