package transport

import (
	"chat-relay/contract"
	"io"
	"time"
)

// StreamReader adapts message oriented Receive calls to an io.Reader. When
// idle is set, the idle deadline is armed before each Receive.
type StreamReader struct {
	transport contract.Transport
	idle      time.Duration
	buf       []byte
}

var _ io.Reader = (*StreamReader)(nil)

func NewStreamReader(t contract.Transport, idle time.Duration) *StreamReader {
	return &StreamReader{transport: t, idle: idle}
}

func (r *StreamReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.idle > 0 {
			if err := r.transport.SetIdleDeadline(time.Now().Add(r.idle)); err != nil {
				return 0, err
			}
		}
		b, err := r.transport.Receive()
		if err != nil {
			return 0, err
		}
		r.buf = b
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
