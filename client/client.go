// Package client speaks the relay frame protocol from the client side. It
// backs the tester binary and the end to end suite.
package client

import (
	"chat-relay/contract"
	"chat-relay/errors"
	"chat-relay/infrastructure/transport"
	"chat-relay/protocol"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
)

const (
	DefaultChunkSize = 32 * 1024
	eventBufferSize  = 256
)

type Event interface{ isEvent() }

// TextEvent is a chat line relayed from another member of the room.
type TextEvent struct {
	Sender string
	Body   string
}

type NoticeEvent struct{ Text string }

type OfferEvent struct{ Offer protocol.OfferNoticePayload }

// FileEvent carries a fully reassembled file after an accepted offer.
type FileEvent struct {
	TransferID string
	FileName   string
	MimeType   string
	Data       []byte
}

type CompleteEvent struct{ Result protocol.CompletePayload }

func (TextEvent) isEvent()     {}
func (NoticeEvent) isEvent()   {}
func (OfferEvent) isEvent()    {}
func (FileEvent) isEvent()     {}
func (CompleteEvent) isEvent() {}

type Client struct {
	log       *slog.Logger
	transport contract.Transport
	chunkSize int

	writeMu sync.Mutex
	events  chan Event
	done    chan struct{}

	mu       sync.Mutex
	offer    *protocol.OfferNoticePayload
	incoming *FileEvent
	expected int64
	err      error
}

// Dial connects over TCP.
func Dial(ctx context.Context, log *slog.Logger, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", errors.ErrTransport, addr, err)
	}
	return New(log, transport.NewTCPTransport(conn), DefaultChunkSize), nil
}

// New starts reading server frames from t right away.
func New(log *slog.Logger, t contract.Transport, chunkSize int) *Client {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	c := &Client{
		log:       log,
		transport: t,
		chunkSize: chunkSize,
		events:    make(chan Event, eventBufferSize),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) Join(name, room string) error { return c.send(protocol.JoinFrame(name, room)) }

func (c *Client) Send(body string) error { return c.send(protocol.TextFrame(body)) }

func (c *Client) ChangeRoom(room string) error { return c.send(protocol.ChangeRoomFrame(room)) }

func (c *Client) Heartbeat() error { return c.send(protocol.HeartbeatFrame()) }

// Exit asks the relay to end the session. The event stream ends once the
// server closes the connection.
func (c *Client) Exit() error { return c.send(protocol.ExitFrame()) }

// OfferFile uploads size bytes read from r to every other member of the room.
func (c *Client) OfferFile(name string, size int64, r io.Reader) error {
	if err := c.send(protocol.OfferBeginFrame(name, size)); err != nil {
		return err
	}
	buf := make([]byte, c.chunkSize)
	remaining := size
	for remaining > 0 {
		n, err := io.ReadFull(r, buf[:min(int64(len(buf)), remaining)])
		if n > 0 {
			if err := c.send(protocol.ChunkFrame(append([]byte(nil), buf[:n]...))); err != nil {
				return err
			}
			remaining -= int64(n)
		}
		if err != nil && remaining > 0 {
			return fmt.Errorf("file source ended %d bytes early: %w", remaining, err)
		}
	}
	return nil
}

// Accept takes the last offer received. Its bytes are reassembled into a FileEvent.
// Chunks carry no transfer id, so a second file cannot be accepted while the
// previous one is incomplete.
func (c *Client) Accept() error {
	c.mu.Lock()
	if c.incoming != nil {
		name := c.incoming.FileName
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrStillReceiving, name)
	}
	offer := c.offer
	c.offer = nil
	if offer != nil {
		c.incoming = &FileEvent{
			TransferID: offer.TransferID,
			FileName:   offer.FileName,
			MimeType:   offer.MimeType,
			Data:       make([]byte, 0, offer.Size),
		}
		c.expected = int64(offer.Size)
	}
	c.mu.Unlock()

	if err := c.send(protocol.AcceptFrame()); err != nil {
		return err
	}
	if offer != nil && offer.Size == 0 {
		c.finishIncoming()
	}
	return nil
}

func (c *Client) Decline() error {
	c.mu.Lock()
	c.offer = nil
	c.mu.Unlock()
	return c.send(protocol.DeclineFrame())
}

// Events is closed when the connection ends.
func (c *Client) Events() <-chan Event { return c.events }

// Next returns the next event, or the connection error once the stream ended.
func (c *Client) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case e, ok := <-c.events:
		if !ok {
			if err := c.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return e, nil
	}
}

// Done is closed once the read loop returned.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil for an orderly close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error { return c.transport.Close() }

func (c *Client) send(f protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Send(protocol.Encode(f))
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	reader := protocol.NewReader(transport.NewStreamReader(c.transport, 0), 0)
	for {
		f, err := reader.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
		if err := c.handle(f); err != nil {
			c.log.Warn("Dropping malformed server frame", "type", f.Type, "error", err)
		}
	}
}

func (c *Client) handle(f protocol.Frame) error {
	switch f.Type {
	case protocol.TypeText:
		c.events <- toTextEvent(string(f.Payload))
	case protocol.TypeNotice:
		c.events <- NoticeEvent{Text: string(f.Payload)}
	case protocol.TypeOfferNotice:
		offer, err := protocol.UnmarshalOfferNotice(f.Payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.offer = &offer
		c.mu.Unlock()
		c.events <- OfferEvent{Offer: offer}
	case protocol.TypeFileComplete:
		result, err := protocol.UnmarshalComplete(f.Payload)
		if err != nil {
			return err
		}
		c.events <- CompleteEvent{Result: result}
	case protocol.TypeChunk:
		c.appendChunk(f.Payload)
	default:
		return fmt.Errorf("%w: %s", errors.ErrUnexpected, f.Type)
	}
	return nil
}

func (c *Client) appendChunk(data []byte) {
	c.mu.Lock()
	in := c.incoming
	if in == nil {
		c.mu.Unlock()
		c.log.Warn("Chunk received without an accepted offer", "bytes", len(data))
		return
	}
	if extra := int64(len(in.Data)+len(data)) - c.expected; extra > 0 {
		c.log.Warn("Dropping bytes beyond the offered size", "file", in.FileName, "bytes", extra)
		data = data[:int64(len(data))-extra]
	}
	in.Data = append(in.Data, data...)
	full := int64(len(in.Data)) >= c.expected
	c.mu.Unlock()

	if full {
		c.finishIncoming()
	}
}

func (c *Client) finishIncoming() {
	c.mu.Lock()
	in := c.incoming
	c.incoming = nil
	c.mu.Unlock()
	if in != nil {
		c.events <- *in
	}
}

// toTextEvent splits "<sender>: <body>" at the first separator.
func toTextEvent(line string) TextEvent {
	sender, body, ok := strings.Cut(line, ": ")
	if !ok {
		return TextEvent{Body: line}
	}
	return TextEvent{Sender: sender, Body: body}
}
