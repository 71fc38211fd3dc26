package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/infrastructure/transport"
	"chat-relay/observability"
	"chat-relay/protocol"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var _ contract.Member = (*Session)(nil)

var validate = validator.New()

// JoinRequest is the validated form of the first frame of a session.
type JoinRequest struct {
	Name string `validate:"required,max=32"`
	Room string `validate:"required,max=64"`
}

func ValidateJoin(req JoinRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidJoin, err)
	}
	if !isPrintable(req.Name) || !isPrintable(req.Room) {
		return fmt.Errorf("%w: control characters are not allowed", errors.ErrInvalidJoin)
	}
	return nil
}

func isPrintable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

type SessionConfig struct {
	BufferSize      int
	IdleTimeout     time.Duration
	DeliveryTimeout time.Duration
	MaxFrameSize    int
}

// uploadState tracks the FILE_CHUNK sequence announced by FILE_OFFER_BEGIN.
// When the coordinator refused the upload the remaining bytes are read and dropped.
type uploadState struct {
	active    bool
	remaining int64
	discard   bool
}

// Session is one connected client: a receive loop running in the caller's
// goroutine and a write loop draining a bounded outbound queue.
type Session struct {
	id        domain.SessionID
	name      string
	transport contract.Transport
	cfg       SessionConfig
	log       *slog.Logger

	directory   contract.IDirectory
	broadcaster contract.IBroadcaster
	coordinator contract.ICoordinator
	monitoring  *observability.MonitoringManager

	outbound  chan protocol.Frame
	done      chan struct{}
	flushed   chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	reason    error

	upload uploadState
}

func NewSession(
	log *slog.Logger,
	cfg SessionConfig,
	conn contract.Transport,
	directory contract.IDirectory,
	broadcaster contract.IBroadcaster,
	coordinator contract.ICoordinator,
	monitoring *observability.MonitoringManager) *Session {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	id := domain.NewSessionID()
	return &Session{
		id:          id,
		transport:   conn,
		cfg:         cfg,
		log:         log.With("session", id, "remote", conn.RemoteAddr()),
		directory:   directory,
		broadcaster: broadcaster,
		coordinator: coordinator,
		monitoring:  monitoring,
		outbound:    make(chan protocol.Frame, cfg.BufferSize),
		done:        make(chan struct{}),
		flushed:     make(chan struct{}),
	}
}

func (s *Session) ID() domain.SessionID { return s.id }

func (s *Session) Name() string { return s.name }

// Deliver queues f for the write loop. It blocks while the queue is full,
// until ctx is done or the session closes.
func (s *Session) Deliver(ctx context.Context, f protocol.Frame) error {
	select {
	case <-s.done:
		return errors.ErrSessionClosed
	default:
	}
	select {
	case s.outbound <- f:
		return nil
	case <-s.done:
		return errors.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the session. The first reason wins. Safe from any goroutine.
// A transport reason or a cancelled context closes the connection at once.
// Otherwise queued frames get one delivery timeout to reach the peer before
// the connection is closed under a blocked write.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
		if !flushable(reason) {
			_ = s.transport.Close()
			return
		}
		time.AfterFunc(s.cfg.DeliveryTimeout, func() { _ = s.transport.Close() })
	})
}

func flushable(reason error) bool {
	return !errors.Is(reason, errors.ErrTransport) && !errors.Is(reason, context.Canceled)
}

func (s *Session) closeReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Run serves the connection until EXIT, disconnect, protocol error or ctx
// cancellation, then leaves the room and resolves pending transfers.
// A clean exit returns nil.
func (s *Session) Run(ctx context.Context) error {
	s.monitoring.SessionOpened()
	defer s.monitoring.SessionClosed()

	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Close(ctx.Err())
		case <-s.done:
		}
	}()

	reader := protocol.NewReader(transport.NewStreamReader(s.transport, s.cfg.IdleTimeout), s.cfg.MaxFrameSize)
	err := s.serve(ctx, reader)
	s.teardown(err)
	return err
}

func (s *Session) serve(ctx context.Context, reader *protocol.Reader) error {
	if err := s.handshake(ctx, reader); err != nil {
		return s.fail(ctx, err)
	}
	for {
		f, err := reader.ReadFrame()
		if err != nil {
			return s.fail(ctx, err)
		}
		cmd, err := protocol.Decode(f)
		if err != nil {
			return s.fail(ctx, err)
		}
		exit, err := s.handle(ctx, cmd)
		if err != nil {
			return s.fail(ctx, err)
		}
		if exit {
			s.log.Debug("Session exit requested")
			return nil
		}
	}
}

// handshake waits for JOIN. Heartbeats are tolerated, anything else is a protocol error.
func (s *Session) handshake(ctx context.Context, reader *protocol.Reader) error {
	for {
		f, err := reader.ReadFrame()
		if err != nil {
			return err
		}
		if f.Type == protocol.TypeHeartbeat {
			continue
		}
		if f.Type != protocol.TypeJoin {
			return fmt.Errorf("%w: expected %s, got %s", errors.ErrUnexpected, protocol.TypeJoin, f.Type)
		}
		cmd, err := protocol.Decode(f)
		if err != nil {
			return err
		}
		join := cmd.(protocol.JoinCommand)
		req := JoinRequest{Name: strings.TrimSpace(join.Name), Room: strings.TrimSpace(join.Room)}
		if err := ValidateJoin(req); err != nil {
			return err
		}

		s.name = req.Name
		s.log = s.log.With("name", s.name)
		// Welcome first, so it precedes any room traffic on the wire
		s.notify(ctx, fmt.Sprintf("Welcome %s, you joined room %s.", s.name, req.Room))
		s.directory.Join(s, domain.RoomID(req.Room))
		s.log.Info("Session joined", "room", req.Room)
		return nil
	}
}

func (s *Session) handle(ctx context.Context, cmd protocol.Command) (exit bool, err error) {
	if s.upload.active {
		switch c := cmd.(type) {
		case protocol.ChunkCommand:
			return false, s.handleChunk(ctx, c)
		case protocol.HeartbeatCommand:
			return false, nil
		default:
			return false, fmt.Errorf("%w: %s during a file upload", errors.ErrUnexpected, cmd.Type())
		}
	}

	switch c := cmd.(type) {
	case protocol.TextCommand:
		s.handleText(c)
	case protocol.ChangeRoomCommand:
		return false, s.handleChangeRoom(ctx, c)
	case protocol.ExitCommand:
		return true, nil
	case protocol.OfferBeginCommand:
		return false, s.handleOfferBegin(ctx, c)
	case protocol.ChunkCommand:
		return false, errors.ErrNoUpload
	case protocol.AcceptCommand:
		return false, s.coordinator.Respond(ctx, s, true)
	case protocol.DeclineCommand:
		return false, s.coordinator.Respond(ctx, s, false)
	case protocol.HeartbeatCommand:
	case protocol.JoinCommand:
		return false, fmt.Errorf("%w: already joined", errors.ErrUnexpected)
	default:
		return false, fmt.Errorf("%w: %s", errors.ErrUnexpected, cmd.Type())
	}
	return false, nil
}

func (s *Session) handleText(c protocol.TextCommand) {
	if c.Body == "" {
		return
	}
	room, ok := s.directory.RoomOf(s.id)
	if !ok {
		return
	}
	s.broadcaster.Enqueue(domain.QueuedMessage{
		Room:       room,
		Kind:       domain.KindChat,
		SenderID:   s.id,
		SenderName: s.name,
		Payload:    []byte(c.Body),
		EnqueuedAt: time.Now(),
	})
}

func (s *Session) handleChangeRoom(ctx context.Context, c protocol.ChangeRoomCommand) error {
	if err := validate.Var(c.Room, "required,max=64"); err != nil || !isPrintable(c.Room) {
		return fmt.Errorf("%w: invalid room name %q", errors.ErrMalformed, c.Room)
	}
	s.notify(ctx, fmt.Sprintf("You are now in room %s.", c.Room))
	s.directory.ChangeRoom(s, domain.RoomID(c.Room))
	s.log.Info("Session changed room", "room", c.Room)
	return nil
}

func (s *Session) handleOfferBegin(ctx context.Context, c protocol.OfferBeginCommand) error {
	s.upload = uploadState{active: c.Size > 0, remaining: c.Size}
	if err := s.coordinator.BeginUpload(ctx, s, c.FileName, c.Size); err != nil {
		if errors.Is(err, errors.ErrProtocol) {
			return err
		}
		s.upload.discard = true
		s.reply(ctx, err)
	}
	return nil
}

func (s *Session) handleChunk(ctx context.Context, c protocol.ChunkCommand) error {
	n := int64(len(c.Data))
	if n > s.upload.remaining {
		return fmt.Errorf("%w: %d bytes sent, %d expected", errors.ErrChunkOverrun, n, s.upload.remaining)
	}
	s.upload.remaining -= n
	defer func() {
		if s.upload.remaining == 0 {
			s.upload = uploadState{}
		}
	}()

	if s.upload.discard {
		return nil
	}
	if _, err := s.coordinator.AppendChunk(ctx, s, c.Data); err != nil {
		if errors.Is(err, errors.ErrProtocol) {
			return err
		}
		s.upload.discard = true
		s.reply(ctx, err)
	}
	return nil
}

// fail maps a receive loop error to the session outcome. A clean EOF is
// not an error; a protocol error is reported to the client before closing.
func (s *Session) fail(ctx context.Context, err error) error {
	select {
	case <-s.done:
		// Closed from elsewhere: the receive error is only a consequence
		return s.closeReason()
	default:
	}

	switch {
	case errors.Is(err, io.EOF):
		s.log.Debug("Peer closed the connection")
		return nil
	case errors.Is(err, errors.ErrProtocol):
		s.monitoring.IncrProtocolErrors()
		s.log.Warn("Protocol error", "error", err)
		s.notify(ctx, err.Error())
		return err
	case errors.Is(err, errors.ErrTransport):
		return err
	default:
		return fmt.Errorf("%w: %v", errors.ErrTransport, err)
	}
}

// teardown runs once the receive loop ended, whatever the cause.
func (s *Session) teardown(err error) {
	s.directory.Leave(s)
	s.coordinator.SessionClosed(s)
	s.Close(err)
	<-s.flushed

	if err != nil {
		s.log.Info("Session closed", "error", err)
	} else {
		s.log.Info("Session closed")
	}
}

func (s *Session) reply(ctx context.Context, err error) {
	s.notify(ctx, "error: "+err.Error())
}

func (s *Session) notify(ctx context.Context, text string) {
	deliverCtx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()
	_ = s.Deliver(deliverCtx, protocol.NoticeFrame(text))
}

// writeLoop is the only writer of the transport. On close it flushes what is
// already queued, unless the transport itself is the problem or the relay is
// shutting down.
func (s *Session) writeLoop() {
	defer close(s.flushed)
	defer func() { _ = s.transport.Close() }()

	for {
		select {
		case f := <-s.outbound:
			if err := s.transport.Send(protocol.Encode(f)); err != nil {
				s.Close(fmt.Errorf("%w: %v", errors.ErrTransport, err))
				return
			}
		case <-s.done:
			if flushable(s.closeReason()) {
				s.drain()
			}
			return
		}
	}
}

func (s *Session) drain() {
	for {
		select {
		case f := <-s.outbound:
			if err := s.transport.Send(protocol.Encode(f)); err != nil {
				return
			}
		default:
			return
		}
	}
}
