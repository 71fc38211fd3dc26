package runtime

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/infrastructure/transport"
	"chat-relay/mocks"
	"chat-relay/observability"
	"chat-relay/protocol"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// peer is the client end of a piped session.
type peer struct {
	conn   net.Conn
	frames chan protocol.Frame
}

func newPeer(conn net.Conn) *peer {
	p := &peer{conn: conn, frames: make(chan protocol.Frame, 64)}
	go func() {
		defer close(p.frames)
		reader := protocol.NewReader(conn, 0)
		for {
			f, err := reader.ReadFrame()
			if err != nil {
				return
			}
			p.frames <- f
		}
	}()
	return p
}

func (p *peer) send(frames ...protocol.Frame) {
	for _, f := range frames {
		if _, err := p.conn.Write(protocol.Encode(f)); err != nil {
			return
		}
	}
}

func (p *peer) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f, ok := <-p.frames:
		require.True(t, ok, "connection closed")
		return f
	case <-time.After(timeout):
		require.FailNow(t, "no frame received")
		return protocol.Frame{}
	}
}

func (p *peer) notice(t *testing.T) string {
	t.Helper()
	f := p.next(t)
	require.Equal(t, protocol.TypeNotice, f.Type)
	return string(f.Payload)
}

type sessionFixture struct {
	session     *Session
	peer        *peer
	directory   *Directory
	broadcaster *recordingBroadcaster
	coordinator *mocks.MockICoordinator
	result      chan error
}

func startSession(t *testing.T, cfg SessionConfig) *sessionFixture {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	coordinator := mocks.NewMockICoordinator(ctrl)
	coordinator.EXPECT().SessionClosed(gomock.Any()).AnyTimes()

	if cfg.BufferSize == 0 {
		cfg.BufferSize = 16
	}
	if cfg.DeliveryTimeout == 0 {
		cfg.DeliveryTimeout = timeout
	}

	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	dir, b := newTestDirectory()
	s := NewSession(log, cfg, transport.NewTCPTransport(server), dir, b, coordinator, observability.NewMonitoringManager(log))
	f := &sessionFixture{
		session:     s,
		peer:        newPeer(client),
		directory:   dir,
		broadcaster: b,
		coordinator: coordinator,
		result:      make(chan error, 1),
	}
	go func() { f.result <- s.Run(context.Background()) }()
	return f
}

func (f *sessionFixture) join(t *testing.T, name, room string) {
	t.Helper()
	go f.peer.send(protocol.JoinFrame(name, room))
	require.Equal(t, fmt.Sprintf("Welcome %s, you joined room %s.", name, room), f.peer.notice(t))
}

func (f *sessionFixture) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.result:
		return err
	case <-time.After(timeout):
		require.FailNow(t, "session did not end")
		return nil
	}
}

func TestSession_Join_Text_Exit(t *testing.T) {
	req := require.New(t)
	f := startSession(t, SessionConfig{})

	// Given a joined session
	f.join(t, "alice", "lobby")
	req.Eventually(func() bool {
		room, ok := f.directory.RoomOf(f.session.ID())
		return ok && room == "lobby"
	}, timeout, 5*time.Millisecond)

	// When it sends text, an empty body and a heartbeat
	go f.peer.send(protocol.TextFrame("hi"), protocol.TextFrame(""), protocol.HeartbeatFrame(), protocol.ExitFrame())

	// Then one chat message is enqueued and EXIT ends the session cleanly
	req.NoError(f.wait(t))
	msgs := f.broadcaster.all()
	req.Len(msgs, 1)
	req.Equal(domain.KindChat, msgs[0].Kind)
	req.Equal(domain.RoomID("lobby"), msgs[0].Room)
	req.Equal("alice", msgs[0].SenderName)
	req.Equal("hi", string(msgs[0].Payload))

	_, ok := f.directory.RoomOf(f.session.ID())
	req.False(ok)
	req.Empty(f.directory.Rooms())
}

func TestSession_Heartbeat_Before_Join(t *testing.T) {
	req := require.New(t)
	f := startSession(t, SessionConfig{})

	go f.peer.send(protocol.HeartbeatFrame(), protocol.JoinFrame("alice", "lobby"))
	req.Equal("Welcome alice, you joined room lobby.", f.peer.notice(t))
}

func TestSession_Protocol_Errors_Close_With_Diagnostic(t *testing.T) {
	cases := map[string]struct {
		frames []protocol.Frame
		target error
	}{
		"text before join": {
			frames: []protocol.Frame{protocol.TextFrame("hi")},
			target: errors.ErrUnexpected,
		},
		"empty name": {
			frames: []protocol.Frame{protocol.JoinFrame(" ", "lobby")},
			target: errors.ErrInvalidJoin,
		},
		"control characters": {
			frames: []protocol.Frame{protocol.JoinFrame("ali\x07ce", "lobby")},
			target: errors.ErrInvalidJoin,
		},
		"unknown tag": {
			frames: []protocol.Frame{{Type: protocol.Type(0x7F)}},
			target: errors.ErrUnknownFrame,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			f := startSession(t, SessionConfig{})

			go f.peer.send(tc.frames...)

			req.True(strings.HasPrefix(f.peer.notice(t), "protocol error"))
			req.ErrorIs(f.wait(t), tc.target)
		})
	}
}

func TestSession_Stalled_Peer_Does_Not_Hold_Teardown(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	coordinator := mocks.NewMockICoordinator(ctrl)
	coordinator.EXPECT().SessionClosed(gomock.Any()).AnyTimes()

	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	dir, b := newTestDirectory()
	cfg := SessionConfig{BufferSize: 16, DeliveryTimeout: 100 * time.Millisecond}
	s := NewSession(log, cfg, transport.NewTCPTransport(server), dir, b, coordinator, observability.NewMonitoringManager(log))
	result := make(chan error, 1)
	go func() { result <- s.Run(context.Background()) }()

	// Given a peer that joins and then never reads again
	go func() {
		_, _ = client.Write(protocol.Encode(protocol.JoinFrame("alice", "lobby")))
		_, _ = client.Write(protocol.Encode(protocol.Frame{Type: protocol.Type(0x7F)}))
	}()

	// Then the protocol error ends the session within the delivery timeout,
	// long before a single write would time out
	select {
	case err := <-result:
		req.ErrorIs(err, errors.ErrUnknownFrame)
	case <-time.After(2 * time.Second):
		req.FailNow("teardown blocked on a stalled peer")
	}
	_, ok := dir.RoomOf(s.ID())
	req.False(ok)
}

func TestSession_Oversized_Frame(t *testing.T) {
	req := require.New(t)
	f := startSession(t, SessionConfig{MaxFrameSize: 16})
	f.join(t, "alice", "lobby")

	go f.peer.send(protocol.TextFrame(strings.Repeat("x", 17)))

	req.Contains(f.peer.notice(t), "frame exceeds maximum size")
	req.ErrorIs(f.wait(t), errors.ErrFrameTooLarge)
}

func TestSession_Second_Join_Is_Rejected(t *testing.T) {
	req := require.New(t)
	f := startSession(t, SessionConfig{})
	f.join(t, "alice", "lobby")

	go f.peer.send(protocol.JoinFrame("alice", "other"))

	req.True(strings.HasPrefix(f.peer.notice(t), "protocol error"))
	req.ErrorIs(f.wait(t), errors.ErrUnexpected)
}

func TestSession_Change_Room(t *testing.T) {
	req := require.New(t)
	f := startSession(t, SessionConfig{})
	f.join(t, "alice", "lobby")

	go f.peer.send(protocol.ChangeRoomFrame("games"))

	req.Equal("You are now in room games.", f.peer.notice(t))
	req.Eventually(func() bool {
		room, ok := f.directory.RoomOf(f.session.ID())
		return ok && room == "games"
	}, timeout, 5*time.Millisecond)
}

func TestSession_Accept_Without_Offer(t *testing.T) {
	req := require.New(t)
	f := startSession(t, SessionConfig{})
	f.coordinator.EXPECT().Respond(gomock.Any(), gomock.Any(), true).Return(errors.ErrNoPendingOffer)
	f.join(t, "bob", "lobby")

	go f.peer.send(protocol.AcceptFrame())

	req.Equal("protocol error: no pending file offer", f.peer.notice(t))
	req.ErrorIs(f.wait(t), errors.ErrNoPendingOffer)
}

func TestSession_Refused_Offer_Discards_Chunks(t *testing.T) {
	req := require.New(t)
	f := startSession(t, SessionConfig{})
	busy := fmt.Errorf("%w: bob", errors.ErrRecipientBusy)
	f.coordinator.EXPECT().BeginUpload(gomock.Any(), gomock.Any(), "a.txt", int64(6)).Return(busy)
	f.join(t, "alice", "lobby")

	// When the offer is refused, its chunks still follow on the wire
	go f.peer.send(
		protocol.OfferBeginFrame("a.txt", 6),
		protocol.ChunkFrame([]byte("abc")),
		protocol.ChunkFrame([]byte("def")),
		protocol.TextFrame("still here"))

	// Then the sender gets an error reply and the session carries on
	req.Equal("error: "+busy.Error(), f.peer.notice(t))
	req.Eventually(func() bool { return len(f.broadcaster.all()) == 1 }, timeout, 5*time.Millisecond)
	req.Equal("still here", string(f.broadcaster.all()[0].Payload))
}

func TestSession_Upload_Forwards_Chunks(t *testing.T) {
	req := require.New(t)
	f := startSession(t, SessionConfig{})
	gomock.InOrder(
		f.coordinator.EXPECT().BeginUpload(gomock.Any(), gomock.Any(), "a.txt", int64(6)).Return(nil),
		f.coordinator.EXPECT().AppendChunk(gomock.Any(), gomock.Any(), []byte("abc")).Return(int64(3), nil),
		f.coordinator.EXPECT().AppendChunk(gomock.Any(), gomock.Any(), []byte("def")).Return(int64(0), nil),
	)
	f.join(t, "alice", "lobby")

	go f.peer.send(
		protocol.OfferBeginFrame("a.txt", 6),
		protocol.ChunkFrame([]byte("abc")),
		protocol.HeartbeatFrame(),
		protocol.ChunkFrame([]byte("def")),
		protocol.TextFrame("done"))

	req.Eventually(func() bool { return len(f.broadcaster.all()) == 1 }, timeout, 5*time.Millisecond)
}

func TestSession_Text_During_Upload_Is_Rejected(t *testing.T) {
	req := require.New(t)
	f := startSession(t, SessionConfig{})
	f.coordinator.EXPECT().BeginUpload(gomock.Any(), gomock.Any(), "a.txt", int64(6)).Return(nil)
	f.join(t, "alice", "lobby")

	go f.peer.send(protocol.OfferBeginFrame("a.txt", 6), protocol.TextFrame("oops"))

	req.True(strings.HasPrefix(f.peer.notice(t), "protocol error"))
	req.ErrorIs(f.wait(t), errors.ErrUnexpected)
}

func TestSession_Idle_Timeout(t *testing.T) {
	req := require.New(t)
	f := startSession(t, SessionConfig{IdleTimeout: 50 * time.Millisecond})
	f.join(t, "alice", "lobby")

	// Nothing more is sent
	err := f.wait(t)
	req.ErrorIs(err, errors.ErrIdleTimeout)
	_, ok := f.directory.RoomOf(f.session.ID())
	req.False(ok)
}

func TestSession_Closed_From_Outside(t *testing.T) {
	req := require.New(t)
	f := startSession(t, SessionConfig{})
	f.join(t, "alice", "lobby")

	f.session.Close(errors.ErrSlowConsumer)

	req.ErrorIs(f.wait(t), errors.ErrSlowConsumer)
	req.ErrorIs(f.session.Deliver(context.Background(), protocol.NoticeFrame("late")), errors.ErrSessionClosed)
}
