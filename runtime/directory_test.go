package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/observability"
	"chat-relay/protocol"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

const timeout = time.Second

// fakeMember records what it is delivered.
type fakeMember struct {
	id   domain.SessionID
	name string

	mu     sync.Mutex
	frames []protocol.Frame
	closed error
}

func newFakeMember(name string) *fakeMember {
	return &fakeMember{id: domain.SessionID(name), name: name}
}

func (m *fakeMember) ID() domain.SessionID { return m.id }
func (m *fakeMember) Name() string         { return m.name }

func (m *fakeMember) Deliver(_ context.Context, f protocol.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, f)
	return nil
}

func (m *fakeMember) Close(reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = reason
}

func (m *fakeMember) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []string
	for _, f := range m.frames {
		res = append(res, string(f.Payload))
	}
	return res
}

// recordingBroadcaster keeps enqueued messages in memory.
type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []domain.QueuedMessage
}

func (b *recordingBroadcaster) Enqueue(msg domain.QueuedMessage) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	return uint64(len(b.messages))
}

func (b *recordingBroadcaster) Depth() int { return 0 }

func (b *recordingBroadcaster) all() []domain.QueuedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.QueuedMessage(nil), b.messages...)
}

func newTestDirectory() (*Directory, *recordingBroadcaster) {
	b := &recordingBroadcaster{}
	return NewDirectory(logs.GetLoggerFromLevel(slog.LevelDebug), b), b
}

func ids(members []contract.Member) []domain.SessionID {
	var res []domain.SessionID
	for _, m := range members {
		res = append(res, m.ID())
	}
	return res
}

func TestDirectory_Join_Notifies_Others_Only(t *testing.T) {
	req := require.New(t)
	dir, b := newTestDirectory()
	alice, bob := newFakeMember("alice"), newFakeMember("bob")

	// Given alice alone in the lobby
	dir.Join(alice, "lobby")
	req.Empty(b.all())

	// When bob joins
	dir.Join(bob, "lobby")

	// Then only alice is told
	msgs := b.all()
	req.Len(msgs, 1)
	req.Equal(domain.KindNotice, msgs[0].Kind)
	req.Equal("bob has joined the room.", string(msgs[0].Payload))
	req.Equal([]domain.SessionID{"alice"}, msgs[0].Recipients)
	req.Equal([]domain.SessionID{"alice", "bob"}, ids(dir.MembersExcluding("lobby", "")))
}

func TestDirectory_Leave_Notifies_Remaining_And_Prunes(t *testing.T) {
	req := require.New(t)
	dir, b := newTestDirectory()
	alice, bob := newFakeMember("alice"), newFakeMember("bob")
	dir.Join(alice, "lobby")
	dir.Join(bob, "lobby")

	// When alice leaves
	dir.Leave(alice)

	// Then bob is told and alice is gone
	msgs := b.all()
	req.Equal("alice has left the room.", string(msgs[len(msgs)-1].Payload))
	req.Equal([]domain.SessionID{"bob"}, msgs[len(msgs)-1].Recipients)
	_, ok := dir.RoomOf("alice")
	req.False(ok)

	// Leaving twice is a no-op
	dir.Leave(alice)
	req.Len(b.all(), len(msgs))

	// When the last member leaves the room disappears
	dir.Leave(bob)
	req.Empty(dir.Rooms())
}

func TestDirectory_ChangeRoom_Moves_Member(t *testing.T) {
	req := require.New(t)
	dir, b := newTestDirectory()
	alice, bob, carol := newFakeMember("alice"), newFakeMember("bob"), newFakeMember("carol")
	dir.Join(alice, "lobby")
	dir.Join(bob, "lobby")
	dir.Join(carol, "dev")
	before := len(b.all())

	// When alice moves to dev
	dir.ChangeRoom(alice, "dev")

	// Then lobby hears a leave and dev hears a join
	msgs := b.all()[before:]
	req.Len(msgs, 2)
	req.Equal(domain.RoomID("lobby"), msgs[0].Room)
	req.Equal("alice has left the room.", string(msgs[0].Payload))
	req.Equal(domain.RoomID("dev"), msgs[1].Room)
	req.Equal("alice has joined the room.", string(msgs[1].Payload))
	req.Equal([]domain.SessionID{"carol"}, msgs[1].Recipients)

	room, _ := dir.RoomOf("alice")
	req.Equal(domain.RoomID("dev"), room)
	req.Equal([]contract.RoomStat{{Room: "dev", Members: 2}, {Room: "lobby", Members: 1}}, dir.Rooms())

	// Moving to the current room does nothing
	dir.ChangeRoom(alice, "dev")
	req.Len(b.all(), before+2)
}

func TestDirectory_Lookup_Skips_Departed(t *testing.T) {
	req := require.New(t)
	dir, _ := newTestDirectory()
	alice, bob := newFakeMember("alice"), newFakeMember("bob")
	dir.Join(alice, "lobby")
	dir.Join(bob, "lobby")
	dir.Leave(alice)

	req.Equal([]domain.SessionID{"bob"}, ids(dir.Lookup([]domain.SessionID{"alice", "bob"})))
}

func TestDirectory_ChangeRoom_Is_Atomic_For_Observers(t *testing.T) {
	req := require.New(t)
	dir, _ := newTestDirectory()
	mover := newFakeMember("mover")
	dir.Join(mover, "a")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	violations := make(chan string, 1)

	// Given observers repeatedly counting the mover in both rooms
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				seen := 0
				for _, stat := range dir.Rooms() {
					seen += stat.Members
				}
				if seen != 1 {
					select {
					case violations <- fmt.Sprintf("mover seen %d times", seen):
					default:
					}
				}
			}
		}()
	}

	// When the mover bounces between rooms
	for i := 0; i < 2000; i++ {
		if i%2 == 0 {
			dir.ChangeRoom(mover, "b")
		} else {
			dir.ChangeRoom(mover, "a")
		}
	}
	close(stop)
	wg.Wait()

	// Then no observer ever saw it in zero or two rooms
	select {
	case v := <-violations:
		req.Fail(v)
	default:
	}
}

func TestPipeline_Per_Room_Order_Across_Shards(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	monitoring := observability.NewMonitoringManager(log)
	pipeline := NewPipeline(log, 4, monitoring)
	dir := NewDirectory(log, pipeline)

	rooms := []domain.RoomID{"r1", "r2", "r3", "r4", "r5"}
	listeners := make(map[domain.RoomID]*fakeMember)
	for _, room := range rooms {
		sender, listener := newFakeMember("s-"+string(room)), newFakeMember("l-"+string(room))
		dir.Join(listener, room)
		dir.Join(sender, room)
		listeners[room] = listener
		for i := 0; i < 50; i++ {
			pipeline.Enqueue(domain.QueuedMessage{
				Room:       room,
				Kind:       domain.KindChat,
				SenderID:   sender.ID(),
				SenderName: sender.Name(),
				Payload:    []byte(fmt.Sprint(i)),
			})
		}
	}
	req.Greater(pipeline.Depth(), 0)

	// When every shard drains its queue
	pipeline.Close()
	shardWorkers := pipeline.Workers(dir, timeout)
	errs := make(chan error, len(shardWorkers))
	for _, w := range shardWorkers {
		go func(w contract.Worker) { errs <- w.Run(context.Background()) }(w)
	}
	for range shardWorkers {
		req.NoError(<-errs)
	}

	// Then each listener saw its sender's join notice then the 50 messages in order
	for room, listener := range listeners {
		texts := listener.texts()
		req.Len(texts, 51, "room %s", room)
		req.Equal(fmt.Sprintf("s-%s has joined the room.", room), texts[0])
		for i := 0; i < 50; i++ {
			req.Equal(fmt.Sprintf("s-%s: %d", room, i), texts[i+1])
		}
	}
	req.Equal(0, pipeline.Depth())
}
