//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"chat-relay/domain"
	"chat-relay/protocol"
	"context"
	"io"
	"reflect"
	"time"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Transport is one client connection. Receive returns bytes as they arrive,
// with no guarantee that a read lines up with a frame boundary.
type Transport interface {
	Send(b []byte) error
	Receive() ([]byte, error)
	SetIdleDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

// Stager temporarily holds uploaded file content until its offer resolves.
// Every Open returns an independent reader positioned at the first byte.
type Stager interface {
	Create(ctx context.Context, name string) (domain.StagingHandle, io.WriteCloser, error)
	Open(ctx context.Context, handle domain.StagingHandle) (io.ReadCloser, error)
	Release(ctx context.Context, handle domain.StagingHandle) error
}

// Digester is implemented by staging writers that hash the content they seal.
// The digest is only meaningful after Close.
type Digester interface {
	Sha256() string
}

// Member is a live session as seen by the directory, the pipeline and the coordinator.
type Member interface {
	ID() domain.SessionID
	Name() string
	// Deliver queues a frame for the member and blocks on its backpressure
	// until ctx is done.
	Deliver(ctx context.Context, f protocol.Frame) error
	Close(reason error)
}

type RoomStat struct {
	Room    domain.RoomID
	Members int
}

type IDirectory interface {
	Join(m Member, room domain.RoomID)
	Leave(m Member)
	ChangeRoom(m Member, room domain.RoomID)
	MembersExcluding(room domain.RoomID, exclude domain.SessionID) []Member
	Lookup(ids []domain.SessionID) []Member
	RoomOf(id domain.SessionID) (domain.RoomID, bool)
	Rooms() []RoomStat
}

type IBroadcaster interface {
	Enqueue(msg domain.QueuedMessage) uint64
	Depth() int
}

type ICoordinator interface {
	BeginUpload(ctx context.Context, sender Member, fileName string, size int64) error
	AppendChunk(ctx context.Context, sender Member, data []byte) (remaining int64, err error)
	Respond(ctx context.Context, recipient Member, accept bool) error
	SessionClosed(m Member)
}
