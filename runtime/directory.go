package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

var _ contract.IDirectory = (*Directory)(nil)

// Directory maps rooms to their members and members to their live session.
// A session is in at most one room. Membership notices are enqueued while the
// lock is held, so every room observes joins and leaves in mutation order.
type Directory struct {
	mu          sync.RWMutex
	log         *slog.Logger
	broadcaster contract.IBroadcaster
	sessions    map[domain.SessionID]contract.Member // session id -> live session
	memberOf    map[domain.SessionID]domain.RoomID   // session id -> current room
	rooms       map[domain.RoomID]*domain.Room       // room id -> ordered member ids
}

func NewDirectory(log *slog.Logger, broadcaster contract.IBroadcaster) *Directory {
	return &Directory{
		log:         log,
		broadcaster: broadcaster,
		sessions:    make(map[domain.SessionID]contract.Member),
		memberOf:    make(map[domain.SessionID]domain.RoomID),
		rooms:       make(map[domain.RoomID]*domain.Room),
	}
}

// Join adds the member to room and notifies the other members. A member
// already in another room is moved, as with ChangeRoom.
func (d *Directory) Join(m contract.Member, room domain.RoomID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if current, ok := d.memberOf[m.ID()]; ok {
		if current == room {
			return
		}
		d.removeLocked(m, current)
	}
	d.addLocked(m, room)
}

// Leave removes the member from its room, if any, and notifies the remaining members.
func (d *Directory) Leave(m contract.Member) {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, ok := d.memberOf[m.ID()]
	if !ok {
		return
	}
	d.removeLocked(m, room)
	delete(d.sessions, m.ID())
}

// ChangeRoom moves the member in one critical section: no reader can see
// it in both rooms or in neither.
func (d *Directory) ChangeRoom(m contract.Member, room domain.RoomID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, ok := d.memberOf[m.ID()]
	if ok && current == room {
		return
	}
	if ok {
		d.removeLocked(m, current)
	}
	d.addLocked(m, room)
}

// MembersExcluding copies the members of room, minus exclude, under the read
// lock. Callers do their I/O after the lock is released.
func (d *Directory) MembersExcluding(room domain.RoomID, exclude domain.SessionID) []contract.Member {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.rooms[room]
	if !ok {
		return nil
	}
	return d.resolveLocked(lo.Without(r.Members(), exclude))
}

// Lookup resolves ids to the sessions still registered, keeping the given order.
func (d *Directory) Lookup(ids []domain.SessionID) []contract.Member {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.resolveLocked(ids)
}

func (d *Directory) RoomOf(id domain.SessionID) (domain.RoomID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	room, ok := d.memberOf[id]
	return room, ok
}

// Rooms lists every non-empty room sorted by id.
func (d *Directory) Rooms() []contract.RoomStat {
	d.mu.RLock()
	stats := lo.MapToSlice(d.rooms, func(id domain.RoomID, r *domain.Room) contract.RoomStat {
		return contract.RoomStat{Room: id, Members: r.Len()}
	})
	d.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Room < stats[j].Room })
	return stats
}

func (d *Directory) addLocked(m contract.Member, room domain.RoomID) {
	r, ok := d.rooms[room]
	if !ok {
		r = domain.NewRoom(room)
		d.rooms[room] = r
	}
	others := r.Members()
	r.Add(m.ID())
	d.sessions[m.ID()] = m
	d.memberOf[m.ID()] = room

	d.log.Debug("Member joined", "session", m.ID(), "name", m.Name(), "room", room)
	d.noticeLocked(m, room, others, fmt.Sprintf("%s has joined the room.", m.Name()))
}

func (d *Directory) removeLocked(m contract.Member, room domain.RoomID) {
	delete(d.memberOf, m.ID())
	r, ok := d.rooms[room]
	if !ok {
		return
	}
	r.Remove(m.ID())
	// If no one is left in the room, remove the room entry entirely
	if r.Empty() {
		delete(d.rooms, room)
	}

	d.log.Debug("Member left", "session", m.ID(), "name", m.Name(), "room", room)
	d.noticeLocked(m, room, r.Members(), fmt.Sprintf("%s has left the room.", m.Name()))
}

// noticeLocked enqueues a notice for an explicit recipient snapshot. The
// enqueue never blocks, so holding the lock here does not wait on I/O.
func (d *Directory) noticeLocked(m contract.Member, room domain.RoomID, recipients []domain.SessionID, text string) {
	if len(recipients) == 0 {
		return
	}
	d.broadcaster.Enqueue(domain.QueuedMessage{
		Room:       room,
		Kind:       domain.KindNotice,
		SenderID:   m.ID(),
		SenderName: m.Name(),
		Payload:    []byte(text),
		EnqueuedAt: time.Now(),
		Recipients: recipients,
	})
}

func (d *Directory) resolveLocked(ids []domain.SessionID) []contract.Member {
	return lo.FilterMap(ids, func(id domain.SessionID, _ int) (contract.Member, bool) {
		m, ok := d.sessions[id]
		return m, ok
	})
}
