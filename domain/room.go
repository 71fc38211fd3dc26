package domain

import "slices"

type RoomID string

// Room is an ordered set of session ids. Join order is preserved so that
// enumeration is deterministic.
type Room struct {
	ID      RoomID
	members []SessionID
}

func NewRoom(id RoomID) *Room {
	return &Room{ID: id}
}

// Add appends the session if it is not already a member.
func (r *Room) Add(id SessionID) bool {
	if r.Contains(id) {
		return false
	}
	r.members = append(r.members, id)
	return true
}

func (r *Room) Remove(id SessionID) bool {
	i := slices.Index(r.members, id)
	if i < 0 {
		return false
	}
	r.members = slices.Delete(r.members, i, i+1)
	return true
}

func (r *Room) Contains(id SessionID) bool {
	return slices.Contains(r.members, id)
}

// Members returns a copy of the member ids in join order.
func (r *Room) Members() []SessionID {
	return slices.Clone(r.members)
}

func (r *Room) Len() int { return len(r.members) }

func (r *Room) Empty() bool { return len(r.members) == 0 }
