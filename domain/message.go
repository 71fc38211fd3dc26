// Package domain contains core concepts of the relay.
// This file defines queued room messages.
package domain

import "time"

type MessageKind int

const (
	// KindChat is a TEXT relayed as "<sender>: <body>".
	KindChat MessageKind = iota
	// KindNotice is a server notice delivered verbatim.
	KindNotice
)

// QueuedMessage is owned by the broadcast pipeline from Enqueue until dispatch.
type QueuedMessage struct {
	Seq        uint64
	Room       RoomID
	Kind       MessageKind
	SenderID   SessionID
	SenderName string
	Payload    []byte
	EnqueuedAt time.Time
	// Recipients, when non-nil, is the exact audience captured at enqueue
	// time. Otherwise the room members are resolved at dispatch time.
	Recipients []SessionID
}

func (m QueuedMessage) RoomID() RoomID { return m.Room }
