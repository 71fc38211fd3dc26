package domain

import (
	"chat-relay/errors"
	"fmt"

	"github.com/google/uuid"
)

type TransferID string

func NewTransferID() TransferID { return TransferID(uuid.NewString()) }

// StagingHandle identifies staged file content inside a staging service.
type StagingHandle string

type RecipientStatus int

const (
	StatusPending RecipientStatus = iota
	StatusAccepted
	StatusDelivered
	StatusDeclined
	StatusDisconnected
	StatusFailed
)

func (s RecipientStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusDelivered:
		return "delivered"
	case StatusDeclined:
		return "declined"
	case StatusDisconnected:
		return "disconnected"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether the recipient no longer holds the offer open.
// Accepted is not terminal: the file still has to reach the recipient.
func (s RecipientStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusDeclined, StatusDisconnected, StatusFailed:
		return true
	default:
		return false
	}
}

// allowed lists the legal recipient transitions.
var allowed = map[RecipientStatus][]RecipientStatus{
	StatusPending:  {StatusAccepted, StatusDeclined, StatusDisconnected},
	StatusAccepted: {StatusDelivered, StatusDisconnected, StatusFailed},
}

type OfferState int

const (
	OfferStaging OfferState = iota
	OfferOffered
	OfferCompleted
	OfferCancelled
)

func (s OfferState) String() string {
	return [...]string{"staging", "offered", "completed", "cancelled"}[s]
}

func (s OfferState) Closed() bool {
	return s == OfferCompleted || s == OfferCancelled
}

type Recipient struct {
	ID     SessionID
	Name   string
	Status RecipientStatus
}

// Tally counts recipients per terminal outcome.
type Tally struct {
	Delivered    int
	Declined     int
	Disconnected int
	Failed       int
}

// Offer is the per-transfer state machine. It holds no lock; the owner
// serialises access.
type Offer struct {
	ID         TransferID
	SenderID   SessionID
	SenderName string
	FileName   string
	Size       int64
	MimeType   string
	Sha256     string
	Handle     StagingHandle
	Received   int64
	State      OfferState
	recipients []*Recipient
}

func NewOffer(sender SessionID, senderName, fileName string, size int64) *Offer {
	return &Offer{
		ID:         NewTransferID(),
		SenderID:   sender,
		SenderName: senderName,
		FileName:   fileName,
		Size:       size,
		State:      OfferStaging,
	}
}

// Remaining is the number of upload bytes still expected while staging.
func (o *Offer) Remaining() int64 { return o.Size - o.Received }

// Publish freezes the expected recipient set and moves the offer to Offered.
// An offer with no recipients completes immediately.
func (o *Offer) Publish(recipients []Recipient) (completed bool, err error) {
	if o.State != OfferStaging {
		return false, fmt.Errorf("%w: cannot publish offer in state %s", errors.ErrOfferClosed, o.State)
	}
	o.recipients = make([]*Recipient, 0, len(recipients))
	for _, r := range recipients {
		o.recipients = append(o.recipients, &Recipient{ID: r.ID, Name: r.Name, Status: StatusPending})
	}
	o.State = OfferOffered
	return o.completeIfResolved(), nil
}

// Resolve moves one recipient to a new status. It completes the offer when
// the last recipient becomes terminal and reports whether that happened.
func (o *Offer) Resolve(id SessionID, status RecipientStatus) (completed bool, err error) {
	if o.State != OfferOffered {
		return false, fmt.Errorf("%w: offer %s is %s", errors.ErrOfferClosed, o.ID, o.State)
	}
	r := o.recipient(id)
	if r == nil {
		return false, fmt.Errorf("session %s is not a recipient of offer %s", id, o.ID)
	}
	if !transitionAllowed(r.Status, status) {
		return false, fmt.Errorf("recipient %s cannot go from %s to %s", id, r.Status, status)
	}
	r.Status = status
	return o.completeIfResolved(), nil
}

// Cancel closes the offer without completing it.
func (o *Offer) Cancel() bool {
	if o.State.Closed() {
		return false
	}
	o.State = OfferCancelled
	return true
}

// completeIfResolved transitions Offered → Completed once every recipient is terminal.
func (o *Offer) completeIfResolved() bool {
	if o.State != OfferOffered || !o.Resolved() {
		return false
	}
	o.State = OfferCompleted
	return true
}

// Resolved reports whether every expected recipient has a terminal status.
func (o *Offer) Resolved() bool {
	for _, r := range o.recipients {
		if !r.Status.Terminal() {
			return false
		}
	}
	return true
}

func (o *Offer) Status(id SessionID) (RecipientStatus, bool) {
	if r := o.recipient(id); r != nil {
		return r.Status, true
	}
	return 0, false
}

// Recipients returns a copy of the expected recipients in snapshot order.
func (o *Offer) Recipients() []Recipient {
	res := make([]Recipient, 0, len(o.recipients))
	for _, r := range o.recipients {
		res = append(res, *r)
	}
	return res
}

func (o *Offer) Tally() Tally {
	var t Tally
	for _, r := range o.recipients {
		switch r.Status {
		case StatusDelivered:
			t.Delivered++
		case StatusDeclined:
			t.Declined++
		case StatusDisconnected:
			t.Disconnected++
		case StatusFailed:
			t.Failed++
		}
	}
	return t
}

func (o *Offer) recipient(id SessionID) *Recipient {
	for _, r := range o.recipients {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func transitionAllowed(from, to RecipientStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
