package protocol

import (
	"chat-relay/errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Structured payloads are encoded with the protobuf wire format: every field
// is tagged and self-delimiting, and unknown fields are skipped on decode.

type JoinPayload struct {
	Name string
	Room string
}

type OfferBeginPayload struct {
	FileName string
	Size     uint64
}

type OfferNoticePayload struct {
	Sender     string
	FileName   string
	Size       uint64
	TransferID string
	MimeType   string
}

type CompletePayload struct {
	TransferID   string
	FileName     string
	Delivered    uint64
	Declined     uint64
	Disconnected uint64
	Failed       uint64
}

func (p JoinPayload) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, p.Name)
	b = appendString(b, 2, p.Room)
	return b
}

func UnmarshalJoin(b []byte) (JoinPayload, error) {
	var p JoinPayload
	err := walk(b, func(num protowire.Number, v value) {
		switch num {
		case 1:
			p.Name = v.str()
		case 2:
			p.Room = v.str()
		}
	})
	return p, err
}

func (p OfferBeginPayload) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, p.FileName)
	b = appendVarint(b, 2, p.Size)
	return b
}

func UnmarshalOfferBegin(b []byte) (OfferBeginPayload, error) {
	var p OfferBeginPayload
	err := walk(b, func(num protowire.Number, v value) {
		switch num {
		case 1:
			p.FileName = v.str()
		case 2:
			p.Size = v.varint
		}
	})
	return p, err
}

func (p OfferNoticePayload) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, p.Sender)
	b = appendString(b, 2, p.FileName)
	b = appendVarint(b, 3, p.Size)
	b = appendString(b, 4, p.TransferID)
	b = appendString(b, 5, p.MimeType)
	return b
}

func UnmarshalOfferNotice(b []byte) (OfferNoticePayload, error) {
	var p OfferNoticePayload
	err := walk(b, func(num protowire.Number, v value) {
		switch num {
		case 1:
			p.Sender = v.str()
		case 2:
			p.FileName = v.str()
		case 3:
			p.Size = v.varint
		case 4:
			p.TransferID = v.str()
		case 5:
			p.MimeType = v.str()
		}
	})
	return p, err
}

func (p CompletePayload) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, p.TransferID)
	b = appendString(b, 2, p.FileName)
	b = appendVarint(b, 3, p.Delivered)
	b = appendVarint(b, 4, p.Declined)
	b = appendVarint(b, 5, p.Disconnected)
	b = appendVarint(b, 6, p.Failed)
	return b
}

func UnmarshalComplete(b []byte) (CompletePayload, error) {
	var p CompletePayload
	err := walk(b, func(num protowire.Number, v value) {
		switch num {
		case 1:
			p.TransferID = v.str()
		case 2:
			p.FileName = v.str()
		case 3:
			p.Delivered = v.varint
		case 4:
			p.Declined = v.varint
		case 5:
			p.Disconnected = v.varint
		case 6:
			p.Failed = v.varint
		}
	})
	return p, err
}

type value struct {
	bytes  []byte
	varint uint64
}

func (v value) str() string { return string(v.bytes) }

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// walk visits every length-delimited and varint field of b.
// Other wire types are skipped.
func walk(b []byte, visit func(num protowire.Number, v value)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errors.ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", errors.ErrMalformed, num, protowire.ParseError(m))
			}
			visit(num, value{bytes: v})
			n = m
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", errors.ErrMalformed, num, protowire.ParseError(m))
			}
			visit(num, value{varint: v})
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", errors.ErrMalformed, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return nil
}
