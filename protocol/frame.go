// Package protocol implements the length-prefixed, typed framing spoken between
// relay clients and the server.
//
// A frame is a 4-byte big-endian payload length, a 1-byte type tag and the
// payload itself. Frames are decoded once at the session boundary so nothing
// downstream ever reasons about byte-stream boundaries.
package protocol

import (
	"bufio"
	"chat-relay/errors"
	"encoding/binary"
	"fmt"
	"io"
)

type Type byte

const (
	TypeJoin         Type = 0x01
	TypeText         Type = 0x02
	TypeChangeRoom   Type = 0x03
	TypeExit         Type = 0x04
	TypeOfferBegin   Type = 0x05
	TypeChunk        Type = 0x06
	TypeAccept       Type = 0x07
	TypeDecline      Type = 0x08
	TypeNotice       Type = 0x09
	TypeOfferNotice  Type = 0x0A
	TypeFileComplete Type = 0x0B
	TypeHeartbeat    Type = 0x0C
)

const (
	headerSize = 5
	// DefaultMaxPayload bounds a single frame payload when no limit is configured.
	DefaultMaxPayload = 1 << 20
)

var typeNames = map[Type]string{
	TypeJoin:         "JOIN",
	TypeText:         "TEXT",
	TypeChangeRoom:   "CHANGE_ROOM",
	TypeExit:         "EXIT",
	TypeOfferBegin:   "FILE_OFFER_BEGIN",
	TypeChunk:        "FILE_CHUNK",
	TypeAccept:       "FILE_ACCEPT",
	TypeDecline:      "FILE_DECLINE",
	TypeNotice:       "SERVER_NOTICE",
	TypeOfferNotice:  "FILE_OFFER_NOTICE",
	TypeFileComplete: "FILE_COMPLETE",
	TypeHeartbeat:    "HEARTBEAT",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
}

func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

type Frame struct {
	Type    Type
	Payload []byte
}

// Encode returns the wire representation of the frame.
func Encode(f Frame) []byte {
	buf := make([]byte, headerSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(f.Payload)))
	buf[4] = byte(f.Type)
	copy(buf[headerSize:], f.Payload)
	return buf
}

// Reader decodes frames from an arbitrary byte stream. A single underlying
// read may carry several frames or a fraction of one.
type Reader struct {
	r          *bufio.Reader
	maxPayload int
	header     [headerSize]byte
}

func NewReader(r io.Reader, maxPayload int) *Reader {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Reader{r: bufio.NewReader(r), maxPayload: maxPayload}
}

// ReadFrame blocks until a whole frame is available.
// It returns io.EOF only when the stream ends cleanly on a frame boundary.
func (r *Reader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		return Frame{}, err
	}

	length := binary.BigEndian.Uint32(r.header[:4])
	if uint64(length) > uint64(r.maxPayload) {
		return Frame{}, fmt.Errorf("%w: %d > %d bytes", errors.ErrFrameTooLarge, length, r.maxPayload)
	}

	t := Type(r.header[4])
	if !t.Valid() {
		return Frame{}, fmt.Errorf("%w: 0x%02x", errors.ErrUnknownFrame, byte(t))
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return Frame{Type: t, Payload: payload}, nil
}
