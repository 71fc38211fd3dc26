package protocol

import (
	"chat-relay/errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

// Command is a client frame decoded into its typed form.
type Command interface {
	Type() Type
}

type JoinCommand struct {
	Name string
	Room string
}

type TextCommand struct{ Body string }

type ChangeRoomCommand struct{ Room string }

type ExitCommand struct{}

type OfferBeginCommand struct {
	FileName string
	Size     int64
}

type ChunkCommand struct{ Data []byte }

type AcceptCommand struct{}

type DeclineCommand struct{}

type HeartbeatCommand struct{}

func (JoinCommand) Type() Type       { return TypeJoin }
func (TextCommand) Type() Type       { return TypeText }
func (ChangeRoomCommand) Type() Type { return TypeChangeRoom }
func (ExitCommand) Type() Type       { return TypeExit }
func (OfferBeginCommand) Type() Type { return TypeOfferBegin }
func (ChunkCommand) Type() Type      { return TypeChunk }
func (AcceptCommand) Type() Type     { return TypeAccept }
func (DeclineCommand) Type() Type    { return TypeDecline }
func (HeartbeatCommand) Type() Type  { return TypeHeartbeat }

// Decode turns a frame sent by a client into a Command.
// Server-only frame types are rejected.
func Decode(f Frame) (Command, error) {
	switch f.Type {
	case TypeJoin:
		p, err := UnmarshalJoin(f.Payload)
		if err != nil {
			return nil, err
		}
		return JoinCommand{Name: p.Name, Room: p.Room}, nil
	case TypeText:
		if !utf8.Valid(f.Payload) {
			return nil, fmt.Errorf("%w: text is not valid UTF-8", errors.ErrMalformed)
		}
		return TextCommand{Body: string(f.Payload)}, nil
	case TypeChangeRoom:
		if !utf8.Valid(f.Payload) {
			return nil, fmt.Errorf("%w: room is not valid UTF-8", errors.ErrMalformed)
		}
		return ChangeRoomCommand{Room: strings.TrimSpace(string(f.Payload))}, nil
	case TypeExit:
		return ExitCommand{}, expectEmpty(f)
	case TypeOfferBegin:
		return decodeOfferBegin(f.Payload)
	case TypeChunk:
		return ChunkCommand{Data: f.Payload}, nil
	case TypeAccept:
		return AcceptCommand{}, expectEmpty(f)
	case TypeDecline:
		return DeclineCommand{}, expectEmpty(f)
	case TypeHeartbeat:
		return HeartbeatCommand{}, nil
	default:
		return nil, fmt.Errorf("%w: %s is not a client frame", errors.ErrUnexpected, f.Type)
	}
}

func decodeOfferBegin(payload []byte) (Command, error) {
	p, err := UnmarshalOfferBegin(payload)
	if err != nil {
		return nil, err
	}
	if p.Size > 1<<62 {
		return nil, fmt.Errorf("%w: file size %d", errors.ErrMalformed, p.Size)
	}
	name := path.Base(strings.ReplaceAll(p.FileName, `\`, "/"))
	if name == "." || name == "/" || name == ".." || !utf8.ValidString(name) {
		return nil, fmt.Errorf("%w: file name %q", errors.ErrMalformed, p.FileName)
	}
	return OfferBeginCommand{FileName: name, Size: int64(p.Size)}, nil
}

func expectEmpty(f Frame) error {
	if len(f.Payload) != 0 {
		return fmt.Errorf("%w: %s carries %d unexpected bytes", errors.ErrMalformed, f.Type, len(f.Payload))
	}
	return nil
}

// Frame builders shared by the server and the client.

func JoinFrame(name, room string) Frame {
	return Frame{Type: TypeJoin, Payload: JoinPayload{Name: name, Room: room}.Marshal()}
}

func TextFrame(body string) Frame { return Frame{Type: TypeText, Payload: []byte(body)} }

func ChangeRoomFrame(room string) Frame {
	return Frame{Type: TypeChangeRoom, Payload: []byte(room)}
}

func ExitFrame() Frame      { return Frame{Type: TypeExit} }
func AcceptFrame() Frame    { return Frame{Type: TypeAccept} }
func DeclineFrame() Frame   { return Frame{Type: TypeDecline} }
func HeartbeatFrame() Frame { return Frame{Type: TypeHeartbeat} }

func OfferBeginFrame(fileName string, size int64) Frame {
	return Frame{Type: TypeOfferBegin, Payload: OfferBeginPayload{FileName: fileName, Size: uint64(size)}.Marshal()}
}

func ChunkFrame(data []byte) Frame { return Frame{Type: TypeChunk, Payload: data} }

func NoticeFrame(text string) Frame { return Frame{Type: TypeNotice, Payload: []byte(text)} }

func OfferNoticeFrame(p OfferNoticePayload) Frame {
	return Frame{Type: TypeOfferNotice, Payload: p.Marshal()}
}

func CompleteFrame(p CompletePayload) Frame {
	return Frame{Type: TypeFileComplete, Payload: p.Marshal()}
}
