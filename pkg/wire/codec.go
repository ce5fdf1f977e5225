// Package wire encodes gossip messages as single UDP frames: a 4-byte
// big-endian body length followed by a protobuf-encoded body.
//
// Body layout (protobuf field numbers):
//
//	Message { 1: Id sender; 2: uint32 type; 3: repeated Entry table }
//	Entry   { 1: Id id; 2: uint32 status }
//	Id      { 1: string host; 2: uint32 port }
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ryandielhenn/membership/pkg/gossip"
)

const (
	headerSize = 4
	// MaxFrameSize is the largest frame that fits in one UDP datagram.
	MaxFrameSize = 65507
)

var (
	ErrShortFrame  = errors.New("wire: frame shorter than its header")
	ErrFrameLength = errors.New("wire: frame length does not match header")
	ErrMalformed   = errors.New("wire: malformed message body")
)

const (
	fieldSender = 1
	fieldType   = 2
	fieldTable  = 3

	fieldEntryID     = 1
	fieldEntryStatus = 2

	fieldHost = 1
	fieldPort = 2
)

// Encode returns msg as a complete frame.
func Encode(msg gossip.Message) ([]byte, error) {
	frame := make([]byte, headerSize, headerSize+32+16*msg.Len())
	frame = appendMessage(frame, msg)
	n := len(frame) - headerSize
	if len(frame) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d byte body exceeds a datagram", ErrFrameLength, n)
	}
	binary.BigEndian.PutUint32(frame, uint32(n))
	return frame, nil
}

// Decode parses one frame. Trailing bytes after the declared body are an
// error, as is a header that claims more than the datagram holds.
func Decode(frame []byte) (gossip.Message, error) {
	if len(frame) < headerSize {
		return gossip.Message{}, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(frame)
	body := frame[headerSize:]
	if uint64(n) != uint64(len(body)) {
		return gossip.Message{}, fmt.Errorf("%w: header %d, body %d", ErrFrameLength, n, len(body))
	}
	return Unmarshal(body)
}

// Marshal returns the body encoding of msg without the frame header.
func Marshal(msg gossip.Message) []byte {
	return appendMessage(nil, msg)
}

func appendMessage(b []byte, msg gossip.Message) []byte {
	if sender := msg.Sender(); !sender.IsZero() {
		b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
		b = protowire.AppendBytes(b, appendId(nil, sender))
	}
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Type()))
	for _, e := range msg.Table() {
		b = protowire.AppendTag(b, fieldTable, protowire.BytesType)
		b = protowire.AppendBytes(b, appendEntry(nil, e))
	}
	return b
}

func appendEntry(b []byte, e gossip.Entry) []byte {
	b = protowire.AppendTag(b, fieldEntryID, protowire.BytesType)
	b = protowire.AppendBytes(b, appendId(nil, e.ID))
	b = protowire.AppendTag(b, fieldEntryStatus, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(e.Status))
}

func appendId(b []byte, id gossip.Id) []byte {
	b = protowire.AppendTag(b, fieldHost, protowire.BytesType)
	b = protowire.AppendString(b, id.Host)
	b = protowire.AppendTag(b, fieldPort, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(id.Port))
}

// Unmarshal parses a body produced by Marshal. Unknown fields are skipped.
func Unmarshal(body []byte) (gossip.Message, error) {
	var (
		sender gossip.Id
		typ    uint64
		table  []gossip.Entry
	)
	err := walk(body, func(num protowire.Number, wt protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldSender && wt == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			id, err := unmarshalId(v)
			sender = id
			return n, err
		case num == fieldType && wt == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			typ = v
			return n, nil
		case num == fieldTable && wt == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			e, err := unmarshalEntry(v)
			table = append(table, e)
			return n, err
		}
		return protowire.ConsumeFieldValue(num, wt, b), nil
	})
	if err != nil {
		return gossip.Message{}, err
	}
	t := gossip.MsgType(typ)
	if typ > math.MaxUint8 || !t.Valid() {
		return gossip.Message{}, fmt.Errorf("%w: message type %d", ErrMalformed, typ)
	}
	return gossip.NewMessage(sender, t, table), nil
}

func unmarshalEntry(body []byte) (gossip.Entry, error) {
	var (
		e      gossip.Entry
		status uint64
	)
	err := walk(body, func(num protowire.Number, wt protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldEntryID && wt == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			id, err := unmarshalId(v)
			e.ID = id
			return n, err
		case num == fieldEntryStatus && wt == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			status = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, wt, b), nil
	})
	if err != nil {
		return gossip.Entry{}, err
	}
	e.Status = gossip.Status(status)
	if status > math.MaxUint8 || !e.Status.Valid() {
		return gossip.Entry{}, fmt.Errorf("%w: status %d for %s", ErrMalformed, status, e.ID)
	}
	if e.ID.Host == "" {
		return gossip.Entry{}, fmt.Errorf("%w: entry without host", ErrMalformed)
	}
	return e, nil
}

func unmarshalId(body []byte) (gossip.Id, error) {
	var id gossip.Id
	err := walk(body, func(num protowire.Number, wt protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldHost && wt == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			id.Host = v
			return n, nil
		case num == fieldPort && wt == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 && v > math.MaxUint16 {
				return n, fmt.Errorf("%w: port %d", ErrMalformed, v)
			}
			id.Port = int(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, wt, b), nil
	})
	return id, err
}

// walk calls field for each tag in b; field consumes the value and returns
// how many bytes it used, or a negative protowire error code.
func walk(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := field(num, wt, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
