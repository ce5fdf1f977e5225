package gossip

import (
	"net"
	"strconv"
)

// Id names a member by the host and UDP port it listens on. Ids are
// comparable and used directly as map keys.
type Id struct {
	Host string
	Port int
}

func (id Id) String() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
}

// IsZero reports whether id is unset, as in messages from the terminator.
func (id Id) IsZero() bool {
	return id.Host == "" && id.Port == 0
}

// Status is the believed liveness of a member.
type Status uint8

const (
	StatusActive Status = iota
	StatusSuspected
	StatusJoin
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusSuspected:
		return "SUSPECTED"
	case StatusJoin:
		return "JOIN"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool { return s <= StatusFailed }

// Entry is the unit of gossip.
type Entry struct {
	ID     Id
	Status Status
}

type MsgType uint8

const (
	MsgPing MsgType = iota
	MsgAck
	MsgJoin
	MsgJoinAck
	MsgTerminate
	MsgCrash
)

func (t MsgType) String() string {
	switch t {
	case MsgPing:
		return "PING"
	case MsgAck:
		return "ACK"
	case MsgJoin:
		return "JOIN"
	case MsgJoinAck:
		return "JOIN_ACK"
	case MsgTerminate:
		return "TERMINATE"
	case MsgCrash:
		return "CRASH"
	default:
		return "UNKNOWN"
	}
}

func (t MsgType) Valid() bool { return t <= MsgCrash }

// Message is an immutable protocol message. Build one with NewMessage; the
// table is copied in and copied out.
type Message struct {
	sender Id
	typ    MsgType
	table  []Entry
}

func NewMessage(sender Id, typ MsgType, table []Entry) Message {
	var t []Entry
	if len(table) > 0 {
		t = append([]Entry(nil), table...)
	}
	return Message{sender: sender, typ: typ, table: t}
}

func (m Message) Sender() Id    { return m.sender }
func (m Message) Type() MsgType { return m.typ }
func (m Message) Len() int      { return len(m.table) }

// Table returns a copy of the piggybacked entries.
func (m Message) Table() []Entry {
	if len(m.table) == 0 {
		return nil
	}
	return append([]Entry(nil), m.table...)
}
