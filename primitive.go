package roomrelay

import (
	"strconv"

	"github.com/google/uuid"
)

// ConnID identifies one live connection. It is the registry key and the
// sender identity carried by every PendingMessage.
type ConnID string

func NewConnID() ConnID {
	return ConnID(uuid.Must(uuid.NewRandom()).String())
}

func (c ConnID) String() string {
	return string(c)
}

type RoomID int

// Unassigned is the room of a connection that has not joined yet.
const Unassigned RoomID = -1

func (r RoomID) Int() int {
	return int(r)
}

func (r RoomID) String() string {
	return strconv.Itoa(int(r))
}

// RoomRange is the inclusive set of rooms a client may switch to.
type RoomRange struct {
	Min RoomID
	Max RoomID
}

var DefaultRoomRange = RoomRange{Min: 1, Max: 3}

func (r RoomRange) Contains(id RoomID) bool {
	return id >= r.Min && id <= r.Max
}

// Peer is the send target of a registered connection.
type Peer interface {
	ID() ConnID
	Send(text []byte) error
	Close() error
}

// PendingMessage is a chat payload waiting for fan-out.
type PendingMessage struct {
	Text   []byte
	Sender ConnID
	Room   RoomID

	// Remote is set for messages received from another relay instance.
	Remote bool
}

// Dispatcher accepts chat payloads from connection handlers.
type Dispatcher interface {
	Dispatch(m PendingMessage)
}
