package matching

import (
	"fmt"
	"time"

	"github.com/fugue/chat-server/internal/protocol"
)

// Identity is the verified user behind a connection. It is attached once when
// the connection is established and never changes afterwards.
type Identity struct {
	UserID      int64
	DisplayName string
}

// Peer is the transport side of a connection.
//
// Send is called while the service holds its lock, so implementations must
// not block: queue the event and write it elsewhere. IsOpen reports whether
// the underlying channel can still deliver.
type Peer interface {
	ID() string
	Send(ev protocol.Event) error
	IsOpen() bool
}

// State is the membership tag of a connection.
type State int

const (
	StateIdle State = iota
	StateQueuedInterest
	StateQueuedGeneral
	StateInRoom
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueuedInterest:
		return "queued-interest"
	case StateQueuedGeneral:
		return "queued-general"
	case StateInRoom:
		return "in-room"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Membership is where a connection currently sits. InterestID is meaningful
// only for StateQueuedInterest and RoomID only for StateInRoom.
type Membership struct {
	State      State
	InterestID int
	RoomID     string
}

func idle() Membership { return Membership{State: StateIdle} }

// conn is the service's private record of one connection.
type conn struct {
	peer        Peer
	identity    Identity
	membership  Membership
	connectedAt time.Time

	// extendedFrom is the interest the connection was waiting on when it
	// extended its search. Display only.
	extendedFrom *int
}

func (c *conn) id() string { return c.peer.ID() }

func (c *conn) send(ev protocol.Event) error {
	return c.peer.Send(ev)
}
