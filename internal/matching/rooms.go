package matching

import (
	"strconv"
	"time"
)

// room pairs exactly two connections for the lifetime of one match.
type room struct {
	id         string
	a, b       *conn
	interestID *int // nil for extended matches
	reason     string
	openedAt   time.Time
}

// other returns the occupant that is not c.
func (r *room) other(c *conn) *conn {
	if r.a == c {
		return r.b
	}
	return r.a
}

func (r *room) info() RoomInfo {
	info := RoomInfo{
		ID:        r.id,
		Reason:    r.reason,
		OpenedAt:  r.openedAt,
		Occupants: [2]string{r.a.id(), r.b.id()},
		UserIDs:   [2]int64{r.a.identity.UserID, r.b.identity.UserID},
	}
	if r.interestID != nil {
		id := *r.interestID
		info.InterestID = &id
	}
	return info
}

// rooms is the room table. Room ids are "room-<n>" with n increasing for the
// lifetime of the process, so an id is never handed out twice.
type rooms struct {
	byID map[string]*room
	seq  uint64
}

func newRooms() *rooms {
	return &rooms{byID: make(map[string]*room)}
}

func (t *rooms) open(a, b *conn, interestID *int, reason string, now time.Time) *room {
	t.seq++
	r := &room{
		id:         "room-" + strconv.FormatUint(t.seq, 10),
		a:          a,
		b:          b,
		interestID: interestID,
		reason:     reason,
		openedAt:   now,
	}
	t.byID[r.id] = r
	return r
}

func (t *rooms) get(id string) (*room, bool) {
	r, ok := t.byID[id]
	return r, ok
}

func (t *rooms) close(id string) (*room, bool) {
	r, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
	}
	return r, ok
}

func (t *rooms) size() int { return len(t.byID) }
