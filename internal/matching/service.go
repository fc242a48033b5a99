// Package matching pairs connections for two-party chat. It owns the waiting
// queues and the room table; every mutation goes through Service, which
// serializes them behind one mutex.
package matching

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fugue/chat-server/internal/protocol"
)

var (
	ErrUnknownConnection   = errors.New("matching: unknown connection")
	ErrDuplicateConnection = errors.New("matching: connection already registered")
	ErrAlreadyInRoom       = errors.New("matching: connection is already in a room")
	ErrNotInRoom           = errors.New("matching: connection is not in a room")
	ErrRoomNotFound        = errors.New("matching: room not found")
	ErrPartnerUnreachable  = errors.New("matching: partner disconnected")
)

// Wire texts of the notices the service emits on its own.
const (
	msgInterestWaiting = "No one else is waiting on that interest right now."
	msgGeneralWaiting  = "Extended search... we will connect you with anyone available."
	msgPartnerGone     = "Your partner left the chat."
	msgLeftRoom        = "You left the chat."
)

// Outcome is the result of a join or extend request that was accepted.
type Outcome int

const (
	OutcomeWaiting Outcome = iota + 1
	OutcomePaired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWaiting:
		return "waiting"
	case OutcomePaired:
		return "paired"
	}
	return "unknown"
}

// NameResolver maps interest ids to display names. It is called with the
// service lock held and must answer from memory.
type NameResolver interface {
	InterestName(id int) (string, bool)
}

// Snapshot is a point-in-time view of the service for diagnostics.
type Snapshot struct {
	Connections    int
	InterestQueues map[int]int
	GeneralQueue   int
	ActiveRooms    int
}

// Option configures a Service.
type Option func(*Service)

// WithObservers registers observers for state changes.
func WithObservers(obs ...Observer) Option {
	return func(s *Service) { s.observers = append(s.observers, obs...) }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the matchmaking and room-relay engine.
type Service struct {
	mu     sync.Mutex
	conns  map[string]*conn
	queues *queues
	rooms  *rooms

	names     NameResolver
	observers []Observer
	notify    *notifier
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService creates a Service. names may be nil, in which case interest
// names are reported as null.
func NewService(names NameResolver, opts ...Option) *Service {
	s := &Service{
		conns:  make(map[string]*conn),
		queues: newQueues(),
		rooms:  newRooms(),
		names:  names,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.notify = newNotifier(s.observers, s.logger)
	return s
}

// Stop flushes pending observer notifications. The service must not be used
// afterwards.
func (s *Service) Stop() {
	s.notify.stop()
}

// Connect registers a newly established connection as idle.
func (s *Service) Connect(p Peer, id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	connID := p.ID()
	if _, exists := s.conns[connID]; exists {
		return ErrDuplicateConnection
	}
	s.conns[connID] = &conn{
		peer:        p,
		identity:    id,
		membership:  idle(),
		connectedAt: s.now(),
	}
	s.notify.post(func(o Observer) { o.ConnectionOpened(connID, id) })

	s.logger.Debug().Str("conn", connID).Int64("user", id.UserID).Msg("connection registered")
	return nil
}

// Membership returns the current membership of a connection.
func (s *Service) Membership(connID string) (Membership, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[connID]
	if !ok {
		return Membership{}, false
	}
	return c.membership, true
}

// Identity returns the identity attached to a connection at Connect.
func (s *Service) Identity(connID string) (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[connID]
	if !ok {
		return Identity{}, false
	}
	return c.identity, true
}

// Join leaves any queue the connection is in and tries to pair it with the
// longest-waiting connection on interestID. Without a partner the connection
// is queued on that interest. The caller has already checked that interestID
// is allowed for the user.
func (s *Service) Join(connID string, interestID int) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[connID]
	if !ok {
		return 0, ErrUnknownConnection
	}
	if c.membership.State == StateInRoom {
		return 0, ErrAlreadyInRoom
	}

	s.queues.removeConnection(c)
	c.extendedFrom = nil

	if partner, found := s.openPartner(func() (*conn, bool) { return s.queues.dequeueNext(interestID) }); found {
		id := interestID
		s.formRoom(partner, c, &id, protocol.ReasonInterest)
		return OutcomePaired, nil
	}

	s.queues.enqueueInterest(interestID, c)
	s.setMembership(c, Membership{State: StateQueuedInterest, InterestID: interestID})
	s.deliver(c, protocol.WaitingEvent{
		Queue:        protocol.String(protocol.QueueInterest),
		InterestID:   protocol.Int(interestID),
		InterestName: s.interestName(&interestID),
		CanExtend:    true,
		Message:      msgInterestWaiting,
	})

	s.logger.Debug().Str("conn", connID).Int("interest", interestID).Msg("queued on interest")
	return OutcomeWaiting, nil
}

// Extend moves the connection to the general queue, pairing it with the
// longest-waiting general entry if there is one. Extending again while
// already in the general queue only repeats the waiting notice.
func (s *Service) Extend(connID string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[connID]
	if !ok {
		return 0, ErrUnknownConnection
	}

	switch c.membership.State {
	case StateInRoom:
		return 0, ErrAlreadyInRoom
	case StateQueuedGeneral:
		s.deliver(c, s.generalWaiting(c))
		return OutcomeWaiting, nil
	}

	var prior *int
	if c.membership.State == StateQueuedInterest {
		id := c.membership.InterestID
		prior = &id
	}
	s.queues.removeConnection(c)
	c.extendedFrom = nil

	if partner, found := s.openPartner(s.queues.dequeueGeneral); found {
		s.formRoom(partner, c, nil, protocol.ReasonExtended)
		return OutcomePaired, nil
	}

	s.queues.enqueueGeneral(c)
	c.extendedFrom = prior
	s.setMembership(c, Membership{State: StateQueuedGeneral})
	s.deliver(c, s.generalWaiting(c))

	s.logger.Debug().Str("conn", connID).Msg("queued on general")
	return OutcomeWaiting, nil
}

// Cancel removes the connection from whatever queue it is in and always
// acknowledges with waiting-cancelled.
func (s *Service) Cancel(connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}

	if s.queues.removeConnection(c) {
		c.extendedFrom = nil
		s.setMembership(c, idle())
	}
	s.deliver(c, protocol.WaitingCancelledEvent{})
	return nil
}

// Relay forwards text, trimmed, to the other occupant of the sender's room.
// If the partner's channel is closed the sender gets ErrPartnerUnreachable
// and the room stays open.
func (s *Service) Relay(connID string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if c.membership.State != StateInRoom {
		return ErrNotInRoom
	}
	r, ok := s.rooms.get(c.membership.RoomID)
	if !ok {
		return ErrRoomNotFound
	}

	partner := r.other(c)
	delivered := false
	if partner.peer.IsOpen() {
		err := partner.send(protocol.ChatEvent{
			From: c.identity.DisplayName,
			Text: strings.TrimSpace(text),
		})
		if err != nil {
			s.logger.Debug().Err(err).Str("conn", partner.id()).Str("room", r.id).Msg("relay send failed")
		} else {
			delivered = true
		}
	}

	roomID := r.id
	s.notify.post(func(o Observer) { o.MessageRelayed(roomID, delivered) })

	if !delivered {
		return ErrPartnerUnreachable
	}
	return nil
}

// Leave destroys the connection's room. The leaver gets left-room, the
// partner gets partner-left, and both end up idle.
func (s *Service) Leave(connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if c.membership.State != StateInRoom {
		return ErrNotInRoom
	}
	r, ok := s.rooms.close(c.membership.RoomID)
	if !ok {
		return ErrRoomNotFound
	}

	partner := r.other(c)
	s.setMembership(c, idle())
	s.setMembership(partner, idle())

	s.deliver(c, protocol.LeftRoomEvent{Message: msgLeftRoom})
	if partner.peer.IsOpen() {
		s.deliver(partner, protocol.PartnerLeftEvent{})
	}

	s.roomClosed(r, CloseLeave)
	return nil
}

// Disconnect forgets a connection whose channel closed. A queued connection
// silently leaves its queue. A connection in a room takes the room down; the
// partner becomes idle and is told so with partner-left and a fresh waiting
// notice. Unknown ids are ignored.
func (s *Service) Disconnect(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[connID]
	if !ok {
		return
	}
	delete(s.conns, connID)

	if s.queues.removeConnection(c) {
		c.extendedFrom = nil
		s.setMembership(c, idle())
	}

	if c.membership.State == StateInRoom {
		r, found := s.rooms.close(c.membership.RoomID)
		s.setMembership(c, idle())
		if found {
			partner := r.other(c)
			s.setMembership(partner, idle())
			if partner.peer.IsOpen() {
				s.deliver(partner, protocol.PartnerLeftEvent{})
				s.deliver(partner, protocol.WaitingEvent{Message: msgPartnerGone})
			}
			s.roomClosed(r, CloseDisconnect)
		}
	}

	identity := c.identity
	s.notify.post(func(o Observer) { o.ConnectionClosed(connID, identity) })
	s.logger.Debug().Str("conn", connID).Msg("connection removed")
}

// Snapshot returns queue and room sizes.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		Connections:    len(s.conns),
		InterestQueues: s.queues.interestSizes(),
		GeneralQueue:   s.queues.generalSize(),
		ActiveRooms:    s.rooms.size(),
	}
}

// formRoom pairs a (the one who waited) with b. Both must be out of every
// queue when this returns.
func (s *Service) formRoom(a, b *conn, interestID *int, reason string) {
	s.queues.removeConnection(a)
	s.queues.removeConnection(b)
	a.extendedFrom = nil
	b.extendedFrom = nil

	r := s.rooms.open(a, b, interestID, reason, s.now())
	s.setMembership(a, Membership{State: StateInRoom, RoomID: r.id})
	s.setMembership(b, Membership{State: StateInRoom, RoomID: r.id})

	name := s.interestName(interestID)
	for _, pair := range [][2]*conn{{a, b}, {b, a}} {
		self, other := pair[0], pair[1]
		ev := protocol.PairedEvent{
			Partner:      other.identity.DisplayName,
			RoomID:       r.id,
			InterestName: name,
			Reason:       reason,
		}
		if interestID != nil {
			ev.InterestID = protocol.Int(*interestID)
		}
		s.deliver(self, ev)
	}

	info := r.info()
	s.notify.post(func(o Observer) { o.RoomOpened(info) })

	ev := s.logger.Info().Str("room", r.id).Str("reason", reason).
		Str("conn_a", a.id()).Str("conn_b", b.id())
	if interestID != nil {
		ev = ev.Int("interest", *interestID)
	}
	ev.Msg("room opened")
}

func (s *Service) roomClosed(r *room, cause CloseCause) {
	info := r.info()
	closedAt := s.now()
	s.notify.post(func(o Observer) { o.RoomClosed(info, cause, closedAt) })

	s.logger.Info().Str("room", r.id).Str("cause", string(cause)).
		Dur("lifetime", closedAt.Sub(r.openedAt)).Msg("room closed")
}

// openPartner pops entries until one with an open channel turns up. Closed
// entries are left idle for their pending Disconnect.
func (s *Service) openPartner(dequeue func() (*conn, bool)) (*conn, bool) {
	for {
		c, ok := dequeue()
		if !ok {
			return nil, false
		}
		if c.peer.IsOpen() {
			return c, true
		}
		c.extendedFrom = nil
		s.setMembership(c, idle())
		s.logger.Debug().Str("conn", c.id()).Msg("skipped closed waiter")
	}
}

func (s *Service) setMembership(c *conn, m Membership) {
	from := c.membership
	c.membership = m
	if from == m {
		return
	}
	t := Transition{ConnID: c.id(), UserID: c.identity.UserID, From: from, To: m}
	s.notify.post(func(o Observer) { o.MembershipChanged(t) })
}

func (s *Service) deliver(c *conn, ev protocol.Event) {
	if err := c.send(ev); err != nil {
		s.logger.Debug().Err(err).Str("conn", c.id()).Str("event", ev.EventType()).Msg("send failed")
	}
}

func (s *Service) generalWaiting(c *conn) protocol.WaitingEvent {
	ev := protocol.WaitingEvent{
		Queue:     protocol.String(protocol.QueueGeneral),
		CanExtend: false,
		Message:   msgGeneralWaiting,
	}
	if c.extendedFrom != nil {
		ev.InterestID = protocol.Int(*c.extendedFrom)
		ev.InterestName = s.interestName(c.extendedFrom)
	}
	return ev
}

func (s *Service) interestName(id *int) *string {
	if id == nil || s.names == nil {
		return nil
	}
	name, ok := s.names.InterestName(*id)
	if !ok {
		return nil
	}
	return protocol.String(name)
}
