package matching

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fugue/chat-server/internal/protocol"
)

var testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

var errPeerClosed = errors.New("peer closed")

type fakePeer struct {
	id string

	mu     sync.Mutex
	events []protocol.Event
	closed bool
}

func newFakePeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(ev protocol.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePeer) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *fakePeer) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// drain returns and forgets everything sent so far.
func (p *fakePeer) drain() []protocol.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.events
	p.events = nil
	return out
}

type staticNames map[int]string

func (n staticNames) InterestName(id int) (string, bool) {
	name, ok := n[id]
	return name, ok
}

var testNames = staticNames{1: "Gaming", 2: "Dancing", 3: "Coding"}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testEpoch })}, opts...)
	s := NewService(testNames, opts...)
	t.Cleanup(s.Stop)
	return s
}

func connect(t *testing.T, s *Service, id, name string) *fakePeer {
	t.Helper()
	p := newFakePeer(id)
	require.NoError(t, s.Connect(p, Identity{UserID: int64(len(s.conns) + 1), DisplayName: name}))
	return p
}

func onlyEvent(t *testing.T, p *fakePeer) protocol.Event {
	t.Helper()
	evs := p.drain()
	require.Len(t, evs, 1, "events for %s: %#v", p.id, evs)
	return evs[0]
}

func TestService_ConnectDuplicate(t *testing.T) {
	s := newTestService(t)
	connect(t, s, "c1", "Alice")

	err := s.Connect(newFakePeer("c1"), Identity{UserID: 9})
	assert.ErrorIs(t, err, ErrDuplicateConnection)

	m, ok := s.Membership("c1")
	require.True(t, ok)
	assert.Equal(t, StateIdle, m.State)
}

func TestService_JoinWaitsAlone(t *testing.T) {
	s := newTestService(t)
	a := connect(t, s, "a", "Alice")

	out, err := s.Join("a", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, out)

	assert.Equal(t, protocol.WaitingEvent{
		Queue:        protocol.String(protocol.QueueInterest),
		InterestID:   protocol.Int(1),
		InterestName: protocol.String("Gaming"),
		CanExtend:    true,
		Message:      "No one else is waiting on that interest right now.",
	}, onlyEvent(t, a))

	m, _ := s.Membership("a")
	assert.Equal(t, Membership{State: StateQueuedInterest, InterestID: 1}, m)
}

func TestService_JoinPairsOnSameInterest(t *testing.T) {
	s := newTestService(t)
	a := connect(t, s, "a", "Alice")
	b := connect(t, s, "b", "Bob")

	_, err := s.Join("a", 2)
	require.NoError(t, err)
	a.drain()

	out, err := s.Join("b", 2)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaired, out)

	assert.Equal(t, protocol.PairedEvent{
		Partner:      "Bob",
		RoomID:       "room-1",
		InterestID:   protocol.Int(2),
		InterestName: protocol.String("Dancing"),
		Reason:       protocol.ReasonInterest,
	}, onlyEvent(t, a))
	assert.Equal(t, protocol.PairedEvent{
		Partner:      "Alice",
		RoomID:       "room-1",
		InterestID:   protocol.Int(2),
		InterestName: protocol.String("Dancing"),
		Reason:       protocol.ReasonInterest,
	}, onlyEvent(t, b))

	for _, id := range []string{"a", "b"} {
		m, _ := s.Membership(id)
		assert.Equal(t, Membership{State: StateInRoom, RoomID: "room-1"}, m)
	}
	snap := s.Snapshot()
	assert.Empty(t, snap.InterestQueues)
	assert.Equal(t, 1, snap.ActiveRooms)
}

func pairedPartner(t *testing.T, p *fakePeer) protocol.PairedEvent {
	t.Helper()
	events := p.drain()
	require.NotEmpty(t, events)
	ev, ok := events[len(events)-1].(protocol.PairedEvent)
	require.True(t, ok, "last event is %T", events[len(events)-1])
	return ev
}

// A second joiner always pairs with the waiter, so arrival order decides
// every pairing and a queue never holds two open waiters.
func TestService_JoinPairsOldestWaiter(t *testing.T) {
	s := newTestService(t)
	a := connect(t, s, "a", "Alice")
	b := connect(t, s, "b", "Bob")
	c := connect(t, s, "c", "Carol")
	d := connect(t, s, "d", "Dave")

	_, err := s.Join("a", 1)
	require.NoError(t, err)
	out, err := s.Join("b", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaired, out)
	assert.Equal(t, "Alice", pairedPartner(t, b).Partner)
	assert.Equal(t, "Bob", pairedPartner(t, a).Partner)

	out, err = s.Join("c", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, out)
	assert.Equal(t, map[int]int{1: 1}, s.Snapshot().InterestQueues)
	m, _ := s.Membership("c")
	assert.Equal(t, Membership{State: StateQueuedInterest, InterestID: 1}, m)

	out, err = s.Join("d", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaired, out)
	ev := pairedPartner(t, d)
	assert.Equal(t, "Carol", ev.Partner)
	assert.Equal(t, "room-2", ev.RoomID)
	assert.Equal(t, "Dave", pairedPartner(t, c).Partner)

	m, _ = s.Membership("a")
	assert.Equal(t, Membership{State: StateInRoom, RoomID: "room-1"}, m)
	assert.Empty(t, s.Snapshot().InterestQueues)
}

func TestService_ExtendPairsOldestWaiter(t *testing.T) {
	s := newTestService(t)
	a := connect(t, s, "a", "Alice")
	b := connect(t, s, "b", "Bob")
	c := connect(t, s, "c", "Carol")
	d := connect(t, s, "d", "Dave")

	_, err := s.Join("a", 1)
	require.NoError(t, err)
	_, err = s.Extend("a")
	require.NoError(t, err)
	_, err = s.Extend("b")
	require.NoError(t, err)
	assert.Equal(t, "Alice", pairedPartner(t, b).Partner)
	assert.Equal(t, "Bob", pairedPartner(t, a).Partner)

	_, err = s.Extend("c")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Snapshot().GeneralQueue)
	m, _ := s.Membership("c")
	assert.Equal(t, Membership{State: StateQueuedGeneral}, m)

	_, err = s.Join("d", 2)
	require.NoError(t, err)
	out, err := s.Extend("d")
	require.NoError(t, err)
	assert.Equal(t, OutcomePaired, out)
	assert.Equal(t, "Carol", pairedPartner(t, d).Partner)
	assert.Equal(t, "Dave", pairedPartner(t, c).Partner)
	assert.Zero(t, s.Snapshot().GeneralQueue)
}

func TestService_JoinSkipsClosedWaiter(t *testing.T) {
	s := newTestService(t)
	a := connect(t, s, "a", "Alice")
	b := connect(t, s, "b", "Bob")
	c := connect(t, s, "c", "Carol")

	_, err := s.Join("a", 1)
	require.NoError(t, err)
	a.close() // channel gone, Disconnect not processed yet

	out, err := s.Join("b", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, out)
	assert.IsType(t, protocol.WaitingEvent{}, onlyEvent(t, b))

	m, _ := s.Membership("a")
	assert.Equal(t, StateIdle, m.State)
	assert.Equal(t, map[int]int{1: 1}, s.Snapshot().InterestQueues)

	s.Disconnect("a")
	_, err = s.Join("c", 1)
	require.NoError(t, err)
	assert.Equal(t, "Bob", pairedPartner(t, c).Partner)
}

func TestService_ExtendSkipsClosedWaiter(t *testing.T) {
	s := newTestService(t)
	a := connect(t, s, "a", "Alice")
	b := connect(t, s, "b", "Bob")

	_, err := s.Extend("a")
	require.NoError(t, err)
	a.close()

	out, err := s.Extend("b")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, out)
	assert.IsType(t, protocol.WaitingEvent{}, onlyEvent(t, b))

	m, _ := s.Membership("a")
	assert.Equal(t, StateIdle, m.State)
	assert.Equal(t, 1, s.Snapshot().GeneralQueue)
	assert.Zero(t, s.Snapshot().ActiveRooms)
}

func TestService_JoinDifferentInterestsDoNotPair(t *testing.T) {
	s := newTestService(t)
	connect(t, s, "a", "Alice")
	connect(t, s, "b", "Bob")

	out, err := s.Join("a", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, out)
	out, err = s.Join("b", 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, out)

	assert.Equal(t, map[int]int{1: 1, 3: 1}, s.Snapshot().InterestQueues)
}

func TestService_JoinUnknownInterestNameIsNull(t *testing.T) {
	s := newTestService(t)
	a := connect(t, s, "a", "Alice")

	_, err := s.Join("a", 99)
	require.NoError(t, err)

	ev := onlyEvent(t, a).(protocol.WaitingEvent)
	assert.Equal(t, protocol.Int(99), ev.InterestID)
	assert.Nil(t, ev.InterestName)
}

func TestService_RejoinMovesQueue(t *testing.T) {
	s := newTestService(t)
	connect(t, s, "a", "Alice")
	connect(t, s, "b", "Bob")

	_, err := s.Join("a", 1)
	require.NoError(t, err)
	_, err = s.Join("a", 2)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{2: 1}, s.Snapshot().InterestQueues)

	out, err := s.Join("b", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, out, "a no longer waits on interest 1")

	out, err = s.Join("b", 2)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaired, out)
}

func TestService_RejoinSameInterestDoesNotSelfPair(t *testing.T) {
	s := newTestService(t)
	a := connect(t, s, "a", "Alice")

	_, err := s.Join("a", 1)
	require.NoError(t, err)
	out, err := s.Join("a", 1)
	require.NoError(t, err)

	assert.Equal(t, OutcomeWaiting, out)
	assert.Len(t, a.drain(), 2)
	assert.Equal(t, map[int]int{1: 1}, s.Snapshot().InterestQueues)
}

func TestService_JoinOrExtendInRoom(t *testing.T) {
	s := newTestService(t)
	pairUp(t, s, "a", "b", 1)

	_, err := s.Join("a", 2)
	assert.ErrorIs(t, err, ErrAlreadyInRoom)
	_, err = s.Extend("b")
	assert.ErrorIs(t, err, ErrAlreadyInRoom)

	m, _ := s.Membership("a")
	assert.Equal(t, StateInRoom, m.State)
}

func TestService_ExtendFromInterestWaits(t *testing.T) {
	s := newTestService(t)
	a := connect(t, s, "a", "Alice")

	_, err := s.Join("a", 3)
	require.NoError(t, err)
	a.drain()

	out, err := s.Extend("a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, out)

	assert.Equal(t, protocol.WaitingEvent{
		Queue:        protocol.String(protocol.QueueGeneral),
		InterestID:   protocol.Int(3),
		InterestName: protocol.String("Coding"),
		CanExtend:    false,
		Message:      "Extended search... we will connect you with anyone available.",
	}, onlyEvent(t, a))

	snap := s.Snapshot()
	assert.Empty(t, snap.InterestQueues)
	assert.Equal(t, 1, snap.GeneralQueue)
}

func TestService_ExtendFromIdle(t *testing.T) {
	s := newTestService(t)
	a := connect(t, s, "a", "Alice")

	out, err := s.Extend("a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, out)

	ev := onlyEvent(t, a).(protocol.WaitingEvent)
	assert.Equal(t, protocol.String(protocol.QueueGeneral), ev.Queue)
	assert.Nil(t, ev.InterestID)
	assert.Nil(t, ev.InterestName)
}

func TestService_ExtendTwiceRepeatsNotice(t *testing.T) {
	s := newTestService(t)
	a := connect(t, s, "a", "Alice")

	_, err := s.Join("a", 1)
	require.NoError(t, err)
	_, err = s.Extend("a")
	require.NoError(t, err)
	first := a.drain()[1]

	out, err := s.Extend("a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, out)
	assert.Equal(t, first, onlyEvent(t, a))
	assert.Equal(t, 1, s.Snapshot().GeneralQueue)
}

func TestService_ExtendPairsAcrossInterests(t *testing.T) {
	s := newTestService(t)
	a := connect(t, s, "a", "Alice")
	b := connect(t, s, "b", "Bob")

	_, err := s.Join("a", 1)
	require.NoError(t, err)
	_, err = s.Join("b", 2)
	require.NoError(t, err)
	_, err = s.Extend("a")
	require.NoError(t, err)
	a.drain()
	b.drain()

	out, err := s.Extend("b")
	require.NoError(t, err)
	assert.Equal(t, OutcomePaired, out)

	want := protocol.PairedEvent{Partner: "Bob", RoomID: "room-1", Reason: protocol.ReasonExtended}
	assert.Equal(t, want, onlyEvent(t, a))
	want.Partner = "Alice"
	assert.Equal(t, want, onlyEvent(t, b))

	snap := s.Snapshot()
	assert.Zero(t, snap.GeneralQueue)
	assert.Empty(t, snap.InterestQueues)
}

func TestService_Cancel(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, s *Service)
	}{
		{name: "idle", setup: func(*testing.T, *Service) {}},
		{name: "interest queue", setup: func(t *testing.T, s *Service) {
			_, err := s.Join("a", 1)
			require.NoError(t, err)
		}},
		{name: "general queue", setup: func(t *testing.T, s *Service) {
			_, err := s.Extend("a")
			require.NoError(t, err)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestService(t)
			a := connect(t, s, "a", "Alice")
			tt.setup(t, s)
			a.drain()

			require.NoError(t, s.Cancel("a"))
			assert.Equal(t, protocol.WaitingCancelledEvent{}, onlyEvent(t, a))

			m, _ := s.Membership("a")
			assert.Equal(t, StateIdle, m.State)
			snap := s.Snapshot()
			assert.Empty(t, snap.InterestQueues)
			assert.Zero(t, snap.GeneralQueue)
		})
	}
}

func TestService_CancelInRoomKeepsRoom(t *testing.T) {
	s := newTestService(t)
	a, _ := pairUp(t, s, "a", "b", 1)

	require.NoError(t, s.Cancel("a"))
	assert.Equal(t, protocol.WaitingCancelledEvent{}, onlyEvent(t, a))

	m, _ := s.Membership("a")
	assert.Equal(t, StateInRoom, m.State)
}

func TestService_Relay(t *testing.T) {
	s := newTestService(t)
	a, b := pairUp(t, s, "a", "b", 1)

	require.NoError(t, s.Relay("a", "  hello there \n"))
	assert.Equal(t, protocol.ChatEvent{From: "Alice", Text: "hello there"}, onlyEvent(t, b))
	assert.Empty(t, a.drain(), "sender gets no echo")

	require.NoError(t, s.Relay("b", "hi"))
	assert.Equal(t, protocol.ChatEvent{From: "Bob", Text: "hi"}, onlyEvent(t, a))
}

func TestService_RelayNotInRoom(t *testing.T) {
	s := newTestService(t)
	connect(t, s, "a", "Alice")

	assert.ErrorIs(t, s.Relay("a", "hi"), ErrNotInRoom)

	_, err := s.Join("a", 1)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Relay("a", "hi"), ErrNotInRoom)
}

func TestService_RelayPartnerClosedKeepsRoom(t *testing.T) {
	s := newTestService(t)
	_, b := pairUp(t, s, "a", "b", 1)
	b.close()

	assert.ErrorIs(t, s.Relay("a", "anyone?"), ErrPartnerUnreachable)

	m, _ := s.Membership("a")
	assert.Equal(t, StateInRoom, m.State)
	assert.Equal(t, 1, s.Snapshot().ActiveRooms)
}

func TestService_Leave(t *testing.T) {
	s := newTestService(t)
	a, b := pairUp(t, s, "a", "b", 1)

	require.NoError(t, s.Leave("a"))
	assert.Equal(t, protocol.LeftRoomEvent{Message: "You left the chat."}, onlyEvent(t, a))
	assert.Equal(t, protocol.PartnerLeftEvent{}, onlyEvent(t, b))

	for _, id := range []string{"a", "b"} {
		m, _ := s.Membership(id)
		assert.Equal(t, idle(), m)
	}
	assert.Zero(t, s.Snapshot().ActiveRooms)

	assert.ErrorIs(t, s.Leave("a"), ErrNotInRoom)
	assert.ErrorIs(t, s.Leave("b"), ErrNotInRoom)
	assert.ErrorIs(t, s.Relay("b", "still there?"), ErrNotInRoom)
}

func TestService_LeaveThenMatchAgain(t *testing.T) {
	s := newTestService(t)
	pairUp(t, s, "a", "b", 1)
	require.NoError(t, s.Leave("b"))

	_, err := s.Join("a", 1)
	require.NoError(t, err)
	out, err := s.Join("b", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaired, out)

	m, _ := s.Membership("a")
	assert.Equal(t, "room-2", m.RoomID)
}

func TestService_DisconnectInRoom(t *testing.T) {
	s := newTestService(t)
	_, b := pairUp(t, s, "a", "b", 1)

	s.Disconnect("a")

	evs := b.drain()
	require.Len(t, evs, 2)
	assert.Equal(t, protocol.PartnerLeftEvent{}, evs[0])
	assert.Equal(t, protocol.WaitingEvent{Message: "Your partner left the chat."}, evs[1])

	m, _ := s.Membership("b")
	assert.Equal(t, idle(), m)
	_, ok := s.Membership("a")
	assert.False(t, ok)

	snap := s.Snapshot()
	assert.Zero(t, snap.ActiveRooms)
	assert.Equal(t, 1, snap.Connections)
	assert.Empty(t, snap.InterestQueues, "partner is not requeued")
}

func TestService_DisconnectQueued(t *testing.T) {
	s := newTestService(t)
	connect(t, s, "a", "Alice")
	connect(t, s, "b", "Bob")

	_, err := s.Join("a", 1)
	require.NoError(t, err)
	s.Disconnect("a")
	assert.Empty(t, s.Snapshot().InterestQueues)

	out, err := s.Join("b", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, out)
}

func TestService_DisconnectIdempotent(t *testing.T) {
	s := newTestService(t)
	connect(t, s, "a", "Alice")

	s.Disconnect("a")
	s.Disconnect("a")
	s.Disconnect("never-seen")

	assert.Zero(t, s.Snapshot().Connections)
	_, err := s.Join("a", 1)
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestService_BothDisconnect(t *testing.T) {
	s := newTestService(t)
	_, b := pairUp(t, s, "a", "b", 1)
	b.close()

	s.Disconnect("a")
	s.Disconnect("b")

	assert.Empty(t, b.drain())
	assert.Equal(t, Snapshot{InterestQueues: map[int]int{}}, s.Snapshot())
}

func TestService_UnknownConnection(t *testing.T) {
	s := newTestService(t)

	_, err := s.Join("x", 1)
	assert.ErrorIs(t, err, ErrUnknownConnection)
	_, err = s.Extend("x")
	assert.ErrorIs(t, err, ErrUnknownConnection)
	assert.ErrorIs(t, s.Cancel("x"), ErrUnknownConnection)
	assert.ErrorIs(t, s.Relay("x", "hi"), ErrUnknownConnection)
	assert.ErrorIs(t, s.Leave("x"), ErrUnknownConnection)
}

type recordingObserver struct {
	NopObserver

	mu     sync.Mutex
	events []string
}

func (r *recordingObserver) add(format string, args ...any) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recordingObserver) ConnectionOpened(id string, _ Identity) { r.add("open %s", id) }
func (r *recordingObserver) ConnectionClosed(id string, _ Identity) { r.add("close %s", id) }
func (r *recordingObserver) RoomOpened(info RoomInfo)               { r.add("room+ %s", info.ID) }
func (r *recordingObserver) MessageRelayed(room string, ok bool)    { r.add("relay %s %t", room, ok) }

func (r *recordingObserver) RoomClosed(info RoomInfo, cause CloseCause, _ time.Time) {
	r.add("room- %s %s", info.ID, cause)
}

func (r *recordingObserver) MembershipChanged(t Transition) {
	r.add("%s %s->%s", t.ConnID, t.From.State, t.To.State)
}

func TestService_ObserverOrder(t *testing.T) {
	rec := &recordingObserver{}
	s := NewService(testNames, WithObservers(rec), WithClock(func() time.Time { return testEpoch }))

	connect(t, s, "a", "Alice")
	connect(t, s, "b", "Bob")
	_, err := s.Join("a", 1)
	require.NoError(t, err)
	_, err = s.Join("b", 1)
	require.NoError(t, err)
	require.NoError(t, s.Relay("a", "hi"))
	s.Disconnect("b")
	s.Stop()

	assert.Equal(t, []string{
		"open a",
		"open b",
		"a idle->queued-interest",
		"a queued-interest->in-room",
		"b idle->in-room",
		"room+ room-1",
		"relay room-1 true",
		"b in-room->idle",
		"a in-room->idle",
		"room- room-1 disconnect",
		"close b",
	}, rec.events)
}

type blockingObserver struct {
	NopObserver
	release chan struct{}
}

func (o *blockingObserver) MembershipChanged(Transition) { <-o.release }

type countingObserver struct {
	NopObserver
	changes atomic.Int64
}

func (o *countingObserver) MembershipChanged(Transition) { o.changes.Add(1) }

func TestService_StalledObserverDoesNotStarveOthers(t *testing.T) {
	blocked := &blockingObserver{release: make(chan struct{})}
	counter := &countingObserver{}
	s := NewService(testNames, WithObservers(blocked, counter))

	const batches, perBatch = 10, 100
	for batch := range batches {
		for i := range perBatch {
			a, b := fmt.Sprintf("a%d-%d", batch, i), fmt.Sprintf("b%d-%d", batch, i)
			require.NoError(t, s.Connect(newFakePeer(a), Identity{}))
			require.NoError(t, s.Connect(newFakePeer(b), Identity{}))
			_, err := s.Join(a, 1)
			require.NoError(t, err)
			_, err = s.Join(b, 1)
			require.NoError(t, err)
			require.NoError(t, s.Leave(a))
			s.Disconnect(a)
			s.Disconnect(b)
		}
		// five membership changes per pair: a queues, both enter, both leave
		want := int64((batch + 1) * perBatch * 5)
		require.Eventually(t, func() bool { return counter.changes.Load() == want },
			2*time.Second, time.Millisecond)
	}

	dropped := s.notify.dropped()
	assert.Positive(t, dropped[0], "stalled observer overflows its own queue")
	assert.Zero(t, dropped[1])

	close(blocked.release)
	s.Stop()
}

func TestService_ConcurrentUse(t *testing.T) {
	s := newTestService(t)
	const n = 64

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			p := newFakePeer(id)
			if err := s.Connect(p, Identity{UserID: int64(i), DisplayName: id}); err != nil {
				t.Error(err)
				return
			}
			if _, err := s.Join(id, i%4); err != nil {
				t.Error(err)
			}
			_ = s.Relay(id, "hello")
			if i%3 == 0 {
				_ = s.Leave(id)
			}
			s.Disconnect(id)
		}()
	}
	wg.Wait()

	assert.Equal(t, Snapshot{InterestQueues: map[int]int{}}, s.Snapshot())
}

// TestService_RandomOperations drives the service with a seeded random
// sequence and checks the structural invariants after every step.
func TestService_RandomOperations(t *testing.T) {
	s := newTestService(t)
	rng := rand.New(rand.NewPCG(7, 11))

	ids := make([]string, 12)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%d", i)
	}
	peers := make(map[string]*fakePeer)

	for step := range 5000 {
		id := ids[rng.IntN(len(ids))]
		if _, live := peers[id]; !live {
			p := newFakePeer(id)
			require.NoError(t, s.Connect(p, Identity{UserID: int64(step), DisplayName: id}))
			peers[id] = p
			continue
		}

		switch rng.IntN(8) {
		case 0, 1:
			_, err := s.Join(id, 1+rng.IntN(3))
			if err != nil {
				require.ErrorIs(t, err, ErrAlreadyInRoom)
			}
		case 2:
			_, err := s.Extend(id)
			if err != nil {
				require.ErrorIs(t, err, ErrAlreadyInRoom)
			}
		case 3:
			require.NoError(t, s.Cancel(id))
		case 4:
			err := s.Relay(id, "ping")
			if err != nil && !errors.Is(err, ErrNotInRoom) && !errors.Is(err, ErrPartnerUnreachable) {
				t.Fatalf("step %d: relay: %v", step, err)
			}
		case 5:
			err := s.Leave(id)
			if err != nil {
				require.ErrorIs(t, err, ErrNotInRoom)
			}
		case 6:
			peers[id].close()
		case 7:
			s.Disconnect(id)
			delete(peers, id)
		}

		checkInvariants(t, s, step)
	}
}

func checkInvariants(t *testing.T, s *Service, step int) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]string)
	for interestID, list := range s.queues.interest {
		require.NotEmpty(t, list, "step %d: empty queue for %d kept", step, interestID)
		require.Len(t, list, 1, "step %d: a joiner left a waiter on %d unpaired", step, interestID)
		for _, c := range list {
			where := fmt.Sprintf("interest %d", interestID)
			require.NotContains(t, seen, c.id(), "step %d: %s queued twice", step, c.id())
			seen[c.id()] = where
			require.Equal(t, Membership{State: StateQueuedInterest, InterestID: interestID}, c.membership, "step %d", step)
		}
	}
	require.LessOrEqual(t, len(s.queues.general), 1, "step %d: general queue holds two waiters", step)
	for _, c := range s.queues.general {
		require.NotContains(t, seen, c.id(), "step %d: %s queued twice", step, c.id())
		seen[c.id()] = "general"
		require.Equal(t, StateQueuedGeneral, c.membership.State, "step %d", step)
	}
	require.Len(t, s.queues.slots, len(seen), "step %d", step)

	for id, r := range s.rooms.byID {
		require.NotSame(t, r.a, r.b, "step %d: room %s pairs a connection with itself", step, id)
		for _, c := range []*conn{r.a, r.b} {
			require.Equal(t, Membership{State: StateInRoom, RoomID: id}, c.membership, "step %d", step)
			require.Same(t, c, s.conns[c.id()], "step %d: room %s holds a removed connection", step, id)
		}
	}

	for id, c := range s.conns {
		switch c.membership.State {
		case StateIdle:
			require.NotContains(t, seen, id, "step %d", step)
		case StateQueuedInterest, StateQueuedGeneral:
			require.Contains(t, seen, id, "step %d", step)
		case StateInRoom:
			r, ok := s.rooms.byID[c.membership.RoomID]
			require.True(t, ok, "step %d: %s points at missing room", step, id)
			require.True(t, r.a == c || r.b == c, "step %d", step)
		}
	}
}

// pairUp connects a (Alice) and b (Bob), puts them in a room on interestID
// and discards the events produced so far.
func pairUp(t *testing.T, s *Service, a, b string, interestID int) (*fakePeer, *fakePeer) {
	t.Helper()
	pa := connect(t, s, a, "Alice")
	pb := connect(t, s, b, "Bob")
	_, err := s.Join(a, interestID)
	require.NoError(t, err)
	out, err := s.Join(b, interestID)
	require.NoError(t, err)
	require.Equal(t, OutcomePaired, out)
	pa.drain()
	pb.drain()
	return pa, pb
}
