package matching

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// RoomInfo is a read-only view of a room handed to observers.
type RoomInfo struct {
	ID         string
	InterestID *int
	Reason     string
	OpenedAt   time.Time
	Occupants  [2]string // connection ids
	UserIDs    [2]int64
}

// CloseCause says why a room was torn down.
type CloseCause string

const (
	CloseLeave      CloseCause = "leave"
	CloseDisconnect CloseCause = "disconnect"
)

// Transition is one membership change of one connection.
type Transition struct {
	ConnID string
	UserID int64
	From   Membership
	To     Membership
}

// Observer receives state changes after they happened. Each observer is
// called from its own goroutine, in the order the changes were made, and
// never while the service lock is held, so implementations may do I/O. An
// observer that falls more than a few thousand notifications behind misses
// the overflow; state that must stay exact belongs in Service.Snapshot.
type Observer interface {
	ConnectionOpened(connID string, id Identity)
	ConnectionClosed(connID string, id Identity)
	MembershipChanged(t Transition)
	RoomOpened(r RoomInfo)
	RoomClosed(r RoomInfo, cause CloseCause, closedAt time.Time)
	MessageRelayed(roomID string, delivered bool)
}

// NopObserver implements Observer with no-ops. Embed it to implement only the
// callbacks you need.
type NopObserver struct{}

func (NopObserver) ConnectionOpened(string, Identity)          {}
func (NopObserver) ConnectionClosed(string, Identity)          {}
func (NopObserver) MembershipChanged(Transition)               {}
func (NopObserver) RoomOpened(RoomInfo)                        {}
func (NopObserver) RoomClosed(RoomInfo, CloseCause, time.Time) {}
func (NopObserver) MessageRelayed(string, bool)                {}

const notifyBuffer = 4096

// notifier fans notifications out to observers. Each observer has its own
// queue and goroutine, so a stalled observer only loses its own
// notifications.
type notifier struct {
	sinks     []*observerSink
	closeOnce sync.Once
	logger    zerolog.Logger
}

type observerSink struct {
	observer Observer
	ch       chan func(Observer)
	done     chan struct{}
	dropped  atomic.Uint64
}

func newNotifier(observers []Observer, logger zerolog.Logger) *notifier {
	n := &notifier{logger: logger}
	for _, o := range observers {
		sink := &observerSink{
			observer: o,
			ch:       make(chan func(Observer), notifyBuffer),
			done:     make(chan struct{}),
		}
		n.sinks = append(n.sinks, sink)
		go sink.run()
	}
	return n
}

func (s *observerSink) run() {
	defer close(s.done)
	for fn := range s.ch {
		fn(s.observer)
	}
}

// post queues fn for every observer. It never blocks: an observer whose queue
// is full misses the notification.
func (n *notifier) post(fn func(Observer)) {
	for _, sink := range n.sinks {
		select {
		case sink.ch <- fn:
		default:
			// Log the first drop and then every 1024th.
			if d := sink.dropped.Add(1); d&1023 == 1 {
				n.logger.Warn().
					Str("observer", fmt.Sprintf("%T", sink.observer)).
					Uint64("dropped", d).
					Msg("observer queue full, dropping notification")
			}
		}
	}
}

// dropped returns how many notifications each observer missed, in
// registration order.
func (n *notifier) dropped() []uint64 {
	out := make([]uint64, len(n.sinks))
	for i, sink := range n.sinks {
		out[i] = sink.dropped.Load()
	}
	return out
}

// stop drains queued notifications and waits for every goroutine to exit.
// Callers must not post after stop.
func (n *notifier) stop() {
	n.closeOnce.Do(func() {
		for _, sink := range n.sinks {
			close(sink.ch)
		}
	})
	for _, sink := range n.sinks {
		<-sink.done
	}
}
