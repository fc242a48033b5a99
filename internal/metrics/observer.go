package metrics

import (
	"time"

	"github.com/fugue/chat-server/internal/matching"
)

// Observer feeds the counters and histograms from matching service
// transitions. It relies on the service calling it from a single goroutine.
type Observer struct {
	now      func() time.Time
	queuedAt map[string]time.Time // conn id -> when it started waiting
}

// NewObserver returns an Observer using the wall clock.
func NewObserver() *Observer {
	return &Observer{now: time.Now, queuedAt: make(map[string]time.Time)}
}

func (o *Observer) ConnectionOpened(string, matching.Identity) {}

func (o *Observer) ConnectionClosed(connID string, _ matching.Identity) {
	delete(o.queuedAt, connID)
}

func (o *Observer) MembershipChanged(t matching.Transition) {
	switch {
	case t.From.State == matching.StateIdle && queued(t.To.State):
		o.queuedAt[t.ConnID] = o.now()
	case t.To.State == matching.StateIdle:
		delete(o.queuedAt, t.ConnID)
	}
}

func (o *Observer) RoomOpened(r matching.RoomInfo) {
	RoomsTotal.WithLabelValues(r.Reason).Inc()

	// The joiner that completed the pair never waited; only the occupant
	// with a recorded start contributes a sample.
	for _, id := range r.Occupants {
		if start, ok := o.queuedAt[id]; ok {
			MatchDuration.WithLabelValues(r.Reason).Observe(r.OpenedAt.Sub(start).Seconds())
			delete(o.queuedAt, id)
		}
	}
}

func (o *Observer) RoomClosed(r matching.RoomInfo, cause matching.CloseCause, closedAt time.Time) {
	RoomDuration.WithLabelValues(string(cause)).Observe(closedAt.Sub(r.OpenedAt).Seconds())
}

func (o *Observer) MessageRelayed(_ string, delivered bool) {
	if delivered {
		MessagesTotal.WithLabelValues("delivered").Inc()
		return
	}
	MessagesTotal.WithLabelValues("unreachable").Inc()
}

func queued(s matching.State) bool {
	return s == matching.StateQueuedInterest || s == matching.StateQueuedGeneral
}
