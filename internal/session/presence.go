package session

import (
	"context"
	"time"

	"github.com/fugue/chat-server/internal/matching"
)

const presenceTimeout = 2 * time.Second

// PresenceMirror is a matching.Observer that keeps presence records current.
// Redis failures are logged and otherwise ignored.
type PresenceMirror struct {
	matching.NopObserver
	store *Store
}

// NewPresenceMirror returns an observer writing presence through store.
func NewPresenceMirror(store *Store) *PresenceMirror {
	return &PresenceMirror{store: store}
}

func (m *PresenceMirror) ConnectionOpened(connID string, id matching.Identity) {
	m.set(connID, id.UserID, matching.Membership{State: matching.StateIdle})
}

func (m *PresenceMirror) MembershipChanged(t matching.Transition) {
	m.set(t.ConnID, t.UserID, t.To)
}

func (m *PresenceMirror) ConnectionClosed(connID string, id matching.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := m.store.ClearPresence(ctx, id.UserID, connID); err != nil {
		m.store.logger.Warn().Err(err).Int64("user", id.UserID).Msg("clear presence")
	}
}

func (m *PresenceMirror) set(connID string, userID int64, ms matching.Membership) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := m.store.SetPresence(ctx, userID, connID, StatusFor(ms.State), ms.RoomID); err != nil {
		m.store.logger.Warn().Err(err).Int64("user", userID).Msg("set presence")
	}
}

// StatusFor maps a membership state to a presence status.
func StatusFor(s matching.State) string {
	switch s {
	case matching.StateQueuedInterest, matching.StateQueuedGeneral:
		return StatusMatching
	case matching.StateInRoom:
		return StatusChatting
	}
	return StatusIdle
}
