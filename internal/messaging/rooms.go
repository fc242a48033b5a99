package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fugue/chat-server/internal/matching"
)

// RoomEvent is the payload published on rooms.opened and rooms.closed.
type RoomEvent struct {
	Server     string     `json:"server"`
	RoomID     string     `json:"room_id"`
	Reason     string     `json:"reason"`
	InterestID *int       `json:"interest_id"`
	UserIDs    [2]int64   `json:"user_ids"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	Cause      string     `json:"cause,omitempty"` // leave | disconnect
	DurationMs int64      `json:"duration_ms,omitempty"`
}

// DecodeRoomEvent parses a room event payload.
func DecodeRoomEvent(data []byte) (RoomEvent, error) {
	var ev RoomEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return RoomEvent{}, fmt.Errorf("messaging: decode room event: %w", err)
	}
	return ev, nil
}

// Publisher is the part of NATSClient RoomPublisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// RoomPublisher is a matching.Observer that broadcasts room lifecycle events.
// Publish failures are logged; the room itself is unaffected.
type RoomPublisher struct {
	matching.NopObserver

	pub    Publisher
	server string
	logger zerolog.Logger
}

// NewRoomPublisher creates a RoomPublisher tagging events with server.
func NewRoomPublisher(pub Publisher, server string, logger zerolog.Logger) *RoomPublisher {
	return &RoomPublisher{pub: pub, server: server, logger: logger}
}

func (p *RoomPublisher) RoomOpened(r matching.RoomInfo) {
	p.publish(SubjectRoomOpened, p.event(r))
}

func (p *RoomPublisher) RoomClosed(r matching.RoomInfo, cause matching.CloseCause, closedAt time.Time) {
	ev := p.event(r)
	ev.ClosedAt = &closedAt
	ev.Cause = string(cause)
	ev.DurationMs = closedAt.Sub(r.OpenedAt).Milliseconds()
	p.publish(SubjectRoomClosed, ev)
}

func (p *RoomPublisher) event(r matching.RoomInfo) RoomEvent {
	return RoomEvent{
		Server:     p.server,
		RoomID:     r.ID,
		Reason:     r.Reason,
		InterestID: r.InterestID,
		UserIDs:    r.UserIDs,
		OpenedAt:   r.OpenedAt,
	}
}

func (p *RoomPublisher) publish(subject string, ev RoomEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Str("room", ev.RoomID).Msg("marshal room event")
		return
	}
	if err := p.pub.Publish(subject, data); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Str("room", ev.RoomID).Msg("publish room event")
	}
}
