// Package protocol defines the WebSocket message types exchanged between the
// browser and the chat server. Every frame is a JSON object carrying a "type"
// discriminator; inbound frames decode into a closed set of ClientMessage
// types and outbound frames are built from the Event types below.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin          = "join"
	TypeExtendSearch  = "extend-search"
	TypeCancelWaiting = "cancel-waiting"
	TypeChat          = "chat"
	TypeLeaveRoom     = "leave-room"
)

// Server -> Client message types. TypeChat is shared with the client set.
const (
	TypeWaiting          = "waiting"
	TypePaired           = "paired"
	TypePartnerLeft      = "partner-left"
	TypeLeftRoom         = "left-room"
	TypeWaitingCancelled = "waiting-cancelled"
	TypeError            = "error"
)

// Queue names carried by the waiting event.
const (
	QueueInterest = "interest"
	QueueGeneral  = "general"
)

// Pairing reasons carried by the paired event.
const (
	ReasonInterest = "interest"
	ReasonExtended = "extended"
)

// SupportedActions lists the client message types in the order they are
// advertised by the diagnostic endpoint.
var SupportedActions = []string{TypeJoin, TypeExtendSearch, TypeChat, TypeLeaveRoom, TypeCancelWaiting}

var (
	// ErrMalformed is returned for frames that are not a JSON object with a
	// non-empty string "type" field.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownType is returned for well-formed frames whose type is not a
	// client message.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field so
// that the rest of the payload can be decoded into the matching struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if partial.Type == "" {
		return fmt.Errorf("%w: missing or empty \"type\" field", ErrMalformed)
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server messages
// ---------------------------------------------------------------------------

// ClientMessage is implemented by every inbound message type. The set is
// closed: ParseClientMessage never returns a type outside this file.
type ClientMessage interface {
	MessageType() string
}

// JoinMsg asks to be matched with someone on a single interest.
// InterestID is nil when the field is absent or not an integer.
type JoinMsg struct {
	InterestID *int
}

// UnmarshalJSON accepts interestId as a JSON number or a numeric string.
func (m *JoinMsg) UnmarshalJSON(data []byte) error {
	var raw struct {
		InterestID json.RawMessage `json:"interestId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.InterestID = parseInterestID(raw.InterestID)
	return nil
}

// ExtendSearchMsg asks to broaden an unmatched wait to the general queue.
type ExtendSearchMsg struct{}

// CancelWaitingMsg leaves whichever queue the connection is in.
type CancelWaitingMsg struct{}

// ChatMsg carries text for the partner. Text is nil when the field is absent.
type ChatMsg struct {
	Text *string `json:"text"`
}

// LeaveRoomMsg ends the current room.
type LeaveRoomMsg struct{}

func (JoinMsg) MessageType() string          { return TypeJoin }
func (ExtendSearchMsg) MessageType() string  { return TypeExtendSearch }
func (CancelWaitingMsg) MessageType() string { return TypeCancelWaiting }
func (ChatMsg) MessageType() string          { return TypeChat }
func (LeaveRoomMsg) MessageType() string     { return TypeLeaveRoom }

// parseInterestID converts a raw interestId value to an int. Numbers must be
// integral; strings must hold a base-10 integer. Anything else yields nil.
func parseInterestID(raw json.RawMessage) *int {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt32 || x < math.MinInt32 {
			return nil
		}
		id := int(x)
		return &id
	case string:
		id, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return nil
		}
		return &id
	}
	return nil
}

// ParseClientMessage decodes raw WebSocket bytes into a typed client message.
// Malformed frames wrap ErrMalformed; unrecognized types wrap ErrUnknownType.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrMalformed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg ClientMessage
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeExtendSearch:
		msg = ExtendSearchMsg{}
	case TypeCancelWaiting:
		msg = CancelWaitingMsg{}
	case TypeChat:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		msg = LeaveRoomMsg{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: decode %q payload: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// Event is implemented by every outbound message.
type Event interface {
	EventType() string
}

// WaitingEvent tells the client it is queued (or, with a nil Queue, that it
// may start matchmaking again).
type WaitingEvent struct {
	Queue        *string `json:"queue"`
	InterestID   *int    `json:"interestId"`
	InterestName *string `json:"interestName"`
	CanExtend    bool    `json:"canExtend"`
	Message      string  `json:"message"`
}

// PairedEvent announces a new room to one of its occupants.
type PairedEvent struct {
	Partner      string  `json:"partner"`
	RoomID       string  `json:"roomId"`
	InterestID   *int    `json:"interestId"`
	InterestName *string `json:"interestName"`
	Reason       string  `json:"reason"`
}

// ChatEvent is a message relayed from the partner.
type ChatEvent struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// PartnerLeftEvent is sent when the other occupant left or disconnected.
type PartnerLeftEvent struct{}

// LeftRoomEvent acknowledges an explicit leave.
type LeftRoomEvent struct {
	Message string `json:"message"`
}

// WaitingCancelledEvent acknowledges cancel-waiting.
type WaitingCancelledEvent struct{}

// ErrorEvent reports a rejected request to its sender.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (WaitingEvent) EventType() string          { return TypeWaiting }
func (PairedEvent) EventType() string           { return TypePaired }
func (ChatEvent) EventType() string             { return TypeChat }
func (PartnerLeftEvent) EventType() string      { return TypePartnerLeft }
func (LeftRoomEvent) EventType() string         { return TypeLeftRoom }
func (WaitingCancelledEvent) EventType() string { return TypeWaitingCancelled }
func (ErrorEvent) EventType() string            { return TypeError }

// Encode serializes an event to JSON with its "type" field injected.
func Encode(ev Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s: %w", ev.EventType(), err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal %s into map: %w", ev.EventType(), err)
	}
	m["type"] = ev.EventType()

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// String returns a pointer to s. Used for the nullable string fields above.
func String(s string) *string { return &s }

// Int returns a pointer to n.
func Int(n int) *int { return &n }
