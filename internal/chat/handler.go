// Package chat translates client frames into matchmaking operations and maps
// their failures to wire error messages.
package chat

import (
	"context"
	"errors"
	"slices"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/fugue/chat-server/internal/matching"
	"github.com/fugue/chat-server/internal/metrics"
	"github.com/fugue/chat-server/internal/protocol"
	"github.com/fugue/chat-server/internal/ratelimit"
)

// Wire error messages.
const (
	ErrTextInvalidPayload     = "Invalid message payload"
	ErrTextUnknownAction      = "Unknown action."
	ErrTextAlreadyInRoom      = "You are already in a room."
	ErrTextInterestRequired   = "Interest selection is required."
	ErrTextInterestNotAllowed = "Interest not configured for this user."
	ErrTextAlreadyChatting    = "Already chatting."
	ErrTextJoinBeforeChat     = "Join a room before chatting."
	ErrTextRoomNotFound       = "Room not found."
	ErrTextPartnerGone        = "Partner disconnected."
	ErrTextNotInRoom          = "You are not in a room."
	ErrTextInterestsDown      = "Unable to load your interests right now."
	ErrTextRateLimited        = "Slow down, you are sending too fast."
	ErrTextTooLong            = "Message is too long."
	ErrTextInvalidText        = "Message contains invalid characters."
)

// Directory answers which interests a user may match on.
type Directory interface {
	AllowedInterests(ctx context.Context, userID int64) ([]int, error)
}

// Limiter throttles requests per identifier. Implementations fail open.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Handler is the connection-lifecycle collaborator of the transport.
type Handler struct {
	svc     *matching.Service
	dir     Directory
	limiter Limiter
	logger  zerolog.Logger
}

// NewHandler creates a Handler. limiter may be nil to disable rate limiting.
func NewHandler(svc *matching.Service, dir Directory, limiter Limiter, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, dir: dir, limiter: limiter, logger: logger}
}

// OnConnectionEstablished registers an authenticated connection.
func (h *Handler) OnConnectionEstablished(peer matching.Peer, id matching.Identity) error {
	if err := h.svc.Connect(peer, id); err != nil {
		return err
	}
	h.logger.Info().Str("conn", peer.ID()).Int64("user", id.UserID).Str("name", id.DisplayName).Msg("client connected")
	return nil
}

// OnDisconnect releases everything the connection held.
func (h *Handler) OnDisconnect(peer matching.Peer) {
	h.svc.Disconnect(peer.ID())
	h.logger.Info().Str("conn", peer.ID()).Msg("client disconnected")
}

// OnMessage handles one inbound frame. Every failure is reported to the
// sender as an error event; none of them end the connection.
func (h *Handler) OnMessage(ctx context.Context, peer matching.Peer, raw []byte) {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			h.reject(peer, ErrTextUnknownAction)
		} else {
			h.reject(peer, ErrTextInvalidPayload)
		}
		h.logger.Debug().Err(err).Str("conn", peer.ID()).Msg("rejected frame")
		return
	}

	switch m := msg.(type) {
	case protocol.JoinMsg:
		h.handleJoin(ctx, peer, m)
	case protocol.ExtendSearchMsg:
		h.handleExtend(ctx, peer)
	case protocol.CancelWaitingMsg:
		h.fail(peer, h.svc.Cancel(peer.ID()))
	case protocol.ChatMsg:
		h.handleChat(ctx, peer, m)
	case protocol.LeaveRoomMsg:
		h.handleLeave(peer)
	default:
		h.reject(peer, ErrTextUnknownAction)
	}
}

func (h *Handler) handleJoin(ctx context.Context, peer matching.Peer, m protocol.JoinMsg) {
	connID := peer.ID()
	id, ok := h.svc.Identity(connID)
	if !ok {
		return
	}
	if membership, _ := h.svc.Membership(connID); membership.State == matching.StateInRoom {
		h.reject(peer, ErrTextAlreadyInRoom)
		return
	}
	if m.InterestID == nil {
		h.reject(peer, ErrTextInterestRequired)
		return
	}
	if !h.allow(ctx, peer, id, ratelimit.RuleMatch) {
		return
	}

	allowed, err := h.dir.AllowedInterests(ctx, id.UserID)
	if err != nil {
		h.logger.Error().Err(err).Int64("user", id.UserID).Msg("load allowed interests")
		h.reject(peer, ErrTextInterestsDown)
		return
	}
	if !slices.Contains(allowed, *m.InterestID) {
		h.reject(peer, ErrTextInterestNotAllowed)
		return
	}

	_, err = h.svc.Join(connID, *m.InterestID)
	if errors.Is(err, matching.ErrAlreadyInRoom) {
		h.reject(peer, ErrTextAlreadyInRoom)
		return
	}
	h.fail(peer, err)
}

func (h *Handler) handleExtend(ctx context.Context, peer matching.Peer) {
	id, ok := h.svc.Identity(peer.ID())
	if !ok {
		return
	}
	if !h.allow(ctx, peer, id, ratelimit.RuleMatch) {
		return
	}
	_, err := h.svc.Extend(peer.ID())
	if errors.Is(err, matching.ErrAlreadyInRoom) {
		h.reject(peer, ErrTextAlreadyChatting)
		return
	}
	h.fail(peer, err)
}

func (h *Handler) handleChat(ctx context.Context, peer matching.Peer, m protocol.ChatMsg) {
	if m.Text == nil {
		h.reject(peer, ErrTextUnknownAction)
		return
	}
	id, ok := h.svc.Identity(peer.ID())
	if !ok {
		return
	}
	if membership, _ := h.svc.Membership(peer.ID()); membership.State != matching.StateInRoom {
		h.reject(peer, ErrTextJoinBeforeChat)
		return
	}

	switch err := ValidateMessage(*m.Text); {
	case errors.Is(err, ErrMessageTooLong):
		h.reject(peer, ErrTextTooLong)
		return
	case err != nil:
		h.reject(peer, ErrTextInvalidText)
		return
	}
	if !h.allow(ctx, peer, id, ratelimit.RuleMessage) {
		return
	}

	err := h.svc.Relay(peer.ID(), *m.Text)
	if errors.Is(err, matching.ErrNotInRoom) {
		h.reject(peer, ErrTextJoinBeforeChat)
		return
	}
	h.fail(peer, err)
}

func (h *Handler) handleLeave(peer matching.Peer) {
	err := h.svc.Leave(peer.ID())
	if errors.Is(err, matching.ErrNotInRoom) {
		h.reject(peer, ErrTextNotInRoom)
		return
	}
	h.fail(peer, err)
}

// allow applies rule to the user. Limiter errors are logged and let through.
func (h *Handler) allow(ctx context.Context, peer matching.Peer, id matching.Identity, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	ok, err := h.limiter.Allow(ctx, strconv.FormatInt(id.UserID, 10), rule)
	if err != nil {
		h.logger.Warn().Err(err).Str("rule", rule.Key).Msg("rate limiter unavailable")
	}
	if !ok {
		h.logger.Debug().Str("conn", peer.ID()).Int64("user", id.UserID).Str("rule", rule.Key).Msg("rate limited")
		h.reject(peer, ErrTextRateLimited)
	}
	return ok
}

// fail maps the remaining engine errors to wire messages.
func (h *Handler) fail(peer matching.Peer, err error) {
	switch {
	case err == nil:
	case errors.Is(err, matching.ErrRoomNotFound):
		h.reject(peer, ErrTextRoomNotFound)
	case errors.Is(err, matching.ErrPartnerUnreachable):
		h.reject(peer, ErrTextPartnerGone)
	case errors.Is(err, matching.ErrUnknownConnection):
		h.logger.Warn().Str("conn", peer.ID()).Msg("message from unregistered connection")
	default:
		h.logger.Error().Err(err).Str("conn", peer.ID()).Msg("unexpected matching error")
	}
}

func (h *Handler) reject(peer matching.Peer, text string) {
	metrics.FramesRejected.Inc()
	if err := peer.Send(protocol.ErrorEvent{Message: text}); err != nil {
		h.logger.Debug().Err(err).Str("conn", peer.ID()).Msg("send error event")
	}
}
