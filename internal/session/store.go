package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fugue/chat-server/internal/matching"
)

const (
	// SessionPrefix is the Redis key prefix for session hashes, keyed by token.
	SessionPrefix = "session:"

	// PresencePrefix is the Redis key prefix for presence hashes, keyed by user id.
	PresencePrefix = "presence:"

	// SessionTTL is the sliding lifetime of a session.
	SessionTTL = 24 * time.Hour

	// PresenceTTL bounds stale presence left by a crashed server.
	PresenceTTL = 1 * time.Hour

	// Status constants for the presence state machine.
	StatusIdle     = "idle"
	StatusMatching = "matching"
	StatusChatting = "chatting"
)

// ErrNoSession is returned when a token does not resolve to a session.
var ErrNoSession = errors.New("session: not found")

// Session represents a login session stored in Redis.
type Session struct {
	UserID     int64  `redis:"user_id"`
	Username   string `redis:"username"`
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Presence is the mirrored state of one connected user.
type Presence struct {
	Status     string `redis:"status"` // idle | matching | chatting
	ConnID     string `redis:"conn_id"`
	RoomID     string `redis:"room_id"` // empty if not in a room
	Server     string `redis:"server"`  // which WS server instance
	LastActive int64  `redis:"last_active"`
}

// Store manages sessions and presence in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
	logger     zerolog.Logger
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string, logger zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName, logger: logger}, nil
}

// Create stores a session for id under token.
func (s *Store) Create(ctx context.Context, token string, id matching.Identity) error {
	key := SessionPrefix + token
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":     id.UserID,
		"username":    id.DisplayName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, token string) (*Session, error) {
	var session Session
	if err := s.client.HGetAll(ctx, SessionPrefix+token).Scan(&session); err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if session.UserID == 0 {
		return nil, nil // not found
	}
	return &session, nil
}

// Resolve maps a token to the identity it was issued for and slides the
// session TTL.
func (s *Store) Resolve(ctx context.Context, token string) (matching.Identity, error) {
	if token == "" {
		return matching.Identity{}, ErrNoSession
	}
	session, err := s.Get(ctx, token)
	if err != nil {
		return matching.Identity{}, err
	}
	if session == nil {
		return matching.Identity{}, ErrNoSession
	}

	key := SessionPrefix + token
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Int64("user", session.UserID).Msg("refresh session ttl")
	}

	return matching.Identity{UserID: session.UserID, DisplayName: session.Username}, nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, SessionPrefix+token).Err()
}

// SetPresence records where the user's connection currently sits.
func (s *Store) SetPresence(ctx context.Context, userID int64, connID, status, roomID string) error {
	key := PresencePrefix + strconv.FormatInt(userID, 10)

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"status":      status,
		"conn_id":     connID,
		"room_id":     roomID,
		"server":      s.serverName,
		"last_active": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetPresence returns the mirrored presence for a user, or nil.
func (s *Store) GetPresence(ctx context.Context, userID int64) (*Presence, error) {
	var p Presence
	key := PresencePrefix + strconv.FormatInt(userID, 10)
	if err := s.client.HGetAll(ctx, key).Scan(&p); err != nil {
		return nil, fmt.Errorf("session: get presence: %w", err)
	}
	if p.Status == "" {
		return nil, nil
	}
	return &p, nil
}

// ClearPresence removes the presence record for userID if it still belongs
// to connID. A newer connection of the same user keeps its record.
func (s *Store) ClearPresence(ctx context.Context, userID int64, connID string) error {
	key := PresencePrefix + strconv.FormatInt(userID, 10)
	err := clearPresenceScript.Run(ctx, s.client, []string{key}, connID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

var clearPresenceScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn_id") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
