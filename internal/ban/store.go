// Package ban provides user bans backed by Redis. Ban records are simple
// key-value pairs with TTL-based expiry:
//
//	Key:   ban:<user id>
//	Value: <reason>
//	TTL:   ban duration
//
// A banned user cannot open a WebSocket connection.
package ban

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// BanPrefix is the Redis key prefix for ban records.
const BanPrefix = "ban:"

// Status describes an active ban.
type Status struct {
	Banned    bool
	Reason    string
	Remaining time.Duration // zero when the ban has no expiry or the TTL is unknown
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func key(userID int64) string {
	return BanPrefix + strconv.FormatInt(userID, 10)
}

// Check reports whether userID is currently banned. Redis errors are returned
// so callers can decide how to handle them (the server fails open).
func (s *Store) Check(ctx context.Context, userID int64) (Status, error) {
	k := key(userID)

	reason, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: check %d: %w", userID, err)
	}

	// We know the ban exists; a failed TTL read must not hide it.
	st := Status{Banned: true, Reason: reason}
	if ttl, err := s.client.TTL(ctx, k).Result(); err == nil && ttl > 0 {
		st.Remaining = ttl
	}
	return st, nil
}

// Ban bans userID for duration. A zero duration bans until Unban.
func (s *Store) Ban(ctx context.Context, userID int64, duration time.Duration, reason string) error {
	if err := s.client.Set(ctx, key(userID), reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: set %d: %w", userID, err)
	}
	return nil
}

// Unban removes a ban immediately.
func (s *Store) Unban(ctx context.Context, userID int64) error {
	if err := s.client.Del(ctx, key(userID)).Err(); err != nil {
		return fmt.Errorf("ban: unban %d: %w", userID, err)
	}
	return nil
}
