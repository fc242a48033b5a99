// Package interests provides the interest catalogue and the per-user allowed
// interest sets. The Postgres store keeps an in-memory copy of the catalogue
// so name lookups never touch the database.
package interests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// ErrReadOnly is returned when per-user interests cannot be changed.
var ErrReadOnly = errors.New("interests: read-only catalogue")

// Interest is one catalogue entry.
type Interest struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Store reads interests from PostgreSQL.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	mu    sync.RWMutex
	names map[int]string
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("interests: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("interests: ping: %w", err)
	}
	return db, nil
}

// NewStore creates a Store. Call Refresh before serving so names resolve.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger, names: make(map[int]string)}
}

// Refresh reloads the catalogue into memory.
func (s *Store) Refresh(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM interests`)
	if err != nil {
		return fmt.Errorf("interests: list: %w", err)
	}
	defer rows.Close()

	names := make(map[int]string)
	for rows.Next() {
		var id int
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return fmt.Errorf("interests: scan: %w", err)
		}
		names[id] = name
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("interests: list: %w", err)
	}

	s.mu.Lock()
	s.names = names
	s.mu.Unlock()

	s.logger.Debug().Int("count", len(names)).Msg("catalogue refreshed")
	return nil
}

// Run refreshes the catalogue every interval until ctx is done. Failures keep
// the previous copy.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("catalogue refresh failed")
			}
		}
	}
}

// InterestName resolves an id from the cached catalogue.
func (s *Store) InterestName(id int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[id]
	return name, ok
}

// List returns the cached catalogue sorted by name.
func (s *Store) List() []Interest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedCatalogue(s.names)
}

// AllowedInterests returns the interest ids the user has configured.
func (s *Store) AllowedInterests(ctx context.Context, userID int64) ([]int, error) {
	const query = `
		SELECT ui.interest_id
		FROM user_interests ui
		INNER JOIN interests i ON i.id = ui.interest_id
		WHERE ui.user_id = $1
		ORDER BY i.name ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("interests: allowed for %d: %w", userID, err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("interests: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("interests: allowed for %d: %w", userID, err)
	}
	return ids, nil
}

// ReplaceUserInterests sets the user's interests to exactly ids.
func (s *Store) ReplaceUserInterests(ctx context.Context, userID int64, ids []int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("interests: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_interests WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("interests: clear user %d: %w", userID, err)
	}

	if len(ids) > 0 {
		ids64 := make([]int64, len(ids))
		for i, id := range ids {
			ids64[i] = int64(id)
		}
		const insert = `
			INSERT INTO user_interests (user_id, interest_id)
			SELECT $1, unnest($2::int[])
			ON CONFLICT DO NOTHING`
		if _, err := tx.ExecContext(ctx, insert, userID, pq.Array(ids64)); err != nil {
			return fmt.Errorf("interests: set user %d: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("interests: commit: %w", err)
	}
	return nil
}

func sortedCatalogue(names map[int]string) []Interest {
	out := make([]Interest, 0, len(names))
	for id, name := range names {
		out = append(out, Interest{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
