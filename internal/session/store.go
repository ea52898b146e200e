package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for connection hashes.
	SessionPrefix = "session:"

	// UserPrefix is the Redis key prefix for the set of a user's connections.
	UserPrefix = "user_sessions:"

	// SessionTTL is how long an entry survives without a Refresh.
	SessionTTL = 1 * time.Hour
)

// Session is one live connection.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // which instance holds the socket
	RemoteAddr string `redis:"remote_addr"` // client address at upgrade
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages connection sessions in Redis.
type Store struct {
	client     redis.UniversalClient
	serverName string
	now        func() time.Time
}

// NewStore creates a Store that stamps entries with serverName.
func NewStore(client redis.UniversalClient, serverName string) *Store {
	return &Store{client: client, serverName: serverName, now: time.Now}
}

// Create records a new connection of userID.
func (s *Store) Create(ctx context.Context, connID, userID, remoteAddr string) error {
	now := s.now().Unix()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, SessionPrefix+connID, map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"server":      s.serverName,
		"remote_addr": remoteAddr,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, SessionPrefix+connID, SessionTTL)
	pipe.SAdd(ctx, UserPrefix+userID, connID)
	pipe.Expire(ctx, UserPrefix+userID, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Refresh stamps activity and extends the TTL of a connection.
func (s *Store) Refresh(ctx context.Context, connID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, SessionPrefix+connID, "last_active", s.now().Unix())
	pipe.Expire(ctx, SessionPrefix+connID, SessionTTL)
	pipe.Expire(ctx, UserPrefix+userID, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: refresh %s: %w", connID, err)
	}
	return nil
}

// Get returns a connection session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+connID).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// ForUser returns the live connections of userID, oldest first. Members whose
// hash has expired are pruned from the user's set.
func (s *Store) ForUser(ctx context.Context, userID string) ([]Session, error) {
	ids, err := s.client.SMembers(ctx, UserPrefix+userID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session: list %s: %w", userID, err)
	}
	if len(ids) == 0 {
		return []Session{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, SessionPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session: list %s: %w", userID, err)
	}

	out := make([]Session, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		var sess Session
		if err := cmd.Scan(&sess); err != nil || sess.ID == "" {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, sess)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, UserPrefix+userID, stale...).Err()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// Delete removes a connection session.
func (s *Store) Delete(ctx context.Context, connID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, SessionPrefix+connID)
	pipe.SRem(ctx, UserPrefix+userID, connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}
	return nil
}
