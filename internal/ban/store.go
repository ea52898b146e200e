// Package ban suspends accounts for a fixed time. Suspended users cannot open
// WebSocket connections or call the REST API. Records expire on their own:
//
//	Key:   ban:<user id>
//	Value: <reason>
//	TTL:   suspension length
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// BanPrefix is the Redis key prefix for suspension records.
const BanPrefix = "ban:"

// ErrSuspended reports that the caller's account is suspended.
var ErrSuspended = errors.New("ban: account suspended")

// Record is an active suspension.
type Record struct {
	UserID    string
	Reason    string
	Remaining time.Duration // zero when the TTL could not be read
}

// Store manages suspension records in Redis.
type Store struct {
	client redis.UniversalClient
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Check returns the active suspension of userID, if any. Redis errors are
// returned so callers can decide how to handle them; the gates in this
// repository fail open.
func (s *Store) Check(ctx context.Context, userID string) (Record, bool, error) {
	key := BanPrefix + userID

	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Record{}, false, fmt.Errorf("ban: check %s: %w", userID, err)
	}
	if errors.Is(get.Err(), redis.Nil) {
		return Record{}, false, nil
	}
	if err := get.Err(); err != nil {
		return Record{}, false, fmt.Errorf("ban: check %s: %w", userID, err)
	}

	rec := Record{UserID: userID, Reason: get.Val()}
	if d := ttl.Val(); d > 0 {
		rec.Remaining = d
	}
	return rec, true, nil
}

// Allowed reports whether userID may connect. It fails open on Redis errors.
func (s *Store) Allowed(ctx context.Context, userID string) bool {
	_, banned, err := s.Check(ctx, userID)
	return err != nil || !banned
}

// Ban suspends userID for d. A second ban replaces the first.
func (s *Store) Ban(ctx context.Context, userID string, d time.Duration, reason string) error {
	if d <= 0 {
		return fmt.Errorf("ban: duration must be positive, got %s", d)
	}
	if err := s.client.Set(ctx, BanPrefix+userID, reason, d).Err(); err != nil {
		return fmt.Errorf("ban: set %s: %w", userID, err)
	}
	return nil
}

// Unban lifts a suspension immediately.
func (s *Store) Unban(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, BanPrefix+userID).Err(); err != nil {
		return fmt.Errorf("ban: delete %s: %w", userID, err)
	}
	return nil
}
