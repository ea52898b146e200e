// Package presence tracks whether users are online. Each active user has a
// caller-owned heartbeat refreshing a Redis hash; readers treat a record
// older than the staleness window as offline whatever its stored flag says.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresencePrefix is the Redis key prefix for presence hashes.
const PresencePrefix = "presence:"

// Config holds heartbeat timing. Window is how long a record stays
// trustworthy after its last write.
type Config struct {
	Interval time.Duration `koanf:"interval"`
	Window   time.Duration `koanf:"window"`
}

// DefaultConfig beats every two minutes and trusts a record for two beats.
func DefaultConfig() Config {
	return Config{Interval: 2 * time.Minute, Window: 4 * time.Minute}
}

// record is the stored hash.
type record struct {
	UserID     string `redis:"user_id"`
	Online     bool   `redis:"online"`
	LastActive int64  `redis:"last_active"` // unix millis
}

// Status is the presence of one user as seen by a reader.
type Status struct {
	UserID       string    `json:"user_id"`
	Online       bool      `json:"online"`
	LastActiveAt time.Time `json:"last_active_at,omitempty"`
}

// Effective reports s with Online cleared when the last write is older than
// window.
func (s Status) Effective(now time.Time, window time.Duration) Status {
	if s.Online && now.Sub(s.LastActiveAt) > window {
		s.Online = false
	}
	return s
}

// Tracker reads and writes presence records.
type Tracker struct {
	client redis.UniversalClient
	cfg    Config
	now    func() time.Time
}

// NewTracker creates a Tracker on client.
func NewTracker(client redis.UniversalClient, cfg Config) *Tracker {
	return &Tracker{client: client, cfg: cfg, now: time.Now}
}

// Config returns the tracker's timing.
func (t *Tracker) Config() Config { return t.cfg }

// ttl lets Redis collect records long after any reader would trust them.
func (t *Tracker) ttl() time.Duration { return 5 * t.cfg.Window }

// MarkOnline writes online=true and refreshes last_active.
func (t *Tracker) MarkOnline(ctx context.Context, userID string) error {
	return t.write(ctx, userID, true)
}

// MarkOffline writes online=false.
func (t *Tracker) MarkOffline(ctx context.Context, userID string) error {
	return t.write(ctx, userID, false)
}

func (t *Tracker) write(ctx context.Context, userID string, online bool) error {
	key := PresencePrefix + userID
	pipe := t.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "online", online, "last_active", t.now().UnixMilli())
	pipe.Expire(ctx, key, t.ttl())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: write %s: %w", userID, err)
	}
	return nil
}

// Get returns userID's effective presence. A missing record is offline.
func (t *Tracker) Get(ctx context.Context, userID string) (Status, error) {
	var r record
	if err := t.client.HGetAll(ctx, PresencePrefix+userID).Scan(&r); err != nil {
		return Status{}, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	return t.status(userID, r), nil
}

// GetMany returns the effective presence of each user, in order.
func (t *Tracker) GetMany(ctx context.Context, userIDs []string) ([]Status, error) {
	pipe := t.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, PresencePrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence: get many: %w", err)
	}
	out := make([]Status, len(userIDs))
	for i, cmd := range cmds {
		var r record
		if err := cmd.Scan(&r); err != nil {
			return nil, fmt.Errorf("presence: scan %s: %w", userIDs[i], err)
		}
		out[i] = t.status(userIDs[i], r)
	}
	return out, nil
}

func (t *Tracker) status(userID string, r record) Status {
	s := Status{UserID: userID, Online: r.Online}
	if r.LastActive > 0 {
		s.LastActiveAt = time.UnixMilli(r.LastActive).UTC()
	}
	return s.Effective(t.now(), t.cfg.Window)
}
