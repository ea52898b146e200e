// Package typing implements the ephemeral "is typing" signal. A signal is a
// member of a per-conversation Redis sorted set scored by its expiry; "not
// typing" is the absence of a member, never a stored negative record.
package typing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/live"
	"github.com/whisper/messenger/internal/messaging"
	"github.com/whisper/messenger/internal/metrics"
)

// TypingPrefix is the Redis key prefix for typing sets.
const TypingPrefix = "typing:"

// Config holds typing timings. TTL bounds how long a signal outlives its
// last refresh; Idle is the debounce delay before an automatic stop.
type Config struct {
	TTL  time.Duration `koanf:"ttl"`
	Idle time.Duration `koanf:"idle"`
}

// DefaultConfig returns a 5s signal TTL and a 2s idle timeout.
func DefaultConfig() Config {
	return Config{TTL: 5 * time.Second, Idle: 2 * time.Second}
}

// Event is published on typing.<key> whenever the set changes.
type Event struct {
	Key    chat.ConversationKey `json:"conversation_key"`
	UserID string               `json:"user_id"`
	Typing bool                 `json:"typing"`
}

// Tracker writes and reads typing signals.
type Tracker struct {
	client redis.UniversalClient
	fanout *live.Fanout
	bus    live.Bus
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker. Change events go out on bus and are read
// back through fanout.
func NewTracker(client redis.UniversalClient, bus live.Bus, fanout *live.Fanout, cfg Config, log zerolog.Logger) *Tracker {
	return &Tracker{client: client, bus: bus, fanout: fanout, cfg: cfg, log: log, now: time.Now}
}

// Config returns the tracker's timings.
func (t *Tracker) Config() Config { return t.cfg }

func (t *Tracker) redisKey(key chat.ConversationKey) string { return TypingPrefix + string(key) }

// Set creates or refreshes userID's signal when typing is true and removes
// it otherwise.
func (t *Tracker) Set(ctx context.Context, key chat.ConversationKey, userID string, typing bool) error {
	if !key.Includes(userID) {
		return chat.ErrPermissionDenied
	}
	rk := t.redisKey(key)

	var changed bool
	if typing {
		expiry := t.now().Add(t.cfg.TTL)
		pipe := t.client.TxPipeline()
		added := pipe.ZAdd(ctx, rk, redis.Z{Score: float64(expiry.UnixMilli()), Member: userID})
		pipe.PExpire(ctx, rk, t.cfg.TTL)
		if _, err := pipe.Exec(ctx); err != nil {
			metrics.SideChannelErrors.WithLabelValues("typing").Inc()
			return fmt.Errorf("typing: set %s: %w", key, err)
		}
		changed = added.Val() > 0
	} else {
		n, err := t.client.ZRem(ctx, rk, userID).Result()
		if err != nil {
			metrics.SideChannelErrors.WithLabelValues("typing").Inc()
			return fmt.Errorf("typing: clear %s: %w", key, err)
		}
		changed = n > 0
	}

	if !changed || t.bus == nil {
		return nil
	}
	data, _ := json.Marshal(Event{Key: key, UserID: userID, Typing: typing})
	if err := t.bus.Publish(messaging.TypingSubject(string(key)), data); err != nil {
		t.log.Debug().Err(err).Str("key", string(key)).Msg("typing publish failed")
	}
	return nil
}

// Current returns the users with an unexpired signal, sorted, pruning
// expired members on the way.
func (t *Tracker) Current(ctx context.Context, key chat.ConversationKey) ([]string, error) {
	users, _, err := t.current(ctx, key)
	return users, err
}

// current also returns the earliest remaining expiry, zero if none.
func (t *Tracker) current(ctx context.Context, key chat.ConversationKey) ([]string, time.Time, error) {
	rk := t.redisKey(key)
	now := t.now().UnixMilli()

	pipe := t.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, rk, "-inf", strconv.FormatInt(now, 10))
	members := pipe.ZRangeWithScores(ctx, rk, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, time.Time{}, fmt.Errorf("typing: read %s: %w", key, err)
	}

	users := make([]string, 0, len(members.Val()))
	var next time.Time
	for _, z := range members.Val() {
		user, _ := z.Member.(string)
		users = append(users, user)
		if exp := time.UnixMilli(int64(z.Score)); next.IsZero() || exp.Before(next) {
			next = exp
		}
	}
	sort.Strings(users)
	return users, next, nil
}
