package ban

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client), mr
}

func TestCheck_NotBanned(t *testing.T) {
	store, _ := newTestStore(t)

	_, banned, err := store.Check(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if banned {
		t.Error("expected not banned")
	}
	if !store.Allowed(context.Background(), "alice") {
		t.Error("expected alice to be allowed")
	}
}

func TestBanAndCheck(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Ban(ctx, "alice", time.Hour, "spam"); err != nil {
		t.Fatalf("Ban failed: %v", err)
	}

	rec, banned, err := store.Check(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !banned {
		t.Fatal("expected banned")
	}
	if rec.Reason != "spam" {
		t.Errorf("expected reason %q, got %q", "spam", rec.Reason)
	}
	if rec.Remaining <= 59*time.Minute || rec.Remaining > time.Hour {
		t.Errorf("expected about an hour remaining, got %s", rec.Remaining)
	}
	if store.Allowed(ctx, "alice") {
		t.Error("expected alice to be refused")
	}
	if !store.Allowed(ctx, "bob") {
		t.Error("a ban must not affect other users")
	}
}

func TestBanExpires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.Ban(ctx, "alice", time.Minute, "flood"); err != nil {
		t.Fatalf("Ban failed: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, banned, _ := store.Check(ctx, "alice"); banned {
		t.Error("expected the ban to have expired")
	}
}

func TestUnban(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Ban(ctx, "alice", time.Hour, "spam"); err != nil {
		t.Fatalf("Ban failed: %v", err)
	}
	if err := store.Unban(ctx, "alice"); err != nil {
		t.Fatalf("Unban failed: %v", err)
	}
	if _, banned, _ := store.Check(ctx, "alice"); banned {
		t.Error("expected alice to be unbanned")
	}
}

func TestBanRejectsNonPositiveDuration(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.Ban(context.Background(), "alice", 0, "x"); err == nil {
		t.Fatal("expected an error for a zero duration")
	}
}

func TestAllowedFailsOpen(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()
	if !store.Allowed(context.Background(), "alice") {
		t.Error("expected fail-open when Redis is down")
	}
}

func TestCheckReportsRedisOutage(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	if err := store.Ban(ctx, "alice", time.Hour, "spam"); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	mr.Close()

	rec, banned, err := store.Check(ctx, "alice")
	if err == nil {
		t.Fatal("expected an error when Redis is down")
	}
	if banned || rec.UserID != "" {
		t.Errorf("outage reported as a suspension: banned=%v rec=%+v", banned, rec)
	}
}
