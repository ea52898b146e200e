package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/messenger/internal/chat"
)

// newTestStore connects to TEST_DATABASE_URL and skips when it is unset or
// unreachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres tests")
	}
	cfg := DefaultConfig()
	cfg.DSN = dsn
	db, err := Open(context.Background(), cfg)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	truncate(t, db)
	t.Cleanup(func() {
		truncate(t, db)
		db.Close()
	})
	return NewStore(db)
}

func truncate(t *testing.T, db *sqlx.DB) {
	t.Helper()
	_, err := db.Exec(`TRUNCATE chat_messages, chat_sessions`)
	require.NoError(t, err)
}

func appendText(t *testing.T, s *Store, from, to, text string) (chat.Message, chat.Session) {
	t.Helper()
	msg, sess, err := s.Append(context.Background(), chat.AppendParams{
		ID:         uuid.NewString(),
		Key:        chat.Resolve(from, to),
		Sender:     chat.Profile{UserID: from, Name: from + "-name"},
		ReceiverID: to,
		Content:    text,
		Type:       chat.TypeText,
	})
	require.NoError(t, err)
	return msg, sess
}

func TestAppendTouchesSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := chat.Resolve("alice", "bob")

	msg, sess := appendText(t, s, "alice", "bob", "Hi")
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, 1, sess.Unread["bob"])
	assert.Equal(t, 0, sess.Unread["alice"])
	assert.Equal(t, "Hi", sess.LastMessage)
	assert.Equal(t, "alice-name", sess.ParticipantData["alice"].Name)
	assert.Equal(t, "alice", sess.ParticipantData["alice"].UserID)
	assert.True(t, sess.LastMessageAt.Equal(msg.CreatedAt))

	loaded, err := s.Session(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, sess.Unread, loaded.Unread)
	assert.ElementsMatch(t, []string{"alice", "bob"}, loaded.Participants[:])
}

func TestImagePreview(t *testing.T) {
	s := newTestStore(t)
	_, sess, err := s.Append(context.Background(), chat.AppendParams{
		ID:         uuid.NewString(),
		Key:        chat.Resolve("alice", "bob"),
		Sender:     chat.Profile{UserID: "alice"},
		ReceiverID: "bob",
		Content:    "https://blobs/x.png",
		Type:       chat.TypeImage,
	})
	require.NoError(t, err)
	assert.Equal(t, chat.ImagePreview, sess.LastMessage)
}

func TestConcurrentAppendsKeepCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := chat.Resolve("alice", "bob")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.Append(ctx, chat.AppendParams{
				ID:         uuid.NewString(),
				Key:        key,
				Sender:     chat.Profile{UserID: "alice"},
				ReceiverID: "bob",
				Content:    fmt.Sprintf("m%d", i),
				Type:       chat.TypeText,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sess, err := s.Session(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 20, sess.Unread["bob"])
	assert.Equal(t, int64(20), sess.LastSeq)

	msgs, more, err := s.Latest(ctx, key, 100)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, msgs, 20)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
		if i > 0 {
			assert.False(t, m.CreatedAt.Before(msgs[i-1].CreatedAt))
		}
	}
}

func TestPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := chat.Resolve("alice", "bob")
	for i := 0; i < 25; i++ {
		appendText(t, s, "alice", "bob", fmt.Sprintf("m%d", i))
	}

	latest, more, err := s.Latest(ctx, key, 10)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, latest, 10)
	assert.Equal(t, int64(16), latest[0].Seq)
	assert.Equal(t, int64(25), latest[9].Seq)

	older, more, err := s.Before(ctx, key, latest[0].Seq, 10)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, int64(6), older[0].Seq)

	oldest, more, err := s.Before(ctx, key, older[0].Seq, 10)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Len(t, oldest, 5)

	tail, err := s.After(ctx, key, 23, 10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "m24", tail[1].Content)
}

func TestMarkReadAndHide(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := chat.Resolve("alice", "bob")
	appendText(t, s, "alice", "bob", "one")
	appendText(t, s, "alice", "bob", "two")

	sess, err := s.MarkRead(ctx, key, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, sess.Unread["bob"])

	msgs, _, err := s.Latest(ctx, key, 10)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.True(t, m.IsReadBy("bob"))
	}

	_, err = s.Hide(ctx, key, "bob")
	require.NoError(t, err)
	list, err := s.ListForUser(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, list)
	list, err = s.ListForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	appendText(t, s, "alice", "bob", "three")
	list, err = s.ListForUser(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMissingSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := chat.Resolve("nobody", "else")

	_, err := s.Session(ctx, key)
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
	_, err = s.MarkRead(ctx, key, "nobody")
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
	_, err = s.Hide(ctx, key, "nobody")
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
}
