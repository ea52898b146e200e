package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreConcurrentSendersKeepCounters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := Resolve("alice", "bob")
	const perSender = 100

	var wg sync.WaitGroup
	for _, pair := range [][2]Profile{{alice, bob}, {bob, alice}} {
		from, to := pair[0], pair[1]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				text := fmt.Sprintf("%s-%d", from.UserID, i)
				msg, sess, err := store.Append(ctx, AppendParams{
					ID:         text,
					Key:        key,
					Sender:     from,
					ReceiverID: to.UserID,
					Content:    text,
					Type:       TypeText,
				})
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, msg.Seq, sess.LastSeq, "session seq of %s", text)
				assert.Equal(t, text, sess.LastMessage)
				assert.Zero(t, sess.UnreadFor(from.UserID), "sender unread after %s", text)
				assert.GreaterOrEqual(t, sess.UnreadFor(to.UserID), 1)
			}
		}()
	}
	wg.Wait()

	history, err := store.After(ctx, key, 0, 2*perSender)
	require.NoError(t, err)
	require.Len(t, history, 2*perSender)
	for i, m := range history {
		require.Equal(t, int64(i+1), m.Seq)
	}

	sess, err := store.Session(ctx, key)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, last.Seq, sess.LastSeq)
	assert.Equal(t, last.Content, sess.LastMessage)

	// The receiver of the last message has the trailing run of the other
	// side's messages unread; the last sender has none.
	receiver, _ := key.Peer(last.SenderID)
	run := 0
	for i := len(history) - 1; i >= 0 && history[i].SenderID == last.SenderID; i-- {
		run++
	}
	assert.Equal(t, run, sess.UnreadFor(receiver))
	assert.Zero(t, sess.UnreadFor(last.SenderID))
}
