package messaging

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenEscapesSeparatorsAndWildcards(t *testing.T) {
	assert.Equal(t, "alice_bob", Token("alice_bob"))
	assert.Equal(t, "a%2Eb", Token("a.b"))
	assert.Equal(t, "%2A%3E", Token("*>"))
	assert.Equal(t, "a%25b", Token("a%b"))
	assert.Equal(t, "%00", Token(""))
	assert.NotEqual(t, Token("a.b"), Token("a%2Eb"))
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "chat.alice_bob", ChatSubject("alice_bob"))
	assert.Equal(t, "inbox.user%401", InboxSubject("user@1"))
	assert.Equal(t, "typing.alice_bob", TypingSubject("alice_bob"))
}

func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}
	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("NATS not available at %s: %v", url, err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestPublishSubscribe(t *testing.T) {
	c := newTestClient(t)
	got := make(chan []byte, 1)

	unsub, err := c.Subscribe(ChatSubject("test_roundtrip"), func(data []byte) { got <- data })
	require.NoError(t, err)
	defer unsub()
	require.NoError(t, c.conn.Flush())

	require.NoError(t, c.Publish(ChatSubject("test_roundtrip"), []byte("hello")))
	select {
	case data := <-got:
		assert.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	unsub()
	unsub()
}
