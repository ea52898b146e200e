package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/messenger/internal/chat"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	db, err := OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBadgerStore(db, "https://cdn.example.com/")
}

type failingStore struct{ calls int }

func (f *failingStore) Put(context.Context, []byte, string) (string, error) {
	f.calls++
	return "", errors.New("disk full")
}

func TestUploadStoresImage(t *testing.T) {
	store := newTestStore(t)
	b := NewBridge(store, DefaultConfig())
	b.newID = func() string { return "fixed" }
	data := pngBytes(t)

	url, err := b.Upload(context.Background(), chat.Attachment{Filename: "a.png", Data: data}, "chats/alice_bob")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/media/chats/alice_bob/fixed.png", url)

	got, err := store.Get(context.Background(), "chats/alice_bob/fixed.png")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "image/png", ContentType(got))
}

func TestUploadRejectsBeforeWriting(t *testing.T) {
	fs := &failingStore{}
	cfg := DefaultConfig()
	cfg.MaxBytes = 64
	b := NewBridge(fs, cfg)
	ctx := context.Background()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"oversized", bytes.Repeat([]byte{0x89}, 65)},
		{"not an image", []byte("just some text")},
		{"pdf", []byte("%PDF-1.4\n%âãÏÓ\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Upload(ctx, chat.Attachment{Data: tt.data}, "chats/x")
			require.Error(t, err)
			assert.True(t, chat.IsValidation(err))
		})
	}
	assert.Zero(t, fs.calls)
}

func TestUploadSurfacesStoreFailure(t *testing.T) {
	fs := &failingStore{}
	b := NewBridge(fs, DefaultConfig())
	_, err := b.Upload(context.Background(), chat.Attachment{Data: pngBytes(t)}, "chats/x")
	require.Error(t, err)
	assert.False(t, chat.IsValidation(err))
	assert.Equal(t, 1, fs.calls)
}

func TestGetMissingBlob(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutNeverOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Put(ctx, []byte("one"), "p")
	require.NoError(t, err)
	_, err = store.Put(ctx, []byte("two"), "p")
	require.Error(t, err)
}

func TestCleanScope(t *testing.T) {
	assert.Equal(t, "chats/a_b", cleanScope("chats/a_b"))
	assert.Equal(t, "chats/a-2Fb", cleanScope("chats/a%2Fb"))
	assert.Equal(t, "chats/x", cleanScope("/chats/../x/"))
	assert.Equal(t, "uploads", cleanScope(""))
	assert.False(t, strings.Contains(cleanScope("a/ b?c"), " "))
}
