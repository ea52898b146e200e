package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/whisper/messenger/internal/chat"
)

// Config holds upload limits and blob storage settings.
type Config struct {
	MaxBytes int64  `koanf:"max_bytes"`
	Dir      string `koanf:"dir"`      // empty keeps blobs in memory
	BaseURL  string `koanf:"base_url"` // public origin of /media/
}

// DefaultConfig allows 5 MiB uploads stored in memory.
func DefaultConfig() Config {
	return Config{MaxBytes: 5 << 20, BaseURL: "http://localhost:8080"}
}

// allowedTypes maps accepted image MIME types to the extension used in blob
// names.
var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Bridge implements chat.Uploader. It rejects bad files before anything is
// written.
type Bridge struct {
	store    BlobStore
	maxBytes int64
	newID    func() string
}

// NewBridge creates a Bridge writing to store.
func NewBridge(store BlobStore, cfg Config) *Bridge {
	return &Bridge{store: store, maxBytes: cfg.MaxBytes, newID: uuid.NewString}
}

var _ chat.Uploader = (*Bridge)(nil)

// Upload checks file and stores it under scopePath with a generated name.
func (b *Bridge) Upload(ctx context.Context, file chat.Attachment, scopePath string) (string, error) {
	if len(file.Data) == 0 {
		return "", &chat.ValidationError{Field: "attachment", Reason: "file is empty"}
	}
	if b.maxBytes > 0 && int64(len(file.Data)) > b.maxBytes {
		return "", &chat.ValidationError{
			Field:  "attachment",
			Reason: fmt.Sprintf("file exceeds %d bytes", b.maxBytes),
		}
	}
	mt := mimetype.Detect(file.Data)
	ext, ok := allowedTypes[mt.String()]
	if !ok {
		return "", &chat.ValidationError{
			Field:  "attachment",
			Reason: "unsupported file type " + mt.String(),
		}
	}

	path := cleanScope(scopePath) + "/" + b.newID() + ext
	url, err := b.store.Put(ctx, file.Data, path)
	if err != nil {
		return "", fmt.Errorf("media: upload: %w", err)
	}
	return url, nil
}

// ContentType sniffs the MIME type of stored data for serving.
func ContentType(data []byte) string {
	return mimetype.Detect(data).String()
}

// cleanScope keeps scope paths to safe characters and drops empty and
// dot segments.
func cleanScope(scope string) string {
	var segs []string
	for _, seg := range strings.Split(scope, "/") {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		segs = append(segs, strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
				return r
			}
			return '-'
		}, seg))
	}
	if len(segs) == 0 {
		return "uploads"
	}
	return strings.Join(segs, "/")
}
