// Package media is the attachment upload bridge: it checks image uploads,
// names them and hands the bytes to a blob store that returns a public URL.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const blobKeyPrefix = "blob:"

// ErrNotFound is returned for paths with no stored blob.
var ErrNotFound = errors.New("media: blob not found")

// BlobStore stores bytes under a path and returns a URL they can be fetched
// from.
type BlobStore interface {
	Put(ctx context.Context, data []byte, path string) (string, error)
}

// BadgerStore keeps blobs in a Badger database and serves them under
// BaseURL + "/media/".
type BadgerStore struct {
	db      *badger.DB
	baseURL string
}

// OpenBadger opens a Badger database in dir, or an in-memory one when dir is
// empty.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("media: open badger: %w", err)
	}
	return db, nil
}

// NewBadgerStore creates a BadgerStore on db.
func NewBadgerStore(db *badger.DB, baseURL string) *BadgerStore {
	return &BadgerStore{db: db, baseURL: strings.TrimRight(baseURL, "/")}
}

// Put stores data under path. Existing blobs are never overwritten.
func (s *BadgerStore) Put(ctx context.Context, data []byte, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := []byte(blobKeyPrefix + path)
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("media: blob %s already exists", path)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return "", fmt.Errorf("media: put %s: %w", path, err)
	}
	return s.URL(path), nil
}

// Get returns the blob stored under path.
func (s *BadgerStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(blobKeyPrefix + path))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("media: get %s: %w", path, err)
	}
	return data, nil
}

// URL returns the public URL of path.
func (s *BadgerStore) URL(path string) string {
	return s.baseURL + "/media/" + path
}
