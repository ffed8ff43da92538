package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const mediaBucket = "media"

// MediaStore keeps attachment blobs (originals and thumbnails) keyed by
// "<type>/<id>" in a BoltDB file.
type MediaStore struct {
	db *bbolt.DB
}

// OpenMedia opens the media database at path.
func OpenMedia(path string) (*MediaStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("media path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open media db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(mediaBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create media bucket: %w", err)
	}
	return &MediaStore{db: db}, nil
}

// Close closes the underlying BoltDB database.
func (m *MediaStore) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

// Exists reports whether a blob is stored under key.
func (m *MediaStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := m.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket([]byte(mediaBucket)).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// Open returns a reader over the blob stored under key.
func (m *MediaStore) Open(ctx context.Context, key string) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := m.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(mediaBucket)).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("media %s: %w", key, ErrNotFound)
		}
		// bbolt values are only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// Put stores everything read from r under key.
func (m *MediaStore) Put(ctx context.Context, key string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read media %s: %w", key, err)
	}
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(mediaBucket)).Put([]byte(key), data)
	})
}
