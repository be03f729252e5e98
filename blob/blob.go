// Package blob stores image attachments and hands back a URL for them.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
)

const scheme = "blob://sha256/"

var (
	ErrEmpty    = errors.New("empty blob")
	ErrTooLarge = errors.New("blob too large")
	ErrNotFound = errors.New("blob not found")
	ErrBadURL   = errors.New("not a blob url")
)

// Store uploads bytes and returns a URL a message can carry.
type Store interface {
	Upload(ctx context.Context, data []byte) (string, error)
}

// PebbleStore is content addressed: the URL is derived from the SHA-256 of
// the data, so uploading the same bytes twice yields the same URL.
type PebbleStore struct {
	db      *pebble.DB
	maxSize int
}

type PebbleOption func(*PebbleStore)

// WithMaxSize caps the size of a single upload in bytes.
func WithMaxSize(n int) PebbleOption {
	return func(s *PebbleStore) { s.maxSize = n }
}

func OpenPebble(path string, opts ...PebbleOption) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open blob store %s: %w", path, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "OpenPebble",
		"path":     path,
	}).Info("Blob store opened")

	s := &PebbleStore{db: db, maxSize: 10 << 20}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) Upload(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if s.maxSize > 0 && len(data) > s.maxSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if err := s.db.Set(key(digest), data, pebble.Sync); err != nil {
		return "", fmt.Errorf("store blob %s: %w", digest, err)
	}
	return scheme + digest, nil
}

// Open returns the bytes behind a URL produced by Upload.
func (s *PebbleStore) Open(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest, ok := strings.CutPrefix(url, scheme)
	if !ok || len(digest) != sha256.Size*2 {
		return nil, fmt.Errorf("%w: %q", ErrBadURL, url)
	}

	v, closer, err := s.db.Get(key(digest))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", digest, err)
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func key(digest string) []byte {
	return []byte("blob:" + digest)
}

// DataURLStore inlines the bytes as a data: URL. It needs no storage, at
// the price of carrying the whole image inside every message.
type DataURLStore struct {
	MaxSize int
}

func (d DataURLStore) Upload(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if d.MaxSize > 0 && len(data) > d.MaxSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	mime := http.DetectContentType(data)
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
