package blob

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T, opts ...PebbleOption) *PebbleStore {
	t.Helper()
	s, err := OpenPebble(filepath.Join(t.TempDir(), "blobs"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPebbleRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	url, err := s.Upload(ctx, []byte("png bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "blob://sha256/"))

	again, err := s.Upload(ctx, []byte("png bytes"))
	require.NoError(t, err)
	assert.Equal(t, url, again)

	data, err := s.Open(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, []byte("png bytes"), data)
}

func TestPebbleErrors(t *testing.T) {
	s := openTemp(t, WithMaxSize(4))
	ctx := context.Background()

	_, err := s.Upload(ctx, nil)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = s.Upload(ctx, []byte("too big"))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = s.Open(ctx, "https://example.com/a.png")
	assert.ErrorIs(t, err, ErrBadURL)

	_, err = s.Open(ctx, "blob://sha256/"+strings.Repeat("0", 64))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDataURL(t *testing.T) {
	url, err := DataURLStore{}.Upload(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "data:text/plain; charset=utf-8;base64,aGVsbG8=", url)

	_, err = DataURLStore{MaxSize: 2}.Upload(context.Background(), []byte("hello"))
	assert.ErrorIs(t, err, ErrTooLarge)
}
