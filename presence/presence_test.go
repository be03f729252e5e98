package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetOnlineIdempotent(t *testing.T) {
	tr := New()
	assert.True(t, tr.SetOnline("2"))
	assert.False(t, tr.SetOnline("2"))
	assert.True(t, tr.IsOnline("2"))
	assert.Equal(t, []string{"2"}, tr.Online())
}

func TestSetOfflineIdempotent(t *testing.T) {
	tr := New()
	assert.False(t, tr.SetOffline("3"))
	tr.SetOnline("3")
	assert.True(t, tr.SetOffline("3"))
	assert.False(t, tr.SetOffline("3"))
	assert.False(t, tr.IsOnline("3"))
}

func TestOnlineSortedAndReset(t *testing.T) {
	tr := New()
	tr.SetOnline("4")
	tr.SetOnline("2")
	assert.Equal(t, []string{"2", "4"}, tr.Online())

	tr.Reset()
	assert.Empty(t, tr.Online())
}
