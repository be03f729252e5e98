package directory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msim/ledger"
	"msim/models"
)

var (
	self = models.User{ID: "1", Username: "demouser", Email: "demo@example.com"}
	jane = models.User{ID: "2", Username: "jane", Email: "jane@example.com"}
	john = models.User{ID: "3", Username: "john", Email: "john@example.com"}
)

func setupDirectory(t *testing.T) (*Directory, *ledger.Ledger) {
	t.Helper()
	var d *Directory
	l := ledger.New(ledger.RegistryFunc(func(id string) bool { return d.Has(id) }))
	n := 0
	d = New(l, WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("conv-%d", n)
	}))
	d.SetSelf(self)
	return d, l
}

func inbound(id, from string) *models.Message {
	return &models.Message{ID: id, SenderID: from, ReceiverID: self.ID, Content: "hey", Timestamp: time.Now()}
}

func TestCreateOrReuse(t *testing.T) {
	d, _ := setupDirectory(t)

	first, created, err := d.CreateOrReuse(jane)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, d.Active())

	require.NoError(t, d.SetActive(""))
	second, created, err := d.CreateOrReuse(jane)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ID, d.Active())
	assert.Equal(t, 1, d.Len())
}

func TestCreatePrependsNewest(t *testing.T) {
	d, _ := setupDirectory(t)
	a, _, err := d.CreateOrReuse(jane)
	require.NoError(t, err)
	b, _, err := d.CreateOrReuse(john)
	require.NoError(t, err)

	list := d.List()
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, a.ID, list[1].ID)
	assert.Equal(t, 0, list[0].UnreadCount)
}

func TestCreateRejectsSelf(t *testing.T) {
	d, _ := setupDirectory(t)
	_, _, err := d.CreateOrReuse(self)
	assert.ErrorIs(t, err, ErrInvalidParticipant)
	_, _, err = d.CreateOrReuse(models.User{})
	assert.ErrorIs(t, err, ErrInvalidParticipant)
}

func TestAddKeepsFetchOrderAndSkipsDuplicates(t *testing.T) {
	d, _ := setupDirectory(t)
	assert.True(t, d.Add(models.Conversation{ID: "a", Participants: [2]models.User{self, jane}}))
	assert.True(t, d.Add(models.Conversation{ID: "b", Participants: [2]models.User{self, john}}))
	assert.False(t, d.Add(models.Conversation{ID: "a", Participants: [2]models.User{self, jane}}))
	assert.False(t, d.Add(models.Conversation{ID: "c", Participants: [2]models.User{self, jane}}))

	list := d.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestResolveNoMatch(t *testing.T) {
	d, _ := setupDirectory(t)
	_, err := d.Resolve(inbound("m1", "9"))
	assert.ErrorIs(t, err, ErrNoMatchingConversation)
	_, err = d.UpsertFromMessage(inbound("m1", "9"))
	assert.ErrorIs(t, err, ErrNoMatchingConversation)
}

func TestUnreadAccounting(t *testing.T) {
	d, l := setupDirectory(t)
	conv, _, err := d.CreateOrReuse(jane)
	require.NoError(t, err)
	require.NoError(t, d.SetActive(""))

	const n = 4
	for i := 0; i < n; i++ {
		m := inbound(fmt.Sprintf("m%d", i), jane.ID)
		_, err := l.Append(conv.ID, m)
		require.NoError(t, err)
		_, err = d.UpsertFromMessage(m)
		require.NoError(t, err)
	}

	got, _ := d.Get(conv.ID)
	assert.Equal(t, n, got.UnreadCount)
	assert.Equal(t, "m3", got.LastMessage.ID)

	require.NoError(t, d.SetActive(conv.ID))
	got, _ = d.Get(conv.ID)
	assert.Equal(t, 0, got.UnreadCount)
}

func TestActiveConversationDoesNotCountUnread(t *testing.T) {
	d, l := setupDirectory(t)
	conv, _, err := d.CreateOrReuse(jane)
	require.NoError(t, err)

	m := inbound("m1", jane.ID)
	_, err = l.Append(conv.ID, m)
	require.NoError(t, err)
	updated, err := d.UpsertFromMessage(m)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.UnreadCount)
}

func TestOutboundDoesNotCountUnread(t *testing.T) {
	d, l := setupDirectory(t)
	conv, _, err := d.CreateOrReuse(jane)
	require.NoError(t, err)
	require.NoError(t, d.SetActive(""))

	m := &models.Message{ID: "m1", SenderID: self.ID, ReceiverID: jane.ID, Content: "hi"}
	_, err = l.Append(conv.ID, m)
	require.NoError(t, err)
	updated, err := d.UpsertFromMessage(m)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.UnreadCount)
	assert.Equal(t, "m1", updated.LastMessage.ID)
}

func TestRefreshAfterMerge(t *testing.T) {
	d, l := setupDirectory(t)
	require.True(t, d.Add(models.Conversation{ID: "a", Participants: [2]models.User{self, jane}}))

	_, err := l.Merge("a", []models.Message{*inbound("h1", jane.ID), *inbound("h2", jane.ID)})
	require.NoError(t, err)
	require.NoError(t, d.Refresh("a"))

	got, _ := d.Get("a")
	assert.Equal(t, "h2", got.LastMessage.ID)
	assert.ErrorIs(t, d.Refresh("nope"), ErrUnknownConversation)
}

func TestSetActiveUnknown(t *testing.T) {
	d, _ := setupDirectory(t)
	assert.ErrorIs(t, d.SetActive("nope"), ErrUnknownConversation)
}

func TestGetReturnsCopy(t *testing.T) {
	d, _ := setupDirectory(t)
	conv, _, err := d.CreateOrReuse(jane)
	require.NoError(t, err)
	got, ok := d.Get(conv.ID)
	require.True(t, ok)
	got.UnreadCount = 42
	again, _ := d.Get(conv.ID)
	assert.Equal(t, 0, again.UnreadCount)
}

func TestOpenKeepsSelection(t *testing.T) {
	d, _ := setupDirectory(t)
	a, _, err := d.CreateOrReuse(jane)
	require.NoError(t, err)

	b, created, err := d.Open(john)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, a.ID, d.Active())
	assert.Equal(t, b.ID, d.List()[0].ID)

	again, created, err := d.Open(john)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, b.ID, again.ID)
}
