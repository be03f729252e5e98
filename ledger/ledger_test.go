package ledger

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msim/models"
)

type fakeRegistry map[string]bool

func (r fakeRegistry) Has(id string) bool { return r[id] }

func newTestLedger(convs ...string) *Ledger {
	reg := fakeRegistry{}
	for _, c := range convs {
		reg[c] = true
	}
	return New(reg)
}

func testMessage(id string) *models.Message {
	return &models.Message{
		ID:         id,
		SenderID:   "1",
		ReceiverID: "2",
		Content:    "hello " + id,
		Timestamp:  time.Now(),
		Status:     models.StatusSent,
	}
}

func TestAppendUnknownConversation(t *testing.T) {
	l := newTestLedger("c1")
	_, err := l.Append("nope", testMessage("m1"))
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestAppendRejectsInvalid(t *testing.T) {
	l := newTestLedger("c1")
	_, err := l.Append("c1", &models.Message{ID: "m1", SenderID: "1", ReceiverID: "2"})
	assert.ErrorIs(t, err, models.ErrEmptyPayload)
}

func TestAppendKeepsArrivalOrder(t *testing.T) {
	l := newTestLedger("c1")
	late := testMessage("late")
	early := testMessage("early")
	early.Timestamp = late.Timestamp.Add(-time.Hour)

	_, err := l.Append("c1", late)
	require.NoError(t, err)
	_, err = l.Append("c1", early)
	require.NoError(t, err)

	msgs := l.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "late", msgs[0].ID)
	assert.Equal(t, "early", l.Last("c1").ID)
}

func TestAppendDuplicateIgnored(t *testing.T) {
	l := newTestLedger("c1")
	ok, err := l.Append("c1", testMessage("m1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Append("c1", testMessage("m1"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, l.Len("c1"))
}

func TestAppendStoresCopy(t *testing.T) {
	l := newTestLedger("c1")
	m := testMessage("m1")
	_, err := l.Append("c1", m)
	require.NoError(t, err)
	m.Content = "mutated"
	assert.Equal(t, "hello m1", l.Last("c1").Content)
}

func TestStatusIsMonotone(t *testing.T) {
	l := newTestLedger("c1")
	_, err := l.Append("c1", testMessage("m1"))
	require.NoError(t, err)

	assert.True(t, l.UpdateStatus("m1", models.StatusRead))
	assert.False(t, l.UpdateStatus("m1", models.StatusDelivered))
	assert.False(t, l.UpdateStatus("m1", models.StatusSent))

	m, _, ok := l.Find("m1")
	require.True(t, ok)
	assert.Equal(t, models.StatusRead, m.Status)
}

func TestStatusAnyOrderNeverRegresses(t *testing.T) {
	orders := [][]models.Status{
		{models.StatusDelivered, models.StatusRead},
		{models.StatusRead, models.StatusDelivered},
		{models.StatusDelivered, models.StatusDelivered, models.StatusRead, models.StatusSent},
	}
	for i, order := range orders {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			l := newTestLedger("c1")
			_, err := l.Append("c1", testMessage("m1"))
			require.NoError(t, err)

			highest := models.StatusSent
			for _, s := range order {
				l.UpdateStatus("m1", s)
				if s.After(highest) {
					highest = s
				}
				m, _, _ := l.Find("m1")
				assert.Equal(t, highest, m.Status)
			}
		})
	}
}

func TestStatusUnknownMessageIsNoop(t *testing.T) {
	l := newTestLedger("c1")
	assert.False(t, l.UpdateStatus("ghost", models.StatusDelivered))
}

func TestToggleReaction(t *testing.T) {
	l := newTestLedger("c1")
	_, err := l.Append("c1", testMessage("m1"))
	require.NoError(t, err)

	assert.True(t, l.ToggleReaction("m1", "u", "heart"))
	m, _, _ := l.Find("m1")
	assert.Equal(t, []models.Reaction{{UserID: "u", Type: "heart"}}, m.Reactions)

	assert.True(t, l.ToggleReaction("m1", "u", "heart"))
	m, _, _ = l.Find("m1")
	assert.Empty(t, m.Reactions)
}

func TestToggleReactionKeepsOtherPairs(t *testing.T) {
	l := newTestLedger("c1")
	_, err := l.Append("c1", testMessage("m1"))
	require.NoError(t, err)

	l.ToggleReaction("m1", "u", "heart")
	l.ToggleReaction("m1", "u", "laugh")
	l.ToggleReaction("m1", "v", "heart")
	l.ToggleReaction("m1", "u", "heart")

	m, _, _ := l.Find("m1")
	assert.ElementsMatch(t, []models.Reaction{{UserID: "u", Type: "laugh"}, {UserID: "v", Type: "heart"}}, m.Reactions)
}

func TestToggleReactionUnknownMessage(t *testing.T) {
	l := newTestLedger("c1")
	assert.False(t, l.ToggleReaction("ghost", "u", "heart"))
}

func TestUpdatesFindMessageAcrossConversations(t *testing.T) {
	l := newTestLedger("c1", "c2")
	_, err := l.Append("c1", testMessage("a"))
	require.NoError(t, err)
	_, err = l.Append("c2", testMessage("b"))
	require.NoError(t, err)

	assert.True(t, l.UpdateStatus("b", models.StatusDelivered))
	_, conv, ok := l.Find("b")
	require.True(t, ok)
	assert.Equal(t, "c2", conv)
}

func TestMergePrependsHistory(t *testing.T) {
	l := newTestLedger("c1")
	_, err := l.Append("c1", testMessage("live"))
	require.NoError(t, err)

	history := []models.Message{*testMessage("h1"), *testMessage("h2"), *testMessage("live"), *testMessage("h1")}
	n, err := l.Merge("c1", history)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var ids []string
	for _, m := range l.Messages("c1") {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"h1", "h2", "live"}, ids)
	assert.Equal(t, "live", l.Last("c1").ID)

	// index must follow the shifted positions
	assert.True(t, l.UpdateStatus("live", models.StatusRead))
	m, _, _ := l.Find("live")
	assert.Equal(t, models.StatusRead, m.Status)
}

func TestMergeUnknownConversation(t *testing.T) {
	l := newTestLedger()
	_, err := l.Merge("c1", nil)
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestReset(t *testing.T) {
	l := newTestLedger("c1")
	_, err := l.Append("c1", testMessage("m1"))
	require.NoError(t, err)
	l.Reset()
	assert.Zero(t, l.Len("c1"))
	_, _, ok := l.Find("m1")
	assert.False(t, ok)
}
