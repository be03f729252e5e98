package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msim/models"
	"msim/transport"
)

func TestParsePacket(t *testing.T) {
	pkt, err := ParsePacket("msg|2|m1|hello\\|world|\n")
	require.NoError(t, err)
	assert.Equal(t, TypeMsg, pkt.Type)
	assert.Equal(t, []string{"2", "m1", "hello|world", ""}, pkt.Fields)
	assert.Equal(t, "", pkt.Field(10))

	_, err = ParsePacket("\n")
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestFormatPacketEscapes(t *testing.T) {
	line := FormatPacket(TypeMsg, "2", "a|b\\c\nd")
	assert.Equal(t, "msg|2|a\\|b\\\\c\\nd\n", line)

	pkt, err := ParsePacket(line)
	require.NoError(t, err)
	assert.Equal(t, "a|b\\c\nd", pkt.Field(1))
}

func TestEscapeCharacters(t *testing.T) {
	for _, s := range []string{"plain", "pipe|pipe", "back\\slash", "multi\nline\r", "trailing\\", "комментарий, with comma"} {
		pkt, err := ParsePacket(FormatPacket(TypeMsg, s))
		require.NoError(t, err)
		assert.Equal(t, s, pkt.Field(0))
	}
}

func TestMessageUpstreamDownstream(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
	ev := transport.MessageEvent(&models.Message{
		ID: "m1", SenderID: "1", ReceiverID: "2", Content: "hi | there", Timestamp: ts, Status: models.StatusSent,
	})

	// client 1 writes to the relay, naming the recipient
	up, err := EncodeEvent(ev, Upstream)
	require.NoError(t, err)
	pkt, err := ParsePacket(up)
	require.NoError(t, err)
	assert.Equal(t, "2", pkt.Field(0))

	atRelay, err := DecodeEvent(pkt, "1", Upstream)
	require.NoError(t, err)
	assert.Equal(t, "1", atRelay.Message.SenderID)
	assert.Equal(t, "2", atRelay.Message.ReceiverID)

	// relay writes to client 2, naming the author
	down, err := EncodeEvent(atRelay, Downstream)
	require.NoError(t, err)
	pkt, err = ParsePacket(down)
	require.NoError(t, err)
	assert.Equal(t, "1", pkt.Field(0))

	atClient, err := DecodeEvent(pkt, "2", Downstream)
	require.NoError(t, err)
	assert.Equal(t, "1", atClient.Message.SenderID)
	assert.Equal(t, "2", atClient.Message.ReceiverID)
	assert.Equal(t, "hi | there", atClient.Message.Content)
	assert.True(t, ts.Equal(atClient.Message.Timestamp))
}

func TestReceiptAndReactionDownstream(t *testing.T) {
	pkt, err := ParsePacket("ack|2|m1|read")
	require.NoError(t, err)
	ev, err := DecodeEvent(pkt, "1", Downstream)
	require.NoError(t, err)
	assert.Equal(t, transport.Receipt{MessageID: "m1", Status: models.StatusRead, UserID: "2", PeerID: "1"}, *ev.Receipt)

	pkt, err = ParsePacket("react|2|m1|heart")
	require.NoError(t, err)
	ev, err = DecodeEvent(pkt, "1", Downstream)
	require.NoError(t, err)
	assert.Equal(t, transport.Reaction{MessageID: "m1", UserID: "2", Reaction: "heart", PeerID: "1"}, *ev.Reaction)

	pkt, err = ParsePacket("ack|2|m1|seen")
	require.NoError(t, err)
	_, err = DecodeEvent(pkt, "1", Downstream)
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestTypingUpstream(t *testing.T) {
	line, err := EncodeEvent(transport.TypingEvent(transport.Typing{UserID: "1", ConversationID: "conv-9", PeerID: "2"}), Upstream)
	require.NoError(t, err)
	assert.Equal(t, "typ|2|conv-9\n", line)
}

func TestPresence(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	line, err := EncodeEvent(transport.PresenceEvent(transport.Presence{UserID: "4", Online: true, At: at}), Downstream)
	require.NoError(t, err)
	pkt, err := ParsePacket(line)
	require.NoError(t, err)
	assert.Equal(t, TypeOn, pkt.Type)

	ev, err := DecodeEvent(pkt, "1", Downstream)
	require.NoError(t, err)
	assert.Equal(t, "4", ev.Presence.UserID)
	assert.True(t, ev.Presence.Online)
	assert.True(t, at.Equal(ev.Presence.At))
}

func TestDecodeRejectsBadPackets(t *testing.T) {
	for _, line := range []string{"msg", "msg|2|m1", "msg|2|m1|||yesterday", "react|2|m1", "bogus|2"} {
		pkt, err := ParsePacket(line)
		require.NoError(t, err)
		_, err = DecodeEvent(pkt, "1", Downstream)
		assert.Error(t, err, line)
	}
}

func TestIsEvent(t *testing.T) {
	assert.True(t, IsEvent(TypeAck))
	assert.False(t, IsEvent(TypePong))
}
