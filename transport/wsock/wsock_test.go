package wsock

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msim/identity"
	"msim/models"
	"msim/transport"
)

// echoServer upgrades requests authenticated as 1:pw and sends every
// received envelope straight back.
func echoServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "1" || pass != "pw" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(mt, data)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRejectedCredential(t *testing.T) {
	c := New(echoServer(t))
	err := c.Connect(context.Background(), identity.Credential{UserID: "1", Token: "wrong"})
	assert.ErrorIs(t, err, identity.ErrInvalidCredential)
}

func TestRoundTrip(t *testing.T) {
	c := New(echoServer(t))
	got := make(chan transport.Event, 1)
	c.OnEvent(func(ev transport.Event) { got <- ev })

	require.NoError(t, c.Connect(context.Background(), identity.Credential{UserID: "1", Token: "pw"}))
	defer c.Disconnect()

	ev := transport.ReactionEvent(transport.Reaction{MessageID: "m1", UserID: "1", Reaction: "heart", PeerID: "2"})
	require.NoError(t, c.Emit(context.Background(), ev))

	select {
	case back := <-got:
		assert.Equal(t, transport.KindReaction, back.Kind)
		assert.Equal(t, *ev.Reaction, *back.Reaction)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}
}

func TestEmitAfterDisconnect(t *testing.T) {
	c := New(echoServer(t))
	require.NoError(t, c.Connect(context.Background(), identity.Credential{UserID: "1", Token: "pw"}))
	require.NoError(t, c.Disconnect())

	err := c.Emit(context.Background(), transport.MessageEvent(&models.Message{ID: "m", SenderID: "1", ReceiverID: "2", Content: "x"}))
	assert.ErrorIs(t, err, transport.ErrTransportUnavailable)
}
