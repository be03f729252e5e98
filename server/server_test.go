package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msim/db"
	"msim/identity"
	"msim/metrics"
	"msim/models"
	"msim/transport"
	"msim/transport/line"
	"msim/transport/wsock"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// setupTestServer creates a relay backed by a temporary database with
// alice and bob registered.
func setupTestServer(t *testing.T, opts ...Option) (*Server, *db.DB) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	require.NoError(t, database.CreateUser(ctx, "alice", "alice-pw"))
	require.NoError(t, database.CreateUser(ctx, "bob", "bob-pw"))

	config := &ServerConfig{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(database, config, opts...), database
}

// pipeClient runs a connection handler on one end of a pipe and returns
// the other end.
func pipeClient(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})
	go srv.handleConnection(serverConn)
	return clientConn, bufio.NewReader(clientConn)
}

func readResponse(t *testing.T, conn net.Conn, reader *bufio.Reader) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(line, "\n")
}

func sendRequest(t *testing.T, conn net.Conn, request string) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Write([]byte(request + "\n"))
	require.NoError(t, err)
}

type recorder struct {
	mu     sync.Mutex
	events []transport.Event
}

func (r *recorder) handle(ev transport.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) find(kind transport.Kind) []transport.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transport.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestPing(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn, reader := pipeClient(t, srv)

	sendRequest(t, conn, "ping")
	assert.Equal(t, "pong", readResponse(t, conn, reader))
}

func TestRegisterAndAuth(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn, reader := pipeClient(t, srv)

	sendRequest(t, conn, "reg|carol@example.com|password123")
	assert.Equal(t, "ok|reg", readResponse(t, conn, reader))

	sendRequest(t, conn, "reg|carol@example.com|password123")
	assert.Equal(t, "fail|reg|User already exists", readResponse(t, conn, reader))

	sendRequest(t, conn, "reg|carol@example.com")
	assert.Equal(t, "fail|reg|Invalid data", readResponse(t, conn, reader))

	sendRequest(t, conn, "auth|carol@example.com|wrong")
	assert.Equal(t, "fail|auth|Invalid credentials", readResponse(t, conn, reader))

	sendRequest(t, conn, "auth|carol@example.com|password123")
	assert.Equal(t, "ok|auth", readResponse(t, conn, reader))

	assert.Eventually(t, func() bool { return srv.GetStats() == "connections=1,users=carol@example.com" }, time.Second, 5*time.Millisecond)
}

func TestRejectsBeforeAuth(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn, reader := pipeClient(t, srv)

	sendRequest(t, conn, "msg|bob|m1|hi||2026-01-01T00:00:00Z")
	assert.Equal(t, "fail|msg|Not authenticated", readResponse(t, conn, reader))

	sendRequest(t, conn, "dance")
	assert.Equal(t, "fail|Unknown packet type", readResponse(t, conn, reader))

	sendRequest(t, conn, "help")
	assert.Equal(t, "help|ping,auth,reg,msg,typ,react,ack,bye,help", readResponse(t, conn, reader))
}

func TestMessageToUnknownRecipient(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn, reader := pipeClient(t, srv)

	sendRequest(t, conn, "auth|alice|alice-pw")
	assert.Equal(t, "ok|auth", readResponse(t, conn, reader))

	sendRequest(t, conn, "msg|nobody|m1|hi||2026-01-01T00:00:00Z")
	assert.Equal(t, "fail|msg|Recipient not found", readResponse(t, conn, reader))

	sendRequest(t, conn, "msg|bob|m1|hi||not-a-time")
	assert.Equal(t, "fail|msg|Invalid msg format", readResponse(t, conn, reader))

	sendRequest(t, conn, "msg|bob|m2|hi||2026-01-01T00:00:00Z")
	assert.Equal(t, "ok|msg|m2", readResponse(t, conn, reader), "offline recipient is not an error")

	sendRequest(t, conn, "on|alice|2026-01-01T00:00:00Z")
	assert.Equal(t, "fail|on|Presence is set by the relay", readResponse(t, conn, reader))
}

func TestByeEndsSession(t *testing.T) {
	srv, database := setupTestServer(t)
	conn, reader := pipeClient(t, srv)

	sendRequest(t, conn, "auth|alice|alice-pw")
	assert.Equal(t, "ok|auth", readResponse(t, conn, reader))

	sendRequest(t, conn, "bye")
	assert.Equal(t, "bye", readResponse(t, conn, reader))

	assert.Eventually(t, func() bool { return srv.GetStats() == "connections=0,users=" }, time.Second, 5*time.Millisecond)
	on, off, err := database.GetUserStatus(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, on.IsZero())
	assert.False(t, off.Before(on))
}

func TestShutdownSendsBye(t *testing.T) {
	srv, _ := setupTestServer(t)
	conn, reader := pipeClient(t, srv)

	sendRequest(t, conn, "auth|alice|alice-pw")
	assert.Equal(t, "ok|auth", readResponse(t, conn, reader))

	back := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	go srv.Shutdown("maintenance", back)
	assert.Equal(t, "bye|maintenance|2026-03-01T12:00:00Z", readResponse(t, conn, reader))
	assert.Eventually(t, func() bool { return srv.GetStats() == "connections=0,users=" }, time.Second, 5*time.Millisecond)
}

func startRelay(t *testing.T, srv *Server) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(listener)
	t.Cleanup(func() { srv.Shutdown("restart", time.Time{}) })
	return listener.Addr().String()
}

func connectLine(t *testing.T, addr, user, password string) (*line.Client, *recorder) {
	t.Helper()
	c := line.New(addr, line.WithLogger(quietLogger()), line.WithPingInterval(0))
	rec := &recorder{}
	c.OnEvent(rec.handle)
	require.NoError(t, c.Connect(context.Background(), identity.Credential{UserID: user, Token: password}))
	t.Cleanup(func() { c.Disconnect() })
	return c, rec
}

func TestRoutesBetweenLineClients(t *testing.T) {
	srv, _ := setupTestServer(t)
	addr := startRelay(t, srv)
	ctx := context.Background()

	alice, aliceRec := connectLine(t, addr, "alice", "alice-pw")
	bob, bobRec := connectLine(t, addr, "bob", "bob-pw")

	assert.Eventually(t, func() bool { return len(aliceRec.find(transport.KindPresence)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(bobRec.find(transport.KindPresence)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bob", aliceRec.find(transport.KindPresence)[0].Presence.UserID)
	assert.Equal(t, "alice", bobRec.find(transport.KindPresence)[0].Presence.UserID)

	require.NoError(t, alice.Emit(ctx, transport.MessageEvent(&models.Message{
		ID:         "m1",
		SenderID:   "mallory",
		ReceiverID: "bob",
		Content:    "hi | bob",
		Timestamp:  time.Now(),
	})))
	assert.Eventually(t, func() bool { return len(bobRec.find(transport.KindMessage)) == 1 }, time.Second, 5*time.Millisecond)
	got := bobRec.find(transport.KindMessage)[0].Message
	assert.Equal(t, "alice", got.SenderID, "author is the authenticated login")
	assert.Equal(t, "bob", got.ReceiverID)
	assert.Equal(t, "hi | bob", got.Content)

	require.NoError(t, bob.Emit(ctx, transport.ReceiptEvent(transport.Receipt{
		MessageID: "m1", Status: models.StatusRead, UserID: "bob", PeerID: "alice",
	})))
	assert.Eventually(t, func() bool { return len(aliceRec.find(transport.KindReceipt)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, transport.Receipt{MessageID: "m1", Status: models.StatusRead, UserID: "bob", PeerID: "alice"},
		*aliceRec.find(transport.KindReceipt)[0].Receipt)

	require.NoError(t, bob.Disconnect())
	assert.Eventually(t, func() bool { return len(aliceRec.find(transport.KindPresence)) == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, aliceRec.find(transport.KindPresence)[1].Presence.Online)
}

func TestLineAndWebSocketInterop(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv, _ := setupTestServer(t, WithMetrics(metrics.NewRelay(reg)))
	addr := startRelay(t, srv)
	httpSrv := httptest.NewServer(srv.Handler(reg))
	t.Cleanup(httpSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ctx := context.Background()

	_, aliceRec := connectLine(t, addr, "alice", "alice-pw")

	bad := wsock.New(wsURL, wsock.WithLogger(quietLogger()))
	assert.ErrorIs(t, bad.Connect(ctx, identity.Credential{UserID: "bob", Token: "nope"}), identity.ErrInvalidCredential)

	bob := wsock.New(wsURL, wsock.WithLogger(quietLogger()))
	bobRec := &recorder{}
	bob.OnEvent(bobRec.handle)
	require.NoError(t, bob.Connect(ctx, identity.Credential{UserID: "bob", Token: "bob-pw"}))
	t.Cleanup(func() { bob.Disconnect() })

	assert.Eventually(t, func() bool { return len(bobRec.find(transport.KindPresence)) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bob.Emit(ctx, transport.TypingEvent(transport.Typing{UserID: "bob", ConversationID: "c1", PeerID: "alice"})))
	require.NoError(t, bob.Emit(ctx, transport.MessageEvent(&models.Message{
		ID: "w1", SenderID: "bob", ReceiverID: "alice", Content: "from the web", Timestamp: time.Now(),
	})))
	assert.Eventually(t, func() bool { return len(aliceRec.find(transport.KindMessage)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "from the web", aliceRec.find(transport.KindMessage)[0].Message.Content)
	require.Len(t, aliceRec.find(transport.KindTyping), 1)
	assert.Equal(t, "c1", aliceRec.find(transport.KindTyping)[0].Typing.ConversationID)

	resp, err := http.Get(httpSrv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "msim_relay_sessions 2")
	assert.Contains(t, string(body), `msim_relay_routed_total{kind="message"} 1`)
	assert.Contains(t, string(body), "msim_relay_auth_failures_total 1")
}
