package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"msim/protocol"
	"msim/transport"
)

var errNotLine = errors.New("session does not speak the line protocol")

// sink is the write side of a session. Implementations serialize writes.
type sink interface {
	deliver(ev transport.Event) error
	writeLine(line string) error
	bye(reason, details string)
	close() error
}

type Session struct {
	RemoteAddr string
	out        sink

	mu       sync.Mutex
	user     string
	lastPing time.Time
	authedAt time.Time
}

func newSession(remoteAddr string, out sink) *Session {
	now := time.Now()
	return &Session{RemoteAddr: remoteAddr, out: out, lastPing: now}
}

func (s *Session) login() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) setLogin(login string) {
	s.mu.Lock()
	s.user = login
	s.authedAt = time.Now().UTC()
	s.mu.Unlock()
}

// since is when the session authenticated.
func (s *Session) since() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authedAt
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastPing = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastPing() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPing
}

type lineSink struct {
	conn         net.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (l *lineSink) deliver(ev transport.Event) error {
	line, err := protocol.EncodeEvent(ev, protocol.Downstream)
	if err != nil {
		return err
	}
	return l.writeLine(line)
}

func (l *lineSink) writeLine(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	_, err := l.conn.Write([]byte(line))
	return err
}

func (l *lineSink) bye(reason, details string) {
	var fields []string
	if reason != "" {
		fields = append(fields, reason)
	}
	if details != "" {
		fields = append(fields, details)
	}
	l.writeLine(protocol.FormatPacket(protocol.TypeBye, fields...))
}

func (l *lineSink) close() error {
	return l.conn.Close()
}

type wsSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (w *wsSink) deliver(ev transport.Event) error {
	data, err := transport.Encode(ev)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsSink) writeLine(string) error {
	return errNotLine
}

func (w *wsSink) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout))
}

func (w *wsSink) bye(reason, details string) {
	text := reason
	if details != "" {
		text += " " + details
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, text),
		time.Now().Add(w.writeTimeout))
}

func (w *wsSink) close() error {
	return w.conn.Close()
}
