// Package server is the relay: it authenticates clients against the account
// database and routes events between their sessions. Clients speak either
// the TCP line protocol or JSON envelopes over a WebSocket; a session on one
// can talk to a session on the other.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"msim/metrics"
	"msim/protocol"
	"msim/transport"
)

// Accounts is the part of the database the relay needs.
type Accounts interface {
	CreateUser(ctx context.Context, login, password string) error
	AuthenticateUser(ctx context.Context, login, password string) (bool, error)
	UserExists(ctx context.Context, login string) (bool, error)
	UpdateLastOnline(ctx context.Context, login string, t time.Time) error
	UpdateLastOffline(ctx context.Context, login string, t time.Time) error
}

type Server struct {
	db      Accounts
	config  *ServerConfig
	log     logrus.FieldLogger
	metrics *metrics.Relay

	sessions map[string]*Session
	mu       sync.RWMutex

	listener net.Listener
	closing  bool
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Option func(*Server)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.log = l }
}

func WithMetrics(m *metrics.Relay) Option {
	return func(s *Server) { s.metrics = m }
}

func New(database Accounts, config *ServerConfig, opts ...Option) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 120 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 30 * time.Second
	}
	s := &Server{
		db:       database,
		config:   config,
		log:      logrus.StandardLogger(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewRelay(nil)
	}
	return s
}

// Start listens on the configured port and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts line protocol connections on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	s.log.WithFields(logrus.Fields{
		"function": "Serve",
		"addr":     listener.Addr().String(),
	}).Info("MSIM relay started")

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.RLock()
			closing := s.closing
			s.mu.RUnlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.WithFields(logrus.Fields{
				"function": "Serve",
				"error":    err.Error(),
			}).Warn("Error accepting connection")
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	log := s.log.WithFields(logrus.Fields{
		"function": "handleConnection",
		"remote":   remoteAddr,
	})
	log.Debug("New client connected")

	session := newSession(remoteAddr, &lineSink{conn: conn, writeTimeout: s.config.WriteTimeout})
	defer func() {
		s.logout(session)
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				log.WithField("user", session.login()).Info("Client timed out")
				session.out.bye("timeout", "")
			case err == io.EOF, errors.Is(err, net.ErrClosed):
			default:
				log.WithField("error", err.Error()).Warn("Error reading from client")
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		pkt, err := protocol.ParsePacket(line)
		if err != nil {
			log.WithField("error", err.Error()).Debug("Parse error")
			s.sendError(session, "", "Invalid packet format")
			continue
		}

		s.handlePacket(session, pkt)
		if pkt.Type == protocol.TypeBye {
			return
		}
	}
}

func (s *Server) handlePacket(session *Session, pkt *protocol.Packet) {
	session.touch()

	label := pkt.Type
	if !knownPacket(pkt.Type) {
		label = "unknown"
	}
	s.metrics.Packets.WithLabelValues(label).Inc()

	switch {
	case pkt.Type == protocol.TypePing:
		s.sendPacket(session, protocol.TypePong)
	case pkt.Type == protocol.TypePong:
	case pkt.Type == protocol.TypeAuth:
		s.handleAuth(session, pkt)
	case pkt.Type == protocol.TypeReg:
		s.handleRegister(session, pkt)
	case pkt.Type == protocol.TypeBye:
		s.sendPacket(session, protocol.TypeBye)
	case pkt.Type == protocol.TypeHelp:
		s.handleHelp(session)
	case pkt.Type == protocol.TypeOn || pkt.Type == protocol.TypeOff:
		s.sendError(session, pkt.Type, "Presence is set by the relay")
	case protocol.IsEvent(pkt.Type):
		s.handleEvent(session, pkt)
	default:
		s.sendError(session, "", "Unknown packet type")
	}
}

// route delivers ev, authored by from, to its recipient's session. The
// author fields are overwritten with the authenticated login.
func (s *Server) route(from *Session, ev transport.Event) bool {
	login := from.login()
	switch ev.Kind {
	case transport.KindMessage:
		m := ev.Message.Clone()
		m.SenderID = login
		ev.Message = m
	case transport.KindTyping:
		t := *ev.Typing
		t.UserID = login
		ev.Typing = &t
	case transport.KindReaction:
		r := *ev.Reaction
		r.UserID = login
		ev.Reaction = &r
	case transport.KindReceipt:
		r := *ev.Receipt
		r.UserID = login
		ev.Receipt = &r
	default:
		return false
	}

	to := ev.Recipient()
	target, ok := s.getSession(to)
	if !ok {
		s.metrics.Undeliverable.Inc()
		s.log.WithFields(logrus.Fields{
			"function": "route",
			"kind":     ev.Kind,
			"from":     login,
			"to":       to,
		}).Debug("Recipient offline")
		return false
	}
	if err := target.out.deliver(ev); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "route",
			"kind":     ev.Kind,
			"to":       to,
			"error":    err.Error(),
		}).Warn("Error writing to recipient")
		return false
	}
	s.metrics.Routed.WithLabelValues(string(ev.Kind)).Inc()
	return true
}

// login registers an authenticated session, replacing any older session of
// the same user, and exchanges presence with everybody else.
func (s *Server) login(session *Session, login string) {
	session.setLogin(login)

	s.mu.Lock()
	old := s.sessions[login]
	s.sessions[login] = session
	others := make([]*Session, 0, len(s.sessions))
	for l, sess := range s.sessions {
		if l != login {
			others = append(others, sess)
		}
	}
	s.metrics.Sessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	if old != nil && old != session {
		old.out.bye("replaced", "")
		old.out.close()
	}

	now := time.Now().UTC()
	if err := s.db.UpdateLastOnline(context.Background(), login, now); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "login",
			"user":     login,
			"error":    err.Error(),
		}).Warn("Failed to update last_online")
	}

	online := transport.PresenceEvent(transport.Presence{UserID: login, Online: true, At: now})
	for _, sess := range others {
		sess.out.deliver(online)
		session.out.deliver(transport.PresenceEvent(transport.Presence{UserID: sess.login(), Online: true, At: sess.since()}))
	}

	s.log.WithFields(logrus.Fields{
		"function": "login",
		"user":     login,
		"remote":   session.RemoteAddr,
	}).Info("Client authenticated")
}

// logout forgets an authenticated session, if it is still the user's
// current one, and tells everybody else.
func (s *Server) logout(session *Session) {
	login := session.login()
	if login == "" {
		return
	}

	s.mu.Lock()
	current := s.sessions[login] == session
	if current {
		delete(s.sessions, login)
	}
	others := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		others = append(others, sess)
	}
	s.metrics.Sessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()
	if !current {
		return
	}

	now := time.Now().UTC()
	if err := s.db.UpdateLastOffline(context.Background(), login, now); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "logout",
			"user":     login,
			"error":    err.Error(),
		}).Warn("Failed to update last_offline")
	}

	offline := transport.PresenceEvent(transport.Presence{UserID: login, Online: false, At: now})
	for _, sess := range others {
		sess.out.deliver(offline)
	}

	s.log.WithFields(logrus.Fields{
		"function": "logout",
		"user":     login,
		"remote":   session.RemoteAddr,
	}).Info("Client disconnected")
}

func (s *Server) getSession(login string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[login]
	return session, ok
}

func (s *Server) sendPacket(session *Session, pktType string, fields ...string) {
	if err := session.out.writeLine(protocol.FormatPacket(pktType, fields...)); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "sendPacket",
			"type":     pktType,
			"error":    err.Error(),
		}).Debug("Error writing to connection")
	}
}

func (s *Server) sendOK(session *Session, operation string, fields ...string) {
	s.sendPacket(session, protocol.TypeOk, append([]string{operation}, fields...)...)
}

func (s *Server) sendError(session *Session, operation, description string) {
	if operation != "" {
		s.sendPacket(session, protocol.TypeFail, operation, description)
	} else {
		s.sendPacket(session, protocol.TypeFail, description)
	}
}

// Shutdown sends bye to every session with the reason and, when set, the
// time the relay expects to be back, then stops accepting connections.
func (s *Server) Shutdown(reason string, completionTime time.Time) {
	s.mu.Lock()
	s.closing = true
	listener := s.listener
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	var details string
	if !completionTime.IsZero() {
		details = completionTime.UTC().Format(time.RFC3339)
	}

	for _, sess := range sessions {
		sess.out.bye(reason, details)
		sess.out.close()
		s.logout(sess)
	}

	s.log.WithFields(logrus.Fields{
		"function": "Shutdown",
		"reason":   reason,
		"sessions": len(sessions),
	}).Info("Relay shut down")
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.sessions))
	for login := range s.sessions {
		users = append(users, login)
	}
	sort.Strings(users)

	return "connections=" + strconv.Itoa(len(users)) + ",users=" + strings.Join(users, ";")
}
