package server

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"msim/protocol"
	"msim/transport"
)

var commands = []string{
	protocol.TypePing,
	protocol.TypeAuth,
	protocol.TypeReg,
	protocol.TypeMsg,
	protocol.TypeTyp,
	protocol.TypeReact,
	protocol.TypeAck,
	protocol.TypeBye,
	protocol.TypeHelp,
}

func knownPacket(pktType string) bool {
	if pktType == protocol.TypePong || protocol.IsEvent(pktType) {
		return true
	}
	for _, c := range commands {
		if c == pktType {
			return true
		}
	}
	return false
}

// handleAuth: auth|login|password
func (s *Server) handleAuth(session *Session, pkt *protocol.Packet) {
	login, password := pkt.Field(0), pkt.Field(1)
	if login == "" || password == "" {
		s.sendError(session, protocol.TypeAuth, "Invalid credentials")
		return
	}

	if session.login() != "" {
		s.sendOK(session, protocol.TypeAuth)
		return
	}

	valid, err := s.db.AuthenticateUser(context.Background(), login, password)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "handleAuth",
			"error":    err.Error(),
		}).Error("Auth error")
		s.sendError(session, protocol.TypeAuth, "Internal error")
		return
	}
	if !valid {
		s.metrics.AuthFailures.Inc()
		s.sendError(session, protocol.TypeAuth, "Invalid credentials")
		return
	}

	s.sendOK(session, protocol.TypeAuth)
	s.login(session, login)
}

// handleRegister: reg|login|password
func (s *Server) handleRegister(session *Session, pkt *protocol.Packet) {
	login, password := pkt.Field(0), pkt.Field(1)
	if login == "" || password == "" {
		s.sendError(session, protocol.TypeReg, "Invalid data")
		return
	}

	ctx := context.Background()
	exists, err := s.db.UserExists(ctx, login)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "handleRegister",
			"error":    err.Error(),
		}).Error("Register error")
		s.sendError(session, protocol.TypeReg, "Internal error")
		return
	}
	if exists {
		s.sendError(session, protocol.TypeReg, "User already exists")
		return
	}

	if err := s.db.CreateUser(ctx, login, password); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "handleRegister",
			"error":    err.Error(),
		}).Error("Register error")
		s.sendError(session, protocol.TypeReg, "Internal error")
		return
	}

	s.sendOK(session, protocol.TypeReg)
}

// handleEvent decodes msg, typ, react and ack packets and routes them. Only
// msg is acknowledged to the sender: ok|msg|id, or fail|msg|reason when the
// recipient has no account.
func (s *Server) handleEvent(session *Session, pkt *protocol.Packet) {
	login := session.login()
	if login == "" {
		s.sendError(session, pkt.Type, "Not authenticated")
		return
	}

	ev, err := protocol.DecodeEvent(pkt, login, protocol.Upstream)
	if err != nil {
		s.sendError(session, pkt.Type, "Invalid "+pkt.Type+" format")
		return
	}

	to := ev.Recipient()
	if to == "" || to == login {
		s.sendError(session, pkt.Type, "Recipient required")
		return
	}

	if ev.Kind == transport.KindMessage {
		exists, err := s.db.UserExists(context.Background(), to)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"function": "handleEvent",
				"error":    err.Error(),
			}).Error("Message error")
			s.sendError(session, protocol.TypeMsg, "Internal error")
			return
		}
		if !exists {
			s.sendError(session, protocol.TypeMsg, "Recipient not found")
			return
		}
	}

	s.route(session, ev)

	if ev.Kind == transport.KindMessage {
		s.sendOK(session, protocol.TypeMsg, ev.Message.ID)
	}
}

// handleHelp: help|ping,auth,...
func (s *Server) handleHelp(session *Session) {
	// commas are not escaped, the list goes out as one raw field
	session.out.writeLine(protocol.Escape(protocol.TypeHelp) + "|" + strings.Join(commands, ",") + "\n")
}
