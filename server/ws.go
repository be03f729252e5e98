package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"msim/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Handler serves /ws for WebSocket clients and /metrics from gatherer.
func (s *Server) Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// ServeWS authenticates the request with HTTP basic auth, upgrades it and
// relays JSON envelopes until the socket closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	login, password, ok := r.BasicAuth()
	if !ok || login == "" {
		http.Error(w, "credentials required", http.StatusUnauthorized)
		return
	}
	valid, err := s.db.AuthenticateUser(r.Context(), login, password)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !valid {
		s.metrics.AuthFailures.Inc()
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "ServeWS",
			"error":    err.Error(),
		}).Warn("Websocket upgrade failed")
		return
	}

	out := &wsSink{conn: conn, writeTimeout: s.config.WriteTimeout}
	session := newSession(r.RemoteAddr, out)
	s.login(session, login)

	done := make(chan struct{})
	defer func() {
		close(done)
		s.logout(session)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		session.touch()
		return conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})
	go s.pingWS(out, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithFields(logrus.Fields{
					"function": "ServeWS",
					"user":     login,
					"error":    err.Error(),
				}).Warn("Websocket read error")
			}
			return
		}
		session.touch()
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		ev, err := transport.Decode(data)
		if err != nil {
			s.metrics.Packets.WithLabelValues("unknown").Inc()
			continue
		}
		s.metrics.Packets.WithLabelValues(string(ev.Kind)).Inc()
		if ev.Kind == transport.KindPresence {
			continue
		}
		s.route(session, ev)
	}
}

// pingWS keeps the read deadline of an idle but healthy socket moving.
func (s *Server) pingWS(out *wsSink, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.ReadTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := out.ping(); err != nil {
				return
			}
		}
	}
}
