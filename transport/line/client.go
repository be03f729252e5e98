// Package line is a transport.Channel over the relay's TCP line protocol.
package line

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"msim/identity"
	"msim/protocol"
	"msim/transport"
)

var (
	ErrHandshake          = errors.New("unexpected handshake reply")
	ErrRegistrationFailed = errors.New("registration failed")
)

const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
)

type Option func(*Client)

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithPingInterval sets the keepalive period; zero or negative disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.log = l }
}

// Client speaks the line protocol to a relay. Inbound events are handed to
// the registered handler from the read goroutine, one at a time, in the
// order the relay wrote them.
type Client struct {
	addr         string
	dialTimeout  time.Duration
	pingInterval time.Duration
	log          logrus.FieldLogger

	mu        sync.Mutex
	conn      net.Conn
	self      string
	connected bool
	done      chan struct{}
	handler   transport.Handler
	lastPong  time.Time

	sendMu sync.Mutex
}

func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:         addr,
		dialTimeout:  DefaultDialTimeout,
		pingInterval: DefaultPingInterval,
		log:          logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) OnEvent(h transport.Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect dials the relay and authenticates with cred. A rejected
// credential yields identity.ErrInvalidCredential.
func (c *Client) Connect(ctx context.Context, cred identity.Credential) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, reader, err := c.handshake(ctx, protocol.TypeAuth, cred.UserID, cred.Token)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.self = cred.UserID
	c.connected = true
	c.done = make(chan struct{})
	c.lastPong = time.Now()
	done := c.done
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"function": "Connect",
		"addr":     c.addr,
		"user":     cred.UserID,
	}).Info("Connected to relay")

	go c.readLoop(conn, reader, done)
	if c.pingInterval > 0 {
		go c.pingLoop(done)
	}
	return nil
}

// handshake dials, writes one request and waits for the matching ok/fail.
// The returned reader must be used for everything read afterwards.
func (c *Client) handshake(ctx context.Context, kind string, fields ...string) (net.Conn, *bufio.Reader, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
	}

	deadline := time.Now().Add(c.dialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte(protocol.FormatPacket(kind, fields...))); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
		}
		pkt, err := protocol.ParsePacket(line)
		if err != nil || pkt.Field(0) != kind {
			// presence or pongs may precede the reply
			continue
		}
		switch pkt.Type {
		case protocol.TypeOk:
			conn.SetDeadline(time.Time{})
			return conn, reader, nil
		case protocol.TypeFail:
			conn.Close()
			if kind == protocol.TypeAuth {
				return nil, nil, identity.ErrInvalidCredential
			}
			return nil, nil, fmt.Errorf("%w: %s", ErrRegistrationFailed, pkt.Field(1))
		default:
			conn.Close()
			return nil, nil, fmt.Errorf("%w: %s", ErrHandshake, pkt.Type)
		}
	}
}

// Register creates an account on the relay at addr. It opens and closes its
// own connection.
func Register(ctx context.Context, addr, login, password string, opts ...Option) error {
	c := New(addr, opts...)
	conn, _, err := c.handshake(ctx, protocol.TypeReg, login, password)
	if err != nil {
		return err
	}
	conn.Write([]byte(protocol.FormatPacket(protocol.TypeBye)))
	return conn.Close()
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	c.sendMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.Write([]byte(protocol.FormatPacket(protocol.TypeBye)))
	c.sendMu.Unlock()

	c.log.WithFields(logrus.Fields{
		"function": "Disconnect",
		"addr":     c.addr,
	}).Info("Disconnected from relay")
	return conn.Close()
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastPongAt returns when the relay last answered a ping.
func (c *Client) LastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

func (c *Client) Emit(ctx context.Context, ev transport.Event) error {
	line, err := protocol.EncodeEvent(ev, protocol.Upstream)
	if err != nil {
		return err
	}
	return c.send(ctx, line)
}

func (c *Client) send(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected {
		return transport.ErrTransportUnavailable
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if d, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(d)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
	}
	return nil
}

func (c *Client) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.send(context.Background(), protocol.FormatPacket(protocol.TypePing)); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(conn net.Conn, reader *bufio.Reader, done chan struct{}) {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			c.lost(done, err)
			conn.Close()
			return
		}
		pkt, err := protocol.ParsePacket(line)
		if err != nil {
			continue
		}

		switch {
		case pkt.Type == protocol.TypePong:
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		case pkt.Type == protocol.TypePing:
			c.send(context.Background(), protocol.FormatPacket(protocol.TypePong))
		case pkt.Type == protocol.TypeBye:
			c.lost(done, errors.New(pkt.Field(0)))
			conn.Close()
			return
		case protocol.IsEvent(pkt.Type):
			c.dispatch(pkt)
		default:
			c.log.WithFields(logrus.Fields{
				"function": "readLoop",
				"type":     pkt.Type,
				"fields":   pkt.Fields,
			}).Debug("Ignoring packet")
		}
	}
}

func (c *Client) dispatch(pkt *protocol.Packet) {
	c.mu.Lock()
	self, h := c.self, c.handler
	c.mu.Unlock()

	ev, err := protocol.DecodeEvent(pkt, self, protocol.Downstream)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "dispatch",
			"type":     pkt.Type,
			"error":    err.Error(),
		}).Warn("Dropping malformed event")
		return
	}
	if h != nil {
		h(ev)
	}
}

// lost marks the connection dead if done still belongs to the live session.
func (c *Client) lost(done chan struct{}, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.done != done {
		return
	}
	c.connected = false
	close(c.done)
	c.log.WithFields(logrus.Fields{
		"function": "readLoop",
		"addr":     c.addr,
		"error":    cause.Error(),
	}).Warn("Connection to relay lost")
}
