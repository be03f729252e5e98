// Package wsock carries transport envelopes over a WebSocket to the relay's
// /ws endpoint.
package wsock

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"msim/identity"
	"msim/transport"
)

const writeWait = 10 * time.Second

type Option func(*Client)

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.log = l }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

type Client struct {
	url    string
	dialer *websocket.Dialer
	log    logrus.FieldLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	handler transport.Handler

	writeMu sync.Mutex
}

// New returns a client for a ws:// or wss:// URL.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:    url,
		dialer: websocket.DefaultDialer,
		log:    logrus.StandardLogger(),
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

// Connect dials the relay, authenticating with HTTP basic auth. A 401
// response yields identity.ErrInvalidCredential.
func (c *Client) Connect(ctx context.Context, cred identity.Credential) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	req, _ := http.NewRequest(http.MethodGet, c.url, nil)
	req.SetBasicAuth(cred.UserID, cred.Token)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, req.Header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return identity.ErrInvalidCredential
		}
		return fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
	}
	c.conn = conn

	c.log.WithFields(logrus.Fields{
		"function": "Connect",
		"url":      c.url,
		"user":     cred.UserID,
	}).Info("Connected to relay websocket")

	go c.readLoop(conn)
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) Emit(ctx context.Context, ev transport.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := transport.Encode(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return transport.ErrTransportUnavailable
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			live := c.conn == conn
			if live {
				c.conn = nil
			}
			c.mu.Unlock()
			if live {
				c.log.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err.Error(),
				}).Warn("Relay websocket closed")
				conn.Close()
			}
			return
		}

		ev, err := transport.Decode(data)
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Warn("Dropping undecodable event")
			continue
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(ev)
		}
	}
}
