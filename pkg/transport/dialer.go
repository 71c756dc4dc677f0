package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open connection to a feed source.
type Conn interface {
	// ReadMessage blocks until the next data frame arrives or the connection
	// fails.
	ReadMessage() ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials feed sources over gorilla/websocket and keeps the
// connection alive with pings.
type WebsocketDialer struct {
	settings *Settings
	dialer   *websocket.Dialer
}

func NewWebsocketDialer(settings *Settings) *WebsocketDialer {
	if settings == nil {
		settings = DefaultSettings()
	}
	return &WebsocketDialer{
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.settings.ReadLimit > 0 {
		ws.SetReadLimit(d.settings.ReadLimit)
	}

	c := &wsConn{ws: ws, settings: d.settings, done: make(chan struct{})}
	ws.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})
	if d.settings.PingInterval > 0 {
		go c.ping()
	}
	return c, nil
}

type wsConn struct {
	ws       *websocket.Conn
	settings *Settings

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) extendDeadline() {
	if c.settings.ReadTimeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		c.extendDeadline()
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// ping writes control pings until the connection is closed. WriteControl is
// safe to call concurrently with ReadMessage.
func (c *wsConn) ping() {
	t := time.NewTicker(c.settings.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			deadline := time.Now().Add(c.settings.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}
