package socket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one established transport connection carrying JSON text frames
type Conn interface {
	// Read blocks until the next frame arrives or the connection is lost
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer opens transport connections. A nil error from Dial is the handshake ack.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketConfig holds configuration for the websocket transport
type WebsocketConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	Header         http.Header
}

// DefaultWebsocketConfig returns default websocket transport configuration
func DefaultWebsocketConfig() WebsocketConfig {
	return WebsocketConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   25 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// WebsocketDialer dials the event socket over gorilla/websocket
type WebsocketDialer struct {
	config WebsocketConfig
	dialer *websocket.Dialer
}

// NewWebsocketDialer creates a websocket dialer
func NewWebsocketDialer(config WebsocketConfig) *WebsocketDialer {
	return &WebsocketDialer{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
	}
}

// Dial performs the websocket handshake and starts the keepalive pump
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.config.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &wsConn{
		conn:   conn,
		config: d.config,
		done:   make(chan struct{}),
	}
	if d.config.MaxMessageSize > 0 {
		conn.SetReadLimit(d.config.MaxMessageSize)
	}
	c.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	if d.config.PingInterval > 0 {
		go c.pingPump()
	}
	return c, nil
}

type wsConn struct {
	conn   *websocket.Conn
	config WebsocketConfig

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) extendReadDeadline() {
	if c.config.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.extendReadDeadline()
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Write(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// pingPump keeps the connection alive; the server's pong extends the read deadline
func (c *wsConn) pingPump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
