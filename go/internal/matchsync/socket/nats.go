package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig holds configuration for the NATS event transport. The server side publishes
// frames on <Prefix>.down and consumes client frames from <Prefix>.up.
type NATSConfig struct {
	Prefix     string
	ClientName string
	BufferSize int
}

// DefaultNATSConfig returns default NATS transport configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Prefix:     "matchsync",
		ClientName: "matchsync-client",
		BufferSize: 256,
	}
}

// NATSDialer carries the named-event socket over core NATS subjects. Reconnection is
// disabled on the NATS side; the Manager owns the backoff state machine.
type NATSDialer struct {
	config NATSConfig
	log    zerolog.Logger
}

// NewNATSDialer creates a NATS dialer
func NewNATSDialer(config NATSConfig, logger zerolog.Logger) *NATSDialer {
	return &NATSDialer{config: config, log: logger}
}

// Dial connects to the NATS server at url and subscribes to the downstream subject
func (d *NATSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	c := &natsConn{
		msgs: make(chan *nats.Msg, d.config.BufferSize),
		lost: make(chan struct{}),
		up:   d.config.Prefix + ".up",
	}

	opts := []nats.Option{
		nats.Name(d.config.ClientName),
		nats.NoReconnect(),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			d.log.Warn().Err(err).Msg("NATS transport disconnected")
			c.markLost(err)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.markLost(nil)
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	c.nc = nc

	sub, err := nc.ChanSubscribe(d.config.Prefix+".down", c.msgs)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe downstream: %w", err)
	}
	c.sub = sub

	if err := nc.FlushWithContext(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	d.log.Debug().Str("url", nc.ConnectedUrl()).Str("prefix", d.config.Prefix).Msg("NATS transport connected")
	return c, nil
}

type natsConn struct {
	nc   *nats.Conn
	sub  *nats.Subscription
	msgs chan *nats.Msg
	up   string

	mu       sync.Mutex
	lost     chan struct{}
	lostErr  error
	lostOnce sync.Once
}

var errNATSClosed = errors.New("nats transport closed")

func (c *natsConn) markLost(err error) {
	c.lostOnce.Do(func() {
		c.mu.Lock()
		if err == nil {
			err = errNATSClosed
		}
		c.lostErr = err
		c.mu.Unlock()
		close(c.lost)
	})
}

func (c *natsConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.msgs:
		return msg.Data, nil
	case <-c.lost:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.lostErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *natsConn) Write(ctx context.Context, frame []byte) error {
	return c.nc.Publish(c.up, frame)
}

func (c *natsConn) Close() error {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.nc.Close()
	c.markLost(nil)
	return nil
}
