package socket

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
)

// Config holds configuration for the connection manager
type Config struct {
	ConnectTimeout       time.Duration
	ReadyDelay           time.Duration
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
}

// DefaultConfig returns default connection manager configuration
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       10 * time.Second,
		ReadyDelay:           100 * time.Millisecond,
		MaxReconnectAttempts: 5,
		BaseDelay:            time.Second,
		MaxDelay:             16 * time.Second,
	}
}

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the clock driving the ready, timeout and backoff timers
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger sets the manager's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.log = logger }
}

// WithDialer sets the transport dialer; the default is a websocket dialer
func WithDialer(dialer Dialer) Option {
	return func(m *Manager) { m.dialer = dialer }
}

// Manager owns the single shared connection to the event endpoint and drives its state
// machine: DISCONNECTED -> CONNECTING -> CONNECTED (-> ready), with bounded exponential
// backoff through RECONNECTING and a terminal FAILED state.
type Manager struct {
	config Config
	dialer Dialer
	clock  clockwork.Clock
	log    zerolog.Logger

	mu         sync.Mutex
	url        string
	status     Status
	conn       Conn
	stopRead   context.CancelFunc
	gen        uint64
	refs       int
	manual     bool
	closed     bool
	retryTimer clockwork.Timer
	readyTimer clockwork.Timer
	subs       map[uint64]func(Status)
	nextSub    uint64

	flight singleflight.Group
	socket *Socket
}

// NewManager creates a connection manager in the DISCONNECTED state
func NewManager(config Config, opts ...Option) *Manager {
	m := &Manager{
		config: config,
		clock:  clockwork.NewRealClock(),
		log:    log.Logger,
		status: Status{State: StateDisconnected},
		subs:   make(map[uint64]func(Status)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = NewWebsocketDialer(DefaultWebsocketConfig())
	}
	m.socket = newSocket(m, m.log)
	return m
}

// Connect takes a reference on the shared connection and dials url if it is not already
// connected. It returns once the handshake completes, fails, or times out; failures are
// retried in the background until the reconnect cap is reached.
func (m *Manager) Connect(ctx context.Context, url string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.refs++
	if url != "" {
		m.url = url
	}
	m.manual = false

	switch m.status.State {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateDisconnected, StateFailed:
		m.status = Status{
			State:         StateConnecting,
			LastConnected: m.status.LastConnected,
		}
		st := m.status
		m.mu.Unlock()
		m.notify(st)
	case StateReconnecting:
		m.stopTimerLocked(&m.retryTimer)
		m.mu.Unlock()
	case StateConnecting:
		m.mu.Unlock()
	}

	return m.dial(ctx)
}

// ForceReconnect drops any current connection, resets the attempt counter and dials again
func (m *Manager) ForceReconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.manual = false
	m.stopTimerLocked(&m.retryTimer)
	m.stopTimerLocked(&m.readyTimer)
	conn := m.detachLocked()
	m.status = Status{
		State:         StateConnecting,
		LastConnected: m.status.LastConnected,
	}
	st := m.status
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.log.Info().Msg("Forcing reconnect")
	m.notify(st)
	return m.dial(ctx)
}

// Disconnect releases one reference. The connection is torn down, and automatic
// reconnection suppressed, only when the last reference is released.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.refs > 0 {
		m.refs--
	}
	if m.refs > 0 {
		remaining := m.refs
		m.mu.Unlock()
		m.log.Debug().Int("refs", remaining).Msg("Connection still referenced")
		return
	}
	m.teardown()
}

// Close tears the connection down regardless of outstanding references. Further
// Connect calls return ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.refs = 0
	m.teardown()
}

// teardown must be called with m.mu held; it releases the lock.
func (m *Manager) teardown() {
	m.manual = true
	m.stopTimerLocked(&m.retryTimer)
	m.stopTimerLocked(&m.readyTimer)
	conn := m.detachLocked()
	changed := m.status.State != StateDisconnected
	m.status = Status{
		State:         StateDisconnected,
		LastConnected: m.status.LastConnected,
	}
	st := m.status
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if changed {
		m.log.Info().Msg("Disconnected")
		m.notify(st)
	}
}

// detachLocked invalidates the current generation and hands back the open connection, if any
func (m *Manager) detachLocked() Conn {
	m.gen++
	conn := m.conn
	m.conn = nil
	if m.stopRead != nil {
		m.stopRead()
		m.stopRead = nil
	}
	return conn
}

func (m *Manager) stopTimerLocked(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// dial runs one connection attempt shared by every concurrent caller
func (m *Manager) dial(ctx context.Context) error {
	ch := m.flight.DoChan("dial", func() (any, error) {
		return nil, m.attempt(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) attempt(ctx context.Context) error {
	m.mu.Lock()
	url := m.url
	gen := m.gen
	m.mu.Unlock()

	dctx, cancel := clockwork.WithTimeout(ctx, m.clock, m.config.ConnectTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(dctx, url)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isDone(dctx) {
			err = ErrConnectTimeout
		}
		m.onDialFailure(gen, url, err)
		return err
	}
	return m.onDialSuccess(gen, url, conn)
}

func isDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (m *Manager) onDialSuccess(gen uint64, url string, conn Conn) error {
	m.mu.Lock()
	if gen != m.gen || m.manual {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}

	m.gen++
	gen = m.gen
	m.conn = conn
	readCtx, stop := context.WithCancel(context.Background())
	m.stopRead = stop

	now := m.clock.Now()
	m.status = Status{
		State:         StateConnected,
		Connected:     true,
		LastConnected: &now,
	}
	m.stopTimerLocked(&m.retryTimer)
	m.stopTimerLocked(&m.readyTimer)
	m.readyTimer = m.clock.AfterFunc(m.config.ReadyDelay, func() {
		m.markReady(gen)
	})
	st := m.status
	m.mu.Unlock()

	m.log.Info().Str("url", url).Msg("Connected")
	go m.readLoop(readCtx, conn, gen)
	m.notify(st)
	return nil
}

func (m *Manager) onDialFailure(gen uint64, url string, err error) {
	m.mu.Lock()
	if gen != m.gen || m.manual {
		m.mu.Unlock()
		return
	}
	st := m.failLocked(err)
	m.mu.Unlock()

	m.log.Warn().Err(err).
		Str("url", url).
		Str("state", string(st.State)).
		Int("attempts", st.ReconnectAttempts).
		Msg("Connection attempt failed")
	m.notify(st)
}

// failLocked records a lost or failed connection and either schedules the next attempt or,
// once the cap is reached, lands in FAILED.
func (m *Manager) failLocked(cause error) Status {
	m.status.Connected = false
	m.status.Ready = false

	if m.status.ReconnectAttempts >= m.config.MaxReconnectAttempts {
		m.status.State = StateFailed
		m.status.LastError = fmt.Errorf("%w: %v", ErrMaxReconnects, cause).Error()
		return m.status
	}

	delay := BackoffDelay(m.status.ReconnectAttempts, m.config.BaseDelay, m.config.MaxDelay)
	m.status.ReconnectAttempts++
	m.status.State = StateReconnecting
	m.status.LastError = cause.Error()

	gen := m.gen
	m.stopTimerLocked(&m.retryTimer)
	m.retryTimer = m.clock.AfterFunc(delay, func() {
		m.retry(gen)
	})
	return m.status
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.manual || m.closed || m.status.State != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	attempt := m.status.ReconnectAttempts
	m.mu.Unlock()

	m.log.Info().Int("attempt", attempt).Msg("Reconnecting")
	_ = m.dial(context.Background())
}

func (m *Manager) markReady(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.status.State != StateConnected {
		m.mu.Unlock()
		return
	}
	m.readyTimer = nil
	m.status.Ready = true
	st := m.status
	m.mu.Unlock()

	m.notify(st)
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		raw, err := conn.Read(ctx)
		if err != nil {
			m.onConnLost(gen, conn, err)
			return
		}

		frame, err := events.ParseFrame(raw)
		if err != nil {
			m.log.Warn().Err(err).Int("bytes", len(raw)).Msg("Dropping malformed frame")
			continue
		}
		m.socket.deliver(frame)
	}
}

func (m *Manager) onConnLost(gen uint64, conn Conn, err error) {
	m.mu.Lock()
	if gen != m.gen || m.manual {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked(&m.readyTimer)
	_ = m.detachLocked()
	st := m.failLocked(err)
	m.mu.Unlock()

	_ = conn.Close()
	m.log.Warn().Err(err).
		Str("state", string(st.State)).
		Int("attempts", st.ReconnectAttempts).
		Msg("Connection lost")
	m.notify(st)
}

// write sends one frame on the current connection
func (m *Manager) write(ctx context.Context, frame []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Write(ctx, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// IsConnected reports whether a connection is open
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Connected
}

// IsReady reports whether the connection has passed its post-connect grace delay
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Ready
}

// Status returns a copy of the current connection status
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Refs returns the number of outstanding Connect references
func (m *Manager) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// Socket returns the named-event socket carried by this connection
func (m *Manager) Socket() *Socket {
	return m.socket
}

// OnStatusChange registers cb for every status transition. cb receives the current status
// immediately. The returned function unregisters it and is safe to call more than once.
func (m *Manager) OnStatusChange(cb func(Status)) func() {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = cb
	st := m.status
	m.mu.Unlock()

	cb(st)

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notify(st Status) {
	m.mu.Lock()
	ids := make([]uint64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cbs := make([]func(Status), 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, m.subs[id])
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(st)
	}
}
