package socket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return errors.New("transport closed")
	default:
	}
	c.out <- frame
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	dials atomic.Int32
	fn    func(ctx context.Context) (Conn, error)
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	fn := d.fn
	d.mu.Unlock()
	return fn(ctx)
}

func (d *fakeDialer) set(fn func(ctx context.Context) (Conn, error)) {
	d.mu.Lock()
	d.fn = fn
	d.mu.Unlock()
}

func (d *fakeDialer) succeed() {
	d.set(func(ctx context.Context) (Conn, error) {
		c := newFakeConn()
		d.mu.Lock()
		d.conns = append(d.conns, c)
		d.mu.Unlock()
		return c, nil
	})
}

func (d *fakeDialer) fail() {
	d.set(func(ctx context.Context) (Conn, error) { return nil, errRefused })
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func newTestManager(t *testing.T, config Config) (*Manager, *fakeDialer, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	dialer := &fakeDialer{}
	dialer.succeed()
	m := NewManager(config, WithClock(clock), WithDialer(dialer), WithLogger(zerolog.Nop()))
	t.Cleanup(m.Close)
	return m, dialer, clock
}

func recordStatuses(m *Manager) <-chan Status {
	ch := make(chan Status, 64)
	m.OnStatusChange(func(s Status) { ch <- s })
	return ch
}

func nextStatus(t *testing.T, ch <-chan Status) Status {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status change")
		return Status{}
	}
}

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 16 * time.Second}
	for n, d := range want {
		assert.Equal(t, d, BackoffDelay(n, time.Second, 16*time.Second), "attempt %d", n)
	}
}

func TestManager_FailsAfterMaxReconnects(t *testing.T) {
	m, dialer, clock := newTestManager(t, DefaultConfig())
	dialer.fail()
	statuses := recordStatuses(m)
	assert.Equal(t, StateDisconnected, nextStatus(t, statuses).State)

	err := m.Connect(context.Background(), "ws://test")
	require.ErrorIs(t, err, errRefused)

	assert.Equal(t, StateConnecting, nextStatus(t, statuses).State)

	reconnecting := 0
	for n := 0; ; n++ {
		s := nextStatus(t, statuses)
		if s.State == StateFailed {
			assert.Equal(t, 5, s.ReconnectAttempts)
			assert.Contains(t, s.LastError, ErrMaxReconnects.Error())
			break
		}
		require.Equal(t, StateReconnecting, s.State)
		reconnecting++
		require.Equal(t, n+1, s.ReconnectAttempts)

		delay := BackoffDelay(n, time.Second, 16*time.Second)
		dials := dialer.dials.Load()
		clock.Advance(delay - time.Millisecond)
		require.Never(t, func() bool { return dialer.dials.Load() != dials }, 20*time.Millisecond, 5*time.Millisecond)
		clock.Advance(time.Millisecond)
	}

	assert.Equal(t, 5, reconnecting)
	assert.Equal(t, int32(6), dialer.dials.Load())

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return dialer.dials.Load() != 6 }, 50*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, StateFailed, m.Status().State)
}

func TestManager_ReadyAfterGraceDelay(t *testing.T) {
	m, _, clock := newTestManager(t, DefaultConfig())

	require.NoError(t, m.Connect(context.Background(), "ws://test"))
	assert.True(t, m.IsConnected())
	assert.False(t, m.IsReady())

	st := m.Status()
	require.NotNil(t, st.LastConnected)
	assert.Equal(t, 0, st.ReconnectAttempts)

	clock.Advance(100 * time.Millisecond)
	assert.Eventually(t, m.IsReady, time.Second, 5*time.Millisecond)
}

func TestManager_ConnectTimeout(t *testing.T) {
	m, dialer, clock := newTestManager(t, DefaultConfig())
	started := make(chan struct{})
	var once sync.Once
	dialer.set(func(ctx context.Context) (Conn, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, context.DeadlineExceeded
	})

	errCh := make(chan error, 1)
	go func() { errCh <- m.Connect(context.Background(), "ws://test") }()

	<-started
	clock.Advance(10 * time.Second)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not time out")
	}

	st := m.Status()
	assert.Equal(t, StateReconnecting, st.State)
	assert.Equal(t, ErrConnectTimeout.Error(), st.LastError)
}

func TestManager_ReconnectsAfterConnectionLoss(t *testing.T) {
	m, dialer, clock := newTestManager(t, DefaultConfig())
	require.NoError(t, m.Connect(context.Background(), "ws://test"))
	statuses := recordStatuses(m)
	assert.Equal(t, StateConnected, nextStatus(t, statuses).State)

	dialer.last().Close()

	s := nextStatus(t, statuses)
	assert.Equal(t, StateReconnecting, s.State)
	assert.Equal(t, 1, s.ReconnectAttempts)

	clock.Advance(time.Second)
	s = nextStatus(t, statuses)
	assert.Equal(t, StateConnected, s.State)
	assert.Equal(t, 0, s.ReconnectAttempts)
	assert.Equal(t, int32(2), dialer.dials.Load())
}

func TestManager_RefCountedDisconnect(t *testing.T) {
	m, dialer, clock := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "ws://test"))
	require.NoError(t, m.Connect(ctx, "ws://test"))
	assert.Equal(t, int32(1), dialer.dials.Load())
	assert.Equal(t, 2, m.Refs())

	m.Disconnect()
	assert.True(t, m.IsConnected())
	assert.False(t, dialer.last().isClosed())

	m.Disconnect()
	assert.False(t, m.IsConnected())
	assert.Equal(t, StateDisconnected, m.Status().State)
	assert.True(t, dialer.last().isClosed())

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return dialer.dials.Load() != 1 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestManager_ForceReconnectResetsAttempts(t *testing.T) {
	config := DefaultConfig()
	config.MaxReconnectAttempts = 0
	m, dialer, _ := newTestManager(t, config)
	dialer.fail()

	require.Error(t, m.Connect(context.Background(), "ws://test"))
	assert.Equal(t, StateFailed, m.Status().State)

	dialer.succeed()
	require.NoError(t, m.ForceReconnect(context.Background()))
	st := m.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, 0, st.ReconnectAttempts)
	assert.Empty(t, st.LastError)
}

func TestManager_StatusReplayOnSubscribe(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultConfig())
	require.NoError(t, m.Connect(context.Background(), "ws://test"))

	var got []Status
	unsubscribe := m.OnStatusChange(func(s Status) { got = append(got, s) })
	require.Len(t, got, 1)
	assert.Equal(t, StateConnected, got[0].State)

	unsubscribe()
	unsubscribe()
	m.Disconnect()
	assert.Len(t, got, 1)
}

func TestManager_MalformedFrameKeepsConnection(t *testing.T) {
	m, dialer, _ := newTestManager(t, DefaultConfig())
	require.NoError(t, m.Connect(context.Background(), "ws://test"))

	received := make(chan json.RawMessage, 1)
	m.Socket().On(events.ScoreUpdate, func(data json.RawMessage) { received <- data })

	conn := dialer.last()
	conn.in <- []byte(`{not a frame`)
	conn.in <- []byte(`{"event":"score_update","data":{"redTotal":5}}`)

	select {
	case data := <-received:
		assert.JSONEq(t, `{"redTotal":5}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
	assert.True(t, m.IsConnected())
}

func TestSocket_EmitRequiresConnection(t *testing.T) {
	m, dialer, _ := newTestManager(t, DefaultConfig())

	err := m.Socket().Emit(context.Background(), events.ScoreUpdate, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, m.Connect(context.Background(), "ws://test"))
	require.NoError(t, m.Socket().Emit(context.Background(), events.ScoreUpdate, json.RawMessage(`{"redTotal":1}`)))

	frame, err := events.ParseFrame(<-dialer.last().out)
	require.NoError(t, err)
	assert.Equal(t, events.ScoreUpdate, frame.Event)
	assert.JSONEq(t, `{"redTotal":1}`, string(frame.Data))
}

func TestSocket_HandlerRegistry(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultConfig())
	s := m.Socket()

	var calls, taps int
	off := s.On(events.TimerUpdate, func(json.RawMessage) { calls++ })
	s.On(events.TimerUpdate, func(json.RawMessage) { panic("listener bug") })
	s.OnAny(func(events.Name, json.RawMessage) { taps++ })
	assert.Equal(t, 2, s.HandlerCount(events.TimerUpdate))

	s.Inject(events.TimerUpdate, json.RawMessage(`{}`))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, taps)

	off()
	assert.Equal(t, 1, s.HandlerCount(events.TimerUpdate))
	s.Off(events.TimerUpdate)
	assert.Equal(t, 0, s.HandlerCount(events.TimerUpdate))
}
