package tabs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
	"github.com/mcdev12/matchsync/go/internal/matchsync/socket"
	"github.com/mcdev12/matchsync/go/internal/matchsync/statesync"
)

type tab struct {
	coord      *Coordinator
	promotions atomic.Int32
	demotions  atomic.Int32

	mu       sync.Mutex
	received []statesync.MatchState
}

func (tb *tab) handedOver() []statesync.MatchState {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return append([]statesync.MatchState(nil), tb.received...)
}

func openTab(hub *MemoryHub, clock clockwork.Clock, id string, states []statesync.MatchState) *tab {
	tb := &tab{}
	tb.coord = NewCoordinator(hub.Join(), Config{TabID: id, ElectionDelay: 250 * time.Millisecond},
		WithClock(clock),
		WithLogger(zerolog.Nop()),
		WithPromote(func(context.Context) error {
			tb.promotions.Add(1)
			return nil
		}),
		WithDemote(func() { tb.demotions.Add(1) }),
		WithStateProvider(func() []statesync.MatchState { return states }),
		WithStateHandler(func(s []statesync.MatchState) {
			tb.mu.Lock()
			tb.received = append(tb.received, s...)
			tb.mu.Unlock()
		}),
	)
	return tb
}

func waitForMembers(t *testing.T, n int, tabs ...*tab) {
	t.Helper()
	for _, tb := range tabs {
		require.Eventually(t, func() bool { return len(tb.coord.Members()) == n }, 2*time.Second, 5*time.Millisecond)
	}
}

func TestCoordinator_OwnerHandoffPromotesExactlyOneSibling(t *testing.T) {
	hub := NewMemoryHub()
	clock := clockwork.NewFakeClock()
	ctx := context.Background()

	handover := []statesync.MatchState{{MatchID: "m1", Version: 7}}
	a := openTab(hub, clock, "tab-a", handover)
	b := openTab(hub, clock, "tab-b", nil)
	c := openTab(hub, clock, "tab-c", nil)
	for _, tb := range []*tab{a, b, c} {
		require.NoError(t, tb.coord.Join(ctx))
	}
	waitForMembers(t, 3, a, b, c)

	clock.Advance(250 * time.Millisecond)

	require.Eventually(t, func() bool {
		return a.coord.IsOwner() && b.coord.Owner() == "tab-a" && c.coord.Owner() == "tab-a"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), a.promotions.Load())

	require.NoError(t, a.coord.Leave(ctx))
	assert.Equal(t, int32(1), a.demotions.Load())

	require.Eventually(t, func() bool {
		return b.coord.IsOwner() && c.coord.Owner() == "tab-b"
	}, 2*time.Second, 5*time.Millisecond)

	assert.Never(t, func() bool { return c.promotions.Load() != 0 }, 50*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, int32(1), b.promotions.Load())
	assert.Equal(t, int32(1), a.promotions.Load())

	for _, tb := range []*tab{b, c} {
		got := tb.handedOver()
		require.Len(t, got, 1)
		assert.Equal(t, 7, got[0].Version)
	}
}

func TestCoordinator_LateJoinerAdoptsExistingOwner(t *testing.T) {
	hub := NewMemoryHub()
	clock := clockwork.NewFakeClock()
	ctx := context.Background()

	b := openTab(hub, clock, "tab-b", nil)
	require.NoError(t, b.coord.Join(ctx))
	clock.Advance(250 * time.Millisecond)
	require.Eventually(t, b.coord.IsOwner, 2*time.Second, 5*time.Millisecond)

	a := openTab(hub, clock, "tab-a", nil)
	require.NoError(t, a.coord.Join(ctx))
	require.Eventually(t, func() bool { return a.coord.Owner() == "tab-b" }, 2*time.Second, 5*time.Millisecond)

	clock.Advance(250 * time.Millisecond)
	assert.Never(t, func() bool { return a.promotions.Load() != 0 }, 50*time.Millisecond, 10*time.Millisecond)
	assert.True(t, b.coord.IsOwner())
}

func TestCoordinator_SiblingLeaveKeepsOwner(t *testing.T) {
	hub := NewMemoryHub()
	clock := clockwork.NewFakeClock()
	ctx := context.Background()

	a := openTab(hub, clock, "tab-a", nil)
	b := openTab(hub, clock, "tab-b", nil)
	require.NoError(t, a.coord.Join(ctx))
	require.NoError(t, b.coord.Join(ctx))
	waitForMembers(t, 2, a, b)
	clock.Advance(250 * time.Millisecond)
	require.Eventually(t, func() bool { return b.coord.Owner() == "tab-a" }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.coord.Leave(ctx))
	require.Eventually(t, func() bool { return len(a.coord.Members()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, a.coord.IsOwner())
	assert.Equal(t, int32(1), a.promotions.Load())
	assert.Zero(t, b.demotions.Load())
}

// relayServer echoes every frame back to the client
func relayServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSocket_SiblingEmitsThroughOwnerAndReceivesRelays(t *testing.T) {
	url := relayServer(t)
	hub := NewMemoryHub()
	clock := clockwork.NewFakeClock()
	ctx := context.Background()

	ownerConn := socket.NewManager(socket.DefaultConfig(), socket.WithLogger(zerolog.Nop()))
	siblingConn := socket.NewManager(socket.DefaultConfig(), socket.WithLogger(zerolog.Nop()))
	t.Cleanup(ownerConn.Close)
	t.Cleanup(siblingConn.Close)

	ownerCoord := NewCoordinator(hub.Join(), Config{TabID: "tab-a", ElectionDelay: 100 * time.Millisecond},
		WithClock(clock), WithLogger(zerolog.Nop()),
		WithPromote(func(ctx context.Context) error { return ownerConn.Connect(ctx, url) }),
	)
	siblingCoord := NewCoordinator(hub.Join(), Config{TabID: "tab-b", ElectionDelay: 100 * time.Millisecond},
		WithClock(clock), WithLogger(zerolog.Nop()),
		WithPromote(func(ctx context.Context) error { return siblingConn.Connect(ctx, url) }),
	)

	ownerSock := NewSocket(ownerCoord, ownerConn.Socket(), zerolog.Nop())
	siblingSock := NewSocket(siblingCoord, siblingConn.Socket(), zerolog.Nop())
	t.Cleanup(ownerSock.Close)
	t.Cleanup(siblingSock.Close)

	ownerGot := make(chan json.RawMessage, 4)
	siblingGot := make(chan json.RawMessage, 4)
	ownerSock.On(events.ScoreUpdate, func(d json.RawMessage) { ownerGot <- d })
	siblingSock.On(events.ScoreUpdate, func(d json.RawMessage) { siblingGot <- d })

	assert.ErrorIs(t, siblingSock.Emit(ctx, events.ScoreUpdate, json.RawMessage(`{}`)), socket.ErrNotConnected)

	require.NoError(t, ownerCoord.Join(ctx))
	require.NoError(t, siblingCoord.Join(ctx))
	require.Eventually(t, func() bool {
		return len(ownerCoord.Members()) == 2 && len(siblingCoord.Members()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	clock.Advance(100 * time.Millisecond)

	require.Eventually(t, ownerConn.IsConnected, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return siblingSock.Status().Connected }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, siblingConn.IsConnected(), "sibling never opens its own connection")

	require.NoError(t, siblingSock.Emit(ctx, events.ScoreUpdate, json.RawMessage(`{"matchId":"m1","blueTotal":12}`)))

	for _, ch := range []chan json.RawMessage{ownerGot, siblingGot} {
		select {
		case d := <-ch:
			assert.JSONEq(t, `{"matchId":"m1","blueTotal":12}`, string(d))
		case <-time.After(5 * time.Second):
			t.Fatal("echoed event not delivered")
		}
	}
}

func TestSocket_OwnerForwardsSiblingEmits(t *testing.T) {
	hub := NewMemoryHub()
	clock := clockwork.NewFakeClock()
	ctx := context.Background()

	conn := socket.NewManager(socket.DefaultConfig(), socket.WithLogger(zerolog.Nop()))
	t.Cleanup(conn.Close)
	coord := NewCoordinator(hub.Join(), Config{TabID: "tab-a", ElectionDelay: 100 * time.Millisecond},
		WithClock(clock), WithLogger(zerolog.Nop()))
	sock := NewSocket(coord, conn.Socket(), zerolog.Nop())
	t.Cleanup(sock.Close)

	forwarded := make(chan events.Name, 1)
	sock.ForwardEmits(func(_ context.Context, name events.Name, _ json.RawMessage) error {
		forwarded <- name
		return nil
	})

	require.NoError(t, coord.Join(ctx))
	clock.Advance(100 * time.Millisecond)
	require.Eventually(t, coord.IsOwner, 2*time.Second, 5*time.Millisecond)

	sibling := hub.Join()
	require.NoError(t, sibling.Publish(ctx, Message{
		Type: MsgEmit, From: "tab-b", Event: events.JoinTournament, Data: json.RawMessage(`{"tournamentId":"t1"}`),
	}))

	select {
	case name := <-forwarded:
		assert.Equal(t, events.JoinTournament, name)
	case <-time.After(2 * time.Second):
		t.Fatal("sibling emission was not forwarded")
	}
}

func TestSocket_SiblingMirrorsOwnerStatus(t *testing.T) {
	hub := NewMemoryHub()
	clock := clockwork.NewFakeClock()
	ctx := context.Background()

	owner := hub.Join()
	var mu sync.Mutex
	var emitted []events.Name
	_, err := owner.Subscribe(func(msg Message) {
		if msg.Type == MsgEmit {
			mu.Lock()
			emitted = append(emitted, msg.Event)
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	conn := socket.NewManager(socket.DefaultConfig(), socket.WithLogger(zerolog.Nop()))
	t.Cleanup(conn.Close)
	coord := NewCoordinator(hub.Join(), Config{TabID: "tab-b", ElectionDelay: time.Second},
		WithClock(clock), WithLogger(zerolog.Nop()))
	sock := NewSocket(coord, conn.Socket(), zerolog.Nop())
	t.Cleanup(sock.Close)
	require.NoError(t, coord.Join(ctx))

	var statesMu sync.Mutex
	var states []socket.State
	sock.OnStatusChange(func(st socket.Status) {
		statesMu.Lock()
		states = append(states, st.State)
		statesMu.Unlock()
	})

	require.NoError(t, owner.Publish(ctx, Message{Type: MsgClaim, From: "tab-a"}))
	require.Eventually(t, func() bool { return coord.Owner() == "tab-a" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, socket.StateConnecting, sock.Status().State)

	reconnecting := socket.Status{State: socket.StateReconnecting, ReconnectAttempts: 2, LastError: "pipe closed"}
	require.NoError(t, owner.Publish(ctx, Message{Type: MsgStatus, From: "tab-a", Status: &reconnecting}))
	require.Eventually(t, func() bool { return sock.Status().State == socket.StateReconnecting }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, sock.Status().ReconnectAttempts)
	assert.ErrorIs(t, sock.Emit(ctx, events.ScoreUpdate, json.RawMessage(`{}`)), socket.ErrNotConnected)

	connected := socket.Status{State: socket.StateConnected, Connected: true, Ready: true}
	require.NoError(t, owner.Publish(ctx, Message{Type: MsgStatus, From: "tab-a", Status: &connected}))
	require.Eventually(t, func() bool { return sock.Status().Connected }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sock.Emit(ctx, events.ScoreUpdate, json.RawMessage(`{"blueTotal":3}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(emitted) == 1 && emitted[0] == events.ScoreUpdate
	}, 2*time.Second, 5*time.Millisecond)

	statesMu.Lock()
	defer statesMu.Unlock()
	assert.Contains(t, states, socket.StateReconnecting)
	assert.Equal(t, socket.StateConnected, states[len(states)-1])
}

func TestMemoryBus_PublishNeverBlocksOnBusySubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	a, b := hub.Join(), hub.Join()
	release := make(chan struct{})
	var got atomic.Int32
	_, err := b.Subscribe(func(Message) {
		<-release
		got.Add(1)
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = a.Publish(ctx, Message{Type: MsgState})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a busy subscriber")
	}

	close(release)
	require.Eventually(t, func() bool { return got.Load() == 1000 }, 2*time.Second, 5*time.Millisecond)
}
