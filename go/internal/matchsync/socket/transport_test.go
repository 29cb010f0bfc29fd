package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
)

// echoServer greets every client with an announcement and echoes each frame back
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hello, _ := json.Marshal(events.Frame{Event: events.Announcement, Data: json.RawMessage(`{"message":"welcome"}`)})
		if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
			return
		}
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
	return srv
}

func TestWebsocketDialer_RoundTrip(t *testing.T) {
	srv := echoServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	m := NewManager(DefaultConfig(), WithLogger(zerolog.Nop()))
	t.Cleanup(m.Close)

	announcements := make(chan json.RawMessage, 1)
	scores := make(chan json.RawMessage, 1)
	m.Socket().On(events.Announcement, func(data json.RawMessage) { announcements <- data })
	m.Socket().On(events.ScoreUpdate, func(data json.RawMessage) { scores <- data })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx, url))

	select {
	case data := <-announcements:
		assert.JSONEq(t, `{"message":"welcome"}`, string(data))
	case <-ctx.Done():
		t.Fatal("no greeting received")
	}

	require.NoError(t, m.Socket().Emit(ctx, events.ScoreUpdate, json.RawMessage(`{"matchId":"m1","redTotal":20}`)))
	select {
	case data := <-scores:
		assert.JSONEq(t, `{"matchId":"m1","redTotal":20}`, string(data))
	case <-ctx.Done():
		t.Fatal("echo not received")
	}

	assert.Eventually(t, m.IsReady, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketDialer_ServerCloseTriggersReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// drop the client as soon as it sends anything
		_, _, _ = conn.ReadMessage()
		conn.Close()
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	m := NewManager(DefaultConfig(), WithLogger(zerolog.Nop()))
	t.Cleanup(m.Close)
	require.NoError(t, m.Connect(context.Background(), url))
	require.NoError(t, m.Socket().Emit(context.Background(), events.LeaveFieldRoom, json.RawMessage(`{}`)))

	assert.Eventually(t, func() bool {
		st := m.Status()
		return st.State == StateReconnecting && st.ReconnectAttempts == 1 && st.LastError != ""
	}, 2*time.Second, 10*time.Millisecond)
}
