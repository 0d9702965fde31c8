package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeescrow/internal/trade"
)

const (
	alice = "0xa1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1"
	bob   = "0xb2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2"
)

func event(id string, kind trade.EventKind, parties ...string) trade.Event {
	return trade.Event{TradeID: id, Kind: kind, Parties: parties, At: time.Unix(0, 0).UTC()}
}

func TestSubscription_Matches(t *testing.T) {
	e := event("trd_1", trade.EventFunded, alice, bob)
	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"empty matches all", Subscription{}, true},
		{"trade id", Subscription{TradeIDs: []string{"trd_1"}}, true},
		{"other trade", Subscription{TradeIDs: []string{"trd_2"}}, false},
		{"party", Subscription{Addresses: []string{strings.ToUpper(bob[2:])}}.normalized(), false},
		{"party normalized", Subscription{Addresses: []string{" " + bob + " "}}.normalized(), true},
		{"kind", Subscription{Kinds: []trade.EventKind{trade.EventFunded}}, true},
		{"wrong kind", Subscription{Kinds: []trade.EventKind{trade.EventReleased}}, false},
		{"all must match", Subscription{TradeIDs: []string{"trd_1"}, Kinds: []trade.EventKind{trade.EventReleased}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(e))
		})
	}
}

func quietHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := quietHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := httptest.NewServer(httpHandler(h))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-h.done
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"] == n
	}, time.Second, 5*time.Millisecond)
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m Message
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestHub_DeliversToMatchingClients(t *testing.T) {
	h, srv := startHub(t)
	byTrade := dial(t, srv, "trade=trd_2")
	byAddr := dial(t, srv, "address="+bob)
	waitClients(t, h, 2)

	h.Publish(context.Background(), event("trd_1", trade.EventCreated, alice, bob))
	h.Publish(context.Background(), event("trd_2", trade.EventCreated, alice))

	m := read(t, byTrade)
	assert.Equal(t, "trade_event", m.Type)
	assert.Equal(t, "trd_2", m.Event.TradeID)

	m = read(t, byAddr)
	assert.Equal(t, "trd_1", m.Event.TradeID, "bob is not a party to trd_2")
}

func TestHub_ClientReplacesSubscription(t *testing.T) {
	h, srv := startHub(t)
	conn := dial(t, srv, "trade=trd_1")
	waitClients(t, h, 1)

	require.NoError(t, conn.WriteJSON(Subscription{Kinds: []trade.EventKind{trade.EventSettled}}))
	require.Eventually(t, func() bool {
		for c := range snapshotClients(h) {
			return len(c.subscription().Kinds) == 1
		}
		return false
	}, time.Second, 5*time.Millisecond)

	h.Publish(context.Background(), event("trd_1", trade.EventFunded))
	h.Publish(context.Background(), event("trd_9", trade.EventSettled))
	assert.Equal(t, "trd_9", read(t, conn).Event.TradeID)
}

func TestHub_UnregistersOnClose(t *testing.T) {
	h, srv := startHub(t)
	conn := dial(t, srv, "")
	waitClients(t, h, 1)

	require.NoError(t, conn.Close())
	waitClients(t, h, 0)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := quietHub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish(context.Background(), event("trd_1", trade.EventCreated))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked without a running hub")
	}
}

func TestHub_RejectsAfterShutdown(t *testing.T) {
	h := quietHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()
	<-h.done

	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}
