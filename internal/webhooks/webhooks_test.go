package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeescrow/internal/retry"
	"github.com/mbd888/tradeescrow/internal/trade"
)

const (
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b2"
)

func allowAll(string) error { return nil }

type received struct {
	header http.Header
	body   []byte
}

// receiver is a webhook endpoint that answers with status.
type receiver struct {
	*httptest.Server
	mu     sync.Mutex
	status int
	got    []received
}

func newReceiver(t *testing.T, status int) *receiver {
	r := &receiver{status: status}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.got = append(r.got, received{header: req.Header.Clone(), body: body})
		r.mu.Unlock()
		w.WriteHeader(r.status)
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *receiver) requests() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.got...)
}

func newDispatcher(store Store, cfg Config) *Dispatcher {
	if cfg.ValidateURL == nil {
		cfg.ValidateURL = allowAll
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.Policy{Attempts: 1}
	}
	return NewDispatcher(store, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func subscribe(t *testing.T, store Store, id, trader, url string, kinds ...trade.EventKind) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID: id, Trader: trader, URL: url, Secret: "s3cret-" + id,
		Kinds: kinds, Active: true, CreatedAt: time.Now(),
	}))
}

func fundedEvent() trade.Event {
	return trade.Event{
		TradeID: "trd_1", Kind: trade.EventFunded, Actor: bob,
		From: trade.StateRequestAccepted, To: trade.StateEscrowFunded,
		Parties: []string{alice, bob}, At: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	subscribe(t, store, "wh_1", alice, "https://a.example/hook")
	subscribe(t, store, "wh_2", bob, "https://b.example/hook", trade.EventSettled)

	got, err := store.Get(ctx, "wh_2")
	require.NoError(t, err)
	assert.Equal(t, []trade.EventKind{trade.EventSettled}, got.Kinds)

	got.Kinds[0] = trade.EventPurged
	again, err := store.Get(ctx, "wh_2")
	require.NoError(t, err)
	assert.Equal(t, trade.EventSettled, again.Kinds[0], "store returns copies")

	list, err := store.ListByTrader(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "wh_1", list[0].ID)

	got.Active = false
	require.NoError(t, store.Update(ctx, got))
	again, _ = store.Get(ctx, "wh_2")
	assert.False(t, again.Active)

	require.NoError(t, store.Delete(ctx, "wh_2"))
	_, err = store.Get(ctx, "wh_2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_2"), ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, got), ErrNotFound)
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"id":"whd_1"}`)
	sig := Sign("secret", "1700000000", body)
	assert.Len(t, sig, 64)
	assert.True(t, Verify("secret", "1700000000", body, sig))
	assert.False(t, Verify("secret", "1700000001", body, sig), "timestamp is signed")
	assert.False(t, Verify("other", "1700000000", body, sig))
}

func TestSubscription_Wants(t *testing.T) {
	all := &Subscription{}
	assert.True(t, all.Wants(trade.EventPurged))

	some := &Subscription{Kinds: []trade.EventKind{trade.EventDisputeOpened}}
	assert.True(t, some.Wants(trade.EventDisputeOpened))
	assert.False(t, some.Wants(trade.EventFunded))
}

func TestDispatcher_DeliversSignedPayloadToParties(t *testing.T) {
	hook := newReceiver(t, http.StatusOK)
	store := NewMemoryStore()
	subscribe(t, store, "wh_a", alice, hook.URL)
	subscribe(t, store, "wh_b", bob, hook.URL, trade.EventFunded)
	subscribe(t, store, "wh_b2", bob, hook.URL, trade.EventSettled)

	d := newDispatcher(store, Config{})
	d.dispatch(context.Background(), fundedEvent())

	reqs := hook.requests()
	require.Len(t, reqs, 2, "filtered subscription skipped")
	for _, r := range reqs {
		assert.Equal(t, string(trade.EventFunded), r.header.Get(HeaderEvent))
		assert.NotEmpty(t, r.header.Get(HeaderDelivery))

		var p Payload
		require.NoError(t, json.Unmarshal(r.body, &p))
		assert.Equal(t, r.header.Get(HeaderDelivery), p.ID)
		assert.Equal(t, "trd_1", p.Event.TradeID)
		assert.Equal(t, trade.StateEscrowFunded, p.Event.To)
	}

	valid := 0
	for _, id := range []string{"wh_a", "wh_b"} {
		for _, r := range reqs {
			if Verify("s3cret-"+id, r.header.Get(HeaderTimestamp), r.body, r.header.Get(HeaderSignature)) {
				valid++
			}
		}
	}
	assert.Equal(t, 2, valid, "each delivery signed with its own secret")

	sub, err := store.Get(context.Background(), "wh_a")
	require.NoError(t, err)
	assert.NotNil(t, sub.LastSuccess)
	assert.Zero(t, sub.ConsecutiveFailures)
}

func TestDispatcher_DuplicatePartyDeliveredOnce(t *testing.T) {
	hook := newReceiver(t, http.StatusNoContent)
	store := NewMemoryStore()
	subscribe(t, store, "wh_a", alice, hook.URL)

	e := fundedEvent()
	e.Parties = []string{alice, alice, ""}
	newDispatcher(store, Config{}).dispatch(context.Background(), e)

	assert.Len(t, hook.requests(), 1)
}

func TestDispatcher_ClientErrorIsNotRetried(t *testing.T) {
	hook := newReceiver(t, http.StatusGone)
	store := NewMemoryStore()
	subscribe(t, store, "wh_a", alice, hook.URL)

	d := newDispatcher(store, Config{Retry: retry.Policy{Attempts: 3, Base: time.Millisecond}})
	d.dispatch(context.Background(), fundedEvent())

	assert.Len(t, hook.requests(), 1)
	sub, _ := store.Get(context.Background(), "wh_a")
	assert.Equal(t, 1, sub.ConsecutiveFailures)
	assert.Contains(t, sub.LastError, "status 410")
	assert.True(t, sub.Active)
}

func TestDispatcher_ServerErrorIsRetried(t *testing.T) {
	hook := newReceiver(t, http.StatusBadGateway)
	store := NewMemoryStore()
	subscribe(t, store, "wh_a", alice, hook.URL)

	d := newDispatcher(store, Config{Retry: retry.Policy{Attempts: 3, Base: time.Millisecond}})
	d.dispatch(context.Background(), fundedEvent())

	assert.Len(t, hook.requests(), 3)
}

func TestDispatcher_DisablesFailingSubscription(t *testing.T) {
	hook := newReceiver(t, http.StatusInternalServerError)
	store := NewMemoryStore()
	subscribe(t, store, "wh_a", alice, hook.URL)
	sub, _ := store.Get(context.Background(), "wh_a")
	sub.ConsecutiveFailures = MaxConsecutiveFailures - 1
	require.NoError(t, store.Update(context.Background(), sub))

	d := newDispatcher(store, Config{})
	d.dispatch(context.Background(), fundedEvent())
	sub, _ = store.Get(context.Background(), "wh_a")
	assert.False(t, sub.Active)

	d.dispatch(context.Background(), fundedEvent())
	assert.Len(t, hook.requests(), 1, "inactive subscriptions are skipped")
}

func TestDispatcher_RejectsPrivateTargetsByDefault(t *testing.T) {
	hook := newReceiver(t, http.StatusOK)
	store := NewMemoryStore()
	subscribe(t, store, "wh_a", alice, hook.URL)

	d := NewDispatcher(store, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.dispatch(context.Background(), fundedEvent())

	assert.Empty(t, hook.requests())
	sub, _ := store.Get(context.Background(), "wh_a")
	assert.Contains(t, sub.LastError, "url rejected")
}

func TestDispatcher_PublishDropsWhenFull(t *testing.T) {
	d := newDispatcher(NewMemoryStore(), Config{QueueSize: 1})
	d.Publish(context.Background(), fundedEvent())
	d.Publish(context.Background(), fundedEvent())
	assert.Len(t, d.queue, 1)
}

func TestDispatcher_Workers(t *testing.T) {
	hook := newReceiver(t, http.StatusOK)
	store := NewMemoryStore()
	subscribe(t, store, "wh_a", alice, hook.URL)

	d := newDispatcher(store, Config{Workers: 2})
	d.Start(context.Background())
	d.Publish(context.Background(), fundedEvent())

	require.Eventually(t, func() bool { return len(hook.requests()) == 1 }, 2*time.Second, 10*time.Millisecond)
	d.Stop()
	d.Stop()
}
