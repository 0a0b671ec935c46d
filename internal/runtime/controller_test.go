package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostrrun/internal/egress"
	"github.com/sandwichfarm/nostrrun/internal/eventstore"
	"github.com/sandwichfarm/nostrrun/internal/model"
	"github.com/sandwichfarm/nostrrun/internal/pool"
	"github.com/sandwichfarm/nostrrun/internal/relays"
	"github.com/sandwichfarm/nostrrun/internal/subscriptions"
)

// fakeSubscription and fakeConn mirror the doubles internal/pool's own
// tests use, reimplemented here since they're unexported there.
type fakeSubscription struct {
	events chan *nostr.Event
	eose   chan struct{}
}

func (s *fakeSubscription) Events() <-chan *nostr.Event       { return s.events }
func (s *fakeSubscription) EndOfStoredEvents() <-chan struct{} { return s.eose }
func (s *fakeSubscription) Close()                            {}

type fakeConn struct {
	mu   sync.Mutex
	subs []*fakeSubscription
}

func (c *fakeConn) Subscribe(ctx context.Context, filters nostr.Filters) (pool.Subscription, error) {
	sub := &fakeSubscription{events: make(chan *nostr.Event, 4), eose: make(chan struct{}, 1)}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	sub.eose <- struct{}{}
	return sub, nil
}

func (c *fakeConn) Publish(ctx context.Context, event nostr.Event) error { return nil }
func (c *fakeConn) Close() error                                        { return nil }

func fakeDialer(conns map[string]*fakeConn) pool.Dialer {
	return func(ctx context.Context, url string) (pool.RelayConn, error) {
		conn, ok := conns[url]
		if !ok {
			return nil, errors.New("no fake conn for " + url)
		}
		return conn, nil
	}
}

type testHarness struct {
	controller *Controller
	store      *eventstore.Store
	registry   *relays.Registry
	cp         *pool.Pool
	sm         *subscriptions.Manager
}

func setupTestController(t *testing.T, seeds []string) *testHarness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := eventstore.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("eventstore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := relays.New(store.DB())
	for _, seed := range seeds {
		if err := registry.Upsert(context.Background(), model.Relay{URL: seed, Read: true, Write: true}); err != nil {
			t.Fatalf("Upsert(%q) error = %v", seed, err)
		}
	}

	conns := make(map[string]*fakeConn, len(seeds))
	for _, seed := range seeds {
		conns[seed] = &fakeConn{}
	}
	cp := pool.New(fakeDialer(conns), registry, nil, time.Millisecond, time.Millisecond)

	sm := subscriptions.New([]int{0, 3, 31001}, 200, func(ctx context.Context, filters nostr.Filters) *pool.SubscriptionHandle {
		return cp.Subscribe(ctx, cp.ConnectedURLs(), filters, pool.Handlers{})
	}, nil)

	ed := egress.New(store, noopPublisher{}, cp.ConnectedURLs, model.ResourceLimits{OutgoingPerMinute: 50, MessageRateUnits: 1000, MessageRateWindowSeconds: 60}, 1000, 60*time.Second, 300*time.Second, nil)

	limits := model.ResourceLimits{OutgoingPerMinute: 50, MessageRateUnits: 1000, MessageRateWindowSeconds: 60, IncomingBacklogMax: 1000}
	timers := Timers{}
	c := New(store, registry, cp, sm, ed, seeds, timers, limits, nil)

	return &testHarness{controller: c, store: store, registry: registry, cp: cp, sm: sm}
}

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, urls []string, event nostr.Event) pool.PublishOutcome {
	return pool.PublishOutcome{Success: true, PerURL: map[string]pool.RelayOutcome{}}
}

func TestStartIsIdempotent(t *testing.T) {
	h := setupTestController(t, []string{"wss://a", "wss://b", "wss://c"})
	ctx := context.Background()

	if err := h.controller.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.controller.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	snap, err := h.controller.GetStatusSnapshot(ctx)
	if err != nil {
		t.Fatalf("GetStatusSnapshot() error = %v", err)
	}
	if snap.Mode != string(ModeOnline) {
		t.Errorf("Mode = %q, want online after Start", snap.Mode)
	}
	if snap.Runtime.ConnectedRelays != 3 {
		t.Errorf("ConnectedRelays = %d, want 3", snap.Runtime.ConnectedRelays)
	}

	h.controller.Shutdown(false)
	h.controller.Shutdown(false) // idempotent
}

func TestSetModeRejectsUnknownValue(t *testing.T) {
	h := setupTestController(t, []string{"wss://a"})
	err := h.controller.SetMode(context.Background(), "sideways")
	if !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("SetMode(%q) error = %v, want ErrUnknownMode", "sideways", err)
	}
}

// TestModeToggleDisconnectsAndReconnectsSameRelaySet covers the online
// -> offline -> online toggle: going offline closes the subscription and
// drops every pool connection, and the subsequent online transition
// reconnects to the same relay set and reopens an equivalent subscription.
func TestModeToggleDisconnectsAndReconnectsSameRelaySet(t *testing.T) {
	seeds := []string{"wss://a", "wss://b", "wss://c"}
	h := setupTestController(t, seeds)
	ctx := context.Background()

	if err := h.controller.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	snapBefore, err := h.controller.GetStatusSnapshot(ctx)
	if err != nil {
		t.Fatalf("GetStatusSnapshot() error = %v", err)
	}
	if snapBefore.Runtime.ConnectedRelays != 3 {
		t.Fatalf("ConnectedRelays = %d, want 3 before toggle", snapBefore.Runtime.ConnectedRelays)
	}
	filtersBefore := h.sm.ActiveFilters()

	if err := h.controller.SetMode(ctx, string(ModeOffline)); err != nil {
		t.Fatalf("SetMode(offline) error = %v", err)
	}

	snapOffline, err := h.controller.GetStatusSnapshot(ctx)
	if err != nil {
		t.Fatalf("GetStatusSnapshot() error = %v", err)
	}
	if snapOffline.Mode != string(ModeOffline) {
		t.Errorf("Mode = %q, want offline", snapOffline.Mode)
	}
	if snapOffline.Runtime.ConnectedRelays != 0 {
		t.Errorf("ConnectedRelays = %d, want 0 after going offline", snapOffline.Runtime.ConnectedRelays)
	}

	if err := h.controller.SetMode(ctx, string(ModeOnline)); err != nil {
		t.Fatalf("SetMode(online) error = %v", err)
	}

	snapAfter, err := h.controller.GetStatusSnapshot(ctx)
	if err != nil {
		t.Fatalf("GetStatusSnapshot() error = %v", err)
	}
	if snapAfter.Mode != string(ModeOnline) {
		t.Errorf("Mode = %q, want online after re-toggle", snapAfter.Mode)
	}
	if snapAfter.Runtime.ConnectedRelays != 3 {
		t.Errorf("ConnectedRelays = %d, want 3 after reconnect", snapAfter.Runtime.ConnectedRelays)
	}

	filtersAfter := h.sm.ActiveFilters()
	if canonicalFilterJSON(filtersBefore) != canonicalFilterJSON(filtersAfter) {
		t.Errorf("filter set changed across mode toggle: before=%s after=%s", canonicalFilterJSON(filtersBefore), canonicalFilterJSON(filtersAfter))
	}
}

func canonicalFilterJSON(filters nostr.Filters) string {
	data, err := json.Marshal(filters)
	if err != nil {
		return ""
	}
	return string(data)
}
