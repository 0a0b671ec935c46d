package egress

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostrrun/internal/eventstore"
	"github.com/sandwichfarm/nostrrun/internal/model"
	"github.com/sandwichfarm/nostrrun/internal/pool"
)

// fakePublisher accepts every publish unless told to reject.
type fakePublisher struct {
	mu      sync.Mutex
	reject  bool
	calls   int
}

func (f *fakePublisher) Publish(ctx context.Context, urls []string, event nostr.Event) pool.PublishOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.reject {
		return pool.PublishOutcome{Success: false, PerURL: map[string]pool.RelayOutcome{}}
	}
	return pool.PublishOutcome{Success: true, PerURL: map[string]pool.RelayOutcome{urls[0]: {Accepted: true}}}
}

func oneActiveURL() []string { return []string{"wss://relay.test"} }
func noActiveURLs() []string { return nil }

func setupTestDispatcher(t *testing.T, publisher Publisher, limits model.ResourceLimits) (*Dispatcher, *eventstore.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := eventstore.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("eventstore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	d := New(store, publisher, oneActiveURL, limits, 1_000_000, 60*time.Second, 300*time.Second, nil)
	return d, store
}

func enqueueOutgoing(t *testing.T, store *eventstore.Store, id string) {
	t.Helper()
	row := model.Event{ID: id, Kind: 1, Pubkey: "pk", CreatedAt: 1000, Content: "hi", Sig: "sig-" + id}
	if _, err := store.Enqueue(context.Background(), model.QueueCacheOut, row, model.StatusPending, nil, model.Routing{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
}

func TestFlushPublishesAndArchivesAllRows(t *testing.T) {
	limits := model.ResourceLimits{OutgoingPerMinute: 5, MessageRateUnits: 1000, MessageRateWindowSeconds: 60}
	d, store := setupTestDispatcher(t, &fakePublisher{}, limits)

	for _, id := range []string{"a", "b", "c"} {
		enqueueOutgoing(t, store, id)
	}

	progressed := d.Flush(context.Background())
	if progressed != 3 {
		t.Fatalf("Flush() progressed = %d, want 3", progressed)
	}

	pending, err := store.Count(context.Background(), model.QueueCacheOut, model.StatusPending)
	if err != nil {
		t.Fatalf("Count(cache_out) error = %v", err)
	}
	if pending != 0 {
		t.Errorf("cache_out pending = %d, want 0 (S1)", pending)
	}

	for _, id := range []string{"a", "b", "c"} {
		row, err := store.Get(context.Background(), model.QueueStoreOut, id)
		if err != nil {
			t.Fatalf("Get(store_out, %s) error = %v", id, err)
		}
		if row.ProcStatus != model.StatusDone {
			t.Errorf("row %s proc_status = %v, want done (S1)", id, row.ProcStatus)
		}
	}
}

func TestFlushThrottlesAfterCreditExhaustion(t *testing.T) {
	limits := model.ResourceLimits{OutgoingPerMinute: 10, MessageRateUnits: 2, MessageRateWindowSeconds: 60}
	d, store := setupTestDispatcher(t, &fakePublisher{}, limits)

	for i := 0; i < 10; i++ {
		enqueueOutgoing(t, store, string(rune('a'+i)))
	}

	d.Flush(context.Background())

	storeOutCount, err := store.Count(context.Background(), model.QueueStoreOut, model.StatusDone)
	if err != nil {
		t.Fatalf("Count(store_out) error = %v", err)
	}
	if storeOutCount != 2 {
		t.Errorf("store_out done count = %d, want exactly 2 (S2)", storeOutCount)
	}

	pending, err := store.Count(context.Background(), model.QueueCacheOut, model.StatusPending)
	if err != nil {
		t.Fatalf("Count(cache_out pending) error = %v", err)
	}
	if pending != 8 {
		t.Errorf("cache_out pending = %d, want 8 remaining (S2)", pending)
	}

	snap := d.Snapshot()
	if snap.ThrottleUntil.IsZero() {
		t.Error("ThrottleUntil not set after credit exhaustion (S2)")
	}
	if time.Until(snap.ThrottleUntil) < 59*time.Second {
		t.Errorf("ThrottleUntil = %v, want at least ~60s out (S2)", snap.ThrottleUntil)
	}
}

func TestFlushSkipsWhenNoActiveRelays(t *testing.T) {
	limits := model.ResourceLimits{OutgoingPerMinute: 5, MessageRateUnits: 1000, MessageRateWindowSeconds: 60}
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := eventstore.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("eventstore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	d := New(store, &fakePublisher{}, noActiveURLs, limits, 1_000_000, 60*time.Second, 300*time.Second, nil)
	enqueueOutgoing(t, store, "a")

	if progressed := d.Flush(context.Background()); progressed != 0 {
		t.Errorf("Flush() with no active relays progressed = %d, want 0", progressed)
	}
}

func TestFlushFailsRowWithoutSignature(t *testing.T) {
	limits := model.ResourceLimits{OutgoingPerMinute: 5, MessageRateUnits: 1000, MessageRateWindowSeconds: 60}
	d, store := setupTestDispatcher(t, &fakePublisher{}, limits)

	row := model.Event{ID: "unsigned", Kind: 1, Pubkey: "pk", CreatedAt: 1000, Content: "hi"}
	if _, err := store.Enqueue(context.Background(), model.QueueCacheOut, row, model.StatusPending, nil, model.Routing{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	d.Flush(context.Background())

	got, err := store.Get(context.Background(), model.QueueCacheOut, "unsigned")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ProcStatus != model.StatusFailed {
		t.Errorf("proc_status = %v, want failed for a row without a signature", got.ProcStatus)
	}
}

func TestFlushRetriesOnPublishFailure(t *testing.T) {
	limits := model.ResourceLimits{OutgoingPerMinute: 5, MessageRateUnits: 1000, MessageRateWindowSeconds: 60}
	d, store := setupTestDispatcher(t, &fakePublisher{reject: true}, limits)
	enqueueOutgoing(t, store, "a")

	d.Flush(context.Background())

	got, err := store.Get(context.Background(), model.QueueCacheOut, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ProcStatus != model.StatusPending {
		t.Errorf("proc_status = %v, want pending after a publish failure (retry on next tick)", got.ProcStatus)
	}
}

func TestRecoverStaleDemotesOldInFlightRows(t *testing.T) {
	limits := model.ResourceLimits{OutgoingPerMinute: 5, MessageRateUnits: 1000, MessageRateWindowSeconds: 60}
	d, store := setupTestDispatcher(t, &fakePublisher{}, limits)
	enqueueOutgoing(t, store, "stale")

	past := time.Now().Add(-time.Hour).Unix()
	if err := store.UpdateStatus(context.Background(), model.QueueCacheOut, "stale", model.StatusInFlight, past); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	recovered, err := d.RecoverStale(context.Background())
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if recovered != 1 {
		t.Fatalf("RecoverStale() recovered = %d, want 1", recovered)
	}

	got, err := store.Get(context.Background(), model.QueueCacheOut, "stale")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ProcStatus != model.StatusPending {
		t.Errorf("proc_status = %v, want pending after recovery sweep", got.ProcStatus)
	}
}
