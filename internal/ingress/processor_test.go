package ingress

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostrrun/internal/eventstore"
)

func setupTestProcessor(t *testing.T, backlogMax int) (*Processor, *eventstore.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := eventstore.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("eventstore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, backlogMax, nil, nil, nil), store
}

func signedEvent(t *testing.T, kind int, tags nostr.Tags, content string) *nostr.Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey() error = %v", err)
	}
	event := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := event.Sign(sk); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return event
}

func TestProcessStoresWellFormedEvent(t *testing.T) {
	p, store := setupTestProcessor(t, 100)
	event := signedEvent(t, 0, nil, `{"name":"alice"}`)

	outcome := p.Process(context.Background(), event)
	if outcome != OutcomeStored {
		t.Fatalf("Process() outcome = %v, want OutcomeStored", outcome)
	}

	row, err := store.Get(context.Background(), "cache_in", event.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if row.TableName == nil || *row.TableName != "user_profiles" {
		t.Errorf("TableName = %v, want user_profiles for kind 0", row.TableName)
	}
}

func TestProcessRejectsTamperedSignature(t *testing.T) {
	p, _ := setupTestProcessor(t, 100)
	event := signedEvent(t, 1, nil, "hello")
	event.Content = "tampered"

	if outcome := p.Process(context.Background(), event); outcome != OutcomeInvalid {
		t.Fatalf("Process() outcome = %v, want OutcomeInvalid for tampered content", outcome)
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	p, store := setupTestProcessor(t, 100)
	event := signedEvent(t, 3, nil, "")

	if outcome := p.Process(context.Background(), event); outcome != OutcomeStored {
		t.Fatalf("first Process() outcome = %v, want OutcomeStored", outcome)
	}
	if outcome := p.Process(context.Background(), event); outcome != OutcomeDuplicate {
		t.Fatalf("second Process() outcome = %v, want OutcomeDuplicate", outcome)
	}

	count, err := store.Count(context.Background(), "cache_in", 0)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Errorf("cache_in pending count = %d, want exactly 1 (Q1)", count)
	}
}

func TestProcessAppliesBackpressure(t *testing.T) {
	p, _ := setupTestProcessor(t, 2)

	for i := 0; i < 2; i++ {
		event := signedEvent(t, 1, nil, "filler")
		if outcome := p.Process(context.Background(), event); outcome != OutcomeStored {
			t.Fatalf("filler event %d outcome = %v, want OutcomeStored", i, outcome)
		}
	}

	overflow := signedEvent(t, 1, nil, "overflow")
	if outcome := p.Process(context.Background(), overflow); outcome != OutcomeBackpressureDropped {
		t.Fatalf("overflow event outcome = %v, want OutcomeBackpressureDropped (S5)", outcome)
	}
}

func TestDeriveRoutingExtractsDTag(t *testing.T) {
	tags := nostr.Tags{{"d", "  game-42  "}}
	routing := deriveRouting(31001, convertTags(tags))
	if routing.RecordUUID == nil || *routing.RecordUUID != "game-42" {
		t.Errorf("RecordUUID = %v, want trimmed game-42", routing.RecordUUID)
	}
	if routing.TableName == nil || *routing.TableName != "user_game_annotations" {
		t.Errorf("TableName = %v, want user_game_annotations", routing.TableName)
	}
}

func TestKeepForSecondsTable(t *testing.T) {
	tests := []struct {
		kind int
		want int64
	}{
		{0, 30 * 24 * 60 * 60},
		{3, 30 * 24 * 60 * 60},
		{31106, 365 * 24 * 60 * 60},
		{31107, 90 * 24 * 60 * 60},
		{31001, 120 * 24 * 60 * 60},
		{1, 14 * 24 * 60 * 60},
	}
	for _, tt := range tests {
		if got := keepForSeconds(tt.kind); got != tt.want {
			t.Errorf("keepForSeconds(%d) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
