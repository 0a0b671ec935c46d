package eventstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sandwichfarm/nostrrun/internal/model"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEvent(id string) model.Event {
	return model.Event{
		ID:        id,
		Kind:      31001,
		Pubkey:    "abc123",
		CreatedAt: 1000,
		Tags:      model.Tags{{"d", "game-1"}},
		Content:   `{"overall":8}`,
		Sig:       "sig",
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	inserted, err := s.Enqueue(ctx, model.QueueCacheIn, sampleEvent("e1"), model.StatusPending, nil, model.Routing{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !inserted {
		t.Fatal("expected first enqueue to report inserted=true")
	}

	inserted, err = s.Enqueue(ctx, model.QueueCacheIn, sampleEvent("e1"), model.StatusPending, nil, model.Routing{})
	if err != nil {
		t.Fatalf("Enqueue() second call error = %v", err)
	}
	if inserted {
		t.Fatal("expected re-insert of same id to report inserted=false")
	}
}

func TestMoveIsAtomicAndConservesRows(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	if _, err := s.Enqueue(ctx, model.QueueCacheOut, sampleEvent("e2"), model.StatusDone, nil, model.Routing{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := s.Move(ctx, model.QueueCacheOut, model.QueueStoreOut, "e2"); err != nil {
		t.Fatalf("Move() error = %v", err)
	}

	if _, err := s.Get(ctx, model.QueueCacheOut, "e2"); err != ErrNotFound {
		t.Fatalf("expected row gone from source queue, got err = %v", err)
	}

	moved, err := s.Get(ctx, model.QueueStoreOut, "e2")
	if err != nil {
		t.Fatalf("Get() from destination error = %v", err)
	}
	if moved.ID != "e2" {
		t.Errorf("moved.ID = %q, want e2", moved.ID)
	}

	srcCount, err := s.Count(ctx, model.QueueCacheOut, anyStatus)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	dstCount, err := s.Count(ctx, model.QueueStoreOut, anyStatus)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if srcCount+dstCount != 1 {
		t.Errorf("conservation violated: srcCount=%d dstCount=%d, want sum 1", srcCount, dstCount)
	}
}

func TestMoveMissingRowReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	if err := s.Move(ctx, model.QueueCacheOut, model.QueueStoreOut, "missing"); err != ErrNotFound {
		t.Fatalf("Move() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateStatusAndListByStatus(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Enqueue(ctx, model.QueueCacheOut, sampleEvent(id), model.StatusPending, nil, model.Routing{}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}

	if err := s.UpdateStatus(ctx, model.QueueCacheOut, "a", model.StatusInFlight, 2000); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	pending, err := s.ListByStatus(ctx, model.QueueCacheOut, model.StatusPending, 10)
	if err != nil {
		t.Fatalf("ListByStatus() error = %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("len(pending) = %d, want 2", len(pending))
	}

	inFlight, err := s.ListByStatus(ctx, model.QueueCacheOut, model.StatusInFlight, 10)
	if err != nil {
		t.Fatalf("ListByStatus() error = %v", err)
	}
	if len(inFlight) != 1 || inFlight[0].ID != "a" {
		t.Errorf("inFlight = %+v, want single row a", inFlight)
	}
}

func TestListByStatusRoundTripsTags(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	if _, err := s.Enqueue(ctx, model.QueueCacheIn, sampleEvent("tagged"), model.StatusPending, nil, model.Routing{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	rows, err := s.ListByStatus(ctx, model.QueueCacheIn, model.StatusPending, 10)
	if err != nil {
		t.Fatalf("ListByStatus() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if d, ok := rows[0].Tags.First("d"); !ok || d != "game-1" {
		t.Errorf("Tags.First(d) = (%q, %v), want (game-1, true)", d, ok)
	}
}
