package subscriptions

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostrrun/internal/pool"
)

func countingOpener(t *testing.T, opens *int) Opener {
	t.Helper()
	p := pool.New(nil, nil, nil, 0, 0)
	return func(ctx context.Context, filters nostr.Filters) *pool.SubscriptionHandle {
		*opens++
		// An empty URL set yields a live, closable handle with no relay
		// goroutines behind it.
		return p.Subscribe(ctx, nil, filters, pool.Handlers{})
	}
}

func TestBuildFiltersIncludesBaselineAndFollowScoped(t *testing.T) {
	m := New([]int{0, 3, 31001}, 200, nil, nil)

	filters := m.BuildFilters(nil)
	if len(filters) != 1 {
		t.Fatalf("len(filters) = %d, want 1 (baseline only) when no follows", len(filters))
	}

	filters = m.BuildFilters([]string{"ABC123", "abc123", "def456"})
	if len(filters) != 2 {
		t.Fatalf("len(filters) = %d, want 2 (baseline + follow-scoped)", len(filters))
	}
	if len(filters[1].Authors) != 2 {
		t.Errorf("follow-scoped authors = %v, want deduped to 2 entries", filters[1].Authors)
	}
	for _, a := range filters[1].Authors {
		if a != "abc123" && a != "def456" {
			t.Errorf("unexpected author %q, want normalized lowercase hex", a)
		}
	}
}

func TestRefreshSuppressesUnchangedInputs(t *testing.T) {
	opens := 0
	m := New([]int{0, 3, 31001}, 200, countingOpener(t, &opens), nil)

	m.Refresh(context.Background(), []string{"abc123"}, false)
	if opens != 1 {
		t.Fatalf("opens = %d, want 1 after first refresh", opens)
	}

	m.Refresh(context.Background(), []string{"abc123"}, false)
	if opens != 1 {
		t.Fatalf("opens = %d, want still 1 after unchanged refresh (Q6)", opens)
	}

	m.Refresh(context.Background(), []string{"abc123", "def456"}, false)
	if opens != 2 {
		t.Fatalf("opens = %d, want 2 after follow-set change", opens)
	}
}

func TestRefreshForceReopensEvenIfUnchanged(t *testing.T) {
	opens := 0
	m := New([]int{0, 3, 31001}, 200, countingOpener(t, &opens), nil)

	m.Refresh(context.Background(), []string{"abc123"}, false)
	m.Refresh(context.Background(), []string{"abc123"}, true)

	if opens != 2 {
		t.Fatalf("opens = %d, want 2 when force=true on unchanged inputs", opens)
	}
}

func TestCanonicalKeyIgnoresAuthorOrder(t *testing.T) {
	m := New([]int{0, 3}, 200, nil, nil)
	a := m.BuildFilters([]string{"aaa", "bbb"})
	b := m.BuildFilters([]string{"bbb", "aaa"})

	if canonicalKey(a) != canonicalKey(b) {
		t.Errorf("canonicalKey should be order-independent: %q != %q", canonicalKey(a), canonicalKey(b))
	}
}
