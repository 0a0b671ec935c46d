// Package subscriptions is the Subscription Manager: it computes the
// active filter set from the configured subscription kinds, the follow
// pubkey set, and a per-filter cap, and owns the single live subscription
// handle those filters drive.
package subscriptions

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostrrun/internal/ops"
	"github.com/sandwichfarm/nostrrun/internal/pool"
)

// Opener opens the live subscription for a filter set, returning a handle
// the Manager tracks and closes on the next refresh. Typically a closure
// over *pool.Pool's Subscribe that supplies the relay URLs and handlers.
type Opener func(ctx context.Context, filters nostr.Filters) *pool.SubscriptionHandle

// Manager computes filter sets and owns at most one live subscription.
type Manager struct {
	kinds     []int
	filterCap int
	opener    Opener
	logger    *ops.Logger

	mu           sync.Mutex
	handle       *pool.SubscriptionHandle
	activeKey    string
	activeFilter nostr.Filters
}

// New constructs a Manager. kinds is the fixed subscribed-kind list
// (spec.md requires at least {0, 3, 31001, 31106, 31107}); filterCap
// bounds each filter's `limit`.
func New(kinds []int, filterCap int, opener Opener, logger *ops.Logger) *Manager {
	if filterCap <= 0 {
		filterCap = 200
	}
	return &Manager{kinds: kinds, filterCap: filterCap, opener: opener, logger: logger}
}

// BuildFilters computes the active filter set from the configured kinds
// and a follow pubkey set: a baseline filter with no author restriction,
// plus (when follows is non-empty) a second filter scoped to the
// normalized follow set.
func (m *Manager) BuildFilters(follows []string) nostr.Filters {
	limit := m.filterCap
	filters := nostr.Filters{
		{Kinds: append([]int(nil), m.kinds...), Limit: limit},
	}

	authors := normalizeAuthors(follows)
	if len(authors) > 0 {
		filters = append(filters, nostr.Filter{
			Kinds:   append([]int(nil), m.kinds...),
			Authors: authors,
			Limit:   limit,
		})
	}

	return filters
}

// normalizeAuthors lowercases, dedupes, and sorts a follow pubkey set so
// the resulting filter's author list has an order-independent canonical
// form.
func normalizeAuthors(follows []string) []string {
	seen := make(map[string]bool, len(follows))
	out := make([]string, 0, len(follows))
	for _, f := range follows {
		norm := strings.ToLower(strings.TrimSpace(f))
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, norm)
	}
	sort.Strings(out)
	return out
}

// canonicalKey produces a stable, key-ordered JSON serialization of
// filters for refresh-suppression comparison (Q6).
func canonicalKey(filters nostr.Filters) string {
	type canonicalFilter struct {
		Authors []string `json:"authors,omitempty"`
		Kinds   []int    `json:"kinds,omitempty"`
		Limit   int      `json:"limit,omitempty"`
	}
	out := make([]canonicalFilter, len(filters))
	for i, f := range filters {
		authors := append([]string(nil), f.Authors...)
		sort.Strings(authors)
		kinds := append([]int(nil), f.Kinds...)
		sort.Ints(kinds)
		out[i] = canonicalFilter{Authors: authors, Kinds: kinds, Limit: f.Limit}
	}
	data, _ := json.Marshal(out)
	return string(data)
}

// Refresh recomputes the filter set from follows and, if it differs from
// the currently active set (or force is true), closes any prior
// subscription handle and opens a new one.
func (m *Manager) Refresh(ctx context.Context, follows []string, force bool) {
	filters := m.BuildFilters(follows)
	key := canonicalKey(filters)

	m.mu.Lock()
	unchanged := !force && key == m.activeKey && m.handle != nil
	if unchanged {
		m.mu.Unlock()
		if m.logger != nil {
			m.logger.LogSubscriptionRefresh(false, len(filters))
		}
		return
	}

	prior := m.handle
	m.handle = nil
	m.mu.Unlock()

	if prior != nil {
		prior.Close()
	}

	newHandle := m.opener(ctx, filters)

	m.mu.Lock()
	m.handle = newHandle
	m.activeKey = key
	m.activeFilter = filters
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.LogSubscriptionRefresh(true, len(filters))
	}
}

// Close tears down any active subscription handle.
func (m *Manager) Close() {
	m.mu.Lock()
	handle := m.handle
	m.handle = nil
	m.mu.Unlock()
	if handle != nil {
		handle.Close()
	}
}

// ActiveFilters returns the filter set last successfully applied.
func (m *Manager) ActiveFilters() nostr.Filters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeFilter
}
