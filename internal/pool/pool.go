// Package pool is the Connection Pool: it owns websocket sessions to a
// controller-specified set of relay URLs and exposes three primitives —
// connect, subscribe, publish — with per-URL exponential backoff, EOSE
// coalescing, and cross-relay event dedup.
package pool

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostrrun/internal/ops"
	"github.com/sandwichfarm/nostrrun/internal/relays"
)

// Subscription is the narrow surface CP needs from a live subscription,
// satisfied in production by liveSubscription (an adapter over
// *nostr.Subscription) and by a fake in tests.
type Subscription interface {
	Events() <-chan *nostr.Event
	EndOfStoredEvents() <-chan struct{}
	Close()
}

// RelayConn is the narrow surface CP needs from a connected relay,
// satisfied in production by liveRelayConn (an adapter over *nostr.Relay)
// and by a fake in tests.
type RelayConn interface {
	Subscribe(ctx context.Context, filters nostr.Filters) (Subscription, error)
	Publish(ctx context.Context, event nostr.Event) error
	Close() error
}

// Dialer opens a RelayConn to url. Injected so tests can substitute a
// fake transport instead of a real websocket.
type Dialer func(ctx context.Context, url string) (RelayConn, error)

// Handlers are the callbacks a Subscribe caller receives.
type Handlers struct {
	OnEvent func(relayURL string, event *nostr.Event)
	OnEOSE  func()
}

type relaySlot struct {
	conn        RelayConn
	backoff     time.Duration
	nextAttempt time.Time
}

// Pool maintains one relaySlot per currently-desired URL.
type Pool struct {
	dialer     Dialer
	registry   *relays.Registry
	logger     *ops.Logger
	backoffMin time.Duration
	backoffCap time.Duration

	mu    sync.Mutex
	slots map[string]*relaySlot
}

// New constructs a Pool. backoffMin/backoffCap bound the per-URL
// exponential-backoff-with-full-jitter schedule (defaults 2s/60s per
// spec if zero).
func New(dialer Dialer, registry *relays.Registry, logger *ops.Logger, backoffMin, backoffCap time.Duration) *Pool {
	if backoffMin <= 0 {
		backoffMin = 2 * time.Second
	}
	if backoffCap <= 0 {
		backoffCap = 60 * time.Second
	}
	return &Pool{
		dialer:     dialer,
		registry:   registry,
		logger:     logger,
		backoffMin: backoffMin,
		backoffCap: backoffCap,
		slots:      make(map[string]*relaySlot),
	}
}

// Connect synchronizes the active connection set to exactly urls: sessions
// for URLs not present are opened (subject to backoff), and sessions for
// URLs no longer present are closed and discarded.
func (p *Pool) Connect(ctx context.Context, urls []string) {
	want := make(map[string]bool, len(urls))
	for _, u := range urls {
		want[u] = true
	}

	p.mu.Lock()
	var toClose []string
	for url := range p.slots {
		if !want[url] {
			toClose = append(toClose, url)
		}
	}
	p.mu.Unlock()

	for _, url := range toClose {
		p.discard(url)
	}

	for _, url := range urls {
		if _, err := p.ensureConnected(ctx, url); err != nil && p.logger != nil {
			p.logger.LogRelayConnection(url, false, err)
		}
	}
}

// ConnectedURLs returns the URLs currently holding a live connection.
func (p *Pool) ConnectedURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	urls := make([]string, 0, len(p.slots))
	for url, slot := range p.slots {
		if slot.conn != nil {
			urls = append(urls, url)
		}
	}
	return urls
}

// Disconnect closes every live connection and clears the desired set,
// for a mode switch to offline.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	urls := make([]string, 0, len(p.slots))
	for url := range p.slots {
		urls = append(urls, url)
	}
	p.mu.Unlock()

	for _, url := range urls {
		p.discard(url)
	}
}

func (p *Pool) discard(url string) {
	p.mu.Lock()
	slot, ok := p.slots[url]
	delete(p.slots, url)
	p.mu.Unlock()
	if ok && slot.conn != nil {
		slot.conn.Close()
	}
}

func (p *Pool) ensureConnected(ctx context.Context, url string) (RelayConn, error) {
	p.mu.Lock()
	slot, ok := p.slots[url]
	if !ok {
		slot = &relaySlot{}
		p.slots[url] = slot
	}
	if slot.conn != nil {
		conn := slot.conn
		p.mu.Unlock()
		return conn, nil
	}
	if !slot.nextAttempt.IsZero() && time.Now().Before(slot.nextAttempt) {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: %s in backoff until %s", url, slot.nextAttempt.Format(time.RFC3339))
	}
	p.mu.Unlock()

	conn, err := p.dialer(ctx, url)
	if err != nil {
		p.recordFailure(url, slot)
		return nil, fmt.Errorf("pool: dial %s: %w", url, err)
	}

	p.mu.Lock()
	slot.conn = conn
	slot.backoff = 0
	slot.nextAttempt = time.Time{}
	p.mu.Unlock()

	if p.registry != nil {
		_ = p.registry.RecordSuccess(ctx, url, time.Now().Unix())
	}
	if p.logger != nil {
		p.logger.LogRelayConnection(url, true, nil)
	}
	return conn, nil
}

func (p *Pool) recordFailure(url string, slot *relaySlot) {
	p.mu.Lock()
	if slot.backoff == 0 {
		slot.backoff = p.backoffMin
	} else {
		slot.backoff *= 2
		if slot.backoff > p.backoffCap {
			slot.backoff = p.backoffCap
		}
	}
	slot.nextAttempt = time.Now().Add(fullJitter(slot.backoff))
	p.mu.Unlock()

	if p.registry != nil {
		_ = p.registry.RecordFailure(context.Background(), url, time.Now().Unix())
	}
}

// fullJitter returns a random duration in [0, d), the full-jitter backoff
// strategy: spreads retries across the whole window instead of a fixed
// delay, avoiding synchronized reconnect storms across many pool
// instances hitting the same relay.
func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(d)))
	if err != nil {
		return d
	}
	return time.Duration(n.Int64())
}

// onEventFailure records a terminal failure for url without attempting a
// reconnect; used by Subscribe/Publish when an already-open connection
// errors mid-operation.
func (p *Pool) onEventFailure(url string) {
	p.mu.Lock()
	slot, ok := p.slots[url]
	if ok {
		slot.conn = nil
	}
	p.mu.Unlock()
	if ok {
		p.recordFailure(url, slot)
	}
}

func (p *Pool) onEventSuccess(ctx context.Context, url string) {
	if p.registry != nil {
		_ = p.registry.RecordSuccess(ctx, url, time.Now().Unix())
	}
}
