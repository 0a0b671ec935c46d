// Package egress is the Egress Dispatcher: it drives the cache_out state
// machine (pending → in-flight → done → store_out), enforces a windowed
// credit-based publish rate, and recovers rows stranded in-flight across
// a restart.
package egress

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostrrun/internal/eventstore"
	"github.com/sandwichfarm/nostrrun/internal/model"
	"github.com/sandwichfarm/nostrrun/internal/ops"
	"github.com/sandwichfarm/nostrrun/internal/pool"
)

// Publisher broadcasts an event to a relay set and reports the per-relay
// outcome. Satisfied by *pool.Pool.
type Publisher interface {
	Publish(ctx context.Context, urls []string, event nostr.Event) pool.PublishOutcome
}

// creditEntry is one (timestamp, units) credit-window entry.
type creditEntry struct {
	at    time.Time
	units int
}

// Dispatcher is the Egress Dispatcher.
type Dispatcher struct {
	store      *eventstore.Store
	publisher  Publisher
	activeURLs func() []string
	limits     model.ResourceLimits
	unitSize   int
	cooldown   time.Duration
	recovery   time.Duration
	logger     *ops.Logger
	now        func() time.Time

	mu            sync.Mutex
	flushing      bool
	credits       []creditEntry
	throttleUntil time.Time
}

// New constructs a Dispatcher. activeURLs returns the currently connected
// relay set on each call; a nil or empty result short-circuits Flush.
func New(store *eventstore.Store, publisher Publisher, activeURLs func() []string, limits model.ResourceLimits, unitSizeBytes int, throttleCooldown, recoveryThreshold time.Duration, logger *ops.Logger) *Dispatcher {
	if unitSizeBytes <= 0 {
		unitSizeBytes = 256
	}
	if throttleCooldown <= 0 {
		throttleCooldown = 60 * time.Second
	}
	if recoveryThreshold <= 0 {
		recoveryThreshold = 300 * time.Second
	}
	return &Dispatcher{
		store:      store,
		publisher:  publisher,
		activeURLs: activeURLs,
		limits:     limits,
		unitSize:   unitSizeBytes,
		cooldown:   throttleCooldown,
		recovery:   recoveryThreshold,
		logger:     logger,
		now:        time.Now,
	}
}

// Snapshot is the externally observable egress state: whether a flush is
// running, the throttle deadline, and the credits used in the window.
type Snapshot struct {
	Flushing      bool
	ThrottleUntil time.Time
	UsedCredits   int
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		Flushing:      d.flushing,
		ThrottleUntil: d.throttleUntil,
		UsedCredits:   d.usedCreditsLocked(),
	}
}

// Flush runs one flush cycle: early-exit guards, credit-window trim,
// bounded row selection, and per-row publish/throttle/retry handling.
// Returns the number of rows that progressed (published or failed
// terminally) so a caller can decide whether to refresh stats.
func (d *Dispatcher) Flush(ctx context.Context) int {
	d.mu.Lock()
	if d.flushing || d.now().Before(d.throttleUntil) {
		d.mu.Unlock()
		return 0
	}
	if len(d.activeURLs()) == 0 {
		d.mu.Unlock()
		return 0
	}
	d.flushing = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.flushing = false
		d.mu.Unlock()
	}()

	d.trimCredits()

	rows, err := d.store.ListByStatus(ctx, model.QueueCacheOut, model.StatusPending, d.limits.OutgoingPerMinute)
	if err != nil {
		return 0
	}

	progressed, published, failed, throttled := 0, 0, 0, false

	for _, row := range rows {
		if row.Sig == "" {
			_ = d.store.UpdateStatus(ctx, model.QueueCacheOut, row.ID, model.StatusFailed, d.nowUnix())
			failed++
			progressed++
			continue
		}

		event := toNostrEvent(row)
		serialized, err := json.Marshal(event)
		if err != nil {
			_ = d.store.UpdateStatus(ctx, model.QueueCacheOut, row.ID, model.StatusFailed, d.nowUnix())
			failed++
			progressed++
			continue
		}
		units := int(math.Ceil(float64(len(serialized)) / float64(d.unitSize)))

		d.mu.Lock()
		if d.usedCreditsLocked()+units > d.limits.MessageRateUnits {
			d.throttleUntil = d.now().Add(d.cooldown)
			d.mu.Unlock()
			throttled = true
			if d.logger != nil {
				d.logger.LogThrottle(d.throttleUntil)
			}
			break
		}
		d.mu.Unlock()

		if err := d.store.UpdateStatus(ctx, model.QueueCacheOut, row.ID, model.StatusInFlight, d.nowUnix()); err != nil {
			continue
		}

		outcome := d.publisher.Publish(ctx, d.activeURLs(), event)
		if outcome.Success {
			if err := d.store.UpdateStatus(ctx, model.QueueCacheOut, row.ID, model.StatusDone, d.nowUnix()); err != nil {
				continue
			}
			if err := d.store.Move(ctx, model.QueueCacheOut, model.QueueStoreOut, row.ID); err != nil {
				continue
			}
			d.mu.Lock()
			d.credits = append(d.credits, creditEntry{at: d.now(), units: units})
			d.mu.Unlock()
			published++
			progressed++
			continue
		}

		_ = d.store.UpdateStatus(ctx, model.QueueCacheOut, row.ID, model.StatusPending, d.nowUnix())
	}

	if d.logger != nil && (progressed > 0 || throttled) {
		d.logger.LogEgressFlush(len(rows), published, failed, throttled)
	}

	return progressed
}

// RecoverStale demotes cache_out rows stuck in in-flight(1) whose
// proc_at predates the recovery threshold back to pending(0), for a
// restart after an ungraceful shutdown.
func (d *Dispatcher) RecoverStale(ctx context.Context) (int, error) {
	rows, err := d.store.ListByStatus(ctx, model.QueueCacheOut, model.StatusInFlight, 1<<20)
	if err != nil {
		return 0, err
	}

	cutoff := d.nowUnix() - int64(d.recovery.Seconds())
	recovered := 0
	for _, row := range rows {
		if row.ProcAt == nil || *row.ProcAt >= cutoff {
			continue
		}
		if err := d.store.UpdateStatus(ctx, model.QueueCacheOut, row.ID, model.StatusPending, d.nowUnix()); err != nil {
			return recovered, err
		}
		recovered++
	}

	if recovered > 0 && d.logger != nil {
		d.logger.LogRecoverySweep(recovered)
	}
	return recovered, nil
}

func (d *Dispatcher) trimCredits() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-time.Duration(d.limits.MessageRateWindowSeconds) * time.Second)
	kept := d.credits[:0]
	for _, c := range d.credits {
		if c.at.After(cutoff) {
			kept = append(kept, c)
		}
	}
	d.credits = kept
}

// usedCreditsLocked must be called with d.mu held.
func (d *Dispatcher) usedCreditsLocked() int {
	total := 0
	for _, c := range d.credits {
		total += c.units
	}
	return total
}

func (d *Dispatcher) nowUnix() int64 {
	return d.now().Unix()
}

func toNostrEvent(row model.Event) nostr.Event {
	tags := make(nostr.Tags, len(row.Tags))
	for i, t := range row.Tags {
		tags[i] = nostr.Tag(t)
	}
	return nostr.Event{
		ID:        row.ID,
		PubKey:    row.Pubkey,
		CreatedAt: nostr.Timestamp(row.CreatedAt),
		Kind:      row.Kind,
		Tags:      tags,
		Content:   row.Content,
		Sig:       row.Sig,
	}
}
