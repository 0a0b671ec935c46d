// Package trust is the Trust Resolver: a deterministic mapping from author
// pubkey to a trust level and coarse tier, read from the locally stored
// trust-declaration table (the graph that produces that table is outside
// this core, per the runtime's scope).
package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"

	"github.com/sandwichfarm/nostrrun/internal/model"
)

// Tier thresholds on the numeric trust level. Levels are expected in a
// small positive range produced by the out-of-core trust graph; anything
// below zero is treated as an explicit block.
const (
	levelCoreMin       = 80
	levelHighMin       = 50
	levelStandardMin   = 10
	levelUnverifiedMin = 0
)

// Tier classifies a numeric trust level into its coarse tier.
func Tier(level int) model.TrustTier {
	switch {
	case level < levelUnverifiedMin:
		return model.TierBlocked
	case level >= levelCoreMin:
		return model.TierCore
	case level >= levelHighMin:
		return model.TierHigh
	case level >= levelStandardMin:
		return model.TierStandard
	default:
		return model.TierUnverified
	}
}

type cacheEntry struct {
	level    int
	tier     model.TrustTier
	cachedAt time.Time
}

// Resolver caches trust lookups for a short TTL (see New) and collapses
// concurrent lookups for the same pubkey.
type Resolver struct {
	db *sqlx.DB

	mu    sync.RWMutex
	cache map[string]cacheEntry
	ttl   time.Duration

	flight singleflight.Group
}

// New wraps the shared database handle. ttl bounds how long a resolved
// level is reused before the next Resolve call re-reads the declaration
// table; it exists to absorb bursts of concurrent ratings for the same
// rater within one ingestion tick, not as a long-lived trust cache.
func New(db *sqlx.DB, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Resolver{
		db:    db,
		cache: make(map[string]cacheEntry),
		ttl:   ttl,
	}
}

// defaultLevel is returned for a pubkey with no trust declaration on file.
const defaultLevel = 0

// Resolve returns the trust level and tier for pubkey, consulting the
// cache first, then deduplicating concurrent misses via singleflight.
func (r *Resolver) Resolve(ctx context.Context, pubkey string) (int, model.TrustTier, error) {
	if level, tier, ok := r.lookupCache(pubkey); ok {
		return level, tier, nil
	}

	result, err, _ := r.flight.Do(pubkey, func() (interface{}, error) {
		if level, tier, ok := r.lookupCache(pubkey); ok {
			return cacheEntry{level: level, tier: tier}, nil
		}

		level, err := r.queryLevel(ctx, pubkey)
		if err != nil {
			return nil, err
		}
		tier := Tier(level)

		r.mu.Lock()
		r.cache[pubkey] = cacheEntry{level: level, tier: tier, cachedAt: time.Now()}
		r.mu.Unlock()

		return cacheEntry{level: level, tier: tier}, nil
	})
	if err != nil {
		return 0, "", err
	}

	entry := result.(cacheEntry)
	return entry.level, entry.tier, nil
}

func (r *Resolver) lookupCache(pubkey string) (int, model.TrustTier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[pubkey]
	if !ok || time.Since(entry.cachedAt) > r.ttl {
		return 0, "", false
	}
	return entry.level, entry.tier, true
}

func (r *Resolver) queryLevel(ctx context.Context, pubkey string) (int, error) {
	var level int
	err := r.db.GetContext(ctx, &level, `SELECT trust_level FROM trust_declarations WHERE pubkey = ?`, pubkey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return defaultLevel, nil
		}
		return 0, fmt.Errorf("query trust level for %s: %w", pubkey, err)
	}
	return level, nil
}

// Declare upserts a trust level for pubkey, invalidating any cached entry.
func (r *Resolver) Declare(ctx context.Context, pubkey string, level int, now int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trust_declarations (pubkey, trust_level, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET trust_level = excluded.trust_level, updated_at = excluded.updated_at
	`, pubkey, level, now)
	if err != nil {
		return fmt.Errorf("declare trust level for %s: %w", pubkey, err)
	}

	r.mu.Lock()
	delete(r.cache, pubkey)
	r.mu.Unlock()
	return nil
}
