// Package relays is the Relay Registry: the catalog of known relay URLs,
// their connection policy flags, and their rolling health state.
package relays

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/sandwichfarm/nostrrun/internal/model"
)

// Health is the coarse tier derived from a relay's consecutive failure
// count, mirroring a traffic-light convention.
type Health string

const (
	HealthGreen  Health = "green"
	HealthYellow Health = "yellow"
	HealthRed    Health = "red"
)

// HealthFor classifies a consecutive-failure count into a Health tier.
func HealthFor(consecutiveFailures int) Health {
	switch {
	case consecutiveFailures <= 2:
		return HealthGreen
	case consecutiveFailures < 10:
		return HealthYellow
	default:
		return HealthRed
	}
}

// Worst returns the most severe of the given health states.
func Worst(states ...Health) Health {
	worst := HealthGreen
	for _, s := range states {
		if s == HealthRed {
			return HealthRed
		}
		if s == HealthYellow {
			worst = HealthYellow
		}
	}
	return worst
}

// Filter narrows List's result set. A nil/empty field means "no
// constraint" on that dimension.
type Filter struct {
	ReadOnly bool // when true, only read=true rows are returned
}

// Registry is the Relay Registry, backed by the shared sqlite database.
type Registry struct {
	db *sqlx.DB
}

// New wraps an already-open database handle (shared with eventstore).
func New(db *sqlx.DB) *Registry {
	return &Registry{db: db}
}

// Canonicalize trims, lowercases the scheme/host, and validates that url
// is a ws:// or wss:// relay address.
func Canonicalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("relays: empty url")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("relays: invalid url %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("relays: %q must use ws:// or wss://", raw)
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

// List returns every relay matching filter, ordered by (priority DESC,
// url ASC).
func (r *Registry) List(ctx context.Context, filter Filter) ([]model.Relay, error) {
	query := `SELECT * FROM relays`
	if filter.ReadOnly {
		query += ` WHERE read = 1`
	}
	query += ` ORDER BY priority DESC, url ASC`

	var rows []model.Relay
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list relays: %w", err)
	}
	for i := range rows {
		_ = json.Unmarshal([]byte(rows[i].CategoriesJSON), &rows[i].Categories)
	}
	return rows, nil
}

// Upsert inserts relay, or updates an existing row by url while preserving
// its health counters (health_score, last_success, last_failure,
// consecutive_failures).
func (r *Registry) Upsert(ctx context.Context, relay model.Relay) error {
	canonical, err := Canonicalize(relay.URL)
	if err != nil {
		return err
	}
	relay.URL = canonical

	categoriesJSON, err := json.Marshal(dedupCategories(relay.Categories))
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	relay.CategoriesJSON = string(categoriesJSON)

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO relays (url, label, categories, priority, auth_required, read, write, added_by, health_score, last_success, last_failure, consecutive_failures)
		VALUES (:url, :label, :categories, :priority, :auth_required, :read, :write, :added_by, :health_score, :last_success, :last_failure, :consecutive_failures)
		ON CONFLICT(url) DO UPDATE SET
			label = excluded.label,
			categories = excluded.categories,
			priority = excluded.priority,
			auth_required = excluded.auth_required,
			read = excluded.read,
			write = excluded.write,
			added_by = excluded.added_by
	`, relay)
	if err != nil {
		return fmt.Errorf("upsert relay %s: %w", canonical, err)
	}
	return nil
}

// Patch is a partial update applied by Update.
type Patch struct {
	Label        *string
	Categories   []string
	Priority     *int
	AuthRequired *bool
	Read         *bool
	Write        *bool
}

// Update applies patch to the relay identified by url.
func (r *Registry) Update(ctx context.Context, rawURL string, patch Patch) error {
	canonical, err := Canonicalize(rawURL)
	if err != nil {
		return err
	}

	var existing model.Relay
	if err := r.db.GetContext(ctx, &existing, `SELECT * FROM relays WHERE url = ?`, canonical); err != nil {
		return fmt.Errorf("update: relay %s not found: %w", canonical, err)
	}

	if patch.Label != nil {
		existing.Label = *patch.Label
	}
	if patch.Categories != nil {
		existing.Categories = dedupCategories(patch.Categories)
	} else {
		_ = json.Unmarshal([]byte(existing.CategoriesJSON), &existing.Categories)
	}
	if patch.Priority != nil {
		existing.Priority = *patch.Priority
	}
	if patch.AuthRequired != nil {
		existing.AuthRequired = *patch.AuthRequired
	}
	if patch.Read != nil {
		existing.Read = *patch.Read
	}
	if patch.Write != nil {
		existing.Write = *patch.Write
	}

	categoriesJSON, err := json.Marshal(existing.Categories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE relays SET label = ?, categories = ?, priority = ?, auth_required = ?, read = ?, write = ?
		WHERE url = ?
	`, existing.Label, string(categoriesJSON), existing.Priority, existing.AuthRequired, existing.Read, existing.Write, canonical)
	if err != nil {
		return fmt.Errorf("update relay %s: %w", canonical, err)
	}
	return nil
}

// ErrSystemProtected is returned by Remove when force=false targets a
// system-added relay.
var ErrSystemProtected = fmt.Errorf("relays: refusing to remove system-added relay without force")

// Remove deletes the relay identified by url. A system-added relay is
// refused unless force is true.
func (r *Registry) Remove(ctx context.Context, rawURL string, force bool) error {
	canonical, err := Canonicalize(rawURL)
	if err != nil {
		return err
	}

	if !force {
		var addedBy model.RelaySource
		if err := r.db.GetContext(ctx, &addedBy, `SELECT added_by FROM relays WHERE url = ?`, canonical); err == nil {
			if addedBy == model.RelaySourceSystem {
				return ErrSystemProtected
			}
		}
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM relays WHERE url = ?`, canonical); err != nil {
		return fmt.Errorf("remove relay %s: %w", canonical, err)
	}
	return nil
}

// RecordSuccess resets the consecutive-failure counter and stamps
// last_success.
func (r *Registry) RecordSuccess(ctx context.Context, rawURL string, now int64) error {
	canonical, err := Canonicalize(rawURL)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE relays SET consecutive_failures = 0, last_success = ?, health_score = 1.0 WHERE url = ?
	`, now, canonical)
	if err != nil {
		return fmt.Errorf("record success for %s: %w", canonical, err)
	}
	return nil
}

// RecordFailure increments the consecutive-failure counter, stamps
// last_failure, and recomputes health_score from the new Health tier.
func (r *Registry) RecordFailure(ctx context.Context, rawURL string, now int64) error {
	canonical, err := Canonicalize(rawURL)
	if err != nil {
		return err
	}

	var failures int
	if err := r.db.GetContext(ctx, &failures, `SELECT consecutive_failures FROM relays WHERE url = ?`, canonical); err != nil {
		return fmt.Errorf("record failure: relay %s not found: %w", canonical, err)
	}
	failures++

	score := healthScore(HealthFor(failures))
	_, err = r.db.ExecContext(ctx, `
		UPDATE relays SET consecutive_failures = ?, last_failure = ?, health_score = ? WHERE url = ?
	`, failures, now, score, canonical)
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", canonical, err)
	}
	return nil
}

func healthScore(h Health) float64 {
	switch h {
	case HealthGreen:
		return 1.0
	case HealthYellow:
		return 0.5
	default:
		return 0.0
	}
}

// EnsureDefaults inserts any seed URL not already present, marked
// added_by=system.
func (r *Registry) EnsureDefaults(ctx context.Context, seeds []string) error {
	for _, seed := range seeds {
		canonical, err := Canonicalize(seed)
		if err != nil {
			return err
		}
		_, err = r.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO relays (url, label, categories, priority, auth_required, read, write, added_by, health_score, consecutive_failures)
			VALUES (?, '', '[]', 0, 0, 1, 1, 'system', 1.0, 0)
		`, canonical)
		if err != nil {
			return fmt.Errorf("ensure default %s: %w", canonical, err)
		}
	}
	return nil
}

// GetCategoryPreference returns the configured category preference set.
// An empty slice means "no preference" (all categories eligible).
func (r *Registry) GetCategoryPreference(ctx context.Context) ([]string, error) {
	var raw string
	err := r.db.GetContext(ctx, &raw, `SELECT value FROM kv_settings WHERE key = 'category_preference'`)
	if err != nil {
		return []string{}, nil
	}
	var prefs []string
	_ = json.Unmarshal([]byte(raw), &prefs)
	return prefs, nil
}

// SetCategoryPreference persists the category preference set.
func (r *Registry) SetCategoryPreference(ctx context.Context, categories []string) error {
	encoded, err := json.Marshal(dedupCategories(categories))
	if err != nil {
		return fmt.Errorf("marshal category preference: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO kv_settings (key, value) VALUES ('category_preference', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, string(encoded))
	if err != nil {
		return fmt.Errorf("set category preference: %w", err)
	}
	return nil
}

// SelectActive returns the canonicalized URLs of every relay eligible for
// connection: read=true, intersecting the category preference (empty
// preference admits all), deduplicated, ordered by (priority DESC, url
// ASC). If the result is empty, EnsureDefaults(seeds) is applied and the
// selection is retried once.
func (r *Registry) SelectActive(ctx context.Context, seeds []string) ([]string, error) {
	urls, err := r.selectActiveOnce(ctx)
	if err != nil {
		return nil, err
	}
	if len(urls) > 0 {
		return urls, nil
	}

	if err := r.EnsureDefaults(ctx, seeds); err != nil {
		return nil, err
	}
	return r.selectActiveOnce(ctx)
}

func (r *Registry) selectActiveOnce(ctx context.Context) ([]string, error) {
	rows, err := r.List(ctx, Filter{ReadOnly: true})
	if err != nil {
		return nil, err
	}

	prefs, err := r.GetCategoryPreference(ctx)
	if err != nil {
		return nil, err
	}
	prefSet := make(map[string]bool, len(prefs))
	for _, p := range prefs {
		prefSet[p] = true
	}

	seen := make(map[string]bool, len(rows))
	var urls []string
	for _, relay := range rows {
		if len(prefSet) > 0 && !anyCategoryMatches(relay.Categories, prefSet) {
			continue
		}
		if seen[relay.URL] {
			continue
		}
		seen[relay.URL] = true
		urls = append(urls, relay.URL)
	}

	return urls, nil
}

func anyCategoryMatches(categories []string, prefSet map[string]bool) bool {
	for _, c := range categories {
		if prefSet[c] {
			return true
		}
	}
	return false
}

func dedupCategories(categories []string) []string {
	seen := make(map[string]bool, len(categories))
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
