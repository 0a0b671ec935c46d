package eventstore

import (
	"context"
	"fmt"
)

// rawEventColumns is the column list shared by all four queue tables.
const rawEventColumns = `
	id TEXT PRIMARY KEY,
	kind INTEGER NOT NULL,
	pubkey TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	content TEXT NOT NULL DEFAULT '',
	sig TEXT NOT NULL DEFAULT '',
	proc_status INTEGER NOT NULL DEFAULT 0,
	proc_at INTEGER,
	keep_for INTEGER,
	table_name TEXT,
	record_uuid TEXT,
	user_profile_uuid TEXT`

// runMigrations creates the four queue tables plus their indexes, and the
// relays, kv_settings, follows, trust_declarations, ratings and
// rating_summaries tables that share the same database.
func (s *Store) runMigrations(ctx context.Context) error {
	migrations := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS raw_cache_in (%s)`, rawEventColumns),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS raw_cache_out (%s)`, rawEventColumns),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS raw_store_in (%s)`, rawEventColumns),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS raw_store_out (%s)`, rawEventColumns),

		`CREATE INDEX IF NOT EXISTS idx_raw_cache_in_status ON raw_cache_in(proc_status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_cache_out_status ON raw_cache_out(proc_status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_store_in_status ON raw_store_in(proc_status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_store_out_status ON raw_store_out(proc_status, created_at)`,

		`CREATE TABLE IF NOT EXISTS relays (
			url TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			categories TEXT NOT NULL DEFAULT '[]',
			priority INTEGER NOT NULL DEFAULT 0,
			auth_required INTEGER NOT NULL DEFAULT 0,
			read INTEGER NOT NULL DEFAULT 1,
			write INTEGER NOT NULL DEFAULT 1,
			added_by TEXT NOT NULL DEFAULT 'user',
			health_score REAL NOT NULL DEFAULT 1.0,
			last_success INTEGER,
			last_failure INTEGER,
			consecutive_failures INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS kv_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS follows (
			pubkey TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			label TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS trust_declarations (
			pubkey TEXT PRIMARY KEY,
			trust_level INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS ratings (
			rater_pubkey TEXT NOT NULL,
			gameid TEXT NOT NULL,
			gvuuid TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'active',
			rating_json TEXT NOT NULL,
			user_notes TEXT,
			overall_rating REAL,
			difficulty_rating REAL,
			created_at_ts INTEGER,
			updated_at_ts INTEGER,
			published_at INTEGER NOT NULL,
			received_at INTEGER NOT NULL,
			trust_level INTEGER NOT NULL,
			trust_tier TEXT NOT NULL,
			event_id TEXT NOT NULL,
			signature TEXT NOT NULL,
			tags_json TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (rater_pubkey, gameid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ratings_gameid ON ratings(gameid)`,

		`CREATE TABLE IF NOT EXISTS rating_summaries (
			gameid TEXT NOT NULL,
			rating_category TEXT NOT NULL,
			trust_tier TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			average REAL NOT NULL DEFAULT 0,
			median REAL NOT NULL DEFAULT 0,
			stddev REAL NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (gameid, rating_category, trust_tier)
		)`,
	}

	for i, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}
