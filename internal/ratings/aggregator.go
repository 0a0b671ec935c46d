// Package ratings is the Rating Aggregator: it normalizes kind-31001
// rating payloads into the ratings projection and recomputes per-game
// per-tier per-field summary statistics.
package ratings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostrrun/internal/model"
	"github.com/sandwichfarm/nostrrun/internal/ops"
	"github.com/sandwichfarm/nostrrun/internal/trust"
)

// Aggregator is the Rating Aggregator.
type Aggregator struct {
	db     *sqlx.DB
	trust  *trust.Resolver
	logger *ops.Logger
	locks  *gameLocks
	now    func() int64
}

// New constructs an Aggregator backed by the shared database handle.
func New(db *sqlx.DB, resolver *trust.Resolver, logger *ops.Logger) *Aggregator {
	return &Aggregator{
		db:     db,
		trust:  resolver,
		logger: logger,
		locks:  newGameLocks(),
		now:    func() int64 { return time.Now().Unix() },
	}
}

// payload is the shape of a kind-31001 event's content.
type payload struct {
	GameID    *string                `json:"gameid"`
	GVUUID    *string                `json:"gvuuid"`
	Version   *int                   `json:"version"`
	Status    *string                `json:"status"`
	UserNotes *string                `json:"user_notes"`
	Rating    map[string]interface{} `json:"rating"`
}

// ProcessRating runs RA's 7-step contract for a single kind-31001 event.
// It satisfies ingress.RatingSink.
func (a *Aggregator) ProcessRating(ctx context.Context, event *nostr.Event) error {
	var p payload
	if err := json.Unmarshal([]byte(event.Content), &p); err != nil {
		return fmt.Errorf("parse rating content: %w", err)
	}

	gameid := firstNonEmpty(stringOrEmpty(p.GameID), tagValue(event.Tags, "gameid"))
	if gameid == "" || event.PubKey == "" {
		return fmt.Errorf("rating event %s missing gameid or pubkey", event.ID)
	}

	gvuuid := firstNonEmpty(stringOrEmpty(p.GVUUID), tagValue(event.Tags, "gvuuid"))
	version := 1
	switch {
	case p.Version != nil:
		version = *p.Version
	default:
		if v := tagValue(event.Tags, "version"); v != "" {
			fmt.Sscanf(v, "%d", &version)
		}
	}
	status := "Default"
	if p.Status != nil && strings.TrimSpace(*p.Status) != "" {
		status = *p.Status
	}

	normalized, overall, difficulty, createdTS, updatedTS := normalizeRating(p.Rating)
	ratingJSON, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("marshal normalized rating: %w", err)
	}
	tagsJSON, err := json.Marshal(event.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	level, tier, err := a.trust.Resolve(ctx, event.PubKey)
	if err != nil {
		return fmt.Errorf("resolve trust for %s: %w", event.PubKey, err)
	}

	release := a.locks.acquire(gameid)
	defer release()

	existing, err := a.lookupRating(ctx, event.PubKey, gameid)
	if err != nil {
		return fmt.Errorf("lookup existing rating: %w", err)
	}
	if existing != nil {
		if existing.PublishedAt > int64(event.CreatedAt) {
			return nil
		}
		if existing.EventID == event.ID {
			return nil
		}
	}

	row := model.Rating{
		RaterPubkey:      event.PubKey,
		GameID:           gameid,
		GVUUID:           nilIfEmpty(gvuuid),
		Version:          version,
		Status:           status,
		RatingJSON:       string(ratingJSON),
		UserNotes:        normalizeComment(p.UserNotes),
		OverallRating:    overall,
		DifficultyRating: difficulty,
		CreatedAtTS:      createdTS,
		UpdatedAtTS:      updatedTS,
		PublishedAt:      int64(event.CreatedAt),
		ReceivedAt:       a.now(),
		TrustLevel:       level,
		TrustTier:        tier,
		EventID:          event.ID,
		Signature:        event.Sig,
		TagsJSON:         string(tagsJSON),
	}

	if err := a.upsertRating(ctx, row); err != nil {
		return fmt.Errorf("upsert rating: %w", err)
	}

	if err := a.recomputeSummaries(ctx, gameid); err != nil {
		return fmt.Errorf("recompute summaries for %s: %w", gameid, err)
	}

	return nil
}

func (a *Aggregator) lookupRating(ctx context.Context, raterPubkey, gameid string) (*model.Rating, error) {
	var row model.Rating
	err := a.db.GetContext(ctx, &row, `
		SELECT rater_pubkey, gameid, gvuuid, version, status, rating_json, user_notes,
			overall_rating, difficulty_rating, created_at_ts, updated_at_ts,
			published_at, received_at, trust_level, trust_tier, event_id, signature, tags_json
		FROM ratings WHERE rater_pubkey = ? AND gameid = ?`, raterPubkey, gameid)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (a *Aggregator) upsertRating(ctx context.Context, row model.Rating) error {
	_, err := a.db.NamedExecContext(ctx, `
		INSERT INTO ratings (rater_pubkey, gameid, gvuuid, version, status, rating_json, user_notes,
			overall_rating, difficulty_rating, created_at_ts, updated_at_ts,
			published_at, received_at, trust_level, trust_tier, event_id, signature, tags_json)
		VALUES (:rater_pubkey, :gameid, :gvuuid, :version, :status, :rating_json, :user_notes,
			:overall_rating, :difficulty_rating, :created_at_ts, :updated_at_ts,
			:published_at, :received_at, :trust_level, :trust_tier, :event_id, :signature, :tags_json)
		ON CONFLICT(rater_pubkey, gameid) DO UPDATE SET
			gvuuid = excluded.gvuuid,
			version = excluded.version,
			status = excluded.status,
			rating_json = excluded.rating_json,
			user_notes = excluded.user_notes,
			overall_rating = excluded.overall_rating,
			difficulty_rating = excluded.difficulty_rating,
			created_at_ts = excluded.created_at_ts,
			updated_at_ts = excluded.updated_at_ts,
			published_at = excluded.published_at,
			received_at = excluded.received_at,
			trust_level = excluded.trust_level,
			trust_tier = excluded.trust_tier,
			event_id = excluded.event_id,
			signature = excluded.signature,
			tags_json = excluded.tags_json
	`, row)
	return err
}

// recomputeSummaries reloads every rating row for gameid and rebuilds
// the (field, tier) summary table for it: one row per tuple with
// finite values, a deletion for any tuple that no longer has any.
func (a *Aggregator) recomputeSummaries(ctx context.Context, gameid string) error {
	var rows []model.Rating
	if err := a.db.SelectContext(ctx, &rows, `
		SELECT rater_pubkey, gameid, gvuuid, version, status, rating_json, user_notes,
			overall_rating, difficulty_rating, created_at_ts, updated_at_ts,
			published_at, received_at, trust_level, trust_tier, event_id, signature, tags_json
		FROM ratings WHERE gameid = ?`, gameid); err != nil {
		return err
	}

	// bucket[tier][field] -> values
	bucket := make(map[model.TrustTier]map[string][]float64)
	present := map[model.TrustTier]bool{}
	for _, tier := range model.CanonicalTiers {
		present[tier] = true
	}
	for _, row := range rows {
		present[row.TrustTier] = true
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(row.RatingJSON), &parsed); err != nil {
			continue
		}
		fields, ok := bucket[row.TrustTier]
		if !ok {
			fields = make(map[string][]float64)
			bucket[row.TrustTier] = fields
		}
		for _, field := range model.NumericRatingFields {
			v, ok := parsed[field]
			if !ok || v == nil {
				continue
			}
			f, ok := v.(float64)
			if !ok {
				continue
			}
			fields[field] = append(fields[field], f)
		}
	}

	now := a.now()
	for tier := range present {
		fields := bucket[tier]
		for _, field := range model.NumericRatingFields {
			values := fields[field]
			st, ok := computeStats(values)
			if !ok {
				if _, err := a.db.ExecContext(ctx, `
					DELETE FROM rating_summaries WHERE gameid = ? AND rating_category = ? AND trust_tier = ?`,
					gameid, field, tier); err != nil {
					return err
				}
				continue
			}
			if _, err := a.db.ExecContext(ctx, `
				INSERT INTO rating_summaries (gameid, rating_category, trust_tier, count, average, median, stddev, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(gameid, rating_category, trust_tier) DO UPDATE SET
					count = excluded.count,
					average = excluded.average,
					median = excluded.median,
					stddev = excluded.stddev,
					updated_at = excluded.updated_at
			`, gameid, field, tier, st.Count, st.Average, st.Median, st.Stddev, now); err != nil {
				return err
			}
		}
	}

	if a.logger != nil {
		a.logger.LogSummaryRecompute(gameid, len(present), len(model.NumericRatingFields))
	}

	return nil
}

// normalizeRating converts a raw rating payload into the fixed
// numeric/comment/timestamp field set, returning the normalized map plus
// the four values RA also stores as columns of the rating row: the
// overall and difficulty ratings and the created/updated timestamps.
func normalizeRating(raw map[string]interface{}) (map[string]interface{}, *float64, *float64, *int64, *int64) {
	out := make(map[string]interface{}, len(model.NumericRatingFields)+len(model.CommentRatingFields))

	var overall, difficulty *float64
	for _, field := range model.NumericRatingFields {
		v := normalizeNumeric(raw[field])
		out[field] = v
		if field == "user_review_rating" {
			overall = v
		}
		if field == "user_difficulty_rating" {
			difficulty = v
		}
	}
	for _, field := range model.CommentRatingFields {
		out[field] = normalizeCommentValue(raw[field])
	}

	createdTS := normalizeTimestamp(raw["created_at_ts"])
	updatedTS := normalizeTimestamp(raw["updated_at_ts"])
	out["created_at_ts"] = createdTS
	out["updated_at_ts"] = updatedTS

	return out, overall, difficulty, createdTS, updatedTS
}

func normalizeNumeric(v interface{}) *float64 {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func normalizeCommentValue(v interface{}) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func normalizeComment(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func normalizeTimestamp(v interface{}) *int64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	floored := int64(math.Floor(f))
	return &floored
}

func tagValue(tags nostr.Tags, name string) string {
	for _, t := range tags {
		if len(t) > 0 && t[0] == name {
			if len(t) > 1 {
				return strings.TrimSpace(t[1])
			}
			return ""
		}
	}
	return ""
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
