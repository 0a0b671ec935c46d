package model

// NumericRatingFields is the fixed set of numeric rating fields, in the
// order the Rating Aggregator normalizes and summarizes them.
var NumericRatingFields = []string{
	"user_review_rating",
	"user_difficulty_rating",
	"user_skill_rating",
	"user_skill_rating_when_beat",
	"user_recommendation_rating",
	"user_importance_rating",
	"user_technical_quality_rating",
	"user_gameplay_design_rating",
	"user_originality_rating",
	"user_visual_aesthetics_rating",
	"user_story_rating",
	"user_soundtrack_graphics_rating",
}

// CommentRatingFields is the fixed set of free-text comment fields paired
// with the numeric set.
var CommentRatingFields = []string{
	"user_review_rating_comment",
	"user_difficulty_rating_comment",
	"user_skill_rating_comment",
	"user_skill_rating_when_beat_comment",
	"user_recommendation_rating_comment",
	"user_importance_rating_comment",
	"user_technical_quality_rating_comment",
	"user_gameplay_design_rating_comment",
	"user_originality_rating_comment",
	"user_visual_aesthetics_rating_comment",
	"user_story_rating_comment",
	"user_soundtrack_graphics_rating_comment",
	"user_notes",
}

// TrustTier is the coarse bucket used to partition rating summaries.
type TrustTier string

const (
	TierCore       TrustTier = "core"
	TierHigh       TrustTier = "high"
	TierStandard   TrustTier = "standard"
	TierUnverified TrustTier = "unverified"
	TierBlocked    TrustTier = "blocked"
)

// CanonicalTiers lists every tier, in a stable order, for summary sweeps
// that must consider tiers with zero current rows.
var CanonicalTiers = []TrustTier{TierCore, TierHigh, TierStandard, TierUnverified, TierBlocked}

// Rating is the projected, normalized form of the most recent authoritative
// kind-31001 event for a given (rater_pubkey, gameid) pair.
type Rating struct {
	RaterPubkey      string    `db:"rater_pubkey"`
	GameID           string    `db:"gameid"`
	GVUUID           *string   `db:"gvuuid"`
	Version          int       `db:"version"`
	Status           string    `db:"status"`
	RatingJSON       string    `db:"rating_json"`
	UserNotes        *string   `db:"user_notes"`
	OverallRating    *float64  `db:"overall_rating"`
	DifficultyRating *float64  `db:"difficulty_rating"`
	CreatedAtTS      *int64    `db:"created_at_ts"`
	UpdatedAtTS      *int64    `db:"updated_at_ts"`
	PublishedAt      int64     `db:"published_at"`
	ReceivedAt       int64     `db:"received_at"`
	TrustLevel       int       `db:"trust_level"`
	TrustTier        TrustTier `db:"trust_tier"`
	EventID          string    `db:"event_id"`
	Signature        string    `db:"signature"`
	TagsJSON         string    `db:"tags_json"`
}

// RatingSummary is the per-(gameid, rating_category, trust_tier) rollup.
type RatingSummary struct {
	GameID         string    `db:"gameid"`
	RatingCategory string    `db:"rating_category"`
	TrustTier      TrustTier `db:"trust_tier"`
	Count          int       `db:"count"`
	Average        float64   `db:"average"`
	Median         float64   `db:"median"`
	Stddev         float64   `db:"stddev"`
	UpdatedAt      int64     `db:"updated_at"`
}
