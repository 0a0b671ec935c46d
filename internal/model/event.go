// Package model defines the data types shared across the runtime's
// components: raw queued events, relay records, follow entries, resource
// limits, and the ratings projection.
package model

// ProcStatus is the processing state of a queued raw event.
type ProcStatus int

const (
	StatusPending  ProcStatus = 0
	StatusInFlight ProcStatus = 1
	StatusDone     ProcStatus = 2
	StatusFailed   ProcStatus = -1
)

func (s ProcStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in-flight"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Queue names the four logical partitions of the raw-events table.
type Queue string

const (
	QueueCacheIn  Queue = "cache_in"
	QueueCacheOut Queue = "cache_out"
	QueueStoreIn  Queue = "store_in"
	QueueStoreOut Queue = "store_out"
)

// Tag is an ordered tuple of strings; the first element is the tag name.
type Tag []string

// Tags is an ordered sequence of tags.
type Tags []Tag

// First returns the first value of the first tag named name, as stored
// (not trimmed), and whether one was found.
func (t Tags) First(name string) (string, bool) {
	for _, tag := range t {
		if len(tag) > 0 && tag[0] == name {
			if len(tag) > 1 {
				return tag[1], true
			}
			return "", true
		}
	}
	return "", false
}

// Event is the raw, persisted form of a Nostr event, identical across all
// four queues.
type Event struct {
	ID              string     `db:"id"`
	Kind            int        `db:"kind"`
	Pubkey          string     `db:"pubkey"`
	CreatedAt       int64      `db:"created_at"`
	Tags            Tags       `db:"-"`
	TagsJSON        string     `db:"tags"`
	Content         string     `db:"content"`
	Sig             string     `db:"sig"`
	ProcStatus      ProcStatus `db:"proc_status"`
	ProcAt          *int64     `db:"proc_at"`
	KeepFor         *int64     `db:"keep_for"`
	TableName       *string    `db:"table_name"`
	RecordUUID      *string    `db:"record_uuid"`
	UserProfileUUID *string    `db:"user_profile_uuid"`
}

// Routing carries the non-core correlation metadata IP derives from an
// incoming event's kind and tags.
type Routing struct {
	TableName       *string
	RecordUUID      *string
	UserProfileUUID *string
}

// RelaySource identifies who added a relay record.
type RelaySource string

const (
	RelaySourceSystem         RelaySource = "system"
	RelaySourceUser           RelaySource = "user"
	RelaySourceAdminPublished RelaySource = "admin-published"
)

// Relay is a catalog entry for a single relay URL.
type Relay struct {
	URL                string      `db:"url"`
	Label              string      `db:"label"`
	Categories         []string    `db:"-"`
	CategoriesJSON     string      `db:"categories"`
	Priority           int         `db:"priority"`
	AuthRequired       bool        `db:"auth_required"`
	Read               bool        `db:"read"`
	Write              bool        `db:"write"`
	AddedBy            RelaySource `db:"added_by"`
	HealthScore        float64     `db:"health_score"`
	LastSuccess        *int64      `db:"last_success"`
	LastFailure        *int64      `db:"last_failure"`
	ConsecutiveFailures int        `db:"consecutive_failures"`
}

// FollowSource identifies how a follow entry entered the store.
type FollowSource string

const (
	FollowSourceManual          FollowSource = "manual"
	FollowSourceAdminKeypair    FollowSource = "admin-keypair"
	FollowSourceProfileKeypair  FollowSource = "profile-keypair"
)

// FollowEntry is a single followed pubkey.
type FollowEntry struct {
	Pubkey string       `db:"pubkey"`
	Source FollowSource `db:"source"`
	Label  *string      `db:"label"`
}

// ResourceLimits bounds egress throughput and ingress backlog.
type ResourceLimits struct {
	OutgoingPerMinute       int `yaml:"outgoing_per_minute" json:"outgoingPerMinute"`
	MessageRateUnits        int `yaml:"message_rate_units" json:"messageRateUnits"`
	MessageRateWindowSeconds int `yaml:"message_rate_window_seconds" json:"messageRateWindowSeconds"`
	IncomingBacklogMax      int `yaml:"incoming_backlog_max" json:"incomingBacklogMax"`
}
