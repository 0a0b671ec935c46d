package runtime

import (
	"context"
	"time"

	"github.com/sandwichfarm/nostrrun/internal/model"
	"github.com/sandwichfarm/nostrrun/internal/relays"
)

// ResourceLimitsView mirrors model.ResourceLimits with the wire field
// names §6 specifies.
type ResourceLimitsView struct {
	OutgoingPerMinute        int `json:"outgoingPerMinute"`
	MessageRateUnits         int `json:"messageRateUnits"`
	MessageRateWindowSeconds int `json:"messageRateWindowSeconds"`
	IncomingBacklogMax       int `json:"incomingBacklogMax"`
}

// RelayView mirrors model.Relay with JSON-wire field names.
type RelayView struct {
	URL                 string   `json:"url"`
	Label                string   `json:"label"`
	Categories           []string `json:"categories"`
	Priority             int      `json:"priority"`
	AuthRequired         bool     `json:"authRequired"`
	Read                 bool     `json:"read"`
	Write                bool     `json:"write"`
	AddedBy              string   `json:"addedBy"`
	HealthScore          float64  `json:"healthScore"`
	ConsecutiveFailures  int      `json:"consecutiveFailures"`
}

// FollowView mirrors model.FollowEntry with JSON-wire field names.
type FollowView struct {
	Pubkey string  `json:"pubkey"`
	Source string  `json:"source"`
	Label  *string `json:"label,omitempty"`
}

// QueueStats is the queueStats block of the status snapshot.
type QueueStats struct {
	OutgoingPending        int `json:"outgoingPending"`
	OutgoingProcessing     int `json:"outgoingProcessing"`
	OutgoingCompleted      int `json:"outgoingCompleted"`
	OutgoingFailed         int `json:"outgoingFailed"`
	OutgoingSentLastMinute int `json:"outgoingSentLastMinute"`
	IncomingBacklog        int `json:"incomingBacklog"`
}

// RuntimeStats is the runtime block of the status snapshot.
type RuntimeStats struct {
	Running                 bool   `json:"running"`
	Background               bool   `json:"background"`
	LastHeartbeat             int64  `json:"lastHeartbeat"`
	LastModeChange            int64  `json:"lastModeChange"`
	StatusIntervalMs          int64  `json:"statusIntervalMs"`
	QueueIntervalMs           int64  `json:"queueIntervalMs"`
	OutgoingFlushIntervalMs   int64  `json:"outgoingFlushIntervalMs"`
	SubscriptionRefreshMs     int64  `json:"subscriptionRefreshMs"`
	ConnectedRelays           int    `json:"connectedRelays"`
}

// Snapshot is the full status snapshot §6 defines.
type Snapshot struct {
	Mode            string              `json:"mode"`
	ResourceLimits  ResourceLimitsView  `json:"resourceLimits"`
	RelayCategories []string            `json:"relayCategories"`
	Relays          []RelayView         `json:"relays"`
	PreferredRelays []string            `json:"preferredRelays"`
	ManualFollows   []FollowView        `json:"manualFollows"`
	QueueStats      QueueStats          `json:"queueStats"`
	Runtime         RuntimeStats        `json:"runtime"`
	Timestamp       int64               `json:"timestamp"`
	Notes           string              `json:"notes"`
}

func relayView(r model.Relay) RelayView {
	return RelayView{
		URL:                 r.URL,
		Label:               r.Label,
		Categories:          append([]string(nil), r.Categories...),
		Priority:            r.Priority,
		AuthRequired:        r.AuthRequired,
		Read:                r.Read,
		Write:               r.Write,
		AddedBy:             string(r.AddedBy),
		HealthScore:         r.HealthScore,
		ConsecutiveFailures: r.ConsecutiveFailures,
	}
}

func followView(f model.FollowEntry) FollowView {
	return FollowView{Pubkey: f.Pubkey, Source: string(f.Source), Label: f.Label}
}

// GetLimits returns the resource limits currently reported in status
// snapshots.
func (c *Controller) GetLimits() model.ResourceLimits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// SetLimits updates the resource limits reported in status snapshots
// and forces a broadcast so subscribers see the change immediately.
func (c *Controller) SetLimits(ctx context.Context, limits model.ResourceLimits) {
	c.mu.Lock()
	c.limits = limits
	c.mu.Unlock()
	c.broadcast(ctx)
}

// GetStatusSnapshot assembles the current status snapshot from every
// live component: relay catalog, queue counts, and runtime state.
func (c *Controller) GetStatusSnapshot(ctx context.Context) (Snapshot, error) {
	limits := c.GetLimits()
	relayRows, err := c.registry.List(ctx, relays.Filter{})
	if err != nil {
		return Snapshot{}, err
	}
	views := make([]RelayView, len(relayRows))
	for i, r := range relayRows {
		views[i] = relayView(r)
	}

	categories, err := c.registry.GetCategoryPreference(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	follows, err := c.listFollows(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	followViews := make([]FollowView, len(follows))
	for i, f := range follows {
		followViews[i] = followView(f)
	}

	queueStats, err := c.queueStats(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	c.mu.Lock()
	running, background := c.running, c.background
	lastHeartbeat, lastModeChange := c.lastHeartbeat, c.lastModeChange
	mode := c.mode
	preferred := append([]string(nil), c.activeURLs...)
	c.mu.Unlock()

	return Snapshot{
		Mode:            string(mode),
		ResourceLimits:  ResourceLimitsView(limits),
		RelayCategories: categories,
		Relays:          views,
		PreferredRelays: preferred,
		ManualFollows:   followViews,
		QueueStats:      queueStats,
		Runtime: RuntimeStats{
			Running:                 running,
			Background:              background,
			LastHeartbeat:           lastHeartbeat.UnixMilli(),
			LastModeChange:          lastModeChange.UnixMilli(),
			StatusIntervalMs:        c.timers.StatusHeartbeat.Milliseconds(),
			QueueIntervalMs:         c.timers.QueueStatsRefresh.Milliseconds(),
			OutgoingFlushIntervalMs: c.timers.EgressFlush.Milliseconds(),
			SubscriptionRefreshMs:   c.timers.SubscriptionRefresh.Milliseconds(),
			ConnectedRelays:         len(c.cp.ConnectedURLs()),
		},
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

func (c *Controller) queueStats(ctx context.Context) (QueueStats, error) {
	pending, err := c.store.Count(ctx, model.QueueCacheOut, model.StatusPending)
	if err != nil {
		return QueueStats{}, err
	}
	processing, err := c.store.Count(ctx, model.QueueCacheOut, model.StatusInFlight)
	if err != nil {
		return QueueStats{}, err
	}
	completed, err := c.store.Count(ctx, model.QueueStoreOut, model.StatusDone)
	if err != nil {
		return QueueStats{}, err
	}
	failed, err := c.store.Count(ctx, model.QueueCacheOut, model.StatusFailed)
	if err != nil {
		return QueueStats{}, err
	}
	sentLastMinute, err := c.store.CountSince(ctx, model.QueueStoreOut, model.StatusDone, time.Now().Add(-time.Minute).Unix())
	if err != nil {
		return QueueStats{}, err
	}
	backlog, err := c.store.Count(ctx, model.QueueCacheIn, model.StatusPending)
	if err != nil {
		return QueueStats{}, err
	}

	return QueueStats{
		OutgoingPending:        pending,
		OutgoingProcessing:     processing,
		OutgoingCompleted:      completed,
		OutgoingFailed:         failed,
		OutgoingSentLastMinute: sentLastMinute,
		IncomingBacklog:        backlog,
	}, nil
}

// Subscribe registers a channel to receive every broadcast snapshot.
// The channel is buffered; a slow subscriber drops snapshots rather than
// blocking the broadcaster.
func (c *Controller) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 4)
	c.snapshotMu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.snapshotMu.Unlock()
	return ch
}

func (c *Controller) broadcast(ctx context.Context) {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()

	c.snapshotMu.Lock()
	subs := append([]chan Snapshot(nil), c.subscribers...)
	c.snapshotMu.Unlock()
	if len(subs) == 0 {
		return
	}

	snap, err := c.GetStatusSnapshot(ctx)
	if err != nil {
		return
	}
	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
