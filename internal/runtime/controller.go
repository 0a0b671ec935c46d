// Package runtime is the Runtime Controller: the single-writer command
// façade that owns mode, the timer set, and the status snapshot, and
// wires the Connection Pool, Subscription Manager, Ingress Processor,
// and Egress Dispatcher together into one running service.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostrrun/internal/egress"
	"github.com/sandwichfarm/nostrrun/internal/eventstore"
	"github.com/sandwichfarm/nostrrun/internal/model"
	"github.com/sandwichfarm/nostrrun/internal/ops"
	"github.com/sandwichfarm/nostrrun/internal/pool"
	"github.com/sandwichfarm/nostrrun/internal/relays"
	"github.com/sandwichfarm/nostrrun/internal/subscriptions"
)

// Mode is the runtime's online/offline toggle.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// ErrUnknownMode is returned by SetMode for any value other than
// "online"/"offline".
var ErrUnknownMode = fmt.Errorf("runtime: unknown mode")

// Timers configures the controller's four periodic tasks.
type Timers struct {
	StatusHeartbeat    time.Duration
	QueueStatsRefresh  time.Duration
	EgressFlush        time.Duration
	SubscriptionRefresh time.Duration
	ShutdownGrace      time.Duration
}

// Controller is the Runtime Controller.
type Controller struct {
	store     *eventstore.Store
	registry  *relays.Registry
	cp        *pool.Pool
	sm        *subscriptions.Manager
	ed        *egress.Dispatcher
	seeds     []string
	timers    Timers
	logger    *ops.Logger

	mu             sync.Mutex
	mode           Mode
	running        bool
	background     bool
	lastHeartbeat  time.Time
	lastModeChange time.Time
	activeURLs     []string
	limits         model.ResourceLimits

	cancelTimers context.CancelFunc
	timersWG     sync.WaitGroup

	snapshotMu sync.Mutex
	subscribers []chan Snapshot
}

// New constructs a Controller. seeds is the configured relay seed set
// used to (re)compute the active relay set on start and on reconnect.
// limits is the initial resource-limits configuration reported back in
// every status snapshot until changed via SetLimits.
func New(store *eventstore.Store, registry *relays.Registry, cp *pool.Pool, sm *subscriptions.Manager, ed *egress.Dispatcher, seeds []string, timers Timers, limits model.ResourceLimits, logger *ops.Logger) *Controller {
	return &Controller{
		store:    store,
		registry: registry,
		cp:       cp,
		sm:       sm,
		ed:       ed,
		seeds:    seeds,
		timers:   timers,
		limits:   limits,
		logger:   logger,
		mode:     ModeOffline,
	}
}

// Start brings the runtime online: connects the pool to the active
// relay set, opens the initial subscription, runs the recovery sweep
// for any in-flight egress rows stranded by an ungraceful shutdown, and
// starts the timer set.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	if _, err := c.ed.RecoverStale(ctx); err != nil && c.logger != nil {
		c.logger.Warn("recovery sweep failed", "error", err)
	}

	if err := c.goOnline(ctx); err != nil {
		return err
	}

	if c.logger != nil {
		c.logger.LogStartup("")
	}

	c.startTimers(ctx)
	return nil
}

// Shutdown stops the controller. All four timers stop, including the
// periodic egress flush and subscription refresh. When keepBackground is
// true, the connection pool and the open subscription are left running;
// otherwise both are closed.
func (c *Controller) Shutdown(keepBackground bool) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.background = keepBackground
	c.mu.Unlock()

	if c.cancelTimers != nil {
		c.cancelTimers()
		c.timersWG.Wait()
	}

	if !keepBackground {
		c.sm.Close()
		c.cp.Disconnect()
	}

	if c.logger != nil {
		c.logger.LogShutdown("requested", keepBackground)
	}
}

// SetMode toggles online/offline. Offline closes the subscription and
// disconnects the pool but leaves status reporting running; online
// reconnects to the same relay set and reopens an equivalent subscription.
func (c *Controller) SetMode(ctx context.Context, mode string) error {
	var target Mode
	switch Mode(mode) {
	case ModeOnline:
		target = ModeOnline
	case ModeOffline:
		target = ModeOffline
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	c.mu.Lock()
	from := c.mode
	if from == target {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var err error
	if target == ModeOffline {
		c.sm.Close()
		c.cp.Disconnect()
		c.mu.Lock()
		c.activeURLs = nil
		c.mu.Unlock()
	} else {
		err = c.goOnline(ctx)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.mode = target
	c.lastModeChange = time.Now()
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.LogModeChange(string(from), string(target))
	}

	c.broadcast(ctx)
	return nil
}

// goOnline selects the active relay set, connects the pool, and opens
// the subscription driven by the current follow set.
func (c *Controller) goOnline(ctx context.Context) error {
	urls, err := c.registry.SelectActive(ctx, c.seeds)
	if err != nil {
		return fmt.Errorf("select active relays: %w", err)
	}
	if len(urls) == 0 {
		urls = c.seeds
	}

	c.cp.Connect(ctx, urls)

	c.mu.Lock()
	c.activeURLs = urls
	c.mode = ModeOnline
	c.mu.Unlock()

	follows, err := c.listFollowPubkeys(ctx)
	if err != nil {
		return fmt.Errorf("list follows: %w", err)
	}
	c.sm.Refresh(ctx, follows, true)

	return nil
}

// NotifyIngress satisfies ingress.StatusBroadcaster: each processed
// event triggers a queue-stats refresh and a status broadcast.
func (c *Controller) NotifyIngress() {
	c.broadcast(context.Background())
}

// PublishEvent enqueues event into cache_out after ensuring its id is
// present, deriving it from the event's canonical serialization via
// go-nostr if absent. It never blocks on network; the next egress flush
// (periodic, or triggered here) picks it up.
func (c *Controller) PublishEvent(ctx context.Context, event nostr.Event, routing model.Routing, keepFor *int64) (string, error) {
	if event.ID == "" {
		event.ID = event.GetID()
	}

	tags := make(model.Tags, len(event.Tags))
	for i, t := range event.Tags {
		tags[i] = model.Tag(append([]string(nil), t...))
	}

	row := model.Event{
		ID:        event.ID,
		Kind:      event.Kind,
		Pubkey:    event.PubKey,
		CreatedAt: int64(event.CreatedAt),
		Tags:      tags,
		Content:   event.Content,
		Sig:       event.Sig,
	}

	if _, err := c.store.Enqueue(ctx, model.QueueCacheOut, row, model.StatusPending, keepFor, routing); err != nil {
		return "", fmt.Errorf("enqueue outgoing event: %w", err)
	}

	go c.ed.Flush(context.Background())

	return event.ID, nil
}
