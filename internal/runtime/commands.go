package runtime

import (
	"context"

	"github.com/sandwichfarm/nostrrun/internal/model"
	"github.com/sandwichfarm/nostrrun/internal/relays"
)

// ListRelays delegates to the Relay Registry.
func (c *Controller) ListRelays(ctx context.Context, filter relays.Filter) ([]model.Relay, error) {
	return c.registry.List(ctx, filter)
}

// AddRelay upserts a relay and forces a reconcile of the relay set.
func (c *Controller) AddRelay(ctx context.Context, relay model.Relay) error {
	if err := c.registry.Upsert(ctx, relay); err != nil {
		return err
	}
	return c.reconcileRelays(ctx)
}

// UpdateRelay patches an existing relay and forces a reconcile.
func (c *Controller) UpdateRelay(ctx context.Context, url string, patch relays.Patch) error {
	if err := c.registry.Update(ctx, url, patch); err != nil {
		return err
	}
	return c.reconcileRelays(ctx)
}

// RemoveRelay removes a relay and forces a reconcile.
func (c *Controller) RemoveRelay(ctx context.Context, url string, force bool) error {
	if err := c.registry.Remove(ctx, url, force); err != nil {
		return err
	}
	return c.reconcileRelays(ctx)
}

// GetCategoryPreference delegates to the Relay Registry.
func (c *Controller) GetCategoryPreference(ctx context.Context) ([]string, error) {
	return c.registry.GetCategoryPreference(ctx)
}

// SetCategoryPreference persists the category preference and forces a
// reconcile of the active relay set.
func (c *Controller) SetCategoryPreference(ctx context.Context, categories []string) error {
	if err := c.registry.SetCategoryPreference(ctx, categories); err != nil {
		return err
	}
	return c.reconcileRelays(ctx)
}

// reconcileRelays re-selects the active relay set and points the pool
// at it, then broadcasts a status snapshot. Only takes effect while
// online; an offline controller just persists the change.
func (c *Controller) reconcileRelays(ctx context.Context) error {
	c.mu.Lock()
	online := c.mode == ModeOnline
	c.mu.Unlock()
	if !online {
		c.broadcast(ctx)
		return nil
	}

	urls, err := c.registry.SelectActive(ctx, c.seeds)
	if err != nil {
		return err
	}
	c.cp.Connect(ctx, urls)
	c.mu.Lock()
	c.activeURLs = urls
	c.mu.Unlock()

	c.broadcast(ctx)
	return nil
}

// QueueRow is one row of a getQueueSnapshot response.
type QueueRow struct {
	Queue  string `json:"queue"`
	ID     string `json:"id"`
	Kind   int    `json:"kind"`
	Status int    `json:"status"`
}

// GetQueueSnapshot returns up to limit pending rows from each of the
// four queues, for operator inspection.
func (c *Controller) GetQueueSnapshot(ctx context.Context, limit int) ([]QueueRow, error) {
	var out []QueueRow
	for _, q := range []model.Queue{model.QueueCacheIn, model.QueueCacheOut, model.QueueStoreIn, model.QueueStoreOut} {
		rows, err := c.store.FetchPage(ctx, q, model.StatusPending, limit)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			out = append(out, QueueRow{Queue: string(q), ID: row.ID, Kind: row.Kind, Status: int(row.ProcStatus)})
		}
	}
	return out, nil
}
