// Package ingress is the Ingress Processor: it validates, classifies,
// and persists incoming Nostr events, applying backpressure against the
// Local Event Store's cache_in backlog and dispatching kind-31001
// events to the Rating Aggregator.
package ingress

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostrrun/internal/eventstore"
	"github.com/sandwichfarm/nostrrun/internal/model"
	"github.com/sandwichfarm/nostrrun/internal/ops"
)

// RatingSink receives kind-31001 events for synchronous aggregation.
// Satisfied by *ratings.Aggregator.
type RatingSink interface {
	ProcessRating(ctx context.Context, event *nostr.Event) error
}

// StatusBroadcaster is notified after each processed event so the
// Runtime Controller can refresh queue stats and broadcast a status
// snapshot. Satisfied by *runtime.Controller.
type StatusBroadcaster interface {
	NotifyIngress()
}

// Processor is the Ingress Processor.
type Processor struct {
	store        *eventstore.Store
	backlogMax   int
	ratings      RatingSink
	broadcaster  StatusBroadcaster
	logger       *ops.Logger
}

// New constructs a Processor. ratings and broadcaster may be nil in
// tests that don't exercise those paths.
func New(store *eventstore.Store, backlogMax int, ratings RatingSink, broadcaster StatusBroadcaster, logger *ops.Logger) *Processor {
	return &Processor{store: store, backlogMax: backlogMax, ratings: ratings, broadcaster: broadcaster, logger: logger}
}

// Outcome summarizes what Process did with one event, for tests and
// callers that want to observe the drop/store/duplicate distinction.
type Outcome int

const (
	OutcomeStored Outcome = iota
	OutcomeDuplicate
	OutcomeInvalid
	OutcomeBackpressureDropped
)

// Process runs the full per-event contract: validation, backpressure,
// routing/retention derivation, idempotent persistence, and (for kind
// 31001) synchronous rating aggregation. It must be called serially per
// source subscription; concurrent subscriptions may call it concurrently
// with each other.
func (p *Processor) Process(ctx context.Context, event *nostr.Event) Outcome {
	if !isWellFormed(event) {
		if p.logger != nil {
			p.logger.LogIngestDrop("invalid_event", eventID(event), eventKind(event))
		}
		return OutcomeInvalid
	}

	pending, err := p.store.Count(ctx, model.QueueCacheIn, model.StatusPending)
	if err != nil {
		if p.logger != nil {
			p.logger.LogIngestDrop("backlog_count_error", event.ID, event.Kind)
		}
		return OutcomeInvalid
	}
	if p.backlogMax > 0 && pending >= p.backlogMax {
		if p.logger != nil {
			p.logger.LogIngestDrop("backlog_full", event.ID, event.Kind)
		}
		return OutcomeBackpressureDropped
	}

	tags := convertTags(event.Tags)
	routing := deriveRouting(event.Kind, tags)
	keepFor := keepForSeconds(event.Kind)

	row := model.Event{
		ID:        event.ID,
		Kind:      event.Kind,
		Pubkey:    event.PubKey,
		CreatedAt: int64(event.CreatedAt),
		Tags:      tags,
		Content:   event.Content,
		Sig:       event.Sig,
	}

	inserted, err := p.store.Enqueue(ctx, model.QueueCacheIn, row, model.StatusPending, &keepFor, routing)
	if err != nil {
		if p.logger != nil {
			p.logger.LogIngestDrop("store_error", event.ID, event.Kind)
		}
		return OutcomeInvalid
	}
	if !inserted {
		return OutcomeDuplicate
	}

	if p.logger != nil {
		p.logger.LogIngestStored(event.ID, event.Kind)
	}

	if event.Kind == 31001 && p.ratings != nil {
		if err := p.ratings.ProcessRating(ctx, event); err != nil && p.logger != nil {
			p.logger.Warn("rating aggregation failed", "event_id", event.ID, "error", err)
		}
	}

	if p.broadcaster != nil {
		p.broadcaster.NotifyIngress()
	}

	return OutcomeStored
}

func isWellFormed(event *nostr.Event) bool {
	if event == nil || event.ID == "" || event.PubKey == "" || event.Sig == "" {
		return false
	}
	if event.Kind < 0 {
		return false
	}
	if event.GetID() != event.ID {
		return false
	}
	ok, err := event.CheckSignature()
	return err == nil && ok
}

func convertTags(tags nostr.Tags) model.Tags {
	out := make(model.Tags, len(tags))
	for i, t := range tags {
		out[i] = model.Tag(append([]string(nil), t...))
	}
	return out
}

func eventID(event *nostr.Event) string {
	if event == nil {
		return ""
	}
	return event.ID
}

func eventKind(event *nostr.Event) int {
	if event == nil {
		return -1
	}
	return event.Kind
}
