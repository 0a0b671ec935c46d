package pool

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// NewWebsocketDialer returns the production Dialer, backed by go-nostr's
// real relay connection.
func NewWebsocketDialer() Dialer {
	return func(ctx context.Context, url string) (RelayConn, error) {
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			return nil, err
		}
		return &liveRelayConn{relay: relay}, nil
	}
}

// liveRelayConn adapts *nostr.Relay to the RelayConn interface.
type liveRelayConn struct {
	relay *nostr.Relay
}

func (c *liveRelayConn) Subscribe(ctx context.Context, filters nostr.Filters) (Subscription, error) {
	sub, err := c.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	return &liveSubscription{sub: sub}, nil
}

func (c *liveRelayConn) Publish(ctx context.Context, event nostr.Event) error {
	return c.relay.Publish(ctx, event)
}

func (c *liveRelayConn) Close() error {
	return c.relay.Close()
}

// liveSubscription adapts *nostr.Subscription to the Subscription
// interface.
type liveSubscription struct {
	sub *nostr.Subscription
}

func (s *liveSubscription) Events() <-chan *nostr.Event {
	return s.sub.Events
}

func (s *liveSubscription) EndOfStoredEvents() <-chan struct{} {
	return s.sub.EndOfStoredEvents
}

func (s *liveSubscription) Close() {
	s.sub.Unsub()
}
