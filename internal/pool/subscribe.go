package pool

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// SubscriptionHandle represents one logical subscription spanning
// multiple relay URLs. Closing it tears down every per-URL subscription.
type SubscriptionHandle struct {
	cancel context.CancelFunc
	done   sync.WaitGroup
}

// Close cancels the subscription and waits for its reader goroutines to
// exit.
func (h *SubscriptionHandle) Close() {
	h.cancel()
	h.done.Wait()
}

// Subscribe opens one logical subscription across urls. Incoming events
// are deduplicated by id across relays before reaching handlers.OnEvent;
// handlers.OnEOSE fires once, when every URL has reported end-of-stored-
// events (or failed to connect, which counts as an immediate EOSE for
// that URL so one bad relay can't stall the others indefinitely).
func (p *Pool) Subscribe(ctx context.Context, urls []string, filters nostr.Filters, handlers Handlers) *SubscriptionHandle {
	subCtx, cancel := context.WithCancel(ctx)
	handle := &SubscriptionHandle{cancel: cancel}

	var seenMu sync.Mutex
	seen := make(map[string]bool)

	var eoseMu sync.Mutex
	eoseRemaining := len(urls)
	eoseFired := false
	fireEOSEIfDone := func() {
		eoseMu.Lock()
		defer eoseMu.Unlock()
		eoseRemaining--
		if eoseRemaining <= 0 && !eoseFired {
			eoseFired = true
			if handlers.OnEOSE != nil {
				handlers.OnEOSE()
			}
		}
	}

	for _, url := range urls {
		url := url
		handle.done.Add(1)
		go func() {
			defer handle.done.Done()

			conn, err := p.ensureConnected(subCtx, url)
			if err != nil {
				fireEOSEIfDone()
				return
			}

			sub, err := conn.Subscribe(subCtx, filters)
			if err != nil {
				p.onEventFailure(url)
				fireEOSEIfDone()
				return
			}
			defer sub.Close()

			events := sub.Events()
			eoseCh := sub.EndOfStoredEvents()
			for {
				select {
				case <-subCtx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					if ev == nil {
						continue
					}
					p.onEventSuccess(subCtx, url)
					seenMu.Lock()
					duplicate := seen[ev.ID]
					seen[ev.ID] = true
					seenMu.Unlock()
					if duplicate {
						continue
					}
					if handlers.OnEvent != nil {
						handlers.OnEvent(url, ev)
					}
				case <-eoseCh:
					fireEOSEIfDone()
					eoseCh = nil
				}
			}
		}()
	}

	return handle
}
