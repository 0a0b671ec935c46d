package pool

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// RelayOutcome is the per-URL terminal result of a Publish call.
type RelayOutcome struct {
	Accepted  bool
	Rejected  bool
	TimedOut  bool
	Error     error
}

// PublishOutcome is the aggregate result of broadcasting one event to a
// set of relay URLs. Success means at least one relay accepted it.
type PublishOutcome struct {
	Success bool
	PerURL  map[string]RelayOutcome
}

// Publish broadcasts event to every url concurrently and resolves once
// every relay has reached a terminal outcome (accepted, rejected, timed
// out, or dial error).
func (p *Pool) Publish(ctx context.Context, urls []string, event nostr.Event) PublishOutcome {
	var mu sync.Mutex
	outcome := PublishOutcome{PerURL: make(map[string]RelayOutcome, len(urls))}

	var wg sync.WaitGroup
	for _, url := range urls {
		url := url
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := p.publishOne(ctx, url, event)

			mu.Lock()
			outcome.PerURL[url] = result
			if result.Accepted {
				outcome.Success = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	return outcome
}

func (p *Pool) publishOne(ctx context.Context, url string, event nostr.Event) RelayOutcome {
	conn, err := p.ensureConnected(ctx, url)
	if err != nil {
		return RelayOutcome{Error: err}
	}

	if err := conn.Publish(ctx, event); err != nil {
		p.onEventFailure(url)
		if ctx.Err() != nil {
			return RelayOutcome{TimedOut: true, Error: err}
		}
		return RelayOutcome{Rejected: true, Error: err}
	}

	p.onEventSuccess(ctx, url)
	return RelayOutcome{Accepted: true}
}
