package relay

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"zapgate.dev/internal/log"
	"zapgate.dev/internal/nostr/event"
)

// Set is the collection of currently-connected relay clients the gateway
// publishes to in parallel. A publish is successful if at least one relay
// accepts the event (SPEC_FULL.md §4.7 step 10). Membership changes as
// Supervisors connect/reconnect, so it is guarded by a mutex rather than
// built once at startup.
type Set struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewSet constructs an empty, dynamically-populated client set.
func NewSet(initial map[string]*Client) *Set {
	if initial == nil {
		initial = map[string]*Client{}
	}
	return &Set{clients: initial}
}

// Update registers (or replaces) the live client for url, called by a
// Supervisor each time it establishes a new connection.
func (s *Set) Update(url string, c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[url] = c
}

// Remove drops url from the set, called by a Supervisor when its
// connection is lost, so publishes stop being attempted against it.
func (s *Set) Remove(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, url)
}

func (s *Set) snapshot() map[string]*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Client, len(s.clients))
	for k, v := range s.clients {
		out[k] = v
	}
	return out
}

// PublishAll fans the event out to every currently-connected relay
// concurrently and reports success if any relay accepted it.
func (s *Set) PublishAll(ctx context.Context, ev *event.E) (acceptedBy []string, err error) {
	clients := s.snapshot()
	if len(clients) == 0 {
		return nil, errPublishFailedAllRelays
	}
	var g errgroup.Group
	type result struct {
		url string
		err error
	}
	results := make(chan result, len(clients))
	for url, c := range clients {
		url, c := url, c
		g.Go(func() error {
			pubErr := c.Publish(ctx, ev)
			results <- result{url: url, err: pubErr}
			return nil
		})
	}
	go func() {
		g.Wait()
		close(results)
	}()
	var accepted []string
	for r := range results {
		if r.err != nil {
			log.D.F("publish to %s failed: %v", r.url, r.err)
			continue
		}
		accepted = append(accepted, r.url)
	}
	if len(accepted) == 0 {
		return nil, errPublishFailedAllRelays
	}
	return accepted, nil
}

var errPublishFailedAllRelays = publishError("publish failed on all relays")

type publishError string

func (e publishError) Error() string { return string(e) }
