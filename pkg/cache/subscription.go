package cache

import (
	"context"

	"github.com/slvnlrt/spacedrive/pkg/querykey"
)

// Subscription is one observer of a cache entry. Closing it does not
// cancel a fetch in flight.
type Subscription struct {
	c       *Cache
	e       *entry
	enabled bool // guarded by c.mu
	closed  bool // guarded by c.mu
	updates chan struct{}
}

// Key returns the subscribed key.
func (s *Subscription) Key() querykey.Key { return s.e.key }

// Snapshot returns the entry's current state.
func (s *Subscription) Snapshot() Snapshot {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.e.snapshot()
}

// Updates returns a channel that receives a signal after the entry
// changes. Signals coalesce; read Snapshot for the current state.
func (s *Subscription) Updates() <-chan struct{} { return s.updates }

// Wait blocks until no fetch is in flight and the entry holds a result
// (success or error), then returns its snapshot.
func (s *Subscription) Wait(ctx context.Context) (Snapshot, error) {
	for {
		s.c.mu.Lock()
		e := s.e
		if !e.fetching && (e.status == StatusSuccess || e.status == StatusError) {
			snap := e.snapshot()
			s.c.mu.Unlock()
			return snap, nil
		}
		changed := e.changed
		s.c.mu.Unlock()

		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case <-changed:
		}
	}
}

// SetEnabled toggles fetching for this subscription. Enabling a
// previously disabled subscription refetches.
func (s *Subscription) SetEnabled(enabled bool) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.closed || s.enabled == enabled {
		return
	}
	s.enabled = enabled
	if enabled && !s.e.fetchingFresh() {
		s.c.startFetch(s.e, "enabled")
	}
}

// Refetch starts a new fetch generation regardless of freshness.
func (s *Subscription) Refetch() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.closed || !s.enabled {
		return
	}
	s.c.startFetch(s.e, "refetch")
}

// Close removes the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.c.mu.Lock()
	if s.closed {
		s.c.mu.Unlock()
		return
	}
	s.closed = true
	s.c.mu.Unlock()
	s.c.unsubscribe(s)
}

func (s *Subscription) signal() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
