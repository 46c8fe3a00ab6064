// Package typing holds the per-conversation "who is typing" indicator. Entries
// expire on their own when not refreshed; expiry is checked on read and
// swept periodically, so no timer is kept per event.
package typing

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long a typing entry lives without a refresh.
const DefaultTTL = 3 * time.Second

type entry struct {
	name     string
	deadline time.Time
}

// Store maps conversation id to the current typer.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty typing store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		ttl:     DefaultTTL,
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Observe records a typing transition. isTyping=true sets or refreshes the
// entry; false clears it immediately. Returns true if the visible status of
// the conversation changed.
func (s *Store) Observe(matchID, name string, isTyping bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	prev, had := s.live(matchID, now)
	if !isTyping {
		delete(s.entries, matchID)
		return had
	}
	s.entries[matchID] = entry{name: name, deadline: now.Add(s.ttl)}
	return !had || prev.name != name
}

// Status returns the typer's name for matchID, or false if nobody is typing.
func (s *Store) Status(matchID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(matchID, s.now())
	return e.name, ok
}

// live returns the entry for matchID if it has not expired, dropping it otherwise.
// Caller holds mu.
func (s *Store) live(matchID string, now time.Time) (entry, bool) {
	e, ok := s.entries[matchID]
	if !ok {
		return entry{}, false
	}
	if !now.Before(e.deadline) {
		delete(s.entries, matchID)
		return entry{}, false
	}
	return e, true
}

// Sweep drops expired entries and returns the conversations that were cleared.
func (s *Store) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired []string
	for id, e := range s.entries {
		if !now.Before(e.deadline) {
			delete(s.entries, id)
			expired = append(expired, id)
		}
	}
	return expired
}

// Run sweeps every interval until ctx is cancelled, passing each batch of
// expired conversations to onExpire.
func (s *Store) Run(ctx context.Context, interval time.Duration, onExpire func([]string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := s.Sweep(); len(expired) > 0 && onExpire != nil {
				onExpire(expired)
			}
		}
	}
}

// Reset clears every entry.
func (s *Store) Reset() {
	s.mu.Lock()
	s.entries = make(map[string]entry)
	s.mu.Unlock()
}
