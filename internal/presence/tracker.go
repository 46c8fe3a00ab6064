// Package presence tracks which peers are currently online. Membership is
// binary and driven entirely by server events; there is no local staleness
// detection.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Tracker is the online set keyed by peer identity, valued by the time the
// peer was last reported online. Peers that went offline keep the time they
// were last seen until Reset.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]time.Time
	seen   map[string]time.Time
	now    func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		online: make(map[string]time.Time),
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// SetOnline adds id to the online set. Returns true if id was not already online.
func (t *Tracker) SetOnline(id string) bool {
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, was := t.online[id]
	t.online[id] = t.now()
	return !was
}

// SetOffline removes id from the online set. Returns true if id was online.
func (t *Tracker) SetOffline(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.online[id]; !ok {
		return false
	}
	delete(t.online, id)
	t.seen[id] = t.now()
	return true
}

// ReplaceAll swaps the whole online set for ids. Peers absent from ids are
// offline afterwards.
func (t *Tracker) ReplaceAll(ids []string) {
	now := t.now()
	next := make(map[string]time.Time, len(ids))
	for _, id := range ids {
		if id != "" {
			next[id] = now
		}
	}
	t.mu.Lock()
	for id := range t.online {
		if _, ok := next[id]; !ok {
			t.seen[id] = now
		}
	}
	t.online = next
	t.mu.Unlock()
}

// IsOnline reports whether id is in the online set.
func (t *Tracker) IsOnline(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[id]
	return ok
}

// LastSeen returns when an offline id was last online. ok is false for
// peers that are online or were never seen this session.
func (t *Tracker) LastSeen(id string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, online := t.online[id]; online {
		return time.Time{}, false
	}
	ts, ok := t.seen[id]
	return ts, ok
}

// Online returns the online ids in sorted order.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Reset empties the set on session teardown.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.online = make(map[string]time.Time)
	t.seen = make(map[string]time.Time)
	t.mu.Unlock()
}
