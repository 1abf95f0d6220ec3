package store

import (
	"sort"
	"sync"
	"time"
)

// Presence is the ephemeral user-id → status map. Last write wins on every
// join/leave/status event. Entries are evicted only on explicit leave; no
// client-side expiry runs because presence is advisory, not authoritative.
type Presence struct {
	mu      sync.RWMutex
	entries map[string]PresenceEntry
	now     func() time.Time
}

// NewPresence creates an empty presence tracker.
func NewPresence() *Presence {
	return &Presence{
		entries: make(map[string]PresenceEntry),
		now:     time.Now,
	}
}

// Upsert records a user's status, stamping LastSeen with the current time.
// An empty userName keeps the previously known name.
func (p *Presence) Upsert(userID, userName, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.entries[userID]
	if userName == "" {
		userName = prev.UserName
	}
	p.entries[userID] = PresenceEntry{
		UserID:   userID,
		UserName: userName,
		Status:   status,
		LastSeen: p.now(),
	}
}

// Remove evicts a user's entry, called on user_left/memberLeft.
func (p *Presence) Remove(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, userID)
}

// Get returns one user's presence entry.
func (p *Presence) Get(userID string) (PresenceEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[userID]
	return e, ok
}

// List returns all entries sorted by user ID.
func (p *Presence) List() []PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PresenceEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
