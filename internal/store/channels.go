package store

import (
	"sort"
	"sync"
)

// Registry is the in-memory catalog of channels the user belongs to.
// Channels are never deleted server-side from the client's point of view;
// they only disappear locally when the user leaves.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Upsert adds or replaces a channel by ID. The membership map is copied so
// the registry never shares it with the caller.
func (r *Registry) Upsert(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch.MemberIDs = copyMembers(ch.MemberIDs)
	r.channels[ch.ID] = ch
}

// Remove deletes a channel from the registry. Returns false if the channel
// was not present.
func (r *Registry) Remove(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[channelID]; !ok {
		return false
	}
	delete(r.channels, channelID)
	return true
}

// Get returns a copy of a channel by ID. Mutating the returned value,
// including its membership map, does not touch the registry.
func (r *Registry) Get(channelID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelID]
	if ok {
		ch.MemberIDs = copyMembers(ch.MemberIDs)
	}
	return ch, ok
}

// Has reports whether a channel is in the registry.
func (r *Registry) Has(channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[channelID]
	return ok
}

// AddMember records a user as a member of a channel.
func (r *Registry) AddMember(channelID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[channelID]
	if !ok {
		return
	}
	ch.MemberIDs[userID] = struct{}{}
}

// RemoveMember removes a user from a channel's membership.
func (r *Registry) RemoveMember(channelID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[channelID]
	if !ok {
		return
	}
	delete(ch.MemberIDs, userID)
}

// List returns copies of all channels sorted by name, ties broken by ID.
func (r *Registry) List() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		ch.MemberIDs = copyMembers(ch.MemberIDs)
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func copyMembers(members map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(members))
	for id := range members {
		out[id] = struct{}{}
	}
	return out
}

// IDs returns the IDs of all registered channels.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for id := range r.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
