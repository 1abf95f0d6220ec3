package store

import (
	"sort"
	"sync"
)

// MessageLog holds the per-channel ordered message logs, deduplicated by
// message ID, together with unread counters and history pagination cursors.
//
// For any channel the log contains no two messages with the same ID and is
// sorted ascending by timestamp; equal timestamps keep arrival order.
type MessageLog struct {
	mu        sync.RWMutex
	byChannel map[string][]Message
	ids       map[string]map[string]struct{}
	unread    map[string]int
	active    string
	cursors   map[string]string
	hasMore   map[string]bool
}

// NewMessageLog creates an empty message log with no active channel.
func NewMessageLog() *MessageLog {
	return &MessageLog{
		byChannel: make(map[string][]Message),
		ids:       make(map[string]map[string]struct{}),
		unread:    make(map[string]int),
		cursors:   make(map[string]string),
		hasMore:   make(map[string]bool),
	}
}

// Append inserts a message into its channel's log unless a message with the
// same ID already exists. Returns false for duplicates. Appending to a
// channel other than the active one increments that channel's unread count.
func (l *MessageLog) Append(msg Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := l.ids[msg.ChannelID]
	if seen == nil {
		seen = make(map[string]struct{})
		l.ids[msg.ChannelID] = seen
	}
	if _, dup := seen[msg.ID]; dup {
		return false
	}
	seen[msg.ID] = struct{}{}

	log := append(l.byChannel[msg.ChannelID], msg)
	sort.SliceStable(log, func(i, j int) bool {
		return log[i].Timestamp.Before(log[j].Timestamp)
	})
	l.byChannel[msg.ChannelID] = log

	if msg.ChannelID != l.active {
		l.unread[msg.ChannelID]++
	}
	return true
}

// Merge folds a history batch into a channel's log, deduplicating by ID.
// Existing local copies win for locally-mutated fields (IsRead), so a resync
// never flips a read message back to unread. Returns the number of messages
// actually added. Merging does not touch unread counters: history describes
// the past, live appends describe arrivals.
func (l *MessageLog) Merge(channelID string, msgs []Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := l.ids[channelID]
	if seen == nil {
		seen = make(map[string]struct{})
		l.ids[channelID] = seen
	}

	log := l.byChannel[channelID]
	added := 0
	for _, m := range msgs {
		if m.ChannelID == "" {
			m.ChannelID = channelID
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		log = append(log, m)
		added++
	}
	if added > 0 {
		sort.SliceStable(log, func(i, j int) bool {
			return log[i].Timestamp.Before(log[j].Timestamp)
		})
		l.byChannel[channelID] = log
	}
	return added
}

// Messages returns a copy of the channel's ordered log.
func (l *MessageLog) Messages(channelID string) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	log := l.byChannel[channelID]
	out := make([]Message, len(log))
	copy(out, log)
	return out
}

// Count returns the number of cached messages for a channel.
func (l *MessageLog) Count(channelID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byChannel[channelID])
}

// SetActive changes the channel whose messages are considered seen.
// Activating a channel zeroes its unread counter. Pass "" for none.
func (l *MessageLog) SetActive(channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = channelID
	if channelID != "" {
		delete(l.unread, channelID)
	}
}

// Active returns the currently active channel ID, or "".
func (l *MessageLog) Active() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// MarkRead zeroes a channel's unread counter and flags its cached messages
// as read.
func (l *MessageLog) MarkRead(channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.unread, channelID)
	log := l.byChannel[channelID]
	for i := range log {
		log[i].IsRead = true
	}
}

// Unread returns a copy of the per-channel unread counters.
func (l *MessageLog) Unread() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int, len(l.unread))
	for id, n := range l.unread {
		out[id] = n
	}
	return out
}

// UnreadFor returns one channel's unread count.
func (l *MessageLog) UnreadFor(channelID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unread[channelID]
}

// TotalUnread returns the sum of all unread counters.
func (l *MessageLog) TotalUnread() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0
	for _, n := range l.unread {
		total += n
	}
	return total
}

// Drop discards a channel's log, unread counter and pagination state.
// Used when the user leaves a channel; history is not retained.
func (l *MessageLog) Drop(channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byChannel, channelID)
	delete(l.ids, channelID)
	delete(l.unread, channelID)
	delete(l.cursors, channelID)
	delete(l.hasMore, channelID)
	if l.active == channelID {
		l.active = ""
	}
}

// SetCursor records the pagination cursor and has-more flag from the most
// recent history batch for a channel.
func (l *MessageLog) SetCursor(channelID, cursor string, hasMore bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cursors[channelID] = cursor
	l.hasMore[channelID] = hasMore
}

// Cursor returns the stored pagination cursor and whether more history is
// available server-side.
func (l *MessageLog) Cursor(channelID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cursors[channelID], l.hasMore[channelID]
}
