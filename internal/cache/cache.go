// Package cache provides the pluggable key-value persistence behind the sync
// core's warm-start state (offline queue, channel snapshot, history cursors).
// The core only ever sees the KV interface, so in-memory and SQLite backends
// are interchangeable.
package cache

// KV is a minimal string key-value store. All persistence in the sync core
// is best-effort: callers log KV errors and carry on with in-memory state.
type KV interface {
	// Get returns the value for key, and whether the key was present.
	Get(key string) (string, bool, error)
	// Set stores the value for key, replacing any previous value.
	Set(key, value string) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(key string) error
	// Clear removes every key.
	Clear() error
}

// Well-known keys.
const (
	KeyOfflineQueue    = "offline_queue"
	KeyChannelSnapshot = "channel_snapshot"
)
