// Package offline buffers outbound actions attempted while the transport is
// down. The queue is a best-effort FIFO, not a durable outbox: items are
// replayed once on reconnect and dropped if the replay fails.
package offline

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/situ8/commsd/internal/cache"
	"go.uber.org/zap"
)

// Item is one queued outbound action. Payload is the already-encoded wire
// frame, so replay is a plain send.
type Item struct {
	ID         string          `json:"id"`
	Intent     string          `json:"intent"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Queue is the offline action queue, persisted best-effort through a KV so
// a restart while offline does not lose user intent.
type Queue struct {
	mu     sync.Mutex
	items  []Item
	kv     cache.KV
	logger *zap.Logger
}

// NewQueue creates a queue backed by kv, loading any persisted items.
// kv may be nil for a purely in-memory queue.
func NewQueue(kv cache.KV, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{kv: kv, logger: logger}
	q.load()
	return q
}

// Enqueue appends an action and returns the stored item.
func (q *Queue) Enqueue(intent string, payload []byte) Item {
	item := Item{
		ID:         uuid.NewString(),
		Intent:     intent,
		Payload:    json.RawMessage(payload),
		EnqueuedAt: time.Now(),
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.persistLocked()
	q.mu.Unlock()

	q.logger.Info("action queued offline",
		zap.String("intent", intent),
		zap.String("item_id", item.ID))
	return item
}

// Drain removes and returns all items in FIFO order.
func (q *Queue) Drain() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.persistLocked()
	return items
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queue without consuming it.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) load() {
	if q.kv == nil {
		return
	}
	raw, ok, err := q.kv.Get(cache.KeyOfflineQueue)
	if err != nil {
		q.logger.Warn("failed to load offline queue", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	var items []Item
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.logger.Warn("discarding corrupt offline queue", zap.Error(err))
		_ = q.kv.Delete(cache.KeyOfflineQueue)
		return
	}
	q.items = items
}

func (q *Queue) persistLocked() {
	if q.kv == nil {
		return
	}
	if len(q.items) == 0 {
		if err := q.kv.Delete(cache.KeyOfflineQueue); err != nil {
			q.logger.Warn("failed to clear persisted queue", zap.Error(err))
		}
		return
	}
	data, err := json.Marshal(q.items)
	if err != nil {
		return
	}
	if err := q.kv.Set(cache.KeyOfflineQueue, string(data)); err != nil {
		q.logger.Warn("failed to persist offline queue", zap.Error(err))
	}
}
