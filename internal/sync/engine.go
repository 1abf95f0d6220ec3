// Package sync reconciles local state with the gateway after every
// reconnect: queued offline actions are replayed first, then recent
// history is fetched per channel and merged into the message log. Both
// phases are idempotent, so overlap with live traffic is harmless.
package sync

import (
	"context"
	gosync "sync"

	"github.com/situ8/commsd/internal/bus"
	"github.com/situ8/commsd/internal/offline"
	"github.com/situ8/commsd/internal/state"
	"github.com/situ8/commsd/internal/store"
	"go.uber.org/zap"
)

// Sender writes raw frames to the gateway.
type Sender interface {
	Send(data []byte) error
}

// HistoryService fetches recent channel messages from the REST side.
type HistoryService interface {
	ChannelMessages(ctx context.Context, channelID string, limit int) ([]store.Message, error)
}

// Report summarizes one reconciliation run. Published on the bus when the
// run completes.
type Report struct {
	Replayed int
	Channels int
	Merged   int
}

// Engine watches connection state and runs reconciliation each time the
// session comes back up.
type Engine struct {
	bus      *bus.Bus
	sender   Sender
	history  HistoryService
	registry *store.Registry
	log      *store.MessageLog
	queue    *offline.Queue
	logger   *zap.Logger
	pageSize int

	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

func NewEngine(b *bus.Bus, sender Sender, history HistoryService,
	registry *store.Registry, log *store.MessageLog, queue *offline.Queue,
	pageSize int, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Engine{
		bus:      b,
		sender:   sender,
		history:  history,
		registry: registry,
		log:      log,
		queue:    queue,
		logger:   logger,
		pageSize: pageSize,
	}
}

// Start begins watching for reconnects. Stop cancels the watcher.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	events, unsub := e.bus.Subscribe("conn.", 16)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				change, ok := evt.Payload.(state.Change)
				if !ok || change.To != state.Connected {
					continue
				}
				e.Reconcile(ctx)
			}
		}
	}()
}

func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Reconcile runs the two-phase recovery: first the offline queue is
// replayed in enqueue order, then per-channel history is fetched and
// merged. A channel left while the fetch was in flight is skipped so the
// response cannot resurrect it.
func (e *Engine) Reconcile(ctx context.Context) Report {
	e.logger.Info("reconciliation started")
	e.bus.Publish(bus.Event{Kind: bus.KindSyncStarted})

	var report Report
	items := e.queue.Drain()
	for _, item := range items {
		if err := e.sender.Send(item.Payload); err != nil {
			// The action is lost rather than requeued: a second failure
			// this early means the session already died again and the
			// next reconnect gets a fresh queue anyway.
			e.logger.Warn("offline replay failed",
				zap.String("id", item.ID),
				zap.String("intent", item.Intent),
				zap.Error(err))
			continue
		}
		report.Replayed++
	}
	e.logger.Info("offline queue drained",
		zap.Int("queued", len(items)),
		zap.Int("replayed", report.Replayed))
	e.bus.Publish(bus.Event{Kind: bus.KindSyncQueueDrained, Payload: report.Replayed})

	for _, id := range e.registry.IDs() {
		if ctx.Err() != nil {
			break
		}
		msgs, err := e.history.ChannelMessages(ctx, id, e.pageSize)
		if err != nil {
			e.logger.Warn("history fetch failed",
				zap.String("channel", id), zap.Error(err))
			continue
		}
		if !e.registry.Has(id) {
			// Left the channel while the fetch was in flight.
			continue
		}
		added := e.log.Merge(id, msgs)
		hasMore := len(msgs) >= e.pageSize
		e.log.SetCursor(id, "", hasMore)
		report.Channels++
		report.Merged += added
		e.bus.Publish(bus.Event{Kind: bus.KindStoreHistoryMerged, Payload: id})
	}

	e.logger.Info("reconciliation completed",
		zap.Int("channels", report.Channels),
		zap.Int("merged", report.Merged))
	e.bus.Publish(bus.Event{Kind: bus.KindSyncCompleted, Payload: report})
	return report
}
