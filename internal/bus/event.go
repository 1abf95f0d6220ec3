package bus

import "time"

// Event kinds published by the sync core, grouped by namespace prefix.
// Subscribers filter on the prefix (e.g. "wire." for all decoded frames).
const (
	// conn.* — connection lifecycle, published by the state machine.
	KindConnStateChanged = "conn.state_changed"

	// wire.* — decoded inbound frames, published by the transport.
	KindWireMessage        = "wire.message"
	KindWireHistory        = "wire.history"
	KindWireUserJoined     = "wire.user_joined"
	KindWireUserLeft       = "wire.user_left"
	KindWireStatusUpdate   = "wire.status_update"
	KindWireTyping         = "wire.typing"
	KindWirePong           = "wire.pong"
	KindWireChannelCreated = "wire.channel_created"
	KindWireUnknown        = "wire.unknown"

	// store.* — local state changes, published by the facade for UI consumers.
	KindStoreMessageAppended = "store.message_appended"
	KindStoreHistoryMerged   = "store.history_merged"
	KindStoreChannelUpserted = "store.channel_upserted"
	KindStoreChannelRemoved  = "store.channel_removed"
	KindStorePresenceChanged = "store.presence_changed"
	KindStoreTyping          = "store.typing"
	KindStoreError           = "store.error"

	// sync.* — reconciliation progress.
	KindSyncStarted      = "sync.started"
	KindSyncQueueDrained = "sync.queue_drained"
	KindSyncCompleted    = "sync.completed"
)

// Event is a single occurrence published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
