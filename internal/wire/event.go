// Package wire maps frames exchanged with the communication gateway to and
// from typed internal events. Inbound frames are tagged by an "action"
// discriminator; every known discriminator decodes to exactly one Event
// variant, and anything else becomes Unknown rather than an error.
package wire

import (
	"time"

	"github.com/situ8/commsd/internal/store"
)

// Event is a decoded inbound frame. The set of variants is closed: a type
// switch over them plus Unknown covers every frame the decoder can produce.
type Event interface {
	isEvent()
}

// MessageReceived carries one live message.
type MessageReceived struct {
	Message store.Message
}

// HistoryBatch carries a page of channel history, from the initial
// message_history reply or a paginated message_history_batch reply.
type HistoryBatch struct {
	ChannelID string
	Messages  []store.Message
	HasMore   bool
	Cursor    string
}

// UserJoined announces a user joining a channel (user_joined/memberJoined).
type UserJoined struct {
	UserID    string
	UserName  string
	ChannelID string
}

// UserLeft announces a user leaving (user_left/memberLeft).
type UserLeft struct {
	UserID    string
	ChannelID string
}

// StatusUpdate carries a presence status change.
type StatusUpdate struct {
	UserID   string
	UserName string
	Status   string
}

// Typing is a transient typing indicator; never persisted.
type Typing struct {
	UserID    string
	ChannelID string
	IsTyping  bool
}

// Pong acknowledges a heartbeat ping.
type Pong struct {
	Timestamp time.Time
}

// ChannelCreated announces a newly created channel.
type ChannelCreated struct {
	Channel store.Channel
}

// Unknown is produced for any unrecognized discriminator. Callers log and
// drop it; an unknown frame is never fatal.
type Unknown struct {
	Action string
}

func (MessageReceived) isEvent() {}
func (HistoryBatch) isEvent()    {}
func (UserJoined) isEvent()      {}
func (UserLeft) isEvent()        {}
func (StatusUpdate) isEvent()    {}
func (Typing) isEvent()          {}
func (Pong) isEvent()            {}
func (ChannelCreated) isEvent()  {}
func (Unknown) isEvent()         {}
