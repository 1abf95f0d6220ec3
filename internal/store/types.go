package store

import "time"

// ChannelType classifies a channel.
type ChannelType string

const (
	ChannelDirect    ChannelType = "direct"
	ChannelGroup     ChannelType = "group"
	ChannelBroadcast ChannelType = "broadcast"
	ChannelEmergency ChannelType = "emergency"
)

// MessageType classifies a message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageAudio  MessageType = "audio"
	MessageSystem MessageType = "system"
	MessageAlert  MessageType = "alert"
)

// Channel is a named scope of message exchange with explicit membership.
type Channel struct {
	ID                string
	Name              string
	Type              ChannelType
	Description       string
	MemberIDs         map[string]struct{}
	RequiredClearance int
}

// Message is one message in a channel. Identity is ID (server-assigned,
// unique per channel). Immutable once stored except for IsRead.
type Message struct {
	ID         string
	ChannelID  string
	SenderID   string
	SenderName string
	SenderRole string
	Content    string
	Type       MessageType
	Timestamp  time.Time
	Metadata   map[string]any
	IsRead     bool
}

// PresenceEntry is advisory online/offline information about one user.
type PresenceEntry struct {
	UserID   string
	UserName string
	Status   string
	LastSeen time.Time
}
