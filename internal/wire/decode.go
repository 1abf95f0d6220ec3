package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/situ8/commsd/internal/store"
)

// Inbound discriminator values.
const (
	actionMessage       = "message"
	actionHistory       = "message_history"
	actionHistoryBatch  = "message_history_batch"
	actionUserJoined    = "user_joined"
	actionMemberJoined  = "memberJoined"
	actionUserLeft      = "user_left"
	actionMemberLeft    = "memberLeft"
	actionStatusUpdate  = "userStatusUpdate"
	actionTyping        = "typing"
	actionPong          = "pong"
	actionChannelCreate = "channelCreated"
)

// wireMessage is the gateway's JSON shape for one message.
type wireMessage struct {
	MessageID   string         `json:"messageId"`
	ChannelID   string         `json:"channelId"`
	SenderID    string         `json:"senderId"`
	SenderName  string         `json:"senderName"`
	SenderEmail string         `json:"senderEmail"`
	SenderRole  string         `json:"senderRole"`
	Content     string         `json:"content"`
	Type        string         `json:"type"`
	Timestamp   string         `json:"timestamp"`
	Metadata    map[string]any `json:"metadata"`
}

// wireChannel is the gateway's JSON shape for one channel.
type wireChannel struct {
	ChannelID         string   `json:"channelId"`
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Type              string   `json:"type"`
	Description       string   `json:"description"`
	MemberIDs         []string `json:"memberIds"`
	RequiredClearance int      `json:"requiredClearance"`
}

// frame is the inbound envelope. All payload fields are optional; each
// action reads only the ones it defines.
type frame struct {
	Action    string          `json:"action"`
	Message   *wireMessage    `json:"message"`
	Messages  []wireMessage   `json:"messages"`
	Channel   *wireChannel    `json:"channel"`
	ChannelID string          `json:"channelId"`
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	UserEmail string          `json:"userEmail"`
	Status    string          `json:"status"`
	IsTyping  bool            `json:"isTyping"`
	HasMore   bool            `json:"hasMore"`
	Cursor    json.RawMessage `json:"lastEvaluatedKey"`
	Timestamp string          `json:"timestamp"`
}

// Decode parses one inbound frame. Unrecognized discriminators yield
// Unknown; errors are reserved for JSON that does not parse and message
// frames with no payload to store. Missing optional fields decode to zero
// values, never a failure.
func Decode(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}

	switch f.Action {
	case actionMessage:
		if f.Message == nil || f.Message.MessageID == "" {
			return nil, fmt.Errorf("message frame without payload")
		}
		return MessageReceived{Message: f.Message.toStore()}, nil

	case actionHistory, actionHistoryBatch:
		msgs := make([]store.Message, 0, len(f.Messages))
		for _, wm := range f.Messages {
			msgs = append(msgs, wm.toStore())
		}
		channelID := f.ChannelID
		if channelID == "" && len(msgs) > 0 {
			channelID = msgs[0].ChannelID
		}
		return HistoryBatch{
			ChannelID: channelID,
			Messages:  msgs,
			HasMore:   f.HasMore,
			Cursor:    rawCursor(f.Cursor),
		}, nil

	case actionUserJoined, actionMemberJoined:
		return UserJoined{
			UserID:    f.UserID,
			UserName:  DisplayName(f.UserName, f.UserEmail, f.UserID),
			ChannelID: f.ChannelID,
		}, nil

	case actionUserLeft, actionMemberLeft:
		return UserLeft{UserID: f.UserID, ChannelID: f.ChannelID}, nil

	case actionStatusUpdate:
		return StatusUpdate{
			UserID:   f.UserID,
			UserName: DisplayName(f.UserName, f.UserEmail, f.UserID),
			Status:   f.Status,
		}, nil

	case actionTyping:
		return Typing{UserID: f.UserID, ChannelID: f.ChannelID, IsTyping: f.IsTyping}, nil

	case actionPong:
		return Pong{Timestamp: ParseTimestamp(f.Timestamp, time.Now())}, nil

	case actionChannelCreate:
		if f.Channel == nil {
			return ChannelCreated{}, nil
		}
		return ChannelCreated{Channel: f.Channel.toStore()}, nil

	default:
		return Unknown{Action: f.Action}, nil
	}
}

func (wm *wireMessage) toStore() store.Message {
	msgType := store.MessageType(wm.Type)
	if wm.Type == "" {
		msgType = store.MessageText
	}
	return store.Message{
		ID:         wm.MessageID,
		ChannelID:  wm.ChannelID,
		SenderID:   wm.SenderID,
		SenderName: DisplayName(wm.SenderName, wm.SenderEmail, wm.SenderID),
		SenderRole: wm.SenderRole,
		Content:    wm.Content,
		Type:       msgType,
		Timestamp:  ParseTimestamp(wm.Timestamp, time.Now()),
		Metadata:   wm.Metadata,
	}
}

func (wc *wireChannel) toStore() store.Channel {
	id := wc.ChannelID
	if id == "" {
		id = wc.ID
	}
	members := make(map[string]struct{}, len(wc.MemberIDs))
	for _, m := range wc.MemberIDs {
		members[m] = struct{}{}
	}
	chType := store.ChannelType(wc.Type)
	if wc.Type == "" {
		chType = store.ChannelGroup
	}
	return store.Channel{
		ID:                id,
		Name:              wc.Name,
		Type:              chType,
		Description:       wc.Description,
		MemberIDs:         members,
		RequiredClearance: wc.RequiredClearance,
	}
}

// DisplayName resolves a human-readable sender name. Precedence: explicit
// name, then email, then raw user ID. Always returns the first non-empty.
func DisplayName(name, email, id string) string {
	if name != "" {
		return name
	}
	if email != "" {
		return email
	}
	return id
}

// timestampLayouts covers RFC 3339 plus the gateway's zone-less ISO form
// (Python isoformat), which is interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp parses a wire timestamp, falling back to the given arrival
// time when the field is missing or malformed so ordering degrades to
// arrival order instead of failing.
func ParseTimestamp(s string, arrival time.Time) time.Time {
	if s == "" {
		return arrival
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts
		}
	}
	return arrival
}

// rawCursor keeps the pagination cursor opaque: the gateway may send a plain
// string or a structured key, and we echo it back verbatim.
func rawCursor(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
