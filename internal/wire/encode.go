package wire

import (
	"encoding/json"
	"fmt"

	"github.com/situ8/commsd/internal/store"
)

// Outbound discriminator values.
const (
	ActionSend          = "send"
	ActionJoin          = "join"
	ActionLeave         = "leave"
	ActionCreateChannel = "create_channel"
	ActionPing          = "ping"
	ActionTyping        = "typing"
	ActionLoadMore      = "load_more_messages"
)

type sendFrame struct {
	Action    string         `json:"action"`
	ChannelID string         `json:"channelId"`
	Content   string         `json:"content"`
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type channelFrame struct {
	Action    string `json:"action"`
	ChannelID string `json:"channelId"`
}

type createChannelFrame struct {
	Action            string `json:"action"`
	Name              string `json:"name"`
	Type              string `json:"type"`
	Description       string `json:"description,omitempty"`
	RequiredClearance int    `json:"requiredClearance,omitempty"`
}

type pingFrame struct {
	Action string `json:"action"`
}

type typingFrame struct {
	Action    string `json:"action"`
	ChannelID string `json:"channelId"`
	IsTyping  bool   `json:"isTyping"`
}

type loadMoreFrame struct {
	Action    string `json:"action"`
	ChannelID string `json:"channelId"`
	Limit     int    `json:"limit"`
	Cursor    string `json:"cursor,omitempty"`
}

// SendMessage builds a send frame. It is the one builder that can fail:
// caller-supplied metadata may hold values JSON cannot represent.
func SendMessage(channelID, content string, msgType store.MessageType, metadata map[string]any) ([]byte, error) {
	data, err := json.Marshal(sendFrame{
		Action:    ActionSend,
		ChannelID: channelID,
		Content:   content,
		Type:      string(msgType),
		Metadata:  metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("encode send frame: %w", err)
	}
	return data, nil
}

// Join builds a join frame.
func Join(channelID string) []byte {
	return mustMarshal(channelFrame{Action: ActionJoin, ChannelID: channelID})
}

// Leave builds a leave frame.
func Leave(channelID string) []byte {
	return mustMarshal(channelFrame{Action: ActionLeave, ChannelID: channelID})
}

// CreateChannel builds a create_channel frame.
func CreateChannel(name string, chType store.ChannelType, description string, requiredClearance int) []byte {
	return mustMarshal(createChannelFrame{
		Action:            ActionCreateChannel,
		Name:              name,
		Type:              string(chType),
		Description:       description,
		RequiredClearance: requiredClearance,
	})
}

// Ping builds a heartbeat frame.
func Ping() []byte {
	return mustMarshal(pingFrame{Action: ActionPing})
}

// SetTyping builds a typing indicator frame.
func SetTyping(channelID string, isTyping bool) []byte {
	return mustMarshal(typingFrame{Action: ActionTyping, ChannelID: channelID, IsTyping: isTyping})
}

// LoadMore builds a paginated history request.
func LoadMore(channelID string, limit int, cursor string) []byte {
	return mustMarshal(loadMoreFrame{
		Action:    ActionLoadMore,
		ChannelID: channelID,
		Limit:     limit,
		Cursor:    cursor,
	})
}

// mustMarshal never fails for the frame structs above: they contain only
// marshalable field types.
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
