// Package svc is the client for the gateway's request/response channel and
// message service. Every endpoint answers with a uniform
// {success, data, error} envelope; service failures are returned as errors
// for the caller to absorb into facade state, never panics.
package svc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/situ8/commsd/internal/store"
	"github.com/situ8/commsd/internal/wire"
	"go.uber.org/zap"
)

const defaultTimeout = 30 * time.Second

// Client talks to the channel/message service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a service client. token is sent as a bearer credential
// on every request.
func NewClient(baseURL, token string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the service's uniform response shape.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// apiMessage mirrors the wire message shape for REST payloads.
type apiMessage struct {
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

type apiChannel struct {
	ChannelID         string   `json:"channelId"`
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Type              string   `json:"type"`
	Description       string   `json:"description"`
	MemberIDs         []string `json:"memberIds"`
	RequiredClearance int      `json:"requiredClearance"`
}

// UserChannels returns the channels the user belongs to.
func (c *Client) UserChannels(ctx context.Context, userID string) ([]store.Channel, error) {
	data, err := c.do(ctx, http.MethodGet, "/channels", url.Values{"userId": {userID}}, nil)
	if err != nil {
		return nil, err
	}
	var raw []apiChannel
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	channels := make([]store.Channel, 0, len(raw))
	for _, ac := range raw {
		channels = append(channels, ac.toStore())
	}
	return channels, nil
}

// ChannelMessages returns up to limit recent messages for a channel.
func (c *Client) ChannelMessages(ctx context.Context, channelID string, limit int) ([]store.Message, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	data, err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID)+"/messages", q, nil)
	if err != nil {
		return nil, err
	}
	var raw []apiMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	msgs := make([]store.Message, 0, len(raw))
	for _, am := range raw {
		msgs = append(msgs, am.toStore())
	}
	return msgs, nil
}

// CreateChannel creates a channel and returns the server's record of it.
func (c *Client) CreateChannel(ctx context.Context, name string, chType store.ChannelType, description string, requiredClearance int) (store.Channel, error) {
	body := map[string]any{
		"name":              name,
		"type":              string(chType),
		"description":       description,
		"requiredClearance": requiredClearance,
	}
	data, err := c.do(ctx, http.MethodPost, "/channels", nil, body)
	if err != nil {
		return store.Channel{}, err
	}
	var raw apiChannel
	if err := json.Unmarshal(data, &raw); err != nil {
		return store.Channel{}, fmt.Errorf("decode channel: %w", err)
	}
	return raw.toStore(), nil
}

// JoinChannel adds the user to a channel's membership.
func (c *Client) JoinChannel(ctx context.Context, channelID, userID string) error {
	_, err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/members",
		nil, map[string]any{"userId": userID})
	return err
}

// LeaveChannel removes the user from a channel's membership.
func (c *Client) LeaveChannel(ctx context.Context, channelID, userID string) error {
	_, err := c.do(ctx, http.MethodDelete,
		"/channels/"+url.PathEscape(channelID)+"/members/"+url.PathEscape(userID), nil, nil)
	return err
}

// SendMessage posts a message through the request/response path and returns
// the server's record of it.
func (c *Client) SendMessage(ctx context.Context, channelID, content string, msgType store.MessageType, metadata map[string]any) (store.Message, error) {
	body := map[string]any{
		"channelId": channelID,
		"content":   content,
		"type":      string(msgType),
		"metadata":  metadata,
	}
	data, err := c.do(ctx, http.MethodPost, "/messages", nil, body)
	if err != nil {
		return store.Message{}, err
	}
	var raw apiMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return store.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return raw.toStore(), nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%s %s: decode envelope (status %d): %w", method, path, resp.StatusCode, err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%s %s: service error: %s", method, path, msg)
	}
	return env.Data, nil
}

func (am apiMessage) toStore() store.Message {
	msgType := store.MessageType(am.Type)
	if am.Type == "" {
		msgType = store.MessageText
	}
	return store.Message{
		ID:         am.MessageID,
		ChannelID:  am.ChannelID,
		SenderID:   am.SenderID,
		SenderName: wire.DisplayName(am.SenderName, am.SenderEmail, am.SenderID),
		SenderRole: am.SenderRole,
		Content:    am.Content,
		Type:       msgType,
		Timestamp:  wire.ParseTimestamp(am.Timestamp, time.Now()),
		Metadata:   am.Metadata,
	}
}

func (ac apiChannel) toStore() store.Channel {
	id := ac.ChannelID
	if id == "" {
		id = ac.ID
	}
	members := make(map[string]struct{}, len(ac.MemberIDs))
	for _, m := range ac.MemberIDs {
		members[m] = struct{}{}
	}
	chType := store.ChannelType(ac.Type)
	if ac.Type == "" {
		chType = store.ChannelGroup
	}
	return store.Channel{
		ID:                id,
		Name:              ac.Name,
		Type:              chType,
		Description:       ac.Description,
		MemberIDs:         members,
		RequiredClearance: ac.RequiredClearance,
	}
}
