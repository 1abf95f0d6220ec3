// Package comms is the surface the UI layer talks to. The Facade owns the
// channel registry, message log, presence tracker, and offline queue;
// inbound frames are handed to it synchronously by the transport's read
// loop, one frame to completion at a time, and every read accessor returns
// a copy, so callers never observe mid-event state.
package comms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"

	"github.com/situ8/commsd/internal/bus"
	"github.com/situ8/commsd/internal/offline"
	"github.com/situ8/commsd/internal/state"
	"github.com/situ8/commsd/internal/store"
	"github.com/situ8/commsd/internal/token"
	"github.com/situ8/commsd/internal/transport"
	"github.com/situ8/commsd/internal/wire"
	"go.uber.org/zap"
)

// Transport writes raw frames to the gateway.
type Transport interface {
	Send(data []byte) error
}

// Service is the REST collaborator used for channel management and history.
type Service interface {
	UserChannels(ctx context.Context, userID string) ([]store.Channel, error)
	ChannelMessages(ctx context.Context, channelID string, limit int) ([]store.Message, error)
	CreateChannel(ctx context.Context, name string, chType store.ChannelType, description string, requiredClearance int) (store.Channel, error)
}

// ErrInsufficientClearance is returned by JoinChannel when the caller's
// clearance is below the channel's requirement. Local pre-check only; the
// server remains authoritative.
var ErrInsufficientClearance = errors.New("comms: insufficient clearance for channel")

// Facade exposes the synchronized communication state and the action
// functions that mutate it.
type Facade struct {
	bus      *bus.Bus
	trans    Transport
	svc      Service
	machine  *state.Machine
	identity token.Identity
	logger   *zap.Logger
	pageSize int

	registry *store.Registry
	log      *store.MessageLog
	presence *store.Presence
	queue    *offline.Queue

	mu      gosync.RWMutex
	lastErr string
	typing  map[string]map[string]struct{}
}

type Params struct {
	Bus       *bus.Bus
	Transport Transport
	Service   Service
	Machine   *state.Machine
	Identity  token.Identity
	Registry  *store.Registry
	Log       *store.MessageLog
	Presence  *store.Presence
	Queue     *offline.Queue
	PageSize  int
	Logger    *zap.Logger
}

func New(p Params) *Facade {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.PageSize <= 0 {
		p.PageSize = 50
	}
	return &Facade{
		bus:      p.Bus,
		trans:    p.Transport,
		svc:      p.Service,
		machine:  p.Machine,
		identity: p.Identity,
		logger:   p.Logger,
		pageSize: p.PageSize,
		registry: p.Registry,
		log:      p.Log,
		presence: p.Presence,
		queue:    p.Queue,
		typing:   make(map[string]map[string]struct{}),
	}
}

// Handle applies one decoded frame. The transport's read loop calls it
// synchronously rather than through the lossy bus, so no live message can
// be dropped; each frame is handled to completion before the next is read.
func (f *Facade) Handle(evt wire.Event) {
	f.apply(evt)
}

func (f *Facade) apply(evt wire.Event) {
	switch e := evt.(type) {
	case wire.MessageReceived:
		if e.Message.ID == "" {
			// A message frame without a payload carries nothing to store.
			f.logger.Warn("message frame without id dropped")
			return
		}
		if f.log.Append(e.Message) {
			f.bus.Publish(bus.Event{Kind: bus.KindStoreMessageAppended, Payload: e.Message})
		}
	case wire.HistoryBatch:
		if !f.registry.Has(e.ChannelID) {
			// Late history for a channel the user already left.
			f.logger.Debug("stale history dropped", zap.String("channel", e.ChannelID))
			return
		}
		f.log.Merge(e.ChannelID, e.Messages)
		f.log.SetCursor(e.ChannelID, e.Cursor, e.HasMore)
		f.bus.Publish(bus.Event{Kind: bus.KindStoreHistoryMerged, Payload: e.ChannelID})
	case wire.UserJoined:
		f.presence.Upsert(e.UserID, e.UserName, "online")
		if e.ChannelID != "" {
			f.registry.AddMember(e.ChannelID, e.UserID)
		}
		f.bus.Publish(bus.Event{Kind: bus.KindStorePresenceChanged, Payload: e.UserID})
	case wire.UserLeft:
		f.presence.Remove(e.UserID)
		if e.ChannelID != "" {
			f.registry.RemoveMember(e.ChannelID, e.UserID)
		}
		f.clearTyping(e.UserID)
		f.bus.Publish(bus.Event{Kind: bus.KindStorePresenceChanged, Payload: e.UserID})
	case wire.StatusUpdate:
		f.presence.Upsert(e.UserID, e.UserName, e.Status)
		f.bus.Publish(bus.Event{Kind: bus.KindStorePresenceChanged, Payload: e.UserID})
	case wire.Typing:
		f.setTyping(e.ChannelID, e.UserID, e.IsTyping)
		f.bus.Publish(bus.Event{Kind: bus.KindStoreTyping, Payload: e})
	case wire.ChannelCreated:
		f.registry.Upsert(e.Channel)
		f.bus.Publish(bus.Event{Kind: bus.KindStoreChannelUpserted, Payload: e.Channel.ID})
	case wire.Pong, wire.Unknown:
		// Pong is consumed by the transport; unknown frames were already
		// logged there. Neither changes local state.
	}
}

// Bootstrap loads the user's channel list from the REST side. Called once
// at startup, before the first connect.
func (f *Facade) Bootstrap(ctx context.Context) error {
	channels, err := f.svc.UserChannels(ctx, f.identity.UserID)
	if err != nil {
		f.recordErr(fmt.Errorf("load channels: %w", err))
		return err
	}
	for _, ch := range channels {
		f.registry.Upsert(ch)
		f.bus.Publish(bus.Event{Kind: bus.KindStoreChannelUpserted, Payload: ch.ID})
	}
	f.logger.Info("channels loaded", zap.Int("count", len(channels)))
	return nil
}

// SendMessage delivers a message to a channel. While offline the frame is
// queued and replayed on reconnect; the message appears in the log when
// the gateway echoes it back, never by local insertion.
func (f *Facade) SendMessage(channelID, content string, msgType store.MessageType, metadata map[string]any) error {
	if msgType == "" {
		msgType = store.MessageText
	}
	frame, err := wire.SendMessage(channelID, content, msgType, metadata)
	if err != nil {
		f.recordErr(err)
		return err
	}
	return f.sendOrQueue("send_message", frame)
}

// JoinChannel asks the gateway to add the user to a channel. Channels with
// a clearance requirement above the caller's are refused locally.
func (f *Facade) JoinChannel(channelID string) error {
	if ch, ok := f.registry.Get(channelID); ok && ch.RequiredClearance > f.identity.Clearance {
		return fmt.Errorf("%w: %s requires level %d", ErrInsufficientClearance, channelID, ch.RequiredClearance)
	}
	return f.sendOrQueue("join", wire.Join(channelID))
}

// LeaveChannel drops the channel locally right away; message history is not
// retained for channels the user is no longer a member of. The leave intent
// is still delivered (or queued) so the server catches up.
func (f *Facade) LeaveChannel(channelID string) error {
	f.registry.Remove(channelID)
	f.log.Drop(channelID)
	f.mu.Lock()
	delete(f.typing, channelID)
	f.mu.Unlock()
	f.bus.Publish(bus.Event{Kind: bus.KindStoreChannelRemoved, Payload: channelID})
	return f.sendOrQueue("leave", wire.Leave(channelID))
}

// CreateChannel creates a channel through the REST service and registers it
// locally on success.
func (f *Facade) CreateChannel(ctx context.Context, name string, chType store.ChannelType, description string, requiredClearance int) (store.Channel, error) {
	ch, err := f.svc.CreateChannel(ctx, name, chType, description, requiredClearance)
	if err != nil {
		f.recordErr(fmt.Errorf("create channel: %w", err))
		return store.Channel{}, err
	}
	f.registry.Upsert(ch)
	f.bus.Publish(bus.Event{Kind: bus.KindStoreChannelUpserted, Payload: ch.ID})
	return ch, nil
}

// SetActiveChannel focuses a channel for unread accounting. If no history
// is cached yet it is fetched and merged first, then the channel is marked
// read. Pass "" to clear the focus.
func (f *Facade) SetActiveChannel(ctx context.Context, channelID string) error {
	f.log.SetActive(channelID)
	if channelID == "" {
		return nil
	}
	if f.log.Count(channelID) == 0 {
		msgs, err := f.svc.ChannelMessages(ctx, channelID, f.pageSize)
		if err != nil {
			f.recordErr(fmt.Errorf("load history: %w", err))
			return err
		}
		if f.registry.Has(channelID) {
			f.log.Merge(channelID, msgs)
			f.log.SetCursor(channelID, "", len(msgs) >= f.pageSize)
			f.bus.Publish(bus.Event{Kind: bus.KindStoreHistoryMerged, Payload: channelID})
		}
	}
	f.log.MarkRead(channelID)
	return nil
}

// MarkChannelRead zeroes the channel's unread counter.
func (f *Facade) MarkChannelRead(channelID string) {
	f.log.MarkRead(channelID)
}

// LoadMore requests the next page of history for a channel using the
// stored cursor. Requires a live connection; deep backlog paging is not
// queued offline.
func (f *Facade) LoadMore(channelID string) error {
	cursor, hasMore := f.log.Cursor(channelID)
	if !hasMore && f.log.Count(channelID) > 0 {
		return nil
	}
	return f.trans.Send(wire.LoadMore(channelID, f.pageSize, cursor))
}

// SetTyping broadcasts a typing indicator. Best-effort: dropped silently
// while offline.
func (f *Facade) SetTyping(channelID string, isTyping bool) {
	if err := f.trans.Send(wire.SetTyping(channelID, isTyping)); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		f.logger.Debug("typing send failed", zap.Error(err))
	}
}

func (f *Facade) sendOrQueue(intent string, frame []byte) error {
	err := f.trans.Send(frame)
	if errors.Is(err, transport.ErrNotConnected) {
		f.queue.Enqueue(intent, frame)
		return nil
	}
	if err != nil {
		f.recordErr(err)
	}
	return err
}

// Channels lists the channels the user belongs to.
func (f *Facade) Channels() []store.Channel { return f.registry.List() }

// Messages returns the ordered log for a channel.
func (f *Facade) Messages(channelID string) []store.Message { return f.log.Messages(channelID) }

// ConnectionState reports the transport state machine's current state.
func (f *Facade) ConnectionState() state.State { return f.machine.Current() }

// Presence lists known presence entries.
func (f *Facade) Presence() []store.PresenceEntry { return f.presence.List() }

// Unread returns per-channel unread counts.
func (f *Facade) Unread() map[string]int { return f.log.Unread() }

// UnreadFor returns one channel's unread count.
func (f *Facade) UnreadFor(channelID string) int { return f.log.UnreadFor(channelID) }

// TotalUnread sums unread counts across channels.
func (f *Facade) TotalUnread() int { return f.log.TotalUnread() }

// ActiveChannel returns the focused channel id, or "".
func (f *Facade) ActiveChannel() string { return f.log.Active() }

// Identity returns the authenticated user's identity.
func (f *Facade) Identity() token.Identity { return f.identity }

// TypingUsers lists users currently typing in a channel, sorted.
func (f *Facade) TypingUsers(channelID string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	set := f.typing[channelID]
	out := make([]string, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// Err returns the last service error message, or "". Cached state is never
// cleared by an error.
func (f *Facade) Err() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastErr
}

// ClearErr resets the error field after the UI has shown it.
func (f *Facade) ClearErr() {
	f.mu.Lock()
	f.lastErr = ""
	f.mu.Unlock()
}

func (f *Facade) recordErr(err error) {
	f.logger.Warn("service call failed", zap.Error(err))
	f.mu.Lock()
	f.lastErr = err.Error()
	f.mu.Unlock()
	f.bus.Publish(bus.Event{Kind: bus.KindStoreError, Payload: err.Error()})
}

func (f *Facade) setTyping(channelID, userID string, isTyping bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.typing[channelID]
	if isTyping {
		if set == nil {
			set = make(map[string]struct{})
			f.typing[channelID] = set
		}
		set[userID] = struct{}{}
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(f.typing, channelID)
	}
}

func (f *Facade) clearTyping(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch, set := range f.typing {
		delete(set, userID)
		if len(set) == 0 {
			delete(f.typing, ch)
		}
	}
}
