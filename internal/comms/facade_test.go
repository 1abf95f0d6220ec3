package comms

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/situ8/commsd/internal/bus"
	"github.com/situ8/commsd/internal/offline"
	"github.com/situ8/commsd/internal/state"
	"github.com/situ8/commsd/internal/store"
	syncengine "github.com/situ8/commsd/internal/sync"
	"github.com/situ8/commsd/internal/token"
	"github.com/situ8/commsd/internal/transport"
	"github.com/situ8/commsd/internal/wire"
)

type fakeTransport struct {
	connected bool
	sent      [][]byte
}

func (f *fakeTransport) Send(data []byte) error {
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, data)
	return nil
}

type fakeService struct {
	channels   []store.Channel
	messages   map[string][]store.Message
	createErr  error
	historyErr error
}

func (f *fakeService) UserChannels(ctx context.Context, userID string) ([]store.Channel, error) {
	return f.channels, nil
}

func (f *fakeService) ChannelMessages(ctx context.Context, channelID string, limit int) ([]store.Message, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.messages[channelID], nil
}

func (f *fakeService) CreateChannel(ctx context.Context, name string, chType store.ChannelType, description string, requiredClearance int) (store.Channel, error) {
	if f.createErr != nil {
		return store.Channel{}, f.createErr
	}
	return store.Channel{ID: "new-1", Name: name, Type: chType, Description: description, RequiredClearance: requiredClearance}, nil
}

type fixture struct {
	facade   *Facade
	trans    *fakeTransport
	svc      *fakeService
	registry *store.Registry
	log      *store.MessageLog
	presence *store.Presence
	queue    *offline.Queue
	bus      *bus.Bus
}

func newFixture(t *testing.T, identity token.Identity) *fixture {
	t.Helper()
	b := bus.New()
	fx := &fixture{
		trans:    &fakeTransport{connected: true},
		svc:      &fakeService{messages: map[string][]store.Message{}},
		registry: store.NewRegistry(),
		log:      store.NewMessageLog(),
		presence: store.NewPresence(),
		queue:    offline.NewQueue(nil, nil),
		bus:      b,
	}
	fx.facade = New(Params{
		Bus:       b,
		Transport: fx.trans,
		Service:   fx.svc,
		Machine:   state.NewMachine(b),
		Identity:  identity,
		Registry:  fx.registry,
		Log:       fx.log,
		Presence:  fx.presence,
		Queue:     fx.queue,
		PageSize:  50,
	})
	return fx
}

func msg(id, channel string, ts time.Time) store.Message {
	return store.Message{ID: id, ChannelID: channel, SenderID: "u-other", Content: "m " + id, Type: store.MessageText, Timestamp: ts}
}

func TestHandleAppendsLiveMessage(t *testing.T) {
	fx := newFixture(t, token.Identity{UserID: "me"})
	fx.registry.Upsert(store.Channel{ID: "c1", Name: "ops"})

	appended, unsub := fx.bus.Subscribe("store.message_appended", 4)
	defer unsub()

	fx.facade.Handle(wire.MessageReceived{Message: msg("m1", "c1", time.Now())})

	select {
	case <-appended:
	case <-time.After(time.Second):
		t.Fatal("append notification never published")
	}
	got := fx.facade.Messages("c1")
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("messages = %+v", got)
	}
}

func TestHandleKeepsEveryMessageInABurst(t *testing.T) {
	fx := newFixture(t, token.Identity{UserID: "me"})
	fx.registry.Upsert(store.Channel{ID: "c1", Name: "ops"})

	// Nothing subscribes to the bus here, so a burst larger than any
	// notification buffer must still land in the store in full.
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	const n = 5000
	for i := 0; i < n; i++ {
		fx.facade.Handle(wire.MessageReceived{
			Message: msg(fmt.Sprintf("m%04d", i), "c1", base.Add(time.Duration(i)*time.Second)),
		})
	}
	if got := len(fx.facade.Messages("c1")); got != n {
		t.Fatalf("stored %d of %d messages", got, n)
	}
}

func TestHandleDropsMessageWithoutID(t *testing.T) {
	fx := newFixture(t, token.Identity{UserID: "me"})

	fx.facade.Handle(wire.MessageReceived{})
	if n := fx.log.Count(""); n != 0 {
		t.Errorf("empty message stored: %d", n)
	}
	if fx.facade.TotalUnread() != 0 {
		t.Errorf("unread = %d for dropped frame", fx.facade.TotalUnread())
	}
}

func TestStaleHistoryForLeftChannelDropped(t *testing.T) {
	fx := newFixture(t, token.Identity{UserID: "me"})

	fx.facade.Handle(wire.HistoryBatch{
		ChannelID: "gone",
		Messages:  []store.Message{msg("m1", "gone", time.Now())},
	})
	if n := fx.log.Count("gone"); n != 0 {
		t.Errorf("stale history inserted %d messages", n)
	}
}

func TestHistoryBatchUpdatesCursor(t *testing.T) {
	fx := newFixture(t, token.Identity{UserID: "me"})
	fx.registry.Upsert(store.Channel{ID: "c1"})

	fx.facade.Handle(wire.HistoryBatch{
		ChannelID: "c1",
		Messages:  []store.Message{msg("m1", "c1", time.Now())},
		HasMore:   true,
		Cursor:    "cursor-abc",
	})
	cursor, hasMore := fx.log.Cursor("c1")
	if cursor != "cursor-abc" || !hasMore {
		t.Errorf("cursor = %q hasMore = %v", cursor, hasMore)
	}
}

func TestJoinChannelClearanceCheck(t *testing.T) {
	fx := newFixture(t, token.Identity{UserID: "me", Clearance: 2})
	fx.registry.Upsert(store.Channel{ID: "sec", Name: "secure", RequiredClearance: 4})
	fx.registry.Upsert(store.Channel{ID: "gen", Name: "general", RequiredClearance: 2})

	if err := fx.facade.JoinChannel("sec"); !errors.Is(err, ErrInsufficientClearance) {
		t.Errorf("join sec err = %v, want clearance refusal", err)
	}
	if err := fx.facade.JoinChannel("gen"); err != nil {
		t.Errorf("join gen err = %v", err)
	}
	if len(fx.trans.sent) != 1 {
		t.Errorf("sent %d frames, want 1", len(fx.trans.sent))
	}
}

func TestSendWhileOfflineQueues(t *testing.T) {
	fx := newFixture(t, token.Identity{UserID: "me"})
	fx.trans.connected = false

	if err := fx.facade.SendMessage("c1", "hello", "", nil); err != nil {
		t.Fatalf("offline send err = %v, want queued nil", err)
	}
	if fx.queue.Len() != 1 {
		t.Fatalf("queue len = %d", fx.queue.Len())
	}
	item := fx.queue.Items()[0]
	if item.Intent != "send_message" {
		t.Errorf("intent = %s", item.Intent)
	}
	if !strings.Contains(string(item.Payload), `"action":"send"`) {
		t.Errorf("queued payload = %s", item.Payload)
	}
}

func TestLeaveChannelDropsLocalState(t *testing.T) {
	fx := newFixture(t, token.Identity{UserID: "me"})
	fx.registry.Upsert(store.Channel{ID: "c1", Name: "ops"})
	fx.log.Append(msg("m1", "c1", time.Now()))

	if err := fx.facade.LeaveChannel("c1"); err != nil {
		t.Fatal(err)
	}
	if fx.registry.Has("c1") {
		t.Error("channel still registered")
	}
	if fx.log.Count("c1") != 0 {
		t.Error("messages retained after leave")
	}
}

func TestSetActiveChannelLoadsHistoryAndMarksRead(t *testing.T) {
	fx := newFixture(t, token.Identity{UserID: "me"})
	fx.registry.Upsert(store.Channel{ID: "c1", Name: "ops"})
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	fx.svc.messages["c1"] = []store.Message{msg("m1", "c1", base), msg("m2", "c1", base.Add(time.Minute))}

	if err := fx.facade.SetActiveChannel(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if n := fx.log.Count("c1"); n != 2 {
		t.Errorf("history not loaded: %d messages", n)
	}
	if fx.facade.UnreadFor("c1") != 0 {
		t.Errorf("unread = %d after activate", fx.facade.UnreadFor("c1"))
	}
	if fx.facade.ActiveChannel() != "c1" {
		t.Errorf("active = %q", fx.facade.ActiveChannel())
	}
}

func TestSendMessageRejectsBadMetadata(t *testing.T) {
	fx := newFixture(t, token.Identity{UserID: "me"})

	err := fx.facade.SendMessage("c1", "x", store.MessageText, map[string]any{"pos": math.NaN()})
	if err == nil {
		t.Fatal("want encode failure")
	}
	if len(fx.trans.sent) != 0 || fx.queue.Len() != 0 {
		t.Error("unencodable message was sent or queued")
	}
	if fx.facade.Err() == "" {
		t.Error("error field not set")
	}
}

func TestServiceErrorKeepsCachedState(t *testing.T) {
	fx := newFixture(t, token.Identity{UserID: "me"})
	fx.registry.Upsert(store.Channel{ID: "c1", Name: "ops"})
	fx.log.Append(msg("m1", "c1", time.Now()))
	fx.svc.createErr = errors.New("insufficient clearance")

	if _, err := fx.facade.CreateChannel(context.Background(), "x", store.ChannelGroup, "", 0); err == nil {
		t.Fatal("want error")
	}
	if fx.facade.Err() == "" {
		t.Error("error field not set")
	}
	if fx.log.Count("c1") != 1 || !fx.registry.Has("c1") {
		t.Error("error cleared cached state")
	}
	fx.facade.ClearErr()
	if fx.facade.Err() != "" {
		t.Error("error field not cleared")
	}
}

func TestTypingSetAndClear(t *testing.T) {
	fx := newFixture(t, token.Identity{UserID: "me"})

	fx.facade.Handle(wire.Typing{UserID: "u1", ChannelID: "c1", IsTyping: true})
	fx.facade.Handle(wire.Typing{UserID: "u2", ChannelID: "c1", IsTyping: true})
	if got := fx.facade.TypingUsers("c1"); len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Fatalf("typing = %v", got)
	}

	fx.facade.Handle(wire.Typing{UserID: "u1", ChannelID: "c1", IsTyping: false})
	if got := fx.facade.TypingUsers("c1"); len(got) != 1 || got[0] != "u2" {
		t.Errorf("typing after clear = %v", got)
	}

	// A user leaving clears their typing state everywhere.
	fx.facade.Handle(wire.UserLeft{UserID: "u2"})
	if got := fx.facade.TypingUsers("c1"); len(got) != 0 {
		t.Errorf("typing after leave = %v", got)
	}
}

func TestPresenceEvents(t *testing.T) {
	fx := newFixture(t, token.Identity{UserID: "me"})
	fx.registry.Upsert(store.Channel{ID: "c1", MemberIDs: map[string]struct{}{}})

	fx.facade.Handle(wire.UserJoined{UserID: "u1", UserName: "dispatch", ChannelID: "c1"})
	entries := fx.facade.Presence()
	if len(entries) != 1 || entries[0].Status != "online" {
		t.Fatalf("presence = %+v", entries)
	}
	if ch, _ := fx.registry.Get("c1"); len(ch.MemberIDs) != 1 {
		t.Error("membership not updated")
	}

	fx.facade.Handle(wire.StatusUpdate{UserID: "u1", UserName: "dispatch", Status: "away"})
	if e, _ := fx.presence.Get("u1"); e.Status != "away" {
		t.Errorf("status = %s", e.Status)
	}

	fx.facade.Handle(wire.UserLeft{UserID: "u1", ChannelID: "c1"})
	if _, ok := fx.presence.Get("u1"); ok {
		t.Error("presence retained after leave")
	}
}

func TestUnknownFrameChangesNothing(t *testing.T) {
	fx := newFixture(t, token.Identity{UserID: "me"})
	fx.registry.Upsert(store.Channel{ID: "c1"})
	fx.log.Append(msg("m1", "c1", time.Now()))

	fx.facade.Handle(wire.Unknown{Action: "unsupported_future_feature"})

	if fx.log.Count("c1") != 1 || len(fx.facade.Channels()) != 1 || len(fx.facade.Presence()) != 0 {
		t.Error("unknown frame mutated state")
	}
}

func TestLoadMoreUsesStoredCursor(t *testing.T) {
	fx := newFixture(t, token.Identity{UserID: "me"})
	fx.registry.Upsert(store.Channel{ID: "c1"})
	fx.log.Append(msg("m1", "c1", time.Now()))
	fx.log.SetCursor("c1", "k-42", true)

	if err := fx.facade.LoadMore("c1"); err != nil {
		t.Fatal(err)
	}
	if len(fx.trans.sent) != 1 {
		t.Fatalf("sent = %d", len(fx.trans.sent))
	}
	frame := string(fx.trans.sent[0])
	for _, want := range []string{`"action":"load_more_messages"`, `"cursor":"k-42"`} {
		if !strings.Contains(frame, want) {
			t.Errorf("frame %s missing %s", frame, want)
		}
	}

	// Everything already loaded: no request goes out.
	fx.log.SetCursor("c1", "", false)
	if err := fx.facade.LoadMore("c1"); err != nil {
		t.Fatal(err)
	}
	if len(fx.trans.sent) != 1 {
		t.Errorf("load more sent despite hasMore=false")
	}
}

// Reconnect race: two cached messages, a send queued while offline, then a
// reconnect whose history resync races the queued send's echo. The end
// state must hold exactly four unique messages in timestamp order.
func TestReconnectRaceScenario(t *testing.T) {
	fx := newFixture(t, token.Identity{UserID: "me"})
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	fx.registry.Upsert(store.Channel{ID: "c1", Name: "ops"})
	fx.log.Append(msg("m1", "c1", base))
	fx.log.Append(msg("m2", "c1", base.Add(time.Minute)))

	// Connection drops; a send is queued.
	fx.trans.connected = false
	if err := fx.facade.SendMessage("c1", "status report", store.MessageText, nil); err != nil {
		t.Fatal(err)
	}
	if fx.queue.Len() != 1 {
		t.Fatalf("queue len = %d", fx.queue.Len())
	}

	// Reconnect: history now contains the two cached messages plus one new
	// message from another user.
	fx.trans.connected = true
	fx.svc.messages["c1"] = []store.Message{
		msg("m1", "c1", base),
		msg("m2", "c1", base.Add(time.Minute)),
		msg("m3", "c1", base.Add(2*time.Minute)),
	}
	engine := syncengine.NewEngine(fx.bus, fx.trans, fx.svc, fx.registry, fx.log, fx.queue, 50, nil)
	report := engine.Reconcile(context.Background())
	if report.Replayed != 1 {
		t.Fatalf("queued send not replayed: %+v", report)
	}

	// The replayed send comes back as a gateway echo.
	echo := store.Message{ID: "m4", ChannelID: "c1", SenderID: "me", Content: "status report",
		Type: store.MessageText, Timestamp: base.Add(3 * time.Minute)}
	fx.facade.Handle(wire.MessageReceived{Message: echo})

	got := fx.facade.Messages("c1")
	if len(got) != 4 {
		t.Fatalf("messages = %d, want 4", len(got))
	}
	for i, want := range []string{"m1", "m2", "m3", "m4"} {
		if got[i].ID != want {
			t.Errorf("messages[%d] = %s, want %s", i, got[i].ID, want)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Errorf("log out of order at %d", i)
		}
	}
}
