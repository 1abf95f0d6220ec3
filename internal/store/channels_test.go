package store

import (
	"testing"
	"time"
)

func TestRegistryUpsertReplaces(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Channel{ID: "c1", Name: "dispatch", Type: ChannelGroup})
	r.Upsert(Channel{ID: "c1", Name: "dispatch-renamed", Type: ChannelGroup})

	ch, ok := r.Get("c1")
	if !ok || ch.Name != "dispatch-renamed" {
		t.Errorf("channel = %+v", ch)
	}
	if len(r.List()) != 1 {
		t.Errorf("list size = %d, want 1", len(r.List()))
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Channel{ID: "c1", Name: "a"})
	if !r.Remove("c1") {
		t.Error("remove returned false for present channel")
	}
	if r.Remove("c1") {
		t.Error("remove returned true for absent channel")
	}
	if r.Has("c1") {
		t.Error("channel still present after remove")
	}
}

func TestRegistryMembership(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Channel{ID: "c1", Name: "a"})
	r.AddMember("c1", "u1")
	r.AddMember("c1", "u2")
	r.RemoveMember("c1", "u1")

	ch, _ := r.Get("c1")
	if _, ok := ch.MemberIDs["u1"]; ok {
		t.Error("u1 still a member")
	}
	if _, ok := ch.MemberIDs["u2"]; !ok {
		t.Error("u2 lost membership")
	}
}

func TestRegistryReturnsMembershipCopies(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Channel{ID: "c1", Name: "a", MemberIDs: map[string]struct{}{"u1": {}}})

	ch, _ := r.Get("c1")
	r.AddMember("c1", "u2")
	if len(ch.MemberIDs) != 1 {
		t.Errorf("earlier copy sees later mutation: %v", ch.MemberIDs)
	}

	// Mutating a returned copy must not leak into the registry.
	ch, _ = r.Get("c1")
	ch.MemberIDs["u3"] = struct{}{}
	if got, _ := r.Get("c1"); len(got.MemberIDs) != 2 {
		t.Errorf("caller mutation leaked: %v", got.MemberIDs)
	}
	for _, listed := range r.List() {
		listed.MemberIDs["u4"] = struct{}{}
	}
	if got, _ := r.Get("c1"); len(got.MemberIDs) != 2 {
		t.Errorf("list mutation leaked: %v", got.MemberIDs)
	}
}

func TestRegistryConcurrentReadsAndMembership(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Channel{ID: "c1", Name: "a"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			r.AddMember("c1", "u1")
			r.RemoveMember("c1", "u1")
		}
	}()
	for i := 0; i < 1000; i++ {
		ch, _ := r.Get("c1")
		for id := range ch.MemberIDs {
			_ = id
		}
		for _, listed := range r.List() {
			_ = len(listed.MemberIDs)
		}
	}
	<-done
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Channel{ID: "c2", Name: "bravo"})
	r.Upsert(Channel{ID: "c1", Name: "alpha"})
	r.Upsert(Channel{ID: "c3", Name: "alpha"})

	got := r.List()
	if got[0].ID != "c1" || got[1].ID != "c3" || got[2].ID != "c2" {
		t.Errorf("order = %s,%s,%s", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestPresenceLastWriteWins(t *testing.T) {
	p := NewPresence()
	p.Upsert("u1", "Rivera", "online")
	p.Upsert("u1", "Rivera", "busy")

	e, ok := p.Get("u1")
	if !ok || e.Status != "busy" {
		t.Errorf("entry = %+v", e)
	}
}

func TestPresenceKeepsKnownName(t *testing.T) {
	p := NewPresence()
	p.Upsert("u1", "Rivera", "online")
	p.Upsert("u1", "", "away")

	e, _ := p.Get("u1")
	if e.UserName != "Rivera" {
		t.Errorf("name = %q, want Rivera", e.UserName)
	}
}

func TestPresenceRemove(t *testing.T) {
	p := NewPresence()
	p.Upsert("u1", "Rivera", "online")
	p.Remove("u1")
	if _, ok := p.Get("u1"); ok {
		t.Error("entry survived remove")
	}
}

func TestPresenceStampsLastSeen(t *testing.T) {
	p := NewPresence()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	p.Upsert("u1", "Rivera", "online")
	e, _ := p.Get("u1")
	if !e.LastSeen.Equal(fixed) {
		t.Errorf("lastSeen = %v, want %v", e.LastSeen, fixed)
	}
}
