package state

import (
	"errors"
	"testing"
	"time"

	"github.com/situ8/commsd/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want disconnected", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		walk []State
	}{
		{[]State{Connecting, Connected}},
		{[]State{Connecting, Connected, Disconnected}},
		{[]State{Connecting, Disconnected}},
		{[]State{Connecting, Error, Connecting, Connected}},
	}
	for _, tt := range tests {
		m := NewMachine(nil)
		for _, s := range tt.walk {
			if err := m.Transition(s); err != nil {
				t.Fatalf("walk %v: %v", tt.walk, err)
			}
		}
		if m.Current() != tt.walk[len(tt.walk)-1] {
			t.Errorf("state = %s, want %s", m.Current(), tt.walk[len(tt.walk)-1])
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(disconnected -> connected) should fail")
	}
}

func TestFailReachableFromAnyState(t *testing.T) {
	m := NewMachine(nil)
	_ = m.Transition(Connecting)
	_ = m.Transition(Connected)

	m.Fail(errors.New("connection reset"))
	if m.Current() != Error {
		t.Errorf("state = %s, want error", m.Current())
	}
	if m.Err() != "connection reset" {
		t.Errorf("err = %q, want connection reset", m.Err())
	}
}

func TestConnectedClearsError(t *testing.T) {
	m := NewMachine(nil)
	_ = m.Transition(Connecting)
	m.Fail(errors.New("refused"))
	_ = m.Transition(Connecting)
	if err := m.Transition(Connected); err != nil {
		t.Fatal(err)
	}
	if m.Err() != "" {
		t.Errorf("err = %q, want empty after reconnect", m.Err())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(Change)
		if !ok {
			t.Fatalf("payload type %T, want Change", evt.Payload)
		}
		if change.From != Disconnected || change.To != Connecting {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for state change event")
	}
}
