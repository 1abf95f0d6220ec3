// Package state tracks the single process-wide connection state.
// Only the transport manager transitions it; everyone else observes it
// through Current or the conn.* bus events.
package state

import (
	"fmt"
	"slices"
	"sync"

	"github.com/situ8/commsd/internal/bus"
)

// State is one of the connection lifecycle states.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Error        State = "error"
)

// validTransitions defines allowed state transitions. Error is reachable
// from every state through Fail, which bypasses this table.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected, Error},
	Connected:    {Disconnected, Error},
	Error:        {Connecting, Disconnected},
}

// Machine tracks connection state and publishes every transition on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	lastErr string
	bus     *bus.Bus
}

// Change is the payload of conn.state_changed events.
type Change struct {
	From State
	To   State
	Err  string
}

// NewMachine creates a machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Err returns the message recorded by the most recent Fail, or empty if the
// machine has connected since.
func (m *Machine) Err() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed. Entering Connected clears the recorded error.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		cur := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", cur, to)
	}
	from := m.current
	m.current = to
	if to == Connected {
		m.lastErr = ""
	}
	errMsg := m.lastErr
	m.mu.Unlock()

	m.publish(from, to, errMsg)
	return nil
}

// Fail forces the machine into Error from any state, recording the cause.
// Transport failures may happen at any point, so Fail never rejects.
func (m *Machine) Fail(cause error) {
	m.mu.Lock()
	from := m.current
	m.current = Error
	if cause != nil {
		m.lastErr = cause.Error()
	}
	errMsg := m.lastErr
	m.mu.Unlock()

	m.publish(from, Error, errMsg)
}

func (m *Machine) publish(from, to State, errMsg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:    bus.KindConnStateChanged,
		Payload: Change{From: from, To: to, Err: errMsg},
	})
}
