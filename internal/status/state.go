package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rbarroso/converse/internal/bus"
)

// State represents the real-time link lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

// validTransitions defines allowed link state transitions. Reconnecting
// cycles back through Connecting on each retry attempt; exhausting the
// retry budget lands in Disconnected until an explicit connect.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// Machine tracks and enforces link state transitions, publishing a bus
// event on every change.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Disconnected, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Online reports whether the link is usable for publishing.
func (m *Machine) Online() bool {
	return m.Current() == Connected
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed; the state is left unchanged in that case.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if !slices.Contains(validTransitions[m.current], to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid link transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(bus.KindLinkStateChanged, Change{From: from, To: to})
	}
	return nil
}

// Change is the payload for link state change events.
type Change struct {
	From State
	To   State
}
