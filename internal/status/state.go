package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is a push channel connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
	Closing      State = "CLOSING"
)

// validTransitions defines allowed state transitions. Open is only
// reachable through Connecting.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Open, Closing},
	Open:         {Closing},
	Closing:      {Disconnected},
}

// Machine tracks and enforces connection state transitions for one channel.
type Machine struct {
	mu       sync.RWMutex
	current  State
	identity string
	bus      *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
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

// Bind sets the identity reported in subsequent transition events.
func (m *Machine) Bind(identity string) {
	m.mu.Lock()
	m.identity = identity
	m.mu.Unlock()
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind: bus.KindChannelState,
		Payload: StatusChange{
			From:     from,
			To:       to,
			Identity: m.identity,
		},
	})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From     State
	To       State
	Identity string
}
