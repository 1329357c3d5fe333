package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/roomsync/internal/bus"
)

// State represents the sync engine lifecycle state.
type State string

const (
	Uninitialized State = "UNINITIALIZED"
	Probing       State = "PROBING"
	Ready         State = "READY"
	Blocked       State = "BLOCKED"
	Stopped       State = "STOPPED"
)

// HealthService is the gRPC health service name that reports the engine
// state: SERVING while Ready.
const HealthService = "roomsync.Engine"

// validTransitions defines allowed state transitions. Blocked only leads to
// Stopped: capability is not re-checked until the next full restart.
var validTransitions = map[State][]State{
	Uninitialized: {Probing, Stopped},
	Probing:       {Ready, Blocked, Stopped},
	Ready:         {Stopped},
	Blocked:       {Stopped},
}

// Machine tracks and enforces engine state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	reason  string
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Uninitialized state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Uninitialized,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reason returns the diagnostic recorded with the last Block call.
func (m *Machine) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.transition(to, "")
}

// Block moves to Blocked and records a diagnostic for the caller to render.
func (m *Machine) Block(reason string) error {
	return m.transition(Blocked, reason)
}

func (m *Machine) transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if to == Blocked {
		m.reason = reason
	}
	m.bus.Publish(bus.NewEvent(bus.KindStatusChanged, StatusChange{
		From:   from,
		To:     to,
		Reason: reason,
	}))
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State
	To     State
	Reason string
}
