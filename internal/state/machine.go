package state

import (
	"errors"
	"sync"

	"github.com/stupiduntilnot/relaybot/internal/provider"
)

// State is a user's conversation state for one provider family.
type State int

const (
	Idle State = iota
	Active
	AwaitingReply
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case AwaitingReply:
		return "awaiting_reply"
	default:
		return "unknown"
	}
}

var (
	// ErrNoProvider is returned when a question arrives before any provider was selected.
	ErrNoProvider = errors.New("no provider selected")
	// ErrBusy is returned while a completion for the same user and provider is in flight.
	ErrBusy = errors.New("completion already in flight")
)

type flightKey struct {
	userID string
	family provider.Family
}

// Machine holds volatile per-user routing state. It is never persisted and
// starts empty on every process start.
type Machine struct {
	mu       sync.Mutex
	selected map[string]provider.Family
	inFlight map[flightKey]bool
}

func NewMachine() *Machine {
	return &Machine{
		selected: map[string]provider.Family{},
		inFlight: map[flightKey]bool{},
	}
}

// Select makes family the user's active provider. Any other family drops
// back to Idle for this user.
func (m *Machine) Select(userID string, family provider.Family) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selected[userID] = family
}

// Reset returns every family of the user to Idle. Completions already in
// flight keep running and are released by Finish.
func (m *Machine) Reset(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.selected, userID)
}

// Current returns the user's active family and its state.
func (m *Machine) Current(userID string) (provider.Family, State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	family, ok := m.selected[userID]
	if !ok {
		return "", Idle
	}
	return family, m.stateLocked(userID, family)
}

// StateOf returns the state of one family for the user.
func (m *Machine) StateOf(userID string, family provider.Family) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected[userID] != family {
		if m.inFlight[flightKey{userID, family}] {
			return AwaitingReply
		}
		return Idle
	}
	return m.stateLocked(userID, family)
}

// Begin moves the active family from Active to AwaitingReply and returns
// it. At most one completion per user and family may be in flight.
func (m *Machine) Begin(userID string) (provider.Family, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	family, ok := m.selected[userID]
	if !ok {
		return "", ErrNoProvider
	}
	key := flightKey{userID, family}
	if m.inFlight[key] {
		return family, ErrBusy
	}
	m.inFlight[key] = true
	return family, nil
}

// Finish releases the in-flight slot taken by Begin, returning the family
// to Active if it is still selected. It must run on success and failure.
func (m *Machine) Finish(userID string, family provider.Family) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, flightKey{userID, family})
}

func (m *Machine) stateLocked(userID string, family provider.Family) State {
	if m.inFlight[flightKey{userID, family}] {
		return AwaitingReply
	}
	return Active
}
