// Package screen tracks which UI screen a player session is showing. The
// browser client drives these transitions; the server mirrors them so the
// simulation only runs while the player is actually playing.
package screen

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned when a command does not apply to the current state.
var ErrInvalidTransition = errors.New("invalid screen transition")

// State is one of the consolidated screens.
type State string

const (
	Menu    State = "menu"
	Playing State = "playing"
	Paused  State = "paused"
	Won     State = "won"
	Lost    State = "lost"
)

// Command requests a transition.
type Command string

const (
	Start   Command = "start"
	Pause   Command = "pause"
	Resume  Command = "resume"
	Win     Command = "win"
	Lose    Command = "lose"
	Restart Command = "restart"
	Back    Command = "back"
)

// ParseCommand validates a command name received from a client.
func ParseCommand(raw string) (Command, error) {
	switch cmd := Command(raw); cmd {
	case Start, Pause, Resume, Win, Lose, Restart, Back:
		return cmd, nil
	default:
		return "", fmt.Errorf("%w: unknown command %q", ErrInvalidTransition, raw)
	}
}

var transitions = map[State]map[Command]State{
	Menu:    {Start: Playing},
	Playing: {Pause: Paused, Win: Won, Lose: Lost, Back: Menu},
	Paused:  {Resume: Playing, Back: Menu},
	Won:     {Restart: Playing, Back: Menu},
	Lost:    {Restart: Playing, Back: Menu},
}

// Listener observes every applied transition. It runs synchronously while the
// machine's lock is held, so it must not call back into the machine.
type Listener func(from, to State)

// Machine is a mutex-guarded screen state machine starting at Menu.
type Machine struct {
	mu            sync.Mutex
	state         State
	audioUnlocked bool
	listeners     []Listener
}

// NewMachine builds a machine on the menu screen.
func NewMachine(listeners ...Listener) *Machine {
	m := &Machine{state: Menu}
	for _, l := range listeners {
		if l != nil {
			m.listeners = append(m.listeners, l)
		}
	}
	return m
}

// State returns the current screen.
func (m *Machine) State() State {
	if m == nil {
		return Menu
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Apply performs cmd and returns the new state.
func (m *Machine) Apply(cmd Command) (State, error) {
	if m == nil {
		return Menu, errors.New("screen machine is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := transitions[m.state][cmd]
	if !ok {
		return m.state, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, cmd, m.state)
	}
	from := m.state
	m.state = next
	for _, l := range m.listeners {
		l(from, next)
	}
	return next, nil
}

// UnlockAudio records the first user gesture. It reports true only on the call
// that actually unlocked audio.
func (m *Machine) UnlockAudio() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audioUnlocked {
		return false
	}
	m.audioUnlocked = true
	return true
}

// AudioUnlocked reports whether UnlockAudio has been called.
func (m *Machine) AudioUnlocked() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioUnlocked
}

// Simulating reports whether the simulation should advance in state s.
func Simulating(s State) bool {
	return s == Playing
}
