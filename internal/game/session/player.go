// Package session provides the authoritative per-connection lobby state and
// the registry that enforces lobby capacity and aggregates readiness.
//
// Every mutation happens on the lobby's single authority goroutine; the types
// here carry no locks of their own apart from the Bus and Outbox, which are
// touched by transport goroutines.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ConnectionID identifies a transport connection. It is the session key.
type ConnectionID uint64

func (c ConnectionID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// MaxDisplayNameLength is the display name limit in characters.
const MaxDisplayNameLength = 32

// State is a PlayerSession lifecycle state.
type State int

const (
	// StateConnecting is the state between connection and admission.
	StateConnecting State = iota
	// StateActive accepts owner mutation requests.
	StateActive
	// StateDespawned is terminal.
	StateDespawned
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDespawned:
		return "despawned"
	default:
		return "unknown"
	}
}

// View is the replicated, read-only copy of a session's fields.
type View struct {
	ConnectionID   ConnectionID `json:"connection_id"`
	DisplayName    string       `json:"display_name"`
	Ready          bool         `json:"ready"`
	CharacterIndex int          `json:"character_index"`
}

// DefaultDisplayName is the name assigned when a connection sends a blank name.
func DefaultDisplayName(id ConnectionID) string {
	return "Player" + id.String()
}

type teardownHook struct {
	id int
	fn func(*PlayerSession)
}

// PlayerSession is one connection's authoritative lobby state.
type PlayerSession struct {
	id             ConnectionID
	displayName    string
	ready          bool
	characterIndex int
	catalogSize    int
	state          State
	bus            *Bus

	nextHook int
	teardown []teardownHook
	owned    []*Subscription
}

// NewPlayerSession creates a session in StateConnecting.
//
// Precondition: catalogSize must be >= 1.
// Postcondition: The session is not ready, has character index 0 and the default display name.
func NewPlayerSession(id ConnectionID, catalogSize int, bus *Bus) *PlayerSession {
	return &PlayerSession{
		id:          id,
		displayName: DefaultDisplayName(id),
		catalogSize: catalogSize,
		state:       StateConnecting,
		bus:         bus,
	}
}

// ID returns the owning connection.
func (s *PlayerSession) ID() ConnectionID { return s.id }

// DisplayName returns the current display name.
func (s *PlayerSession) DisplayName() string { return s.displayName }

// IsReady returns the ready flag.
func (s *PlayerSession) IsReady() bool { return s.ready }

// CharacterIndex returns the selected catalog index.
func (s *PlayerSession) CharacterIndex() int { return s.characterIndex }

// State returns the lifecycle state.
func (s *PlayerSession) State() State { return s.state }

// View returns a copy of the replicated fields.
func (s *PlayerSession) View() View {
	return View{
		ConnectionID:   s.id,
		DisplayName:    s.displayName,
		Ready:          s.ready,
		CharacterIndex: s.characterIndex,
	}
}

// Activate moves the session from Connecting to Active after admission.
func (s *PlayerSession) Activate() error {
	if s.state != StateConnecting {
		return fmt.Errorf("activating session %d in state %s: %w", s.id, s.state, ErrInvalidState)
	}
	s.state = StateActive
	return nil
}

// OnTeardown registers fn to run when the session despawns. Hooks run in
// registration order, exactly once.
func (s *PlayerSession) OnTeardown(fn func(*PlayerSession)) *Subscription {
	id := s.nextHook
	s.nextHook++
	s.teardown = append(s.teardown, teardownHook{id: id, fn: fn})
	return newSubscription(func() {
		for i, h := range s.teardown {
			if h.id == id {
				s.teardown = append(s.teardown[:i], s.teardown[i+1:]...)
				return
			}
		}
	})
}

// Own ties sub to the session's lifetime: it is released on despawn. A
// subscription handed to an already despawned session is released immediately.
func (s *PlayerSession) Own(sub *Subscription) {
	if s.state == StateDespawned {
		sub.Release()
		return
	}
	s.owned = append(s.owned, sub)
}

// Despawn moves the session to the terminal state, runs its teardown hooks
// and releases every owned subscription.
//
// Postcondition: Returns false if the session was already despawned.
func (s *PlayerSession) Despawn() bool {
	if s.state == StateDespawned {
		return false
	}
	s.state = StateDespawned

	hooks := s.teardown
	s.teardown = nil
	for _, h := range hooks {
		h.fn(s)
	}

	owned := s.owned
	s.owned = nil
	for _, sub := range owned {
		sub.Release()
	}
	return true
}

func (s *PlayerSession) authorize(caller ConnectionID) error {
	if s.state != StateActive {
		return fmt.Errorf("session %d is %s: %w", s.id, s.state, ErrInvalidState)
	}
	if caller != s.id {
		return fmt.Errorf("connection %d may not mutate session %d: %w", caller, s.id, ErrAuthorizationDenied)
	}
	return nil
}

func (s *PlayerSession) emit(kind EventKind) {
	s.bus.Publish(Event{Kind: kind, Player: s.View()})
}

// RequestDisplayName applies an owner's display name request. Blank names
// fall back to DefaultDisplayName; longer names are truncated to
// MaxDisplayNameLength characters.
func (s *PlayerSession) RequestDisplayName(caller ConnectionID, name string) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name is not valid UTF-8: %w", ErrValidationFailed)
	}
	if strings.TrimSpace(name) == "" {
		name = DefaultDisplayName(s.id)
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		name = string([]rune(name)[:MaxDisplayNameLength])
	}
	if name == s.displayName {
		return nil
	}
	s.displayName = name
	s.emit(EventNameChanged)
	return nil
}

// RequestToggleReady flips the owner's ready flag.
func (s *PlayerSession) RequestToggleReady(caller ConnectionID) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	s.ready = !s.ready
	s.emit(EventReadyChanged)
	return nil
}

// RequestSetCharacter applies an owner's character selection. Indices outside
// [0, catalogSize) are rejected and the previous selection is kept.
func (s *PlayerSession) RequestSetCharacter(caller ConnectionID, index int) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	if index < 0 || index >= s.catalogSize {
		return fmt.Errorf("character index %d outside [0, %d): %w", index, s.catalogSize, ErrValidationFailed)
	}
	if index == s.characterIndex {
		return nil
	}
	s.characterIndex = index
	s.emit(EventCharacterChanged)
	return nil
}

// ResetReady forces the ready flag off. It is a server operation and skips
// the ownership check.
func (s *PlayerSession) ResetReady() {
	if !s.ready {
		return
	}
	s.ready = false
	s.emit(EventReadyChanged)
}
