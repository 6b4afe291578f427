package session

import (
	"fmt"
	"sync"
)

// Scope guards a lobby's lifetime: at most one Registry is open per Scope.
type Scope struct {
	mu     sync.Mutex
	active *Registry
}

// NewRegistry opens the scope's registry.
//
// Precondition: maxPlayers must be >= 1.
// Postcondition: Returns ErrRegistryExists while another registry from this scope is open.
func (sc *Scope) NewRegistry(maxPlayers int, bus *Bus) (*Registry, error) {
	if maxPlayers < 1 {
		return nil, fmt.Errorf("session: maxPlayers must be >= 1, got %d", maxPlayers)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.active != nil {
		return nil, ErrRegistryExists
	}
	r := &Registry{
		scope:      sc,
		maxPlayers: maxPlayers,
		bus:        bus,
		sessions:   make(map[ConnectionID]*PlayerSession),
		hooks:      make(map[ConnectionID]*Subscription),
	}
	sc.active = r
	return r, nil
}

func (sc *Scope) release(r *Registry) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.active == r {
		sc.active = nil
	}
}

// Registry is the ordered set of admitted sessions for one lobby.
// It is mutated only from the lobby's authority goroutine.
type Registry struct {
	scope      *Scope
	maxPlayers int
	bus        *Bus

	order    []ConnectionID
	sessions map[ConnectionID]*PlayerSession
	hooks    map[ConnectionID]*Subscription
}

// MaxPlayers returns the admission capacity.
func (r *Registry) MaxPlayers() int { return r.maxPlayers }

// Register admits s. The session's own teardown unregisters it.
//
// Postcondition: Returns ErrRejected wrapping ErrDuplicateSession or
// ErrCapacityExceeded without modifying the registry; the caller must
// disconnect the rejected connection.
func (r *Registry) Register(s *PlayerSession) error {
	if _, exists := r.sessions[s.ID()]; exists {
		return fmt.Errorf("%w: connection %d: %w", ErrRejected, s.ID(), ErrDuplicateSession)
	}
	if r.CountExceedsLimit() {
		return fmt.Errorf("%w: connection %d at %d/%d: %w", ErrRejected, s.ID(), len(r.order), r.maxPlayers, ErrCapacityExceeded)
	}

	r.order = append(r.order, s.ID())
	r.sessions[s.ID()] = s
	r.hooks[s.ID()] = s.OnTeardown(r.Unregister)

	r.bus.Publish(Event{Kind: EventJoined, Player: s.View()})
	return nil
}

// Unregister removes s if present; otherwise it is a no-op.
func (r *Registry) Unregister(s *PlayerSession) {
	cur, ok := r.sessions[s.ID()]
	if !ok || cur != s {
		return
	}
	delete(r.sessions, s.ID())
	for i, id := range r.order {
		if id == s.ID() {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if hook, ok := r.hooks[s.ID()]; ok {
		delete(r.hooks, s.ID())
		hook.Release()
	}

	r.bus.Publish(Event{Kind: EventLeft, Player: s.View()})
}

// AllReady reports whether the registry is non-empty and every session is ready.
func (r *Registry) AllReady() bool {
	if len(r.order) == 0 {
		return false
	}
	for _, id := range r.order {
		if !r.sessions[id].IsReady() {
			return false
		}
	}
	return true
}

// CountExceedsLimit reports whether the registry is at or above capacity.
func (r *Registry) CountExceedsLimit() bool {
	return len(r.order) >= r.maxPlayers
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int { return len(r.order) }

// Get returns the live session for id.
func (r *Registry) Get(id ConnectionID) (*PlayerSession, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions returns the registered sessions in admission order. The slice is a copy.
func (r *Registry) Sessions() []*PlayerSession {
	out := make([]*PlayerSession, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

// Views returns the replicated view of every session in admission order.
func (r *Registry) Views() []View {
	out := make([]View, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id].View())
	}
	return out
}

// Close releases the registry's scope so a new registry may be opened.
// Sessions still registered are left untouched.
func (r *Registry) Close() {
	r.scope.release(r)
}
