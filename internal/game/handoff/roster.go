package handoff

import (
	"fmt"
	"sync"

	"github.com/cory-johannsen/matchlobby/internal/game/character"
	"github.com/cory-johannsen/matchlobby/internal/game/session"
)

// Actor is a gameplay entity created from a lobby session at handoff.
type Actor struct {
	// ID is the actor instance identifier.
	ID string `json:"id"`
	// Owner is the connection that controls the actor.
	Owner session.ConnectionID `json:"owner"`
	// CharacterIndex is the selection captured in the handoff snapshot.
	CharacterIndex int `json:"character_index"`
	// Descriptor is the catalog entry the actor was instantiated from.
	Descriptor *character.Descriptor `json:"descriptor,omitempty"`
	// Spawn is the actor's initial placement.
	Spawn SpawnPoint `json:"spawn"`
}

// Spawner instantiates an actor and binds it as its owner's controlled entity.
type Spawner interface {
	Spawn(a Actor) error
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(a Actor) error

// Spawn calls f(a).
func (f SpawnerFunc) Spawn(a Actor) error { return f(a) }

// Roster is the authoritative owner → actor table of the gameplay scene.
// All methods are safe for concurrent use.
type Roster struct {
	mu     sync.RWMutex
	actors map[session.ConnectionID]Actor
	order  []session.ConnectionID
}

// NewRoster creates an empty Roster.
func NewRoster() *Roster {
	return &Roster{actors: make(map[session.ConnectionID]Actor)}
}

// Spawn binds a to its owner.
//
// Postcondition: Returns an error if the owner already controls an actor.
func (r *Roster) Spawn(a Actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.actors[a.Owner]; ok {
		return fmt.Errorf("connection %d already controls actor %s", a.Owner, cur.ID)
	}
	r.actors[a.Owner] = a
	r.order = append(r.order, a.Owner)
	return nil
}

// Controlled returns the actor bound to owner.
func (r *Roster) Controlled(owner session.ConnectionID) (Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[owner]
	return a, ok
}

// Remove unbinds owner's actor, e.g. when the connection drops mid-match.
//
// Postcondition: Returns false if owner controlled no actor.
func (r *Roster) Remove(owner session.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actors[owner]; !ok {
		return false
	}
	delete(r.actors, owner)
	for i, id := range r.order {
		if id == owner {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Actors returns every bound actor in spawn order.
func (r *Roster) Actors() []Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Actor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.actors[id])
	}
	return out
}

// Len returns the number of bound actors.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}
