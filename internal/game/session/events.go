package session

import "sync"

// EventKind identifies a replicated lobby change.
type EventKind int

const (
	// EventJoined is emitted when a session is admitted to the registry.
	EventJoined EventKind = iota + 1
	// EventLeft is emitted when a session is removed from the registry.
	EventLeft
	// EventNameChanged is emitted when a session's display name is applied.
	EventNameChanged
	// EventReadyChanged is emitted when a session's ready flag changes.
	EventReadyChanged
	// EventCharacterChanged is emitted when a session's character selection is applied.
	EventCharacterChanged
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventLeft:
		return "left"
	case EventNameChanged:
		return "name_changed"
	case EventReadyChanged:
		return "ready_changed"
	case EventCharacterChanged:
		return "character_changed"
	default:
		return "unknown"
	}
}

// Event is a single change delivered to observers. Player is a copy taken at
// emission time.
type Event struct {
	Kind   EventKind
	Player View
}

// Subscription is a handle to a registered callback. Release detaches it; it
// is safe to call more than once.
type Subscription struct {
	once    sync.Once
	release func()
}

func newSubscription(release func()) *Subscription {
	return &Subscription{release: release}
}

// Release detaches the callback.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.once.Do(s.release)
}

// Bus fans events out to subscribers synchronously, in subscription order.
// Publish is only called from the authority goroutine; the mutex guards
// subscriptions made or released from other goroutines.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
	order  []int
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn for every subsequent event.
//
// Postcondition: fn receives events until the returned Subscription is released.
func (b *Bus) Subscribe(fn func(Event)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.order = append(b.order, id)
	return newSubscription(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		for i, o := range b.order {
			if o == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	})
}

// Publish delivers e to every current subscriber. A nil Bus drops the event.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.subs[id])
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
