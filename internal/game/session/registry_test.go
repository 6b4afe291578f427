package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newRegistry(t require.TestingT, maxPlayers int, bus *Bus) *Registry {
	var sc Scope
	r, err := sc.NewRegistry(maxPlayers, bus)
	require.NoError(t, err)
	return r
}

func TestScope_DuplicateRegistryRejected(t *testing.T) {
	var sc Scope
	r, err := sc.NewRegistry(2, nil)
	require.NoError(t, err)

	_, err = sc.NewRegistry(2, nil)
	assert.ErrorIs(t, err, ErrRegistryExists)

	r.Close()
	r2, err := sc.NewRegistry(2, nil)
	require.NoError(t, err)
	assert.NotSame(t, r, r2)

	r.Close()
	_, err = sc.NewRegistry(2, nil)
	assert.ErrorIs(t, err, ErrRegistryExists, "closing a stale registry must not release the live one")
}

func TestScope_InvalidCapacity(t *testing.T) {
	var sc Scope
	_, err := sc.NewRegistry(0, nil)
	assert.Error(t, err)
}

func TestRegistry_RegisterEmitsJoined(t *testing.T) {
	bus := NewBus()
	events := recordEvents(bus)
	r := newRegistry(t, 2, bus)

	s := NewPlayerSession(1, testCatalogSize, bus)
	require.NoError(t, r.Register(s))
	assert.Equal(t, 1, r.Len())
	require.Len(t, *events, 1)
	assert.Equal(t, EventJoined, (*events)[0].Kind)
	assert.Equal(t, ConnectionID(1), (*events)[0].Player.ConnectionID)
}

func TestRegistry_RejectsDuplicate(t *testing.T) {
	r := newRegistry(t, 4, nil)
	require.NoError(t, r.Register(NewPlayerSession(1, testCatalogSize, nil)))

	err := r.Register(NewPlayerSession(1, testCatalogSize, nil))
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, ErrDuplicateSession)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RejectsOverCapacity(t *testing.T) {
	r := newRegistry(t, 2, nil)
	require.NoError(t, r.Register(NewPlayerSession(1, testCatalogSize, nil)))
	assert.False(t, r.CountExceedsLimit())
	require.NoError(t, r.Register(NewPlayerSession(2, testCatalogSize, nil)))
	assert.True(t, r.CountExceedsLimit())

	err := r.Register(NewPlayerSession(3, testCatalogSize, nil))
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_UnregisterIdempotent(t *testing.T) {
	bus := NewBus()
	events := recordEvents(bus)
	r := newRegistry(t, 2, bus)
	s := NewPlayerSession(1, testCatalogSize, bus)
	require.NoError(t, r.Register(s))

	r.Unregister(s)
	r.Unregister(s)
	assert.Equal(t, 0, r.Len())
	require.Len(t, *events, 2, "only an actual removal emits left")
	assert.Equal(t, EventLeft, (*events)[1].Kind)

	r.Unregister(NewPlayerSession(9, testCatalogSize, nil))
	assert.Len(t, *events, 2)
}

func TestRegistry_UnregisterIgnoresStaleSession(t *testing.T) {
	r := newRegistry(t, 2, nil)
	live := NewPlayerSession(1, testCatalogSize, nil)
	require.NoError(t, r.Register(live))

	r.Unregister(NewPlayerSession(1, testCatalogSize, nil))
	_, ok := r.Get(1)
	assert.True(t, ok)
}

func TestRegistry_DespawnUnregisters(t *testing.T) {
	r := newRegistry(t, 2, nil)
	s := NewPlayerSession(1, testCatalogSize, nil)
	require.NoError(t, r.Register(s))
	require.NoError(t, s.Activate())

	s.Despawn()
	assert.Equal(t, 0, r.Len())
	_, ok := r.Get(1)
	assert.False(t, ok)
}

func TestRegistry_ExplicitUnregisterDetachesTeardown(t *testing.T) {
	bus := NewBus()
	events := recordEvents(bus)
	r := newRegistry(t, 2, bus)
	s := NewPlayerSession(1, testCatalogSize, bus)
	require.NoError(t, r.Register(s))
	r.Unregister(s)

	s.Despawn()
	assert.Len(t, *events, 2, "despawn after unregister does not remove twice")
}

func TestRegistry_AllReady(t *testing.T) {
	r := newRegistry(t, 3, nil)
	assert.False(t, r.AllReady(), "empty registry is never all ready")

	a := activeSession(t, 1, nil)
	b := activeSession(t, 2, nil)
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	assert.False(t, r.AllReady())

	require.NoError(t, a.RequestToggleReady(1))
	assert.False(t, r.AllReady())
	require.NoError(t, b.RequestToggleReady(2))
	assert.True(t, r.AllReady())
}

func TestRegistry_SessionsOrdered(t *testing.T) {
	r := newRegistry(t, 5, nil)
	for _, id := range []ConnectionID{4, 2, 9} {
		require.NoError(t, r.Register(NewPlayerSession(id, testCatalogSize, nil)))
	}
	r.Unregister(r.Sessions()[1])

	var ids []ConnectionID
	for _, s := range r.Sessions() {
		ids = append(ids, s.ID())
	}
	assert.Equal(t, []ConnectionID{4, 9}, ids)

	views := r.Views()
	require.Len(t, views, 2)
	assert.Equal(t, "Player9", views[1].DisplayName)
}

func TestPropertyRegistryNeverExceedsCapacity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxPlayers := rapid.IntRange(1, 8).Draw(t, "max_players")
		r := newRegistry(t, maxPlayers, nil)
		live := map[ConnectionID]*PlayerSession{}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := ConnectionID(rapid.IntRange(1, 12).Draw(t, "conn"))
			if rapid.Bool().Draw(t, "join") {
				wasFull := r.CountExceedsLimit()
				_, dup := live[id]
				s := NewPlayerSession(id, testCatalogSize, nil)
				err := r.Register(s)
				if (wasFull || dup) != (err != nil) {
					t.Fatalf("join %d: full=%v dup=%v err=%v", id, wasFull, dup, err)
				}
				if err == nil {
					live[id] = s
				}
			} else if s, ok := live[id]; ok {
				s.Despawn()
				delete(live, id)
			}
			if r.Len() > maxPlayers {
				t.Fatalf("registry size %d exceeds max %d", r.Len(), maxPlayers)
			}
			if r.Len() != len(live) {
				t.Fatalf("registry size %d != live sessions %d", r.Len(), len(live))
			}
		}
	})
}

func TestPropertyNthPlusOneJoinRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxPlayers := rapid.IntRange(1, 16).Draw(t, "max_players")
		r := newRegistry(t, maxPlayers, nil)
		for i := 0; i < maxPlayers; i++ {
			if err := r.Register(NewPlayerSession(ConnectionID(i+1), testCatalogSize, nil)); err != nil {
				t.Fatalf("join %d rejected: %v", i+1, err)
			}
		}
		err := r.Register(NewPlayerSession(ConnectionID(maxPlayers+1), testCatalogSize, nil))
		if err == nil {
			t.Fatalf("join %d accepted with max %d", maxPlayers+1, maxPlayers)
		}
	})
}
