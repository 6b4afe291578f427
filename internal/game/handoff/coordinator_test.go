package handoff

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/matchlobby/internal/game/character"
	"github.com/cory-johannsen/matchlobby/internal/game/session"
)

const gameScene = "GameScene"

type fakeLoader struct {
	loaded []string
	// readyAtLoad records every session's ready flag at the moment LoadScene is called.
	readyAtLoad map[session.ConnectionID]bool
	registry    *session.Registry
	err         error
}

func (f *fakeLoader) LoadScene(name string) error {
	f.loaded = append(f.loaded, name)
	if f.registry != nil {
		f.readyAtLoad = map[session.ConnectionID]bool{}
		for _, s := range f.registry.Sessions() {
			f.readyAtLoad[s.ID()] = s.IsReady()
		}
	}
	return f.err
}

type fixture struct {
	registry *session.Registry
	catalog  *character.Catalog
	loader   *fakeLoader
	roster   *Roster
	coord    *Coordinator
	host     session.ConnectionID
}

func newFixture(t require.TestingT, logT zaptest.TestingT, maxPlayers int, catalog *character.Catalog) *fixture {
	var sc session.Scope
	reg, err := sc.NewRegistry(maxPlayers, session.NewBus())
	require.NoError(t, err)
	if catalog == nil {
		catalog, err = character.Placeholder(30)
		require.NoError(t, err)
	}
	f := &fixture{
		registry: reg,
		catalog:  catalog,
		loader:   &fakeLoader{registry: reg},
		roster:   NewRoster(),
		host:     1,
	}
	f.coord = NewCoordinator(reg, catalog, f.loader, f.roster, Config{
		Scene:  gameScene,
		Layout: Layout{Spacing: 2},
		IsHost: func(c session.ConnectionID) bool { return c == f.host },
	}, zaptest.NewLogger(logT))
	return f
}

func (f *fixture) join(t require.TestingT, id session.ConnectionID, characterIndex int, ready bool) *session.PlayerSession {
	s := session.NewPlayerSession(id, f.catalog.Size(), nil)
	require.NoError(t, f.registry.Register(s))
	require.NoError(t, s.Activate())
	if characterIndex != 0 {
		require.NoError(t, s.RequestSetCharacter(id, characterIndex))
	}
	if ready {
		require.NoError(t, s.RequestToggleReady(id))
	}
	return s
}

func TestRequestStart_ScenarioTwoPlayers(t *testing.T) {
	f := newFixture(t, t, 2, nil)
	a := f.join(t, 1, 0, false)
	b := f.join(t, 2, 0, false)

	require.NoError(t, b.RequestToggleReady(2))
	require.NoError(t, a.RequestToggleReady(1))

	require.NoError(t, f.coord.RequestStart(1))
	assert.True(t, f.coord.Started())
	assert.Equal(t, []string{gameScene}, f.loader.loaded)
	assert.Equal(t, map[session.ConnectionID]bool{1: false, 2: false}, f.loader.readyAtLoad,
		"ready flags are reset before the scene load is triggered")
	assert.False(t, a.IsReady())
	assert.False(t, b.IsReady())
}

func TestRequestStart_NonHostRejected(t *testing.T) {
	f := newFixture(t, t, 2, nil)
	f.join(t, 1, 0, true)
	b := f.join(t, 2, 0, true)

	err := f.coord.RequestStart(2)
	assert.ErrorIs(t, err, ErrNotHost)
	assert.ErrorIs(t, err, session.ErrAuthorizationDenied)
	assert.Empty(t, f.loader.loaded)
	assert.True(t, b.IsReady(), "rejected start leaves state untouched")
}

func TestRequestStart_NotAllReady(t *testing.T) {
	f := newFixture(t, t, 3, nil)
	a := f.join(t, 1, 0, true)
	f.join(t, 2, 0, false)

	assert.ErrorIs(t, f.coord.RequestStart(1), ErrNotAllReady)
	assert.Empty(t, f.loader.loaded)
	assert.True(t, a.IsReady())
	assert.False(t, f.coord.Started())
}

func TestRequestStart_EmptyLobby(t *testing.T) {
	f := newFixture(t, t, 3, nil)
	assert.ErrorIs(t, f.coord.RequestStart(1), ErrNotAllReady)
}

func TestRequestStart_OnlyOnce(t *testing.T) {
	f := newFixture(t, t, 2, nil)
	a := f.join(t, 1, 0, true)
	require.NoError(t, f.coord.RequestStart(1))

	require.NoError(t, a.RequestToggleReady(1))
	assert.ErrorIs(t, f.coord.RequestStart(1), ErrAlreadyStarted)
	assert.Len(t, f.loader.loaded, 1)
}

func TestRequestStart_LoaderFailure(t *testing.T) {
	f := newFixture(t, t, 2, nil)
	f.join(t, 1, 0, true)
	f.loader.err = errors.New("no scene manager")

	err := f.coord.RequestStart(1)
	assert.Error(t, err)
	assert.False(t, f.coord.Started())
}

func TestRequestStart_MissingRegistry(t *testing.T) {
	c := NewCoordinator(nil, nil, &fakeLoader{}, nil, Config{
		Scene:  gameScene,
		IsHost: func(session.ConnectionID) bool { return true },
	}, zaptest.NewLogger(t))
	assert.ErrorIs(t, c.RequestStart(1), ErrDependencyMissing)
}

func TestHandoff_SpawnsOneActorPerSession(t *testing.T) {
	f := newFixture(t, t, 4, nil)
	f.join(t, 1, 3, true)
	f.join(t, 2, 7, true)
	f.join(t, 3, 0, true)
	require.NoError(t, f.coord.RequestStart(1))

	res, ran := f.coord.OnSceneLoadComplete(2, gameScene)
	require.True(t, ran)
	require.NoError(t, res.Err)

	assert.Equal(t, 0, f.registry.Len(), "no lobby session survives the handoff")
	assert.Equal(t, 3, res.Despawned)
	require.Len(t, res.Spawned, 3)
	assert.Equal(t, 3, f.roster.Len())

	for i, want := range []struct {
		owner session.ConnectionID
		index int
	}{{1, 3}, {2, 7}, {3, 0}} {
		a, ok := f.roster.Controlled(want.owner)
		require.True(t, ok, "connection %d controls an actor", want.owner)
		assert.Equal(t, want.index, a.CharacterIndex)
		assert.Equal(t, want.index, a.Descriptor.Index)
		assert.Equal(t, float64(2*i), a.Spawn.Position.X)
		assert.NotEmpty(t, a.ID)
	}
}

func TestHandoff_IdempotentUnderDuplicateSignals(t *testing.T) {
	f := newFixture(t, t, 2, nil)
	f.join(t, 1, 0, true)
	f.join(t, 2, 0, true)
	require.NoError(t, f.coord.RequestStart(1))

	_, ran := f.coord.OnSceneLoadComplete(1, gameScene)
	require.True(t, ran)
	_, ran = f.coord.OnSceneLoadComplete(2, gameScene)
	assert.False(t, ran)
	_, ran = f.coord.OnSceneLoadComplete(1, gameScene)
	assert.False(t, ran)

	assert.Equal(t, 2, f.roster.Len())
	assert.True(t, f.coord.HandedOff())
}

func TestHandoff_IgnoresSignalsBeforeStartOrForOtherScenes(t *testing.T) {
	f := newFixture(t, t, 2, nil)
	f.join(t, 1, 0, true)

	_, ran := f.coord.OnSceneLoadComplete(1, gameScene)
	assert.False(t, ran, "no handoff before the start is accepted")
	assert.Equal(t, 1, f.registry.Len())

	require.NoError(t, f.coord.RequestStart(1))
	_, ran = f.coord.OnSceneLoadComplete(1, "Lobby")
	assert.False(t, ran)
	assert.False(t, f.coord.HandedOff())

	_, ran = f.coord.OnSceneLoadComplete(1, gameScene)
	assert.True(t, ran)
}

func TestHandoff_UnresolvableEntrySkipped(t *testing.T) {
	catalog, err := character.NewCatalog(8, []*character.Descriptor{
		{Index: 2, ID: "scout", Prefab: "p/scout"},
	})
	require.NoError(t, err)
	f := newFixture(t, t, 3, catalog)
	f.join(t, 1, 5, true)
	f.join(t, 2, 2, true)
	require.NoError(t, f.coord.RequestStart(1))

	res, ran := f.coord.OnSceneLoadComplete(1, gameScene)
	require.True(t, ran)
	assert.ErrorIs(t, res.Err, ErrUnresolvable)
	assert.Equal(t, []Selection{{Conn: 1, CharacterIndex: 5}}, res.Skipped)
	require.Len(t, res.Spawned, 1)
	assert.Equal(t, session.ConnectionID(2), res.Spawned[0].Owner)
	assert.Equal(t, 0.0, res.Spawned[0].Spawn.Position.X, "skipped entries do not consume a spawn slot")

	_, ok := f.roster.Controlled(1)
	assert.False(t, ok)
	assert.Equal(t, 0, f.registry.Len())
}

func TestHandoff_FallsBackToIndexZero(t *testing.T) {
	catalog, err := character.NewCatalog(8, []*character.Descriptor{
		{Index: 0, ID: "default", Prefab: "p/default"},
	})
	require.NoError(t, err)
	f := newFixture(t, t, 2, catalog)
	f.join(t, 1, 5, true)
	require.NoError(t, f.coord.RequestStart(1))

	res, ran := f.coord.OnSceneLoadComplete(1, gameScene)
	require.True(t, ran)
	require.NoError(t, res.Err)
	require.Len(t, res.Spawned, 1)
	assert.Equal(t, "default", res.Spawned[0].Descriptor.ID)
	assert.Equal(t, 5, res.Spawned[0].CharacterIndex)
}

func TestHandoff_NonSpawnableDescriptorSkipped(t *testing.T) {
	catalog, err := character.NewCatalog(4, []*character.Descriptor{
		{Index: 0, ID: "default", Prefab: "p/default"},
		{Index: 1, ID: "broken"},
	})
	require.NoError(t, err)
	f := newFixture(t, t, 2, catalog)
	f.join(t, 1, 1, true)
	f.join(t, 2, 0, true)
	require.NoError(t, f.coord.RequestStart(1))

	res, _ := f.coord.OnSceneLoadComplete(1, gameScene)
	assert.ErrorIs(t, res.Err, ErrUnresolvable)
	require.Len(t, res.Spawned, 1)
	assert.Equal(t, session.ConnectionID(2), res.Spawned[0].Owner)
}

func TestHandoff_SpawnerFailureDoesNotAbortLoop(t *testing.T) {
	f := newFixture(t, t, 3, nil)
	f.join(t, 1, 0, true)
	f.join(t, 2, 0, true)
	var spawned []session.ConnectionID
	f.coord.spawner = SpawnerFunc(func(a Actor) error {
		if a.Owner == 1 {
			return errors.New("instantiate failed")
		}
		spawned = append(spawned, a.Owner)
		return nil
	})
	require.NoError(t, f.coord.RequestStart(1))

	res, _ := f.coord.OnSceneLoadComplete(1, gameScene)
	assert.Error(t, res.Err)
	assert.Equal(t, []session.ConnectionID{2}, spawned)
	assert.Len(t, res.Skipped, 1)
}

func TestHandoff_MissingCatalogAborts(t *testing.T) {
	f := newFixture(t, t, 2, nil)
	f.join(t, 1, 0, true)
	f.coord.catalog = nil
	require.NoError(t, f.coord.RequestStart(1))

	res, ran := f.coord.OnSceneLoadComplete(1, gameScene)
	assert.True(t, ran)
	assert.ErrorIs(t, res.Err, ErrDependencyMissing)
	assert.Empty(t, res.Snapshot)
	assert.Equal(t, 1, f.registry.Len(), "aborted handoff despawns nothing")
	assert.Equal(t, 0, f.roster.Len())
}

func TestHandoff_SnapshotIsSourceOfTruth(t *testing.T) {
	f := newFixture(t, t, 2, nil)
	f.join(t, 1, 4, true)
	b := f.join(t, 2, 6, true)
	require.NoError(t, f.coord.RequestStart(1))

	// A teardown side effect that mutates another session mid-despawn must not
	// change what gets spawned.
	first, _ := f.registry.Get(1)
	first.OnTeardown(func(*session.PlayerSession) {
		_ = b.RequestSetCharacter(2, 9)
	})

	res, _ := f.coord.OnSceneLoadComplete(1, gameScene)
	require.Len(t, res.Spawned, 2)
	assert.Equal(t, 6, res.Spawned[1].CharacterIndex)
}

func TestHandoff_DespawnedBeforeHandoffStillSpawnsFromSnapshotOnly(t *testing.T) {
	f := newFixture(t, t, 3, nil)
	f.join(t, 1, 0, true)
	gone := f.join(t, 2, 0, true)
	require.NoError(t, f.coord.RequestStart(1))

	gone.Despawn()
	res, _ := f.coord.OnSceneLoadComplete(1, gameScene)
	assert.Len(t, res.Snapshot, 1, "a connection that left before load completion is not in the snapshot")
	assert.Len(t, res.Spawned, 1)
}

func TestPropertyHandoffConservesPlayers(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "players")
		f := newFixture(rt, t, n, nil)
		for i := 1; i <= n; i++ {
			idx := rapid.IntRange(0, 29).Draw(rt, "character")
			f.join(rt, session.ConnectionID(i), idx, true)
		}
		if err := f.coord.RequestStart(1); err != nil {
			rt.Fatalf("start: %v", err)
		}
		signals := rapid.IntRange(1, 2*n).Draw(rt, "signals")
		runs := 0
		for i := 0; i < signals; i++ {
			if _, ran := f.coord.OnSceneLoadComplete(session.ConnectionID(i%n+1), gameScene); ran {
				runs++
			}
		}
		if runs != 1 {
			rt.Fatalf("handoff ran %d times", runs)
		}
		if f.roster.Len() != n || f.registry.Len() != 0 {
			rt.Fatalf("actors=%d sessions=%d, want %d and 0", f.roster.Len(), f.registry.Len(), n)
		}
	})
}
